package service

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
)

// Refresher runs lineup fetches concurrently, bounded by a worker limit
type Refresher struct {
	concurrency int
	logger      *slog.Logger
}

// NewRefresher creates a refresher running at most concurrency fetches at once
func NewRefresher(concurrency int, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Refresher{concurrency: concurrency, logger: logger}
}

// Refresh refetches the first page of every lineup, replacing its entries.
// Stale responses are not errors. The first failure cancels the rest.
func (r *Refresher) Refresh(ctx context.Context, lineups []*lineup.Lineup, limit int) error {
	return r.each(ctx, lineups, func(ctx context.Context, l *lineup.Lineup) error {
		return l.FetchMetadatas(ctx, 0, limit, true)
	})
}

// LoadAll drains every lineup
func (r *Refresher) LoadAll(ctx context.Context, lineups []*lineup.Lineup) error {
	return r.each(ctx, lineups, func(ctx context.Context, l *lineup.Lineup) error {
		return l.FetchAll(ctx)
	})
}

func (r *Refresher) each(ctx context.Context, lineups []*lineup.Lineup, fn func(context.Context, *lineup.Lineup) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, l := range lineups {
		g.Go(func() error {
			err := fn(ctx, l)
			if errors.Is(err, domain.ErrStaleResponse) {
				r.logger.Debug("ignoring stale refresh", "lineup", l.Config().Prefix)
				return nil
			}
			if err != nil {
				r.logger.Error("lineup refresh failed", "error", err, "lineup", l.Config().Prefix)
			}
			return err
		})
	}

	return g.Wait()
}

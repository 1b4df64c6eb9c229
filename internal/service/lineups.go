package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
	"github.com/mmcdole/tracklist/internal/search"
	"github.com/mmcdole/tracklist/internal/source"
)

// lineupSource resolves lineup names to fetch functions (consumer-defined interface)
type lineupSource interface {
	LineupNames(ctx context.Context) ([]string, error)
	Lineup(name string) (lineup.FetchFunc, error)
}

// SearchResult is one ranked lineup entry
type SearchResult struct {
	Entry          domain.Entry
	Title          string
	Score          int
	MatchedIndexes []int
}

// LineupService owns the open lineups of the application
type LineupService struct {
	source    lineupSource
	cache     lineup.Cache
	defaults  lineup.Config
	refresher *Refresher
	logger    *slog.Logger

	mu      sync.Mutex
	lineups map[string]*lineup.Lineup
}

// NewLineupService creates a new lineup service. defaults is applied to
// every lineup it opens, with Prefix set to the lineup name.
func NewLineupService(
	src lineupSource,
	c lineup.Cache,
	defaults lineup.Config,
	refresher *Refresher,
	logger *slog.Logger,
) *LineupService {
	if logger == nil {
		logger = slog.Default()
	}
	if refresher == nil {
		refresher = NewRefresher(1, logger)
	}
	return &LineupService{
		source:    src,
		cache:     c,
		defaults:  defaults,
		refresher: refresher,
		logger:    logger,
		lineups:   make(map[string]*lineup.Lineup),
	}
}

// Names lists the lineups the source offers
func (s *LineupService) Names(ctx context.Context) ([]string, error) {
	names, err := s.source.LineupNames(ctx)
	if err != nil {
		s.logger.Error("failed to list lineups", "error", err)
		return nil, err
	}
	return names, nil
}

// Open returns the lineup called name, creating it on first use. Unknown
// names carry a suggestion when a close match exists.
func (s *LineupService) Open(ctx context.Context, name string) (*lineup.Lineup, error) {
	s.mu.Lock()
	if l, ok := s.lineups[name]; ok {
		s.mu.Unlock()
		return l, nil
	}
	s.mu.Unlock()

	fetch, err := s.source.Lineup(name)
	if err != nil {
		if errors.Is(err, source.ErrUnknownLineup) {
			if names, lerr := s.source.LineupNames(ctx); lerr == nil {
				if suggestion, ok := search.Suggest(name, names); ok {
					return nil, fmt.Errorf("%w (did you mean %q?)", err, suggestion)
				}
			}
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// lost a race with another Open
	if l, ok := s.lineups[name]; ok {
		return l, nil
	}

	cfg := s.defaults
	cfg.Prefix = name
	l := lineup.New(cfg, fetch, s.cache, s.logger)
	s.lineups[name] = l

	s.logger.Debug("lineup opened", "lineup", name)
	return l, nil
}

// Load opens name and fetches up to pages pages; pages <= 0 drains the lineup
func (s *LineupService) Load(ctx context.Context, name string, pages int) (*lineup.Lineup, error) {
	l, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	if pages <= 0 {
		if err := l.FetchAll(ctx); err != nil {
			return l, err
		}
		return l, nil
	}

	for i := 0; i < pages; i++ {
		state := l.Snapshot()
		if state.Status == domain.StatusSuccess && !state.HasMore {
			break
		}
		if err := l.FetchMore(ctx); err != nil {
			return l, err
		}
	}
	return l, nil
}

// Search ranks the entries of an open lineup by title
func (s *LineupService) Search(ctx context.Context, name, query string) ([]SearchResult, error) {
	l, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	entries := l.Entries()
	titles := l.Titles(entries)

	matches := search.Rank(query, titles)
	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		out = append(out, SearchResult{
			Entry:          entries[m.Index],
			Title:          titles[m.Index],
			Score:          m.Score,
			MatchedIndexes: m.MatchedIndexes,
		})
	}
	return out, nil
}

// Opened lists the names of open lineups, sorted
func (s *LineupService) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.lineups))
	for name := range s.lineups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RefreshAll refetches the first page of every open lineup concurrently
func (s *LineupService) RefreshAll(ctx context.Context) error {
	return s.refresher.Refresh(ctx, s.open(), s.defaults.PageSize)
}

// LoadAll drains every open lineup concurrently
func (s *LineupService) LoadAll(ctx context.Context) error {
	return s.refresher.LoadAll(ctx, s.open())
}

// Close unmounts every open lineup
func (s *LineupService) Close() {
	s.mu.Lock()
	lineups := s.lineups
	s.lineups = make(map[string]*lineup.Lineup)
	s.mu.Unlock()

	for _, l := range lineups {
		l.Unmount()
	}
}

func (s *LineupService) open() []*lineup.Lineup {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*lineup.Lineup, 0, len(s.lineups))
	for _, l := range s.lineups {
		out = append(out, l)
	}
	return out
}

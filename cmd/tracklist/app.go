package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/config"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
	"github.com/mmcdole/tracklist/internal/logging"
	"github.com/mmcdole/tracklist/internal/queue"
	"github.com/mmcdole/tracklist/internal/service"
	"github.com/mmcdole/tracklist/internal/source"
	"github.com/mmcdole/tracklist/internal/store"
)

// backend is what both the catalog file and the HTTP source provide
type backend interface {
	LineupNames(ctx context.Context) ([]string, error)
	Lineup(name string) (lineup.FetchFunc, error)
	Retrieve(ctx context.Context, kind domain.Kind, ids []domain.ID) ([]cache.Entry, error)
}

// app wires the components for one command invocation
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	store    *store.Store
	cache    *cache.EntityCache
	lineups  *service.LineupService
	playback *service.PlaybackService
}

func newApp(ctx context.Context, configPath string, verbose bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.File = "-"
		cfg.Logging.Level = "DEBUG"
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger, logCloser = logging.NullLogger(), io.NopCloser(nil)
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}

	dataDir, err := logging.ExpandHome(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a.store, err = store.Open(dataDir, cfg.Store.KeepSnapshots, logger)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.cache = cache.New(cache.Options{
		Eviction: cache.EvictionPolicy(cfg.Cache.Eviction),
		MaxIdle:  cfg.Cache.MaxIdle,
		Logger:   logger,
	})
	if _, err := service.WarmCache(a.cache, a.store, logger); err != nil {
		logger.Warn("starting with a cold cache", "error", err)
	}

	src, err := a.openBackend()
	if err != nil {
		a.store.Close()
		logCloser.Close()
		return nil, err
	}

	defaults := lineup.Config{
		Dedupe:      cfg.Lineup.Dedupe,
		MaxEntries:  cfg.Lineup.MaxEntries,
		KeepDeleted: cfg.Lineup.KeepDeleted,
		PageSize:    cfg.Lineup.PageSize,
		CappedPages: cfg.Lineup.CappedPages,
	}
	refresher := service.NewRefresher(cfg.Refresh.Concurrency, logger)
	a.lineups = service.NewLineupService(src, a.cache, defaults, refresher, logger)

	q := queue.New(queue.WithLogger(logger))
	q.SetRepeat(cfg.RepeatMode())
	q.SetShuffle(cfg.Queue.Shuffle)
	q.SetQueueAutoplay(cfg.Queue.Autoplay)
	a.playback = service.NewPlaybackService(q, a.cache, a.store, src.Retrieve, logger)

	if _, err := a.playback.Resume(ctx); err != nil {
		logger.Warn("discarding unreadable queue snapshot", "error", err)
	}

	logger.Debug("tracklist ready", "version", Version)
	return a, nil
}

func (a *app) openBackend() (backend, error) {
	if a.cfg.Source.BaseURL != "" {
		return source.NewHTTP(a.cfg.Source.BaseURL, a.cfg.Source.Timeout, a.logger), nil
	}

	path, err := logging.ExpandHome(a.cfg.Source.Catalog)
	if err != nil {
		return nil, err
	}
	f, err := source.LoadFile(path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("no backend configured (set source.base_url or source.catalog): %w", err)
	}
	return f, nil
}

// Close persists the cache and releases everything newApp opened
func (a *app) Close() error {
	a.lineups.Close()
	a.playback.Stop()

	err := service.PersistCache(a.cache, a.store, a.logger)
	err = errors.Join(err, a.store.Close())

	a.logCloser.Close()
	return err
}

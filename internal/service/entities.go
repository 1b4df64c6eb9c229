package service

import (
	"log/slog"

	"github.com/mmcdole/tracklist/internal/domain"
)

// entityStore persists cache snapshots (consumer-defined interface)
type entityStore interface {
	SaveEntities(entities []domain.Entity) error
	LoadEntities() ([]domain.Entity, error)
}

// snapshotter exports and imports the whole cache
type snapshotter interface {
	Snapshot() []domain.Entity
	Restore(entities []domain.Entity)
}

// WarmCache loads persisted entities into the cache and returns how many
func WarmCache(c snapshotter, st entityStore, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entities, err := st.LoadEntities()
	if err != nil {
		logger.Error("failed to load entities", "error", err)
		return 0, err
	}
	c.Restore(entities)

	logger.Debug("cache warmed", "count", len(entities))
	return len(entities), nil
}

// PersistCache writes every cached entity to the store
func PersistCache(c snapshotter, st entityStore, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entities := c.Snapshot()
	if err := st.SaveEntities(entities); err != nil {
		logger.Error("failed to persist cache", "error", err, "count", len(entities))
		return err
	}
	return nil
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
)

// catalogFile is the on-disk layout of a File source
type catalogFile struct {
	Entities []catalogEntity                `json:"entities"`
	Lineups  map[string][]domain.Descriptor `json:"lineups"`
}

type catalogEntity struct {
	Kind     domain.Kind    `json:"kind"`
	ID       domain.ID      `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

type entityKey struct {
	kind domain.Kind
	id   domain.ID
}

// File serves lineups and entities from a JSON catalog
type File struct {
	entities map[entityKey]map[string]any
	lineups  map[string][]domain.Descriptor
	logger   *slog.Logger
}

// LoadFile reads a catalog from path
func LoadFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	f := &File{
		entities: make(map[entityKey]map[string]any, len(cat.Entities)),
		lineups:  cat.Lineups,
		logger:   logger,
	}
	if f.lineups == nil {
		f.lineups = make(map[string][]domain.Descriptor)
	}
	for _, e := range cat.Entities {
		if !e.Kind.Valid() || e.ID <= 0 {
			logger.Warn("skipping invalid catalog entity", "kind", e.Kind, "id", e.ID)
			continue
		}
		f.entities[entityKey{e.Kind, e.ID}] = e.Metadata
	}

	logger.Debug("catalog loaded", "path", path, "entities", len(f.entities), "lineups", len(f.lineups))
	return f, nil
}

// LineupNames returns the catalog's lineups, sorted
func (f *File) LineupNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.lineups))
	for name := range f.lineups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Lineup returns a fetch function paging through the named lineup.
// Descriptors carry the catalog metadata of their entity.
func (f *File) Lineup(name string) (lineup.FetchFunc, error) {
	items, ok := f.lineups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLineup, name)
	}

	return func(ctx context.Context, offset, limit int, _ map[string]any) ([]domain.Descriptor, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if offset < 0 || limit < 0 {
			return nil, fmt.Errorf("invalid page offset=%d limit=%d", offset, limit)
		}
		if offset >= len(items) {
			return []domain.Descriptor{}, nil
		}

		end := min(offset+limit, len(items))
		page := make([]domain.Descriptor, 0, end-offset)
		for _, d := range items[offset:end] {
			if d.Metadata == nil && !d.IsNull() {
				d.Metadata = f.entities[entityKey{d.Kind, d.ID}]
			}
			page = append(page, d)
		}
		return page, nil
	}, nil
}

// Retrieve looks entities up by id. It satisfies cache.RetrieveFunc.
func (f *File) Retrieve(ctx context.Context, kind domain.Kind, ids []domain.ID) ([]cache.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]cache.Entry, 0, len(ids))
	for _, id := range ids {
		if md, ok := f.entities[entityKey{kind, id}]; ok {
			out = append(out, cache.Entry{ID: id, Metadata: md})
		}
	}
	return out, nil
}

package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mmcdole/tracklist/internal/domain"
)

// RetrieveFunc fetches entities by id from the backend.
// Ids the backend does not know are simply absent from the result.
type RetrieveFunc func(ctx context.Context, kind domain.Kind, ids []domain.ID) ([]Entry, error)

// Retrieve returns the requested entities, fetching the ones not yet cached.
// Concurrent retrievals of the same id set share one backend call.
func (c *EntityCache) Retrieve(
	ctx context.Context,
	kind domain.Kind,
	ids []domain.ID,
	fetch RetrieveFunc,
) (map[domain.ID]*domain.Entity, error) {
	found := c.Get(kind, ids)

	missing := make([]domain.ID, 0, len(ids))
	seen := make(map[domain.ID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := found[id]; ok {
			continue
		}
		if _, dup := seen[id]; dup || id <= 0 {
			continue
		}
		seen[id] = struct{}{}
		missing = append(missing, id)
	}
	if len(missing) == 0 || fetch == nil {
		return found, nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	c.SetStatus(kind, missing, StatusLoading)

	_, err, shared := c.flight.Do(flightKey(kind, missing), func() (interface{}, error) {
		entries, err := fetch(ctx, kind, missing)
		if err != nil {
			return nil, err
		}
		c.Add(kind, entries)
		return nil, nil
	})
	if err != nil {
		c.SetStatus(kind, missing, StatusError)
		c.logger.Error("failed to retrieve entities", "error", err, "kind", kind, "count", len(missing))
		return found, fmt.Errorf("retrieve %s: %w", kind, err)
	}

	fetched := c.Get(kind, missing)
	var absent []domain.ID
	for _, id := range missing {
		if ent, ok := fetched[id]; ok {
			found[id] = ent
		} else {
			absent = append(absent, id)
		}
	}
	if len(absent) > 0 {
		c.SetStatus(kind, absent, StatusError)
	}

	c.logger.Debug("retrieved entities",
		"kind", kind, "requested", len(missing), "found", len(missing)-len(absent), "shared", shared)
	return found, nil
}

func flightKey(kind domain.Kind, ids []domain.ID) string {
	var b strings.Builder
	b.WriteString(string(kind))
	for _, id := range ids {
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(int64(id), 10))
	}
	return b.String()
}

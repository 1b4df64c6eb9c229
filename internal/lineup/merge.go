package lineup

import (
	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/uid"
)

// mergeLocked appends one fetched page. items may carry one item past limit,
// which only signals that more pages exist.
func (l *Lineup) mergeLocked(items []domain.Descriptor, offset, limit int) {
	hasMore := len(items) > limit
	if l.cfg.CappedPages {
		hasMore = len(items) >= limit
	}
	if len(items) > limit {
		items = items[:limit]
	}

	page := l.state.Page
	prefix := l.state.Prefix
	nulls := 0

	seen := make(map[entityKey]struct{})
	candidates := make([]domain.Entry, 0, len(items))
	truncated := false

	for i, d := range items {
		if d.IsNull() {
			nulls++
			continue
		}
		k := entityKey{d.Kind, d.ID}
		if l.cfg.Dedupe {
			if _, dup := seen[k]; dup || l.present[k] > 0 {
				continue
			}
		}
		seen[k] = struct{}{}

		if l.cfg.MaxEntries > 0 && len(l.state.Entries)+len(candidates) >= l.cfg.MaxEntries {
			truncated = true
			break
		}

		candidates = append(candidates, domain.Entry{
			UID:   uid.ForLineup(d.Kind, d.ID, prefix, page, i),
			Kind:  d.Kind,
			ID:    d.ID,
			Extra: d.Extra,
		})
	}

	resolved := l.resolveLocked(candidates)

	appended, dropped := 0, 0
	subs := make(map[domain.Kind][]domain.Subscription)
	for _, e := range candidates {
		ent, ok := resolved[entityKey{e.Kind, e.ID}]
		switch {
		case !ok:
			e.Unresolved = true
			l.state.NullCount++
		case ent.Deleted && !l.cfg.KeepDeleted:
			dropped++
			continue
		case ent.Deleted:
			e.Deleted = true
			l.state.ContainsDeleted = true
		}

		l.state.Order[e.UID] = len(l.state.Entries)
		l.state.Entries = append(l.state.Entries, e)
		l.present[entityKey{e.Kind, e.ID}]++
		subs[e.Kind] = append(subs[e.Kind], domain.Subscription{UID: e.UID, ID: e.ID})
		appended++
	}

	for kind, s := range subs {
		l.cache.Subscribe(kind, l.owner, s)
	}

	l.state.NullCount += nulls
	l.state.Deleted += dropped
	l.state.Total += appended + dropped + nulls
	l.state.Page++
	l.state.Status = domain.StatusSuccess
	l.state.IsMetadataLoading = false
	l.state.HasMore = hasMore && !truncated
	if l.cfg.MaxEntries > 0 && len(l.state.Entries) >= l.cfg.MaxEntries {
		l.state.HasMore = false
	}
	l.cursor = offset + len(items)
	l.issued = true

	l.logger.Debug("merged lineup page",
		"page", page,
		"fetched", len(items),
		"appended", appended,
		"deleted", dropped,
		"nulls", nulls,
		"has_more", l.state.HasMore)
}

// resolveLocked looks the candidates up in the cache
func (l *Lineup) resolveLocked(entries []domain.Entry) map[entityKey]*domain.Entity {
	byKind := make(map[domain.Kind][]domain.ID)
	for _, e := range entries {
		byKind[e.Kind] = append(byKind[e.Kind], e.ID)
	}

	out := make(map[entityKey]*domain.Entity, len(entries))
	for kind, ids := range byKind {
		for id, ent := range l.cache.Get(kind, ids) {
			out[entityKey{kind, id}] = ent
		}
	}
	return out
}

// onCacheEvent prunes (or flags) entries whose entity was tombstoned
func (l *Lineup) onCacheEvent(ev cache.Event) {
	if ev.Type != cache.EventRemoved {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := entityKey{ev.Kind, ev.ID}
	if l.present[k] == 0 {
		return
	}

	if l.cfg.KeepDeleted {
		for i := range l.state.Entries {
			e := &l.state.Entries[i]
			if e.Kind == ev.Kind && e.ID == ev.ID {
				e.Deleted = true
			}
		}
		l.state.ContainsDeleted = true
		return
	}

	kept := l.state.Entries[:0]
	var removed []domain.Entry
	for _, e := range l.state.Entries {
		if e.Kind == ev.Kind && e.ID == ev.ID {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	l.state.Entries = kept
	l.state.Order = make(map[domain.UID]int, len(kept))
	for i, e := range kept {
		l.state.Order[e.UID] = i
	}
	delete(l.present, k)
	l.state.Deleted += len(removed)
	l.unsubscribeLocked(removed)

	l.logger.Debug("pruned deleted entity", "kind", ev.Kind, "id", ev.ID, "entries", len(removed))
}

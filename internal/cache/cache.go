// Package cache holds the normalized entity store shared by lineups and queues.
package cache

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/mmcdole/tracklist/internal/domain"
)

// EvictionPolicy selects what happens to entities nobody subscribes to
type EvictionPolicy string

const (
	// EvictNone keeps idle entities forever (eviction is advisory only)
	EvictNone EvictionPolicy = "none"
	// EvictLRU drops the least recently touched idle entity once MaxIdle is exceeded
	EvictLRU EvictionPolicy = "lru"
)

// Options configures an EntityCache
type Options struct {
	Eviction EvictionPolicy
	MaxIdle  int // only used by EvictLRU
	Logger   *slog.Logger
}

// Status is the load state of a single entity
type Status int

const (
	StatusUnloaded Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

// Entry is an entity payload keyed by id, as returned by fetches
type Entry struct {
	ID       domain.ID      `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

// EventType distinguishes cache notifications
type EventType int

const (
	EventUpdated EventType = iota
	EventRemoved
	EventEvicted
)

// Event is delivered to watchers after the cache lock is released
type Event struct {
	Type EventType
	Kind domain.Kind
	ID   domain.ID
}

type key struct {
	kind domain.Kind
	id   domain.ID
}

// EntityCache is the single source of truth for entity data.
// Lock order: callers may hold their own lock while calling Get, Subscribe
// and Unsubscribe, but never while calling a method that notifies watchers.
type EntityCache struct {
	mu          sync.RWMutex
	entities    map[key]*domain.Entity
	statuses    map[key]Status
	subscribers map[key]map[string]struct{} // entity -> owner/uid
	uids        map[string]key              // owner/uid -> entity

	// idle tracks unsubscribed entities for EvictLRU; nil otherwise
	idle     *lru.Cache
	unidling bool // set while idle.Remove runs so OnEvicted keeps the entity
	evicted  []Event

	watchMu  sync.RWMutex
	watchers map[int]func(Event)
	nextW    int

	flight singleflight.Group
	logger *slog.Logger
}

// New creates an empty cache
func New(opts Options) *EntityCache {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &EntityCache{
		entities:    make(map[key]*domain.Entity),
		statuses:    make(map[key]Status),
		subscribers: make(map[key]map[string]struct{}),
		uids:        make(map[string]key),
		watchers:    make(map[int]func(Event)),
		logger:      logger,
	}

	if opts.Eviction == EvictLRU && opts.MaxIdle > 0 {
		c.idle = lru.New(opts.MaxIdle)
		c.idle.OnEvicted = func(k lru.Key, _ interface{}) {
			if c.unidling {
				return
			}
			ek := k.(key)
			delete(c.entities, ek)
			delete(c.statuses, ek)
			c.evicted = append(c.evicted, Event{Type: EventEvicted, Kind: ek.kind, ID: ek.id})
		}
	}

	return c
}

// Add upserts entities. New data wins for present fields; absent fields are kept.
func (c *EntityCache) Add(kind domain.Kind, entries []Entry) {
	var events []Event

	c.mu.Lock()
	for _, e := range entries {
		if e.ID <= 0 {
			continue
		}
		k := key{kind, e.ID}
		ent, ok := c.entities[k]
		if !ok {
			ent = &domain.Entity{Kind: kind, ID: e.ID, Fields: map[string]any{}}
			c.entities[k] = ent
		}
		wasDeleted := ent.Deleted
		ent.Merge(e.Metadata)
		c.statuses[k] = StatusSuccess
		c.touchIdleLocked(k)

		if ent.Deleted && !wasDeleted {
			events = append(events, Event{Type: EventRemoved, Kind: kind, ID: e.ID})
		}
	}
	events = append(events, c.drainEvictedLocked()...)
	c.mu.Unlock()

	c.notify(events)
}

// Update merges fields into an existing entity. Edits for unknown ids are
// dropped and reported by the false return.
func (c *EntityCache) Update(kind domain.Kind, id domain.ID, fields map[string]any) bool {
	c.mu.Lock()
	k := key{kind, id}
	ent, ok := c.entities[k]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("entity not found for update", "kind", kind, "id", id)
		return false
	}
	wasDeleted := ent.Deleted
	ent.Merge(fields)
	nowDeleted := ent.Deleted
	c.touchIdleLocked(k)
	events := c.drainEvictedLocked()
	c.mu.Unlock()

	ev := Event{Type: EventUpdated, Kind: kind, ID: id}
	if nowDeleted && !wasDeleted {
		ev.Type = EventRemoved
	}
	c.notify(append(events, ev))
	return true
}

// Remove tombstones an entity. The record stays resolvable so in-flight UIDs
// still find it. An id the cache does not hold yet gets a tombstone record,
// so entries waiting on it are pruned and a late payload cannot revive it.
// It returns false only for an invalid id.
func (c *EntityCache) Remove(kind domain.Kind, id domain.ID) bool {
	if !kind.Valid() || id <= 0 {
		return false
	}

	c.mu.Lock()
	k := key{kind, id}
	ent, ok := c.entities[k]
	if !ok {
		c.logger.Debug("tombstoning unloaded entity", "kind", kind, "id", id)
		ent = &domain.Entity{Kind: kind, ID: id, Fields: map[string]any{}}
		c.entities[k] = ent
		c.statuses[k] = StatusSuccess
		c.touchIdleLocked(k)
	}
	already := ent.Deleted
	ent.Deleted = true
	ent.Fields[domain.FieldIsDelete] = true
	events := c.drainEvictedLocked()
	c.mu.Unlock()

	if !already {
		events = append(events, Event{Type: EventRemoved, Kind: kind, ID: id})
	}
	c.notify(events)
	return true
}

// Get returns copies of the requested entities that are present
func (c *EntityCache) Get(kind domain.Kind, ids []domain.ID) map[domain.ID]*domain.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[domain.ID]*domain.Entity, len(ids))
	for _, id := range ids {
		if ent, ok := c.entities[key{kind, id}]; ok {
			out[id] = ent.Clone()
		}
	}
	return out
}

// GetEntity returns a copy of a single entity
func (c *EntityCache) GetEntity(kind domain.Kind, id domain.ID) (*domain.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ent, ok := c.entities[key{kind, id}]
	if !ok {
		return nil, false
	}
	return ent.Clone(), true
}

// Subscribe records that owner references each entity under the given UID
func (c *EntityCache) Subscribe(kind domain.Kind, owner string, subs []domain.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range subs {
		k := key{kind, s.ID}
		sk := subscriberKey(owner, s.UID)
		if prev, ok := c.uids[sk]; ok && prev != k {
			c.dropSubscriberLocked(prev, sk)
		}
		set, ok := c.subscribers[k]
		if !ok {
			set = make(map[string]struct{})
			c.subscribers[k] = set
		}
		set[sk] = struct{}{}
		c.uids[sk] = k
		c.unidleLocked(k)
	}
}

// Unsubscribe releases UIDs held by owner. Entities left without subscribers
// become eligible for eviction.
func (c *EntityCache) Unsubscribe(kind domain.Kind, owner string, uids []domain.UID) {
	c.mu.Lock()
	for _, u := range uids {
		sk := subscriberKey(owner, u)
		k, ok := c.uids[sk]
		if !ok || k.kind != kind {
			continue
		}
		c.dropSubscriberLocked(k, sk)
	}
	// eviction events are not delivered from here: callers may hold their own locks
	c.drainEvictedLocked()
	c.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on an entity
func (c *EntityCache) Subscribers(kind domain.Kind, id domain.ID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers[key{kind, id}])
}

// SetStatus records the load status of entities
func (c *EntityCache) SetStatus(kind domain.Kind, ids []domain.ID, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.statuses[key{kind, id}] = status
	}
}

// Status returns the load status of an entity
func (c *EntityCache) Status(kind domain.Kind, id domain.ID) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statuses[key{kind, id}]
}

// Len returns the number of entities held (tombstones included)
func (c *EntityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entities)
}

// Snapshot exports every entity, ordered by kind then id
func (c *EntityCache) Snapshot() []domain.Entity {
	c.mu.RLock()
	out := make([]domain.Entity, 0, len(c.entities))
	for _, ent := range c.entities {
		out = append(out, *ent.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore merges previously exported entities back in
func (c *EntityCache) Restore(entities []domain.Entity) {
	var removed []Event

	c.mu.Lock()
	for _, e := range entities {
		if !e.Kind.Valid() || e.ID <= 0 {
			continue
		}
		k := key{e.Kind, e.ID}
		ent, ok := c.entities[k]
		if !ok {
			ent = &domain.Entity{Kind: e.Kind, ID: e.ID, Fields: map[string]any{}}
			c.entities[k] = ent
		}
		wasDeleted := ent.Deleted
		ent.Fields = domain.MergeFields(ent.Fields, e.Fields)
		ent.Deleted = ent.Deleted || e.Deleted
		if ent.Deleted {
			ent.Fields[domain.FieldIsDelete] = true
		}
		c.statuses[k] = StatusSuccess
		c.touchIdleLocked(k)

		if ent.Deleted && !wasDeleted {
			removed = append(removed, Event{Type: EventRemoved, Kind: e.Kind, ID: e.ID})
		}
	}
	events := append(removed, c.drainEvictedLocked()...)
	c.mu.Unlock()

	c.notify(events)
	c.logger.Debug("restored entities", "count", len(entities))
}

// Watch registers fn for cache events. The returned func cancels the watch.
func (c *EntityCache) Watch(fn func(Event)) func() {
	c.watchMu.Lock()
	id := c.nextW
	c.nextW++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

func (c *EntityCache) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	c.watchMu.RLock()
	fns := make([]func(Event), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// touchIdleLocked marks an unsubscribed entity as recently used
func (c *EntityCache) touchIdleLocked(k key) {
	if c.idle == nil || len(c.subscribers[k]) > 0 {
		return
	}
	c.idle.Add(k, nil)
}

// unidleLocked removes a subscribed entity from the eviction candidates
func (c *EntityCache) unidleLocked(k key) {
	if c.idle == nil {
		return
	}
	c.unidling = true
	c.idle.Remove(k)
	c.unidling = false
}

func (c *EntityCache) dropSubscriberLocked(k key, sk string) {
	delete(c.uids, sk)
	set := c.subscribers[k]
	delete(set, sk)
	if len(set) > 0 {
		return
	}
	delete(c.subscribers, k)
	if _, ok := c.entities[k]; ok {
		c.touchIdleLocked(k)
	}
}

func (c *EntityCache) drainEvictedLocked() []Event {
	events := c.evicted
	c.evicted = nil
	for _, ev := range events {
		c.logger.Debug("evicted idle entity", "kind", ev.Kind, "id", ev.ID)
	}
	return events
}

func subscriberKey(owner string, u domain.UID) string {
	return owner + "/" + string(u)
}

package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/logging"
)

const tracks = domain.KindDigitalContents

func newTestCache(opts Options) *EntityCache {
	opts.Logger = logging.NullLogger()
	return New(opts)
}

// recorder collects watch events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestAdd_MergesFields(t *testing.T) {
	c := newTestCache(Options{})

	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "Intro", "plays": 3}}})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"plays": 4}}})

	ent, ok := c.GetEntity(tracks, 1)
	require.True(t, ok)
	assert.Equal(t, "Intro", ent.Title())
	assert.Equal(t, 4, ent.Fields["plays"])
	assert.Equal(t, StatusSuccess, c.Status(tracks, 1))
}

func TestAdd_IgnoresInvalidIDs(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 0}, {ID: -4}})
	assert.Zero(t, c.Len())
}

func TestGet_ReturnsCopiesOfPresentOnly(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "a"}}})

	got := c.Get(tracks, []domain.ID{1, 2})
	require.Len(t, got, 1)
	_, missing := got[2]
	assert.False(t, missing)

	got[1].Fields["title"] = "mutated"
	ent, _ := c.GetEntity(tracks, 1)
	assert.Equal(t, "a", ent.Title())
}

func TestKindsAreSeparateNamespaces(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "track"}}})
	c.Add(domain.KindCollections, []Entry{{ID: 1, Metadata: map[string]any{"name": "album"}}})

	tr, _ := c.GetEntity(tracks, 1)
	col, _ := c.GetEntity(domain.KindCollections, 1)
	assert.Equal(t, "track", tr.Title())
	assert.Equal(t, "album", col.Title())
}

func TestUpdate_MissingEntityIsDropped(t *testing.T) {
	c := newTestCache(Options{})
	rec := &recorder{}
	defer c.Watch(rec.record)()

	assert.False(t, c.Update(tracks, 9, map[string]any{"title": "late"}))
	_, ok := c.GetEntity(tracks, 9)
	assert.False(t, ok)
	assert.Empty(t, rec.all())
}

func TestUpdate_NotifiesWatchers(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1}})
	rec := &recorder{}
	defer c.Watch(rec.record)()

	require.True(t, c.Update(tracks, 1, map[string]any{"title": "b"}))
	require.True(t, c.Update(tracks, 1, map[string]any{domain.FieldIsDelete: true}))

	want := []Event{
		{Type: EventUpdated, Kind: tracks, ID: 1},
		{Type: EventRemoved, Kind: tracks, ID: 1},
	}
	if diff := cmp.Diff(want, rec.all()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRemove_TombstonesAndKeepsRecord(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "a"}}})
	rec := &recorder{}
	cancel := c.Watch(rec.record)

	require.True(t, c.Remove(tracks, 1))
	require.True(t, c.Remove(tracks, 1))
	assert.False(t, c.Remove(tracks, 0))
	assert.False(t, c.Remove("albums", 1))

	ent, ok := c.GetEntity(tracks, 1)
	require.True(t, ok)
	assert.True(t, ent.Deleted)
	assert.Equal(t, true, ent.Fields[domain.FieldIsDelete])
	assert.Len(t, rec.all(), 1)

	cancel()
	c.Add(tracks, []Entry{{ID: 5, Metadata: map[string]any{domain.FieldIsDelete: true}}})
	assert.Len(t, rec.all(), 1)
}

func TestRemove_UnloadedEntityLeavesTombstone(t *testing.T) {
	c := newTestCache(Options{})
	rec := &recorder{}
	defer c.Watch(rec.record)()

	require.True(t, c.Remove(tracks, 2))
	assert.Equal(t, []Event{{Type: EventRemoved, Kind: tracks, ID: 2}}, rec.all())
	assert.Equal(t, StatusSuccess, c.Status(tracks, 2))

	// a late payload merges into the tombstone without reviving it
	c.Add(tracks, []Entry{{ID: 2, Metadata: map[string]any{"title": "late"}}})
	ent, ok := c.GetEntity(tracks, 2)
	require.True(t, ok)
	assert.True(t, ent.Deleted)
	assert.Equal(t, "late", ent.Title())
	assert.Len(t, rec.all(), 1)
}

func TestTombstone_IsPermanent(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "a"}}})
	require.True(t, c.Remove(tracks, 1))

	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{domain.FieldIsDelete: false}}})
	require.True(t, c.Update(tracks, 1, map[string]any{domain.FieldIsDelete: false}))
	c.Restore([]domain.Entity{{Kind: tracks, ID: 1, Fields: map[string]any{domain.FieldIsDelete: false}}})

	ent, ok := c.GetEntity(tracks, 1)
	require.True(t, ok)
	assert.True(t, ent.Deleted)
	assert.Equal(t, true, ent.Fields[domain.FieldIsDelete])
}

func TestRestore_NotifiesNewTombstones(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1}})
	rec := &recorder{}
	defer c.Watch(rec.record)()

	c.Restore([]domain.Entity{{Kind: tracks, ID: 1, Deleted: true}})
	assert.Equal(t, []Event{{Type: EventRemoved, Kind: tracks, ID: 1}}, rec.all())
}

func TestSubscribe_OwnersDoNotReleaseEachOther(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1}})

	sub := []domain.Subscription{{UID: "digital_contents:1:feed:0:0", ID: 1}}
	c.Subscribe(tracks, "lineup", sub)
	c.Subscribe(tracks, "queue", sub)
	assert.Equal(t, 2, c.Subscribers(tracks, 1))

	c.Unsubscribe(tracks, "lineup", []domain.UID{sub[0].UID})
	assert.Equal(t, 1, c.Subscribers(tracks, 1))

	// unknown uid and wrong kind are ignored
	c.Unsubscribe(tracks, "lineup", []domain.UID{sub[0].UID})
	c.Unsubscribe(domain.KindUsers, "queue", []domain.UID{sub[0].UID})
	assert.Equal(t, 1, c.Subscribers(tracks, 1))

	c.Unsubscribe(tracks, "queue", []domain.UID{sub[0].UID})
	assert.Zero(t, c.Subscribers(tracks, 1))
}

func TestSubscribe_ReboundUIDMovesSubscription(t *testing.T) {
	c := newTestCache(Options{})
	c.Subscribe(tracks, "o", []domain.Subscription{{UID: "u", ID: 1}})
	c.Subscribe(tracks, "o", []domain.Subscription{{UID: "u", ID: 2}})

	assert.Zero(t, c.Subscribers(tracks, 1))
	assert.Equal(t, 1, c.Subscribers(tracks, 2))
}

func TestEviction_NoneKeepsIdleEntities(t *testing.T) {
	c := newTestCache(Options{Eviction: EvictNone, MaxIdle: 1})
	c.Add(tracks, []Entry{{ID: 1}, {ID: 2}, {ID: 3}})
	assert.Equal(t, 3, c.Len())
}

func TestEviction_LRUDropsOldestIdle(t *testing.T) {
	c := newTestCache(Options{Eviction: EvictLRU, MaxIdle: 2})
	rec := &recorder{}
	defer c.Watch(rec.record)()

	c.Add(tracks, []Entry{{ID: 1}})
	c.Subscribe(tracks, "q", []domain.Subscription{{UID: "u1", ID: 1}})

	c.Add(tracks, []Entry{{ID: 2}, {ID: 3}, {ID: 4}})

	// 1 is subscribed, 2 was the oldest idle entity
	_, ok := c.GetEntity(tracks, 1)
	assert.True(t, ok)
	_, ok = c.GetEntity(tracks, 2)
	assert.False(t, ok)
	assert.Equal(t, 3, c.Len())
	assert.Contains(t, rec.all(), Event{Type: EventEvicted, Kind: tracks, ID: 2})

	// releasing the last subscriber makes 1 idle again and evicts 3
	c.Unsubscribe(tracks, "q", []domain.UID{"u1"})
	_, ok = c.GetEntity(tracks, 3)
	assert.False(t, ok)
	_, ok = c.GetEntity(tracks, 1)
	assert.True(t, ok)
}

func TestSnapshotRestore(t *testing.T) {
	src := newTestCache(Options{})
	src.Add(domain.KindCollections, []Entry{{ID: 4, Metadata: map[string]any{"name": "album"}}})
	src.Add(tracks, []Entry{{ID: 2, Metadata: map[string]any{"title": "b"}}, {ID: 1, Metadata: map[string]any{"title": "a"}}})
	src.Remove(tracks, 2)

	snap := src.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, domain.KindCollections, snap[0].Kind)
	assert.Equal(t, domain.ID(1), snap[1].ID)

	dst := newTestCache(Options{})
	dst.Restore(append(snap, domain.Entity{Kind: "bogus", ID: 1}))

	if diff := cmp.Diff(snap, dst.Snapshot()); diff != "" {
		t.Errorf("restored snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestRetrieve_FetchesOnlyMissing(t *testing.T) {
	c := newTestCache(Options{})
	c.Add(tracks, []Entry{{ID: 1, Metadata: map[string]any{"title": "cached"}}})

	var requested []domain.ID
	fetch := func(_ context.Context, kind domain.Kind, ids []domain.ID) ([]Entry, error) {
		requested = append(requested, ids...)
		return []Entry{{ID: 3, Metadata: map[string]any{"title": "fetched"}}}, nil
	}

	got, err := c.Retrieve(context.Background(), tracks, []domain.ID{3, 1, 2, 3}, fetch)
	require.NoError(t, err)

	assert.Equal(t, []domain.ID{2, 3}, requested)
	require.Len(t, got, 2)
	assert.Equal(t, "fetched", got[3].Title())
	assert.Equal(t, StatusSuccess, c.Status(tracks, 3))
	assert.Equal(t, StatusError, c.Status(tracks, 2))

	requested = nil
	_, err = c.Retrieve(context.Background(), tracks, []domain.ID{1, 3}, fetch)
	require.NoError(t, err)
	assert.Empty(t, requested)
}

func TestRetrieve_ErrorMarksStatus(t *testing.T) {
	c := newTestCache(Options{})
	boom := errors.New("backend down")

	_, err := c.Retrieve(context.Background(), tracks, []domain.ID{5}, func(context.Context, domain.Kind, []domain.ID) ([]Entry, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StatusError, c.Status(tracks, 5))
	assert.Equal(t, StatusUnloaded, c.Status(tracks, 6))
}

func TestConcurrentAddAndGet(t *testing.T) {
	c := newTestCache(Options{Eviction: EvictLRU, MaxIdle: 16})
	stop := c.Watch(func(Event) {})
	defer stop()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := domain.ID(i%32 + 1)
				c.Add(tracks, []Entry{{ID: id, Metadata: map[string]any{"w": w}}})
				c.Get(tracks, []domain.ID{id})
				if i%10 == 0 {
					c.Subscribe(tracks, "w", []domain.Subscription{{UID: domain.UID("u"), ID: id}})
				}
			}
		}(w)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 17)
}

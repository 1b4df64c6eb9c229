package lineup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const tracks = domain.KindDigitalContents

// catalog builds n descriptors with ids 1..n carrying a title
func catalog(n int) []domain.Descriptor {
	out := make([]domain.Descriptor, n)
	for i := range out {
		out[i] = domain.Descriptor{
			Kind:     tracks,
			ID:       domain.ID(i + 1),
			Metadata: map[string]any{domain.FieldTitle: "track"},
		}
	}
	return out
}

type source struct {
	items []domain.Descriptor
	calls int
}

func (s *source) fetch(_ context.Context, offset, limit int, _ map[string]any) ([]domain.Descriptor, error) {
	s.calls++
	if offset >= len(s.items) {
		return []domain.Descriptor{}, nil
	}
	end := min(offset+limit, len(s.items))
	return s.items[offset:end], nil
}

func newCache() *cache.EntityCache {
	return cache.New(cache.Options{Logger: logging.NullLogger()})
}

func newLineup(t *testing.T, cfg Config, fetch FetchFunc, c *cache.EntityCache) *Lineup {
	t.Helper()
	if cfg.Prefix == "" {
		cfg.Prefix = "feed"
	}
	l := New(cfg, fetch, c, logging.NullLogger())
	t.Cleanup(l.Unmount)
	return l
}

func requireConsistent(t *testing.T, l *Lineup) {
	t.Helper()
	s := l.Snapshot()
	require.NoError(t, checkOrder(s.Entries, s.Order))
}

func entryIDs(entries []domain.Entry) []domain.ID {
	out := make([]domain.ID, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestFetchMetadatas_AssignsPageUIDs(t *testing.T) {
	src := &source{items: catalog(3)}
	l := newLineup(t, Config{}, src.fetch, newCache())

	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	require.Len(t, s.Entries, 3)
	assert.Equal(t, domain.UID("digital_contents:1:feed:0:0"), s.Entries[0].UID)
	assert.Equal(t, domain.UID("digital_contents:3:feed:0:2"), s.Entries[2].UID)
	assert.Equal(t, domain.StatusSuccess, s.Status)
	assert.False(t, s.HasMore)
	assert.Equal(t, 1, s.Page)
	assert.Equal(t, 3, s.Total)
	assert.False(t, s.IsMetadataLoading)
}

func TestFetchMetadatas_DedupeIsIdempotent(t *testing.T) {
	src := &source{items: catalog(5)}
	l := newLineup(t, Config{Dedupe: true}, src.fetch, newCache())
	ctx := context.Background()

	require.NoError(t, l.FetchMetadatas(ctx, 0, 5, false))
	once := l.Snapshot()

	require.NoError(t, l.FetchMetadatas(ctx, 0, 5, false))
	twice := l.Snapshot()

	assert.Equal(t, entryIDs(once.Entries), entryIDs(twice.Entries))
	assert.Equal(t, once.Total, twice.Total)
	requireConsistent(t, l)
}

func TestFetchMetadatas_DedupeWithinPage(t *testing.T) {
	items := catalog(3)
	items = append(items, items[0], items[2])
	src := &source{items: items}
	l := newLineup(t, Config{Dedupe: true}, src.fetch, newCache())

	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1, 2, 3}, entryIDs(s.Entries))
	assert.Equal(t, 3, s.Total)
}

func TestFetchMetadatas_WithoutDedupeKeepsRepeats(t *testing.T) {
	items := catalog(2)
	items = append(items, items[0])
	src := &source{items: items}
	l := newLineup(t, Config{}, src.fetch, newCache())

	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1, 2, 1}, entryIDs(s.Entries))
	assert.NotEqual(t, s.Entries[0].UID, s.Entries[2].UID)
	requireConsistent(t, l)
}

func TestOrderConsistency_AcrossFetchesAndResets(t *testing.T) {
	src := &source{items: catalog(45)}
	l := newLineup(t, Config{PageSize: 10, Dedupe: true}, src.fetch, newCache())
	ctx := context.Background()

	steps := []func() error{
		func() error { return l.FetchMore(ctx) },
		func() error { return l.FetchMore(ctx) },
		func() error { l.Reset(); return nil },
		func() error { return l.FetchMetadatas(ctx, 5, 10, true) },
		func() error { return l.FetchMore(ctx) },
		func() error { return l.FetchMetadatas(ctx, 0, 20, false) },
		func() error { return l.FetchAll(ctx) },
		func() error { l.Reset(); return nil },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		requireConsistent(t, l)
	}
	assert.Equal(t, domain.StatusEmpty, l.Snapshot().Status)
}

func TestFetchMore_PaginationTerminates(t *testing.T) {
	src := &source{items: catalog(100)}
	l := newLineup(t, Config{PageSize: 20}, src.fetch, newCache())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.FetchMore(ctx))
		if !l.Snapshot().HasMore {
			break
		}
	}

	s := l.Snapshot()
	assert.False(t, s.HasMore)
	assert.Equal(t, 5, src.calls)
	assert.Len(t, s.Entries, 100)
	assert.Equal(t, domain.ID(100), s.Entries[99].ID)

	// exhausted: no further fetch
	require.NoError(t, l.FetchMore(ctx))
	assert.Equal(t, 5, src.calls)
}

func TestFetchMore_CappedSourceStillPaginates(t *testing.T) {
	src := &source{items: catalog(100)}
	var limits []int
	capped := func(ctx context.Context, offset, limit int, args map[string]any) ([]domain.Descriptor, error) {
		limits = append(limits, limit)
		return src.fetch(ctx, offset, min(limit, 20), args)
	}
	l := newLineup(t, Config{PageSize: 20, CappedPages: true}, capped, newCache())

	require.NoError(t, l.FetchAll(context.Background()))

	s := l.Snapshot()
	assert.Len(t, s.Entries, 100)
	assert.False(t, s.HasMore)
	// five full pages plus the empty one that ends the lineup
	assert.Equal(t, []int{20, 20, 20, 20, 20, 20}, limits)
	requireConsistent(t, l)
}

func TestFetchAll(t *testing.T) {
	src := &source{items: catalog(33)}
	l := newLineup(t, Config{PageSize: 10}, src.fetch, newCache())

	require.NoError(t, l.FetchAll(context.Background()))

	s := l.Snapshot()
	assert.Len(t, s.Entries, 33)
	assert.Equal(t, 4, s.Page)
	assert.False(t, s.HasMore)
}

func TestMaxEntries_TruncatesAndStops(t *testing.T) {
	src := &source{items: catalog(50)}
	l := newLineup(t, Config{PageSize: 20, MaxEntries: 30}, src.fetch, newCache())
	ctx := context.Background()

	require.NoError(t, l.FetchMore(ctx))
	assert.True(t, l.Snapshot().HasMore)

	require.NoError(t, l.FetchMore(ctx))
	s := l.Snapshot()
	assert.Len(t, s.Entries, 30)
	assert.False(t, s.HasMore)
	assert.Equal(t, 30, s.MaxEntries)

	require.NoError(t, l.FetchMore(ctx))
	assert.Equal(t, 2, src.calls)
}

func TestTombstone_RemovedByDefault(t *testing.T) {
	c := newCache()
	src := &source{items: catalog(3)}
	c.Add(tracks, []cache.Entry{{ID: 2, Metadata: map[string]any{domain.FieldIsDelete: true}}})

	items := catalog(3)
	items[1].Metadata = nil
	src.items = items

	l := newLineup(t, Config{}, src.fetch, c)
	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1, 3}, entryIDs(s.Entries))
	assert.Equal(t, 1, s.Deleted)
	assert.False(t, s.ContainsDeleted)
	assert.Equal(t, 3, s.Total)
	requireConsistent(t, l)
}

func TestTombstone_KeptWhenConfigured(t *testing.T) {
	c := newCache()
	c.Add(tracks, []cache.Entry{{ID: 2, Metadata: map[string]any{domain.FieldIsDelete: true}}})

	items := catalog(3)
	items[1].Metadata = nil
	src := &source{items: items}

	l := newLineup(t, Config{KeepDeleted: true}, src.fetch, c)
	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	require.Len(t, s.Entries, 3)
	assert.True(t, s.Entries[1].Deleted)
	assert.False(t, s.Entries[0].Deleted)
	assert.True(t, s.ContainsDeleted)
	assert.Zero(t, s.Deleted)
}

func TestNullsAndUnresolved(t *testing.T) {
	items := []domain.Descriptor{
		{Kind: tracks, ID: 1, Metadata: map[string]any{domain.FieldTitle: "a"}},
		{Kind: tracks, ID: 0},
		{Kind: tracks, ID: 7},
	}
	src := &source{items: items}
	l := newLineup(t, Config{}, src.fetch, newCache())

	require.NoError(t, l.FetchMetadatas(context.Background(), 0, 10, false))

	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1, 7}, entryIDs(s.Entries))
	assert.True(t, s.Entries[1].Unresolved)
	assert.Equal(t, 2, s.NullCount)
	assert.Equal(t, domain.UID("digital_contents:7:feed:0:2"), s.Entries[1].UID)
}

func TestFetchError_LeavesEntriesUntouched(t *testing.T) {
	boom := errors.New("boom")
	fail := false
	src := &source{items: catalog(30)}
	fetch := func(ctx context.Context, offset, limit int, args map[string]any) ([]domain.Descriptor, error) {
		if fail {
			return nil, boom
		}
		return src.fetch(ctx, offset, limit, args)
	}
	l := newLineup(t, Config{PageSize: 10}, fetch, newCache())
	ctx := context.Background()

	require.NoError(t, l.FetchMore(ctx))
	fail = true

	err := l.FetchMore(ctx)
	require.ErrorIs(t, err, domain.ErrFetch)
	require.ErrorIs(t, err, boom)

	s := l.Snapshot()
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Len(t, s.Entries, 10)

	// retry is caller driven
	fail = false
	require.NoError(t, l.FetchMore(ctx))
	assert.Len(t, l.Snapshot().Entries, 20)
}

// blockingFetch parks every call until release is closed
type blockingFetch struct {
	started chan struct{}
	release chan struct{}
	items   []domain.Descriptor
}

func newBlockingFetch(items []domain.Descriptor) *blockingFetch {
	return &blockingFetch{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		items:   items,
	}
}

func (b *blockingFetch) fetch(ctx context.Context, offset, limit int, _ map[string]any) ([]domain.Descriptor, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	end := min(offset+limit, len(b.items))
	return b.items[offset:end], nil
}

func TestStaleFetch_DiscardedAfterReset(t *testing.T) {
	bf := newBlockingFetch(catalog(5))
	l := newLineup(t, Config{}, bf.fetch, newCache())

	errc := make(chan error, 1)
	go func() { errc <- l.FetchMore(context.Background()) }()

	<-bf.started
	l.Reset()
	close(bf.release)

	require.ErrorIs(t, <-errc, domain.ErrStaleResponse)

	s := l.Snapshot()
	assert.Empty(t, s.Entries)
	assert.Equal(t, domain.StatusEmpty, s.Status)
	assert.Zero(t, s.Page)
}

func TestFetchMore_GuardedWhileLoading(t *testing.T) {
	bf := newBlockingFetch(catalog(5))
	l := newLineup(t, Config{}, bf.fetch, newCache())

	errc := make(chan error, 1)
	go func() { errc <- l.FetchMore(context.Background()) }()
	<-bf.started

	assert.Equal(t, domain.StatusLoading, l.Snapshot().Status)
	assert.ErrorIs(t, l.FetchMore(context.Background()), domain.ErrFetchInFlight)

	close(bf.release)
	require.NoError(t, <-errc)
	assert.Len(t, l.Snapshot().Entries, 5)
}

func TestRefreshInView_DeferredUntilVisible(t *testing.T) {
	src := &source{items: catalog(5)}
	l := newLineup(t, Config{}, src.fetch, newCache())
	ctx := context.Background()

	ran, err := l.RefreshInView(ctx, true, 3)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, src.calls)

	require.NoError(t, l.SetInView(ctx, true))
	assert.Equal(t, 1, src.calls)
	assert.Len(t, l.Snapshot().Entries, 3)

	// consumed: becoming visible again does not refetch
	require.NoError(t, l.SetInView(ctx, false))
	require.NoError(t, l.SetInView(ctx, true))
	assert.Equal(t, 1, src.calls)

	ran, err = l.RefreshInView(ctx, true, 5)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Len(t, l.Snapshot().Entries, 5)
}

func TestSetInView_KeepsDeferredRefreshWhileLoading(t *testing.T) {
	bf := newBlockingFetch(catalog(10))
	l := newLineup(t, Config{Dedupe: true}, bf.fetch, newCache())
	ctx := context.Background()

	ran, err := l.RefreshInView(ctx, false, 5)
	require.NoError(t, err)
	require.False(t, ran)

	errc := make(chan error, 1)
	go func() { errc <- l.FetchMore(ctx) }()
	<-bf.started

	require.ErrorIs(t, l.SetInView(ctx, true), domain.ErrFetchInFlight)

	close(bf.release)
	require.NoError(t, <-errc)
	require.Equal(t, 1, l.Snapshot().Page)

	// the refresh survived and runs once the lineup is idle
	require.NoError(t, l.SetInView(ctx, true))
	<-bf.started
	assert.Equal(t, 2, l.Snapshot().Page)

	require.NoError(t, l.SetInView(ctx, true))
	assert.Equal(t, 2, l.Snapshot().Page)
}

func TestReset_DoesNotReuseUIDs(t *testing.T) {
	src := &source{items: catalog(2)}
	l := newLineup(t, Config{}, src.fetch, newCache())
	ctx := context.Background()

	require.NoError(t, l.FetchMore(ctx))
	first := l.Snapshot().Entries[0].UID

	require.NoError(t, l.FetchMetadatas(ctx, 0, 20, true))
	s := l.Snapshot()
	assert.NotEqual(t, first, s.Entries[0].UID)
	assert.Equal(t, "feed#2", s.Prefix)
	assert.Equal(t, domain.UID("digital_contents:1:feed#2:0:0"), s.Entries[0].UID)
}

func TestCacheRemoval_PrunesEntries(t *testing.T) {
	c := newCache()
	src := &source{items: catalog(4)}
	l := newLineup(t, Config{}, src.fetch, c)

	require.NoError(t, l.FetchMore(context.Background()))
	require.Equal(t, 1, c.Subscribers(tracks, 3))

	require.True(t, c.Remove(tracks, 3))

	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1, 2, 4}, entryIDs(s.Entries))
	assert.Equal(t, 1, s.Deleted)
	assert.Zero(t, c.Subscribers(tracks, 3))
	requireConsistent(t, l)
}

func TestCacheRemoval_PrunesUnresolvedEntries(t *testing.T) {
	c := newCache()
	src := &source{items: []domain.Descriptor{{Kind: tracks, ID: 1}, {Kind: tracks, ID: 2}}}
	l := newLineup(t, Config{}, src.fetch, c)
	ctx := context.Background()

	require.NoError(t, l.FetchMore(ctx))
	require.True(t, l.Snapshot().Entries[1].Unresolved)

	require.True(t, c.Remove(tracks, 2))
	s := l.Snapshot()
	assert.Equal(t, []domain.ID{1}, entryIDs(s.Entries))
	assert.Equal(t, 1, s.Deleted)
	requireConsistent(t, l)

	// the payload arriving late does not bring the entry back
	c.Add(tracks, []cache.Entry{{ID: 2, Metadata: map[string]any{domain.FieldTitle: "late"}}})
	require.NoError(t, l.FetchMetadatas(ctx, 0, 10, true))
	s = l.Snapshot()
	assert.Equal(t, []domain.ID{1}, entryIDs(s.Entries))
	assert.Equal(t, 1, s.Deleted)
}

func TestCacheRemoval_FlagsWhenKeepingDeleted(t *testing.T) {
	c := newCache()
	src := &source{items: catalog(3)}
	l := newLineup(t, Config{KeepDeleted: true}, src.fetch, c)

	require.NoError(t, l.FetchMore(context.Background()))
	c.Remove(tracks, 1)

	s := l.Snapshot()
	require.Len(t, s.Entries, 3)
	assert.True(t, s.Entries[0].Deleted)
	assert.True(t, s.ContainsDeleted)
}

func TestUnmount_ReleasesSubscriptions(t *testing.T) {
	c := newCache()
	src := &source{items: catalog(3)}
	l := New(Config{Prefix: "history"}, src.fetch, c, logging.NullLogger())

	require.NoError(t, l.FetchMore(context.Background()))
	assert.Equal(t, 1, c.Subscribers(tracks, 2))

	l.Unmount()
	assert.Zero(t, c.Subscribers(tracks, 2))
	assert.ErrorIs(t, l.FetchMore(context.Background()), ErrUnmounted)

	// no longer watching
	c.Remove(tracks, 2)
	assert.Zero(t, l.Snapshot().Deleted)

	l.Unmount()
}

func TestCheck_FailsClosed(t *testing.T) {
	src := &source{items: catalog(3)}
	l := newLineup(t, Config{}, src.fetch, newCache())
	require.NoError(t, l.FetchMore(context.Background()))
	require.NoError(t, l.Check())

	l.mu.Lock()
	l.state.Order[l.state.Entries[0].UID] = 2
	l.mu.Unlock()

	require.ErrorIs(t, l.Check(), domain.ErrInvariantViolation)
	assert.Empty(t, l.Snapshot().Entries)
}

func TestFilter_MatchesTitlesInOrder(t *testing.T) {
	items := []domain.Descriptor{
		{Kind: tracks, ID: 1, Metadata: map[string]any{domain.FieldTitle: "Intro"}},
		{Kind: tracks, ID: 2, Metadata: map[string]any{domain.FieldTitle: "Midnight City"}},
		{Kind: tracks, ID: 3, Metadata: map[string]any{domain.FieldTitle: "Outro"}},
	}
	src := &source{items: items}
	l := newLineup(t, Config{}, src.fetch, newCache())
	require.NoError(t, l.FetchMore(context.Background()))

	assert.Equal(t, []domain.ID{1, 3}, entryIDs(l.Filter("tro")))
	assert.Len(t, l.Filter(""), 3)
}

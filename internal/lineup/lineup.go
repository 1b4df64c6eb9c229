// Package lineup implements paginated, ordered and deduplicated lists of
// playable entries backed by the entity cache.
package lineup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/search"
)

// ErrUnmounted is returned by fetches on a lineup that was unmounted
var ErrUnmounted = errors.New("lineup unmounted")

// State is an immutable copy of a lineup's bookkeeping
type State struct {
	Entries           []domain.Entry
	Order             map[domain.UID]int
	Total             int
	Deleted           int
	NullCount         int
	Status            domain.Status
	HasMore           bool
	InView            bool
	Prefix            string
	Page              int
	IsMetadataLoading bool
	MaxEntries        int
	ContainsDeleted   bool
}

type entityKey struct {
	kind domain.Kind
	id   domain.ID
}

type refreshRequest struct {
	overwrite bool
	limit     int
}

// Lineup is one paginated list. It is safe for concurrent use; at most one
// fetch is in flight at a time.
type Lineup struct {
	cfg    Config
	fetch  FetchFunc
	cache  Cache
	owner  string
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	present    map[entityKey]int // entity -> number of entries referencing it
	cursor     int               // source offset of the next page
	token      uint64
	generation int
	issued     bool // UIDs were handed out under the current generation
	deferred   *refreshRequest
	unmounted  bool
	stopWatch  func()
}

// New creates an empty lineup and starts watching the cache for removals
func New(cfg Config, fetch FetchFunc, c Cache, logger *slog.Logger) *Lineup {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lineup{
		cfg:        cfg,
		fetch:      fetch,
		cache:      c,
		owner:      "lineup-" + uuid.NewString(),
		logger:     logger.With("lineup", cfg.Prefix),
		present:    make(map[entityKey]int),
		generation: 1,
	}
	l.state = l.emptyState()
	l.stopWatch = c.Watch(l.onCacheEvent)
	return l
}

// Owner is the id this lineup subscribes to the cache under
func (l *Lineup) Owner() string {
	return l.owner
}

// Config returns the lineup configuration
func (l *Lineup) Config() Config {
	return l.cfg
}

// FetchMetadatas fetches limit items at offset and merges them. With
// overwrite the lineup is reset first; otherwise the page is appended and a
// call made while another fetch is loading fails with domain.ErrFetchInFlight.
func (l *Lineup) FetchMetadatas(ctx context.Context, offset, limit int, overwrite bool) error {
	if limit <= 0 {
		limit = l.cfg.pageSize()
	}

	l.mu.Lock()
	if l.unmounted {
		l.mu.Unlock()
		return ErrUnmounted
	}
	if overwrite {
		l.resetLocked()
	} else if l.state.Status == domain.StatusLoading {
		l.mu.Unlock()
		return domain.ErrFetchInFlight
	}
	l.token++
	token := l.token
	prefix := l.state.Prefix
	l.state.Status = domain.StatusLoading
	l.state.IsMetadataLoading = true
	l.mu.Unlock()

	l.logger.Debug("fetching lineup page", "offset", offset, "limit", limit, "overwrite", overwrite)

	want := limit
	if !l.cfg.CappedPages {
		// one extra item tells whether another page exists
		want++
	}
	items, err := l.fetch(ctx, offset, want, l.cfg.Args)
	if err != nil {
		l.mu.Lock()
		if token != l.token {
			l.mu.Unlock()
			return domain.ErrStaleResponse
		}
		l.state.Status = domain.StatusError
		l.state.IsMetadataLoading = false
		l.mu.Unlock()

		l.logger.Error("failed to fetch lineup page", "error", err, "offset", offset, "limit", limit)
		return fmt.Errorf("%w: lineup %s: %w", domain.ErrFetch, prefix, err)
	}

	if l.isStale(token) {
		l.logger.Debug("discarding stale lineup page", "offset", offset)
		return domain.ErrStaleResponse
	}

	if len(items) > limit {
		l.cacheMetadata(items[:limit])
	} else {
		l.cacheMetadata(items)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if token != l.token {
		l.logger.Debug("discarding stale lineup page", "offset", offset)
		return domain.ErrStaleResponse
	}
	l.mergeLocked(items, offset, limit)
	return nil
}

// FetchMore fetches the page after the last merged one. It is a no-op once
// the source is exhausted.
func (l *Lineup) FetchMore(ctx context.Context) error {
	l.mu.Lock()
	if l.state.Status == domain.StatusSuccess && !l.state.HasMore {
		l.mu.Unlock()
		return nil
	}
	offset := l.cursor
	l.mu.Unlock()

	return l.FetchMetadatas(ctx, offset, l.cfg.pageSize(), false)
}

// FetchAll drains the source page by page
func (l *Lineup) FetchAll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.FetchMore(ctx); err != nil {
			return err
		}

		l.mu.Lock()
		done := !l.state.HasMore
		l.mu.Unlock()
		if done {
			return nil
		}
	}
}

// Reset clears the lineup back to Empty. A fetch in flight is discarded when
// it resolves.
func (l *Lineup) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
}

// SetInView records visibility. Becoming visible runs a refresh that was
// deferred while hidden. If another fetch is loading the refresh stays
// pending and domain.ErrFetchInFlight is returned.
func (l *Lineup) SetInView(ctx context.Context, inView bool) error {
	l.mu.Lock()
	l.state.InView = inView
	pending := l.deferred
	if inView {
		l.deferred = nil
	}
	l.mu.Unlock()

	if !inView || pending == nil {
		return nil
	}
	l.logger.Debug("running deferred refresh", "overwrite", pending.overwrite, "limit", pending.limit)
	err := l.FetchMetadatas(ctx, 0, pending.limit, pending.overwrite)
	if errors.Is(err, domain.ErrFetchInFlight) {
		// keep it for the next SetInView unless a newer refresh was deferred meanwhile
		l.mu.Lock()
		if l.deferred == nil && !l.unmounted {
			l.deferred = pending
		}
		l.mu.Unlock()
	}
	return err
}

// RefreshInView refetches the first page when the lineup is visible. When it
// is not, the refresh is deferred until the next SetInView(true) and false is
// returned.
func (l *Lineup) RefreshInView(ctx context.Context, overwrite bool, limit int) (bool, error) {
	l.mu.Lock()
	if !l.state.InView {
		l.deferred = &refreshRequest{overwrite: overwrite, limit: limit}
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	return true, l.FetchMetadatas(ctx, 0, limit, overwrite)
}

// Unmount releases every subscription and stops watching the cache.
// Further fetches fail with ErrUnmounted.
func (l *Lineup) Unmount() {
	l.mu.Lock()
	if l.unmounted {
		l.mu.Unlock()
		return
	}
	l.resetLocked()
	l.unmounted = true
	l.deferred = nil
	stop := l.stopWatch
	l.mu.Unlock()

	stop()
	l.logger.Debug("lineup unmounted")
}

// Snapshot returns a copy of the current state
func (l *Lineup) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state
	s.Entries = make([]domain.Entry, len(l.state.Entries))
	for i, e := range l.state.Entries {
		e.Extra = maps.Clone(e.Extra)
		s.Entries[i] = e
	}
	s.Order = maps.Clone(l.state.Order)
	return s
}

// Entries returns a copy of the ordered entries
func (l *Lineup) Entries() []domain.Entry {
	return l.Snapshot().Entries
}

// Check verifies that Order indexes Entries. On a mismatch the lineup is
// cleared and domain.ErrInvariantViolation returned.
func (l *Lineup) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := checkOrder(l.state.Entries, l.state.Order)
	if err == nil {
		return nil
	}

	l.logger.Error("lineup order out of sync, clearing", "error", err)
	l.resetLocked()
	return err
}

// Filter returns the entries whose entity title fuzzy-matches query, in
// lineup order
func (l *Lineup) Filter(query string) []domain.Entry {
	entries := l.Entries()
	idx := search.Filter(query, l.Titles(entries))

	out := make([]domain.Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, entries[i])
	}
	return out
}

// Titles resolves the display title of each entry through the cache.
// Entities the cache does not hold map to "".
func (l *Lineup) Titles(entries []domain.Entry) []string {
	byKind := make(map[domain.Kind][]domain.ID)
	for _, e := range entries {
		byKind[e.Kind] = append(byKind[e.Kind], e.ID)
	}
	resolved := make(map[entityKey]*domain.Entity, len(entries))
	for kind, ids := range byKind {
		for id, ent := range l.cache.Get(kind, ids) {
			resolved[entityKey{kind, id}] = ent
		}
	}

	titles := make([]string, len(entries))
	for i, e := range entries {
		if ent, ok := resolved[entityKey{e.Kind, e.ID}]; ok {
			titles[i] = ent.Title()
		}
	}
	return titles
}

func checkOrder(entries []domain.Entry, order map[domain.UID]int) error {
	if len(order) != len(entries) {
		return fmt.Errorf("%w: %d entries, %d order keys", domain.ErrInvariantViolation, len(entries), len(order))
	}
	for i, e := range entries {
		if pos, ok := order[e.UID]; !ok || pos != i {
			return fmt.Errorf("%w: entry %d (%s) indexed at %d", domain.ErrInvariantViolation, i, e.UID, pos)
		}
	}
	return nil
}

func (l *Lineup) isStale(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return token != l.token
}

// cacheMetadata writes payloads carried by descriptors into the cache.
// Must not be called with l.mu held: Add notifies watchers.
func (l *Lineup) cacheMetadata(items []domain.Descriptor) {
	byKind := make(map[domain.Kind][]cache.Entry)
	for _, d := range items {
		if d.IsNull() || len(d.Metadata) == 0 {
			continue
		}
		byKind[d.Kind] = append(byKind[d.Kind], cache.Entry{ID: d.ID, Metadata: d.Metadata})
	}
	for kind, entries := range byKind {
		l.cache.Add(kind, entries)
	}
}

func (l *Lineup) prefixLocked() string {
	if l.generation <= 1 {
		return l.cfg.Prefix
	}
	return fmt.Sprintf("%s#%d", l.cfg.Prefix, l.generation)
}

func (l *Lineup) emptyState() State {
	return State{
		Order:      make(map[domain.UID]int),
		Status:     domain.StatusEmpty,
		InView:     l.state.InView,
		Prefix:     l.prefixLocked(),
		MaxEntries: l.cfg.MaxEntries,
	}
}

func (l *Lineup) resetLocked() {
	l.unsubscribeLocked(l.state.Entries)
	l.token++
	if l.issued {
		l.generation++
		l.issued = false
	}
	l.state = l.emptyState()
	l.present = make(map[entityKey]int)
	l.cursor = 0
}

func (l *Lineup) unsubscribeLocked(entries []domain.Entry) {
	byKind := make(map[domain.Kind][]domain.UID)
	for _, e := range entries {
		byKind[e.Kind] = append(byKind[e.Kind], e.UID)
	}
	for kind, uids := range byKind {
		l.cache.Unsubscribe(kind, l.owner, uids)
	}
}

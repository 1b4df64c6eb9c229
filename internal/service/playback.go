package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mmcdole/tracklist/internal/cache"
	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/lineup"
	"github.com/mmcdole/tracklist/internal/queue"
)

// queueStore persists queue snapshots (consumer-defined interface)
type queueStore interface {
	SaveQueue(snap queue.Snapshot) (string, error)
	LatestQueue() (queue.Snapshot, bool, error)
}

// entityCache is the cache surface playback needs
type entityCache interface {
	domain.EntityReader
	domain.SubscriptionRegistry
	Retrieve(ctx context.Context, kind domain.Kind, ids []domain.ID, fetch cache.RetrieveFunc) (map[domain.ID]*domain.Entity, error)
}

// NowPlaying is the queue entry under the cursor with its entity
type NowPlaying struct {
	Item   domain.Queueable
	Entity *domain.Entity // nil when the backend does not know the id
}

// PlaybackService orchestrates the queue: building it from lineups and
// collections, keeping its cache subscriptions and persisting snapshots
type PlaybackService struct {
	queue    *queue.Queue
	cache    entityCache
	store    queueStore
	retrieve cache.RetrieveFunc
	owner    string
	logger   *slog.Logger

	mu         sync.Mutex
	subscribed []domain.UID
}

// NewPlaybackService creates a new playback service. store and retrieve may be nil.
func NewPlaybackService(
	q *queue.Queue,
	c entityCache,
	store queueStore,
	retrieve cache.RetrieveFunc,
	logger *slog.Logger,
) *PlaybackService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaybackService{
		queue:    q,
		cache:    c,
		store:    store,
		retrieve: retrieve,
		owner:    "queue-" + uuid.NewString(),
		logger:   logger,
	}
}

// PlayLineup queues the lineup's current entries, starting at startUID
func (s *PlaybackService) PlayLineup(ctx context.Context, l *lineup.Lineup, startUID domain.UID) error {
	state := l.Snapshot()

	var collectionIDs []domain.ID
	for _, e := range state.Entries {
		if e.Kind == domain.KindCollections && !e.Deleted {
			collectionIDs = append(collectionIDs, e.ID)
		}
	}
	if len(collectionIDs) > 0 {
		s.retrieveCollections(ctx, collectionIDs)
	}

	items := queue.FromLineup(state.Entries, s.cache, domain.SourceTag(state.Prefix), s.logger)
	if err := s.play(items, startUID); err != nil {
		s.logger.Error("failed to play lineup", "error", err, "lineup", state.Prefix)
		return err
	}

	s.logger.Info("playing lineup", "lineup", state.Prefix, "count", len(items), "start", startUID)
	return nil
}

// PlayCollection queues the tracks of one collection
func (s *PlaybackService) PlayCollection(ctx context.Context, collectionID domain.ID, startUID domain.UID) error {
	found, err := s.cache.Retrieve(ctx, domain.KindCollections, []domain.ID{collectionID}, s.retrieve)
	if err != nil {
		s.logger.Error("failed to retrieve collection", "error", err, "collectionID", collectionID)
		return err
	}
	col, ok := found[collectionID]
	if !ok || col.Deleted {
		return fmt.Errorf("%w: collection %d", domain.ErrNotFound, collectionID)
	}

	if _, err := s.cache.Retrieve(ctx, domain.KindDigitalContents, col.TrackIDs(), s.retrieve); err != nil {
		// tracks stay unresolved; they are still playable by id
		s.logger.Warn("failed to retrieve collection tracks", "error", err, "collectionID", collectionID)
	}

	items := queue.FromCollection(col, s.cache)
	if err := s.play(items, startUID); err != nil {
		s.logger.Error("failed to play collection", "error", err, "collectionID", collectionID)
		return err
	}

	s.logger.Info("playing collection", "collectionID", collectionID, "title", col.Title(), "count", len(items))
	return nil
}

// Next advances the queue. It returns false at the end of the queue.
func (s *PlaybackService) Next() bool {
	ok := s.queue.Next()
	s.persist()
	return ok
}

// Previous moves back in the queue. It returns false at the start.
func (s *PlaybackService) Previous() bool {
	ok := s.queue.Previous()
	s.persist()
	return ok
}

// SetShuffle toggles shuffle
func (s *PlaybackService) SetShuffle(on bool) {
	s.queue.SetShuffle(on)
	s.persist()
}

// SetRepeat changes the repeat mode
func (s *PlaybackService) SetRepeat(mode domain.RepeatMode) {
	s.queue.SetRepeat(mode)
	s.persist()
}

// SetAutoplay toggles queue autoplay
func (s *PlaybackService) SetAutoplay(on bool) {
	s.queue.SetQueueAutoplay(on)
	s.persist()
}

// Seek jumps to uid
func (s *PlaybackService) Seek(u domain.UID) error {
	if err := s.queue.Seek(u); err != nil {
		return err
	}
	s.persist()
	return nil
}

// Current resolves the playing entry through the cache
func (s *PlaybackService) Current(ctx context.Context) (NowPlaying, error) {
	item, ok := s.queue.Current()
	if !ok {
		return NowPlaying{}, domain.ErrEmptyQueue
	}
	if item.ID <= 0 {
		return NowPlaying{Item: item}, nil
	}

	found, err := s.cache.Retrieve(ctx, domain.KindDigitalContents, []domain.ID{item.ID}, s.retrieve)
	if err != nil {
		s.logger.Warn("failed to resolve current track", "error", err, "id", item.ID)
	}
	return NowPlaying{Item: item, Entity: found[item.ID]}, nil
}

// State returns a copy of the queue state
func (s *PlaybackService) State() queue.State {
	return s.queue.State()
}

// Resume restores the most recent persisted queue. It returns false when
// nothing was stored.
func (s *PlaybackService) Resume(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}

	snap, ok, err := s.store.LatestQueue()
	if err != nil {
		s.logger.Error("failed to load queue snapshot", "error", err)
		return false, err
	}
	if !ok {
		return false, nil
	}

	err = s.queue.Restore(snap)
	s.resubscribe()
	if err != nil {
		return false, err
	}

	s.logger.Debug("queue resumed", "count", len(snap.Order), "index", snap.Index)
	return true, nil
}

// Stop releases the queue's cache subscriptions
func (s *PlaybackService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.subscribed) > 0 {
		s.cache.Unsubscribe(domain.KindDigitalContents, s.owner, s.subscribed)
		s.subscribed = nil
	}
}

// Owner is the id the queue subscribes to the cache under
func (s *PlaybackService) Owner() string {
	return s.owner
}

func (s *PlaybackService) play(items []domain.Queueable, startUID domain.UID) error {
	err := s.queue.Play(items, startUID)
	s.resubscribe()
	if err != nil {
		return err
	}
	s.persist()
	return nil
}

// retrieveCollections loads collection track lists before expansion
func (s *PlaybackService) retrieveCollections(ctx context.Context, ids []domain.ID) {
	found, err := s.cache.Retrieve(ctx, domain.KindCollections, ids, s.retrieve)
	if err != nil {
		s.logger.Warn("failed to retrieve collections", "error", err, "count", len(ids))
	}

	var trackIDs []domain.ID
	for _, col := range found {
		trackIDs = append(trackIDs, col.TrackIDs()...)
	}
	if len(trackIDs) == 0 {
		return
	}
	if _, err := s.cache.Retrieve(ctx, domain.KindDigitalContents, trackIDs, s.retrieve); err != nil {
		s.logger.Warn("failed to retrieve collection tracks", "error", err, "count", len(trackIDs))
	}
}

// resubscribe swaps the cache subscriptions over to the current queue contents
// under s.mu, so the last caller always describes the live queue
func (s *PlaybackService) resubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.queue.State()

	subs := make([]domain.Subscription, 0, len(state.Order))
	uids := make([]domain.UID, 0, len(state.Order))
	live := make(map[domain.UID]struct{}, len(state.Order))
	for _, item := range state.Order {
		if item.ID <= 0 {
			continue
		}
		subs = append(subs, domain.Subscription{UID: item.UID, ID: item.ID})
		uids = append(uids, item.UID)
		live[item.UID] = struct{}{}
	}

	// subscribe first: entities in both the old and new queue never go idle
	if len(subs) > 0 {
		s.cache.Subscribe(domain.KindDigitalContents, s.owner, subs)
	}
	var stale []domain.UID
	for _, u := range s.subscribed {
		if _, ok := live[u]; !ok {
			stale = append(stale, u)
		}
	}
	if len(stale) > 0 {
		s.cache.Unsubscribe(domain.KindDigitalContents, s.owner, stale)
	}
	s.subscribed = uids
}

// persist stores a snapshot; failures are logged, playback continues
func (s *PlaybackService) persist() {
	if s.store == nil {
		return
	}
	if _, err := s.store.SaveQueue(s.queue.Snapshot()); err != nil {
		s.logger.Error("failed to persist queue", "error", err)
	}
}

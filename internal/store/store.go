// Package store persists the entity cache and queue snapshots in bbolt.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/queue"
)

// DefaultKeepSnapshots is the number of queue snapshots retained when unset
const DefaultKeepSnapshots = 10

// Bucket names
var (
	bucketEntities = []byte("entities")
	bucketQueue    = []byte("queue")
)

// Store is a bbolt database fronted by an in-memory map. With an empty
// directory it runs memory-only.
type Store struct {
	db     *bolt.DB
	keep   int
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string][]byte
}

// Open opens (or creates) tracklist.db under dir
func Open(dir string, keepSnapshots int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if keepSnapshots <= 0 {
		keepSnapshots = DefaultKeepSnapshots
	}

	s := &Store{keep: keepSnapshots, logger: logger, cache: make(map[string][]byte)}
	if dir == "" {
		logger.Debug("store running memory-only")
		return s, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	dbPath := filepath.Join(dir, "tracklist.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntities, bucketQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	s.db = db
	logger.Debug("store opened", "path", dbPath)
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// === Generic helpers ===

func cacheKey(bucket []byte, key string) string {
	return string(bucket) + ":" + key
}

func (s *Store) get(bucket []byte, key string, dest interface{}) (bool, error) {
	ck := cacheKey(bucket, key)

	s.mu.RLock()
	data, ok := s.cache[ck]
	s.mu.RUnlock()

	if !ok {
		if s.db == nil {
			return false, nil
		}
		err := s.db.View(func(tx *bolt.Tx) error {
			if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
				data = make([]byte, len(v))
				copy(data, v)
			}
			return nil
		})
		if err != nil || data == nil {
			return false, err
		}

		// promote to memory
		s.mu.Lock()
		s.cache[ck] = data
		s.mu.Unlock()
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", ck, err)
	}
	return true, nil
}

// setMany writes all values in a single transaction
func (s *Store) setMany(bucket []byte, values map[string]interface{}) error {
	encoded := make(map[string][]byte, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = data
	}

	s.mu.Lock()
	for k, data := range encoded {
		s.cache[cacheKey(bucket, k)] = data
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for k, data := range encoded {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) set(bucket []byte, key string, value interface{}) error {
	return s.setMany(bucket, map[string]interface{}{key: value})
}

func (s *Store) delete(bucket []byte, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.cache, cacheKey(bucket, k))
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for _, k := range keys {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) deletePrefix(bucket []byte, prefix string) error {
	s.mu.Lock()
	cachePrefix := cacheKey(bucket, prefix)
	for k := range s.cache {
		if strings.HasPrefix(k, cachePrefix) {
			delete(s.cache, k)
		}
	}
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()
		p := []byte(prefix)
		// Delete through the cursor keeps iteration valid
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Seek(p) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// keys lists the keys of a bucket in byte order
func (s *Store) keys(bucket []byte) ([]string, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()

		prefix := cacheKey(bucket, "")
		var out []string
		for k := range s.cache {
			if strings.HasPrefix(k, prefix) {
				out = append(out, strings.TrimPrefix(k, prefix))
			}
		}
		sort.Strings(out)
		return out, nil
	}

	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// === Entities ===

func entityKey(kind domain.Kind, id domain.ID) string {
	return string(kind) + ":" + strconv.FormatInt(int64(id), 10)
}

// SaveEntities writes a cache snapshot
func (s *Store) SaveEntities(entities []domain.Entity) error {
	values := make(map[string]interface{}, len(entities))
	for _, e := range entities {
		values[entityKey(e.Kind, e.ID)] = e
	}
	if err := s.setMany(bucketEntities, values); err != nil {
		s.logger.Error("failed to save entities", "error", err, "count", len(entities))
		return err
	}
	s.logger.Debug("saved entities", "count", len(entities))
	return nil
}

// LoadEntities reads every stored entity, ordered by kind then id
func (s *Store) LoadEntities() ([]domain.Entity, error) {
	keys, err := s.keys(bucketEntities)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Entity, 0, len(keys))
	for _, k := range keys {
		var e domain.Entity
		ok, err := s.get(bucketEntities, k, &e)
		if err != nil {
			s.logger.Warn("skipping unreadable entity", "error", err, "key", k)
			continue
		}
		if ok {
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InvalidateKind drops every stored entity of one kind
func (s *Store) InvalidateKind(kind domain.Kind) error {
	return s.deletePrefix(bucketEntities, string(kind)+":")
}

// === Queue snapshots (keyed by ULID, oldest first) ===

// SaveQueue appends a snapshot and prunes the oldest beyond the keep limit.
// It returns the snapshot key.
func (s *Store) SaveQueue(snap queue.Snapshot) (string, error) {
	key := ulid.Make().String()
	if err := s.set(bucketQueue, key, snap); err != nil {
		s.logger.Error("failed to save queue snapshot", "error", err)
		return "", err
	}

	keys, err := s.keys(bucketQueue)
	if err != nil {
		return key, err
	}
	if excess := len(keys) - s.keep; excess > 0 {
		if err := s.delete(bucketQueue, keys[:excess]...); err != nil {
			s.logger.Warn("failed to prune queue snapshots", "error", err)
		}
	}
	return key, nil
}

// LatestQueue returns the most recent snapshot
func (s *Store) LatestQueue() (queue.Snapshot, bool, error) {
	var snap queue.Snapshot

	if s.db == nil {
		keys, _ := s.keys(bucketQueue)
		if len(keys) == 0 {
			return snap, false, nil
		}
		ok, err := s.get(bucketQueue, keys[len(keys)-1], &snap)
		return snap, ok, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(bucketQueue).Cursor().Last()
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return snap, false, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return snap, true, nil
}

// QueueKeys lists stored snapshot keys, oldest first
func (s *Store) QueueKeys() ([]string, error) {
	return s.keys(bucketQueue)
}

// InvalidateAll wipes every bucket
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	s.cache = make(map[string][]byte)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntities, bucketQueue} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Package queue tracks the playback sequence: cursor, shuffle order, repeat
// mode and end-of-queue signaling.
package queue

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"

	"github.com/mmcdole/tracklist/internal/domain"
)

// State is a copy of the queue bookkeeping
type State struct {
	Order         []domain.Queueable
	Positions     map[domain.UID]int
	Index         int
	Repeat        domain.RepeatMode
	Shuffle       bool
	ShuffleIndex  int
	ShuffleOrder  []int
	QueueAutoplay bool
	Overshot      bool
	Undershot     bool
}

// Queue is safe for concurrent use
type Queue struct {
	mu sync.Mutex

	order        []domain.Queueable
	positions    map[domain.UID]int
	index        int
	repeat       domain.RepeatMode
	shuffle      bool
	shuffleIndex int
	shuffleOrder []int
	autoplay     bool
	overshot     bool
	undershot    bool

	rng    *rand.Rand
	logger *slog.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithRand sets the random source used for shuffle orders
func WithRand(r *rand.Rand) Option {
	return func(q *Queue) { q.rng = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue
func New(opts ...Option) *Queue {
	q := &Queue{
		positions: make(map[domain.UID]int),
		index:     -1,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.rng == nil {
		q.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Play replaces the queue contents and starts at startUID (or the first
// entry when startUID is empty or unknown). Duplicate UIDs leave the queue
// empty and return domain.ErrInvariantViolation.
func (q *Queue) Play(entries []domain.Queueable, startUID domain.UID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(entries) == 0 {
		q.clearLocked()
		return domain.ErrEmptyQueue
	}

	positions := make(map[domain.UID]int, len(entries))
	for i, e := range entries {
		if _, dup := positions[e.UID]; dup {
			q.clearLocked()
			q.logger.Error("duplicate uid in queue", "uid", e.UID, "position", i)
			return fmt.Errorf("%w: duplicate uid %s", domain.ErrInvariantViolation, e.UID)
		}
		positions[e.UID] = i
	}

	q.order = append([]domain.Queueable(nil), entries...)
	q.positions = positions
	q.index = 0
	if pos, ok := positions[startUID]; ok {
		q.index = pos
	} else if startUID != "" {
		q.logger.Warn("start uid not in queue, starting at first entry", "uid", startUID)
	}

	if q.shuffle {
		q.shuffleOrder = Generate(len(q.order), q.index, q.rng)
		q.shuffleIndex = 0
	} else {
		q.shuffleOrder = identity(len(q.order))
		q.shuffleIndex = q.index
	}
	q.overshot, q.undershot = false, false

	q.logger.Debug("queue replaced", "count", len(q.order), "index", q.index, "shuffle", q.shuffle)
	return nil
}

// Next advances the cursor. It returns false when the queue is empty or the
// end was reached without repeat (Overshot is then set).
func (q *Queue) Next() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.overshot, q.undershot = false, false
	n := len(q.order)
	if n == 0 {
		return false
	}

	switch {
	case q.repeat == domain.RepeatSingle:
	case q.shuffle:
		q.shuffleIndex++
		if q.shuffleIndex >= len(q.shuffleOrder) {
			if q.repeat != domain.RepeatAll {
				q.shuffleIndex = len(q.shuffleOrder) - 1
				q.overshot = true
				return false
			}
			q.shuffleOrder = Generate(n, -1, q.rng)
			q.shuffleIndex = 0
		}
		q.index = q.shuffleOrder[q.shuffleIndex]
	default:
		if q.index+1 >= n {
			if q.repeat != domain.RepeatAll {
				q.overshot = true
				return false
			}
			q.index = 0
		} else {
			q.index++
		}
		q.shuffleIndex = q.index
	}
	return true
}

// Previous moves the cursor back. It returns false when the queue is empty
// or the start was reached without repeat (Undershot is then set).
func (q *Queue) Previous() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.overshot, q.undershot = false, false
	n := len(q.order)
	if n == 0 {
		return false
	}

	switch {
	case q.repeat == domain.RepeatSingle:
	case q.shuffle:
		q.shuffleIndex--
		if q.shuffleIndex < 0 {
			if q.repeat != domain.RepeatAll {
				q.shuffleIndex = 0
				q.undershot = true
				return false
			}
			q.shuffleIndex = len(q.shuffleOrder) - 1
		}
		q.index = q.shuffleOrder[q.shuffleIndex]
	default:
		if q.index-1 < 0 {
			if q.repeat != domain.RepeatAll {
				q.index = 0
				q.undershot = true
				return false
			}
			q.index = n - 1
		} else {
			q.index--
		}
		q.shuffleIndex = q.index
	}
	return true
}

// SetRepeat changes the repeat mode
func (q *Queue) SetRepeat(mode domain.RepeatMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeat = mode
}

// SetShuffle toggles shuffle. Turning it on draws a new order that starts at
// the current entry; turning it off keeps the current entry and resumes
// sequential order from there.
func (q *Queue) SetShuffle(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.shuffle = on
	n := len(q.order)
	if on {
		q.shuffleOrder = Generate(n, q.index, q.rng)
		q.shuffleIndex = 0
		return
	}
	q.shuffleOrder = identity(n)
	q.shuffleIndex = max(q.index, 0)
}

// SetQueueAutoplay toggles continuing with recommendations once the queue ends
func (q *Queue) SetQueueAutoplay(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.autoplay = on
}

// Seek jumps to the entry with the given UID
func (q *Queue) Seek(u domain.UID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos, ok := q.positions[u]
	if !ok {
		return fmt.Errorf("%w: uid %s not queued", domain.ErrNotFound, u)
	}
	q.index = pos
	q.overshot, q.undershot = false, false
	if !q.shuffle {
		q.shuffleIndex = pos
		return nil
	}
	for i, v := range q.shuffleOrder {
		if v == pos {
			q.shuffleIndex = i
			break
		}
	}
	return nil
}

// Current returns the entry under the cursor
func (q *Queue) Current() (domain.Queueable, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.index < 0 || q.index >= len(q.order) {
		return domain.Queueable{}, false
	}
	return q.order[q.index], true
}

// Len returns the number of queued entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Clear empties the queue. Repeat, shuffle and autoplay settings are kept.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()
}

// State returns a copy of the queue bookkeeping
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return State{
		Order:         append([]domain.Queueable(nil), q.order...),
		Positions:     maps.Clone(q.positions),
		Index:         q.index,
		Repeat:        q.repeat,
		Shuffle:       q.shuffle,
		ShuffleIndex:  q.shuffleIndex,
		ShuffleOrder:  append([]int(nil), q.shuffleOrder...),
		QueueAutoplay: q.autoplay,
		Overshot:      q.overshot,
		Undershot:     q.undershot,
	}
}

// UIDs returns the queued UIDs in order
func (q *Queue) UIDs() []domain.UID {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.UID, len(q.order))
	for i, e := range q.order {
		out[i] = e.UID
	}
	return out
}

// Check verifies the position index and cursor. On a mismatch the queue is
// emptied and domain.ErrInvariantViolation returned.
func (q *Queue) Check() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkLocked(); err != nil {
		q.logger.Error("queue out of sync, clearing", "error", err)
		q.clearLocked()
		return err
	}
	return nil
}

func (q *Queue) checkLocked() error {
	n := len(q.order)
	if len(q.positions) != n {
		return fmt.Errorf("%w: %d entries, %d positions", domain.ErrInvariantViolation, n, len(q.positions))
	}
	for i, e := range q.order {
		if pos, ok := q.positions[e.UID]; !ok || pos != i {
			return fmt.Errorf("%w: entry %d (%s) positioned at %d", domain.ErrInvariantViolation, i, e.UID, pos)
		}
	}
	if q.index < -1 || q.index >= n || (n > 0 && q.index == -1) {
		return fmt.Errorf("%w: index %d with %d entries", domain.ErrInvariantViolation, q.index, n)
	}
	if !isPermutation(q.shuffleOrder, n) {
		return fmt.Errorf("%w: shuffle order is not a permutation of %d", domain.ErrInvariantViolation, n)
	}
	if n > 0 && (q.shuffleIndex < 0 || q.shuffleIndex >= n) {
		return fmt.Errorf("%w: shuffle index %d with %d entries", domain.ErrInvariantViolation, q.shuffleIndex, n)
	}
	return nil
}

func (q *Queue) clearLocked() {
	q.order = nil
	q.positions = make(map[domain.UID]int)
	q.index = -1
	q.shuffleOrder = nil
	q.shuffleIndex = 0
	q.overshot, q.undershot = false, false
}

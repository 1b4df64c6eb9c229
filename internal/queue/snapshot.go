package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mmcdole/tracklist/internal/domain"
)

// Snapshot is the persisted form of a queue
type Snapshot struct {
	Order         []domain.Queueable `json:"order"`
	Index         int                `json:"index"`
	Shuffle       bool               `json:"shuffle"`
	ShuffleOrder  []int              `json:"shuffle_order"`
	ShuffleIndex  int                `json:"shuffle_index"`
	Repeat        domain.RepeatMode  `json:"repeat"`
	QueueAutoplay bool               `json:"queue_autoplay"`
}

// Snapshot captures the queue for persistence
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Snapshot{
		Order:         append([]domain.Queueable(nil), q.order...),
		Index:         q.index,
		Shuffle:       q.shuffle,
		ShuffleOrder:  append([]int(nil), q.shuffleOrder...),
		ShuffleIndex:  q.shuffleIndex,
		Repeat:        q.repeat,
		QueueAutoplay: q.autoplay,
	}
}

// Restore replaces the queue with a snapshot. An inconsistent snapshot
// leaves the queue empty and returns domain.ErrInvariantViolation.
func (q *Queue) Restore(s Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = append([]domain.Queueable(nil), s.Order...)
	q.positions = make(map[domain.UID]int, len(s.Order))
	for i, e := range s.Order {
		q.positions[e.UID] = i
	}
	q.index = s.Index
	q.shuffle = s.Shuffle
	q.shuffleOrder = append([]int(nil), s.ShuffleOrder...)
	q.shuffleIndex = s.ShuffleIndex
	q.repeat = s.Repeat
	q.autoplay = s.QueueAutoplay
	q.overshot, q.undershot = false, false

	// older snapshots may omit the sequential order
	if !q.shuffle && len(q.shuffleOrder) == 0 {
		q.shuffleOrder = identity(len(q.order))
		q.shuffleIndex = max(q.index, 0)
	}
	if len(q.order) == 0 && q.index == 0 {
		q.index = -1
	}

	if err := q.checkLocked(); err != nil {
		q.logger.Error("rejecting queue snapshot", "error", err)
		q.clearLocked()
		return err
	}
	return nil
}

// Encode serializes the snapshot as JSON
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot produced by Encode
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return s, nil
}

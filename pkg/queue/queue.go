package queue

import (
	"sync"
	"time"

	"github.com/meftunca/empbroker/pkg/emp"
)

// Queue is the FIFO of messages for one destination. All operations hold the
// queue's own mutex, so push, pop and eviction on one destination are
// serialized while other destinations proceed independently.
type Queue struct {
	dest string

	mu       sync.Mutex
	messages []*emp.Message
	dead     bool // removed from the store; pushes must retry

	// Statistics, guarded by mu
	enqueueCount uint64
	dequeueCount uint64
	expiredCount uint64
}

// QueueStats represents queue statistics
type QueueStats struct {
	Destination  string        `json:"destination"`
	Depth        int           `json:"depth"`
	OldestAge    time.Duration `json:"oldest_age_ns"`
	EnqueueCount uint64        `json:"enqueue_count"`
	DequeueCount uint64        `json:"dequeue_count"`
	ExpiredCount uint64        `json:"expired_count"`
}

func newQueue(dest string) *Queue {
	return &Queue{dest: dest}
}

// push appends msg. It reports false when the queue has been reclaimed.
func (q *Queue) push(msg *emp.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dead {
		return false
	}
	q.messages = append(q.messages, msg)
	q.enqueueCount++
	return true
}

// pop removes and returns the oldest live message, discarding expired ones
// ahead of it. expired is the number discarded.
func (q *Queue) pop(now time.Time, ttl time.Duration) (msg *emp.Message, expired int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.messages) > 0 {
		head := q.messages[0]
		q.messages[0] = nil
		q.messages = q.messages[1:]

		if isExpired(head, now, ttl) {
			expired++
			q.expiredCount++
			continue
		}
		q.dequeueCount++
		msg = head
		break
	}

	if len(q.messages) == 0 {
		q.messages = nil
	}
	return msg, expired
}

// evict drops every expired message and returns how many were removed
func (q *Queue) evict(now time.Time, ttl time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	for _, msg := range q.messages {
		if !isExpired(msg, now, ttl) {
			kept = append(kept, msg)
		}
	}
	removed := len(q.messages) - len(kept)
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = kept
	q.expiredCount += uint64(removed)
	return removed
}

// Len returns the number of queued messages, expired or not
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Stats returns queue statistics
func (q *Queue) Stats(now time.Time) QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Destination:  q.dest,
		Depth:        len(q.messages),
		EnqueueCount: q.enqueueCount,
		DequeueCount: q.dequeueCount,
		ExpiredCount: q.expiredCount,
	}
	if len(q.messages) > 0 {
		stats.OldestAge = q.messages[0].Age(now)
	}
	return stats
}

func isExpired(msg *emp.Message, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(msg.CreatedAt) >= ttl
}

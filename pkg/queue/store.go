// Package queue holds accepted messages in per-destination FIFO queues with
// time-to-live expiry.
package queue

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meftunca/empbroker/pkg/emp"
)

// ExpiryHook is called with the number of expired messages dropped for a destination
type ExpiryHook func(dest string, n int)

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithExpiryHook registers a callback for expired messages discarded by Pop.
// Sweep reports its evictions in its result instead.
func WithExpiryHook(hook ExpiryHook) StoreOption {
	return func(s *Store) {
		s.onExpire = hook
	}
}

// Store maps destination addresses to queues. The map lock is only held to
// look up, create or reclaim a queue; message operations take the queue's
// own lock.
type Store struct {
	ttl      time.Duration
	now      func() time.Time
	onExpire ExpiryHook

	mu     sync.RWMutex
	queues map[string]*Queue

	// Statistics
	reclaimed uint64
}

// StoreStats represents store-wide statistics
type StoreStats struct {
	Queues    int    `json:"queues"`
	Messages  int    `json:"messages"`
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Expired   uint64 `json:"expired"`
	Reclaimed uint64 `json:"reclaimed"`
}

// SweepResult reports what a sweep removed
type SweepResult struct {
	Expired   int
	Reclaimed int
}

// NewStore creates an empty store. A ttl <= 0 disables expiry.
func NewStore(ttl time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		ttl:    ttl,
		now:    time.Now,
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the message time-to-live
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store's current time; receipt timestamps should use it
func (s *Store) Now() time.Time {
	return s.now()
}

// Push appends msg to the queue for msg.Dest, creating the queue if needed.
// A zero CreatedAt is stamped with the store clock before the message
// becomes visible.
func (s *Store) Push(msg *emp.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	for {
		if s.getOrCreate(msg.Dest).push(msg) {
			return
		}
		// Reclaimed between lookup and push; the next lookup creates a fresh queue
	}
}

// Pop removes and returns the oldest unexpired message for dest. It never
// blocks waiting for a message.
func (s *Store) Pop(dest string) (*emp.Message, bool) {
	q := s.get(dest)
	if q == nil {
		return nil, false
	}

	msg, expired := q.pop(s.now(), s.ttl)
	if expired > 0 && s.onExpire != nil {
		s.onExpire(dest, expired)
	}
	return msg, msg != nil
}

// Sweep evicts expired messages from every queue, then drops queues that
// are left empty.
func (s *Store) Sweep() SweepResult {
	var result SweepResult
	now := s.now()

	for _, q := range s.snapshot() {
		result.Expired += q.evict(now, s.ttl)
		if q.Len() == 0 && s.reclaim(q) {
			result.Reclaimed++
		}
	}
	return result
}

// Len returns the number of messages queued for dest
func (s *Store) Len(dest string) int {
	q := s.get(dest)
	if q == nil {
		return 0
	}
	return q.Len()
}

// Destinations returns the known destination addresses, sorted
func (s *Store) Destinations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dests := make([]string, 0, len(s.queues))
	for dest := range s.queues {
		dests = append(dests, dest)
	}
	sort.Strings(dests)
	return dests
}

// QueueStats returns statistics for one destination
func (s *Store) QueueStats(dest string) (QueueStats, bool) {
	q := s.get(dest)
	if q == nil {
		return QueueStats{}, false
	}
	return q.Stats(s.now()), true
}

// AllQueueStats returns statistics for every destination, sorted by name
func (s *Store) AllQueueStats() []QueueStats {
	now := s.now()
	queues := s.snapshot()

	stats := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		stats = append(stats, q.Stats(now))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Destination < stats[j].Destination
	})
	return stats
}

// Stats returns store-wide statistics. Counters of reclaimed queues are not
// included in the per-message totals.
func (s *Store) Stats() StoreStats {
	stats := StoreStats{Reclaimed: atomic.LoadUint64(&s.reclaimed)}
	for _, qs := range s.AllQueueStats() {
		stats.Queues++
		stats.Messages += qs.Depth
		stats.Enqueued += qs.EnqueueCount
		stats.Dequeued += qs.DequeueCount
		stats.Expired += qs.ExpiredCount
	}
	return stats
}

func (s *Store) get(dest string) *Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues[dest]
}

// getOrCreate gets or creates the queue for dest
func (s *Store) getOrCreate(dest string) *Queue {
	s.mu.RLock()
	if q, exists := s.queues[dest]; exists {
		s.mu.RUnlock()
		return q
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if q, exists := s.queues[dest]; exists {
		return q
	}

	q := newQueue(dest)
	s.queues[dest] = q
	return q
}

func (s *Store) snapshot() []*Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	return queues
}

// reclaim removes q from the map if it is still registered and empty.
// Lock order is store then queue; push and pop never hold both.
func (s *Store) reclaim(q *Queue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queues[q.dest] != q {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) > 0 {
		return false
	}
	q.dead = true
	delete(s.queues, q.dest)
	atomic.AddUint64(&s.reclaimed, 1)
	return true
}

package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meftunca/empbroker/pkg/emp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMessage(dest string, seq int) *emp.Message {
	return emp.NewMessage(1, "sender", dest, emp.Payload{{Name: "seq", Value: int64(seq)}})
}

func seqOf(t *testing.T, msg *emp.Message) int64 {
	t.Helper()
	v, ok := msg.Payload.Get("seq")
	require.True(t, ok)
	return v.(int64)
}

func TestStoreFIFO(t *testing.T) {
	store := NewStore(time.Minute)

	for i := 0; i < 5; i++ {
		store.Push(newTestMessage("a", i))
	}
	assert.Equal(t, 5, store.Len("a"))

	for i := 0; i < 5; i++ {
		msg, ok := store.Pop("a")
		require.True(t, ok)
		assert.Equal(t, int64(i), seqOf(t, msg))
	}

	_, ok := store.Pop("a")
	assert.False(t, ok)
}

func TestStoreIsolation(t *testing.T) {
	store := NewStore(time.Minute)
	store.Push(newTestMessage("x", 1))

	_, ok := store.Pop("y")
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len("x"))
	assert.Equal(t, 0, store.Len("y"))
	assert.Equal(t, []string{"x"}, store.Destinations())
}

func TestStoreUnknownDestination(t *testing.T) {
	store := NewStore(time.Minute)

	msg, ok := store.Pop("never-seen")
	assert.False(t, ok)
	assert.Nil(t, msg)
	assert.Empty(t, store.Destinations())
}

func TestStorePushStampsCreatedAt(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, WithClock(clock.Now))

	msg := newTestMessage("a", 0)
	store.Push(msg)
	assert.Equal(t, clock.Now(), msg.CreatedAt)

	stamped := newTestMessage("a", 1)
	stamped.CreatedAt = clock.Now().Add(-time.Second)
	store.Push(stamped)
	assert.Equal(t, clock.Now().Add(-time.Second), stamped.CreatedAt)
}

func TestStoreExpiry(t *testing.T) {
	t.Run("LazyOnPop", func(t *testing.T) {
		clock := newFakeClock()
		var expired []string
		store := NewStore(10*time.Second, WithClock(clock.Now), WithExpiryHook(func(dest string, n int) {
			for i := 0; i < n; i++ {
				expired = append(expired, dest)
			}
		}))

		store.Push(newTestMessage("a", 0))
		clock.Advance(5 * time.Second)
		store.Push(newTestMessage("a", 1))
		clock.Advance(5 * time.Second)

		// First message is exactly ttl old
		msg, ok := store.Pop("a")
		require.True(t, ok)
		assert.Equal(t, int64(1), seqOf(t, msg))
		assert.Equal(t, []string{"a"}, expired)
	})

	t.Run("AllExpired", func(t *testing.T) {
		clock := newFakeClock()
		store := NewStore(time.Second, WithClock(clock.Now))

		store.Push(newTestMessage("a", 0))
		store.Push(newTestMessage("a", 1))
		clock.Advance(2 * time.Second)

		_, ok := store.Pop("a")
		assert.False(t, ok)
		assert.Equal(t, 0, store.Len("a"))
	})

	t.Run("Sweep", func(t *testing.T) {
		clock := newFakeClock()
		store := NewStore(10*time.Second, WithClock(clock.Now))

		store.Push(newTestMessage("a", 0))
		store.Push(newTestMessage("b", 0))
		clock.Advance(6 * time.Second)
		store.Push(newTestMessage("a", 1))
		clock.Advance(6 * time.Second)

		result := store.Sweep()
		assert.Equal(t, 2, result.Expired)
		assert.Equal(t, 1, result.Reclaimed)
		assert.Equal(t, []string{"a"}, store.Destinations())
		assert.Equal(t, 1, store.Len("a"))

		stats := store.Stats()
		assert.Equal(t, 1, stats.Queues)
		assert.Equal(t, 1, stats.Messages)
		assert.Equal(t, uint64(1), stats.Reclaimed)
	})

	t.Run("NoTTL", func(t *testing.T) {
		clock := newFakeClock()
		store := NewStore(0, WithClock(clock.Now))

		store.Push(newTestMessage("a", 0))
		clock.Advance(365 * 24 * time.Hour)

		assert.Equal(t, 0, store.Sweep().Expired)
		_, ok := store.Pop("a")
		assert.True(t, ok)
	})
}

func TestStoreQueueStats(t *testing.T) {
	clock := newFakeClock()
	store := NewStore(time.Minute, WithClock(clock.Now))

	store.Push(newTestMessage("a", 0))
	store.Push(newTestMessage("a", 1))
	clock.Advance(3 * time.Second)
	_, _ = store.Pop("a")

	stats, ok := store.QueueStats("a")
	require.True(t, ok)
	assert.Equal(t, "a", stats.Destination)
	assert.Equal(t, 1, stats.Depth)
	assert.Equal(t, 3*time.Second, stats.OldestAge)
	assert.Equal(t, uint64(2), stats.EnqueueCount)
	assert.Equal(t, uint64(1), stats.DequeueCount)

	_, ok = store.QueueStats("b")
	assert.False(t, ok)

	store.Push(newTestMessage("0-first", 0))
	all := store.AllQueueStats()
	require.Len(t, all, 2)
	assert.Equal(t, "0-first", all[0].Destination)
}

func TestStoreReclaimedQueueAcceptsPush(t *testing.T) {
	store := NewStore(time.Minute)

	store.Push(newTestMessage("a", 0))
	_, _ = store.Pop("a")

	old := store.get("a")
	require.NotNil(t, old)
	assert.Equal(t, 1, store.Sweep().Reclaimed)
	assert.False(t, old.push(newTestMessage("a", 1)))

	store.Push(newTestMessage("a", 2))
	msg, ok := store.Pop("a")
	require.True(t, ok)
	assert.Equal(t, int64(2), seqOf(t, msg))
}

func TestStoreConcurrency(t *testing.T) {
	const (
		producers = 8
		perDest   = 200
	)
	store := NewStore(time.Minute)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			dest := fmt.Sprintf("dest-%d", p%4)
			for i := 0; i < perDest; i++ {
				store.Push(newTestMessage(dest, p*perDest+i))
			}
		}(p)
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		stop = make(chan struct{})
	)

	// Sweeper running alongside reclaims queues that drain to empty
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		for {
			select {
			case <-stop:
				return
			default:
				store.Sweep()
			}
		}
	}()

	var consumers sync.WaitGroup
	for c := 0; c < 8; c++ {
		consumers.Add(1)
		go func(c int) {
			defer consumers.Done()
			dest := fmt.Sprintf("dest-%d", c%4)
			for {
				select {
				case <-stop:
					return
				default:
				}
				if msg, ok := store.Pop(dest); ok {
					v, _ := msg.Payload.Get("seq")
					mu.Lock()
					seen[v.(int64)]++
					mu.Unlock()
				}
			}
		}(c)
	}

	wg.Wait()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == producers*perDest
	}, 10*time.Second, 10*time.Millisecond)
	close(stop)
	consumers.Wait()
	<-sweepDone

	mu.Lock()
	defer mu.Unlock()
	for seq, n := range seen {
		assert.Equal(t, 1, n, "message %d delivered %d times", seq, n)
	}
}

func TestStoreFIFOUnderConcurrentSweep(t *testing.T) {
	store := NewStore(time.Minute)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			store.Sweep()
		}
	}()

	next := int64(0)
	for i := 0; i < 1000; i++ {
		store.Push(newTestMessage("a", i))
		if i%3 == 0 {
			msg, ok := store.Pop("a")
			require.True(t, ok)
			assert.Equal(t, next, seqOf(t, msg))
			next++
		}
	}
	<-done

	for {
		msg, ok := store.Pop("a")
		if !ok {
			break
		}
		assert.Equal(t, next, seqOf(t, msg))
		next++
	}
	assert.Equal(t, int64(1000), next)
}

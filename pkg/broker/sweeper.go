package broker

import (
	"context"
	"runtime"
	"time"

	"github.com/meftunca/empbroker/pkg/queue"
	"go.uber.org/zap"
)

// runSweeper evicts expired messages every sweep interval until ctx is done
func (b *Broker) runSweeper(ctx context.Context, store *queue.Store) {
	ticker := time.NewTicker(b.cfg.Broker.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(store)
		}
	}
}

// sweep runs one pass and refreshes the queue and system gauges
func (b *Broker) sweep(store *queue.Store) queue.SweepResult {
	start := time.Now()
	result := store.Sweep()
	duration := time.Since(start)

	stats := store.Stats()
	b.metrics.RecordSweep(duration, stats.Queues, stats.Messages)
	if result.Expired > 0 {
		b.metrics.RecordExpired("sweep", result.Expired)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	b.metrics.UpdateSystemMetrics(runtime.NumGoroutine(), mem.HeapInuse)

	if result.Expired > 0 || result.Reclaimed > 0 {
		b.logger.Debug("sweep completed",
			zap.Int("expired", result.Expired),
			zap.Int("reclaimed_queues", result.Reclaimed),
			zap.Int("queued", stats.Messages),
			zap.Duration("duration", duration))
	}
	return result
}

package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/internal/metrics"
)

// finalFlushTimeout bounds the flush Run performs on shutdown.
const finalFlushTimeout = 5 * time.Second

// HeartbeatWriter persists a batch of heartbeat timestamps.
type HeartbeatWriter interface {
	TouchConnections(ctx context.Context, beats map[string]time.Time) (int64, error)
}

// HeartbeatBatcher buffers heartbeats in memory and writes them in batches.
// The buffer is only a write queue; presence is always read from the store.
type HeartbeatBatcher struct {
	writer    HeartbeatWriter
	flushSize int
	interval  time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
	kick    chan struct{}
}

// NewHeartbeatBatcher creates a batcher that flushes when more than flushSize
// connections are buffered, or every interval.
func NewHeartbeatBatcher(w HeartbeatWriter, flushSize int, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *HeartbeatBatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &HeartbeatBatcher{
		writer:    w,
		flushSize: flushSize,
		interval:  interval,
		metrics:   m,
		log:       log.With().Str("component", "heartbeat").Logger(),
		pending:   make(map[string]time.Time),
		kick:      make(chan struct{}, 1),
	}
}

// Record buffers a heartbeat. A later Record for the same connection replaces
// the earlier one.
func (b *HeartbeatBatcher) Record(connectionID string, at time.Time) {
	b.mu.Lock()
	b.pending[connectionID] = at
	n := len(b.pending)
	b.mu.Unlock()

	if n > b.flushSize {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Forget drops a buffered heartbeat, used when the connection is removed.
func (b *HeartbeatBatcher) Forget(connectionID string) {
	b.mu.Lock()
	delete(b.pending, connectionID)
	b.mu.Unlock()
}

// Pending returns the number of buffered connections.
func (b *HeartbeatBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush drains the buffer and writes it in one batch. Entries of a failed
// batch are dropped, not retried.
func (b *HeartbeatBatcher) Flush(ctx context.Context) (int64, error) {
	b.mu.Lock()
	batch := b.pending
	if len(batch) == 0 {
		b.mu.Unlock()
		return 0, nil
	}
	b.pending = make(map[string]time.Time, len(batch))
	b.mu.Unlock()

	touched, err := b.writer.TouchConnections(ctx, batch)
	if err != nil {
		b.metrics.HeartbeatFlushes.WithLabelValues(metrics.ResultFailed).Inc()
		b.log.Warn().Err(err).Int("dropped", len(batch)).Msg("heartbeat flush failed")
		return 0, err
	}

	b.metrics.HeartbeatFlushes.WithLabelValues(metrics.ResultOK).Inc()
	b.metrics.HeartbeatsWritten.Add(float64(touched))
	b.log.Debug().Int("buffered", len(batch)).Int64("touched", touched).Msg("heartbeats flushed")
	return touched, nil
}

// Run flushes on every tick and whenever the buffer grows past its size
// threshold, until ctx is cancelled. It then flushes what is left.
func (b *HeartbeatBatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			b.Flush(flushCtx)
			cancel()
			b.log.Info().Msg("heartbeat batcher stopped")
			return nil
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}

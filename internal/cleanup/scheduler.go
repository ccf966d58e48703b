// Package cleanup runs the periodic stale-connection sweep and message purge.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/config"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/store"
)

// Sweeper is the connection registry as seen by the scheduler.
type Sweeper interface {
	SweepStale(ctx context.Context) (int64, error)
	ActiveCount(ctx context.Context) (int64, error)
}

// Purger is the message store as seen by the scheduler.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Scheduler drives cleanup ticks on one instance. Several instances may run
// schedulers against the same store; every step is idempotent.
type Scheduler struct {
	sweeper    Sweeper
	purger     Purger
	interval   time.Duration
	retryDelay time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewScheduler creates a scheduler with the interval and retry delay of cfg.
func NewScheduler(sweeper Sweeper, purger Purger, cfg config.CleanupConfig, m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Scheduler{
		sweeper:    sweeper,
		purger:     purger,
		interval:   cfg.Interval,
		retryDelay: cfg.RetryDelay,
		metrics:    m,
		log:        log.With().Str("component", "cleanup").Logger(),
	}
}

// Run ticks immediately and then after every interval until ctx is cancelled.
// A failed tick is followed by the shorter retry delay instead.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Dur("retry_delay", s.retryDelay).Msg("cleanup scheduler started")

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			break
		}

		next := s.interval
		if err := s.Tick(ctx); err != nil {
			next = s.retryDelay
			s.log.Warn().Err(err).Dur("retry_in", next).Msg("cleanup tick failed")
		}

		timer.Reset(next)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	s.log.Info().Msg("cleanup scheduler stopped")
	return nil
}

// Tick runs one sweep, purge and report. All three steps run even when an
// earlier one fails; their errors are joined. A panic is turned into an error.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup tick panicked: %v", r)
		}
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultFailed
		}
		s.metrics.CleanupRuns.WithLabelValues(result).Inc()
	}()

	var errs []error

	swept, sweepErr := s.sweeper.SweepStale(ctx)
	if sweepErr != nil {
		errs = append(errs, fmt.Errorf("sweep: %w", sweepErr))
	}

	purged, purgeErr := s.purger.PurgeExpired(ctx)
	if purgeErr != nil {
		errs = append(errs, fmt.Errorf("purge: %w", purgeErr))
	}

	active, countErr := s.sweeper.ActiveCount(ctx)
	if countErr != nil {
		errs = append(errs, fmt.Errorf("active count: %w", countErr))
	} else {
		s.metrics.ActiveConnections.Set(float64(active))
	}

	err = errors.Join(errs...)
	event := s.log.Info()
	if err != nil {
		event = s.log.Warn().Err(err).Bool("transient", store.IsTransient(err))
	}
	event.
		Int64("swept", swept).
		Int64("purged", purged).
		Int64("active_connections", active).
		Dur("took", time.Since(start)).
		Msg("cleanup tick")
	return err
}

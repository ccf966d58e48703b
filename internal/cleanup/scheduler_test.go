package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence-backplane/config"
	"presence-backplane/internal/db/dbtest"
	"presence-backplane/internal/messages"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/model"
	"presence-backplane/internal/presence"
	"presence-backplane/internal/store"
)

// fakeTarget implements both Sweeper and Purger and records call order.
type fakeTarget struct {
	mu       sync.Mutex
	calls    []string
	sweepErr []error // consumed one per tick; nil entries succeed
	panicOn  string
	active   int64
	ticks    chan time.Time
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{ticks: make(chan time.Time, 16)}
}

func (f *fakeTarget) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if call == f.panicOn {
		panic("boom in " + call)
	}
}

func (f *fakeTarget) SweepStale(context.Context) (int64, error) {
	f.record("sweep")
	f.ticks <- time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sweepErr) > 0 {
		err := f.sweepErr[0]
		f.sweepErr = f.sweepErr[1:]
		return 0, err
	}
	return 2, nil
}

func (f *fakeTarget) PurgeExpired(context.Context) (int64, error) {
	f.record("purge")
	return 1, nil
}

func (f *fakeTarget) ActiveCount(context.Context) (int64, error) {
	f.record("count")
	return f.active, nil
}

func (f *fakeTarget) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newScheduler(f *fakeTarget, interval, retry time.Duration) (*Scheduler, *metrics.Metrics) {
	m := metrics.New(nil)
	return NewScheduler(f, f, config.CleanupConfig{Interval: interval, RetryDelay: retry}, m, zerolog.Nop()), m
}

func TestTick_OrderAndReporting(t *testing.T) {
	f := newFakeTarget()
	f.active = 7
	s, m := newScheduler(f, time.Hour, time.Minute)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{"sweep", "purge", "count"}, f.Calls())
	assert.Equal(t, float64(7), testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRuns.WithLabelValues(metrics.ResultOK)))
}

func TestTick_FailureStillRunsLaterSteps(t *testing.T) {
	f := newFakeTarget()
	f.sweepErr = []error{store.Wrap("deactivate stale connections", &pgconn.PgError{Code: "08006"})}
	s, m := newScheduler(f, time.Hour, time.Minute)

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
	assert.Equal(t, []string{"sweep", "purge", "count"}, f.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRuns.WithLabelValues(metrics.ResultFailed)))
}

func TestTick_RecoversPanic(t *testing.T) {
	f := newFakeTarget()
	f.panicOn = "purge"
	s, m := newScheduler(f, time.Hour, time.Minute)

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CleanupRuns.WithLabelValues(metrics.ResultFailed)))
}

func waitTick(t *testing.T, f *fakeTarget, within time.Duration) time.Time {
	t.Helper()
	select {
	case at := <-f.ticks:
		return at
	case <-time.After(within):
		t.Fatal("timed out waiting for a tick")
		return time.Time{}
	}
}

func TestRun_TicksImmediatelyThenWaitsInterval(t *testing.T) {
	f := newFakeTarget()
	s, _ := newScheduler(f, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitTick(t, f, time.Second)
	select {
	case <-f.ticks:
		t.Fatal("ticked again before the interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not interrupt the wait")
	}
}

func TestRun_UsesRetryDelayAfterFailure(t *testing.T) {
	f := newFakeTarget()
	f.sweepErr = []error{errors.New("store down")}
	s, _ := newScheduler(f, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	first := waitTick(t, f, time.Second)
	second := waitTick(t, f, time.Second)
	assert.GreaterOrEqual(t, second.Sub(first), 10*time.Millisecond)

	// The retry succeeded, so the schedule is back to the full interval.
	select {
	case <-f.ticks:
		t.Fatal("kept retrying after a successful tick")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRun_CancelledBeforeStartDoesNotTick(t *testing.T) {
	f := newFakeTarget()
	s, _ := newScheduler(f, time.Hour, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.Empty(t, f.Calls())
}

func TestTick_AgainstStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewGormStore(dbtest.Open(t))
	m := metrics.New(nil)
	now := time.Now().UTC()

	registry := presence.NewRegistry(st, nil, config.PresenceConfig{
		InstanceID:     "node-a",
		StaleThreshold: 5 * time.Minute,
	}, m, zerolog.Nop())
	msgs := messages.New(st, config.MessagesConfig{DefaultTTL: time.Hour}, m, zerolog.Nop())

	for _, c := range []*model.Connection{
		{ConnectionID: "stale", UserID: "u1", ServerInstance: "node-b", ConnectedAt: now.Add(-time.Hour), LastHeartbeat: now.Add(-time.Hour), IsActive: true},
		{ConnectionID: "live", UserID: "u2", ServerInstance: "node-a", ConnectedAt: now, LastHeartbeat: now, IsActive: true},
	} {
		_, err := st.UpsertConnection(ctx, c)
		require.NoError(t, err)
	}
	past := now.Add(-time.Minute)
	require.NoError(t, st.InsertMessage(ctx, &model.Message{
		TargetUserID: "u1", Body: "expired", MessageType: model.DefaultMessageType,
		CreatedAt: now.Add(-2 * time.Hour), IsPersistent: true, ExpiresAt: &past,
	}))

	s := NewScheduler(registry, msgs, config.CleanupConfig{Interval: time.Hour, RetryDelay: time.Minute}, m, zerolog.Nop())
	require.NoError(t, s.Tick(ctx))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweptConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PurgedMessages))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveConnections))

	// A second instance running the same tick finds nothing left to do.
	require.NoError(t, s.Tick(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweptConnections))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PurgedMessages))
}

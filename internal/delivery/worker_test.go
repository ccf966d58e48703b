package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

// mockPusher is a mock implementation of the Pusher interface.
type mockPusher struct {
	PushFunc  func(ctx context.Context, connectionID, event string, payload any) error
	HoldsFunc func(connectionID string) bool
}

// Push calls the mock PushFunc.
func (m *mockPusher) Push(ctx context.Context, connectionID, event string, payload any) error {
	return m.PushFunc(ctx, connectionID, event, payload)
}

// Holds calls HoldsFunc, and holds every connection when it is unset.
func (m *mockPusher) Holds(connectionID string) bool {
	if m.HoldsFunc == nil {
		return true
	}
	return m.HoldsFunc(connectionID)
}

type pushed struct {
	connectionID string
	msg          model.Message
}

// recorder collects successful pushes.
func recorder() (*mockPusher, <-chan pushed) {
	ch := make(chan pushed, 32)
	return &mockPusher{
		PushFunc: func(_ context.Context, connectionID, event string, payload any) error {
			if event != EventNotification {
				return errors.New("unexpected event " + event)
			}
			ch <- pushed{connectionID: connectionID, msg: payload.(model.Message)}
			return nil
		},
	}, ch
}

type testEnv struct {
	store    store.Store
	registry *presence.Registry
	messages *messages.Store
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, st store.Store, instance string) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewGormStore(dbtest.Open(t))
	}
	m := metrics.New(nil)
	return &testEnv{
		store: st,
		registry: presence.NewRegistry(st, nil, config.PresenceConfig{
			InstanceID:     instance,
			StaleThreshold: 5 * time.Minute,
		}, m, zerolog.Nop()),
		messages: messages.New(st, config.MessagesConfig{DefaultTTL: time.Hour}, m, zerolog.Nop()),
		metrics:  m,
	}
}

func (e *testEnv) pool(pusher Pusher, cfg config.WorkerPoolConfig) *WorkerPool {
	return NewWorkerPool(cfg, e.registry, e.messages, pusher, e.metrics, zerolog.Nop())
}

func waitPush(t *testing.T, ch <-chan pushed) pushed {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a push")
		return pushed{}
	}
}

func TestWorkerPool_Dispatch(t *testing.T) {
	env := newTestEnv(t, nil, "node-a")
	pusher, _ := recorder()
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 1, QueueSize: 1})

	assert.True(t, wp.Dispatch("u1"))
	assert.False(t, wp.Dispatch("u2"), "a full queue does not block")

	select {
	case job := <-wp.jobs:
		assert.Equal(t, "u1", job)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}
}

func TestWorkerPool_SendDeliversToOnlineUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, nil, "node-a")
	pusher, pushes := recorder()
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 2, QueueSize: 8})
	wp.Start(ctx)

	require.NoError(t, env.registry.AddConnection(ctx, "u1", "c1"))
	ids, err := env.registry.GetConnectionsForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, ids)

	id, err := wp.Send(ctx, "u1", "hi")
	require.NoError(t, err)

	p := waitPush(t, pushes)
	assert.Equal(t, "c1", p.connectionID)
	assert.Equal(t, id, p.msg.ID)
	assert.Equal(t, "hi", p.msg.Body)

	assert.Eventually(t, func() bool {
		pending, err := env.messages.GetUndeliveredForUser(ctx, "u1")
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)

	var msg model.Message
	require.NoError(t, env.store.DB().First(&msg, id).Error)
	assert.True(t, msg.IsDelivered)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultOK)))
}

func TestWorkerPool_OfflineUserGetsReplayOnConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, nil, "node-a")
	pusher, pushes := recorder()
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 1, QueueSize: 8})
	wp.Start(ctx)

	first, err := wp.Send(ctx, "u2", "offline-msg")
	require.NoError(t, err)
	second, err := wp.Send(ctx, "u2", "second")
	require.NoError(t, err)

	select {
	case p := <-pushes:
		t.Fatalf("pushed %d to an offline user", p.msg.ID)
	case <-time.After(100 * time.Millisecond):
	}

	pending, err := env.messages.GetUndeliveredForUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, env.registry.AddConnection(ctx, "u2", "c2"))
	wp.Dispatch("u2")

	assert.Equal(t, first, waitPush(t, pushes).msg.ID, "replay is oldest first")
	assert.Equal(t, second, waitPush(t, pushes).msg.ID)
}

func TestWorkerPool_PushFailureRecordsAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, nil, "node-a")

	failed := make(chan struct{}, 1)
	pusher := &mockPusher{
		PushFunc: func(context.Context, string, string, any) error {
			failed <- struct{}{}
			return errors.New("socket closed")
		},
	}
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 1, QueueSize: 8})
	wp.Start(ctx)

	require.NoError(t, env.registry.AddConnection(ctx, "u1", "c1"))
	id, err := wp.Send(ctx, "u1", "hi")
	require.NoError(t, err)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push")
	}

	assert.Eventually(t, func() bool {
		attempts, err := env.messages.Attempts(ctx, id)
		return err == nil && len(attempts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	attempts, err := env.messages.Attempts(ctx, id)
	require.NoError(t, err)
	assert.False(t, attempts[0].IsSuccessful)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Equal(t, "socket closed", *attempts[0].ErrorMessage)

	pending, err := env.messages.GetUndeliveredForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1, "a failed push leaves the message queued")
}

func TestWorkerPool_SkipsConnectionsFromEarlierRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil, "node-a")

	// "ghost" was registered under this instance id before a restart.
	require.NoError(t, env.registry.AddConnection(ctx, "u1", "ghost"))
	require.NoError(t, env.registry.AddConnection(ctx, "u1", "live"))

	pusher, pushes := recorder()
	pusher.HoldsFunc = func(connectionID string) bool { return connectionID == "live" }
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 1, QueueSize: 8})

	id, err := env.messages.Save(ctx, "u1", "hi")
	require.NoError(t, err)

	wp.deliver(ctx, "u1")

	p := waitPush(t, pushes)
	assert.Equal(t, "live", p.connectionID)
	assert.Empty(t, pushes)

	attempts, err := env.messages.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1, "no failed attempt is written for the ghost row")
	assert.Equal(t, "live", attempts[0].ConnectionID)
	assert.True(t, attempts[0].IsSuccessful)
}

func TestWorkerPool_PollerDeliversMessagesSavedElsewhere(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := store.NewGormStore(dbtest.Open(t))
	nodeA := newTestEnv(t, st, "node-a")
	nodeB := newTestEnv(t, st, "node-b")

	pusherB, pushesB := recorder()
	poolB := nodeB.pool(pusherB, config.WorkerPoolConfig{Size: 1, QueueSize: 8, PollInterval: 20 * time.Millisecond})
	poolB.Start(ctx)

	pusherA, pushesA := recorder()
	poolA := nodeA.pool(pusherA, config.WorkerPoolConfig{Size: 1, QueueSize: 8})
	poolA.Start(ctx)

	require.NoError(t, nodeB.registry.AddConnection(ctx, "u1", "c-on-b"))

	// Sent through node A, which holds no socket for u1.
	id, err := poolA.Send(ctx, "u1", "cross instance")
	require.NoError(t, err)

	p := waitPush(t, pushesB)
	assert.Equal(t, "c-on-b", p.connectionID)
	assert.Equal(t, id, p.msg.ID)

	select {
	case <-pushesA:
		t.Fatal("node A pushed to a connection it does not hold")
	default:
	}
}

func TestWorkerPool_ClaimCoalescesRuns(t *testing.T) {
	env := newTestEnv(t, nil, "node-a")
	pusher, _ := recorder()
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 1})

	require.True(t, wp.claim("u1"))
	assert.False(t, wp.claim("u1"), "second claim is folded into the running one")
	assert.False(t, wp.release("u1"), "owner must run again")
	assert.True(t, wp.release("u1"))
	assert.True(t, wp.claim("u1"), "claim is free again")
}

func TestWorkerPool_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil, "node-a")
	pusher, _ := recorder()
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 3, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- wp.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestWorkerPool_ConcurrentSends(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newTestEnv(t, nil, "node-a")

	var mu sync.Mutex
	seen := map[int64]int{}
	pusher := &mockPusher{
		PushFunc: func(_ context.Context, _ string, _ string, payload any) error {
			mu.Lock()
			seen[payload.(model.Message).ID]++
			mu.Unlock()
			return nil
		},
	}
	wp := env.pool(pusher, config.WorkerPoolConfig{Size: 4, QueueSize: 64})
	wp.Start(ctx)
	require.NoError(t, env.registry.AddConnection(ctx, "u1", "c1"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := wp.Send(ctx, "u1", "burst")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		pending, err := env.messages.GetUndeliveredForUser(ctx, "u1")
		return err == nil && len(pending) == 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %d pushed more than once", id)
	}
}

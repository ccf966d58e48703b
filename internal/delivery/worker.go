// Package delivery pushes persisted messages to the sockets this instance
// holds. Messages are always saved first; the pool only ever delivers what the
// store says is still undelivered.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/config"
	"presence-backplane/internal/messages"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/model"
)

// EventNotification is the event name messages are pushed under.
const EventNotification = "notification"

// Pusher sends one event to one connection held by this instance.
type Pusher interface {
	Push(ctx context.Context, connectionID, event string, payload any) error
	// Holds reports whether the connection is open in this process. Rows
	// written under this instance id by an earlier run of the process are
	// not.
	Holds(connectionID string) bool
}

// Presence is the part of the connection registry the pool needs.
type Presence interface {
	Connections(ctx context.Context, userID string) ([]model.Connection, error)
	Instance() string
}

// MessageStore is the part of the message store the pool needs.
type MessageStore interface {
	Save(ctx context.Context, targetUserID, body string, opts ...messages.Option) (int64, error)
	MarkDelivered(ctx context.Context, id int64, connectionID string) (bool, error)
	GetUndeliveredForUser(ctx context.Context, userID string) ([]model.Message, error)
	RecordDeliveryAttempt(ctx context.Context, messageID int64, connectionID string, success bool, errMsg string) bool
	PendingRecipients(ctx context.Context, instance string) ([]string, error)
}

// WorkerPool manages a pool of workers that deliver a user's pending messages
// to that user's local connections.
type WorkerPool struct {
	size         int
	jobs         chan string
	pollInterval time.Duration
	presence     Presence
	messages     MessageStore
	pusher       Pusher
	metrics      *metrics.Metrics
	log          zerolog.Logger

	mu   sync.Mutex
	busy map[string]bool // user id -> dispatched again while running
	wg   sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(cfg config.WorkerPoolConfig, presence Presence, msgs MessageStore, pusher Pusher, m *metrics.Metrics, log zerolog.Logger) *WorkerPool {
	if m == nil {
		m = metrics.New(nil)
	}
	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = size
	}
	return &WorkerPool{
		size:         size,
		jobs:         make(chan string, queue),
		pollInterval: cfg.PollInterval,
		presence:     presence,
		messages:     msgs,
		pusher:       pusher,
		metrics:      m,
		log:          log.With().Str("component", "delivery").Logger(),
		busy:         make(map[string]bool),
	}
}

// Start launches the worker goroutines and, with a positive poll interval,
// the replay poller.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	if wp.pollInterval > 0 {
		wp.wg.Add(1)
		go wp.poll(ctx)
	}
}

// Run starts the pool and blocks until ctx is cancelled and every worker has
// returned.
func (wp *WorkerPool) Run(ctx context.Context) error {
	wp.Start(ctx)
	<-ctx.Done()
	wp.wg.Wait()
	wp.log.Info().Msg("delivery pool stopped")
	return nil
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case userID := <-wp.jobs:
			wp.process(ctx, userID)
		case <-ctx.Done():
			wp.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

// poll periodically dispatches every user that has pending messages and a
// connection on this instance. Messages saved by other instances, and replays
// that lost a race with a full queue, reach local sockets this way.
func (wp *WorkerPool) poll(ctx context.Context) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users, err := wp.messages.PendingRecipients(ctx, wp.presence.Instance())
			if err != nil {
				wp.log.Warn().Err(err).Msg("pending recipients lookup failed")
				continue
			}
			for _, userID := range users {
				wp.Dispatch(userID)
			}
		}
	}
}

// Dispatch queues a delivery run for userID without blocking. It reports
// false when the queue is full; the messages stay in the store for the poller.
func (wp *WorkerPool) Dispatch(userID string) bool {
	select {
	case wp.jobs <- userID:
		return true
	default:
		wp.log.Warn().Str("user_id", userID).Msg("delivery queue full, leaving messages for replay")
		return false
	}
}

// Send persists a message and then queues its delivery. The message id is
// returned once the message is durable, whether or not a push follows.
func (wp *WorkerPool) Send(ctx context.Context, targetUserID, body string, opts ...messages.Option) (int64, error) {
	id, err := wp.messages.Save(ctx, targetUserID, body, opts...)
	if err != nil {
		return 0, err
	}
	wp.Dispatch(targetUserID)
	return id, nil
}

// process runs deliveries for one user. Only one worker delivers to a user at
// a time; a dispatch that arrives meanwhile makes that worker run again.
func (wp *WorkerPool) process(ctx context.Context, userID string) {
	if !wp.claim(userID) {
		return
	}
	for {
		wp.deliver(ctx, userID)
		if wp.release(userID) {
			return
		}
	}
}

func (wp *WorkerPool) claim(userID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if _, running := wp.busy[userID]; running {
		wp.busy[userID] = true
		return false
	}
	wp.busy[userID] = false
	return true
}

// release ends a run. It returns false when another dispatch came in, in which
// case the caller keeps the claim and runs again.
func (wp *WorkerPool) release(userID string) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.busy[userID] {
		wp.busy[userID] = false
		return false
	}
	delete(wp.busy, userID)
	return true
}

// deliver pushes the user's undelivered messages, oldest first, to each of
// the user's connections held by this instance.
func (wp *WorkerPool) deliver(ctx context.Context, userID string) {
	conns, err := wp.presence.Connections(ctx, userID)
	if err != nil {
		wp.log.Error().Err(err).Str("user_id", userID).Msg("loading connections failed")
		return
	}

	instance := wp.presence.Instance()
	local := conns[:0]
	for _, c := range conns {
		if c.ServerInstance != instance {
			continue
		}
		if !wp.pusher.Holds(c.ConnectionID) {
			// Left over from before a restart; the stale sweep retires it.
			wp.log.Debug().Str("user_id", userID).Str("connection_id", c.ConnectionID).Msg("skipping connection not held here")
			continue
		}
		local = append(local, c)
	}
	if len(local) == 0 {
		return
	}

	pending, err := wp.messages.GetUndeliveredForUser(ctx, userID)
	if err != nil {
		wp.log.Error().Err(err).Str("user_id", userID).Msg("loading undelivered messages failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	wp.log.Debug().Str("user_id", userID).Int("messages", len(pending)).Int("connections", len(local)).Msg("delivering")
	for _, msg := range pending {
		if ctx.Err() != nil {
			return
		}
		for _, conn := range local {
			wp.push(ctx, msg, conn.ConnectionID)
		}
	}
}

func (wp *WorkerPool) push(ctx context.Context, msg model.Message, connectionID string) {
	if err := wp.pusher.Push(ctx, connectionID, EventNotification, msg); err != nil {
		wp.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultFailed).Inc()
		wp.log.Warn().Err(err).Int64("message_id", msg.ID).Str("connection_id", connectionID).Msg("push failed")
		wp.messages.RecordDeliveryAttempt(ctx, msg.ID, connectionID, false, err.Error())
		return
	}

	wp.metrics.DeliveryAttempts.WithLabelValues(metrics.ResultOK).Inc()
	if _, err := wp.messages.MarkDelivered(ctx, msg.ID, connectionID); err != nil {
		// The push went out; the message will be pushed again on the next run.
		wp.log.Error().Err(err).Int64("message_id", msg.ID).Msg("mark delivered after push failed")
	}
}

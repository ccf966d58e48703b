// Package messages persists notifications before they are pushed and keeps
// their delivery bookkeeping.
package messages

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/config"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/model"
	"presence-backplane/internal/store"
)

// Store is the message store of one instance.
type Store struct {
	store      store.MessageStore
	defaultTTL time.Duration
	retention  time.Duration
	metrics    *metrics.Metrics
	log        zerolog.Logger
	now        func() time.Time
}

// New creates a message store over the shared store.
func New(st store.MessageStore, cfg config.MessagesConfig, m *metrics.Metrics, log zerolog.Logger) *Store {
	if m == nil {
		m = metrics.New(nil)
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{
		store:      st,
		defaultTTL: ttl,
		retention:  cfg.Retention,
		metrics:    m,
		log:        log.With().Str("component", "messages").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type saveOptions struct {
	sender       *string
	messageType  string
	persistent   bool
	expiresAt    *time.Time
	neverExpires bool
}

// Option customizes Save.
type Option func(*saveOptions)

// WithSender records who sent the message.
func WithSender(userID string) Option {
	return func(o *saveOptions) {
		if userID != "" {
			o.sender = &userID
		}
	}
}

// WithType overrides the default "Notification" message type.
func WithType(messageType string) Option {
	return func(o *saveOptions) {
		if messageType != "" {
			o.messageType = messageType
		}
	}
}

// Transient marks the message as not worth keeping once delivered and expired.
func Transient() Option {
	return func(o *saveOptions) { o.persistent = false }
}

// ExpiresAt sets an explicit expiry instead of now plus the default TTL.
func ExpiresAt(t time.Time) Option {
	return func(o *saveOptions) {
		at := t.UTC()
		o.expiresAt = &at
		o.neverExpires = false
	}
}

// NeverExpires stores the message without an expiry.
func NeverExpires() Option {
	return func(o *saveOptions) {
		o.expiresAt = nil
		o.neverExpires = true
	}
}

// Save persists a message for targetUserID and returns its id. The message is
// durable when Save returns, before any push is attempted.
func (s *Store) Save(ctx context.Context, targetUserID, body string, opts ...Option) (int64, error) {
	if targetUserID == "" {
		return 0, store.Invalid("save message", "target user id is required")
	}

	o := saveOptions{
		messageType: model.DefaultMessageType,
		persistent:  true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	now := s.now()
	expiresAt := o.expiresAt
	if expiresAt == nil && !o.neverExpires {
		at := now.Add(s.defaultTTL)
		expiresAt = &at
	}

	msg := &model.Message{
		TargetUserID: targetUserID,
		Body:         body,
		SenderUserID: o.sender,
		MessageType:  o.messageType,
		CreatedAt:    now,
		IsDelivered:  false,
		IsPersistent: o.persistent,
		ExpiresAt:    expiresAt,
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("target_user_id", targetUserID).Msg("save message failed")
		return 0, err
	}

	s.metrics.MessagesSaved.Inc()
	s.log.Debug().Int64("message_id", msg.ID).Str("target_user_id", targetUserID).Msg("message saved")
	return msg.ID, nil
}

// MarkDelivered records that the message reached connectionID. It returns true
// when this call is the one that flipped the message to delivered. Repeating
// it, or naming a message that no longer exists, is not an error.
func (s *Store) MarkDelivered(ctx context.Context, id int64, connectionID string) (bool, error) {
	outcome, err := s.store.MarkDelivered(ctx, id, connectionID, s.now())
	if err != nil {
		s.log.Error().Err(err).Int64("message_id", id).Msg("mark delivered failed")
		return false, err
	}
	if outcome == store.DeliveryMissing {
		s.log.Debug().Int64("message_id", id).Msg("mark delivered on missing message")
	}
	return outcome == store.DeliveryMarked, nil
}

// GetUndeliveredForUser returns the user's pending, unexpired messages oldest
// first.
func (s *Store) GetUndeliveredForUser(ctx context.Context, userID string) ([]model.Message, error) {
	return s.store.UndeliveredMessages(ctx, userID, s.now())
}

// PurgeExpired deletes undelivered messages past their expiry and delivered
// transient ones past their expiry. With a retention window configured it
// also deletes delivered messages older than the window.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()
	var retentionCutoff time.Time
	if s.retention > 0 {
		retentionCutoff = now.Add(-s.retention)
	}

	n, err := s.store.PurgeMessages(ctx, now, retentionCutoff)
	if err != nil {
		s.log.Error().Err(err).Str("kind", store.Classify(err).String()).Msg("purge failed")
		return 0, err
	}
	s.metrics.PurgedMessages.Add(float64(n))
	s.log.Info().Int64("purged", n).Msg("expired messages purged")
	return n, nil
}

// RecordDeliveryAttempt appends an audit row. It reports whether the row was
// written; a failure is logged and never blocks delivery.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, messageID int64, connectionID string, success bool, errMsg string) bool {
	attempt := &model.DeliveryAttempt{
		MessageID:    messageID,
		ConnectionID: connectionID,
		AttemptedAt:  s.now(),
		IsSuccessful: success,
	}
	if errMsg != "" {
		attempt.ErrorMessage = &errMsg
	}

	if err := s.store.InsertDeliveryAttempt(ctx, attempt); err != nil {
		s.log.Warn().Err(err).Int64("message_id", messageID).Str("connection_id", connectionID).Msg("recording delivery attempt failed")
		return false
	}
	return true
}

// PendingRecipients lists users with undelivered messages and an active
// connection on instance.
func (s *Store) PendingRecipients(ctx context.Context, instance string) ([]string, error) {
	return s.store.PendingRecipients(ctx, instance, s.now())
}

// Attempts returns the delivery audit trail of a message.
func (s *Store) Attempts(ctx context.Context, messageID int64) ([]model.DeliveryAttempt, error) {
	return s.store.DeliveryAttempts(ctx, messageID)
}

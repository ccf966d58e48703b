package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/internal/model"
)

// SessionTracker keeps a user's session row in step with their connections.
//
// Instead of incrementing and decrementing connectionCount it recounts the
// user's active connections on every transition and writes that number. In the
// uncontended case this is the same as ++/--; when two instances race, the
// last writer still stores a count that was true at some point, and the next
// transition corrects it.
type SessionTracker struct {
	store    Store
	instance string
	log      zerolog.Logger
	now      func() time.Time
}

// NewSessionTracker creates a tracker that opens sessions on behalf of instance.
func NewSessionTracker(st Store, instance string, log zerolog.Logger) *SessionTracker {
	return &SessionTracker{
		store:    st,
		instance: instance,
		log:      log,
		now:      utcNow,
	}
}

// Joined is called after one of the user's connections became active.
func (t *SessionTracker) Joined(ctx context.Context, userID string) error {
	return t.sync(ctx, userID)
}

// Left is called after one of the user's connections went away.
func (t *SessionTracker) Left(ctx context.Context, userID string) error {
	return t.sync(ctx, userID)
}

func (t *SessionTracker) sync(ctx context.Context, userID string) error {
	n, err := t.store.CountActiveConnections(ctx, userID)
	if err != nil {
		return err
	}
	now := t.now()

	if n == 0 {
		closed, err := t.store.CloseActiveSession(ctx, userID, now)
		if err != nil {
			return err
		}
		if closed {
			t.log.Debug().Str("user_id", userID).Msg("session closed")
		}
		return nil
	}

	opened, err := t.store.UpsertActiveSession(ctx, userID, t.instance, n, now)
	if err != nil {
		return err
	}
	if opened {
		t.log.Debug().Str("user_id", userID).Int64("connections", n).Msg("session opened")
	}
	return nil
}

// Current returns the user's most recent session, active or closed, or nil if
// the user never connected.
func (t *SessionTracker) Current(ctx context.Context, userID string) (*model.Session, error) {
	return t.store.LatestSession(ctx, userID)
}

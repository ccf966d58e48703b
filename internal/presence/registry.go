// Package presence tracks which users are connected, on which instance, and
// how recently they were heard from. The shared store is the only source of
// truth; nothing here caches presence in process memory.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"presence-backplane/config"
	"presence-backplane/internal/metrics"
	"presence-backplane/internal/model"
	"presence-backplane/internal/store"
)

// Store is the slice of the shared store the registry works on.
type Store interface {
	store.ConnectionStore
	store.SessionStore
}

// Registry is the connection registry of one server instance.
type Registry struct {
	store          Store
	instance       string
	staleThreshold time.Duration
	heartbeats     *HeartbeatBatcher
	sessions       *SessionTracker
	metrics        *metrics.Metrics
	log            zerolog.Logger
	now            func() time.Time
}

// NewRegistry creates a registry for the instance named in cfg.
func NewRegistry(st Store, heartbeats *HeartbeatBatcher, cfg config.PresenceConfig, m *metrics.Metrics, log zerolog.Logger) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	log = log.With().Str("component", "registry").Logger()
	return &Registry{
		store:          st,
		instance:       cfg.InstanceID,
		staleThreshold: cfg.StaleThreshold,
		heartbeats:     heartbeats,
		sessions:       NewSessionTracker(st, cfg.InstanceID, log),
		metrics:        m,
		log:            log,
		now:            utcNow,
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// Instance returns the server instance id this registry writes into rows.
func (r *Registry) Instance() string {
	return r.instance
}

// Sessions returns the session tracker fed by this registry.
func (r *Registry) Sessions() *SessionTracker {
	return r.sessions
}

// AddConnection registers connectionID for userID on this instance. A
// connection id that already exists is taken over rather than rejected, so a
// reconnect race converges on one row. Session bookkeeping failures are logged
// and left for the next transition or sweep to correct.
func (r *Registry) AddConnection(ctx context.Context, userID, connectionID string) error {
	if userID == "" {
		return store.Invalid("add connection", "user id is required")
	}
	if connectionID == "" {
		return store.Invalid("add connection", "connection id is required")
	}

	now := r.now()
	res, err := r.store.UpsertConnection(ctx, &model.Connection{
		ConnectionID:   connectionID,
		UserID:         userID,
		ServerInstance: r.instance,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		IsActive:       true,
	})
	if err != nil {
		r.log.Error().Err(err).Str("user_id", userID).Str("connection_id", connectionID).Msg("add connection failed")
		return err
	}

	r.log.Debug().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Stringer("outcome", res.Outcome).
		Msg("connection registered")

	if res.Outcome == store.OutcomeUpdated && res.WasActive && res.PreviousUserID != userID {
		// The id moved to another user; the old owner may have lost their last connection.
		if err := r.sessions.Left(ctx, res.PreviousUserID); err != nil {
			r.log.Warn().Err(err).Str("user_id", res.PreviousUserID).Msg("session update after takeover failed")
		}
	}
	if err := r.sessions.Joined(ctx, userID); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("session update after connect failed")
	}
	return nil
}

// RemoveConnection deletes the connection row. Removing an unknown id is not an
// error. When the owner has no active connection left their session is closed.
func (r *Registry) RemoveConnection(ctx context.Context, connectionID string) error {
	if r.heartbeats != nil {
		r.heartbeats.Forget(connectionID)
	}

	removed, err := r.store.DeleteConnection(ctx, connectionID)
	if err != nil {
		r.log.Error().Err(err).Str("connection_id", connectionID).Msg("remove connection failed")
		return err
	}
	if removed == nil {
		r.log.Debug().Str("connection_id", connectionID).Msg("connection already gone")
		return nil
	}

	if err := r.sessions.Left(ctx, removed.UserID); err != nil {
		r.log.Warn().Err(err).Str("user_id", removed.UserID).Msg("session update after disconnect failed")
	}
	return nil
}

// GetConnectionsForUser returns the ids of the user's active connections on
// every instance.
func (r *Registry) GetConnectionsForUser(ctx context.Context, userID string) ([]string, error) {
	conns, err := r.store.ActiveConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ConnectionID)
	}
	return ids, nil
}

// Connections is GetConnectionsForUser returning whole rows, so callers can
// tell connections held by this instance from remote ones.
func (r *Registry) Connections(ctx context.Context, userID string) ([]model.Connection, error) {
	return r.store.ActiveConnections(ctx, userID)
}

// IsOnline reports whether the user has any active connection.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.store.CountActiveConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateHeartbeat records that the connection was just heard from. The store
// is written by the heartbeat batcher, not here.
func (r *Registry) UpdateHeartbeat(connectionID string) {
	if r.heartbeats == nil {
		return
	}
	r.heartbeats.Record(connectionID, r.now())
}

// SweepStale marks every active connection whose last heartbeat is older than
// the stale threshold as inactive and closes the sessions this orphans. Users
// left with active connections but no session get one back. It
// returns the number of connections swept. Errors are logged and returned for
// the caller's retry policy.
func (r *Registry) SweepStale(ctx context.Context) (int64, error) {
	now := r.now()
	cutoff := now.Add(-r.staleThreshold)

	swept, err := r.store.DeactivateStale(ctx, cutoff)
	if err != nil {
		r.log.Error().Err(err).Str("kind", store.Classify(err).String()).Msg("stale sweep failed")
		return 0, err
	}
	r.metrics.SweptConnections.Add(float64(swept))

	closed, err := r.store.CloseOrphanedSessions(ctx, now)
	if err != nil {
		r.log.Error().Err(err).Msg("closing orphaned sessions failed")
		return swept, err
	}

	opened, err := r.store.OpenMissingSessions(ctx, r.instance, now)
	if err != nil {
		r.log.Error().Err(err).Msg("reopening sessions failed")
		return swept, err
	}

	r.log.Info().
		Int64("swept", swept).
		Int64("sessions_closed", closed).
		Int64("sessions_opened", opened).
		Time("cutoff", cutoff).
		Msg("stale sweep finished")
	return swept, nil
}

// ActiveCount counts active connections across the fleet.
func (r *Registry) ActiveCount(ctx context.Context) (int64, error) {
	return r.store.CountActive(ctx)
}

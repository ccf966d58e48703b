package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-backplane/internal/model"
)

// upsertAttempts bounds how often UpsertConnection retries when the row it
// conflicted with disappears before the update lands.
const upsertAttempts = 3

// UpsertConnection inserts conn, or, when its connection id is already taken,
// updates that row in place. A duplicate key is an outcome here, not an error.
func (s *gormStore) UpsertConnection(ctx context.Context, conn *model.Connection) (UpsertResult, error) {
	var result UpsertResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < upsertAttempts; attempt++ {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "connection_id"}},
				DoNothing: true,
			}).Create(conn)
			if res.Error != nil {
				return fmt.Errorf("insert connection %s: %w", conn.ConnectionID, res.Error)
			}
			if res.RowsAffected == 1 {
				result = UpsertResult{Outcome: OutcomeInserted}
				return nil
			}

			var existing model.Connection
			if err := tx.Where("connection_id = ?", conn.ConnectionID).Limit(1).Find(&existing).Error; err != nil {
				return fmt.Errorf("load connection %s: %w", conn.ConnectionID, err)
			}
			if existing.ID == 0 {
				// Removed between our insert and read; try the insert again.
				continue
			}

			res = tx.Model(&model.Connection{}).
				Where("connection_id = ?", conn.ConnectionID).
				Updates(map[string]any{
					"user_id":         conn.UserID,
					"server_instance": conn.ServerInstance,
					"last_heartbeat":  conn.LastHeartbeat,
					"is_active":       true,
				})
			if res.Error != nil {
				return fmt.Errorf("update connection %s: %w", conn.ConnectionID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}

			conn.ID = existing.ID
			conn.ConnectedAt = existing.ConnectedAt
			conn.IsActive = true
			result = UpsertResult{
				Outcome:        OutcomeUpdated,
				PreviousUserID: existing.UserID,
				WasActive:      existing.IsActive,
			}
			return nil
		}
		return ErrContention
	})
	if err != nil {
		return UpsertResult{}, Wrap("upsert connection", err)
	}
	return result, nil
}

// DeleteConnection removes a connection row and returns it, or nil when there
// was nothing to remove.
func (s *gormStore) DeleteConnection(ctx context.Context, connectionID string) (*model.Connection, error) {
	var removed *model.Connection

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Connection
		if err := tx.Where("connection_id = ?", connectionID).Limit(1).Find(&existing).Error; err != nil {
			return err
		}
		if existing.ID == 0 {
			return nil
		}
		res := tx.Delete(&model.Connection{}, existing.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			removed = &existing
		}
		return nil
	})
	if err != nil {
		return nil, Wrap("delete connection", err)
	}
	return removed, nil
}

// ActiveConnections lists a user's active connections on every instance, oldest first.
func (s *gormStore) ActiveConnections(ctx context.Context, userID string) ([]model.Connection, error) {
	var conns []model.Connection
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("connected_at ASC, id ASC").
		Find(&conns).Error
	if err != nil {
		return nil, Wrap("active connections", err)
	}
	return conns, nil
}

// CountActiveConnections counts a user's active connections on every instance.
func (s *gormStore) CountActiveConnections(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Connection{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&n).Error
	if err != nil {
		return 0, Wrap("count user connections", err)
	}
	return n, nil
}

// CountActive counts active connections across the fleet.
func (s *gormStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Connection{}).
		Where("is_active = ?", true).
		Count(&n).Error
	if err != nil {
		return 0, Wrap("count active connections", err)
	}
	return n, nil
}

// TouchConnections writes a batch of heartbeat timestamps in one transaction.
// A heartbeat also marks the row active again: a socket that was swept while
// its heartbeats could not be written is still open and must stay reachable.
// Rows are visited in id order so concurrent flushes from several instances
// lock them in the same order.
func (s *gormStore) TouchConnections(ctx context.Context, beats map[string]time.Time) (int64, error) {
	if len(beats) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(beats))
	for id := range beats {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var touched int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range ids {
			res := tx.Model(&model.Connection{}).
				Where("connection_id = ?", id).
				Updates(map[string]any{
					"last_heartbeat": beats[id],
					"is_active":      true,
				})
			if res.Error != nil {
				return fmt.Errorf("touch connection %s: %w", id, res.Error)
			}
			touched += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, Wrap("touch connections", err)
	}
	return touched, nil
}

// DeactivateStale soft-deletes every active connection whose last heartbeat is
// older than cutoff. Already inactive rows are left alone, so repeated sweeps
// from several instances are harmless.
func (s *gormStore) DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Connection{}).
		Where("is_active = ? AND last_heartbeat < ?", true, cutoff).
		Update("is_active", false)
	if res.Error != nil {
		return 0, Wrap("deactivate stale connections", res.Error)
	}
	return res.RowsAffected, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-backplane/internal/model"
)

// UpsertActiveSession records that userID currently holds the given number of
// active connections. It refreshes the user's active session, or opens one
// when none exists. Two instances opening at once converge on one row through
// the partial unique index on (user_id) WHERE is_active.
func (s *gormStore) UpsertActiveSession(ctx context.Context, userID, instance string, connections int64, now time.Time) (bool, error) {
	var opened bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < upsertAttempts; attempt++ {
			res := tx.Model(&model.Session{}).
				Where("user_id = ? AND is_active = ?", userID, true).
				Updates(map[string]any{
					"connection_count": connections,
					"last_activity":    now,
				})
			if res.Error != nil {
				return fmt.Errorf("refresh session for %s: %w", userID, res.Error)
			}
			if res.RowsAffected > 0 {
				return nil
			}

			session := model.Session{
				UserID:          userID,
				SessionStart:    now,
				IsActive:        true,
				ServerInstance:  instance,
				ConnectionCount: connections,
				LastActivity:    now,
			}
			res = tx.Clauses(clause.OnConflict{
				Columns:     []clause.Column{{Name: "user_id"}},
				TargetWhere: clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "is_active"}}},
				DoNothing:   true,
			}).Create(&session)
			if res.Error != nil {
				return fmt.Errorf("open session for %s: %w", userID, res.Error)
			}
			if res.RowsAffected == 1 {
				opened = true
				return nil
			}
		}
		return ErrContention
	})
	if err != nil {
		return false, Wrap("upsert session", err)
	}
	return opened, nil
}

// CloseActiveSession ends the user's active session, unless one of the user's
// connections became active since the caller counted them.
func (s *gormStore) CloseActiveSession(ctx context.Context, userID string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("NOT EXISTS (SELECT 1 FROM connections c WHERE c.user_id = sessions.user_id AND c.is_active = ?)", true).
		Updates(map[string]any{
			"is_active":        false,
			"session_end":      now,
			"connection_count": 0,
			"last_activity":    now,
		})
	if res.Error != nil {
		return false, Wrap("close session", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// CloseOrphanedSessions ends every active session whose user has no active
// connection left, which is what a stale sweep leaves behind.
func (s *gormStore) CloseOrphanedSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&model.Session{}).
		Where("is_active = ? AND NOT EXISTS (SELECT 1 FROM connections c WHERE c.user_id = sessions.user_id AND c.is_active = ?)", true, true).
		Updates(map[string]any{
			"is_active":        false,
			"session_end":      now,
			"connection_count": 0,
			"last_activity":    now,
		})
	if res.Error != nil {
		return 0, Wrap("close orphaned sessions", res.Error)
	}
	return res.RowsAffected, nil
}

// OpenMissingSessions opens a session for every user that holds an active
// connection but has no active session, as left behind when a close raced a
// new connection or a swept connection came back. It returns how many
// sessions it opened.
func (s *gormStore) OpenMissingSessions(ctx context.Context, instance string, now time.Time) (int64, error) {
	var users []struct {
		UserID      string
		Connections int64
	}
	err := s.db.WithContext(ctx).Model(&model.Connection{}).
		Select("user_id, COUNT(*) AS connections").
		Where("is_active = ? AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.user_id = connections.user_id AND s.is_active = ?)", true, true).
		Group("user_id").
		Scan(&users).Error
	if err != nil {
		return 0, Wrap("find users without session", err)
	}

	var opened int64
	for _, u := range users {
		ok, err := s.UpsertActiveSession(ctx, u.UserID, instance, u.Connections, now)
		if err != nil {
			return opened, err
		}
		if ok {
			opened++
		}
	}
	return opened, nil
}

// ActiveSession returns the user's active session or nil.
func (s *gormStore) ActiveSession(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, Wrap("active session", err)
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

// LatestSession returns the user's most recent session, active or not, or nil.
func (s *gormStore) LatestSession(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("session_start DESC, id DESC").
		Limit(1).
		Find(&session).Error
	if err != nil {
		return nil, Wrap("latest session", err)
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"presence-backplane/internal/model"
)

// InsertMessage persists msg and fills in its store-assigned id.
func (s *gormStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return Wrap("insert message", err)
	}
	return nil
}

// MarkDelivered flips a message to delivered the first time it is called and
// appends a successful attempt for connectionID on every call. A missing
// message is reported as DeliveryMissing and nothing is written.
func (s *gormStore) MarkDelivered(ctx context.Context, id int64, connectionID string, now time.Time) (DeliveryOutcome, error) {
	var outcome DeliveryOutcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Message{}).
			Where("id = ? AND is_delivered = ?", id, false).
			Updates(map[string]any{
				"is_delivered": true,
				"delivered_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("flag message %d: %w", id, res.Error)
		}

		if res.RowsAffected == 1 {
			outcome = DeliveryMarked
		} else {
			var n int64
			if err := tx.Model(&model.Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return fmt.Errorf("look up message %d: %w", id, err)
			}
			if n == 0 {
				outcome = DeliveryMissing
				return nil
			}
			outcome = DeliveryAlreadyMarked
		}

		attempt := model.DeliveryAttempt{
			MessageID:    id,
			ConnectionID: connectionID,
			AttemptedAt:  now,
			IsSuccessful: true,
		}
		if err := tx.Omit(clause.Associations).Create(&attempt).Error; err != nil {
			return fmt.Errorf("record attempt for message %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return 0, Wrap("mark delivered", err)
	}
	return outcome, nil
}

// UndeliveredMessages returns the user's unexpired, undelivered messages in
// send order.
func (s *gormStore) UndeliveredMessages(ctx context.Context, userID string, now time.Time) ([]model.Message, error) {
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("target_user_id = ? AND is_delivered = ?", userID, false).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, Wrap("undelivered messages", err)
	}
	return msgs, nil
}

// PurgeMessages deletes expired queue entries: undelivered messages past their
// expiry and delivered transient messages past their expiry. With a non-zero
// retentionCutoff it also deletes delivered messages delivered before it.
// Delivery attempts go with their message through the cascading foreign key.
func (s *gormStore) PurgeMessages(ctx context.Context, now time.Time, retentionCutoff time.Time) (int64, error) {
	cond := "(expires_at IS NOT NULL AND expires_at < ? AND (is_delivered = ? OR is_persistent = ?))"
	args := []any{now, false, false}
	if !retentionCutoff.IsZero() {
		cond += " OR (is_delivered = ? AND delivered_at < ?)"
		args = append(args, true, retentionCutoff)
	}

	res := s.db.WithContext(ctx).Where(cond, args...).Delete(&model.Message{})
	if res.Error != nil {
		return 0, Wrap("purge messages", res.Error)
	}
	return res.RowsAffected, nil
}

// InsertDeliveryAttempt appends one audit row.
func (s *gormStore) InsertDeliveryAttempt(ctx context.Context, attempt *model.DeliveryAttempt) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(attempt).Error; err != nil {
		return Wrap("insert delivery attempt", err)
	}
	return nil
}

// DeliveryAttempts returns the audit trail of one message, oldest first.
func (s *gormStore) DeliveryAttempts(ctx context.Context, messageID int64) ([]model.DeliveryAttempt, error) {
	var attempts []model.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("attempted_at ASC, id ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, Wrap("delivery attempts", err)
	}
	return attempts, nil
}

// PendingRecipients lists users that have undelivered, unexpired messages and
// at least one active connection owned by instance.
func (s *gormStore) PendingRecipients(ctx context.Context, instance string, now time.Time) ([]string, error) {
	var users []string
	err := s.db.WithContext(ctx).Raw(`
		SELECT DISTINCT m.target_user_id
		FROM messages m
		JOIN connections c ON c.user_id = m.target_user_id
		WHERE c.is_active = ? AND c.server_instance = ?
		  AND m.is_delivered = ?
		  AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY m.target_user_id`,
		true, instance, false, now,
	).Scan(&users).Error
	if err != nil {
		return nil, Wrap("pending recipients", err)
	}
	return users, nil
}

package model

import "time"

// DefaultMessageType is stored when the sender does not name a type.
const DefaultMessageType = "Notification"

// Message is one notification addressed to a user.
type Message struct {
	ID           int64      `gorm:"primaryKey" json:"id"`
	TargetUserID string     `gorm:"size:128;not null;index;index:idx_messages_target_delivered,priority:1" json:"targetUserId"`
	Body         string     `gorm:"type:text;not null" json:"body"`
	SenderUserID *string    `gorm:"size:128" json:"senderUserId,omitempty"`
	MessageType  string     `gorm:"size:64;not null" json:"messageType"`
	CreatedAt    time.Time  `gorm:"not null;index" json:"createdAt"`
	DeliveredAt  *time.Time `json:"deliveredAt,omitempty"`
	IsDelivered  bool       `gorm:"not null;index:idx_messages_target_delivered,priority:2;index:idx_messages_delivered_expires,priority:1" json:"isDelivered"`
	IsPersistent bool       `gorm:"not null" json:"isPersistent"`
	ExpiresAt    *time.Time `gorm:"index;index:idx_messages_delivered_expires,priority:2" json:"expiresAt,omitempty"`
}

// DeliveryAttempt is an append-only audit row for one push of a message to a connection.
type DeliveryAttempt struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	MessageID    int64     `gorm:"not null;index;index:idx_attempts_message_success,priority:1" json:"messageId"`
	ConnectionID string    `gorm:"size:128;not null;index" json:"connectionId"`
	AttemptedAt  time.Time `gorm:"not null" json:"attemptedAt"`
	IsSuccessful bool      `gorm:"not null;index:idx_attempts_message_success,priority:2" json:"isSuccessful"`
	ErrorMessage *string   `gorm:"type:text" json:"errorMessage,omitempty"`

	// Associations
	Message Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

package model

import "time"

// Connection is one live transport socket owned by a user on one server instance.
type Connection struct {
	ID             int64     `gorm:"primaryKey"`
	ConnectionID   string    `gorm:"size:128;uniqueIndex;not null"`
	UserID         string    `gorm:"size:128;not null;index;index:idx_connections_user_active,priority:1"`
	ServerInstance string    `gorm:"size:128;not null"`
	ConnectedAt    time.Time `gorm:"not null"`
	LastHeartbeat  time.Time `gorm:"not null;index"`
	IsActive       bool      `gorm:"not null;index:idx_connections_user_active,priority:2"`
}

package model

import "time"

// Session is the connectivity window of a user across all of their connections.
// At most one row per user is active; the store enforces that with a partial
// unique index created in db.Migrate.
type Session struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	UserID          string     `gorm:"size:128;not null;index;index:idx_sessions_user_active,priority:1" json:"userId"`
	SessionStart    time.Time  `gorm:"not null;index" json:"sessionStart"`
	SessionEnd      *time.Time `json:"sessionEnd,omitempty"`
	IsActive        bool       `gorm:"not null;index:idx_sessions_user_active,priority:2" json:"isActive"`
	ServerInstance  string     `gorm:"size:128;not null" json:"serverInstance"`
	ConnectionCount int64      `gorm:"not null" json:"connectionCount"`
	LastActivity    time.Time  `gorm:"not null;index" json:"lastActivity"`
}

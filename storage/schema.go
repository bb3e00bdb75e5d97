package storage

import (
	"time"
)

// Session status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
)

// Message types
const (
	MessageTypeStatus       = "status"
	MessageTypeCommand      = "command"
	MessageTypeAgentMessage = "agent_message"
)

// Message roles
const (
	RoleIDE    = "ide"
	RoleClient = "client"
)

// User represents an account that owns sessions. Banned is a soft delete:
// the account and its history stay, but admins can flag it.
type User struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"not null;uniqueIndex:idx_users_email"`
	Name      string `gorm:"not null;default:''"`
	Role      string `gorm:"not null;default:'user';check:role IN ('user','admin')"`
	Banned    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session represents a named IDE connection owned by a user
type Session struct {
	ID         string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index:idx_sessions_user_id"`
	Name       string    `gorm:"not null;default:''"`
	Status     string    `gorm:"not null;default:'offline';index:idx_sessions_status;check:status IN ('online','offline','busy')"`
	LastActive time.Time `gorm:"not null;index:idx_sessions_last_active"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one entry in a session's chat log, immutable once persisted
type Message struct {
	ID        string    `gorm:"primaryKey"`
	SessionID string    `gorm:"not null;index:idx_messages_session_id"`
	Type      string    `gorm:"not null;check:type IN ('status','command','agent_message')"`
	FromRole  string    `gorm:"not null;check:from_role IN ('ide','client')"`
	Content   string    `gorm:"not null;default:''"`
	CreatedAt time.Time `gorm:"index:idx_messages_created_at"`
}

// MetricSnapshot is one sampled monitor data point, pruned after 24 hours
type MetricSnapshot struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	CPU       float64   `gorm:"not null;default:0"`
	Memory    float64   `gorm:"not null;default:0"`
	Messages  int64     `gorm:"not null;default:0"`
	Timestamp time.Time `gorm:"not null;index:idx_metric_snapshots_timestamp"`
}

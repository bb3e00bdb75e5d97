package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"liveide/logging"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger wraps the liveide logger for GORM
type gormLogger struct {
	level logger.LogLevel
}

// LogMode sets the log level
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

// Info logs info messages
func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		logging.Logger.Info(fmt.Sprintf(msg, data...))
	}
}

// Warn logs warn messages
func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		logging.Logger.Warn(fmt.Sprintf(msg, data...))
	}
}

// Error logs error messages
func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		logging.Logger.Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs SQL queries - only in debug mode
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	// Only log traces in Info level (debug mode)
	if l.level < logger.Info {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		// Log errors (except ErrRecordNotFound which is expected)
		logging.Logger.Error("gorm query error",
			"error", err,
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else if elapsed > 200*time.Millisecond {
		// Log slow queries
		logging.Logger.Warn("slow query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	} else {
		// Log all queries in debug mode
		logging.Logger.Debug("gorm query",
			"duration", elapsed,
			"sql", sql,
			"rows", rows,
		)
	}
}

// newGormLogger creates a GORM logger that respects liveide's debug settings
func newGormLogger() logger.Interface {
	// Check if debug mode is enabled via environment variable
	// (set by cmd/root.go when --debug flag is used)
	if os.Getenv("LIVEIDE_DEBUG") == "1" {
		// Debug mode: log all queries to the debug file
		return (&gormLogger{}).LogMode(logger.Info)
	}

	// Normal mode: silent (no logs)
	return (&gormLogger{}).LogMode(logger.Silent)
}

// Store provides thread-safe ACID access to users, sessions, messages, and
// metric snapshots
type Store struct {
	db *gorm.DB
}

// NewStore creates a new storage instance with WAL mode enabled
func NewStore(dbPath string) (*Store, error) {
	// Expand home directory if present
	if len(dbPath) > 0 && dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// WAL mode for concurrent access. Pragmas go in the DSN so every pooled
	// connection gets them, not just the one a PRAGMA statement happens to
	// run on.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: false, // Disable to avoid transaction conflicts
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(), // Use custom logger that respects --debug flag
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate tables without foreign keys first
	if err := db.AutoMigrate(&User{}, &MetricSnapshot{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	// Manually create sessions table (AutoMigrate has issues with foreign keys in SQLite)
	migrator := db.Migrator()
	if !migrator.HasTable(&Session{}) {
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'offline' CHECK(status IN ('online','offline','busy')),
				last_active DATETIME NOT NULL,
				created_at DATETIME,
				updated_at DATETIME,
				FOREIGN KEY (user_id) REFERENCES users(id) ON UPDATE CASCADE ON DELETE CASCADE
			)
		`).Error; err != nil {
			return nil, fmt.Errorf("failed to create sessions table: %w", err)
		}
		db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)")
		db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)")
		db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active)")
	}

	// Manually create messages table (cascade delete with the parent session)
	if !migrator.HasTable(&Message{}) {
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				type TEXT NOT NULL CHECK(type IN ('status','command','agent_message')),
				from_role TEXT NOT NULL CHECK(from_role IN ('ide','client')),
				content TEXT NOT NULL DEFAULT '',
				created_at DATETIME,
				FOREIGN KEY (session_id) REFERENCES sessions(id) ON UPDATE CASCADE ON DELETE CASCADE
			)
		`).Error; err != nil {
			return nil, fmt.Errorf("failed to create messages table: %w", err)
		}
		db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)")
		db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at)")
	}

	// Configure connection pool after migration
	// SQLite with WAL mode can handle multiple readers + 1 writer
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10) // Allow multiple readers
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

// Ping executes a trivial query, used for latency probing and liveness
func (s *Store) Ping(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("SELECT 1").Error
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Users ---

// CreateUser inserts a user, assigning an ID when absent
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Create(user).Error
	})
}

// FindUserByID returns the user or nil when not found
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// ListUsers returns all users, newest first
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// BanUser flags a user as banned. Returns false when no such user exists.
func (s *Store) BanUser(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := withRetry(func() error {
		result := s.db.WithContext(ctx).Model(&User{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"banned":     true,
				"updated_at": time.Now().UTC(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	return affected > 0, err
}

// DeleteUser removes a user; sessions and their messages cascade with it.
// Returns false when no such user exists.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := withRetry(func() error {
		result := s.db.WithContext(ctx).Delete(&User{}, "id = ?", id)
		affected = result.RowsAffected
		return result.Error
	})
	return affected > 0, err
}

// CountUsers returns the total number of users
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).Count(&count).Error
	return count, err
}

// --- Sessions ---

// CreateSession inserts a session, assigning an ID and last-active time when absent
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Status == "" {
		session.Status = StatusOffline
	}
	if session.LastActive.IsZero() {
		session.LastActive = time.Now().UTC()
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Create(session).Error
	})
}

// FindSessionByID returns the session or nil when not found
func (s *Store) FindSessionByID(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return &session, nil
}

// ListSessionsByUser returns a user's sessions, most recently active first
func (s *Store) ListSessionsByUser(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus sets the status and touches the last-active time
func (s *Store) UpdateSessionStatus(ctx context.Context, id, status string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Model(&Session{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":      status,
				"last_active": time.Now().UTC(),
				"updated_at":  time.Now().UTC(),
			}).Error
	})
}

// UpdateSessionLastActive touches the last-active time only
func (s *Store) UpdateSessionLastActive(ctx context.Context, id string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Model(&Session{}).
			Where("id = ?", id).
			Update("last_active", time.Now().UTC()).Error
	})
}

// DeleteSession removes a session; its messages go with it via cascade
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Delete(&Session{}, "id = ?", id).Error
	})
}

// CountSessions returns the total number of sessions
func (s *Store) CountSessions(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).Count(&count).Error
	return count, err
}

// CountSessionsByStatus returns the number of sessions with the given status
func (s *Store) CountSessionsByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// CountOnlineUsers returns the number of distinct users with an online session
func (s *Store) CountOnlineUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("status = ?", StatusOnline).
		Distinct("user_id").
		Count(&count).Error
	return count, err
}

// CountOnlineSessionsInactiveSince returns the number of online sessions whose
// last activity is older than the cutoff
func (s *Store) CountOnlineSessionsInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("status = ? AND last_active < ?", StatusOnline, cutoff).
		Count(&count).Error
	return count, err
}

// FindUserOverSessionLimit returns the first user owning more than limit
// sessions, or an empty ID when no user is over the limit
func (s *Store) FindUserOverSessionLimit(ctx context.Context, limit int) (string, int64, error) {
	var row struct {
		UserID       string
		SessionCount int64
	}
	err := s.db.WithContext(ctx).Model(&Session{}).
		Select("user_id, COUNT(*) as session_count").
		Group("user_id").
		Having("COUNT(*) > ?", limit).
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return "", 0, err
	}
	return row.UserID, row.SessionCount, nil
}

// --- Messages ---

// CreateMessage inserts a message, assigning an ID and server-side timestamp
func (s *Store) CreateMessage(ctx context.Context, message *Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now().UTC()
	return withRetry(func() error {
		return s.db.WithContext(ctx).Create(message).Error
	})
}

// ListMessagesBySession returns a session's messages in replay order
func (s *Store) ListMessagesBySession(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// MessageLogEntry is a recent message joined with its session's owner, one
// row of the admin log feed
type MessageLogEntry struct {
	ID        string
	SessionID string
	UserID    string
	Type      string
	FromRole  string
	Content   string
	CreatedAt time.Time
}

// ListRecentMessages returns the newest messages with their owning user,
// paged by limit and offset
func (s *Store) ListRecentMessages(ctx context.Context, limit, offset int) ([]MessageLogEntry, error) {
	var entries []MessageLogEntry
	err := s.db.WithContext(ctx).Model(&Message{}).
		Select("messages.id, messages.session_id, sessions.user_id, messages.type, messages.from_role, messages.content, messages.created_at").
		Joins("JOIN sessions ON messages.session_id = sessions.id").
		Order("messages.created_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return entries, nil
}

// ListRecentSessions returns sessions by most recent activity, paged by limit
// and offset
func (s *Store) ListRecentSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Order("last_active DESC").
		Limit(limit).
		Offset(offset).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent sessions: %w", err)
	}
	return sessions, nil
}

// SessionWithUser is a session joined with its owner, one row of the admin
// all-sessions view
type SessionWithUser struct {
	ID         string
	Name       string
	Status     string
	LastActive time.Time
	CreatedAt  time.Time
	UserID     string
	UserEmail  string
	UserName   string
}

// ListSessionsWithUsers returns every session with its owner's email and
// name, most recently active first
func (s *Store) ListSessionsWithUsers(ctx context.Context) ([]SessionWithUser, error) {
	var rows []SessionWithUser
	err := s.db.WithContext(ctx).Model(&Session{}).
		Select("sessions.id, sessions.name, sessions.status, sessions.last_active, sessions.created_at, sessions.user_id, users.email AS user_email, users.name AS user_name").
		Joins("JOIN users ON sessions.user_id = users.id").
		Order("sessions.last_active DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions with users: %w", err)
	}
	return rows, nil
}

// CountMessages returns the total number of messages
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Message{}).Count(&count).Error
	return count, err
}

// CountMessagesSince returns the number of messages created at or after since
func (s *Store) CountMessagesSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("created_at >= ?", since).
		Count(&count).Error
	return count, err
}

// CountMessagesBetween returns the number of messages created in [from, to)
func (s *Store) CountMessagesBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("created_at >= ? AND created_at < ?", from, to).
		Count(&count).Error
	return count, err
}

// --- Metric snapshots ---

// InsertSnapshot appends one monitor data point
func (s *Store) InsertSnapshot(ctx context.Context, snapshot *MetricSnapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Create(snapshot).Error
	})
}

// LatestSnapshotBetween returns the newest snapshot in [from, to), or nil
func (s *Store) LatestSnapshotBetween(ctx context.Context, from, to time.Time) (*MetricSnapshot, error) {
	var snapshot MetricSnapshot
	err := s.db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ?", from, to).
		Order("timestamp DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// LatestSnapshotBefore returns the newest snapshot older than t, or nil
func (s *Store) LatestSnapshotBefore(ctx context.Context, t time.Time) (*MetricSnapshot, error) {
	var snapshot MetricSnapshot
	err := s.db.WithContext(ctx).
		Where("timestamp < ?", t).
		Order("timestamp DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// PruneSnapshotsBefore deletes snapshots older than the cutoff
func (s *Store) PruneSnapshotsBefore(ctx context.Context, cutoff time.Time) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).
			Delete(&MetricSnapshot{}, "timestamp < ?", cutoff).Error
	})
}

// ListSnapshotsSince returns snapshots from since onward, oldest first
func (s *Store) ListSnapshotsSince(ctx context.Context, since time.Time) ([]MetricSnapshot, error) {
	var snapshots []MetricSnapshot
	err := s.db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp ASC").
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snapshots, nil
}

// maxRetries bounds the SQLITE_BUSY retry loop
const maxRetries = 5

// withRetry retries operations on SQLITE_BUSY with exponential backoff
func withRetry(fn func() error) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		// Check if it's a busy error
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}

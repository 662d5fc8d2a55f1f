package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/hearthly/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	logger    *slog.Logger
	profileMu sync.Mutex // Serializes quota writes to prevent SQLITE_BUSY on the profile row
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: slog.Default()}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// SetLogger replaces the logger used for retry and row diagnostics.
func (s *SQLiteStore) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		remaining_sessions INTEGER NOT NULL,
		subscription_level TEXT NOT NULL DEFAULT 'free',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		completed INTEGER NOT NULL DEFAULT 0,
		session_summary TEXT,
		charged INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_open ON chat_sessions(started_at) WHERE ended_at IS NULL;

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		message TEXT NOT NULL,
		audio_url TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Databases created before charges were tracked per session lack the column.
	if _, err := s.db.Exec(`ALTER TABLE chat_sessions ADD COLUMN charged INTEGER NOT NULL DEFAULT 0`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return fmt.Errorf("add charged column: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	query := `
		SELECT user_id, email, remaining_sessions, subscription_level, created_at, updated_at
		FROM user_profiles WHERE user_id = ?`

	var p domain.UserProfile
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.Email, &p.RemainingSessions, &p.SubscriptionLevel, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}

	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// UpsertProfile creates a profile or updates its descriptive fields.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.UserProfile) error {
	query := `
	INSERT INTO user_profiles (user_id, email, remaining_sessions, subscription_level, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		email = excluded.email,
		subscription_level = excluded.subscription_level,
		updated_at = excluded.updated_at`

	level := p.SubscriptionLevel
	if level == "" {
		level = domain.SubscriptionFree
	}
	now := time.Now()
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		p.UserID, p.Email, p.RemainingSessions, level,
		createdAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// SetRemainingSessions overwrites the remaining session count.
func (s *SQLiteStore) SetRemainingSessions(ctx context.Context, userID string, remaining int) error {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()

	query := `
	INSERT INTO user_profiles (user_id, remaining_sessions, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		remaining_sessions = excluded.remaining_sessions,
		updated_at = excluded.updated_at`

	now := time.Now().UnixMilli()
	return withBusyRetry(ctx, s.logger, "set remaining sessions", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, remaining, now, now)
		return err
	})
}

// ChargeChatSession consumes one of the owner's sessions on behalf of
// sessionID. The charge is stored on the session record in the same
// transaction as the decrement, so a session is charged at most once: later
// calls report charged=false with the current count. A session whose record
// was never written is backfilled as an open, charged record. A missing
// profile is created with seed.
func (s *SQLiteStore) ChargeChatSession(ctx context.Context, sessionID, userID string, seed int) (int, bool, error) {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()

	if seed < 0 {
		seed = 0
	}

	var remaining int
	var charged bool
	err := withBusyRetry(ctx, s.logger, "charge chat session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		result, err := tx.ExecContext(ctx, `
			INSERT INTO chat_sessions (id, user_id, started_at, charged)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(id) DO UPDATE SET charged = 1
			WHERE chat_sessions.charged = 0`,
			sessionID, userID, now)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		charged = rows > 0

		if charged {
			if err := decrementTx(ctx, tx, userID, seed, now); err != nil {
				return err
			}
		}

		err = tx.QueryRowContext(ctx,
			`SELECT remaining_sessions FROM user_profiles WHERE user_id = ?`, userID,
		).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			remaining, err = seed+1, nil
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, charged, nil
}

// decrementTx lowers the remaining count by one, floored at 0. A missing
// profile is created holding seed.
func decrementTx(ctx context.Context, tx *sql.Tx, userID string, seed int, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, remaining_sessions, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			remaining_sessions = MAX(user_profiles.remaining_sessions - 1, 0),
			updated_at = excluded.updated_at`,
		userID, seed, now, now)
	return err
}

// CreateChatSession inserts a new session record.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, cs *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (id, user_id, started_at, ended_at, completed, session_summary, charged)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var endedAt interface{}
	if cs.EndedAt != nil {
		endedAt = cs.EndedAt.UnixMilli()
	}
	var summary interface{}
	if cs.Summary != nil {
		summary = *cs.Summary
	}

	_, err := s.db.ExecContext(ctx, query,
		cs.ID, cs.UserID, cs.StartedAt.UnixMilli(), endedAt, cs.Completed, summary, cs.Charged,
	)
	if err != nil {
		return fmt.Errorf("create chat session: %w", err)
	}
	return nil
}

const chatSessionColumns = `id, user_id, started_at, ended_at, completed, session_summary, charged`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChatSession(row rowScanner) (*domain.ChatSession, error) {
	var cs domain.ChatSession
	var startedAt int64
	var endedAt sql.NullInt64
	var summary sql.NullString

	if err := row.Scan(&cs.ID, &cs.UserID, &startedAt, &endedAt, &cs.Completed, &summary, &cs.Charged); err != nil {
		return nil, err
	}

	cs.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		ts := time.UnixMilli(endedAt.Int64)
		cs.EndedAt = &ts
	}
	if summary.Valid {
		cs.Summary = &summary.String
	}
	return &cs, nil
}

// GetChatSession retrieves a session by ID.
func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatSessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	cs, err := scanChatSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat session: %w", err)
	}
	return cs, nil
}

// GetOpenChatSession returns the newest open session of a user.
func (s *SQLiteStore) GetOpenChatSession(ctx context.Context, userID string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions
		WHERE user_id = ? AND ended_at IS NULL
		ORDER BY started_at DESC, id DESC LIMIT 1`, userID)
	cs, err := scanChatSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan open chat session: %w", err)
	}
	return cs, nil
}

// EndChatSession marks a session as ended if it is still open.
func (s *SQLiteStore) EndChatSession(ctx context.Context, id string, endedAt time.Time, completed bool, summary *string) (bool, error) {
	query := `
	UPDATE chat_sessions SET ended_at = ?, completed = ?, session_summary = ?
	WHERE id = ? AND ended_at IS NULL`

	var summaryArg interface{}
	if summary != nil {
		summaryArg = *summary
	}

	var rows int64
	err := withBusyRetry(ctx, s.logger, "end chat session", func() error {
		result, err := s.db.ExecContext(ctx, query, endedAt.UnixMilli(), completed, summaryArg, id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	if rows == 0 {
		s.logger.Debug("EndChatSession affected 0 rows", "session_id", id)
	}
	return rows > 0, nil
}

// ListChatSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListChatSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions
		WHERE user_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat sessions: %w", err)
	}
	return s.collectChatSessions(rows)
}

// ListOpenChatSessions returns open sessions started before the given time.
func (s *SQLiteStore) ListOpenChatSessions(ctx context.Context, startedBefore time.Time) ([]*domain.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatSessionColumns+` FROM chat_sessions
		WHERE ended_at IS NULL AND started_at < ? ORDER BY started_at`, startedBefore.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query open chat sessions: %w", err)
	}
	return s.collectChatSessions(rows)
}

func (s *SQLiteStore) collectChatSessions(rows *sql.Rows) ([]*domain.ChatSession, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close chat session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		cs, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat session row: %w", err)
		}
		sessions = append(sessions, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return sessions, nil
}

// AddChatMessage appends a message to a session's log.
func (s *SQLiteStore) AddChatMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var audioRef interface{}
	if msg.AudioRef != nil {
		audioRef = *msg.AudioRef
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, sender, message, audio_url, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Sender), msg.Text, audioRef, msg.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("add chat message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("chat message id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListChatMessages returns a session's messages in insertion order.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sender, message, audio_url, created_at
		FROM chat_messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close chat message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var sender string
		var audioRef sql.NullString
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &audioRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		if audioRef.Valid {
			m.AudioRef = &audioRef.String
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

var _ Repository = (*SQLiteStore)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
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

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		user_agent TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		sender TEXT NOT NULL,
		confidence REAL,
		related_topics TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessages stores msgs in one transaction and bumps the conversation.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID, userAgent string, msgs ...domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.withWriteRetry(ctx, "append messages", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (session_id, user_agent, message_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				message_count = message_count + excluded.message_count,
				updated_at = excluded.updated_at`,
			sessionID, userAgent, len(msgs), now, now,
		)
		if err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}

		for _, m := range msgs {
			var topics sql.NullString
			if len(m.RelatedTopics) > 0 {
				raw, err := json.Marshal(m.RelatedTopics)
				if err != nil {
					return fmt.Errorf("encode related topics: %w", err)
				}
				topics = sql.NullString{String: string(raw), Valid: true}
			}
			var confidence sql.NullFloat64
			if m.Confidence != nil {
				confidence = sql.NullFloat64{Float64: *m.Confidence, Valid: true}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO messages (id, session_id, content, sender, confidence, related_topics, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				m.ID, sessionID, m.Content, string(m.Sender), confidence, topics, m.Timestamp.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("insert message %s: %w", m.ID, err)
			}
		}

		return tx.Commit()
	})
}

// ListMessages returns one page of a session's messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, page, limit int) ([]domain.ChatMessage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, sender, confidence, related_topics, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?`,
		sessionID, limit, (page-1)*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []domain.ChatMessage{}
	for rows.Next() {
		var (
			m          domain.ChatMessage
			sender     string
			confidence sql.NullFloat64
			topics     sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&m.ID, &m.Content, &sender, &confidence, &topics, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Sender = domain.Sender(sender)
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		m.Status = domain.StatusDelivered
		if confidence.Valid {
			v := confidence.Float64
			m.Confidence = &v
		}
		if topics.Valid {
			if err := json.Unmarshal([]byte(topics.String), &m.RelatedTopics); err != nil {
				slog.Debug("Ignoring malformed related topics", "message_id", m.ID, "error", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// GetConversation returns the conversation summary, or nil if unknown.
func (s *SQLiteStore) GetConversation(ctx context.Context, sessionID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_agent, message_count, created_at, updated_at
		FROM conversations WHERE session_id = ?`, sessionID)

	var c Conversation
	var createdAt, updatedAt int64
	err := row.Scan(&c.SessionID, &c.UserAgent, &c.MessageCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &c, nil
}

// CleanupExpiredConversations removes conversations idle for longer than ttl
// together with their messages.
func (s *SQLiteStore) CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()
	var deleted int64

	err := s.withWriteRetry(ctx, "cleanup conversations", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM messages WHERE session_id IN (
				SELECT session_id FROM conversations WHERE updated_at < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("delete expired messages: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete expired conversations: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("count deleted conversations: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// withWriteRetry runs fn under the write lock, retrying SQLite lock
// conflicts with exponential backoff: 50ms, 100ms.
func (s *SQLiteStore) withWriteRetry(ctx context.Context, op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var err error
	for i := 0; i < writeRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Repository = (*SQLiteStore)(nil)

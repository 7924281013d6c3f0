// Package store provides persistence for the development chat API.
package store

import (
	"context"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
)

// Conversation summarizes one visitor session known to the server.
type Conversation struct {
	SessionID    string
	UserAgent    string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository defines the interface for persisting conversations.
type Repository interface {
	// AppendMessages stores messages for a session, creating the conversation on first use.
	AppendMessages(ctx context.Context, sessionID, userAgent string, msgs ...domain.ChatMessage) error

	// ListMessages returns one page of a session's messages, oldest first.
	// page starts at 1.
	ListMessages(ctx context.Context, sessionID string, page, limit int) ([]domain.ChatMessage, error)

	// GetConversation returns the conversation summary, or nil if unknown.
	GetConversation(ctx context.Context, sessionID string) (*Conversation, error)

	// CleanupExpiredConversations removes conversations idle for longer than ttl.
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Package domain contains the core chat types shared by the client and the dev server.
package domain

import (
	"time"
)

// SessionExpiry is the inactivity window after which a chat session is discarded.
const SessionExpiry = 30 * time.Minute

// SessionMetadata is captured once when a session is created and never changes.
type SessionMetadata struct {
	UserAgent string `json:"userAgent"`
	Referrer  string `json:"referrer"`
	Location  string `json:"location"`
}

// ChatSession identifies a single visitor conversation.
type ChatSession struct {
	ID           string
	IsActive     bool
	StartedAt    time.Time
	LastActivity time.Time
	MessageCount int
	Metadata     SessionMetadata
}

// SessionUpdate carries the fields accepted by a partial session update.
// Nil fields are left untouched.
type SessionUpdate struct {
	IsActive     *bool
	MessageCount *int
}

// Clone returns a copy that can be mutated without affecting s.
func (s *ChatSession) Clone() *ChatSession {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Apply merges u into s.
func (s *ChatSession) Apply(u SessionUpdate) {
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.MessageCount != nil {
		s.MessageCount = *u.MessageCount
	}
}

// ValidAt reports whether the session is still inside its activity window at now.
func (s *ChatSession) ValidAt(now time.Time) bool {
	if s == nil {
		return false
	}
	return now.Sub(s.LastActivity) < SessionExpiry
}

// ExpiresIn returns the time left before the session expires.
// Returns 0 if the session has already expired.
func (s *ChatSession) ExpiresIn(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	ttl := s.LastActivity.Add(SessionExpiry).Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

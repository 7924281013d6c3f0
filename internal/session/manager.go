// Package session manages the visitor's chat session in durable client storage.
//
// Storage is treated as a best-effort cache: every read or write failure is
// logged and the manager keeps working from its in-memory copy.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/storage"
	"github.com/lithammer/shortuuid/v4"
)

const (
	// StorageKey is the fixed key holding the persisted session.
	StorageKey = "christ_community_chat_session"

	// DefaultEndGrace is how long EndSession waits before clearing storage.
	DefaultEndGrace = 1 * time.Second
)

// Manager creates, persists and expires chat sessions.
type Manager struct {
	storage  storage.Storage
	env      domain.SessionMetadata
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	endGrace time.Duration

	mu       sync.Mutex
	current  *domain.ChatSession
	degraded bool
	pending  map[string]*time.Timer // session ID -> scheduled clear
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEnvironment sets the metadata captured into new sessions.
func WithEnvironment(env domain.SessionMetadata) Option {
	return func(m *Manager) { m.env = env }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithEndGrace sets the delay between EndSession and the storage clear.
func WithEndGrace(d time.Duration) Option {
	return func(m *Manager) { m.endGrace = d }
}

// NewManager creates a session manager backed by s. A nil s runs in-memory only.
func NewManager(s storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		storage:  s,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    func() string { return "session_" + shortuuid.New() },
		endGrace: DefaultEndGrace,
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.storage == nil {
		m.degraded = true
	}
	return m
}

// GetOrCreateSession returns the persisted session if it is still valid,
// with its last activity refreshed. Otherwise a new session is created.
// The in-memory copy wins over storage once writes have failed or when it
// saw more recent activity, so a stale stored blob never ends a live session.
func (m *Manager) GetOrCreateSession(ctx context.Context) *domain.ChatSession {
	candidate := m.GetStoredSession(ctx)
	if mem := m.inMemory(); mem != nil {
		if candidate == nil || m.Degraded() || mem.LastActivity.After(candidate.LastActivity) {
			candidate = mem
		}
	}

	if candidate != nil && candidate.IsActive && m.IsSessionValid(candidate) {
		candidate.LastActivity = m.now()
		m.SaveSession(ctx, candidate)
		m.logger.Debug("Reusing chat session", "session_id", candidate.ID)
		return candidate
	}

	if candidate != nil {
		m.logger.Info("Chat session expired, starting a new one", "expired_session_id", candidate.ID)
	}

	s := m.newSession()
	m.SaveSession(ctx, s)
	m.logger.Info("Chat session created", "session_id", s.ID)
	return s
}

// UpdateSession merges u into s, stamps last activity, persists and returns the result.
// s is not modified.
func (m *Manager) UpdateSession(ctx context.Context, s *domain.ChatSession, u domain.SessionUpdate) *domain.ChatSession {
	if s == nil {
		s = m.GetOrCreateSession(ctx)
	}
	merged := s.Clone()
	merged.Apply(u)
	merged.LastActivity = m.now()
	m.SaveSession(ctx, merged)
	return merged
}

// IsSessionValid reports whether s is inside its 30 minute activity window.
func (m *Manager) IsSessionValid(s *domain.ChatSession) bool {
	return s.ValidAt(m.now())
}

// EndSession marks s inactive, persists it, and clears storage after the grace delay.
func (m *Manager) EndSession(ctx context.Context, s *domain.ChatSession) {
	if s == nil {
		return
	}
	ended := s.Clone()
	ended.IsActive = false
	m.SaveSession(ctx, ended)
	m.logger.Info("Chat session ended", "session_id", ended.ID, "message_count", ended.MessageCount)

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pending[ended.ID]; ok {
		t.Stop()
	}
	id := ended.ID
	m.pending[id] = time.AfterFunc(m.endGrace, func() {
		m.clearEnded(context.Background(), id)
	})
}

// Close runs any pending end-of-session clears immediately.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id, t := range m.pending {
		if t.Stop() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.clearEnded(context.Background(), id)
	}
}

// Degraded reports whether the manager has fallen back to in-memory operation.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// clearEnded removes the stored session if it is still the one that was ended.
// A session created during the grace period is left alone.
func (m *Manager) clearEnded(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.pending, id)
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
	m.mu.Unlock()

	stored := m.GetStoredSession(ctx)
	if stored != nil && stored.ID != id {
		return
	}
	if m.storage == nil {
		return
	}
	if err := m.storage.RemoveItem(ctx, StorageKey); err != nil {
		m.markDegraded()
		m.logger.Warn("Failed to clear chat session storage", "session_id", id, "error", err)
	}
}

func (m *Manager) newSession() *domain.ChatSession {
	now := m.now()
	return &domain.ChatSession{
		ID:           m.newID(),
		IsActive:     true,
		StartedAt:    now,
		LastActivity: now,
		MessageCount: 0,
		Metadata:     m.env,
	}
}

func (m *Manager) inMemory() *domain.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

func (m *Manager) markDegraded() {
	m.mu.Lock()
	m.degraded = true
	m.mu.Unlock()
}

// storedSession is the JSON blob kept under StorageKey.
type storedSession struct {
	SessionID    string               `json:"sessionId"`
	Messages     []domain.ChatMessage `json:"messages"`
	LastActivity time.Time            `json:"lastActivity"`
	Metadata     storedMetadata       `json:"metadata"`
	IsActive     *bool                `json:"isActive,omitempty"`
}

type storedMetadata struct {
	UserAgent    string    `json:"userAgent"`
	Referrer     string    `json:"referrer"`
	Location     string    `json:"location"`
	MessageCount int       `json:"messageCount"`
	StartedAt    time.Time `json:"startedAt"`
}

// SaveSession persists s. Failures are logged and never returned.
func (m *Manager) SaveSession(ctx context.Context, s *domain.ChatSession) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.current = s.Clone()
	m.mu.Unlock()

	if m.storage == nil {
		return
	}

	active := s.IsActive
	data, err := json.Marshal(storedSession{
		SessionID: s.ID,
		// Messages are never cached locally; history comes from the chat API.
		Messages:     []domain.ChatMessage{},
		LastActivity: s.LastActivity,
		Metadata: storedMetadata{
			UserAgent:    s.Metadata.UserAgent,
			Referrer:     s.Metadata.Referrer,
			Location:     s.Metadata.Location,
			MessageCount: s.MessageCount,
			StartedAt:    s.StartedAt,
		},
		IsActive: &active,
	})
	if err != nil {
		m.logger.Warn("Failed to encode chat session", "session_id", s.ID, "error", err)
		return
	}

	if err := m.storage.SetItem(ctx, StorageKey, string(data)); err != nil {
		m.markDegraded()
		m.logger.Warn("Failed to persist chat session, continuing in memory", "session_id", s.ID, "error", err)
	}
}

// GetStoredSession loads the persisted session. It returns nil when nothing
// usable is stored or storage cannot be read.
func (m *Manager) GetStoredSession(ctx context.Context) *domain.ChatSession {
	if m.storage == nil {
		return nil
	}
	raw, ok, err := m.storage.GetItem(ctx, StorageKey)
	if err != nil {
		m.markDegraded()
		m.logger.Warn("Failed to read chat session storage", "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var stored storedSession
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		m.logger.Debug("Ignoring unreadable chat session", "error", err)
		return nil
	}
	if stored.SessionID == "" {
		return nil
	}

	active := true
	if stored.IsActive != nil {
		active = *stored.IsActive
	}
	return &domain.ChatSession{
		ID:           stored.SessionID,
		IsActive:     active,
		StartedAt:    stored.Metadata.StartedAt,
		LastActivity: stored.LastActivity,
		MessageCount: stored.Metadata.MessageCount,
		Metadata: domain.SessionMetadata{
			UserAgent: stored.Metadata.UserAgent,
			Referrer:  stored.Metadata.Referrer,
			Location:  stored.Metadata.Location,
		},
	}
}

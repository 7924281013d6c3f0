package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/transport"
	"github.com/google/uuid"
)

const (
	// DefaultHeartbeatInterval is how often the session is persisted while the chat is open.
	DefaultHeartbeatInterval = 30 * time.Second

	defaultHistoryLimit = 50

	// DefaultWelcomeMessage greets visitors starting a new session.
	DefaultWelcomeMessage = "Welcome to Christ Community! How can we help you today? " +
		"Ask about service times, directions, ministries or how to get involved."
)

// Transport delivers messages to the chat API.
type Transport interface {
	SendMessage(ctx context.Context, payload transport.MessagePayload) (*transport.MessageResponse, error)
	LoadConversationHistory(ctx context.Context, sessionID string, page, limit int) ([]domain.ChatMessage, error)
	CancelRequests()
}

// SessionManager provides and persists the visitor session.
type SessionManager interface {
	GetOrCreateSession(ctx context.Context) *domain.ChatSession
	UpdateSession(ctx context.Context, s *domain.ChatSession, u domain.SessionUpdate) *domain.ChatSession
}

// Controller runs the side effects behind user actions and records their
// outcome in the Store. It never returns transport errors; failures end up
// in State.Error and in the status of the affected message.
type Controller struct {
	store     *Store
	transport Transport
	sessions  SessionManager
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	heartbeatInterval time.Duration
	historyLimit      int
	welcome           string

	mu            sync.Mutex
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}
	closed        bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerLogger sets the logger.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithControllerClock overrides time.Now.
func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMessageIDGenerator overrides message id generation.
func WithMessageIDGenerator(gen func() string) ControllerOption {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// WithHeartbeatInterval sets how often StartHeartbeat persists the session.
func WithHeartbeatInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithHistoryLimit sets the page size used by LoadHistory.
func WithHistoryLimit(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithWelcomeMessage sets the greeting added to new sessions. Empty disables it.
func WithWelcomeMessage(text string) ControllerOption {
	return func(c *Controller) {
		c.welcome = text
	}
}

// NewController wires a controller to its store and collaborators.
func NewController(store *Store, t Transport, sessions SessionManager, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:             store,
		transport:         t,
		sessions:          sessions,
		logger:            slog.Default(),
		now:               time.Now,
		newID:             func() string { return "msg_" + uuid.NewString() },
		heartbeatInterval: DefaultHeartbeatInterval,
		historyLimit:      defaultHistoryLimit,
		welcome:           DefaultWelcomeMessage,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize obtains the visitor session and seeds the transcript: a welcome
// message for a new conversation, otherwise the first history page.
func (c *Controller) Initialize(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		c.store.Dispatch(SetError{Err: domain.NewChatError(domain.CodeInitFailed, "chat initialization canceled", true, err)})
		return
	}

	session := c.sessions.GetOrCreateSession(ctx)
	if session == nil {
		c.logger.Error("Failed to initialize chat session")
		c.store.Dispatch(SetError{Err: domain.NewChatError(domain.CodeInitFailed, "could not start a chat session", true, nil)})
		return
	}

	c.store.Dispatch(InitializeSession{Session: session})
	c.logger.Info("Chat session initialized",
		"session_id", session.ID,
		"message_count", session.MessageCount,
	)

	if session.MessageCount == 0 {
		if c.welcome != "" {
			c.store.Dispatch(AddMessage{Message: domain.ChatMessage{
				ID:        c.newID(),
				Content:   c.welcome,
				Sender:    domain.SenderBot,
				Timestamp: c.now(),
				Status:    domain.StatusDelivered,
			}})
		}
		return
	}
	c.LoadHistory(ctx, 1)
}

// SendMessage submits content as a new user message and returns its id.
// Blank content is ignored and yields "".
func (c *Controller) SendMessage(ctx context.Context, content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}

	if c.store.Snapshot().Session == nil {
		c.Initialize(ctx)
	}
	session := c.store.Snapshot().Session
	if session == nil {
		return ""
	}

	id := c.newID()
	sentAt := c.now()
	c.store.Dispatch(AddMessage{Message: domain.ChatMessage{
		ID:        id,
		Content:   content,
		Sender:    domain.SenderUser,
		Timestamp: sentAt,
		Status:    domain.StatusSending,
	}})
	c.store.Dispatch(SetLoading{Loading: true})
	c.store.Dispatch(SetTyping{Typing: true})
	c.store.Dispatch(UpdateMessage{ID: id, Patch: domain.StatusPatch(domain.StatusSent)})

	resp, err := c.transport.SendMessage(ctx, transport.MessagePayload{
		Message:   content,
		SessionID: session.ID,
	})
	c.store.Dispatch(SetTyping{Typing: false})

	if err != nil {
		c.handleSendFailure(id, session.ID, err)
		return id
	}

	replyID := resp.MessageID
	if replyID == "" {
		replyID = c.newID()
	}
	// A reply stamped before the question (clock skew) is pinned to it so it
	// still renders after the user message.
	replyAt := resp.Time(c.now())
	if replyAt.Before(sentAt) {
		replyAt = sentAt
	}

	c.store.Dispatch(AddMessage{Message: domain.ChatMessage{
		ID:            replyID,
		Content:       resp.Response,
		Sender:        domain.SenderBot,
		Timestamp:     replyAt,
		Status:        domain.StatusDelivered,
		Confidence:    resp.Confidence,
		RelatedTopics: resp.RelatedTopics,
	}})
	c.store.Dispatch(UpdateMessage{ID: id, Patch: domain.StatusPatch(domain.StatusDelivered)})
	c.store.Dispatch(SetConnected{Connected: true})
	c.store.Dispatch(SetError{Err: nil})

	c.persistSession(ctx)
	return id
}

func (c *Controller) handleSendFailure(id, sessionID string, err error) {
	c.store.Dispatch(UpdateMessage{ID: id, Patch: domain.StatusPatch(domain.StatusFailed)})

	network := transport.IsNetworkError(err)
	if network {
		c.store.Dispatch(SetConnected{Connected: false})
	}

	retryable := true
	code := ""
	message := err.Error()
	if ce, ok := domain.AsChatError(err); ok {
		retryable = ce.Retryable
		code = string(ce.Code)
		message = ce.Message
	}

	chatErr := domain.NewChatError(domain.CodeMessageSendFailed, message, retryable, err)
	chatErr.Details = map[string]any{
		"code":      code,
		"messageId": id,
		"network":   network,
	}
	c.store.Dispatch(SetError{Err: chatErr})

	c.logger.Warn("Chat message failed",
		"session_id", sessionID,
		"message_id", id,
		"code", code,
		"retryable", retryable,
		"network", network,
		"error", err,
	)
}

// RetryMessage resends a failed user message as a new message and returns
// the new id. The failed message stays in the transcript.
func (c *Controller) RetryMessage(ctx context.Context, id string) string {
	msg, ok := c.store.Snapshot().FindMessage(id)
	if !ok || msg.Sender != domain.SenderUser || msg.Status != domain.StatusFailed {
		c.logger.Debug("Ignoring retry for message that has not failed", "message_id", id)
		return ""
	}
	return c.SendMessage(ctx, msg.Content)
}

// LoadHistory merges one page of the remote conversation history into the transcript.
func (c *Controller) LoadHistory(ctx context.Context, page int) {
	session := c.store.Snapshot().Session
	if session == nil {
		return
	}

	c.store.Dispatch(SetLoading{Loading: true})
	msgs, err := c.transport.LoadConversationHistory(ctx, session.ID, page, c.historyLimit)
	if err != nil {
		retryable := true
		if ce, ok := domain.AsChatError(err); ok {
			retryable = ce.Retryable
		}
		c.store.Dispatch(SetError{Err: domain.NewChatError(domain.CodeHistoryLoadFailed, "could not load earlier messages", retryable, err)})
		c.logger.Warn("Chat history unavailable", "session_id", session.ID, "page", page, "error", err)
		return
	}

	c.store.Dispatch(LoadHistory{Messages: msgs})
	c.store.Dispatch(SetLoading{Loading: false})
}

// Minimize collapses or expands the chat.
func (c *Controller) Minimize(minimized bool) {
	c.store.Dispatch(MinimizeChat{Minimized: minimized})
}

// MarkAsRead clears the unread counter.
func (c *Controller) MarkAsRead() {
	c.store.Dispatch(MarkAsRead{})
}

// ClearMessages empties the transcript but keeps the session.
func (c *Controller) ClearMessages() {
	c.store.Dispatch(ClearMessages{})
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	return c.store.Snapshot()
}

// Subscribe registers l for state changes.
func (c *Controller) Subscribe(l Listener) func() {
	return c.store.Subscribe(l)
}

// StartHeartbeat persists the session every heartbeat interval until ctx is
// done or Close is called. Calling it again while running has no effect.
func (c *Controller) StartHeartbeat(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stopHeartbeat != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stopHeartbeat = cancel
	c.heartbeatDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.persistSession(ctx)
			}
		}
	}()
}

// Close stops the heartbeat and aborts in-flight requests.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop, done := c.stopHeartbeat, c.heartbeatDone
	c.stopHeartbeat, c.heartbeatDone = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	c.transport.CancelRequests()
}

func (c *Controller) persistSession(ctx context.Context) {
	session := c.store.Snapshot().Session
	if session == nil {
		return
	}
	count := session.MessageCount
	c.sessions.UpdateSession(ctx, session, domain.SessionUpdate{MessageCount: &count})
}

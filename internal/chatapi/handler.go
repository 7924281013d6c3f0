// Package chatapi implements the development chat API that the chat client talks to.
package chatapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/christ-community/landing-page-sub000/internal/bot"
	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/middleware"
	"github.com/christ-community/landing-page-sub000/internal/store"
	"github.com/christ-community/landing-page-sub000/internal/transcript"
	"github.com/christ-community/landing-page-sub000/internal/transport"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	// maxRequestBodySize is the maximum allowed request body size (64KB).
	maxRequestBodySize = 64 << 10

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// contextWindow is how many stored messages are handed to the bot.
	contextWindow = 50
)

// Handler serves the chat API routes.
type Handler struct {
	bot              *bot.Service
	repo             store.Repository
	limiter          *RateLimiter
	maxMessageLength int
	transcript       transcript.Logger
	now              func() time.Time
}

// NewHandler creates a handler. limiter may be nil to disable rate limiting.
func NewHandler(svc *bot.Service, repo store.Repository, limiter *RateLimiter, maxMessageLength int) *Handler {
	if maxMessageLength <= 0 {
		maxMessageLength = 1000
	}
	return &Handler{
		bot:              svc,
		repo:             repo,
		limiter:          limiter,
		maxMessageLength: maxMessageLength,
		transcript:       transcript.Noop(),
		now:              time.Now,
	}
}

// SetTranscriptLogger records every answered turn to l.
func (h *Handler) SetTranscriptLogger(l transcript.Logger) {
	if l != nil {
		h.transcript = l
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/Chatbot", func(r chi.Router) {
		r.Post("/message", h.HandleMessage)
		r.Get("/conversation/{sessionId}", h.HandleConversation)
		r.Get("/knowledge", h.HandleKnowledge)
	})
	r.Get("/api/health", h.HandleHealth)
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Data writes a successful envelope.
func Data(w http.ResponseWriter, v any) {
	JSON(w, http.StatusOK, envelope{Success: true, Data: v})
}

// Error writes a failed envelope.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, envelope{Success: false, Error: &apiError{Code: code, Message: message}})
}

// HandleMessage handles POST /api/Chatbot/message.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(middleware.IPFromRequest(r)) {
		w.Header().Set("Retry-After", "60")
		Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req transport.MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required")
		return
	}
	if req.SessionID == "" {
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	if utf8.RuneCountInString(req.Message) > h.maxMessageLength {
		Error(w, http.StatusUnprocessableEntity, "MESSAGE_TOO_LONG",
			"message exceeds "+strconv.Itoa(h.maxMessageLength)+" characters")
		return
	}

	ctx := r.Context()
	requestID := middleware.RequestIDFromContext(ctx)

	history, err := h.repo.ListMessages(ctx, req.SessionID, 1, contextWindow)
	if err != nil {
		slog.Warn("Failed to load conversation context", "session_id", req.SessionID, "request_id", requestID, "error", err)
		history = nil
	}

	reply, err := h.bot.Respond(ctx, bot.Request{SessionID: req.SessionID, Message: req.Message, History: history})
	if err != nil {
		slog.Warn("Bot failed to respond", "session_id", req.SessionID, "request_id", requestID, "error", err)
		Error(w, http.StatusServiceUnavailable, "BOT_UNAVAILABLE", "the assistant is unavailable")
		return
	}

	receivedAt := h.now().UTC()
	userAgent := req.Context.UserAgent
	if userAgent == "" {
		userAgent = r.UserAgent()
	}
	userMsg := domain.ChatMessage{
		ID:        "msg_" + uuid.NewString(),
		Content:   req.Message,
		Sender:    domain.SenderUser,
		Timestamp: receivedAt,
	}
	botMsg := domain.ChatMessage{
		ID:            "msg_" + uuid.NewString(),
		Content:       reply.Text,
		Sender:        domain.SenderBot,
		Timestamp:     receivedAt,
		Confidence:    &reply.Confidence,
		RelatedTopics: reply.RelatedTopics,
	}
	if err := h.repo.AppendMessages(ctx, req.SessionID, userAgent, userMsg, botMsg); err != nil {
		slog.Warn("Failed to store conversation turn", "session_id", req.SessionID, "request_id", requestID, "error", err)
	}
	h.transcript.Log(transcript.Event{
		Timestamp: receivedAt,
		SessionID: req.SessionID,
		RequestID: requestID,
		Direction: "inbound",
		Sender:    string(domain.SenderUser),
		Content:   req.Message,
	})
	h.transcript.Log(transcript.Event{
		Timestamp:  receivedAt,
		SessionID:  req.SessionID,
		RequestID:  requestID,
		Direction:  "outbound",
		Sender:     string(domain.SenderBot),
		Content:    reply.Text,
		Confidence: botMsg.Confidence,
		Source:     reply.Source,
	})

	slog.Info("Chat message answered",
		"session_id", req.SessionID,
		"request_id", requestID,
		"source", reply.Source,
		"confidence", reply.Confidence,
	)

	Data(w, transport.MessageResponse{
		Response:      reply.Text,
		Confidence:    &reply.Confidence,
		RelatedTopics: reply.RelatedTopics,
		Timestamp:     receivedAt.Format(time.RFC3339Nano),
		MessageID:     botMsg.ID,
	})
}

// HandleConversation handles GET /api/Chatbot/conversation/{sessionId}.
func (h *Handler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 {
		Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
		return
	}
	limit = min(limit, maxHistoryLimit)

	msgs, err := h.repo.ListMessages(r.Context(), sessionID, page, limit)
	if err != nil {
		slog.Error("Failed to list conversation", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "HISTORY_UNAVAILABLE", "failed to load conversation")
		return
	}

	out := transport.HistoryResponse{Messages: make([]transport.HistoryMessage, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, transport.HistoryMessage{
			ID:         m.ID,
			Content:    m.Content,
			Sender:     string(m.Sender),
			Timestamp:  m.Timestamp.UTC().Format(time.RFC3339Nano),
			Confidence: m.Confidence,
		})
	}
	Data(w, out)
}

// HandleKnowledge handles GET /api/Chatbot/knowledge.
func (h *Handler) HandleKnowledge(w http.ResponseWriter, r *http.Request) {
	Data(w, h.bot.Knowledge())
}

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Warn("Health check: database unreachable", "error", err)
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]any{
		"status":   overall,
		"database": dbStatus,
		"bot":      h.bot.GetStats(),
		"time":     h.now().UTC().Format(time.RFC3339),
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

package transport

import (
	"encoding/json"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
)

// MessagePayload is what the controller hands to SendMessage.
type MessagePayload struct {
	Message   string
	SessionID string
}

// MessageRequest is the JSON body of POST /api/Chatbot/message.
type MessageRequest struct {
	Message   string         `json:"message"`
	SessionID string         `json:"sessionId"`
	Context   RequestContext `json:"context"`
}

// RequestContext describes the client sending the message.
type RequestContext struct {
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent"`
}

// MessageResponse is the chat service's reply to a message.
type MessageResponse struct {
	Response      string   `json:"response"`
	Confidence    *float64 `json:"confidence,omitempty"`
	RelatedTopics []string `json:"relatedTopics,omitempty"`
	Timestamp     string   `json:"timestamp"`
	MessageID     string   `json:"messageId,omitempty"`
}

// Time parses the reply timestamp, falling back when it is missing or malformed.
func (r *MessageResponse) Time(fallback time.Time) time.Time {
	return parseTimestamp(r.Timestamp, fallback)
}

// HistoryResponse is the body of GET /api/Chatbot/conversation/{sessionId}.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is one entry of a conversation history page.
type HistoryMessage struct {
	ID         string   `json:"id"`
	Content    string   `json:"content"`
	Sender     string   `json:"sender"`
	Timestamp  string   `json:"timestamp"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ToChatMessage converts a history entry into a delivered chat message.
func (h HistoryMessage) ToChatMessage(fallback time.Time) domain.ChatMessage {
	sender := domain.SenderBot
	if h.Sender == string(domain.SenderUser) {
		sender = domain.SenderUser
	}
	return domain.ChatMessage{
		ID:         h.ID,
		Content:    h.Content,
		Sender:     sender,
		Timestamp:  parseTimestamp(h.Timestamp, fallback),
		Status:     domain.StatusDelivered,
		Confidence: h.Confidence,
	}
}

// HealthStatus is the outcome of HealthCheck.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Endpoint  string        `json:"endpoint,omitempty"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// envelope is the optional {success, data, error} wrapper around API payloads.
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   json.RawMessage `json:"error"`
}

func parseTimestamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}

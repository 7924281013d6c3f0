package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	// SenderUser is a message typed by the visitor.
	SenderUser Sender = "user"
	// SenderBot is a reply produced by the chat service.
	SenderBot Sender = "bot"
)

// MessageStatus tracks delivery of a user message.
type MessageStatus uint8

const (
	// StatusNone is used for messages without a delivery lifecycle.
	StatusNone MessageStatus = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusFailed
)

var statusNames = [...]string{
	StatusNone:      "",
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusFailed:    "failed",
}

// String returns the wire name of the status.
func (s MessageStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("MessageStatus(%d)", s)
}

// ParseMessageStatus maps a wire name back to a status.
func ParseMessageStatus(name string) (MessageStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return MessageStatus(i), nil
		}
	}
	return StatusNone, fmt.Errorf("unknown message status %q", name)
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Statuses only move forward; the one exception is failed -> sending on retry.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case StatusNone:
		return next == StatusSending || next == StatusDelivered
	case StatusSending:
		return next == StatusSent || next == StatusDelivered || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered || next == StatusFailed
	case StatusFailed:
		return next == StatusSending
	default:
		return false
	}
}

// MarshalJSON encodes the status by name.
func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseMessageStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ChatMessage is a single turn in the conversation.
type ChatMessage struct {
	ID            string        `json:"id"`
	Content       string        `json:"content"`
	Sender        Sender        `json:"sender"`
	Timestamp     time.Time     `json:"timestamp"`
	Status        MessageStatus `json:"status,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
	RelatedTopics []string      `json:"relatedTopics,omitempty"`
}

// IsFromBot reports whether the message was produced by the chat service.
func (m ChatMessage) IsFromBot() bool {
	return m.Sender == SenderBot
}

// MessagePatch carries the fields UpdateMessage may change.
type MessagePatch struct {
	Status  *MessageStatus
	Content *string
}

// StatusPatch is a shorthand for a patch that only moves the status.
func StatusPatch(s MessageStatus) MessagePatch {
	return MessagePatch{Status: &s}
}

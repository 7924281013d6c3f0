package domain

import (
	"errors"
	"time"
)

// ErrorCode classifies a chat failure.
type ErrorCode string

const (
	CodeNonRetryable       ErrorCode = "NON_RETRYABLE_ERROR"
	CodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
	CodeHistoryLoadFailed  ErrorCode = "HISTORY_LOAD_FAILED"
	CodeInitFailed         ErrorCode = "INITIALIZATION_FAILED"
	CodeMessageSendFailed  ErrorCode = "MESSAGE_SEND_FAILED"
	CodeKnowledgeBase      ErrorCode = "KNOWLEDGE_BASE_ERROR"
)

// ChatError is the failure shape surfaced to the UI.
type ChatError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"isRetryable"`
	Details   any       `json:"details,omitempty"`

	cause error
}

// NewChatError builds a ChatError stamped at now that wraps cause.
func NewChatError(code ErrorCode, message string, retryable bool, cause error) *ChatError {
	return &ChatError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryable,
		cause:     cause,
	}
}

func (e *ChatError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *ChatError) Unwrap() error {
	return e.cause
}

// AsChatError extracts a *ChatError from err's chain.
func AsChatError(err error) (*ChatError, bool) {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// HasCode reports whether err carries a ChatError with the given code.
func HasCode(err error, code ErrorCode) bool {
	ce, ok := AsChatError(err)
	return ok && ce.Code == code
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrCanceled is the cause attached to requests aborted by CancelRequests
	// or by the caller's context.
	ErrCanceled = errors.New("request canceled")

	errRequestTimeout = errors.New("request timed out")
	errEmptyMessage   = errors.New("message is empty")
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("chat api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api returned status %d: %s", e.StatusCode, e.Body)
}

// APIError is an envelope that reported success=false.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

var nonRetryableStatus = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusUnprocessableEntity: true,
}

// isRetryable reports whether another attempt could succeed.
func isRetryable(err error) bool {
	if errors.Is(err, ErrCanceled) || errors.Is(err, errEmptyMessage) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !nonRetryableStatus[se.StatusCode]
	}
	return true
}

// IsNetworkError reports whether err is a connection-level failure
// (unreachable host, reset connection, timeout) rather than an API answer.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return false
	}
	if errors.Is(err, errRequestTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// envelopeErrorMessage extracts a message from the envelope's error field,
// which is either a string or an object with a "message" key.
func envelopeErrorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "chat api reported failure"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}

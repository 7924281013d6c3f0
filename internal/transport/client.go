// Package transport is the HTTP client for the remote chat API.
//
// Sends are retried with exponential backoff; history and knowledge loads are
// single-shot. All failures surface as *domain.ChatError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/google/uuid"
)

const (
	messagePath      = "/api/Chatbot/message"
	conversationPath = "/api/Chatbot/conversation/"
	knowledgePath    = "/api/Chatbot/knowledge"

	// maxResponseBodySize caps how much of a response body is read (1MB).
	maxResponseBodySize = 1 << 20

	defaultHistoryLimit = 50
	healthProbeTimeout  = 5 * time.Second
)

// healthCandidates are probed in order by HealthCheck.
var healthCandidates = []string{"/health", "/api/health", "/swagger/index.html"}

// Config holds transport configuration.
type Config struct {
	BaseURL       string
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
	UserAgent     string
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
		Timeout:       30 * time.Second,
		UserAgent:     "christ-community-chat/1.0",
	}
}

// Client talks to the chat API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu          sync.Mutex
	token       context.Context
	cancelToken context.CancelCauseFunc
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a chat API client. Zero-valued config fields take their defaults.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     slog.Default(),
		sleep:      sleepContext,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.token, c.cancelToken = context.WithCancelCause(context.Background())
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// CancelRequests aborts every in-flight request. Later requests use a fresh token.
func (c *Client) CancelRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelToken(ErrCanceled)
	c.token, c.cancelToken = context.WithCancelCause(context.Background())
	c.logger.Debug("Chat requests canceled")
}

// withToken derives a context that is also canceled by CancelRequests.
func (c *Client) withToken(ctx context.Context) (context.Context, func()) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	merged, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(token, func() { cancel(ErrCanceled) })
	return merged, func() {
		stop()
		cancel(nil)
	}
}

// SendMessage delivers a user message, retrying transient failures.
// Client errors (400/401/403/404/422) and cancellation abort immediately with
// NON_RETRYABLE_ERROR; exhausting all attempts yields MAX_RETRIES_EXCEEDED.
func (c *Client) SendMessage(ctx context.Context, payload MessagePayload) (*MessageResponse, error) {
	if strings.TrimSpace(payload.Message) == "" {
		return nil, domain.NewChatError(domain.CodeNonRetryable, errEmptyMessage.Error(), false, errEmptyMessage)
	}

	ctx, done := c.withToken(ctx)
	defer done()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		start := time.Now()
		resp, requestID, err := c.postMessage(ctx, payload)
		duration := time.Since(start)

		if err == nil {
			c.logger.Info("Chat message delivered",
				"session_id", payload.SessionID,
				"request_id", requestID,
				"attempt", attempt,
				"duration_ms", duration.Milliseconds(),
				"outcome", "success",
			)
			return resp, nil
		}

		err = c.classifyContextError(ctx, err)
		lastErr = err

		if !isRetryable(err) {
			c.logger.Warn("Chat message rejected",
				"session_id", payload.SessionID,
				"request_id", requestID,
				"attempt", attempt,
				"duration_ms", duration.Milliseconds(),
				"outcome", "non_retryable",
				"error", err,
			)
			return nil, domain.NewChatError(domain.CodeNonRetryable, err.Error(), false, err)
		}

		c.logger.Warn("Chat message attempt failed",
			"session_id", payload.SessionID,
			"request_id", requestID,
			"attempt", attempt,
			"duration_ms", duration.Milliseconds(),
			"outcome", "retryable",
			"error", err,
		)

		if attempt < c.cfg.RetryAttempts {
			delay := c.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			if err := c.sleep(ctx, delay); err != nil {
				err = c.classifyContextError(ctx, err)
				return nil, domain.NewChatError(domain.CodeNonRetryable, err.Error(), false, err)
			}
		}
	}

	return nil, domain.NewChatError(domain.CodeMaxRetriesExceeded, lastErr.Error(), true, lastErr)
}

func (c *Client) postMessage(ctx context.Context, payload MessagePayload) (*MessageResponse, string, error) {
	body, err := json.Marshal(MessageRequest{
		Message:   payload.Message,
		SessionID: payload.SessionID,
		Context: RequestContext{
			Timestamp: c.now().UTC(),
			UserAgent: c.cfg.UserAgent,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode message request: %w", err)
	}

	var resp MessageResponse
	requestID, err := c.doJSON(ctx, http.MethodPost, c.cfg.BaseURL+messagePath, payload.SessionID, body, &resp)
	if err != nil {
		return nil, requestID, err
	}
	return &resp, requestID, nil
}

// LoadConversationHistory fetches one page of the session's history.
// Failures are not retried.
func (c *Client) LoadConversationHistory(ctx context.Context, sessionID string, page, limit int) ([]domain.ChatMessage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultHistoryLimit
	}

	ctx, done := c.withToken(ctx)
	defer done()

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	endpoint := c.cfg.BaseURL + conversationPath + url.PathEscape(sessionID) + "?" + q.Encode()

	var resp HistoryResponse
	if _, err := c.doJSON(ctx, http.MethodGet, endpoint, sessionID, nil, &resp); err != nil {
		err = c.classifyContextError(ctx, err)
		c.logger.Warn("Failed to load conversation history", "session_id", sessionID, "page", page, "error", err)
		return nil, domain.NewChatError(domain.CodeHistoryLoadFailed, err.Error(), true, err)
	}

	now := c.now()
	messages := make([]domain.ChatMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.ID == "" {
			continue
		}
		messages = append(messages, m.ToChatMessage(now))
	}
	c.logger.Debug("Loaded conversation history", "session_id", sessionID, "page", page, "count", len(messages))
	return messages, nil
}

// LoadKnowledgeBase fetches the chat service's knowledge payload as raw JSON.
func (c *Client) LoadKnowledgeBase(ctx context.Context) (json.RawMessage, error) {
	ctx, done := c.withToken(ctx)
	defer done()

	var raw json.RawMessage
	if _, err := c.doJSON(ctx, http.MethodGet, c.cfg.BaseURL+knowledgePath, "", nil, &raw); err != nil {
		err = c.classifyContextError(ctx, err)
		c.logger.Warn("Failed to load knowledge base", "error", err)
		return nil, domain.NewChatError(domain.CodeKnowledgeBase, err.Error(), true, err)
	}
	return raw, nil
}

// HealthCheck probes the candidate health endpoints in order and reports the
// latency of the first that answers with a 2xx status.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	ctx, done := c.withToken(ctx)
	defer done()

	var lastErr error
	for _, path := range healthCandidates {
		start := time.Now()
		err := c.probe(ctx, c.cfg.BaseURL+path)
		latency := time.Since(start)
		if err == nil {
			c.logger.Debug("Chat API healthy", "endpoint", path, "latency_ms", latency.Milliseconds())
			return HealthStatus{Healthy: true, Endpoint: path, Latency: latency, CheckedAt: c.now()}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	c.logger.Warn("Chat API unhealthy", "error", lastErr)
	return HealthStatus{Healthy: false, Error: lastErr.Error(), CheckedAt: c.now()}
}

func (c *Client) probe(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, min(healthProbeTimeout, c.cfg.Timeout))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	c.setHeaders(req, "")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// doJSON performs one request under the per-request timeout, unwraps an
// optional envelope and decodes the payload into out. It returns the request ID.
func (c *Client) doJSON(ctx context.Context, method, endpoint, sessionID string, body []byte, out any) (string, error) {
	requestID := uuid.NewString()

	ctx, cancel := context.WithTimeoutCause(ctx, c.cfg.Timeout, errRequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return requestID, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, sessionID)
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(context.Cause(ctx), errRequestTimeout) {
			return requestID, fmt.Errorf("%w: %w", errRequestTimeout, err)
		}
		return requestID, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return requestID, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return requestID, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	payload, err := unwrapEnvelope(data)
	if err != nil {
		return requestID, err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return requestID, fmt.Errorf("decode response: %w", err)
	}
	return requestID, nil
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("X-Timestamp", c.now().UTC().Format(time.RFC3339Nano))
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
}

// classifyContextError tags failures caused by cancellation with ErrCanceled
// so they are never retried.
func (c *Client) classifyContextError(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCanceled, err)
}

// unwrapEnvelope returns the data of a {success, data, error} envelope, or
// body unchanged when it is not wrapped.
func unwrapEnvelope(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Success == nil {
		return trimmed, nil
	}
	if !*env.Success {
		return nil, &APIError{Message: envelopeErrorMessage(env.Error)}
	}
	if len(env.Data) == 0 {
		return []byte("null"), nil
	}
	return env.Data, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/bot"
	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/store"
	"github.com/christ-community/landing-page-sub000/internal/transcript"
	"github.com/christ-community/landing-page-sub000/internal/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestServer(t *testing.T, limiter *RateLimiter) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()
	kb, err := bot.LoadKnowledgeBase("")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := bot.NewService(kb, nil, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	repo := newTestRepo(t)
	h := NewHandler(svc, repo, limiter, 50)
	server := httptest.NewServer(NewRouter(h, []string{"http://localhost:3000"}, quietLogger()))
	t.Cleanup(server.Close)
	return server, repo
}

func postMessage(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/api/Chatbot/message", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestClientAgainstServer(t *testing.T) {
	server, repo := newTestServer(t, nil)
	client := transport.New(transport.Config{BaseURL: server.URL, RetryDelay: time.Millisecond}, transport.WithLogger(quietLogger()))
	ctx := context.Background()

	resp, err := client.SendMessage(ctx, transport.MessagePayload{Message: "What time is Sunday service?", SessionID: "session_e2e"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !strings.Contains(resp.Response, "10:00 AM") {
		t.Errorf("expected service times answer, got %q", resp.Response)
	}
	if resp.Confidence == nil || *resp.Confidence != 1 || resp.MessageID == "" {
		t.Errorf("unexpected response metadata %+v", resp)
	}
	if len(resp.RelatedTopics) == 0 {
		t.Error("expected related topics")
	}

	history, err := client.LoadConversationHistory(ctx, "session_e2e", 1, 50)
	if err != nil {
		t.Fatalf("LoadConversationHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].Sender != domain.SenderUser || history[1].ID != resp.MessageID {
		t.Fatalf("unexpected history %+v", history)
	}

	conv, err := repo.GetConversation(ctx, "session_e2e")
	if err != nil || conv == nil || conv.MessageCount != 2 {
		t.Fatalf("expected stored conversation, got %+v (%v)", conv, err)
	}

	raw, err := client.LoadKnowledgeBase(ctx)
	if err != nil {
		t.Fatalf("LoadKnowledgeBase failed: %v", err)
	}
	var kb bot.KnowledgeBase
	if err := json.Unmarshal(raw, &kb); err != nil || len(kb.Topics) == 0 {
		t.Errorf("unexpected knowledge payload %s (%v)", raw, err)
	}

	health := client.HealthCheck(ctx)
	if !health.Healthy || health.Endpoint != "/health" {
		t.Errorf("expected healthy via /health, got %+v", health)
	}
}

func TestMessageValidation(t *testing.T) {
	server, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"invalid json", "{", http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty message", `{"message":"  ","sessionId":"s"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing session", `{"message":"hi"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"too long", `{"message":"` + strings.Repeat("a", 51) + `","sessionId":"s"}`, http.StatusUnprocessableEntity, "MESSAGE_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postMessage(t, server.URL, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if body["success"] != false {
				t.Errorf("expected success=false, got %v", body["success"])
			}
			errObj, _ := body["error"].(map[string]any)
			if errObj["code"] != tt.code {
				t.Errorf("expected code %s, got %v", tt.code, errObj["code"])
			}
		})
	}
}

func TestMessageBodyTooLarge(t *testing.T) {
	server, _ := newTestServer(t, nil)
	big := `{"message":"` + strings.Repeat("a", maxRequestBodySize) + `","sessionId":"s"}`
	resp, err := http.Post(server.URL+"/api/Chatbot/message", "application/json", bytes.NewBufferString(big))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestMessageRateLimited(t *testing.T) {
	server, _ := newTestServer(t, NewRateLimiter(2, time.Minute))
	body := `{"message":"hello","sessionId":"s"}`

	for i := range 2 {
		if resp, _ := postMessage(t, server.URL, body); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	resp, _ := postMessage(t, server.URL, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}

	// 429 is retryable for the client, so it exhausts its attempts.
	client := transport.New(transport.Config{BaseURL: server.URL, RetryAttempts: 2, RetryDelay: time.Millisecond}, transport.WithLogger(quietLogger()))
	_, err := client.SendMessage(context.Background(), transport.MessagePayload{Message: "hello", SessionID: "s"})
	if !domain.HasCode(err, domain.CodeMaxRetriesExceeded) {
		t.Errorf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
}

func TestClientNonRetryableAgainstServer(t *testing.T) {
	server, _ := newTestServer(t, nil)
	client := transport.New(transport.Config{BaseURL: server.URL, RetryDelay: time.Millisecond}, transport.WithLogger(quietLogger()))

	_, err := client.SendMessage(context.Background(), transport.MessagePayload{Message: strings.Repeat("a", 51), SessionID: "s"})
	if !domain.HasCode(err, domain.CodeNonRetryable) {
		t.Errorf("expected NON_RETRYABLE_ERROR for 422, got %v", err)
	}
}

func TestConversationQueryValidation(t *testing.T) {
	server, _ := newTestServer(t, nil)
	for _, q := range []string{"?page=0", "?page=x", "?limit=-1"} {
		resp, err := http.Get(server.URL + "/api/Chatbot/conversation/s" + q)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}

	resp, err := http.Get(server.URL + "/api/Chatbot/conversation/unknown")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Success bool                       `json:"success"`
		Data    transport.HistoryResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Data.Messages == nil || len(body.Data.Messages) != 0 {
		t.Errorf("expected empty history, got %+v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, repo := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	_ = repo.Close()
	resp, err = http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after database close, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodOptions, server.URL+"/api/Chatbot/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type,x-session-id")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin, got %q", got)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	server, _ := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/api/Chatbot/knowledge", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "trace-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}
}

type recordingTranscript struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (r *recordingTranscript) Log(ev transcript.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTranscript) Close() error { return nil }

func TestMessageWritesTranscript(t *testing.T) {
	kb, err := bot.LoadKnowledgeBase("")
	if err != nil {
		t.Fatal(err)
	}
	svc, err := bot.NewService(kb, nil, 0.3)
	if err != nil {
		t.Fatal(err)
	}
	rec := &recordingTranscript{}
	h := NewHandler(svc, newTestRepo(t), nil, 100)
	h.SetTranscriptLogger(rec)

	req := httptest.NewRequest(http.MethodPost, "/api/Chatbot/message",
		strings.NewReader(`{"message":"Where do you meet?","sessionId":"session_t"}`))
	w := httptest.NewRecorder()
	h.HandleMessage(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 2 {
		t.Fatalf("expected 2 transcript events, got %d", len(rec.events))
	}
	if rec.events[0].Direction != "inbound" || rec.events[0].Content != "Where do you meet?" {
		t.Errorf("unexpected inbound event %+v", rec.events[0])
	}
	if rec.events[1].Direction != "outbound" || rec.events[1].Source == "" || rec.events[1].SessionID != "session_t" {
		t.Errorf("unexpected outbound event %+v", rec.events[1])
	}
}

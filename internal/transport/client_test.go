package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient returns a client whose backoff sleeps are recorded instead of slept.
func newTestClient(baseURL string) (*Client, *[]time.Duration) {
	c := New(Config{
		BaseURL:       baseURL,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
		Timeout:       2 * time.Second,
		UserAgent:     "test-agent",
	}, WithLogger(quietLogger()))

	var mu sync.Mutex
	delays := []time.Duration{}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return c, &delays
}

func TestSendMessageSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api/Chatbot/message" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		if r.Header.Get("X-Timestamp") == "" {
			t.Error("expected X-Timestamp header")
		}
		if got := r.Header.Get("X-Session-ID"); got != "session_abc" {
			t.Errorf("expected X-Session-ID session_abc, got %q", got)
		}

		var body MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Message != "What time is Sunday service?" || body.SessionID != "session_abc" {
			t.Errorf("unexpected body %+v", body)
		}
		if body.Context.UserAgent != "test-agent" || body.Context.Timestamp.IsZero() {
			t.Errorf("expected request context, got %+v", body.Context)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"10:00 AM","confidence":0.92,"relatedTopics":["Directions"],"timestamp":"2026-03-01T10:00:00Z","messageId":"bot-1"}`))
	}))
	defer server.Close()

	c, delays := newTestClient(server.URL)
	resp, err := c.SendMessage(context.Background(), MessagePayload{Message: "What time is Sunday service?", SessionID: "session_abc"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.Response != "10:00 AM" {
		t.Errorf("expected 10:00 AM, got %q", resp.Response)
	}
	if resp.Confidence == nil || *resp.Confidence != 0.92 {
		t.Errorf("expected confidence 0.92, got %v", resp.Confidence)
	}
	if resp.MessageID != "bot-1" || len(resp.RelatedTopics) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
	if want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC); !resp.Time(time.Time{}).Equal(want) {
		t.Errorf("expected timestamp %v, got %v", want, resp.Time(time.Time{}))
	}
	if len(*delays) != 0 {
		t.Errorf("expected no backoff, got %v", *delays)
	}
}

func TestSendMessageUnwrapsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":{"response":"Welcome!","timestamp":"2026-03-01T10:00:00Z"}}`))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	resp, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.Response != "Welcome!" {
		t.Errorf("expected unwrapped response, got %q", resp.Response)
	}
}

func TestSendMessageEnvelopeFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":"model overloaded"}}`))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})

	ce, ok := domain.AsChatError(err)
	if !ok || ce.Code != domain.CodeMaxRetriesExceeded {
		t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
	if ce.Message != "model overloaded" {
		t.Errorf("expected embedded message, got %q", ce.Message)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
	if IsNetworkError(err) {
		t.Error("an API-level failure is not a network error")
	}
}

func TestSendMessageRetryBound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c, delays := newTestClient(server.URL)
	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})

	ce, ok := domain.AsChatError(err)
	if !ok || ce.Code != domain.CodeMaxRetriesExceeded {
		t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
	if !ce.Retryable {
		t.Error("expected MAX_RETRIES_EXCEEDED to be retryable")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls.Load())
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, *delays)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], (*delays)[i])
		}
		if i > 0 && (*delays)[i] < (*delays)[i-1] {
			t.Errorf("delays must not decrease: %v", *delays)
		}
	}
}

func TestSendMessageNonRetryableStatuses(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer server.Close()

			c, delays := newTestClient(server.URL)
			_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})

			ce, ok := domain.AsChatError(err)
			if !ok || ce.Code != domain.CodeNonRetryable {
				t.Fatalf("expected NON_RETRYABLE_ERROR, got %v", err)
			}
			if ce.Retryable {
				t.Error("expected non-retryable flag")
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != status {
				t.Errorf("expected wrapped status %d, got %v", status, err)
			}
			if calls.Load() != 1 {
				t.Errorf("expected exactly 1 call, got %d", calls.Load())
			}
			if len(*delays) != 0 {
				t.Errorf("expected no backoff, got %v", *delays)
			}
		})
	}
}

func TestSendMessageRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"response":"10:00 AM","confidence":0.92,"timestamp":"2026-03-01T10:00:00Z"}`))
	}))
	defer server.Close()

	c, delays := newTestClient(server.URL)
	resp, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if resp.Response != "10:00 AM" {
		t.Errorf("expected successful payload, got %+v", resp)
	}

	var total time.Duration
	for _, d := range *delays {
		total += d
	}
	if total != 300*time.Millisecond {
		t.Errorf("expected total backoff 300ms (100ms*1 + 100ms*2), got %v", total)
	}
}

func TestSendMessageRealBackoffElapsed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok","timestamp":""}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, RetryAttempts: 3, RetryDelay: 20 * time.Millisecond}, WithLogger(quietLogger()))
	start := time.Now()
	if _, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected at least 60ms of backoff, got %v", elapsed)
	}
}

func TestSendMessageTimeoutIsRetryableNetworkError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	c.cfg.Timeout = 30 * time.Millisecond
	c.cfg.RetryAttempts = 2

	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})
	if !domain.HasCode(err, domain.CodeMaxRetriesExceeded) {
		t.Fatalf("expected MAX_RETRIES_EXCEEDED after timeouts, got %v", err)
	}
	if !IsNetworkError(err) {
		t.Errorf("expected timeout to be classified as a network error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSendMessageUnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c, _ := newTestClient(url)
	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})
	if !domain.HasCode(err, domain.CodeMaxRetriesExceeded) {
		t.Fatalf("expected MAX_RETRIES_EXCEEDED, got %v", err)
	}
	if !IsNetworkError(err) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestCancelRequestsAbortsInFlight(t *testing.T) {
	var calls atomic.Int32
	arrived := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices the client going away once the body is read.
		_, _ = io.Copy(io.Discard, r.Body)
		if calls.Add(1) == 1 {
			arrived <- struct{}{}
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"response":"after cancel"}`))
	}))
	defer server.Close()

	c, delays := newTestClient(server.URL)

	go func() {
		<-arrived
		c.CancelRequests()
	}()

	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "hi", SessionID: "s"})
	ce, ok := domain.AsChatError(err)
	if !ok || ce.Code != domain.CodeNonRetryable {
		t.Fatalf("expected NON_RETRYABLE_ERROR on cancel, got %v", err)
	}
	if !errors.Is(err, ErrCanceled) {
		t.Errorf("expected ErrCanceled in chain, got %v", err)
	}
	if IsNetworkError(err) {
		t.Error("cancellation is not a network error")
	}
	if calls.Load() != 1 || len(*delays) != 0 {
		t.Errorf("expected a single attempt without backoff, got %d calls, delays %v", calls.Load(), *delays)
	}

	resp, err := c.SendMessage(context.Background(), MessagePayload{Message: "again", SessionID: "s"})
	if err != nil {
		t.Fatalf("expected a fresh token after cancel, got %v", err)
	}
	if resp.Response != "after cancel" {
		t.Errorf("unexpected response %q", resp.Response)
	}
}

func TestSendMessageRejectsEmpty(t *testing.T) {
	c, _ := newTestClient("http://127.0.0.1:1")
	_, err := c.SendMessage(context.Background(), MessagePayload{Message: "   ", SessionID: "s"})
	if !domain.HasCode(err, domain.CodeNonRetryable) {
		t.Fatalf("expected NON_RETRYABLE_ERROR, got %v", err)
	}
}

func TestLoadConversationHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Chatbot/conversation/session_abc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"messages":[
			{"id":"m1","content":"hello","sender":"user","timestamp":"2026-03-01T09:00:00Z"},
			{"id":"m2","content":"hi there","sender":"bot","timestamp":"2026-03-01T09:00:01Z","confidence":0.8},
			{"id":"","content":"dropped","sender":"bot","timestamp":"2026-03-01T09:00:02Z"}
		]}}`))
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	msgs, err := c.LoadConversationHistory(context.Background(), "session_abc", 2, 10)
	if err != nil {
		t.Fatalf("LoadConversationHistory failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Sender != domain.SenderUser || msgs[1].Sender != domain.SenderBot {
		t.Errorf("unexpected senders %v / %v", msgs[0].Sender, msgs[1].Sender)
	}
	if msgs[1].Confidence == nil || *msgs[1].Confidence != 0.8 {
		t.Errorf("expected confidence on bot message, got %v", msgs[1].Confidence)
	}
	if msgs[0].Status != domain.StatusDelivered {
		t.Errorf("expected history to be delivered, got %v", msgs[0].Status)
	}
}

func TestLoadConversationHistoryDefaultsAndFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("page") != "1" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("expected default pagination, got %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c, delays := newTestClient(server.URL)
	_, err := c.LoadConversationHistory(context.Background(), "s", 0, 0)
	ce, ok := domain.AsChatError(err)
	if !ok || ce.Code != domain.CodeHistoryLoadFailed || !ce.Retryable {
		t.Fatalf("expected retryable HISTORY_LOAD_FAILED, got %v", err)
	}
	if calls.Load() != 1 || len(*delays) != 0 {
		t.Errorf("history loads must not retry: %d calls, delays %v", calls.Load(), *delays)
	}
}

func TestLoadKnowledgeBase(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Chatbot/knowledge", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"topics":["Service Times"]}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, _ := newTestClient(server.URL)
	raw, err := c.LoadKnowledgeBase(context.Background())
	if err != nil {
		t.Fatalf("LoadKnowledgeBase failed: %v", err)
	}
	if string(raw) != `{"topics":["Service Times"]}` {
		t.Errorf("unexpected payload %s", raw)
	}

	broken, _ := newTestClient(server.URL + "/missing")
	if _, err := broken.LoadKnowledgeBase(context.Background()); !domain.HasCode(err, domain.CodeKnowledgeBase) {
		t.Errorf("expected KNOWLEDGE_BASE_ERROR, got %v", err)
	}
}

func TestHealthCheckProbesInOrder(t *testing.T) {
	var mu sync.Mutex
	var probed []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		probed = append(probed, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	status := c.HealthCheck(context.Background())
	if !status.Healthy || status.Endpoint != "/api/health" {
		t.Fatalf("expected healthy via /api/health, got %+v", status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(probed) != 2 || probed[0] != "/health" {
		t.Errorf("expected /health then /api/health, got %v", probed)
	}
}

func TestHealthCheckUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := newTestClient(server.URL)
	status := c.HealthCheck(context.Background())
	if status.Healthy {
		t.Fatal("expected unhealthy status")
	}
	if status.Error == "" {
		t.Error("expected an error description")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{StatusCode: 500}, true},
		{&StatusError{StatusCode: 429}, true},
		{&StatusError{StatusCode: 422}, false},
		{&APIError{Message: "nope"}, true},
		{ErrCanceled, false},
		{errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

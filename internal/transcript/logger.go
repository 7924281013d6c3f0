// Package transcript records chat turns as per-session NDJSON files.
package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one line of a transcript file.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	SessionID  string    `json:"session_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Direction  string    `json:"direction"` // "inbound" from the visitor, "outbound" from the bot
	Sender     string    `json:"sender"`
	Content    string    `json:"content"`
	ContentRaw string    `json:"content_raw,omitempty"`
	Confidence *float64  `json:"confidence,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// Logger accepts transcript events. Log must not block the caller.
type Logger interface {
	Log(Event)
	Close() error
}

type noopLogger struct{}

func (noopLogger) Log(Event)    {}
func (noopLogger) Close() error { return nil }

// Noop returns a Logger that discards everything.
func Noop() Logger { return noopLogger{} }

// FileLogger writes events on a background goroutine to <dir>/<session>.ndjson.
type FileLogger struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Int64
}

// New creates a transcript logger. A disabled config yields Noop().
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues ev. When the queue is full the oldest pending event is dropped.
func (l *FileLogger) Log(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ContentRaw == "" {
		ev.ContentRaw = ev.Content
	}
	ev.Content = cleanForReadability(ev.ContentRaw)
	if ev.Content == ev.ContentRaw {
		ev.ContentRaw = ""
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- ev:
		return
	default:
	}

	select {
	case <-l.queue:
		l.dropped.Add(1)
		l.logger.Warn("Transcript queue full, dropped oldest event", "session_id", ev.SessionID)
	default:
	}
	select {
	case l.queue <- ev:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded under backpressure.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		l.logger.Warn("Transcript writer shutdown timeout", "queue_remaining", len(l.queue))
	}
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write transcript event", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *FileLogger) write(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	path := filepath.Join(l.dir, fileName(ev.SessionID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// fileName maps a session id to a file name inside the transcript directory.
// Ids the sanitizer has to change get a hash of the raw id appended so that
// distinct sessions never share a file.
func fileName(sessionID string) string {
	name := unsafeNameChars.ReplaceAllString(sessionID, "_")
	if name != sessionID || name == "" {
		sum := sha256.Sum256([]byte(sessionID))
		name += "-" + hex.EncodeToString(sum[:4])
	}
	return name + ".ndjson"
}

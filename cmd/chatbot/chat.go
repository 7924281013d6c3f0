package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/christ-community/landing-page-sub000/internal/chat"
	"github.com/christ-community/landing-page-sub000/internal/domain"
	"github.com/christ-community/landing-page-sub000/internal/session"
	"github.com/christ-community/landing-page-sub000/internal/storage"
	"github.com/christ-community/landing-page-sub000/internal/transport"
	"github.com/spf13/cobra"
)

const chatHelp = `Commands:
  /retry     resend the last failed message
  /history   reload the conversation from the server
  /health    check the chat API
  /minimize  toggle the minimized state
  /clear     clear the transcript
  /end       end the session and quit
  /quit      quit`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant from the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func runChat(ctx context.Context, in io.Reader, out io.Writer) error {
	cc := cfg.Client

	var store storage.Storage = storage.NewMemory()
	if cc.StoragePath != "" {
		db, err := storage.NewSQLite(cc.StoragePath)
		if err != nil {
			slog.Warn("Client storage unavailable, session will not survive restarts", "path", cc.StoragePath, "error", err)
		} else {
			defer func() { _ = db.Close() }()
			store = db
		}
	}

	sessions := session.NewManager(store, session.WithEnvironment(domain.SessionMetadata{
		UserAgent: cc.UserAgent,
		Location:  cc.APIBaseURL,
	}))
	defer sessions.Close()

	client := transport.New(transport.Config{
		BaseURL:       cc.APIBaseURL,
		RetryAttempts: cc.RetryAttempts,
		RetryDelay:    cc.RetryDelay,
		Timeout:       cc.RequestTimeout,
		UserAgent:     cc.UserAgent,
	})

	ctrl := chat.NewController(chat.NewStore(cc.MaxMessages), client, sessions,
		chat.WithHeartbeatInterval(cc.HeartbeatInterval))
	defer ctrl.Close()

	printer := newTranscriptPrinter(out)
	unsubscribe := ctrl.Subscribe(printer.Render)
	defer unsubscribe()

	ctrl.Initialize(ctx)
	ctrl.StartHeartbeat(ctx)

	_, _ = fmt.Fprintln(out, "Type a message, or /help for commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, ctrl, client, sessions, out, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether the session is over.
func handleLine(ctx context.Context, ctrl *chat.Controller, client *transport.Client, sessions *session.Manager, out io.Writer, line string) bool {
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		_, _ = fmt.Fprintln(out, chatHelp)
	case "/retry":
		id := lastFailedMessage(ctrl.Snapshot())
		if id == "" {
			_, _ = fmt.Fprintln(out, "Nothing to retry.")
			return false
		}
		ctrl.RetryMessage(ctx, id)
	case "/history":
		ctrl.ClearMessages()
		ctrl.LoadHistory(ctx, 1)
	case "/health":
		h := client.HealthCheck(ctx)
		if h.Healthy {
			_, _ = fmt.Fprintf(out, "Chat API healthy (%s, %s)\n", h.Endpoint, h.Latency.Round(time.Millisecond))
		} else {
			_, _ = fmt.Fprintf(out, "Chat API unreachable: %s\n", h.Error)
		}
	case "/minimize":
		minimized := !ctrl.Snapshot().IsMinimized
		ctrl.Minimize(minimized)
		if minimized {
			_, _ = fmt.Fprintln(out, "Chat minimized. Replies will be counted as unread.")
		} else {
			_, _ = fmt.Fprintln(out, "Chat restored.")
		}
	case "/clear":
		ctrl.ClearMessages()
	case "/end":
		sessions.EndSession(ctx, ctrl.Snapshot().Session)
		return true
	default:
		if strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprintf(out, "Unknown command %s. Type /help.\n", line)
			return false
		}
		ctrl.SendMessage(ctx, line)
	}
	return false
}

func lastFailedMessage(s chat.State) string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Sender == domain.SenderUser && m.Status == domain.StatusFailed {
			return m.ID
		}
	}
	return ""
}

// transcriptPrinter writes state changes to a terminal: bot replies, failed
// sends, errors, connectivity and the unread counter. User input is already
// on screen.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	shown   map[string]domain.MessageStatus
	lastErr *domain.ChatError
	unread  int
	typing  bool
	online  bool
	offline bool
}

func newTranscriptPrinter(out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{out: out, shown: make(map[string]domain.MessageStatus)}
}

// Render prints whatever changed since the previous state.
func (p *transcriptPrinter) Render(s chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.IsTyping && !p.typing {
		_, _ = fmt.Fprintln(p.out, "… assistant is typing")
	}
	p.typing = s.IsTyping

	if len(s.Messages) == 0 {
		clear(p.shown)
	}
	for _, m := range s.Messages {
		prev, seen := p.shown[m.ID]
		p.shown[m.ID] = m.Status
		switch {
		case m.IsFromBot() && !seen:
			p.printBot(m)
		case m.Sender == domain.SenderUser && m.Status == domain.StatusFailed && prev != domain.StatusFailed:
			_, _ = fmt.Fprintf(p.out, "! not delivered: %q (type /retry)\n", m.Content)
		case m.Sender == domain.SenderUser && !seen && m.Status == domain.StatusDelivered:
			// Loaded from history.
			_, _ = fmt.Fprintf(p.out, "you> %s\n", m.Content)
		}
	}

	if s.Error != nil && s.Error != p.lastErr {
		retry := "not retryable"
		if s.Error.Retryable {
			retry = "retryable"
		}
		_, _ = fmt.Fprintf(p.out, "! %s: %s (%s)\n", s.Error.Code, s.Error.Message, retry)
	}
	p.lastErr = s.Error

	switch {
	case s.IsConnected:
		if p.offline {
			_, _ = fmt.Fprintln(p.out, "(back online)")
		}
		p.online, p.offline = true, false
	case p.online && !p.offline:
		_, _ = fmt.Fprintln(p.out, "(offline: the chat service cannot be reached)")
		p.offline = true
	}

	if s.UnreadCount > p.unread {
		_, _ = fmt.Fprintf(p.out, "(%d unread)\n", s.UnreadCount)
	}
	p.unread = s.UnreadCount
}

func (p *transcriptPrinter) printBot(m domain.ChatMessage) {
	_, _ = fmt.Fprintf(p.out, "bot> %s\n", m.Content)
	if len(m.RelatedTopics) > 0 {
		_, _ = fmt.Fprintf(p.out, "     related: %s\n", strings.Join(m.RelatedTopics, ", "))
	}
}

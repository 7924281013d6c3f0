// Package chat holds the chat widget state machine and the controller that
// drives it from transport results.
package chat

import (
	"slices"
	"sort"

	"github.com/christ-community/landing-page-sub000/internal/domain"
)

// DefaultMaxMessages is the transcript cap used when none is configured.
const DefaultMaxMessages = 100

// State is everything the chat UI renders.
type State struct {
	Messages    []domain.ChatMessage
	Session     *domain.ChatSession
	IsConnected bool
	IsLoading   bool
	Error       *domain.ChatError
	UnreadCount int
	IsMinimized bool
	IsTyping    bool
}

// Clone returns a deep enough copy that the caller may modify freely.
func (s State) Clone() State {
	s.Messages = slices.Clone(s.Messages)
	s.Session = s.Session.Clone()
	return s
}

// FindMessage returns the message with the given id.
func (s State) FindMessage(id string) (domain.ChatMessage, bool) {
	if i := indexOf(s.Messages, id); i >= 0 {
		return s.Messages[i], true
	}
	return domain.ChatMessage{}, false
}

// Reduce applies a to s and returns the new state. It never modifies s, so a
// State handed out earlier stays valid. maxMessages <= 0 disables the cap.
func Reduce(s State, a Action, maxMessages int) State {
	switch a := a.(type) {
	case InitializeSession:
		s.Session = a.Session.Clone()
		s.Error = nil
		s.IsConnected = true

	case AddMessage:
		if indexOf(s.Messages, a.Message.ID) >= 0 {
			return s
		}
		s.Messages = insertSorted(s.Messages, a.Message)
		if a.Message.IsFromBot() && s.IsMinimized {
			s.UnreadCount++
		}
		if s.Session != nil {
			session := s.Session.Clone()
			session.MessageCount++
			if a.Message.Timestamp.After(session.LastActivity) {
				session.LastActivity = a.Message.Timestamp
			}
			s.Session = session
		}
		s.Messages = trim(s.Messages, maxMessages)

	case UpdateMessage:
		i := indexOf(s.Messages, a.ID)
		if i < 0 {
			return s
		}
		msg := s.Messages[i]
		if a.Patch.Status != nil && *a.Patch.Status != msg.Status {
			if !msg.Status.CanTransitionTo(*a.Patch.Status) {
				return s
			}
			msg.Status = *a.Patch.Status
		}
		if a.Patch.Content != nil {
			msg.Content = *a.Patch.Content
		}
		s.Messages = slices.Clone(s.Messages)
		s.Messages[i] = msg

	case SetLoading:
		s.IsLoading = a.Loading

	case SetError:
		s.Error = a.Err
		s.IsLoading = false

	case SetConnected:
		s.IsConnected = a.Connected

	case SetTyping:
		s.IsTyping = a.Typing

	case MinimizeChat:
		s.IsMinimized = a.Minimized
		if !a.Minimized {
			s.UnreadCount = 0
		}

	case MarkAsRead:
		s.UnreadCount = 0

	case ClearMessages:
		s.Messages = nil
		s.Error = nil

	case LoadHistory:
		s.Messages = trim(mergeHistory(a.Messages, s.Messages), maxMessages)
	}
	return s
}

func indexOf(msgs []domain.ChatMessage, id string) int {
	return slices.IndexFunc(msgs, func(m domain.ChatMessage) bool { return m.ID == id })
}

// insertSorted returns a new slice with m placed after every message whose
// timestamp is not after m's.
func insertSorted(msgs []domain.ChatMessage, m domain.ChatMessage) []domain.ChatMessage {
	i := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].Timestamp.After(m.Timestamp)
	})
	out := make([]domain.ChatMessage, 0, len(msgs)+1)
	out = append(out, msgs[:i]...)
	out = append(out, m)
	return append(out, msgs[i:]...)
}

// mergeHistory places history ahead of current, drops history entries whose
// id is already present, and stable-sorts the result by timestamp.
func mergeHistory(history, current []domain.ChatMessage) []domain.ChatMessage {
	seen := make(map[string]struct{}, len(history)+len(current))
	for _, m := range current {
		seen[m.ID] = struct{}{}
	}

	merged := make([]domain.ChatMessage, 0, len(history)+len(current))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	merged = append(merged, current...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged
}

func trim(msgs []domain.ChatMessage, limit int) []domain.ChatMessage {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return slices.Clone(msgs[len(msgs)-limit:])
}

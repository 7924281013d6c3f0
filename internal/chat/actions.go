package chat

import "github.com/christ-community/landing-page-sub000/internal/domain"

// Action is a state transition request handled by Reduce.
type Action interface {
	isAction()
}

// InitializeSession sets the active session, clears any error and marks the chat connected.
type InitializeSession struct {
	Session *domain.ChatSession
}

// AddMessage inserts a message in timestamp order.
type AddMessage struct {
	Message domain.ChatMessage
}

// UpdateMessage patches the message with the given id.
type UpdateMessage struct {
	ID    string
	Patch domain.MessagePatch
}

// SetLoading marks an exchange as in flight.
type SetLoading struct {
	Loading bool
}

// SetError replaces the current error. A nil Err clears it.
type SetError struct {
	Err *domain.ChatError
}

// SetConnected toggles the online indicator.
type SetConnected struct {
	Connected bool
}

// SetTyping toggles the bot typing indicator.
type SetTyping struct {
	Typing bool
}

// MinimizeChat collapses or expands the widget.
type MinimizeChat struct {
	Minimized bool
}

// MarkAsRead zeroes the unread counter.
type MarkAsRead struct{}

// ClearMessages empties the transcript.
type ClearMessages struct{}

// LoadHistory merges previously exchanged messages into the transcript.
type LoadHistory struct {
	Messages []domain.ChatMessage
}

func (InitializeSession) isAction() {}
func (AddMessage) isAction()        {}
func (UpdateMessage) isAction()     {}
func (SetLoading) isAction()        {}
func (SetError) isAction()          {}
func (SetConnected) isAction()      {}
func (SetTyping) isAction()         {}
func (MinimizeChat) isAction()      {}
func (MarkAsRead) isAction()        {}
func (ClearMessages) isAction()     {}
func (LoadHistory) isAction()       {}

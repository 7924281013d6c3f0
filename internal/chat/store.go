package chat

import (
	"slices"
	"sync"
)

// Listener receives the state produced by each dispatch.
type Listener func(State)

// Store serializes dispatches so actions apply in the order they are received.
type Store struct {
	mu          sync.Mutex
	state       State
	maxMessages int
	listeners   []subscriber
	nextID      int
}

type subscriber struct {
	id int
	fn Listener
}

// NewStore creates an empty store. maxMessages <= 0 selects DefaultMaxMessages.
func NewStore(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		maxMessages: maxMessages,
	}
}

// Dispatch applies a and returns the resulting state. Listeners run on the
// dispatching goroutine after the store lock is released, in subscription order.
func (s *Store) Dispatch(a Action) State {
	s.mu.Lock()
	s.state = Reduce(s.state, a, s.maxMessages)
	next := s.state
	listeners := make([]Listener, 0, len(s.listeners))
	for _, sub := range s.listeners {
		listeners = append(listeners, sub.fn)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next.Clone())
	}
	return next.Clone()
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, subscriber{id: id, fn: l})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(sub subscriber) bool { return sub.id == id })
	}
}

// MaxMessages returns the transcript cap.
func (s *Store) MaxMessages() int {
	return s.maxMessages
}

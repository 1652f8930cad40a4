package gateway

import (
	"errors"
	"sync"

	"github.com/kendall-kelly/support-relay-api/middleware"
	"github.com/kendall-kelly/support-relay-api/registry"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateConnected State = iota
	StateSubscribed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrSessionClosed is returned by operations on a terminated session.
	ErrSessionClosed = errors.New("session closed")
	// ErrQueueFull is returned by Deliver when the client is not keeping up.
	ErrQueueFull = errors.New("outbound queue full")
)

// Rooms is the part of the room registry a session uses.
type Rooms interface {
	Join(threadID string, sub registry.Subscriber) bool
	Leave(threadID string, sub registry.Subscriber)
}

// Session is one live connection. It is subscribed to at most one thread
// room at a time and leaves it when it terminates.
//
// Outbound events go through a bounded queue drained by the connection's
// writer; Deliver never blocks.
type Session struct {
	id       string
	identity middleware.Identity
	rooms    Rooms

	mu       sync.Mutex
	state    State
	threadID string

	out       chan registry.Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns a connected session with an outbound queue of
// queueSize events.
func NewSession(id string, identity middleware.Identity, rooms Rooms, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Session{
		id:       id,
		identity: identity,
		rooms:    rooms,
		state:    StateConnected,
		out:      make(chan registry.Event, queueSize),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Identity() middleware.Identity { return s.identity }

// State returns the lifecycle stage and, when subscribed, the thread id.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.threadID
}

// Deliver enqueues e for the writer.
func (s *Session) Deliver(e registry.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- e:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// Subscribe moves the session into threadID's room, leaving the previous
// room first. Subscribing to the current room again is a no-op.
func (s *Session) Subscribe(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return ErrSessionClosed
	case StateSubscribed:
		if s.threadID == threadID {
			return nil
		}
		s.rooms.Leave(s.threadID, s)
	}

	s.rooms.Join(threadID, s)
	s.state = StateSubscribed
	s.threadID = threadID
	return nil
}

// Unsubscribe leaves the current room and returns the thread id it left.
func (s *Session) Unsubscribe() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateTerminated:
		return "", ErrSessionClosed
	case StateConnected:
		return "", nil
	}

	left := s.threadID
	s.rooms.Leave(left, s)
	s.state = StateConnected
	s.threadID = ""
	return left, nil
}

// Close terminates the session and removes it from its room. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state == StateSubscribed {
			s.rooms.Leave(s.threadID, s)
		}
		s.state = StateTerminated
		s.threadID = ""
		close(s.done)
		s.mu.Unlock()
	})
}

// Done is closed once the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound is the queue the connection writer drains.
func (s *Session) Outbound() <-chan registry.Event { return s.out }

// Package registry tracks which live sessions are subscribed to which
// support thread and fans events out to them.
//
// Rooms are process-local. A thread's room exists only while it has members.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kendall-kelly/support-relay-api/metrics"
)

// Event is one server to client frame.
type Event struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// Subscriber receives broadcast events. Deliver must not block; a slow or
// dead subscriber reports an error instead.
type Subscriber interface {
	ID() string
	Deliver(Event) error
}

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
	// closed is set once the room was dropped from the hub. Joiners holding a
	// stale pointer retry against a fresh room.
	closed bool
}

// Registry maps thread ids to rooms. The hub lock only covers room lookup
// and creation; membership and fan-out use the room's own lock, so traffic
// in one thread never waits on another.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New returns an empty registry. logger and m may be nil.
func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:   make(map[string]*room),
		logger:  logger,
		metrics: m,
	}
}

// Join adds sub to the thread's room. Joining twice is a no-op; the return
// value reports whether sub was newly added.
func (r *Registry) Join(threadID string, sub Subscriber) bool {
	for {
		rm := r.roomFor(threadID)

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		if _, ok := rm.members[sub.ID()]; ok {
			rm.mu.Unlock()
			return false
		}
		rm.members[sub.ID()] = sub
		rm.mu.Unlock()

		r.metrics.MemberJoined()
		return true
	}
}

// Leave removes sub from the thread's room. It is a no-op when sub is not a
// member. The room is dropped once empty.
func (r *Registry) Leave(threadID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[threadID]
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.members[sub.ID()]; !ok {
		return
	}
	delete(rm.members, sub.ID())
	r.metrics.MemberLeft()

	if len(rm.members) == 0 {
		rm.closed = true
		delete(r.rooms, threadID)
	}
}

// Broadcast hands event to every member of the thread's room and returns how
// many accepted it. Failures are logged and counted, never returned.
func (r *Registry) Broadcast(threadID string, event Event) int {
	r.mu.RLock()
	rm, ok := r.rooms[threadID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	members := make([]Subscriber, 0, len(rm.members))
	for _, sub := range rm.members {
		members = append(members, sub)
	}
	rm.mu.Unlock()

	delivered := 0
	for _, sub := range members {
		if err := r.deliver(sub, event); err != nil {
			r.metrics.DeliveryFailed()
			r.logger.Warn("failed to deliver event",
				zap.String("thread_id", threadID),
				zap.String("session_id", sub.ID()),
				zap.String("event", event.Type),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	r.metrics.Delivered(delivered)
	return delivered
}

func (r *Registry) deliver(sub Subscriber, event Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panicked: %v", rec)
		}
	}()
	return sub.Deliver(event)
}

// Size returns the number of members in the thread's room.
func (r *Registry) Size(threadID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[threadID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) roomFor(threadID string) *room {
	r.mu.RLock()
	rm, ok := r.rooms[threadID]
	r.mu.RUnlock()
	if ok {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[threadID]; ok {
		return rm
	}
	rm = &room{members: make(map[string]Subscriber)}
	r.rooms[threadID] = rm
	return rm
}

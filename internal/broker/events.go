package broker

import (
	"sync"
	"time"
)

// EventType enumerates the lifecycle and data events the broker fans out.
type EventType string

const (
	EventSessionCreated  EventType = "session_created"
	EventSessionUpdated  EventType = "session_updated"
	EventSessionDeleted  EventType = "session_deleted"
	EventCommandRecorded EventType = "command_recorded"
	EventTerminalData    EventType = "terminal_data"
	EventTerminalExit    EventType = "terminal_exit"
)

// Event is the payload broadcast to subscribers of a session or of the
// broker-wide list topic. Not every field is populated for every Type.
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	Session   *SessionInfo
	Data      []byte
	ExitCode  int
	Command   string
	At        time.Time
}

// subscriber is a bounded per-connection event queue. When the queue would
// overflow, send reports false so the broadcaster can unsubscribe the
// owner rather than letting the session's fan-out loop block on a slow
// consumer. Unsubscribing neither closes the channel nor tears down the
// owner's transport; the owner simply receives no further events.
type subscriber struct {
	id string
	ch chan Event
}

func newSubscriber(id string, size int) *subscriber {
	return &subscriber{
		id: id,
		ch: make(chan Event, size),
	}
}

// send attempts a non-blocking enqueue, reporting false on overflow.
func (s *subscriber) send(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// subscriberSet is a copy-on-write list of subscribers: readers (the
// session's fan-out loop) snapshot the slice without holding the lock
// during delivery, so a slow subscriber's channel send never blocks a
// concurrent Subscribe/Unsubscribe.
type subscriberSet struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (s *subscriberSet) add(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*subscriber, len(s.subs)+1)
	copy(next, s.subs)
	next[len(s.subs)] = sub
	s.subs = next
}

func (s *subscriberSet) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	s.subs = next
}

func (s *subscriberSet) snapshot() []*subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subs
}

// broadcast delivers ev to every current subscriber, collecting the ids of
// any that overflowed so the caller can unsubscribe them.
func (s *subscriberSet) broadcast(ev Event) (dropped []string) {
	for _, sub := range s.snapshot() {
		if !sub.send(ev) {
			dropped = append(dropped, sub.id)
		}
	}
	return dropped
}

package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types on the operator event stream.
const (
	EventSubmitted = "submitted" // task admitted to a chat queue
	EventAttempt   = "attempt"   // one backend attempt finished
	EventOutcome   = "outcome"   // task reached a terminal state
	EventError     = "error"     // daemon-level error notification
)

// Event is a single entry on the operator event stream.
type Event struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Profile string `json:"profile,omitempty"`
	Backend string `json:"backend,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message,omitempty"`
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans task lifecycle events out to connected operator clients.
// Thread-safe. Subscribers that fall behind miss events rather than
// blocking publishers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	// Ring buffer so new connections get recent context
	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   200,
	}
}

// Publish sends an event to all connected subscribers. Non-blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow, it catches up via the recent buffer
		}
	}
}

// Subscribe creates a new subscriber. The caller must Unsubscribe with
// the returned done channel when finished.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()
	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns the last n buffered events.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	result := make([]Event, n)
	copy(result, eb.recent[len(eb.recent)-n:])
	return result
}

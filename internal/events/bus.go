// Package events provides the in-process lifecycle event bus and a
// WebSocket bridge that streams events to external observers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a lifecycle event
type Type string

const (
	AgentStarted    Type = "AGENT_STARTED"
	AgentOutput     Type = "AGENT_OUTPUT"
	AgentCompleted  Type = "AGENT_COMPLETED"
	AgentError      Type = "AGENT_ERROR"
	AgentPaused     Type = "AGENT_PAUSED"
	AgentResumed    Type = "AGENT_RESUMED"
	WorktreeCreated Type = "GIT_WORKTREE_CREATED"
	WorktreeRemoved Type = "GIT_WORKTREE_REMOVED"
	CommitCreated   Type = "GIT_COMMIT_CREATED"
)

// Event is one lifecycle notification
type Event struct {
	Type      Type      `json:"type"`
	ProcessID string    `json:"process_id,omitempty"`
	Feature   string    `json:"feature,omitempty"`
	Repo      string    `json:"repo,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose channel is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a cancel function.
// The channel is closed when cancel is called.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that can accept it
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were missed by slow subscribers
func (b *Bus) Dropped() int {
	return int(b.dropped.Load())
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

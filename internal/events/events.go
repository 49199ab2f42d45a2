// Package events provides the in-process notification bus that decouples the
// session manager, transfer engine and navigator from whatever front end is
// listening (CLI today, anything else tomorrow).
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the types of events that can be published on the bus.
type EventType string

const (
	EventSessionStateChanged EventType = "session_state_changed"

	EventTransferQueued    EventType = "transfer_queued"    // Job accepted into the queue
	EventTransferProgress  EventType = "transfer_progress"  // Chunk boundary progress update
	EventTransferCompleted EventType = "transfer_completed" // Successfully completed
	EventTransferFailed    EventType = "transfer_failed"    // Failed with error
	EventTransferCancelled EventType = "transfer_cancelled" // Cancelled by caller

	EventDirectoryInvalidated EventType = "directory_invalidated"

	// EventOverwriteDecisionRequested is published when a job's destination
	// already exists and the overwrite policy is Prompt. The job stays
	// suspended until the listener answers via the engine's Decide method.
	EventOverwriteDecisionRequested EventType = "overwrite_decision_requested"
)

const (
	// DefaultBuffer is the per-subscriber channel buffer used when the caller
	// passes a non-positive size.
	DefaultBuffer = 1000

	// MaxBuffer caps the per-subscriber channel buffer.
	MaxBuffer = 10000
)

// Event is the base interface for all events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// SessionStateEvent reports a session lifecycle transition.
type SessionStateEvent struct {
	BaseEvent
	SessionID string
	Profile   string // Profile name the session was opened with
	OldState  string
	NewState  string
	Err       error // Cause, when the transition was failure-driven
}

// TransferEvent reports queue/progress/terminal updates for a single job.
// Progress events for one job are published from that job's worker only, so
// they are never observed out of order.
type TransferEvent struct {
	BaseEvent
	JobID      string
	ParentID   string // Parent job ID for children of a directory expansion
	Kind       string // Job kind ("upload_file", "mkdir", ...)
	Source     string
	Dest       string
	BytesDone  int64
	BytesTotal int64
	Speed      float64 // bytes/sec, EMA smoothed
	Err        error   // Set on transfer_failed
}

// DirectoryInvalidatedEvent announces that a completed mutating operation
// touched path (or a child of path) and any cached listing for it is stale.
type DirectoryInvalidatedEvent struct {
	BaseEvent
	SessionID string
	Path      string
}

// OverwriteDecisionEvent asks the listener what to do about an existing
// destination. The answer goes back through the transfer engine, not the bus.
type OverwriteDecisionEvent struct {
	BaseEvent
	JobID string
	Dest  string
	Size  int64 // Size of the existing destination entry
}

// Bus manages event subscriptions and publishing. Publishing never blocks:
// a subscriber that cannot keep up has events dropped and counted.
type Bus struct {
	subscribers map[EventType][]chan Event
	all         []chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus with the specified per-subscriber buffer.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBuffer
	}
	if bufferSize > MaxBuffer {
		bufferSize = MaxBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to every event type.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}

	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Unsubscribe removes a subscription channel from a specific event type.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	subscribers := b.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel wherever it is registered.
func (b *Bus) UnsubscribeAll(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for eventType, subscribers := range b.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				b.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range b.all {
		if subCh == ch {
			b.all[i] = b.all[len(b.all)-1]
			b.all = b.all[:len(b.all)-1]
			break
		}
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Dropped returns the total number of events dropped due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// PublishSessionState is a convenience method for session transitions.
func (b *Bus) PublishSessionState(sessionID, profile, oldState, newState string, err error) {
	b.Publish(SessionStateEvent{
		BaseEvent: BaseEvent{EventType: EventSessionStateChanged, Time: time.Now()},
		SessionID: sessionID,
		Profile:   profile,
		OldState:  oldState,
		NewState:  newState,
		Err:       err,
	})
}

// PublishDirectoryInvalidated is a convenience method for cache invalidation.
func (b *Bus) PublishDirectoryInvalidated(sessionID, path string) {
	b.Publish(DirectoryInvalidatedEvent{
		BaseEvent: BaseEvent{EventType: EventDirectoryInvalidated, Time: time.Now()},
		SessionID: sessionID,
		Path:      path,
	})
}

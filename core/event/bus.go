// Package event provides the typed event bus used by the engine and the
// per-run execution state with checkpoint support.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event
type Type string

const (
	WorkflowStarted   Type = "workflow.started"
	NodeStarted       Type = "node.started"
	NodeCompleted     Type = "node.completed"
	NodeFailed        Type = "node.failed"
	WorkflowCompleted Type = "workflow.completed"
	GraphInsights     Type = "graph.insights"
)

// Event is a single emission. Sequence is monotonic per bus, which the
// engine scopes to one workflow run.
type Event struct {
	ID         uuid.UUID      `json:"event_id"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Type       Type           `json:"type"`
	Sequence   int64          `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	NodeID     string         `json:"node_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine, which is what guarantees emission-order delivery.
type Handler func(Event)

// Bus is a typed pub/sub with global and per-type subscriptions
type Bus struct {
	mu     sync.Mutex
	seq    int64
	global []Handler
	byType map[Type][]Handler
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		byType: make(map[Type][]Handler),
	}
}

// Subscribe registers a handler for every event
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, h)
}

// SubscribeType registers a handler for one event type
func (b *Bus) SubscribeType(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// Emit assigns the sequence and timestamp, then delivers synchronously in
// subscription order. Total order per bus follows from the lock.
func (b *Bus) Emit(e Event) Event {
	b.mu.Lock()

	b.seq++
	e.Sequence = b.seq
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	handlers := make([]Handler, 0, len(b.global)+len(b.byType[e.Type]))
	handlers = append(handlers, b.global...)
	handlers = append(handlers, b.byType[e.Type]...)

	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	return e
}

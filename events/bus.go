package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Type identifies an event kind on the bus.
type Type string

// Execution lifecycle events
const (
	ExecutionStarted   Type = "execution.started"
	ExecutionSucceeded Type = "execution.succeeded"
	ExecutionFailed    Type = "execution.failed"
	ExecutionCancelled Type = "execution.cancelled"
)

// Node lifecycle events
const (
	NodeStarted   Type = "node.started"
	NodeSucceeded Type = "node.succeeded"
	NodeFailed    Type = "node.failed"
	NodeSkipped   Type = "node.skipped"
	NodeRetrying  Type = "node.retrying"
)

// Agent events
const (
	AgentProbed Type = "agent.probed"
)

// Event is one typed record published on the bus.
type Event struct {
	// Type is the event kind.
	Type Type `json:"type"`
	// ExecutionID scopes execution and node events; empty for agent events.
	ExecutionID string `json:"execution_id,omitempty"`
	// FlowID is the flow of the execution, when applicable.
	FlowID string `json:"flow_id,omitempty"`
	// TenantID is the ownership scope of the execution.
	TenantID string `json:"tenant_id,omitempty"`
	// NodeID scopes node events.
	NodeID string `json:"node_id,omitempty"`
	// AgentID scopes agent events and node dispatches.
	AgentID string `json:"agent_id,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
	// Data carries event-specific fields (error messages, latencies,
	// iteration counters).
	Data map[string]any `json:"data,omitempty"`
}

// Publisher is the publish-only port the orchestrator and its
// collaborators depend on.
type Publisher interface {
	Publish(ev Event)
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

// DefaultSubscriberBuffer is the per-subscription channel capacity.
const DefaultSubscriberBuffer = 64

// Bus is the in-process event bus. Delivery is best-effort: events for
// a subscriber whose buffer is full are dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64

	dropped atomic.Uint64
	logger  *zap.Logger
}

type subscription struct {
	// executionID filters delivery; empty receives everything.
	executionID string
	ch          chan Event
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers a subscriber for one execution's events, or for
// all events when executionID is empty. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(executionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &subscription{
		executionID: executionID,
		ch:          make(chan Event, buffer),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish fans the event out to matching subscribers without blocking.
// Events are dropped per-subscriber when a buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.executionID != "" && sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			n := b.dropped.Add(1)
			if n%1000 == 1 {
				b.logger.Warn("event dropped, subscriber buffer full",
					zap.String("type", string(ev.Type)),
					zap.Uint64("total_dropped", n),
				)
			}
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Package events fans run progress out to in-process subscribers (websocket
// and SSE streams) and to NATS.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// EventType names a run event
type EventType string

// Run event types
const (
	EventRunStatus   EventType = "run.status"
	EventNodeLog     EventType = "node.log"
	EventRunFinished EventType = "run.finished"
)

// Event is a single run progress notification
type Event struct {
	Type      EventType        `json:"type"`
	RunID     string           `json:"run_id"`
	FlowID    string           `json:"flow_id,omitempty"`
	Status    models.RunStatus `json:"status,omitempty"`
	NodeLog   *models.NodeLog  `json:"node_log,omitempty"`
	Data      interface{}      `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher delivers run events. Publishing never fails the run.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// NopPublisher discards events
type NopPublisher struct{}

// Publish does nothing
func (NopPublisher) Publish(context.Context, Event) {}

// MultiPublisher publishes to every publisher in order
type MultiPublisher []Publisher

// Publish forwards event to all publishers
func (m MultiPublisher) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// DefaultBufferSize is the per-subscriber channel capacity
const DefaultBufferSize = 64

// Subscription receives the events of one run, or of all runs when RunID
// is empty
type Subscription struct {
	RunID string
	ch    chan Event
	hub   *Hub
	once  sync.Once
}

// Events returns the receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is an in-process broadcaster keyed by run ID.
// Slow subscribers lose events instead of blocking the engine.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	bufferSize  int
	dropped     atomic.Int64
}

// NewHub creates a hub whose subscriptions buffer bufferSize events
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subscribers: make(map[*Subscription]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscription for runID ("" for every run)
func (h *Hub) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		RunID: runID,
		ch:    make(chan Event, h.bufferSize),
		hub:   h,
	}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
}

// Publish delivers event to the matching subscribers without blocking
func (h *Hub) Publish(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		if sub.RunID != "" && sub.RunID != event.RunID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of live subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped returns how many events were discarded for full subscribers
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

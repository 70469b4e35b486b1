// Package eventbus publishes workflow lifecycle events to subscribers.
//
// The bus is optional infrastructure: it is never required for engine
// correctness and zero subscribers is a valid configuration. Delivery is
// asynchronous, a subscriber's failure is isolated and logged, and a bounded
// rolling history supports replaying the events of one correlation id.
package eventbus

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowTimeout   EventType = "workflow.timeout"
	EventWorkflowCancelled EventType = "workflow.cancelled"
	EventStepStarted       EventType = "step.started"
	EventStepCompleted     EventType = "step.completed"
	EventStepFailed        EventType = "step.failed"
	EventStepSkipped       EventType = "step.skipped"
	EventStepFallback      EventType = "step.fallback"
	EventStepCacheHit      EventType = "step.cache_hit"
	EventBreakerChange     EventType = "breaker.state_change"
	EventTaskEnqueued      EventType = "task.enqueued"
	EventTaskDequeued      EventType = "task.dequeued"

	// EventAny subscribes a handler to every event type.
	EventAny EventType = "*"
)

// Event is an immutable, append-only lifecycle record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type classifies the event.
	Type EventType `json:"type"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
	// Source names the emitting component (engine, registry, queue, ...).
	Source string `json:"source,omitempty"`
	// Target names the subject (workflow id, step id, capability).
	Target string `json:"target,omitempty"`
	// CorrelationID links all events of one workflow execution.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload carries event-specific data.
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, source, target, correlationID string, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Timestamp:     time.Now(),
		Source:        source,
		Target:        target,
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Handler receives published events.
type Handler func(Event)

// Bus is the publish/subscribe interface exposed to engine components.
type Bus interface {
	Publish(event Event)
	Subscribe(eventType EventType, handler Handler) string
	Unsubscribe(subscriptionID string)
	Replay(correlationID string) []Event
	Trace(correlationID string) *ExecutionTrace
	Stop()
}

// subscriptionCounter generates unique subscription ids.
var subscriptionCounter int64

// Config tunes the bus.
type Config struct {
	// BufferSize bounds the internal delivery channel.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// HistorySize bounds the rolling replay history.
	HistorySize int `json:"history_size" yaml:"history_size"`
}

// DefaultConfig returns the defaults: 1024-event buffer, 10000-event history.
func DefaultConfig() Config {
	return Config{
		BufferSize:  1024,
		HistorySize: 10000,
	}
}

// InMemoryBus is the default single-process bus implementation.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler

	history *ring

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped atomic.Int64
	logger  *zap.Logger
}

// New creates a started bus. A nil logger is replaced by a noop.
func New(config Config, logger *zap.Logger) *InMemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultConfig().HistorySize
	}
	b := &InMemoryBus{
		handlers: make(map[EventType]map[string]Handler),
		history:  newRing(config.HistorySize),
		events:   make(chan Event, config.BufferSize),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "eventbus")),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish delivers the event asynchronously to all current subscribers of
// its type. Publishing never blocks the caller: when the buffer is full the
// event is counted as dropped rather than stalling the engine.
func (b *InMemoryBus) Publish(event Event) {
	b.history.append(event)
	select {
	case b.events <- event:
	case <-b.done:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("correlation_id", event.CorrelationID),
		)
	}
}

// Subscribe registers a handler for one event type (or EventAny) and returns
// a subscription id for Unsubscribe.
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored, so repeated
// calls are safe.
func (b *InMemoryBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// Replay returns the retained events for one correlation id in timestamp
// order.
func (b *InMemoryBus) Replay(correlationID string) []Event {
	events := b.history.filter(correlationID)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events
}

// Dropped returns the number of events discarded due to a full buffer.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Stop shuts the bus down. Events published after Stop are retained in
// history but not delivered.
func (b *InMemoryBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.events:
			b.deliver(event)
		case <-b.done:
			// Drain what is already buffered before exiting.
			for {
				select {
				case event := <-b.events:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *InMemoryBus) deliver(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[EventAny]))
	for _, h := range b.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[EventAny] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("type", string(event.Type)),
						zap.Any("recover", r),
					)
				}
			}()
			h(event)
		}()
	}
}

// ring is a fixed-capacity append-only event buffer.
type ring struct {
	mu     sync.RWMutex
	buf    []Event
	next   int
	filled bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = event
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.filled = true
	}
}

func (r *ring) filter(correlationID string) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	appendMatch := func(e Event) {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	if r.filled {
		for _, e := range r.buf[r.next:] {
			appendMatch(e)
		}
	}
	for _, e := range r.buf[:r.next] {
		appendMatch(e)
	}
	return out
}

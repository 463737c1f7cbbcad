// Package events provides the in-process event bus used to decouple the
// decision modules from alerting, outcome tracking, and other listeners.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a class of event on the bus.
type EventType string

const (
	CircuitTripped   EventType = "circuit.tripped"
	CircuitReset     EventType = "circuit.reset"
	DrawdownBreached EventType = "portfolio.drawdown_breached"
	CrisisEvaluated  EventType = "crisis.evaluated"
	RepairSuggested  EventType = "repair.suggested"
	RepairExecuted   EventType = "repair.executed"
	RepairReverted   EventType = "repair.reverted"
	OutcomeRecorded  EventType = "repair.outcome_recorded"
	OracleAlert      EventType = "oracle.alert"
	PolicyUpdated    EventType = "policy.updated"
)

// Event is what subscribers receive. Data holds the typed payload for the
// event's type.
type Event struct {
	Type      EventType
	Data      EventData
	Timestamp time.Time
}

// Handler is invoked for each published event of a subscribed type.
// Handlers run synchronously on the publisher's goroutine; long work
// belongs in the handler's own goroutine.
type Handler func(event *Event)

// Bus is a minimal synchronous pub/sub bus. Subscribe during wiring,
// publish from anywhere.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers data to every handler subscribed to its type. A panicking
// handler is logged and skipped so one listener cannot take down the
// publisher.
func (b *Bus) Publish(data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.deliver(event, handler)
	}
}

func (b *Bus) deliver(event *Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

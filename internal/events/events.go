// Package events is the observability channel for the evolution engine.
// It publishes fixed-schema typed events at every lifecycle point, whether
// or not anyone is subscribed. Delivery is best-effort: a slow subscriber
// drops events rather than stalling the generation loop.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind is the fixed enumeration of event types.
type Kind string

const (
	KindGenerationStart     Kind = "generation-start"
	KindAgentEvaluated      Kind = "agent-evaluated"
	KindSelectionComplete   Kind = "selection-complete"
	KindGenerationComplete  Kind = "generation-complete"
	KindMutationApplied     Kind = "mutation-applied"
	KindArchiveUpdated      Kind = "archive-updated"
	KindConvergenceDetected Kind = "convergence-detected"
	KindError               Kind = "error"
)

// Event is one timestamped observation.
type Event struct {
	Kind       Kind           `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"runId"`
	Generation int            `json:"generation"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Sink receives every published event, e.g. an MQTT publisher or a test
// recorder. Sinks must be fast or internally asynchronous.
type Sink interface {
	Emit(e Event)
}

// Bus fans events out to channel subscribers and registered sinks.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	sinks  []Sink
	runID  string
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBus creates a bus for one run. buffer is the per-subscriber channel
// depth; zero selects a default of 64.
func NewBus(runID string, buffer int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		runID:  runID,
		buffer: buffer,
		logger: logger.With("component", "events"),
	}
}

// Subscribe returns a channel receiving all subsequent events. The channel
// is closed when the bus closes.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// AddSink registers a sink for synchronous fan-out.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish emits an event to all subscribers and sinks. Never blocks.
func (b *Bus) Publish(kind Kind, generation int, payload map[string]any) {
	e := Event{
		Kind:       kind,
		Timestamp:  time.Now().UTC(),
		RunID:      b.runID,
		Generation: generation,
		Payload:    payload,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("dropping event for slow subscriber", "kind", kind)
		}
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	// Sinks run outside the lock so a slow sink cannot stall Subscribe,
	// AddSink, or Close.
	for _, s := range sinks {
		s.Emit(e)
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

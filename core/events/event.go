package events

import "swapvault/core/types"

// Event represents a structured state change emitted by the node.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, journal).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// MultiEmitter fans a single emission out to several sinks in order.
type MultiEmitter struct {
	sinks []Emitter
}

// NewMultiEmitter builds a fan-out emitter; nil sinks are skipped.
func NewMultiEmitter(sinks ...Emitter) *MultiEmitter {
	filtered := make([]Emitter, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return &MultiEmitter{sinks: filtered}
}

// Emit implements the Emitter interface.
func (m *MultiEmitter) Emit(evt Event) {
	if m == nil {
		return
	}
	for _, sink := range m.sinks {
		sink.Emit(evt)
	}
}

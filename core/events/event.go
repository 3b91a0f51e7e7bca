package events

import "github.com/mkhmik004/trustwork/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their canonical wire form.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Multi fans every event out to each emitter in order. Nil entries are skipped.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}

// Collector buffers events in memory. Tests use it to assert emission order.
type Collector struct {
	Events []Event
}

// Emit implements the Emitter interface.
func (c *Collector) Emit(evt Event) {
	c.Events = append(c.Events, evt)
}

// Types returns the event types recorded so far.
func (c *Collector) Types() []string {
	out := make([]string, 0, len(c.Events))
	for _, evt := range c.Events {
		out = append(out, evt.EventType())
	}
	return out
}

// Wire extracts the canonical payload from an event when it exposes one.
func Wire(evt Event) (*types.Event, bool) {
	payload, ok := evt.(Payload)
	if !ok {
		return nil, false
	}
	wire := payload.Event()
	if wire == nil {
		return nil, false
	}
	return wire, true
}

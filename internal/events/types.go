// Package events implements the real-time event core: per-client event queues,
// the process-wide queue registry, the dispatcher that fans state changes out to
// interested queues, and the long-poll reader.
package events

import (
	"encoding/json"
	"fmt"
)

// QueueID is the opaque identifier of one client's event queue.
// It doubles as a bearer credential for reading that queue.
type QueueID string

// Payload is the typed body of an event.
type Payload interface {
	EventType() string
}

// queueSpecific is implemented by payloads that must be specialised for the
// receiving queue (per-user flags, rendered vs raw content).
type queueSpecific interface {
	forQueue(q *EventQueue) Payload
}

// Event is one entry in an event queue.
// ID is assigned by the queue on append; zero until then.
type Event struct {
	ID      int64
	Payload Payload

	// StateVersion is the state store version the originating mutation committed
	// at. Zero for events that do not describe a state change.
	StateVersion int64
}

// NewEvent wraps a payload produced by a mutation committed at version.
func NewEvent(payload Payload, version int64) Event {
	return Event{Payload: payload, StateVersion: version}
}

// Type returns the event type name, or "" for an empty event.
func (e Event) Type() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// MarshalJSON flattens the payload next to the id and type fields:
// {"id": 3, "type": "pointer", "pointer": 17}.
func (e Event) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if e.Payload != nil {
		body, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
		}
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("payload of %s is not an object: %w", e.Type(), err)
		}
	}

	id, _ := json.Marshal(e.ID)
	typ, _ := json.Marshal(e.Type())
	fields["id"] = id
	fields["type"] = typ

	return json.Marshal(fields)
}

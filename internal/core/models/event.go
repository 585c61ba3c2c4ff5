package models

import "time"

type EventKind uint8

const (
	// EventUpdate carries component patches.
	EventUpdate EventKind = iota
	// EventRemove destroys the entity; only honoured from the owning source.
	EventRemove
	// EventSuspended is the terminal event of a stream after connection loss.
	EventSuspended
	// EventResumed follows a successful reconnect.
	EventResumed
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	case EventSuspended:
		return "suspended"
	case EventResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// ParseEventKind accepts the String forms; the empty string means update.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "", "update":
		return EventUpdate, true
	case "remove":
		return EventRemove, true
	default:
		return 0, false
	}
}

// ComponentPatch changes one component. Payload fields merge over the current
// value; Remove detaches the component.
type ComponentPatch struct {
	Type    ComponentType
	Payload Payload
	Remove  bool
}

// PacketEvent is the normalized unit produced by a protocol adapter.
type PacketEvent struct {
	Kind            EventKind
	Source          SourceID
	Entity          EntityRef
	Patches         []ComponentPatch
	SourceTimestamp time.Time
	SourceSequence  uint64
	// Basis is the authoritative sequence a prediction was computed against.
	// Zero means unknown: the guess is then discarded when its timestamp is
	// older than the confirmed write it would cover.
	Basis uint64
	// Err is set on EventSuspended.
	Err error
}

// Terminal reports whether the event ends the current stream of its source.
func (e PacketEvent) Terminal() bool { return e.Kind == EventSuspended }

// ActionPayload is an outbound action serialized by an adapter.
type ActionPayload struct {
	ID     string
	Entity EntityRef
	Name   string
	Args   Payload
}

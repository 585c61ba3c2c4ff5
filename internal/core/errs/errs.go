// Package errs defines the world core's error taxonomy. Every recoverable
// failure carries a Kind that decides how it is counted, and a Class that
// decides whether processing may continue.
package errs

import (
	"errors"
	"fmt"
)

// Class says how a failure must be handled.
type Class int

const (
	// ClassTransient failures are recovered locally (drop, retry, reconnect).
	ClassTransient Class = iota
	// ClassInvalid failures come from bad input or misconfiguration; the input is dropped and counted.
	ClassInvalid
	// ClassFatal failures are programming errors and must stop world initialization.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type Kind string

const (
	KindProtocol             Kind = "protocol_error"
	KindSyncConflict         Kind = "sync_conflict"
	KindDispatchTimeout      Kind = "dispatch_timeout"
	KindProviderUnavailable  Kind = "provider_unavailable"
	KindOrphanPatch          Kind = "orphan_patch"
	KindUnknownComponentType Kind = "unknown_component_type"
	KindStaleEvent           Kind = "stale_event"
	KindStoreInvariant       Kind = "store_invariant_violation"
)

// Sentinels usable with errors.Is. A *Error of the matching kind is Is-equal to them.
var (
	ErrProtocol             = errors.New("protocol error")
	ErrSyncConflict         = errors.New("sync conflict")
	ErrDispatchTimeout      = errors.New("dispatch timeout")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrOrphanPatch          = errors.New("orphan patch")
	ErrUnknownComponentType = errors.New("unknown component type")
	ErrStaleEvent           = errors.New("stale event")
	ErrStoreInvariant       = errors.New("store invariant violation")
)

var sentinels = map[Kind]error{
	KindProtocol:             ErrProtocol,
	KindSyncConflict:         ErrSyncConflict,
	KindDispatchTimeout:      ErrDispatchTimeout,
	KindProviderUnavailable:  ErrProviderUnavailable,
	KindOrphanPatch:          ErrOrphanPatch,
	KindUnknownComponentType: ErrUnknownComponentType,
	KindStaleEvent:           ErrStaleEvent,
	KindStoreInvariant:       ErrStoreInvariant,
}

// ClassOf returns the handling class of a kind.
func ClassOf(k Kind) Class {
	switch k {
	case KindStoreInvariant:
		return ClassFatal
	case KindOrphanPatch, KindUnknownComponentType:
		return ClassInvalid
	default:
		return ClassTransient
	}
}

// Error is a classified failure raised by one operation of one component.
type Error struct {
	Kind  Kind
	Class Class
	Op    string
	Err   error
}

// New classifies err under kind. Op names the failing operation, e.g. "store.RestoreEntity".
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Class: ClassOf(kind), Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf reports the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k, true
		}
	}
	return "", false
}

func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassFatal
}

func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ClassTransient
}

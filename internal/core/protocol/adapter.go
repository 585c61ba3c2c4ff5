// Package protocol is the adapter framework: the contract every protocol
// source implements, the per-source logical clock, wire packet decoding and
// validation, and the pump that keeps a source connected.
package protocol

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Adapter normalizes one external source into PacketEvents. Adapters never
// write the store; they only produce events.
type Adapter interface {
	ID() models.SourceID
	// Connect establishes (or re-establishes) the connection. After a terminal
	// event, a successful Connect emits a resumed event.
	Connect(ctx context.Context, endpoint string, creds Credentials) (ConnectionHandle, error)
	// PollEvents yields the events available now. The sequence is finite per
	// call and the next call continues where this one stopped.
	PollEvents(ctx context.Context) iter.Seq[models.PacketEvent]
	// Ready is signalled when new events are buffered.
	Ready() <-chan struct{}
	SubmitAction(ctx context.Context, action models.ActionPayload) error
	Close() error
}

type Credentials struct {
	User     string `yaml:"user" json:"user,omitempty"`
	Password string `yaml:"password" json:"password,omitempty"`
	Token    string `yaml:"token" json:"token,omitempty"`
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool { return c == Credentials{} }

// ConnectionID identifies one connection of one adapter.
type ConnectionID string

func GenerateConnectionID() ConnectionID { return ConnectionID(uuid.NewString()) }

type ConnectionHandle struct {
	ID          ConnectionID
	Source      models.SourceID
	Endpoint    string
	ConnectedAt time.Time
}

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateSuspended
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

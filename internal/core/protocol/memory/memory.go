// Package memory implements an in-process protocol adapter. It carries local
// prediction input and drives tests.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

// Adapter is fed through Send and SendPacket instead of a network connection.
type Adapter struct {
	*protocol.Base

	mu        sync.Mutex
	token     string
	handle    *protocol.ConnectionHandle
	closed    bool
	actions   []models.ActionPayload
	actionErr error
}

var _ protocol.Adapter = (*Adapter)(nil)

type options struct {
	token string
	base  []protocol.BaseOption
}

type Option func(*options)

// WithToken makes Connect require the given token.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithBase forwards options to the embedded protocol.Base.
func WithBase(opts ...protocol.BaseOption) Option {
	return func(o *options) { o.base = append(o.base, opts...) }
}

func New(id models.SourceID, opts ...Option) *Adapter {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter{Base: protocol.NewBase(id, o.base...), token: o.token}
}

func (a *Adapter) Connect(ctx context.Context, endpoint string, creds protocol.Credentials) (protocol.ConnectionHandle, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ConnectionHandle{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return protocol.ConnectionHandle{}, protocol.ErrAdapterClosed
	}
	if a.token != "" && creds.Token != a.token {
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "connect", protocol.ErrHandshakeFailed)
	}
	if a.handle != nil {
		return *a.handle, nil
	}

	a.SetState(protocol.StateConnecting)
	h := protocol.ConnectionHandle{
		ID:          protocol.GenerateConnectionID(),
		Source:      a.ID(),
		Endpoint:    endpoint,
		ConnectedAt: time.Now(),
	}
	a.handle = &h
	a.Resume()
	return h, nil
}

// Send ingests one raw frame as if it arrived from the wire.
func (a *Adapter) Send(raw []byte) error {
	if err := a.connected(); err != nil {
		return err
	}
	return a.Ingest(raw)
}

// SendPacket ingests an already decoded packet.
func (a *Adapter) SendPacket(pkt protocol.WirePacket) error {
	if err := a.connected(); err != nil {
		return err
	}
	return a.Emit(pkt)
}

// SendJSON marshals v and ingests it.
func (a *Adapter) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.Send(raw)
}

// Disconnect simulates connection loss.
func (a *Adapter) Disconnect(cause error) {
	a.mu.Lock()
	if a.handle == nil {
		a.mu.Unlock()
		return
	}
	a.handle = nil
	a.mu.Unlock()

	if cause == nil {
		cause = protocol.ErrConnectionLost
	}
	a.Terminate(protocol.NewProtocolError(a.ID(), "read", cause))
}

func (a *Adapter) SubmitAction(ctx context.Context, action models.ActionPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.connected(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.actionErr != nil {
		return a.actionErr
	}
	a.actions = append(a.actions, action)
	return nil
}

// FailActions makes SubmitAction return err until called again with nil.
func (a *Adapter) FailActions(err error) {
	a.mu.Lock()
	a.actionErr = err
	a.mu.Unlock()
}

// Actions returns the actions submitted so far.
func (a *Adapter) Actions() []models.ActionPayload {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ActionPayload, len(a.actions))
	copy(out, a.actions)
	return out
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.handle = nil
	a.mu.Unlock()

	a.Terminate(protocol.ErrAdapterClosed)
	a.SetState(protocol.StateClosed)
	return nil
}

func (a *Adapter) connected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return protocol.ErrAdapterClosed
	}
	if a.handle == nil {
		return protocol.ErrNotConnected
	}
	return nil
}

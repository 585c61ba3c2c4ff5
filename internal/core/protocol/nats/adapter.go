// Package nats implements a protocol adapter that reads a world source from a
// NATS subject. Packets arrive on <subject>.events and actions are published
// to <subject>.actions.
package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

type Config struct {
	// Subject is the prefix for the events and actions subjects.
	Subject       string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:       2 * time.Second,
		MaxReconnects: 10,
		ReconnectWait: time.Second,
	}
}

func (c Config) EventsSubject() string  { return c.Subject + ".events" }
func (c Config) ActionsSubject() string { return c.Subject + ".actions" }

type Adapter struct {
	*protocol.Base
	cfg Config

	mu     sync.Mutex
	conn   *nats.Conn
	sub    *nats.Subscription
	handle protocol.ConnectionHandle
	closed bool
}

var _ protocol.Adapter = (*Adapter)(nil)

func New(id models.SourceID, cfg Config, opts ...protocol.BaseOption) *Adapter {
	def := DefaultConfig()
	if cfg.Subject == "" {
		cfg.Subject = "world." + string(id)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	return &Adapter{Base: protocol.NewBase(id, opts...), cfg: cfg}
}

func (a *Adapter) Connect(ctx context.Context, endpoint string, creds protocol.Credentials) (protocol.ConnectionHandle, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ConnectionHandle{}, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return protocol.ConnectionHandle{}, protocol.ErrAdapterClosed
	}
	if a.conn != nil {
		h := a.handle
		a.mu.Unlock()
		return h, nil
	}
	a.mu.Unlock()

	a.SetState(protocol.StateConnecting)

	opts := []nats.Option{
		nats.Name("worldcore-" + string(a.ID())),
		nats.Timeout(a.cfg.Timeout),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.DisconnectErrHandler(a.handleDisconnect),
		nats.ReconnectHandler(a.handleReconnect),
		nats.ClosedHandler(a.handleClosed),
	}
	switch {
	case creds.Token != "":
		opts = append(opts, nats.Token(creds.Token))
	case creds.User != "":
		opts = append(opts, nats.UserInfo(creds.User, creds.Password))
	}

	conn, err := nats.Connect(endpoint, opts...)
	if err != nil {
		a.SetState(protocol.StateDisconnected)
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "connect", err)
	}

	sub, err := conn.Subscribe(a.cfg.EventsSubject(), func(msg *nats.Msg) {
		_ = a.Ingest(msg.Data)
	})
	if err != nil {
		conn.Close()
		a.SetState(protocol.StateDisconnected)
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "subscribe", err)
	}
	if err = conn.Flush(); err != nil {
		conn.Close()
		a.SetState(protocol.StateDisconnected)
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "subscribe", err)
	}

	h := protocol.ConnectionHandle{
		ID:          protocol.GenerateConnectionID(),
		Source:      a.ID(),
		Endpoint:    conn.ConnectedUrlRedacted(),
		ConnectedAt: time.Now(),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return protocol.ConnectionHandle{}, protocol.ErrAdapterClosed
	}
	a.conn, a.sub, a.handle = conn, sub, h
	a.mu.Unlock()

	a.Logger().Info("NATS source connected",
		log.String("endpoint", h.Endpoint),
		log.String("subject", a.cfg.EventsSubject()),
	)
	a.Resume()
	return h, nil
}

func (a *Adapter) handleDisconnect(_ *nats.Conn, err error) {
	if a.isClosed() {
		return
	}
	if err == nil {
		err = protocol.ErrConnectionLost
	}
	a.Terminate(protocol.NewProtocolError(a.ID(), "read", err))
}

func (a *Adapter) handleReconnect(*nats.Conn) {
	if a.isClosed() {
		return
	}
	a.Resume()
}

// handleClosed fires once the client gives up reconnecting.
func (a *Adapter) handleClosed(conn *nats.Conn) {
	a.mu.Lock()
	if a.closed || a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn, a.sub = nil, nil
	a.mu.Unlock()

	a.Terminate(protocol.NewProtocolError(a.ID(), "read", protocol.ErrConnectionLost))
}

func (a *Adapter) SubmitAction(ctx context.Context, action models.ActionPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return protocol.ErrNotConnected
	}

	raw, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}
	if err = conn.Publish(a.cfg.ActionsSubject(), raw); err != nil {
		return protocol.NewProtocolError(a.ID(), "submit", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn, sub := a.conn, a.sub
	a.conn, a.sub = nil, nil
	a.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		conn.Close()
	}
	a.Terminate(protocol.ErrAdapterClosed)
	a.SetState(protocol.StateClosed)
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

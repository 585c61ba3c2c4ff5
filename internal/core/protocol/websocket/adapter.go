// Package websocket implements a protocol adapter that reads a world source
// from a websocket endpoint. Every text or binary message is one wire packet.
package websocket

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		PingInterval:     15 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

type Adapter struct {
	*protocol.Base
	cfg    Config
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	handle protocol.ConnectionHandle
	closed bool
	stop   chan struct{}

	writeMu sync.Mutex
}

var _ protocol.Adapter = (*Adapter)(nil)

func New(id models.SourceID, cfg Config, opts ...protocol.BaseOption) *Adapter {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Adapter{
		Base:   protocol.NewBase(id, opts...),
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// AuthHeader builds the Authorization header for creds: bearer when a token
// is present, basic when a user is.
func AuthHeader(creds protocol.Credentials) http.Header {
	h := http.Header{}
	switch {
	case creds.Token != "":
		h.Set("Authorization", "Bearer "+creds.Token)
	case creds.User != "":
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds.User+":"+creds.Password)))
	}
	return h
}

func (a *Adapter) Connect(ctx context.Context, endpoint string, creds protocol.Credentials) (protocol.ConnectionHandle, error) {
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
	conn, resp, err := a.dialer.DialContext(ctx, endpoint, AuthHeader(creds))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		a.SetState(protocol.StateDisconnected)
		if errors.Is(err, websocket.ErrBadHandshake) {
			err = errors.Join(protocol.ErrHandshakeFailed, err)
		}
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "dial", err)
	}
	conn.SetReadLimit(int64(a.Limits().MaxFrameSize))

	h := protocol.ConnectionHandle{
		ID:          protocol.GenerateConnectionID(),
		Source:      a.ID(),
		Endpoint:    endpoint,
		ConnectedAt: time.Now(),
	}
	stop := make(chan struct{})

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return protocol.ConnectionHandle{}, protocol.ErrAdapterClosed
	}
	a.conn, a.handle, a.stop = conn, h, stop
	a.mu.Unlock()

	a.Logger().Info("Websocket source connected", log.String("endpoint", endpoint))

	go a.readLoop(conn)
	go a.pingLoop(conn, stop)
	a.Resume()
	return h, nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		typ, raw, err := conn.ReadMessage()
		if err != nil {
			a.lost(conn, err)
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		_ = a.Ingest(raw)
	}
}

func (a *Adapter) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(a.cfg.WriteTimeout))
			a.writeMu.Unlock()
			if err != nil {
				a.lost(conn, err)
				return
			}
		}
	}
}

func (a *Adapter) lost(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	close(a.stop)
	a.mu.Unlock()

	_ = conn.Close()
	a.Terminate(protocol.NewProtocolError(a.ID(), "read", errors.Join(protocol.ErrConnectionLost, cause)))
}

func (a *Adapter) SubmitAction(ctx context.Context, action models.ActionPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return protocol.ErrNotConnected
	}

	raw, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(a.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err = conn.WriteMessage(websocket.TextMessage, raw); err != nil {
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
	conn := a.conn
	a.conn = nil
	if conn != nil {
		close(a.stop)
	}
	a.mu.Unlock()

	var err error
	if conn != nil {
		a.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		a.writeMu.Unlock()
		err = conn.Close()
	}
	a.Terminate(protocol.ErrAdapterClosed)
	a.SetState(protocol.StateClosed)
	return err
}

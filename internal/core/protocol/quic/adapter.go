// Package quic implements a protocol adapter that reads a world source over a
// single bidirectional QUIC stream of length-prefixed JSON frames.
package quic

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

// Hello is the first frame a client writes after opening the stream.
type Hello struct {
	Source   string `json:"source"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Ack answers Hello.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type Config struct {
	TLS              *tls.Config
	QUIC             *quic.Config
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TLS: InsecureClientTLS(),
		QUIC: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		HandshakeTimeout: 5 * time.Second,
	}
}

type Adapter struct {
	*protocol.Base
	cfg Config

	mu     sync.Mutex
	conn   *quic.Conn
	stream *quic.Stream
	handle protocol.ConnectionHandle
	closed bool

	writeMu sync.Mutex
}

var _ protocol.Adapter = (*Adapter)(nil)

func New(id models.SourceID, cfg Config, opts ...protocol.BaseOption) *Adapter {
	def := DefaultConfig()
	if cfg.TLS == nil {
		cfg.TLS = def.TLS
	}
	if cfg.QUIC == nil {
		cfg.QUIC = def.QUIC
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return &Adapter{Base: protocol.NewBase(id, opts...), cfg: cfg}
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

	tlsConfig := a.cfg.TLS.Clone()
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(endpoint); err == nil {
			tlsConfig.ServerName = host
		}
	}

	conn, err := quic.DialAddr(ctx, endpoint, tlsConfig, a.cfg.QUIC)
	if err != nil {
		a.SetState(protocol.StateDisconnected)
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "dial", err)
	}

	stream, err := a.handshake(ctx, conn, creds)
	if err != nil {
		_ = conn.CloseWithError(0, "handshake failed")
		a.SetState(protocol.StateDisconnected)
		return protocol.ConnectionHandle{}, protocol.NewProtocolError(a.ID(), "handshake", err)
	}

	h := protocol.ConnectionHandle{
		ID:          protocol.GenerateConnectionID(),
		Source:      a.ID(),
		Endpoint:    endpoint,
		ConnectedAt: time.Now(),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.CloseWithError(0, "adapter closed")
		return protocol.ConnectionHandle{}, protocol.ErrAdapterClosed
	}
	a.conn, a.stream, a.handle = conn, stream, h
	a.mu.Unlock()

	a.Logger().Info("QUIC source connected",
		log.String("endpoint", endpoint),
		log.String("remote_addr", conn.RemoteAddr().String()),
	)

	go a.readLoop(conn, stream)
	a.Resume()
	return h, nil
}

func (a *Adapter) handshake(ctx context.Context, conn *quic.Conn, creds protocol.Credentials) (*quic.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}

	hello, err := json.Marshal(Hello{
		Source:   string(a.ID()),
		User:     creds.User,
		Password: creds.Password,
		Token:    creds.Token,
	})
	if err != nil {
		return nil, err
	}
	if err = protocol.WriteFrame(stream, hello); err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = stream.SetReadDeadline(deadline)
	raw, err := protocol.ReadFrame(stream, a.Limits().MaxFrameSize)
	if err != nil {
		return nil, err
	}
	_ = stream.SetReadDeadline(time.Time{})

	var ack Ack
	if err = json.Unmarshal(raw, &ack); err != nil {
		return nil, err
	}
	if !ack.OK {
		return nil, fmt.Errorf("%w: %s", protocol.ErrHandshakeFailed, ack.Error)
	}
	return stream, nil
}

func (a *Adapter) readLoop(conn *quic.Conn, stream *quic.Stream) {
	for {
		raw, err := protocol.ReadFrame(stream, a.Limits().MaxFrameSize)
		if err != nil {
			a.lost(conn, err)
			return
		}
		// Bad packets are counted by Base and do not end the stream.
		_ = a.Ingest(raw)
	}
}

func (a *Adapter) lost(conn *quic.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn, a.stream = nil, nil
	a.mu.Unlock()

	_ = conn.CloseWithError(0, "")
	a.Terminate(protocol.NewProtocolError(a.ID(), "read", errors.Join(protocol.ErrConnectionLost, cause)))
}

func (a *Adapter) SubmitAction(ctx context.Context, action models.ActionPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	stream := a.stream
	a.mu.Unlock()
	if stream == nil {
		return protocol.ErrNotConnected
	}

	raw, err := protocol.EncodeAction(action)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(deadline)
		defer func() { _ = stream.SetWriteDeadline(time.Time{}) }()
	}
	if err = protocol.WriteFrame(stream, raw); err != nil {
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
	a.conn, a.stream = nil, nil
	a.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.CloseWithError(0, "closing")
	}
	a.Terminate(protocol.ErrAdapterClosed)
	a.SetState(protocol.StateClosed)
	return err
}

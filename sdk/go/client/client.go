// Package client is the Go SDK for world consumers. It follows the delta
// stream of a world server, resuming from its cursor across reconnects, and
// submits actions to entity owners.
package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zeusync/worldcore/internal/core/gateway"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// Client represents a consumer connection to a world server
type Client struct {
	// Connection management
	conn   *websocket.Conn
	connMu sync.Mutex
	dialer *websocket.Dialer
	codec  *gateway.Codec
	cursor atomic.Uint64

	// Pending actions by ref
	pending   map[string]chan result
	pendingMu sync.Mutex

	// Handlers
	deltaHandlers []DeltaHandler
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected int32 // atomic bool
	closed    int32 // atomic bool
	stop      chan struct{}

	// Configuration and logging
	config Config
	logger log.Log

	// Background workers
	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// ServerURL is the ws:// or wss:// base of the world gateway.
	ServerURL string
	Token     string

	// Subscription filter
	Entities      []models.EntityID
	Components    []models.ComponentType
	ConfirmedOnly bool

	// Schemas lists the component types this client understands and the
	// newest schema version of each. Other components are skipped.
	Schemas map[models.ComponentType]uint16

	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // zero retries forever
	MessageTimeout       time.Duration

	Logger log.Log
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ServerURL:            "ws://localhost:8080",
		ConnectTimeout:       10 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 10,
		MessageTimeout:       10 * time.Second,
	}
}

// Delta is a delta together with the cursor to resume after it.
type Delta struct {
	Cursor gateway.Cursor
	models.SyncDelta
}

// DeltaHandler is called on the reader goroutine, in stream order.
type DeltaHandler func(d Delta)

// EventHandler defines a function type for handling client events
type EventHandler func(event Event) error

// EventType represents different types of client events
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeReconnecting EventType = "reconnecting"
	EventTypeError        EventType = "error"
	// EventTypeResync means the server no longer held the resume cursor and
	// the stream restarted at the head. Deltas in between were missed.
	EventTypeResync EventType = "resync"
	// EventTypeSkipped reports components dropped by the decoder.
	EventTypeSkipped EventType = "skipped"
)

// Event represents a client event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
	Error     error
}

type actionMessage struct {
	Ref    string          `json:"ref"`
	Entity models.EntityID `json:"entity"`
	gateway.Action
}

type ackMessage struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type result struct {
	id  string
	err error
}

// NewClient creates a new world client
func NewClient(config Config) *Client {
	def := DefaultClientConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = def.ReconnectInterval
	}
	if config.MessageTimeout <= 0 {
		config.MessageTimeout = def.MessageTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Provide()
	}

	c := &Client{
		dialer:        &websocket.Dialer{HandshakeTimeout: config.ConnectTimeout},
		codec:         gateway.NewCodec(config.Schemas),
		pending:       make(map[string]chan result),
		eventHandlers: make(map[EventType][]EventHandler),
		config:        config,
		logger:        logger.With(log.Component("client")),
	}

	c.logger.Info("Client created", log.String("server_url", config.ServerURL))

	return c
}

// Connect opens the delta stream. It resumes from the last received cursor
// when the client was connected before.
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrClientClosed
	}

	if !atomic.CompareAndSwapInt32(&c.connected, 0, 1) {
		return ErrAlreadyConnected
	}

	c.logger.Info("Connecting to server", log.String("server_url", c.config.ServerURL))

	conn, err := c.dial(ctx)
	if errors.Is(err, ErrCursorExpired) {
		c.resync()
		conn, err = c.dial(ctx)
	}
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		c.logger.Error("Failed to connect to server", log.Error(err))
		return err
	}

	c.stop = make(chan struct{})
	c.setConn(conn)

	c.workerGroup.Add(1)
	go c.run(conn)

	c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now(), Data: map[string]any{"cursor": c.Cursor()}})

	return nil
}

// Disconnect closes the stream. Actions waiting for an ack fail with
// ErrNotConnected.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.connected, 1, 0) {
		return ErrNotConnected
	}

	c.logger.Info("Disconnecting from server")

	close(c.stop)
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.workerGroup.Wait()
	c.failPending(ErrNotConnected)

	c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now()})

	c.logger.Info("Disconnected from server")

	return nil
}

// Close closes the client and releases all resources
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.logger.Info("Closing client")

	if atomic.LoadInt32(&c.connected) == 1 {
		_ = c.Disconnect()
	}

	c.logger.Info("Client closed")

	return nil
}

// Submit sends an action for an entity and waits for the server to route
// it to the entity owner. It returns the action id.
func (c *Client) Submit(ctx context.Context, entity models.EntityID, action gateway.Action) (string, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return "", ErrClientClosed
	}
	if atomic.LoadInt32(&c.connected) == 0 {
		return "", ErrNotConnected
	}

	ref := uuid.NewString()
	ch := make(chan result, 1)
	c.pendingMu.Lock()
	c.pending[ref] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, ref)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(actionMessage{Ref: ref, Entity: entity, Action: action})
	if err != nil {
		return "", err
	}
	if err := c.write(data); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.config.MessageTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.id, r.err
	case <-timer.C:
		return "", ErrMessageTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnDelta registers a handler for every received delta
func (c *Client) OnDelta(handler DeltaHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()

	c.deltaHandlers = append(c.deltaHandlers, handler)
}

// OnEvent registers an event handler
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
	c.logger.Debug("Event handler registered", log.String("type", string(eventType)))
}

// Cursor is the position the stream resumes from. Zero means the head.
func (c *Client) Cursor() gateway.Cursor { return gateway.Cursor(c.cursor.Load()) }

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// IsClosed returns true if the client is closed
func (c *Client) IsClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

func (c *Client) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimSuffix(c.config.ServerURL, "/") + "/v1/deltas")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	q := u.Query()
	q.Set("format", "binary")
	if cur := c.cursor.Load(); cur > 0 {
		q.Set("cursor", strconv.FormatUint(cur, 10))
	}
	if len(c.config.Entities) > 0 {
		ids := make([]string, len(c.config.Entities))
		for i, id := range c.config.Entities {
			ids[i] = id.String()
		}
		q.Set("entities", strings.Join(ids, ","))
	}
	if len(c.config.Components) > 0 {
		types := make([]string, len(c.config.Components))
		for i, t := range c.config.Components {
			types[i] = string(t)
		}
		q.Set("components", strings.Join(types, ","))
	}
	if c.config.ConfirmedOnly {
		q.Set("confirmed", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.streamURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusGone:
				return nil, ErrCursorExpired
			case http.StatusUnauthorized:
				return nil, ErrUnauthorized
			}
		}
		return nil, err
	}
	return conn, nil
}

// setConn installs conn unless Disconnect ran meanwhile.
func (c *Client) setConn(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if atomic.LoadInt32(&c.connected) == 0 {
		_ = conn.Close()
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) write(data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.MessageTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) resync() {
	c.logger.Warn("Resume cursor expired, restarting at head", log.Uint64("cursor", c.cursor.Load()))
	c.cursor.Store(0)
	c.emitEvent(Event{Type: EventTypeResync, Timestamp: time.Now(), Error: ErrCursorExpired})
}

// run reads the stream and reconnects after failures until Disconnect.
func (c *Client) run(conn *websocket.Conn) {
	defer c.workerGroup.Done()

	for {
		err := c.read(conn)
		if atomic.LoadInt32(&c.connected) == 0 {
			return
		}
		c.failPending(ErrNotConnected)

		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == gateway.CloseCursorExpired {
			c.resync()
		}
		c.logger.Warn("Delta stream lost", log.Error(err))
		c.emitEvent(Event{Type: EventTypeDisconnected, Timestamp: time.Now(), Error: err})

		if conn = c.reconnect(); conn == nil {
			return
		}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	for attempt := 1; c.config.MaxReconnectAttempts <= 0 || attempt <= c.config.MaxReconnectAttempts; attempt++ {
		c.emitEvent(Event{Type: EventTypeReconnecting, Timestamp: time.Now(), Data: map[string]any{"attempt": attempt}})

		select {
		case <-time.After(c.config.ReconnectInterval):
		case <-c.stop:
			return nil
		}

		conn, err := c.dial(context.Background())
		if errors.Is(err, ErrCursorExpired) {
			c.resync()
			conn, err = c.dial(context.Background())
		}
		if err != nil {
			c.logger.Debug("Reconnect failed", log.Int("attempt", attempt), log.Error(err))
			continue
		}
		if !c.setConn(conn) {
			return nil
		}

		c.logger.Info("Reconnected to server", log.Int("attempt", attempt), log.Uint64("cursor", c.cursor.Load()))
		c.emitEvent(Event{Type: EventTypeConnected, Timestamp: time.Now(), Data: map[string]any{"cursor": c.Cursor()}})
		return conn
	}

	c.logger.Error("Giving up on reconnect", log.Int("attempts", c.config.MaxReconnectAttempts))
	c.connMu.Lock()
	atomic.StoreInt32(&c.connected, 0)
	c.conn = nil
	c.connMu.Unlock()
	c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: ErrReconnectFailed})
	return nil
}

func (c *Client) read(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch kind {
		case websocket.BinaryMessage:
			c.handleDelta(data)
		case websocket.TextMessage:
			c.handleAck(data)
		}
	}
}

func (c *Client) handleDelta(data []byte) {
	cursor, n := binary.Uvarint(data)
	if n <= 0 {
		c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: ErrInvalidMessage})
		return
	}
	d, skipped, err := c.codec.Decode(data[n:])
	if err != nil {
		c.logger.Warn("Undecodable delta", log.Uint64("cursor", cursor), log.Error(err))
		c.emitEvent(Event{Type: EventTypeError, Timestamp: time.Now(), Error: fmt.Errorf("%w: %w", ErrInvalidMessage, err)})
		c.cursor.Store(cursor)
		return
	}
	if len(skipped) > 0 {
		c.emitEvent(Event{Type: EventTypeSkipped, Timestamp: time.Now(), Data: map[string]any{
			"entity":  d.Entity,
			"skipped": skipped,
		}})
	}

	c.handlerMutex.RLock()
	handlers := c.deltaHandlers
	c.handlerMutex.RUnlock()
	for _, h := range handlers {
		h(Delta{Cursor: gateway.Cursor(cursor), SyncDelta: d})
	}
	c.cursor.Store(cursor)
}

func (c *Client) handleAck(data []byte) {
	var ack ackMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != "ack" {
		c.logger.Debug("Unexpected text frame", log.Int("size", len(data)))
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[ack.Ref]
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	r := result{id: ack.ActionID}
	if ack.Error != "" {
		r.err = fmt.Errorf("%w: %s", ErrActionRejected, ack.Error)
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- result{err: err}:
		default:
		}
	}
}

func (c *Client) emitEvent(event Event) {
	c.handlerMutex.RLock()
	handlers := c.eventHandlers[event.Type]
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		go func(h EventHandler) {
			if err := h(event); err != nil {
				c.logger.Error("Event handler error", log.Error(err))
			}
		}(handler)
	}
}

package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// CloseCursorExpired is sent when a reader fell behind the retained ring.
const CloseCursorExpired = 4001

type HTTPConfig struct {
	// Token, when set, must be presented as ?token= or a bearer header.
	Token        string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the gateway over HTTP:
//
//	GET /v1/deltas        websocket delta stream, accepts action messages
//	GET /v1/entities/{id} JSON entity snapshot
func (g *Gateway) Handler(cfg HTTPConfig) http.Handler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	mux := http.NewServeMux()
	mux.Handle("GET /v1/deltas", tokenAuth(cfg.Token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serveDeltas(w, r, cfg)
	})))
	mux.Handle("GET /v1/entities/{id}", tokenAuth(cfg.Token, http.HandlerFunc(g.serveEntity)))
	return mux
}

func tokenAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) serveEntity(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseEntityID(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, ok := g.QueryEntity(id)
	if !ok {
		http.Error(w, ErrUnknownEntity.Error(), http.StatusNotFound)
		return
	}
	body, err := RenderEntity(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// ParseFilter reads a subscription filter from query parameters:
// entities=1,2 components=a,b confirmed=true
// region=<component> min=x,y,z max=x,y,z.
func ParseFilter(q map[string][]string) (Filter, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	var f Filter
	for _, s := range splitList(get("entities")) {
		id, err := models.ParseEntityID(s)
		if err != nil {
			return f, err
		}
		f.Entities = append(f.Entities, id)
	}
	for _, s := range splitList(get("components")) {
		f.Components = append(f.Components, models.ComponentType(s))
	}
	if v := get("confirmed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, err
		}
		f.ConfirmedOnly = b
	}
	if c := get("region"); c != "" {
		r := &Region{Component: models.ComponentType(c)}
		var err error
		if r.Min, err = parseVec(get("min")); err != nil {
			return f, err
		}
		if r.Max, err = parseVec(get("max")); err != nil {
			return f, err
		}
		f.Region = r
	}
	return f, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseVec(s string) ([3]float64, error) {
	var v [3]float64
	parts := splitList(s)
	if len(parts) != 3 {
		return v, errors.New("region bounds need three comma separated numbers")
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return v, err
		}
		v[i] = f
	}
	return v, nil
}

// actionMessage is what clients send on the delta stream.
type actionMessage struct {
	Ref    string          `json:"ref,omitempty"`
	Entity models.EntityID `json:"entity"`
	Action
}

type ackMessage struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// wsConn serializes writes from the stream, ack and ping paths.
type wsConn struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	timeout time.Duration
}

func (c *wsConn) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) close(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(c.timeout))
}

func (g *Gateway) serveDeltas(w http.ResponseWriter, r *http.Request, cfg HTTPConfig) {
	q := r.URL.Query()
	filter, err := ParseFilter(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var opts []SubscribeOption
	if v := q.Get("cursor"); v != "" {
		c, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		opts = append(opts, FromCursor(Cursor(c)))
	}
	binaryFormat := q.Get("format") == "binary"

	sub, err := g.SubscribeDeltas(filter, opts...)
	if err != nil {
		if errors.Is(err, ErrCursorExpired) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	wc := &wsConn{conn: conn, timeout: cfg.WriteTimeout}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	logger := g.logger.With(log.String("subscription_id", sub.ID()), log.String("remote", conn.RemoteAddr().String()))
	logger.Info("delta stream opened")

	go func() {
		defer cancel()
		g.readActions(ctx, wc, logger)
	}()
	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				wc.mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout))
				wc.mu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for d := range sub.Deltas(ctx) {
		if err := g.writeDelta(wc, sub.Cursor(), d, binaryFormat); err != nil {
			logger.Debug("delta stream write failed", log.Error(err))
			return
		}
	}
	if errors.Is(sub.Err(), ErrCursorExpired) {
		logger.Warn("delta stream fell behind", log.Uint64("cursor", uint64(sub.Cursor())))
		wc.close(CloseCursorExpired, ErrCursorExpired.Error())
		return
	}
	wc.close(websocket.CloseNormalClosure, "")
	logger.Info("delta stream closed")
}

// writeDelta sends one delta. Cursor is the position to resume from after
// this delta; binary frames carry it as a leading uvarint.
func (g *Gateway) writeDelta(wc *wsConn, c Cursor, d models.SyncDelta, binaryFormat bool) error {
	if binaryFormat {
		body, err := g.codec.Encode(d)
		if err != nil {
			return err
		}
		frame := binary.AppendUvarint(make([]byte, 0, len(body)+binary.MaxVarintLen64), uint64(c))
		return wc.write(websocket.BinaryMessage, append(frame, body...))
	}
	body, err := RenderDelta(c, d)
	if err != nil {
		return err
	}
	return wc.write(websocket.TextMessage, body)
}

func (g *Gateway) readActions(ctx context.Context, wc *wsConn, logger log.Log) {
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg actionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = wc.writeJSON(ackMessage{Type: "ack", Error: "malformed action"})
			continue
		}
		if msg.Args != nil {
			if msg.Args, err = models.Normalize(msg.Args); err != nil {
				_ = wc.writeJSON(ackMessage{Type: "ack", Ref: msg.Ref, Error: err.Error()})
				continue
			}
		}
		ack := ackMessage{Type: "ack", Ref: msg.Ref}
		id, err := g.SubmitAction(ctx, msg.Entity, msg.Action)
		if err != nil {
			ack.Error = err.Error()
			logger.Debug("action rejected", log.Uint64("entity_id", uint64(msg.Entity)), log.Error(err))
		} else {
			ack.ActionID = id
		}
		if err := wc.writeJSON(ack); err != nil {
			return
		}
	}
}

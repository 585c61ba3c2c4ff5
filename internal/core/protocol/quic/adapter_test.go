package quic

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

type testServer struct {
	ln      *quic.Listener
	token   string
	streams chan *quic.Stream
	hellos  chan Hello
}

func startServer(t *testing.T, token string) *testServer {
	t.Helper()
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)

	ln, err := quic.ListenAddr("127.0.0.1:0", tlsConfig, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &testServer{ln: ln, token: token, streams: make(chan *quic.Stream, 4), hellos: make(chan Hello, 4)}
	go s.serve()
	return s
}

func (s *testServer) serve() {
	ctx := context.Background()
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			raw, err := protocol.ReadFrame(stream, 0)
			if err != nil {
				return
			}
			var hello Hello
			_ = json.Unmarshal(raw, &hello)
			s.hellos <- hello

			ack := Ack{OK: hello.Token == s.token}
			if !ack.OK {
				ack.Error = "bad token"
			}
			out, _ := json.Marshal(ack)
			_ = protocol.WriteFrame(stream, out)
			if !ack.OK {
				return
			}
			s.streams <- stream
		}()
	}
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func poll(a *Adapter) []models.PacketEvent {
	var out []models.PacketEvent
	for ev := range a.PollEvents(context.Background()) {
		out = append(out, ev)
	}
	return out
}

func TestAdapter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("Handshake and events", func(t *testing.T) {
		srv := startServer(t, "secret")
		a := New("quic-a", Config{}, protocol.WithLogger(log.Nop()))
		defer func() { _ = a.Close() }()

		h, err := a.Connect(ctx, srv.addr(), protocol.Credentials{User: "u", Token: "secret"})
		require.NoError(t, err)
		assert.Equal(t, srv.addr(), h.Endpoint)
		assert.Equal(t, protocol.StateConnected, a.State())

		hello := <-srv.hellos
		assert.Equal(t, "quic-a", hello.Source)
		assert.Equal(t, "u", hello.User)

		stream := <-srv.streams
		require.NoError(t, protocol.WriteFrame(stream, []byte(`{"entity":"42","seq":5,"components":{"position":{"x":1,"y":0,"z":0}}}`)))
		require.NoError(t, protocol.WriteFrame(stream, []byte(`garbage`)))
		require.NoError(t, protocol.WriteFrame(stream, []byte(`{"entity":"42","seq":6,"components":{"position":{"x":2,"y":0,"z":0}}}`)))

		var events []models.PacketEvent
		require.Eventually(t, func() bool {
			events = append(events, poll(a)...)
			return len(events) == 2
		}, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(5), events[0].SourceSequence)
		assert.Equal(t, uint64(6), events[1].SourceSequence)
		assert.Equal(t, uint64(1), a.DropCount("decode"))

		require.NoError(t, a.SubmitAction(ctx, models.ActionPayload{ID: "a1", Entity: models.EntityRef{Key: "42"}, Name: "jump"}))
		raw, err := protocol.ReadFrame(stream, 0)
		require.NoError(t, err)
		frame, err := protocol.DecodeAction(raw)
		require.NoError(t, err)
		assert.Equal(t, "jump", frame.Name)
		assert.Equal(t, "42", frame.Entity)
	})

	t.Run("Rejected handshake", func(t *testing.T) {
		srv := startServer(t, "secret")
		a := New("quic-b", Config{}, protocol.WithLogger(log.Nop()))
		defer func() { _ = a.Close() }()

		_, err := a.Connect(ctx, srv.addr(), protocol.Credentials{Token: "wrong"})
		require.ErrorIs(t, err, protocol.ErrHandshakeFailed)
		assert.Equal(t, protocol.StateDisconnected, a.State())
		require.ErrorIs(t, a.SubmitAction(ctx, models.ActionPayload{}), protocol.ErrNotConnected)
	})

	t.Run("Connection loss is terminal", func(t *testing.T) {
		srv := startServer(t, "")
		a := New("quic-c", Config{}, protocol.WithLogger(log.Nop()))
		defer func() { _ = a.Close() }()

		_, err := a.Connect(ctx, srv.addr(), protocol.Credentials{})
		require.NoError(t, err)
		stream := <-srv.streams
		require.NoError(t, stream.Close())

		var events []models.PacketEvent
		require.Eventually(t, func() bool {
			events = append(events, poll(a)...)
			return len(events) == 1
		}, 5*time.Second, 5*time.Millisecond)
		assert.True(t, events[0].Terminal())
		assert.ErrorIs(t, events[0].Err, protocol.ErrConnectionLost)
		assert.Equal(t, protocol.StateSuspended, a.State())
	})
}

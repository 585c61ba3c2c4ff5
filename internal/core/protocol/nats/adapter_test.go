package nats

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

// closedPort returns an address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestConfig(t *testing.T) {
	a := New("legacy", Config{}, protocol.WithLogger(log.Nop()))
	assert.Equal(t, "world.legacy.events", a.cfg.EventsSubject())
	assert.Equal(t, "world.legacy.actions", a.cfg.ActionsSubject())
	assert.Equal(t, DefaultConfig().Timeout, a.cfg.Timeout)
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("Unreachable server", func(t *testing.T) {
		a := New("legacy", Config{Timeout: 200 * time.Millisecond}, protocol.WithLogger(log.Nop()))
		_, err := a.Connect(ctx, "nats://"+closedPort(t), protocol.Credentials{Token: "t"})
		require.Error(t, err)

		var perr *protocol.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, models.SourceID("legacy"), perr.Source)
		assert.True(t, errors.Is(err, errs.ErrProtocol))
		assert.Equal(t, protocol.StateDisconnected, a.State())
	})

	t.Run("Not connected", func(t *testing.T) {
		a := New("legacy", Config{}, protocol.WithLogger(log.Nop()))
		require.ErrorIs(t, a.SubmitAction(ctx, models.ActionPayload{}), protocol.ErrNotConnected)
	})

	t.Run("Closed", func(t *testing.T) {
		a := New("legacy", Config{}, protocol.WithLogger(log.Nop()))
		require.NoError(t, a.Close())
		_, err := a.Connect(ctx, "nats://127.0.0.1:4222", protocol.Credentials{})
		require.ErrorIs(t, err, protocol.ErrAdapterClosed)

		var events []models.PacketEvent
		for ev := range a.PollEvents(ctx) {
			events = append(events, ev)
		}
		require.Len(t, events, 1)
		assert.ErrorIs(t, events[0].Err, protocol.ErrAdapterClosed)
	})
}

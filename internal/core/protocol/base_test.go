package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
)

func collect(b *Base) []models.PacketEvent {
	var out []models.PacketEvent
	for ev := range b.PollEvents(context.Background()) {
		out = append(out, ev)
	}
	return out
}

func TestBase(t *testing.T) {
	t.Run("Ingest stamps events", func(t *testing.T) {
		b := NewBase("a", WithLogger(log.Nop()))
		require.NoError(t, b.Ingest([]byte(`{"entity":"42","seq":5,"components":{"position":{"x":1}}}`)))
		require.NoError(t, b.Ingest([]byte(`{"entity":"42","components":{"position":{"x":2}}}`)))

		select {
		case <-b.Ready():
		default:
			t.Fatal("ready was not signalled")
		}

		events := collect(b)
		require.Len(t, events, 2)
		assert.Equal(t, uint64(5), events[0].SourceSequence)
		assert.Equal(t, uint64(6), events[1].SourceSequence)
		assert.Equal(t, models.SourceID("a"), events[0].Source)
		assert.Empty(t, collect(b))
	})

	t.Run("Drops are counted and isolated", func(t *testing.T) {
		m := metrics.New()
		b := NewBase("a", WithLogger(log.Nop()), WithMetrics(m))

		err := b.Ingest([]byte(`not json`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrProtocol))

		require.Error(t, b.Ingest([]byte(`{"entity":"","components":{"a":{"v":1}}}`)))
		require.NoError(t, b.Ingest([]byte(`{"entity":"1","seq":4,"components":{"a":{"v":1}}}`)))
		require.ErrorIs(t, b.Ingest([]byte(`{"entity":"1","seq":3,"components":{"a":{"v":2}}}`)), ErrSequenceRegressed)

		assert.Equal(t, uint64(1), b.DropCount(metrics.ReasonDecode))
		assert.Equal(t, uint64(1), b.DropCount(metrics.ReasonInvalid))
		assert.Equal(t, uint64(1), b.DropCount(metrics.ReasonOutOfOrder))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.PacketsDropped.WithLabelValues("a", metrics.ReasonOutOfOrder)))
		assert.Equal(t, 3.0, testutil.ToFloat64(m.PacketsReceived.WithLabelValues("a")))

		events := collect(b)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(4), events[0].SourceSequence)
	})

	t.Run("Overflow", func(t *testing.T) {
		b := NewBase("a", WithLogger(log.Nop()), WithBufferSize(2))
		for range 2 {
			require.NoError(t, b.Emit(WirePacket{Entity: "1", Components: map[string]map[string]any{"a": {"v": 1}}}))
		}
		err := b.Emit(WirePacket{Entity: "1", Components: map[string]map[string]any{"a": {"v": 1}}})
		require.ErrorIs(t, err, ErrBufferFull)
		assert.Equal(t, uint64(1), b.DropCount(metrics.ReasonOverflow))

		b.Terminate(ErrConnectionLost)
		events := collect(b)
		require.Len(t, events, 3)
		assert.True(t, events[2].Terminal())
	})

	t.Run("PollEvents is bounded and restartable", func(t *testing.T) {
		b := NewBase("a", WithLogger(log.Nop()), WithMaxBatch(2))
		for range 5 {
			require.NoError(t, b.Emit(WirePacket{Entity: "1", Components: map[string]map[string]any{"a": {"v": 1}}}))
		}

		assert.Len(t, collect(b), 2)

		// Stopping early keeps the rest buffered.
		for range b.PollEvents(context.Background()) {
			break
		}
		assert.Equal(t, 2, b.Pending())
		assert.Len(t, collect(b), 2)
		assert.Empty(t, collect(b))
	})

	t.Run("Terminate and Resume", func(t *testing.T) {
		b := NewBase("a", WithLogger(log.Nop()))
		b.Resume()
		assert.Empty(t, collect(b))
		assert.Equal(t, StateConnected, b.State())

		b.Terminate(ErrConnectionLost)
		b.Terminate(ErrConnectionLost)
		assert.True(t, b.Suspended())
		assert.Equal(t, StateSuspended, b.State())

		b.Resume()
		events := collect(b)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventSuspended, events[0].Kind)
		assert.ErrorIs(t, events[0].Err, ErrConnectionLost)
		assert.Equal(t, models.EventResumed, events[1].Kind)
		assert.False(t, b.Suspended())
	})

	t.Run("Cancelled context yields nothing", func(t *testing.T) {
		b := NewBase("a", WithLogger(log.Nop()))
		require.NoError(t, b.Emit(WirePacket{Entity: "1", Components: map[string]map[string]any{"a": {"v": 1}}}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		n := 0
		for range b.PollEvents(ctx) {
			n++
		}
		assert.Zero(t, n)
		assert.Equal(t, 1, b.Pending())
	})
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "suspended", StateSuspended.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/protocol"
)

func TestAdapter(t *testing.T) {
	ctx := context.Background()
	newAdapter := func(opts ...Option) *Adapter {
		return New("mem", append(opts, WithBase(protocol.WithLogger(log.Nop())))...)
	}

	t.Run("Send requires connection", func(t *testing.T) {
		a := newAdapter()
		require.ErrorIs(t, a.Send([]byte(`{"entity":"1","components":{"a":{"v":1}}}`)), protocol.ErrNotConnected)

		h, err := a.Connect(ctx, "mem://local", protocol.Credentials{})
		require.NoError(t, err)
		assert.NotEmpty(t, h.ID)
		assert.Equal(t, models.SourceID("mem"), h.Source)

		again, err := a.Connect(ctx, "mem://local", protocol.Credentials{})
		require.NoError(t, err)
		assert.Equal(t, h.ID, again.ID)

		require.NoError(t, a.SendJSON(map[string]any{"entity": "1", "components": map[string]any{"a": map[string]any{"v": 1}}}))
		assert.Equal(t, 1, a.Pending())
	})

	t.Run("Token", func(t *testing.T) {
		a := newAdapter(WithToken("secret"))
		_, err := a.Connect(ctx, "", protocol.Credentials{Token: "wrong"})
		require.ErrorIs(t, err, protocol.ErrHandshakeFailed)

		_, err = a.Connect(ctx, "", protocol.Credentials{Token: "secret"})
		require.NoError(t, err)
	})

	t.Run("Actions", func(t *testing.T) {
		a := newAdapter()
		_, err := a.Connect(ctx, "", protocol.Credentials{})
		require.NoError(t, err)

		require.NoError(t, a.SubmitAction(ctx, models.ActionPayload{ID: "1", Name: "jump"}))
		boom := errors.New("boom")
		a.FailActions(boom)
		require.ErrorIs(t, a.SubmitAction(ctx, models.ActionPayload{ID: "2"}), boom)
		a.FailActions(nil)

		actions := a.Actions()
		require.Len(t, actions, 1)
		assert.Equal(t, "jump", actions[0].Name)
	})

	t.Run("Disconnect and reconnect", func(t *testing.T) {
		a := newAdapter()
		first, err := a.Connect(ctx, "", protocol.Credentials{})
		require.NoError(t, err)

		a.Disconnect(nil)
		require.ErrorIs(t, a.SubmitAction(ctx, models.ActionPayload{}), protocol.ErrNotConnected)

		second, err := a.Connect(ctx, "", protocol.Credentials{})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)

		var kinds []models.EventKind
		for ev := range a.PollEvents(ctx) {
			kinds = append(kinds, ev.Kind)
		}
		assert.Equal(t, []models.EventKind{models.EventSuspended, models.EventResumed}, kinds)
	})

	t.Run("Close", func(t *testing.T) {
		a := newAdapter()
		_, err := a.Connect(ctx, "", protocol.Credentials{})
		require.NoError(t, err)
		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		_, err = a.Connect(ctx, "", protocol.Credentials{})
		require.ErrorIs(t, err, protocol.ErrAdapterClosed)
		assert.Equal(t, protocol.StateClosed, a.State())
	})
}

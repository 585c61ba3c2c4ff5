package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
)

func delta(id models.EntityID, v models.Version) models.SyncDelta {
	return models.SyncDelta{
		Entity:     id,
		Version:    v,
		Kind:       models.DeltaUpdate,
		Confidence: models.Confirmed,
		Diffs:      []models.ComponentDiff{{Type: "position", Payload: models.Payload{"x": float64(v)}, Version: v}},
	}
}

func TestHub(t *testing.T) {
	t.Run("cursors are sequential", func(t *testing.T) {
		h := NewHub(4)
		assert.Equal(t, Cursor(1), h.Head())
		assert.Equal(t, Cursor(1), h.Publish(delta(1, 1)))
		assert.Equal(t, Cursor(2), h.Publish(delta(1, 2)))
		assert.Equal(t, Cursor(3), h.Head())
		assert.Equal(t, Cursor(1), h.Oldest())
	})

	t.Run("ring drops the oldest entries", func(t *testing.T) {
		h := NewHub(2)
		for v := models.Version(1); v <= 5; v++ {
			h.Publish(delta(1, v))
		}
		assert.Equal(t, Cursor(4), h.Oldest())

		_, _, _, err := h.read(3, 10)
		require.ErrorIs(t, err, ErrCursorExpired)

		batch, next, _, err := h.read(4, 10)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, models.Version(4), batch[0].delta.Version)
		assert.Equal(t, Cursor(6), next)
	})

	t.Run("read respects limit", func(t *testing.T) {
		h := NewHub(8)
		for v := models.Version(1); v <= 5; v++ {
			h.Publish(delta(1, v))
		}
		batch, next, _, err := h.read(1, 2)
		require.NoError(t, err)
		assert.Len(t, batch, 2)
		assert.Equal(t, Cursor(3), next)
	})
}

func TestSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("next waits for publish", func(t *testing.T) {
		h := NewHub(8)
		sub := newSubscription(h, Filter{}, nil, h.Head(), nil)
		defer sub.Close()

		go func() {
			time.Sleep(10 * time.Millisecond)
			h.Publish(delta(7, 1))
		}()
		wctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		d, err := sub.Next(wctx)
		require.NoError(t, err)
		assert.Equal(t, models.EntityID(7), d.Entity)
		assert.Equal(t, Cursor(2), sub.Cursor())
	})

	t.Run("filters entities", func(t *testing.T) {
		h := NewHub(8)
		sub := newSubscription(h, Filter{Entities: []models.EntityID{2}}, nil, h.Head(), nil)
		defer sub.Close()
		h.Publish(delta(1, 1))
		h.Publish(delta(2, 1))

		d, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.EntityID(2), d.Entity)
	})

	t.Run("deltas is restartable", func(t *testing.T) {
		h := NewHub(8)
		sub := newSubscription(h, Filter{}, nil, h.Head(), nil)
		defer sub.Close()
		for v := models.Version(1); v <= 4; v++ {
			h.Publish(delta(1, v))
		}

		var got []models.Version
		for d := range sub.Deltas(ctx) {
			got = append(got, d.Version)
			if len(got) == 2 {
				break
			}
		}
		for d := range sub.Deltas(ctx) {
			got = append(got, d.Version)
			if len(got) == 4 {
				break
			}
		}
		assert.Equal(t, []models.Version{1, 2, 3, 4}, got)
		assert.NoError(t, sub.Err())
	})

	t.Run("cursor resumes without gaps", func(t *testing.T) {
		h := NewHub(8)
		sub := newSubscription(h, Filter{}, nil, h.Head(), nil)
		for v := models.Version(1); v <= 3; v++ {
			h.Publish(delta(1, v))
		}
		_, err := sub.Next(ctx)
		require.NoError(t, err)
		resume := sub.Cursor()
		sub.Close()

		again := newSubscription(h, Filter{}, nil, resume, nil)
		defer again.Close()
		d, err := again.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Version(2), d.Version)
	})

	t.Run("slow reader expires", func(t *testing.T) {
		h := NewHub(2)
		sub := newSubscription(h, Filter{}, nil, h.Head(), nil)
		defer sub.Close()
		for v := models.Version(1); v <= 5; v++ {
			h.Publish(delta(1, v))
		}
		for range sub.Deltas(ctx) {
			t.Fatal("expired subscription yielded a delta")
		}
		assert.ErrorIs(t, sub.Err(), ErrCursorExpired)
	})

	t.Run("close unblocks next", func(t *testing.T) {
		h := NewHub(8)
		closed := 0
		sub := newSubscription(h, Filter{}, nil, h.Head(), func() { closed++ })

		errc := make(chan error, 1)
		go func() {
			_, err := sub.Next(ctx)
			errc <- err
		}()
		time.Sleep(10 * time.Millisecond)
		sub.Close()
		sub.Close()

		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrSubscriptionClosed)
		case <-time.After(time.Second):
			t.Fatal("next did not return after close")
		}
		assert.Equal(t, 1, closed)
		select {
		case <-sub.Done():
		default:
			t.Fatal("done not closed")
		}
	})

	t.Run("context ends iteration", func(t *testing.T) {
		h := NewHub(8)
		sub := newSubscription(h, Filter{}, nil, h.Head(), nil)
		defer sub.Close()
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		for range sub.Deltas(cctx) {
			t.Fatal("unexpected delta")
		}
		assert.ErrorIs(t, sub.Err(), context.DeadlineExceeded)
	})
}

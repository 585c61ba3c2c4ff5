package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
)

func TestJSONDecoder(t *testing.T) {
	t.Run("Decode", func(t *testing.T) {
		pkt, err := JSONDecoder.Decode([]byte(`{"entity":"42","seq":5,"ts":1000,"components":{"position":{"x":1,"y":0,"z":0}}}`))
		require.NoError(t, err)
		assert.Equal(t, "42", pkt.Entity)
		assert.Equal(t, uint64(5), pkt.Seq)
		assert.Equal(t, int64(1000), pkt.Timestamp)
		require.Contains(t, pkt.Components, "position")
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := JSONDecoder.Decode([]byte(`{"entity":`))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	limits := DefaultLimits()

	t.Run("Update", func(t *testing.T) {
		kind, patches, err := Validate(WirePacket{
			Entity: " 42 ",
			Components: map[string]map[string]any{
				"velocity": {"vx": 1},
				"position": {"x": 1, "y": 0, "z": 0},
			},
			Remove: []string{"tag"},
		}, limits)
		require.NoError(t, err)
		assert.Equal(t, models.EventUpdate, kind)
		require.Len(t, patches, 3)
		assert.Equal(t, models.ComponentType("position"), patches[0].Type)
		assert.Equal(t, models.ComponentType("tag"), patches[1].Type)
		assert.True(t, patches[1].Remove)
		assert.Equal(t, models.ComponentType("velocity"), patches[2].Type)
		assert.Equal(t, 1.0, patches[2].Payload["vx"])
	})

	t.Run("Remove needs no components", func(t *testing.T) {
		kind, patches, err := Validate(WirePacket{Entity: "42", Kind: "remove"}, limits)
		require.NoError(t, err)
		assert.Equal(t, models.EventRemove, kind)
		assert.Empty(t, patches)
	})

	invalid := map[string]WirePacket{
		"empty entity":   {Components: map[string]map[string]any{"a": {"v": 1}}},
		"long entity":    {Entity: strings.Repeat("k", 300), Components: map[string]map[string]any{"a": {"v": 1}}},
		"unknown kind":   {Entity: "1", Kind: "explode"},
		"no components":  {Entity: "1"},
		"empty type":     {Entity: "1", Components: map[string]map[string]any{"": {"v": 1}}},
		"unsupported":    {Entity: "1", Components: map[string]map[string]any{"a": {"v": struct{}{}}}},
		"set and remove": {Entity: "1", Components: map[string]map[string]any{"a": {"v": 1}}, Remove: []string{"a"}},
	}
	for name, pkt := range invalid {
		t.Run("Invalid "+name, func(t *testing.T) {
			_, _, err := Validate(pkt, limits)
			require.ErrorIs(t, err, ErrInvalidPacket)
		})
	}

	t.Run("Too many components", func(t *testing.T) {
		comps := make(map[string]map[string]any)
		for i := range 3 {
			comps[string(rune('a'+i))] = map[string]any{"v": i}
		}
		_, _, err := Validate(WirePacket{Entity: "1", Components: comps}, Limits{MaxComponents: 2})
		require.ErrorIs(t, err, ErrInvalidPacket)
	})
}

func TestToEvent(t *testing.T) {
	wall := time.Unix(100, 0)

	t.Run("Wire timestamp wins", func(t *testing.T) {
		ev := ToEvent("a", WirePacket{Entity: "42", Timestamp: 5000, Basis: 3}, models.EventUpdate, nil, Stamp{Seq: 7, Wall: wall})
		assert.Equal(t, models.SourceID("a"), ev.Source)
		assert.Equal(t, "42", ev.Entity.Key)
		assert.Equal(t, uint64(7), ev.SourceSequence)
		assert.Equal(t, uint64(3), ev.Basis)
		assert.Equal(t, time.UnixMilli(5000), ev.SourceTimestamp)
	})

	t.Run("Clock wall as fallback", func(t *testing.T) {
		ev := ToEvent("a", WirePacket{Entity: "42"}, models.EventUpdate, nil, Stamp{Seq: 1, Wall: wall})
		assert.Equal(t, wall, ev.SourceTimestamp)
	})
}

func TestEncodeAction(t *testing.T) {
	raw, err := EncodeAction(models.ActionPayload{
		ID:     "act-1",
		Entity: models.EntityRef{ID: 3, Key: "42"},
		Name:   "jump",
		Args:   models.Payload{"height": 2.0},
	})
	require.NoError(t, err)

	frame, err := DecodeAction(raw)
	require.NoError(t, err)
	assert.Equal(t, "act-1", frame.ID)
	assert.Equal(t, "42", frame.Entity)
	assert.Equal(t, "jump", frame.Name)
	assert.Equal(t, 2.0, frame.Args["height"])
}

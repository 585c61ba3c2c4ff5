package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func loadAll(t *testing.T, j *Journal) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, j.Load(context.Background(), func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestJournal(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmed state survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "journal.db")
		j, err := Open(path)
		require.NoError(t, err)

		require.NoError(t, j.Append(ctx, models.SyncDelta{
			Entity: 42, Key: "ship-42", Source: "alpha", Kind: models.DeltaSpawn, Version: 2,
			Confidence: models.Confirmed,
			Diffs:      []models.ComponentDiff{{Type: "position", Payload: models.Payload{"x": 1.0}, Version: 2}},
		}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{
			Entity: 42, Source: "beta", Kind: models.DeltaUpdate, Version: 3, Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{{Type: "position", Payload: models.Payload{"x": 2.0}, Version: 3}},
		}))
		require.NoError(t, j.Close())

		j, err = Open(path)
		require.NoError(t, err)
		defer j.Close()

		entries := loadAll(t, j)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, models.EntityID(42), e.ID)
		assert.Equal(t, "ship-42", e.Key)
		assert.Equal(t, models.SourceID("alpha"), e.Owner)
		assert.Equal(t, models.Version(3), e.Version)
		require.Len(t, e.Components, 1)
		assert.Equal(t, models.Payload{"x": 2.0}, e.Components[0].Payload)
	})

	t.Run("provisional deltas are skipped", func(t *testing.T) {
		j := openTemp(t)
		require.NoError(t, j.Append(ctx, models.SyncDelta{
			Entity: 1, Kind: models.DeltaUpdate, Version: 2, Confidence: models.Provisional,
			Diffs: []models.ComponentDiff{{Type: "position", Payload: models.Payload{"x": 9.0}, Version: 2}},
		}))
		assert.Empty(t, loadAll(t, j))
	})

	t.Run("older component versions do not overwrite", func(t *testing.T) {
		j := openTemp(t)
		newer := models.SyncDelta{Entity: 5, Version: 4, Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{{Type: "health", Payload: models.Payload{"hp": 4.0}, Version: 4}}}
		older := models.SyncDelta{Entity: 5, Version: 3, Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{{Type: "health", Payload: models.Payload{"hp": 3.0}, Version: 3}}}
		require.NoError(t, j.Append(ctx, newer))
		require.NoError(t, j.Append(ctx, older))

		entries := loadAll(t, j)
		require.Len(t, entries, 1)
		assert.Equal(t, models.Version(4), entries[0].Version)
		assert.Equal(t, 4.0, entries[0].Components[0].Payload["hp"])
	})

	t.Run("removal and detach", func(t *testing.T) {
		j := openTemp(t)
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 1, Version: 2, Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{
				{Type: "a", Payload: models.Payload{}, Version: 2},
				{Type: "b", Payload: models.Payload{}, Version: 2},
			}}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 2, Version: 2, Confidence: models.Confirmed}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 1, Version: 3, Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{{Type: "a", Removed: true, Version: 3}}}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 2, Version: 3, Kind: models.DeltaRemove}))

		entries := loadAll(t, j)
		require.Len(t, entries, 1)
		require.Len(t, entries[0].Components, 1)
		assert.Equal(t, models.ComponentType("b"), entries[0].Components[0].Type)
	})

	t.Run("last id outlives removal", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "journal.db")
		j, err := Open(path)
		require.NoError(t, err)

		last, err := j.LastID(ctx)
		require.NoError(t, err)
		assert.Zero(t, last)

		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 4, Kind: models.DeltaSpawn, Version: 1, Confidence: models.Confirmed}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 9, Kind: models.DeltaSpawn, Version: 1, Confidence: models.Provisional}))
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 9, Kind: models.DeltaRemove, Version: 2}))
		require.NoError(t, j.Close())

		j, err = Open(path)
		require.NoError(t, err)
		defer j.Close()

		require.Len(t, loadAll(t, j), 1)
		last, err = j.LastID(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.EntityID(9), last)
	})

	t.Run("handoff", func(t *testing.T) {
		j := openTemp(t)
		require.NoError(t, j.Append(ctx, models.SyncDelta{Entity: 3, Source: "a", Kind: models.DeltaSpawn, Version: 1, Confidence: models.Confirmed}))
		require.NoError(t, j.SetOwner(ctx, 3, "b"))
		assert.Equal(t, models.SourceID("b"), loadAll(t, j)[0].Owner)
	})
}

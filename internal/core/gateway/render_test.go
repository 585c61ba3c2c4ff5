package gateway

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/models"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRenderDelta(t *testing.T) {
	g := newGoldie(t)

	t.Run("update", func(t *testing.T) {
		body, err := RenderDelta(7, models.SyncDelta{
			Entity:     42,
			Key:        "guard-1",
			Source:     "legacy",
			Kind:       models.DeltaUpdate,
			Version:    3,
			Confidence: models.Confirmed,
			Diffs: []models.ComponentDiff{
				{Type: "position", Version: 3, Changed: []string{"x"}, Payload: models.Payload{"x": 1.5, "y": -2.0}},
				{Type: "health", Version: 3, Removed: true},
			},
			CommittedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		g.Assert(t, "delta_update", body)
	})

	t.Run("enrichment", func(t *testing.T) {
		body, err := RenderDelta(0, models.SyncDelta{
			Entity:     42,
			Key:        "guard-1",
			Source:     "cascade",
			Kind:       models.DeltaEnrichment,
			Version:    4,
			Confidence: models.Confirmed,
			Tier:       models.TierModerate,
			Score:      0.7,
			Diffs: []models.ComponentDiff{
				{Type: "behaviour", Version: 4, Payload: models.Payload{"intent": "patrol"}},
			},
		})
		require.NoError(t, err)
		g.Assert(t, "delta_enrichment", body)
	})
}

func TestRenderEntity(t *testing.T) {
	body, err := RenderEntity(EntitySnapshot{
		ID:      42,
		Key:     "guard-1",
		Version: 4,
		Owner:   "legacy",
		Components: []ComponentSnapshot{
			{Type: "behaviour", Version: 4, Confidence: models.Confirmed, Payload: models.Payload{"intent": "patrol"}},
			{Type: "position", Version: 3, Confidence: models.Provisional, Payload: models.Payload{"x": 1.5}},
		},
	})
	require.NoError(t, err)
	newGoldie(t).Assert(t, "entity", body)
}

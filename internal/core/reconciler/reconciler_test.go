package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
	"github.com/zeusync/worldcore/internal/core/store"
)

const (
	position models.ComponentType = "position"
	health   models.ComponentType = "health"
)

type deltaLog struct {
	mu     sync.Mutex
	deltas []models.SyncDelta
}

func (l *deltaLog) Publish(d models.SyncDelta) {
	l.mu.Lock()
	l.deltas = append(l.deltas, d)
	l.mu.Unlock()
}

func (l *deltaLog) all() []models.SyncDelta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.SyncDelta(nil), l.deltas...)
}

func (l *deltaLog) last() models.SyncDelta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deltas[len(l.deltas)-1]
}

type fixture struct {
	r       *Reconciler
	store   *store.Store
	deltas  *deltaLog
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := store.NewRegistry().MustRegister(
		store.ComponentSpec{Type: position, Tolerance: 0.5},
		store.ComponentSpec{Type: health},
	)
	m := metrics.New()
	s := store.New(reg, store.WithLogger(log.Nop()), store.WithMetrics(m))
	deltas := &deltaLog{}

	base := []Option{
		WithLogger(log.Nop()),
		WithMetrics(m),
		WithPublisher(deltas),
		WithPolicies(SourcePolicy{SpawnOnDemand: true},
			SourcePolicy{ID: "A", Priority: 1, SpawnOnDemand: true},
			SourcePolicy{ID: "B", Priority: 2, SpawnOnDemand: true},
			SourcePolicy{ID: "P", Role: RolePredictive, SpawnOnDemand: true},
			SourcePolicy{ID: "strict", Priority: 1},
		),
	}
	r := New(s, append(base, opts...)...)
	t.Cleanup(r.Close)
	return &fixture{r: r, store: s, deltas: deltas, metrics: m}
}

var epoch = time.Unix(1_700_000_000, 0)

func update(source models.SourceID, key string, seq uint64, at time.Duration, t models.ComponentType, payload models.Payload) models.PacketEvent {
	return models.PacketEvent{
		Kind:            models.EventUpdate,
		Source:          source,
		Entity:          models.EntityRef{Key: key},
		Patches:         []models.ComponentPatch{{Type: t, Payload: payload}},
		SourceTimestamp: epoch.Add(at),
		SourceSequence:  seq,
	}
}

func pos(x, y, z float64) models.Payload { return models.Payload{"x": x, "y": y, "z": z} }

func (f *fixture) component(t *testing.T, key string, ct models.ComponentType) models.Component {
	t.Helper()
	id, ok := f.r.Resolve(models.EntityRef{Key: key})
	require.True(t, ok, "entity %s not found", key)
	c, ok := f.store.GetComponent(id, ct)
	require.True(t, ok, "component %s not found", ct)
	return c
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("Spawn on demand", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)

		d := f.deltas.last()
		assert.Equal(t, models.DeltaSpawn, d.Kind)
		assert.Equal(t, models.Confirmed, d.Confidence)
		assert.Equal(t, "42", d.Key)
		require.Len(t, d.Diffs, 1)
		assert.Equal(t, []string{"x", "y", "z"}, d.Diffs[0].Changed)

		owner, ok := f.r.Owner(d.Entity)
		require.True(t, ok)
		assert.Equal(t, models.SourceID("A"), owner)
	})

	t.Run("Idempotent redelivery", func(t *testing.T) {
		f := newFixture(t)
		ev := update("A", "42", 5, 0, position, pos(1, 0, 0))
		_, err := f.r.Apply(ctx, ev)
		require.NoError(t, err)
		before := f.component(t, "42", position)

		out, err := f.r.Apply(ctx, ev)
		assert.Equal(t, OutcomeStale, out)
		assert.ErrorIs(t, err, errs.ErrStaleEvent)
		assert.Equal(t, before, f.component(t, "42", position))
		assert.Len(t, f.deltas.all(), 1)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsStale.WithLabelValues("A")))
	})

	t.Run("Patches merge field-wise", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 2, 3)))
		require.NoError(t, err)
		_, err = f.r.Apply(ctx, update("A", "42", 2, time.Second, position, models.Payload{"y": 5.0}))
		require.NoError(t, err)

		assert.Equal(t, pos(1, 5, 3), f.component(t, "42", position).Payload)
		assert.Equal(t, []string{"y"}, f.deltas.last().Diffs[0].Changed)
	})

	t.Run("Higher priority wins concurrent writes", func(t *testing.T) {
		for _, order := range [][]models.SourceID{{"A", "B"}, {"B", "A"}} {
			f := newFixture(t)
			for _, src := range order {
				x := 1.0
				if src == "B" {
					x = 2
				}
				_, _ = f.r.Apply(ctx, update(src, "42", 5, 0, position, pos(x, 0, 0)))
			}
			assert.Equal(t, pos(2, 0, 0), f.component(t, "42", position).Payload, "order %v", order)
		}
	})

	t.Run("Deterministic tie-break", func(t *testing.T) {
		for range 10 {
			f := newFixture(t, WithPolicies(SourcePolicy{SpawnOnDemand: true}))
			_, _ = f.r.Apply(ctx, update("zeta", "1", 1, 0, position, pos(9, 0, 0)))
			_, _ = f.r.Apply(ctx, update("alpha", "1", 1, 0, position, pos(1, 0, 0)))
			assert.Equal(t, pos(9, 0, 0), f.component(t, "1", position).Payload)

			g := newFixture(t, WithPolicies(SourcePolicy{SpawnOnDemand: true}))
			_, _ = g.r.Apply(ctx, update("alpha", "1", 1, 0, position, pos(1, 0, 0)))
			_, _ = g.r.Apply(ctx, update("zeta", "1", 1, 0, position, pos(9, 0, 0)))
			assert.Equal(t, pos(9, 0, 0), g.component(t, "1", position).Payload)
		}
	})

	t.Run("Conflict window", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("B", "42", 1, time.Second, position, pos(2, 0, 0)))
		require.NoError(t, err)

		// Older than the current write by more than the window.
		out, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuperseded, out)
		assert.Equal(t, pos(2, 0, 0), f.component(t, "42", position).Payload)

		// Newer than the window: the lower priority source applies.
		out, err = f.r.Apply(ctx, update("A", "42", 2, 2*time.Second, position, pos(3, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
		assert.Equal(t, pos(3, 0, 0), f.component(t, "42", position).Payload)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Conflicts.WithLabelValues("superseded")))
	})

	t.Run("Orphan patch", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.r.Apply(ctx, update("strict", "99", 1, 0, position, pos(1, 0, 0)))
		assert.Equal(t, OutcomeOrphan, out)
		assert.ErrorIs(t, err, errs.ErrOrphanPatch)
		assert.False(t, errs.IsFatal(err))
		assert.Equal(t, 0, f.store.Len())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrphanPatches.WithLabelValues("strict")))

		_, err = f.r.Apply(ctx, models.PacketEvent{
			Kind: models.EventUpdate, Source: "A", Entity: models.EntityRef{ID: 12345}, SourceSequence: 1,
			Patches: []models.ComponentPatch{{Type: position, Payload: pos(0, 0, 0)}},
		})
		assert.ErrorIs(t, err, errs.ErrOrphanPatch)
	})

	t.Run("Unknown component types", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.r.Apply(ctx, update("A", "42", 1, 0, "mystery", models.Payload{"v": 1.0}))
		assert.Equal(t, OutcomeRejected, out)
		assert.ErrorIs(t, err, errs.ErrUnknownComponentType)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnknownComponents.WithLabelValues("mystery")))

		ev := update("A", "42", 2, 0, position, pos(1, 0, 0))
		ev.Patches = append(ev.Patches, models.ComponentPatch{Type: "mystery", Payload: models.Payload{"v": 1.0}})
		out, err = f.r.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
		assert.Len(t, f.deltas.last().Diffs, 1)
	})

	t.Run("Component removal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, health, models.Payload{"hp": 10.0}))
		require.NoError(t, err)
		_, err = f.r.Apply(ctx, models.PacketEvent{
			Kind: models.EventUpdate, Source: "A", Entity: models.EntityRef{Key: "42"}, SourceSequence: 2,
			SourceTimestamp: epoch.Add(time.Second),
			Patches:         []models.ComponentPatch{{Type: health, Remove: true}},
		})
		require.NoError(t, err)

		d := f.deltas.last()
		require.Len(t, d.Diffs, 1)
		assert.True(t, d.Diffs[0].Removed)
		id, _ := f.r.Resolve(models.EntityRef{Key: "42"})
		_, ok := f.store.GetComponent(id, health)
		assert.False(t, ok)
	})

	t.Run("Closed", func(t *testing.T) {
		f := newFixture(t)
		f.r.Close()
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestPrediction(t *testing.T) {
	ctx := context.Background()

	predicted := func(seq, basis uint64, p models.Payload) models.PacketEvent {
		ev := update("P", "42", seq, 10*time.Millisecond, position, p)
		ev.Basis = basis
		return ev
	}

	t.Run("Promotion within tolerance", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(0, 0, 0)))
		require.NoError(t, err)

		_, err = f.r.Apply(ctx, predicted(1, 1, pos(1, 0, 0)))
		require.NoError(t, err)
		p := f.deltas.last()
		assert.Equal(t, models.Provisional, p.Confidence)
		assert.Equal(t, models.Provisional, f.r.Confidence(p.Entity, position))

		_, err = f.r.Apply(ctx, update("A", "42", 2, time.Second, position, pos(1.2, 0, 0)))
		require.NoError(t, err)
		c := f.deltas.last()
		assert.Equal(t, models.DeltaPromotion, c.Kind)
		assert.Equal(t, models.Confirmed, c.Confidence)
		assert.Greater(t, c.Version, p.Version)
		assert.Equal(t, pos(1.2, 0, 0), f.component(t, "42", position).Payload)
		assert.Equal(t, models.Confirmed, f.r.Confidence(c.Entity, position))
	})

	t.Run("Correction outside tolerance", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(0, 0, 0)))
		require.NoError(t, err)
		_, err = f.r.Apply(ctx, predicted(1, 1, pos(5, 0, 0)))
		require.NoError(t, err)

		_, err = f.r.Apply(ctx, update("A", "42", 2, time.Second, position, pos(1, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, models.DeltaCorrection, f.deltas.last().Kind)
		assert.Equal(t, pos(1, 0, 0), f.component(t, "42", position).Payload)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Predictions.WithLabelValues("corrected")))
	})

	t.Run("Confirmed beats late prediction", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(0, 0, 0)))
		require.NoError(t, err)
		_, err = f.r.Apply(ctx, update("A", "42", 7, time.Second, position, pos(3, 0, 0)))
		require.NoError(t, err)

		out, err := f.r.Apply(ctx, predicted(1, 1, pos(9, 9, 9)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, out)
		assert.Equal(t, pos(3, 0, 0), f.component(t, "42", position).Payload)
		assert.Equal(t, models.Confirmed, f.deltas.last().Confidence)
	})

	t.Run("Guess without basis", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, time.Second, position, pos(3, 0, 0)))
		require.NoError(t, err)

		out, err := f.r.Apply(ctx, predicted(1, 0, pos(9, 9, 9)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, out)
		assert.Equal(t, pos(3, 0, 0), f.component(t, "42", position).Payload)

		fresh := update("P", "42", 2, 2*time.Second, position, pos(4, 0, 0))
		out, err = f.r.Apply(ctx, fresh)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
		assert.Equal(t, models.Provisional, f.deltas.last().Confidence)

		// The guess now counts as computed against seq 1, so seq 2 reconciles it.
		_, err = f.r.Apply(ctx, update("A", "42", 2, 3*time.Second, position, pos(4.2, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, models.DeltaPromotion, f.deltas.last().Kind)
	})
}

func TestRemoval(t *testing.T) {
	ctx := context.Background()
	remove := func(source models.SourceID, seq uint64) models.PacketEvent {
		return models.PacketEvent{Kind: models.EventRemove, Source: source, Entity: models.EntityRef{Key: "42"}, SourceSequence: seq}
	}

	t.Run("Only the owner removes", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)
		_, err = f.r.Apply(ctx, update("B", "42", 1, time.Second, health, models.Payload{"hp": 3.0}))
		require.NoError(t, err)

		out, err := f.r.Apply(ctx, remove("B", 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, out)
		assert.Equal(t, 1, f.store.Len())

		out, err = f.r.Apply(ctx, remove("A", 2))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)
		assert.Equal(t, 0, f.store.Len())

		d := f.deltas.last()
		assert.Equal(t, models.DeltaRemove, d.Kind)
		assert.Len(t, d.Diffs, 2)
		_, ok := f.r.Resolve(models.EntityRef{Key: "42"})
		assert.False(t, ok)
		assert.Empty(t, f.r.Owned("A"))
	})

	t.Run("Key is reusable after removal", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)
		first := f.deltas.last().Entity
		_, err = f.r.Apply(ctx, remove("A", 2))
		require.NoError(t, err)

		_, err = f.r.Apply(ctx, update("A", "42", 3, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)
		second := f.deltas.last()
		assert.Equal(t, models.DeltaSpawn, second.Kind)
		assert.Greater(t, second.Entity, first)
	})
}

func TestSuspension(t *testing.T) {
	ctx := context.Background()

	t.Run("Disconnect keeps state and resumes", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 5, 0, position, pos(1, 0, 0)))
		require.NoError(t, err)

		out, err := f.r.Apply(ctx, models.PacketEvent{Kind: models.EventSuspended, Source: "A"})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuspended, out)
		assert.True(t, f.r.Suspended("A"))
		assert.Equal(t, pos(1, 0, 0), f.component(t, "42", position).Payload)

		_, err = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventResumed, Source: "A"})
		require.NoError(t, err)
		assert.False(t, f.r.Suspended("A"))

		out, err = f.r.Apply(ctx, update("A", "42", 6, time.Second, position, pos(2, 0, 0)))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, out)

		out, err = f.r.Apply(ctx, update("A", "42", 3, 2*time.Second, position, pos(9, 0, 0)))
		assert.Equal(t, OutcomeStale, out)
		assert.ErrorIs(t, err, errs.ErrStaleEvent)
		assert.Equal(t, pos(2, 0, 0), f.component(t, "42", position).Payload)

		id, _ := f.r.Resolve(models.EntityRef{Key: "42"})
		assert.Equal(t, uint64(6), f.r.Clock(id).Get("A"))
	})

	t.Run("Idle timeout removes owned entities", func(t *testing.T) {
		f := newFixture(t,
			WithTimerTick(time.Millisecond),
			WithPolicies(SourcePolicy{}, SourcePolicy{ID: "A", SpawnOnDemand: true, IdleTimeout: 20 * time.Millisecond}),
		)
		for i, key := range []string{"1", "2"} {
			_, err := f.r.Apply(ctx, update("A", key, uint64(i+1), 0, position, pos(0, 0, 0)))
			require.NoError(t, err)
		}
		_, _ = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventSuspended, Source: "A"})

		require.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IdleRemovals.WithLabelValues("A")))
	})

	t.Run("Resume cancels idle removal", func(t *testing.T) {
		f := newFixture(t,
			WithTimerTick(time.Millisecond),
			WithPolicies(SourcePolicy{}, SourcePolicy{ID: "A", SpawnOnDemand: true, IdleTimeout: 30 * time.Millisecond}),
		)
		_, err := f.r.Apply(ctx, update("A", "1", 1, 0, position, pos(0, 0, 0)))
		require.NoError(t, err)
		_, _ = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventSuspended, Source: "A"})
		_, _ = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventResumed, Source: "A"})

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, 1, f.store.Len())
	})
}

func TestHandoff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, key := range []string{"1", "2", "3"} {
		_, err := f.r.Apply(ctx, update("A", key, uint64(i+1), 0, position, pos(0, 0, 0)))
		require.NoError(t, err)
	}

	moved := f.r.Handoff("A", "B")
	assert.Len(t, moved, 3)
	assert.Empty(t, f.r.Owned("A"))
	assert.Equal(t, moved, f.r.Owned("B"))

	out, err := f.r.Apply(ctx, models.PacketEvent{Kind: models.EventRemove, Source: "A", Entity: models.EntityRef{Key: "1"}, SourceSequence: 10})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	out, err = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventRemove, Source: "B", Entity: models.EntityRef{Key: "1"}, SourceSequence: 10})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, 2, f.store.Len())
}

func TestSpawn(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.r.Spawn(ctx, "local", "npc-1", []models.ComponentPatch{{Type: health, Payload: models.Payload{"hp": 100.0}}})
	require.NoError(t, err)
	assert.Equal(t, models.DeltaSpawn, f.deltas.last().Kind)

	_, err = f.r.Spawn(ctx, "local", "npc-1", []models.ComponentPatch{{Type: health, Payload: models.Payload{"hp": 1.0}}})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = f.r.Spawn(ctx, "local", "npc-2", []models.ComponentPatch{{Type: "mystery"}})
	assert.ErrorIs(t, err, errs.ErrUnknownComponentType)

	_, err = f.r.Spawn(ctx, "local", "npc-3", nil)
	assert.ErrorIs(t, err, ErrNoPatches)

	owner, _ := f.r.Owner(id)
	assert.Equal(t, models.SourceID("local"), owner)
}

func TestMergeEnrichment(t *testing.T) {
	ctx := context.Background()

	t.Run("Idempotent per task", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, health, models.Payload{"hp": 10.0}))
		require.NoError(t, err)
		base := f.deltas.last()

		res := models.EnrichmentResult{
			TaskID:      "task-1",
			Entity:      base.Entity,
			Tier:        models.TierModerate,
			BaseVersion: base.Version,
			Patches:     []models.ComponentPatch{{Type: health, Payload: models.Payload{"mood": "calm"}}},
			Score:       0.8,
		}
		ok, err := f.r.MergeEnrichment(ctx, res)
		require.NoError(t, err)
		assert.True(t, ok)

		d := f.deltas.last()
		assert.Equal(t, models.DeltaEnrichment, d.Kind)
		assert.Equal(t, models.TierModerate, d.Tier)
		assert.Greater(t, d.Version, base.Version)
		assert.Equal(t, models.Payload{"hp": 10.0, "mood": "calm"}, f.component(t, "42", health).Payload)

		ok, err = f.r.MergeEnrichment(ctx, res)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, f.deltas.all(), 2)

		// Later authoritative writes keep enriched fields.
		_, err = f.r.Apply(ctx, update("A", "42", 2, time.Second, health, models.Payload{"hp": 9.0}))
		require.NoError(t, err)
		assert.Equal(t, models.Payload{"hp": 9.0, "mood": "calm"}, f.component(t, "42", health).Payload)
	})

	t.Run("Skips components confirmed after base", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, health, models.Payload{"hp": 10.0}))
		require.NoError(t, err)
		base := f.deltas.last()
		_, err = f.r.Apply(ctx, update("A", "42", 2, time.Second, health, models.Payload{"hp": 4.0}))
		require.NoError(t, err)

		ok, err := f.r.MergeEnrichment(ctx, models.EnrichmentResult{
			TaskID:      "late",
			Entity:      base.Entity,
			BaseVersion: base.Version,
			Patches:     []models.ComponentPatch{{Type: health, Payload: models.Payload{"hp": 100.0}}},
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.Payload{"hp": 4.0}, f.component(t, "42", health).Payload)
	})

	t.Run("Skips components removed after base", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.r.Apply(ctx, update("A", "42", 1, 0, health, models.Payload{"hp": 10.0}))
		require.NoError(t, err)
		base := f.deltas.last()
		_, err = f.r.Apply(ctx, models.PacketEvent{
			Kind: models.EventUpdate, Source: "A", Entity: models.EntityRef{Key: "42"}, SourceSequence: 2,
			SourceTimestamp: epoch.Add(time.Second),
			Patches:         []models.ComponentPatch{{Type: health, Remove: true}},
		})
		require.NoError(t, err)
		removedAt := f.deltas.last().Version

		ok, err := f.r.MergeEnrichment(ctx, models.EnrichmentResult{
			TaskID:      "late",
			Entity:      base.Entity,
			BaseVersion: base.Version,
			Patches:     []models.ComponentPatch{{Type: health, Payload: models.Payload{"mood": "calm"}}},
		})
		require.NoError(t, err)
		assert.False(t, ok)
		_, present := f.store.GetComponent(base.Entity, health)
		assert.False(t, present)

		// A result computed after the removal may attach the component again.
		ok, err = f.r.MergeEnrichment(ctx, models.EnrichmentResult{
			TaskID:      "fresh",
			Entity:      base.Entity,
			BaseVersion: removedAt,
			Patches:     []models.ComponentPatch{{Type: health, Payload: models.Payload{"mood": "calm"}}},
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.Payload{"mood": "calm"}, f.component(t, "42", health).Payload)
	})

	t.Run("Removed entity", func(t *testing.T) {
		f := newFixture(t)
		ok, err := f.r.MergeEnrichment(ctx, models.EnrichmentResult{TaskID: "x", Entity: 77})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

type fakeDispatcher struct {
	r         *Reconciler
	mu        sync.Mutex
	escalated []models.SyncDelta
	cancelled []models.EntityID
	owners    []models.SourceID
}

func (d *fakeDispatcher) FastEnrich(_ context.Context, e models.EntityContext) []models.ComponentPatch {
	if _, ok := e.Components[position]; !ok {
		return nil
	}
	return []models.ComponentPatch{{Type: position, Payload: models.Payload{"zone": "north"}}}
}

func (d *fakeDispatcher) Escalate(delta models.SyncDelta, _ models.EntityContext) {
	// Owner takes the entity lock, so this deadlocks if called under it.
	owner, _ := d.r.Owner(delta.Entity)
	d.mu.Lock()
	d.escalated = append(d.escalated, delta)
	d.owners = append(d.owners, owner)
	d.mu.Unlock()
}

func (d *fakeDispatcher) CancelEntity(id models.EntityID) {
	d.mu.Lock()
	d.cancelled = append(d.cancelled, id)
	d.mu.Unlock()
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := &fakeDispatcher{r: f.r}
	f.r.Bind(d)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.r.Apply(ctx, update("A", "42", 1, 0, position, pos(1, 0, 0)))
		_, _ = f.r.Apply(ctx, models.PacketEvent{Kind: models.EventRemove, Source: "A", Entity: models.EntityRef{Key: "42"}, SourceSequence: 2})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("escalation ran under the entity lock")
	}

	require.Len(t, d.escalated, 1)
	assert.Equal(t, models.SourceID("A"), d.owners[0])
	assert.Equal(t, "north", d.escalated[0].Diffs[0].Payload["zone"])
	assert.Len(t, d.cancelled, 1)
}

func TestMonotonicVersions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithPolicies(SourcePolicy{SpawnOnDemand: true}))

	var wg sync.WaitGroup
	sources := []models.SourceID{"s1", "s2", "s3", "s4"}
	for _, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := uint64(1); seq <= 50; seq++ {
				_, _ = f.r.Apply(ctx, update(src, "hot", seq, time.Duration(seq)*time.Second, position, pos(float64(seq), 0, 0)))
			}
		}()
	}
	wg.Wait()

	var last models.Version
	for _, d := range f.deltas.all() {
		require.Greater(t, d.Version, last)
		last = d.Version
	}
}

package store

import (
	"math"
	"slices"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/pkg/sequence"
)

// EntityView is an immutable view of one entity at one commit.
type EntityView struct {
	id         models.EntityID
	version    models.Version
	components map[models.ComponentType]models.Component
}

func viewOf(id models.EntityID, st *state) (EntityView, bool) {
	if st == nil || st.removed {
		return EntityView{}, false
	}
	return EntityView{id: id, version: st.version, components: st.components}, true
}

func (v EntityView) ID() models.EntityID     { return v.id }
func (v EntityView) Version() models.Version { return v.version }
func (v EntityView) Len() int                { return len(v.components) }

func (v EntityView) Component(t models.ComponentType) (models.Component, bool) {
	c, ok := v.components[t]
	return c, ok
}

// Has reports whether every listed type is attached.
func (v EntityView) Has(types ...models.ComponentType) bool {
	for _, t := range types {
		if _, ok := v.components[t]; !ok {
			return false
		}
	}
	return true
}

func (v EntityView) Types() []models.ComponentType {
	types := lo.Keys(v.components)
	slices.Sort(types)
	return types
}

// Components returns the attached components ordered by type.
func (v EntityView) Components() []models.Component {
	out := make([]models.Component, 0, len(v.components))
	for _, t := range v.Types() {
		out = append(out, v.components[t])
	}
	return out
}

// Context copies the view into the form handed to enrichment providers.
func (v EntityView) Context() models.EntityContext {
	ctx := models.EntityContext{
		ID:         v.id,
		Version:    v.version,
		Components: make(map[models.ComponentType]models.Payload, len(v.components)),
	}
	for t, c := range v.components {
		ctx.Components[t] = c.Payload.Clone()
	}
	return ctx
}

// Predicate selects entities in a query. A nil predicate matches everything.
type Predicate func(EntityView) bool

// With matches entities carrying every listed component type.
func With(types ...models.ComponentType) Predicate {
	return func(v EntityView) bool { return v.Has(types...) }
}

// And combines predicates.
func And(preds ...Predicate) Predicate {
	return func(v EntityView) bool {
		for _, p := range preds {
			if p != nil && !p(v) {
				return false
			}
		}
		return true
	}
}

// Snapshot is a stable, read-only view of the whole store. It must be released.
type Snapshot struct {
	store    *Store
	seq      uint64
	released atomic.Bool
}

// Snapshot pins the current commit sequence.
func (s *Store) Snapshot() *Snapshot {
	s.snapMu.Lock()
	seq := s.commitSeq.Load()
	s.activeMu.Lock()
	s.active[seq]++
	s.minActive.Store(minKey(s.active))
	s.activeMu.Unlock()
	s.snapMu.Unlock()

	return &Snapshot{store: s, seq: seq}
}

func minKey(active map[uint64]int) uint64 {
	if len(active) == 0 {
		return 0
	}
	low := uint64(math.MaxUint64)
	for seq := range active {
		low = min(low, seq)
	}
	return low
}

func (sn *Snapshot) Seq() uint64 { return sn.seq }

// Release unpins the snapshot. It is idempotent.
func (sn *Snapshot) Release() {
	if !sn.released.CompareAndSwap(false, true) {
		return
	}
	s := sn.store
	s.activeMu.Lock()
	if s.active[sn.seq]--; s.active[sn.seq] <= 0 {
		delete(s.active, sn.seq)
	}
	s.minActive.Store(minKey(s.active))
	s.activeMu.Unlock()
	s.sweep()
}

func (sn *Snapshot) Entity(id models.EntityID) (EntityView, bool) {
	if sn.released.Load() {
		return EntityView{}, false
	}
	rec := sn.store.lookup(id)
	if rec == nil {
		return EntityView{}, false
	}
	return viewOf(rec.id, rec.at(sn.seq))
}

// Query lazily yields the entities visible in the snapshot that match pred.
// Records are collected one shard at a time, so entities created after the
// snapshot may be listed but are never visible.
func (sn *Snapshot) Query(pred Predicate) *sequence.Iterator[EntityView] {
	return sequence.New(func(yield func(EntityView) bool) {
		for _, sh := range sn.store.shards {
			if sn.released.Load() {
				return
			}
			sh.mu.RLock()
			recs := lo.Values(sh.records)
			sh.mu.RUnlock()

			for _, rec := range recs {
				view, ok := viewOf(rec.id, rec.at(sn.seq))
				if !ok || (pred != nil && !pred(view)) {
					continue
				}
				if !yield(view) {
					return
				}
			}
		}
	})
}

// Query runs pred over a snapshot pinned when iteration starts and released
// when it ends. Each iteration sees its own stable view.
func (s *Store) Query(pred Predicate) *sequence.Iterator[EntityView] {
	return sequence.New(func(yield func(EntityView) bool) {
		sn := s.Snapshot()
		defer sn.Release()
		for v := range sn.Query(pred).Seq() {
			if !yield(v) {
				return
			}
		}
	})
}

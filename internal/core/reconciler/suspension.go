package reconciler

import (
	"context"
	"sort"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/samber/lo"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
)

// sourceState tracks liveness and ownership of one source. Guarded by
// Reconciler.sourcesMu.
type sourceState struct {
	suspended bool
	since     time.Time
	cause     error
	// gen invalidates idle timers that fired after a resume.
	gen   uint64
	timer *timingwheel.Timer
	owned map[models.EntityID]struct{}
}

// SourceStatus is a point-in-time view of a source.
type SourceStatus struct {
	ID        models.SourceID
	Suspended bool
	Since     time.Time
	Owned     int
}

func (r *Reconciler) sourceLocked(id models.SourceID) *sourceState {
	st, ok := r.sources[id]
	if !ok {
		st = &sourceState{owned: make(map[models.EntityID]struct{})}
		r.sources[id] = st
	}
	return st
}

// Sources lists every source the reconciler has seen.
func (r *Reconciler) Sources() []SourceStatus {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()

	out := make([]SourceStatus, 0, len(r.sources))
	for id, st := range r.sources {
		out = append(out, SourceStatus{ID: id, Suspended: st.suspended, Since: st.since, Owned: len(st.owned)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Suspended reports whether a source is currently suspended.
func (r *Reconciler) Suspended(id models.SourceID) bool {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	st, ok := r.sources[id]
	return ok && st.suspended
}

// suspend freezes a source. Its entities stay at their last known state
// until the idle timeout of its policy elapses.
func (r *Reconciler) suspend(id models.SourceID, cause error) {
	policy := r.policies.get(id)

	r.sourcesMu.Lock()
	st := r.sourceLocked(id)
	if st.suspended {
		r.sourcesMu.Unlock()
		return
	}
	st.suspended, st.since, st.cause = true, r.now(), cause
	st.gen++
	gen := st.gen
	if policy.IdleTimeout > 0 {
		st.timer = r.wheel.AfterFunc(policy.IdleTimeout, func() { r.expire(id, gen) })
	}
	owned := len(st.owned)
	r.sourcesMu.Unlock()

	fields := []log.Field{
		log.String("source_id", string(id)),
		log.Int("owned", owned),
		log.Duration("idle_timeout", policy.IdleTimeout),
	}
	if cause != nil {
		fields = append(fields, log.Error(cause))
	}
	r.logger.Warn("Source suspended", fields...)
}

func (r *Reconciler) resume(id models.SourceID) {
	if r.wake(id) {
		r.logger.Info("Source resumed", log.String("source_id", string(id)))
	}
}

// touch marks a source live on any data event.
func (r *Reconciler) touch(id models.SourceID) {
	if r.wake(id) {
		r.logger.Info("Source resumed by traffic", log.String("source_id", string(id)))
	}
}

func (r *Reconciler) wake(id models.SourceID) bool {
	r.sourcesMu.Lock()
	defer r.sourcesMu.Unlock()
	st := r.sourceLocked(id)
	if !st.suspended {
		return false
	}
	st.suspended, st.cause = false, nil
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	return true
}

// expire removes every entity owned by a source that stayed suspended past
// its idle timeout.
func (r *Reconciler) expire(id models.SourceID, gen uint64) {
	r.sourcesMu.Lock()
	st, ok := r.sources[id]
	if !ok || !st.suspended || st.gen != gen {
		r.sourcesMu.Unlock()
		return
	}
	st.timer = nil
	owned := lo.Keys(st.owned)
	r.sourcesMu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	removed := 0
	for _, eid := range owned {
		es, ok := r.entities.get(eid)
		if !ok {
			continue
		}
		es.mu.Lock()
		if !es.removed && es.owner == id {
			r.remove(context.Background(), es, id)
			removed++
		}
		es.mu.Unlock()
	}

	r.metrics.IdleRemovals.WithLabelValues(string(id)).Add(float64(removed))
	r.logger.Warn("Removed entities of idle source",
		log.String("source_id", string(id)),
		log.Int("removed", removed),
	)
}

func (r *Reconciler) ownerAdd(id models.SourceID, eid models.EntityID) {
	r.sourcesMu.Lock()
	r.sourceLocked(id).owned[eid] = struct{}{}
	r.sourcesMu.Unlock()
}

func (r *Reconciler) ownerRemove(id models.SourceID, eid models.EntityID) {
	r.sourcesMu.Lock()
	if st, ok := r.sources[id]; ok {
		delete(st.owned, eid)
	}
	r.sourcesMu.Unlock()
}

// Owned lists the entities a source owns.
func (r *Reconciler) Owned(id models.SourceID) []models.EntityID {
	r.sourcesMu.Lock()
	st, ok := r.sources[id]
	var out []models.EntityID
	if ok {
		out = lo.Keys(st.owned)
	}
	r.sourcesMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handoff transfers ownership of every entity of from to to and returns the
// moved ids. Removal rights follow ownership.
func (r *Reconciler) Handoff(from, to models.SourceID) []models.EntityID {
	if from == to {
		return nil
	}

	var moved []models.EntityID
	for _, eid := range r.Owned(from) {
		if r.HandoffEntity(eid, from, to) {
			moved = append(moved, eid)
		}
	}
	r.logger.Info("Ownership handed off",
		log.String("from", string(from)),
		log.String("to", string(to)),
		log.Int("entities", len(moved)),
	)
	return moved
}

// HandoffEntity transfers ownership of one entity if from currently owns it.
func (r *Reconciler) HandoffEntity(eid models.EntityID, from, to models.SourceID) bool {
	es, ok := r.entities.get(eid)
	if !ok {
		return false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.removed || es.owner != from {
		return false
	}
	es.owner = to
	r.ownerRemove(from, eid)
	r.ownerAdd(to, eid)
	return true
}

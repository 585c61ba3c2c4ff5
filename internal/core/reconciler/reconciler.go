// Package reconciler is the single write path into the entity store. It
// orders packet events per entity with vector clocks, resolves concurrent
// authoritative writes, applies and reconciles predictions, and publishes
// every commit as a SyncDelta.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RussellLuo/timingwheel"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
	"github.com/zeusync/worldcore/internal/core/store"
)

const DefaultConflictWindow = 50 * time.Millisecond

var (
	ErrDuplicateKey = errors.New("entity key already in use")
	ErrNoPatches    = errors.New("no component patches")
	ErrClosed       = errors.New("reconciler closed")
)

// Publisher receives every committed delta, in per-entity version order. It
// must not block.
type Publisher interface {
	Publish(delta models.SyncDelta)
}

type PublisherFunc func(models.SyncDelta)

func (f PublisherFunc) Publish(d models.SyncDelta) { f(d) }

// Dispatcher is the enrichment side of a commit. FastEnrich runs inline
// before the commit; Escalate is called after the entity lock is released.
type Dispatcher interface {
	FastEnrich(ctx context.Context, entity models.EntityContext) []models.ComponentPatch
	Escalate(delta models.SyncDelta, entity models.EntityContext)
	CancelEntity(id models.EntityID)
}

// Outcome classifies what Apply did with an event.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota
	OutcomeStale
	OutcomeOrphan
	OutcomeRejected
	OutcomeSuperseded
	OutcomeDiscarded
	OutcomeIgnored
	OutcomeSuspended
	OutcomeResumed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeStale:
		return "stale"
	case OutcomeOrphan:
		return "orphan"
	case OutcomeRejected:
		return "rejected"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

type Option func(*Reconciler)

func WithLogger(l log.Log) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

func WithDispatcher(d Dispatcher) Option {
	return func(r *Reconciler) { r.dispatcher = d }
}

// WithConflictWindow sets how close two timestamps must be for writes from
// different sources to count as concurrent.
func WithConflictWindow(d time.Duration) Option {
	return func(r *Reconciler) {
		if d >= 0 {
			r.window = d
		}
	}
}

// WithPolicies sets the per-source policies and the policy applied to sources
// that are not listed.
func WithPolicies(fallback SourcePolicy, list ...SourcePolicy) Option {
	return func(r *Reconciler) { r.policies.set(fallback, list) }
}

func WithShards(n int) Option {
	return func(r *Reconciler) { r.shards = n }
}

// WithTimerTick sets the resolution of idle-removal timers.
func WithTimerTick(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.tick = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

type Reconciler struct {
	store      *store.Store
	registry   *store.Registry
	logger     log.Log
	metrics    *metrics.Metrics
	publisher  Publisher
	dispatcher Dispatcher
	policies   *policies
	window     time.Duration
	shards     int
	tick       time.Duration
	now        func() time.Time

	entities *shardedMap[models.EntityID, *entityState]
	keys     *shardedMap[string, models.EntityID]

	sourcesMu sync.Mutex
	sources   map[models.SourceID]*sourceState

	wheel     *timingwheel.TimingWheel
	closed    atomic.Bool
	closeOnce sync.Once
}

func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    s,
		registry: s.Registry(),
		logger:   log.Provide(),
		policies: newPolicies(SourcePolicy{}, nil),
		window:   DefaultConflictWindow,
		tick:     10 * time.Millisecond,
		now:      time.Now,
		sources:  make(map[models.SourceID]*sourceState),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.logger = r.logger.With(log.Component("reconciler"))
	r.entities = newShardedMap[models.EntityID, *entityState](r.shards, hashID)
	r.keys = newShardedMap[string, models.EntityID](r.shards, hashKey)

	r.wheel = timingwheel.NewTimingWheel(r.tick, 512)
	r.wheel.Start()
	return r
}

// Close stops idle-removal timers.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.wheel.Stop()
	})
}

// Bind attaches the dispatcher after construction, for wiring cycles.
func (r *Reconciler) Bind(d Dispatcher) { r.dispatcher = d }

func (r *Reconciler) Store() *store.Store { return r.store }

// SetPriorities swaps the source policy table at runtime.
func (r *Reconciler) SetPriorities(fallback SourcePolicy, list ...SourcePolicy) {
	r.policies.set(fallback, list)
	r.logger.Info("Source policies updated", log.Int("sources", len(list)))
}

func (r *Reconciler) Policy(source models.SourceID) SourcePolicy { return r.policies.get(source) }

// Policies returns the fallback policy and the listed ones sorted by id.
func (r *Reconciler) Policies() (SourcePolicy, []SourcePolicy) {
	list := r.policies.all()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return r.policies.fallback(), list
}

// Tracked is the number of entities the reconciler holds state for.
func (r *Reconciler) Tracked() int { return r.entities.len() }

// Apply merges one packet event into the store.
func (r *Reconciler) Apply(ctx context.Context, ev models.PacketEvent) (Outcome, error) {
	if r.closed.Load() {
		return OutcomeRejected, ErrClosed
	}
	switch ev.Kind {
	case models.EventSuspended:
		r.suspend(ev.Source, ev.Err)
		return OutcomeSuspended, nil
	case models.EventResumed:
		r.resume(ev.Source)
		return OutcomeResumed, nil
	case models.EventRemove:
		r.touch(ev.Source)
		return r.applyRemove(ctx, ev)
	case models.EventUpdate:
		r.touch(ev.Source)
		return r.applyUpdate(ctx, ev)
	default:
		return OutcomeRejected, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
}

// Spawn creates an entity owned by source from local input.
func (r *Reconciler) Spawn(ctx context.Context, source models.SourceID, key string, patches []models.ComponentPatch) (models.EntityID, error) {
	if len(patches) == 0 {
		return 0, ErrNoPatches
	}
	if err := r.checkTypes("reconciler.Spawn", patches); err != nil {
		return 0, err
	}

	var es *entityState
	if key == "" {
		es = r.create("", source)
	} else {
		id, _, created := r.keys.getOrCreate(key, func() (models.EntityID, bool) {
			es = r.create(key, source)
			return es.id, true
		})
		if !created {
			return id, fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
	}

	now := r.now()
	changes := make([]store.Change, 0, len(patches))
	for _, p := range patches {
		if p.Remove {
			continue
		}
		r.meta(es, p.Type)
		changes = append(changes, store.Change{Type: p.Type, Payload: p.Payload})
	}

	delta, err := r.commit(ctx, es, models.SyncDelta{Source: source, Kind: models.DeltaSpawn, Confidence: models.Confirmed}, changes, func(m *componentMeta, c store.Change, v models.Version) {
		m.writer, m.ts, m.confirmedAt, m.confirmed = source, now, v, c.Payload
	})
	es.mu.Unlock()
	if err != nil {
		return es.id, err
	}
	r.escalate(es, delta)
	return es.id, nil
}

// Adopt registers an entity restored into the store outside the reconciler,
// e.g. from the journal.
func (r *Reconciler) Adopt(id models.EntityID, key string, owner models.SourceID) {
	es := newEntityState(id, key, owner)
	r.entities.set(id, es)
	if key != "" {
		r.keys.set(key, id)
	}
	if owner != "" {
		r.ownerAdd(owner, id)
	}
}

// Owner returns the source that owns an entity.
func (r *Reconciler) Owner(id models.EntityID) (models.SourceID, bool) {
	es, ok := r.entities.get(id)
	if !ok {
		return "", false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.removed {
		return "", false
	}
	return es.owner, true
}

// Key returns the external key of an entity.
func (r *Reconciler) Key(id models.EntityID) (string, bool) {
	es, ok := r.entities.get(id)
	if !ok {
		return "", false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.key, !es.removed
}

// Resolve maps an entity reference to an id.
func (r *Reconciler) Resolve(ref models.EntityRef) (models.EntityID, bool) {
	if ref.ID.Valid() {
		return ref.ID, r.store.Exists(ref.ID)
	}
	if ref.Key == "" {
		return 0, false
	}
	return r.keys.get(ref.Key)
}

// Clock returns a copy of an entity's vector clock.
func (r *Reconciler) Clock(id models.EntityID) VectorClock {
	es, ok := r.entities.get(id)
	if !ok {
		return nil
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.clock.Clone()
}

// Confidence reports whether a component currently holds a provisional value.
func (r *Reconciler) Confidence(id models.EntityID, t models.ComponentType) models.Confidence {
	es, ok := r.entities.get(id)
	if !ok {
		return models.Confirmed
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if m := es.components[t]; m != nil && m.pending != nil {
		return models.Provisional
	}
	return models.Confirmed
}

func (r *Reconciler) applyUpdate(ctx context.Context, ev models.PacketEvent) (Outcome, error) {
	policy := r.policies.get(ev.Source)

	ev.Patches = r.knownPatches(ev)
	if len(ev.Patches) == 0 {
		r.logger.Warn("Dropped event without registered components",
			log.String("source_id", string(ev.Source)),
			log.String("entity", ev.Entity.String()),
		)
		return OutcomeRejected, errs.Newf(errs.KindUnknownComponentType, "reconciler.Apply", "entity %s", ev.Entity)
	}

	es, spawned := r.locate(ev.Entity, ev.Source, policy.SpawnOnDemand)
	if es == nil {
		r.metrics.OrphanPatches.WithLabelValues(string(ev.Source)).Inc()
		r.logger.Warn("Orphan patch",
			log.String("source_id", string(ev.Source)),
			log.String("entity", ev.Entity.String()),
			log.Uint64("seq", ev.SourceSequence),
		)
		return OutcomeOrphan, errs.Newf(errs.KindOrphanPatch, "reconciler.Apply", "entity %s from %s", ev.Entity, ev.Source)
	}

	delta, out, err := r.update(ctx, es, ev, policy, spawned)
	es.mu.Unlock()
	if err != nil || out != OutcomeApplied {
		return out, err
	}
	r.escalate(es, delta)
	return OutcomeApplied, nil
}

// update applies an event to a located entity. es.mu is held.
func (r *Reconciler) update(ctx context.Context, es *entityState, ev models.PacketEvent, policy SourcePolicy, spawned bool) (models.SyncDelta, Outcome, error) {
	if !es.clock.Advance(ev.Source, ev.SourceSequence) {
		r.metrics.EventsStale.WithLabelValues(string(ev.Source)).Inc()
		return models.SyncDelta{}, OutcomeStale, errs.Newf(errs.KindStaleEvent, "reconciler.Apply",
			"entity %d source %s seq %d <= %d", es.id, ev.Source, ev.SourceSequence, es.clock.Get(ev.Source))
	}
	r.metrics.EventsApplied.WithLabelValues(string(ev.Source)).Inc()

	if policy.Role == RolePredictive {
		return r.predict(ctx, es, ev, spawned)
	}
	return r.confirm(ctx, es, ev, policy, spawned)
}

// confirm applies an authoritative event. es.mu is held.
func (r *Reconciler) confirm(ctx context.Context, es *entityState, ev models.PacketEvent, policy SourcePolicy, spawned bool) (models.SyncDelta, Outcome, error) {
	incoming := Claim{Source: ev.Source, Priority: policy.Priority, Timestamp: ev.SourceTimestamp}

	type accepted struct {
		meta   *componentMeta
		change store.Change
		kind   models.DeltaKind
	}
	var plan []accepted

	for _, p := range ev.Patches {
		meta := r.meta(es, p.Type)
		current := Claim{Source: meta.writer, Priority: r.policies.get(meta.writer).Priority, Timestamp: meta.ts}
		verdict := Resolve(current, incoming, r.window)
		if verdict != VerdictApply {
			r.metrics.Conflicts.WithLabelValues(verdict.String()).Inc()
		}
		if !verdict.Accepted() {
			r.logger.Debug("Authoritative write lost",
				log.Uint64("entity_id", uint64(es.id)),
				log.String("component", string(p.Type)),
				log.String("source_id", string(ev.Source)),
				log.String("holder", string(meta.writer)),
				log.String("verdict", verdict.String()),
			)
			continue
		}

		a := accepted{meta: meta, kind: models.DeltaUpdate}
		if p.Remove {
			a.change = store.Change{Type: p.Type, Remove: true}
		} else {
			a.change = store.Change{Type: p.Type, Payload: models.Merge(meta.confirmed, p.Payload)}
		}
		if meta.pending != nil {
			a.kind = r.reconcilePrediction(es, p.Type, meta, a.change)
		}
		plan = append(plan, a)
	}

	if len(plan) == 0 {
		return models.SyncDelta{}, OutcomeSuperseded, nil
	}

	kind := models.DeltaUpdate
	changes := make([]store.Change, len(plan))
	for i, a := range plan {
		changes[i] = a.change
		switch {
		case a.kind == models.DeltaCorrection:
			kind = models.DeltaCorrection
		case a.kind == models.DeltaPromotion && kind == models.DeltaUpdate:
			kind = models.DeltaPromotion
		}
	}
	if spawned {
		kind = models.DeltaSpawn
	}

	delta, err := r.commit(ctx, es, models.SyncDelta{Source: ev.Source, Kind: kind, Confidence: models.Confirmed}, changes, func(m *componentMeta, c store.Change, v models.Version) {
		m.writer, m.seq, m.ts, m.confirmedAt = ev.Source, ev.SourceSequence, ev.SourceTimestamp, v
		m.pending = nil
		if c.Remove {
			m.confirmed = nil
		} else {
			m.confirmed = c.Payload
		}
	})
	if err != nil {
		return models.SyncDelta{}, OutcomeRejected, err
	}
	return delta, OutcomeApplied, nil
}

// reconcilePrediction compares an authoritative value with the pending guess.
func (r *Reconciler) reconcilePrediction(es *entityState, t models.ComponentType, meta *componentMeta, c store.Change) models.DeltaKind {
	spec, _ := r.registry.Lookup(t)
	if !c.Remove && c.Payload.WithinTolerance(meta.pending.value, spec.Tolerance) {
		r.metrics.Predictions.WithLabelValues("promoted").Inc()
		return models.DeltaPromotion
	}
	r.metrics.Predictions.WithLabelValues("corrected").Inc()
	r.logger.Debug("Prediction corrected",
		log.Uint64("entity_id", uint64(es.id)),
		log.String("component", string(t)),
		log.String("predictor", string(meta.pending.source)),
	)
	return models.DeltaCorrection
}

// predict applies a predictive event as provisional state. es.mu is held.
func (r *Reconciler) predict(ctx context.Context, es *entityState, ev models.PacketEvent, spawned bool) (models.SyncDelta, Outcome, error) {
	var (
		changes []store.Change
		guesses = make(map[models.ComponentType]*prediction)
	)

	for _, p := range ev.Patches {
		meta := r.meta(es, p.Type)
		if p.Remove || stalePrediction(ev, meta) {
			r.metrics.Predictions.WithLabelValues("discarded").Inc()
			continue
		}
		basis := ev.Basis
		if basis == 0 {
			basis = meta.seq
		}

		spec, _ := r.registry.Lookup(p.Type)
		predictFn := spec.Predict
		if predictFn == nil {
			predictFn = store.MergePredictor
		}
		var elapsed time.Duration
		if !meta.ts.IsZero() {
			elapsed = ev.SourceTimestamp.Sub(meta.ts)
		}
		value := predictFn(meta.confirmed, p.Payload, elapsed)

		changes = append(changes, store.Change{Type: p.Type, Payload: value})
		guesses[p.Type] = &prediction{
			source: ev.Source,
			seq:    ev.SourceSequence,
			basis:  basis,
			value:  value,
			at:     ev.SourceTimestamp,
		}
	}

	if len(changes) == 0 {
		return models.SyncDelta{}, OutcomeDiscarded, nil
	}
	r.metrics.Predictions.WithLabelValues("applied").Add(float64(len(changes)))

	kind := models.DeltaUpdate
	if spawned {
		kind = models.DeltaSpawn
	}
	delta, err := r.commit(ctx, es, models.SyncDelta{Source: ev.Source, Kind: kind, Confidence: models.Provisional}, changes, func(m *componentMeta, c store.Change, _ models.Version) {
		m.pending = guesses[c.Type]
	})
	if err != nil {
		return models.SyncDelta{}, OutcomeRejected, err
	}
	return delta, OutcomeApplied, nil
}

// stalePrediction reports whether a guess was computed against confirmed
// state that has since been replaced. Without a basis the source timestamp
// of the guess is compared with that of the confirmed write.
func stalePrediction(ev models.PacketEvent, meta *componentMeta) bool {
	if ev.Basis != 0 {
		return ev.Basis < meta.seq
	}
	return meta.writer != "" && ev.SourceTimestamp.Before(meta.ts)
}

func (r *Reconciler) applyRemove(ctx context.Context, ev models.PacketEvent) (Outcome, error) {
	id, ok := r.Resolve(ev.Entity)
	if !ok {
		r.metrics.OrphanPatches.WithLabelValues(string(ev.Source)).Inc()
		return OutcomeOrphan, errs.Newf(errs.KindOrphanPatch, "reconciler.Apply", "remove of unknown entity %s", ev.Entity)
	}
	es, ok := r.entities.get(id)
	if !ok {
		return OutcomeOrphan, errs.Newf(errs.KindOrphanPatch, "reconciler.Apply", "remove of unknown entity %s", ev.Entity)
	}

	es.mu.Lock()
	defer es.mu.Unlock()
	if es.removed {
		return OutcomeOrphan, errs.Newf(errs.KindOrphanPatch, "reconciler.Apply", "remove of removed entity %s", ev.Entity)
	}
	if !es.clock.Advance(ev.Source, ev.SourceSequence) {
		r.metrics.EventsStale.WithLabelValues(string(ev.Source)).Inc()
		return OutcomeStale, errs.Newf(errs.KindStaleEvent, "reconciler.Apply",
			"entity %d source %s seq %d", es.id, ev.Source, ev.SourceSequence)
	}
	if es.owner != ev.Source {
		r.logger.Info("Ignored removal from non-owner",
			log.Uint64("entity_id", uint64(es.id)),
			log.String("source_id", string(ev.Source)),
			log.String("owner", string(es.owner)),
		)
		return OutcomeIgnored, nil
	}

	r.metrics.EventsApplied.WithLabelValues(string(ev.Source)).Inc()
	r.remove(ctx, es, ev.Source)
	return OutcomeApplied, nil
}

// remove destroys the entity. es.mu is held.
func (r *Reconciler) remove(_ context.Context, es *entityState, source models.SourceID) {
	version, ok := r.store.RemoveEntity(es.id)
	es.removed = true
	r.keys.deleteIf(es.key, func(id models.EntityID) bool { return id == es.id })
	r.entities.deleteIf(es.id, func(s *entityState) bool { return s == es })
	if es.owner != "" {
		r.ownerRemove(es.owner, es.id)
	}
	if r.dispatcher != nil {
		r.dispatcher.CancelEntity(es.id)
	}
	if !ok {
		return
	}

	types := make([]models.ComponentType, 0, len(es.components))
	for t := range es.components {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	diffs := make([]models.ComponentDiff, len(types))
	for i, t := range types {
		diffs[i] = models.ComponentDiff{Type: t, Removed: true, Version: version}
	}

	delta := models.SyncDelta{
		Entity:      es.id,
		Key:         es.key,
		Source:      source,
		Kind:        models.DeltaRemove,
		Diffs:       diffs,
		Version:     version,
		Confidence:  models.Confirmed,
		CommittedAt: r.now(),
	}
	r.metrics.DeltasCommitted.WithLabelValues(delta.Kind.String(), delta.Confidence.String()).Inc()
	if r.publisher != nil {
		r.publisher.Publish(delta)
	}
}

// commit writes changes, runs fast enrichment, updates component metadata
// through record and publishes the delta. head supplies the source, kind,
// confidence and tier of the delta. es.mu is held.
func (r *Reconciler) commit(
	ctx context.Context,
	es *entityState,
	head models.SyncDelta,
	changes []store.Change,
	record func(*componentMeta, store.Change, models.Version),
) (models.SyncDelta, error) {
	before, _ := r.store.Entity(es.id)
	own := make(map[models.ComponentType]struct{}, len(changes))
	for _, c := range changes {
		own[c.Type] = struct{}{}
	}
	changes = r.fastEnrich(ctx, es, before, changes)

	res, err := r.store.Commit(es.id, changes)
	if err != nil {
		if errs.IsFatal(err) {
			r.logger.Error("Store invariant violated", log.Uint64("entity_id", uint64(es.id)), log.Error(err))
		}
		return models.SyncDelta{}, err
	}

	diffs := make([]models.ComponentDiff, 0, len(changes))
	for _, c := range changes {
		if m, ok := es.components[c.Type]; ok && record != nil {
			if _, mine := own[c.Type]; mine {
				record(m, c, res.Version)
			}
		}
		prev, _ := before.Component(c.Type)
		diff := models.ComponentDiff{Type: c.Type, Version: res.Version}
		if c.Remove {
			diff.Removed = true
			delete(es.components, c.Type)
			es.detached[c.Type] = res.Version
		} else {
			diff.Payload = c.Payload
			diff.Changed = changedFields(prev.Payload, c.Payload)
		}
		diffs = append(diffs, diff)
	}

	delta := head
	delta.Entity, delta.Key = es.id, es.key
	delta.Diffs, delta.Version = diffs, res.Version
	delta.CommittedAt = r.now()
	r.metrics.DeltasCommitted.WithLabelValues(delta.Kind.String(), delta.Confidence.String()).Inc()
	if r.publisher != nil {
		r.publisher.Publish(delta)
	}
	return delta, nil
}

// fastEnrich merges Fast-tier patches into the pending changes.
func (r *Reconciler) fastEnrich(ctx context.Context, es *entityState, before store.EntityView, changes []store.Change) []store.Change {
	if r.dispatcher == nil {
		return changes
	}

	ectx := before.Context()
	ectx.ID, ectx.Key = es.id, es.key
	for _, c := range changes {
		if c.Remove {
			delete(ectx.Components, c.Type)
		} else {
			ectx.Components[c.Type] = c.Payload
		}
	}

	for _, p := range r.dispatcher.FastEnrich(ctx, ectx) {
		if p.Remove || !r.registry.Has(p.Type) {
			continue
		}
		merged := false
		for i := range changes {
			if changes[i].Type == p.Type && !changes[i].Remove {
				changes[i].Payload = models.Merge(changes[i].Payload, p.Payload)
				merged = true
				break
			}
		}
		if !merged {
			changes = append(changes, store.Change{Type: p.Type, Payload: models.Merge(ectx.Components[p.Type], p.Payload)})
		}
	}
	return changes
}

// escalate hands a committed delta to the cascade. es.mu must not be held.
func (r *Reconciler) escalate(es *entityState, delta models.SyncDelta) {
	if r.dispatcher == nil {
		return
	}
	view, ok := r.store.Entity(es.id)
	if !ok {
		return
	}
	ectx := view.Context()
	ectx.Key = es.key
	r.dispatcher.Escalate(delta, ectx)
}

// meta returns the component metadata, seeding it from the store on first use.
func (r *Reconciler) meta(es *entityState, t models.ComponentType) *componentMeta {
	if m, ok := es.components[t]; ok {
		return m
	}
	m := &componentMeta{}
	if c, ok := r.store.GetComponent(es.id, t); ok {
		m.confirmed = c.Payload
		m.confirmedAt = c.Version
	}
	es.components[t] = m
	return m
}

func (r *Reconciler) knownPatches(ev models.PacketEvent) []models.ComponentPatch {
	out := ev.Patches[:0:0]
	for _, p := range ev.Patches {
		if r.registry.Has(p.Type) {
			out = append(out, p)
			continue
		}
		r.metrics.UnknownComponents.WithLabelValues(string(p.Type)).Inc()
		r.logger.Debug("Dropped patch of unregistered component",
			log.String("source_id", string(ev.Source)),
			log.String("component", string(p.Type)),
		)
	}
	ev.Patches = out
	return out
}

func (r *Reconciler) checkTypes(op string, patches []models.ComponentPatch) error {
	for _, p := range patches {
		if !r.registry.Has(p.Type) {
			r.metrics.UnknownComponents.WithLabelValues(string(p.Type)).Inc()
			return errs.Newf(errs.KindUnknownComponentType, op, "%q", p.Type)
		}
	}
	return nil
}

// create makes a new entity and returns its state locked.
func (r *Reconciler) create(key string, owner models.SourceID) *entityState {
	id := r.store.CreateEntity()
	es := newEntityState(id, key, owner)
	es.mu.Lock()
	r.entities.set(id, es)
	if owner != "" {
		r.ownerAdd(owner, id)
	}
	r.logger.Debug("Entity spawned",
		log.Uint64("entity_id", uint64(id)),
		log.String("key", key),
		log.String("source_id", string(owner)),
	)
	return es
}

// locate finds the entity named by ref and returns its state locked. When the
// entity does not exist and spawn is set, it is created. A nil state means
// the reference is an orphan.
func (r *Reconciler) locate(ref models.EntityRef, source models.SourceID, spawn bool) (*entityState, bool) {
	for range 2 {
		var (
			es      *entityState
			spawned bool
		)
		switch {
		case ref.ID.Valid():
			es, _ = r.entities.get(ref.ID)
		case ref.Key != "":
			if !spawn {
				if id, ok := r.keys.get(ref.Key); ok {
					es, _ = r.entities.get(id)
				}
				break
			}
			var id models.EntityID
			id, _, spawned = r.keys.getOrCreate(ref.Key, func() (models.EntityID, bool) {
				es = r.create(ref.Key, source)
				return es.id, true
			})
			if !spawned {
				es, _ = r.entities.get(id)
			}
		}
		if es == nil {
			return nil, false
		}
		if !spawned {
			es.mu.Lock()
		}
		if !es.removed {
			return es, spawned
		}
		// Removed between lookup and lock; the key is free again.
		es.mu.Unlock()
	}
	return nil, false
}

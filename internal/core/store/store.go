// Package store is the authoritative in-memory entity-component state.
//
// Entity records are spread over xxhash-selected shards. Each record keeps a
// short chain of immutable states tagged with a global commit sequence, which
// gives readers snapshot isolation without blocking writers: a snapshot pins a
// sequence and reads, per entity, the newest state at or below it. History
// older than the oldest pinned snapshot is pruned on the next write.
package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
)

const defaultShardCount = 32

// Change replaces or removes one component. Payload is the full new value.
type Change struct {
	Type    models.ComponentType
	Payload models.Payload
	Remove  bool
}

// CommitResult reports the entity version produced by a commit.
type CommitResult struct {
	Entity  models.EntityID
	Version models.Version
}

type state struct {
	seq        uint64
	version    models.Version
	removed    bool
	components map[models.ComponentType]models.Component
	prev       atomic.Pointer[state]
}

type record struct {
	id   models.EntityID
	mu   sync.Mutex
	head atomic.Pointer[state]
}

// at returns the newest state visible at commit sequence seq.
func (r *record) at(seq uint64) *state {
	for st := r.head.Load(); st != nil; st = st.prev.Load() {
		if st.seq <= seq {
			return st
		}
	}
	return nil
}

type shard struct {
	mu      sync.RWMutex
	records map[models.EntityID]*record
}

type Store struct {
	registry *Registry
	shards   []*shard
	logger   log.Log
	metrics  *metrics.Metrics

	lastID  atomic.Uint64
	created atomic.Bool
	live    atomic.Int64

	commitSeq atomic.Uint64
	// snapMu is held shared by writers while they allocate and publish a
	// commit sequence, and exclusively while a snapshot pins one.
	snapMu    sync.RWMutex
	activeMu  sync.Mutex
	active    map[uint64]int
	minActive atomic.Uint64

	pendingMu sync.Mutex
	pending   []*record
}

type Option func(*Store)

func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.shards = make([]*shard, n)
		}
	}
}

func WithLogger(logger log.Log) Option {
	return func(s *Store) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func New(registry *Registry, opts ...Option) *Store {
	s := &Store{
		registry: registry,
		shards:   make([]*shard, defaultShardCount),
		active:   make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[models.EntityID]*record)}
	}
	if s.logger == nil {
		s.logger = log.Provide()
	}
	s.logger = s.logger.With(log.Component("store"))
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Store) Registry() *Registry { return s.registry }

func (s *Store) shardFor(id models.EntityID) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return s.shards[xxhash.Sum64(buf[:])%uint64(len(s.shards))]
}

func (s *Store) lookup(id models.EntityID) *record {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[id]
}

// publish makes next the head of rec. Callers hold rec.mu.
func (s *Store) publish(rec *record, next *state) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	next.seq = s.commitSeq.Add(1)
	next.prev.Store(rec.head.Load())
	rec.head.Store(next)
	s.prune(next)
}

func (s *Store) prune(head *state) {
	low := s.minActive.Load()
	if low == 0 {
		head.prev.Store(nil)
		return
	}
	for st := head; st != nil; st = st.prev.Load() {
		if st.seq <= low {
			st.prev.Store(nil)
			return
		}
	}
}

// CreateEntity allocates a fresh id. Ids are never reused.
func (s *Store) CreateEntity() models.EntityID {
	s.created.Store(true)
	id := models.EntityID(s.lastID.Add(1))
	rec := &record{id: id}
	s.publish(rec, &state{version: 1, components: map[models.ComponentType]models.Component{}})

	sh := s.shardFor(id)
	sh.mu.Lock()
	sh.records[id] = rec
	sh.mu.Unlock()

	s.metrics.Entities.Set(float64(s.live.Add(1)))
	return id
}

// RestoreEntity re-creates an entity under a known id, typically from a
// journal at startup. Reusing a live id, or an id at or below one already
// issued by CreateEntity, violates the store invariant and is fatal.
func (s *Store) RestoreEntity(id models.EntityID, version models.Version, components []models.Component) error {
	const op = "store.RestoreEntity"
	if !id.Valid() {
		return errs.Newf(errs.KindStoreInvariant, op, "entity id 0")
	}
	if s.created.Load() && uint64(id) <= s.lastID.Load() {
		return errs.Newf(errs.KindStoreInvariant, op, "entity id %d already issued", id)
	}
	for _, c := range components {
		if !s.registry.Has(c.Type) {
			return errs.Newf(errs.KindUnknownComponentType, op, "%q", c.Type)
		}
	}
	if version == 0 {
		version = 1
	}

	st := &state{version: version, components: make(map[models.ComponentType]models.Component, len(components))}
	for _, c := range components {
		v := c.Version
		if v == 0 || v > version {
			v = version
		}
		st.components[c.Type] = models.Component{Type: c.Type, Payload: c.Payload.Clone(), Version: v}
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	if _, exists := sh.records[id]; exists {
		sh.mu.Unlock()
		return errs.Newf(errs.KindStoreInvariant, op, "entity id %d reused", id)
	}
	rec := &record{id: id}
	s.publish(rec, st)
	sh.records[id] = rec
	sh.mu.Unlock()

	for {
		last := s.lastID.Load()
		if uint64(id) <= last || s.lastID.CompareAndSwap(last, uint64(id)) {
			break
		}
	}
	s.metrics.Entities.Set(float64(s.live.Add(1)))
	return nil
}

// ReserveIDs makes CreateEntity continue above upTo. Ids already handed out
// by CreateEntity at or below upTo would be reused, which is fatal.
func (s *Store) ReserveIDs(upTo models.EntityID) error {
	for {
		last := s.lastID.Load()
		if uint64(upTo) <= last {
			return nil
		}
		if s.created.Load() {
			return errs.Newf(errs.KindStoreInvariant, "store.ReserveIDs", "ids up to %d were issued before reservation of %d", last, upTo)
		}
		if s.lastID.CompareAndSwap(last, uint64(upTo)) {
			return nil
		}
	}
}

// AttachComponent sets the full value of one component.
func (s *Store) AttachComponent(id models.EntityID, t models.ComponentType, payload models.Payload) (models.Version, error) {
	res, err := s.Commit(id, []Change{{Type: t, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return res.Version, nil
}

func (s *Store) DetachComponent(id models.EntityID, t models.ComponentType) (models.Version, error) {
	res, err := s.Commit(id, []Change{{Type: t, Remove: true}})
	if err != nil {
		return 0, err
	}
	return res.Version, nil
}

// Commit applies all changes to one entity atomically. Every component it
// writes gets the new entity version. Writers to the same entity serialize;
// writers to different entities do not contend.
func (s *Store) Commit(id models.EntityID, changes []Change) (CommitResult, error) {
	for _, c := range changes {
		if !s.registry.Has(c.Type) {
			return CommitResult{}, errs.Newf(errs.KindUnknownComponentType, "store.Commit", "%q", c.Type)
		}
	}

	rec := s.lookup(id)
	if rec == nil {
		return CommitResult{}, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur := rec.head.Load()
	if cur == nil || cur.removed {
		return CommitResult{}, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}
	if cur.version == math.MaxUint64 {
		return CommitResult{}, errs.Newf(errs.KindStoreInvariant, "store.Commit", "version overflow on entity %d", id)
	}

	next := &state{
		version:    cur.version + 1,
		components: make(map[models.ComponentType]models.Component, len(cur.components)+len(changes)),
	}
	for t, c := range cur.components {
		next.components[t] = c
	}
	for _, c := range changes {
		if c.Remove {
			delete(next.components, c.Type)
			continue
		}
		next.components[c.Type] = models.Component{Type: c.Type, Payload: c.Payload.Clone(), Version: next.version}
	}

	s.publish(rec, next)
	return CommitResult{Entity: id, Version: next.version}, nil
}

// GetComponent returns the latest committed value. The payload is shared
// and must not be modified.
func (s *Store) GetComponent(id models.EntityID, t models.ComponentType) (models.Component, bool) {
	view, ok := s.Entity(id)
	if !ok {
		return models.Component{}, false
	}
	return view.Component(t)
}

// Entity returns the latest committed view of one entity.
func (s *Store) Entity(id models.EntityID) (EntityView, bool) {
	rec := s.lookup(id)
	if rec == nil {
		return EntityView{}, false
	}
	return viewOf(rec.id, rec.head.Load())
}

func (s *Store) Exists(id models.EntityID) bool {
	_, ok := s.Entity(id)
	return ok
}

// Len is the number of live entities.
func (s *Store) Len() int { return int(s.live.Load()) }

// RemoveEntity destroys an entity and returns its final version. Snapshots
// pinned before the removal still see the entity.
func (s *Store) RemoveEntity(id models.EntityID) (models.Version, bool) {
	rec := s.lookup(id)
	if rec == nil {
		return 0, false
	}

	rec.mu.Lock()
	cur := rec.head.Load()
	if cur == nil || cur.removed {
		rec.mu.Unlock()
		return 0, false
	}
	tomb := &state{version: cur.version + 1, removed: true}
	s.publish(rec, tomb)
	rec.mu.Unlock()

	s.metrics.Entities.Set(float64(s.live.Add(-1)))

	s.pendingMu.Lock()
	s.pending = append(s.pending, rec)
	s.pendingMu.Unlock()
	s.sweep()

	return tomb.version, true
}

// sweep drops tombstoned records that no pinned snapshot can see anymore.
func (s *Store) sweep() {
	low := s.minActive.Load()

	s.pendingMu.Lock()
	keep := s.pending[:0]
	var drop []*record
	for _, rec := range s.pending {
		head := rec.head.Load()
		if low == 0 || head.seq <= low {
			drop = append(drop, rec)
		} else {
			keep = append(keep, rec)
		}
	}
	s.pending = keep
	s.pendingMu.Unlock()

	for _, rec := range drop {
		sh := s.shardFor(rec.id)
		sh.mu.Lock()
		if sh.records[rec.id] == rec {
			delete(sh.records, rec.id)
		}
		sh.mu.Unlock()
	}
}

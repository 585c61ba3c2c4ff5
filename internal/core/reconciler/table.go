package reconciler

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/worldcore/internal/core/models"
)

const defaultShards = 64

// shardedMap is a map split into independently locked shards.
type shardedMap[K comparable, V any] struct {
	shards []mapShard[K, V]
	hash   func(K) uint64
}

type mapShard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

func newShardedMap[K comparable, V any](n int, hash func(K) uint64) *shardedMap[K, V] {
	if n <= 0 {
		n = defaultShards
	}
	sm := &shardedMap[K, V]{shards: make([]mapShard[K, V], n), hash: hash}
	for i := range sm.shards {
		sm.shards[i].m = make(map[K]V)
	}
	return sm
}

func (sm *shardedMap[K, V]) shard(k K) *mapShard[K, V] {
	return &sm.shards[sm.hash(k)%uint64(len(sm.shards))]
}

func (sm *shardedMap[K, V]) get(k K) (V, bool) {
	s := sm.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[k]
	return v, ok
}

func (sm *shardedMap[K, V]) set(k K, v V) {
	s := sm.shard(k)
	s.mu.Lock()
	s.m[k] = v
	s.mu.Unlock()
}

// getOrCreate returns the value for k, calling create under the shard lock
// when it is missing.
func (sm *shardedMap[K, V]) getOrCreate(k K, create func() (V, bool)) (V, bool, bool) {
	s := sm.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[k]; ok {
		return v, true, false
	}
	v, ok := create()
	if !ok {
		return v, false, false
	}
	s.m[k] = v
	return v, true, true
}

// deleteIf removes k when its value satisfies pred.
func (sm *shardedMap[K, V]) deleteIf(k K, pred func(V) bool) {
	s := sm.shard(k)
	s.mu.Lock()
	if v, ok := s.m[k]; ok && pred(v) {
		delete(s.m, k)
	}
	s.mu.Unlock()
}

func (sm *shardedMap[K, V]) len() int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

func hashID(id models.EntityID) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return xxhash.Sum64(b[:])
}

func hashKey(k string) uint64 { return xxhash.Sum64String(k) }

// prediction is a provisional value waiting for its authoritative match.
type prediction struct {
	source models.SourceID
	seq    uint64
	basis  uint64
	value  models.Payload
	at     time.Time
}

// componentMeta tracks who confirmed a component and what is pending on it.
type componentMeta struct {
	writer models.SourceID
	seq    uint64
	ts     time.Time
	// confirmedAt is the entity version of the last authoritative write.
	confirmedAt models.Version
	confirmed   models.Payload
	pending     *prediction
}

// entityState is the reconciler's per-entity table. All fields are guarded by
// mu, which also serializes commits and delta publication for the entity.
type entityState struct {
	mu          sync.Mutex
	id          models.EntityID
	key         string
	owner       models.SourceID
	clock       VectorClock
	components  map[models.ComponentType]*componentMeta
	enrichments map[string]struct{}
	// detached holds the version at which each component was last removed.
	detached map[models.ComponentType]models.Version
	removed  bool
}

func newEntityState(id models.EntityID, key string, owner models.SourceID) *entityState {
	return &entityState{
		id:          id,
		key:         key,
		owner:       owner,
		clock:       make(VectorClock),
		components:  make(map[models.ComponentType]*componentMeta),
		enrichments: make(map[string]struct{}),
		detached:    make(map[models.ComponentType]models.Version),
	}
}

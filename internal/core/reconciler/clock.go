package reconciler

import (
	"maps"
	"slices"

	"github.com/zeusync/worldcore/internal/core/models"
)

// VectorClock records, per source, the highest sequence applied to one entity.
type VectorClock map[models.SourceID]uint64

func (vc VectorClock) Get(source models.SourceID) uint64 { return vc[source] }

// Advance records seq for source. It reports false when seq does not exceed
// the recorded value, which marks the event as stale or duplicate.
func (vc VectorClock) Advance(source models.SourceID, seq uint64) bool {
	if seq <= vc[source] {
		return false
	}
	vc[source] = seq
	return true
}

// Descends reports whether vc has seen everything other has.
func (vc VectorClock) Descends(other VectorClock) bool {
	for src, seq := range other {
		if vc[src] < seq {
			return false
		}
	}
	return true
}

// Sources lists the contributing sources in sorted order.
func (vc VectorClock) Sources() []models.SourceID {
	return slices.Sorted(maps.Keys(vc))
}

func (vc VectorClock) Clone() VectorClock { return maps.Clone(vc) }

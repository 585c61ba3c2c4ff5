package gateway

import (
	"github.com/samber/lo"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Region is an axis-aligned box over the x, y and z fields of a component.
type Region struct {
	Component models.ComponentType
	Min       [3]float64
	Max       [3]float64
}

var axes = [3]string{"x", "y", "z"}

// Contains reports whether the payload lies in the box. Missing axes are
// not constrained.
func (r Region) Contains(p models.Payload) bool {
	for i, axis := range axes {
		v, ok := p.Number(axis)
		if !ok {
			continue
		}
		if v < r.Min[i] || v > r.Max[i] {
			return false
		}
	}
	return true
}

// Filter selects the deltas a subscriber receives. Empty fields match
// everything.
type Filter struct {
	Entities   []models.EntityID
	Components []models.ComponentType
	Region     *Region
	// ConfirmedOnly drops provisional deltas.
	ConfirmedOnly bool
}

// Locator returns the current value of a component for region checks on
// deltas that do not carry it.
type Locator func(id models.EntityID, t models.ComponentType) (models.Payload, bool)

// Apply returns the part of d the filter lets through. Diffs are restricted
// to the listed components. Removals pass the component and region checks
// so subscribers learn about entities that disappear.
func (f Filter) Apply(d models.SyncDelta, locate Locator) (models.SyncDelta, bool) {
	if f.ConfirmedOnly && d.Confidence != models.Confirmed {
		return d, false
	}
	if len(f.Entities) > 0 && !lo.Contains(f.Entities, d.Entity) {
		return d, false
	}
	if d.Kind == models.DeltaRemove {
		return d, true
	}

	if f.Region != nil {
		p, ok := models.Payload(nil), false
		if diff, carried := d.Diff(f.Region.Component); carried && !diff.Removed {
			p, ok = diff.Payload, true
		} else if locate != nil {
			p, ok = locate(d.Entity, f.Region.Component)
		}
		if !ok || !f.Region.Contains(p) {
			return d, false
		}
	}

	if len(f.Components) == 0 {
		return d, true
	}
	diffs := lo.Filter(d.Diffs, func(diff models.ComponentDiff, _ int) bool {
		return lo.Contains(f.Components, diff.Type)
	})
	if len(diffs) == 0 {
		return d, false
	}
	d.Diffs = diffs
	return d, true
}

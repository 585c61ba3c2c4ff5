package models

import "time"

type Confidence uint8

const (
	Provisional Confidence = iota
	Confirmed
)

func (c Confidence) String() string {
	if c == Confirmed {
		return "confirmed"
	}
	return "provisional"
}

type DeltaKind uint8

const (
	DeltaUpdate DeltaKind = iota
	DeltaSpawn
	DeltaPromotion
	DeltaCorrection
	DeltaEnrichment
	DeltaRemove
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaUpdate:
		return "update"
	case DeltaSpawn:
		return "spawn"
	case DeltaPromotion:
		return "promotion"
	case DeltaCorrection:
		return "correction"
	case DeltaEnrichment:
		return "enrichment"
	case DeltaRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ComponentDiff is the committed state of one component after a delta.
type ComponentDiff struct {
	Type    ComponentType
	Payload Payload
	Removed bool
	Version Version
	// Changed lists the field paths that differ from the previous value.
	Changed []string
}

// SyncDelta is one committed change to one entity.
type SyncDelta struct {
	Entity     EntityID
	Key        string
	Source     SourceID
	Kind       DeltaKind
	Diffs      []ComponentDiff
	Version    Version
	Confidence Confidence
	// Tier and Score are set on enrichment deltas.
	Tier        Tier
	Score       float64
	CommittedAt time.Time
}

// Touches reports whether the delta changes a component of type t.
func (d SyncDelta) Touches(t ComponentType) bool {
	for _, diff := range d.Diffs {
		if diff.Type == t {
			return true
		}
	}
	return false
}

// Diff returns the diff for type t.
func (d SyncDelta) Diff(t ComponentType) (ComponentDiff, bool) {
	for _, diff := range d.Diffs {
		if diff.Type == t {
			return diff, true
		}
	}
	return ComponentDiff{}, false
}

// EnrichmentResult is the output of one asynchronous dispatch task, merged
// back as a follow-up delta.
type EnrichmentResult struct {
	TaskID string
	Entity EntityID
	Tier   Tier
	// BaseVersion is the entity version the provider saw. Components
	// confirmed after it are left untouched.
	BaseVersion Version
	Patches     []ComponentPatch
	Score       float64
}

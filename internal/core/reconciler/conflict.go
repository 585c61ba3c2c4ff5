package reconciler

import (
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Verdict is the outcome of comparing an incoming authoritative write with
// the current confirmed writer of a component.
type Verdict uint8

const (
	// VerdictApply means the incoming write is newer, or the component had
	// no other writer.
	VerdictApply Verdict = iota
	// VerdictWon means the writes were concurrent and the incoming one won.
	VerdictWon
	// VerdictLost means the writes were concurrent and the incoming one lost.
	VerdictLost
	// VerdictSuperseded means the incoming write is older than the current one.
	VerdictSuperseded
)

func (v Verdict) String() string {
	switch v {
	case VerdictApply:
		return "apply"
	case VerdictWon:
		return "won"
	case VerdictLost:
		return "lost"
	case VerdictSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Accepted reports whether the incoming write replaces the current one.
func (v Verdict) Accepted() bool { return v == VerdictApply || v == VerdictWon }

// Claim is one authoritative write to one component.
type Claim struct {
	Source    models.SourceID
	Priority  int
	Timestamp time.Time
}

// Resolve compares an incoming claim with the current one. Writes whose
// timestamps lie within window of each other are concurrent and ordered by
// priority, then timestamp, then source id. Outside the window the newer
// write wins.
func Resolve(current, incoming Claim, window time.Duration) Verdict {
	if current.Source == "" || current.Source == incoming.Source {
		return VerdictApply
	}

	dt := incoming.Timestamp.Sub(current.Timestamp)
	switch {
	case dt > window:
		return VerdictApply
	case dt < -window:
		return VerdictSuperseded
	}

	if Beats(incoming, current) {
		return VerdictWon
	}
	return VerdictLost
}

// Beats is the deterministic total order on concurrent claims.
func Beats(a, b Claim) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Source > b.Source
}

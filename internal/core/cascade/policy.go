package cascade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Mode selects what triggers escalation past the Fast tier.
type Mode uint8

const (
	// ModeOff never escalates.
	ModeOff Mode = iota
	// ModeAlways escalates every eligible delta to MaxTier.
	ModeAlways
	// ModeLoad escalates to MaxTier while system load stays below the threshold.
	ModeLoad
	// ModeContent escalates according to per-component rules.
	ModeContent
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAlways:
		return "always"
	case ModeLoad:
		return "load"
	case ModeContent:
		return "content"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return ModeOff, nil
	case "always":
		return ModeAlways, nil
	case "load":
		return ModeLoad, nil
	case "content":
		return ModeContent, nil
	default:
		return ModeOff, fmt.Errorf("unknown escalation mode %q", s)
	}
}

// Policy decides how far a committed delta escalates.
type Policy struct {
	Mode    Mode
	MaxTier models.Tier
	// LoadThreshold is the load, in [0,1], below which ModeLoad escalates.
	// The feedback loop moves it within [MinThreshold, MaxThreshold] by Step.
	LoadThreshold float64
	MinThreshold  float64
	MaxThreshold  float64
	Step          float64
	// Rules maps component types to the tier a change to them warrants.
	Rules map[models.ComponentType]models.Tier
	// ConfirmedOnly keeps provisional deltas on the Fast tier.
	ConfirmedOnly bool
}

func DefaultPolicy() Policy {
	return Policy{
		Mode:          ModeLoad,
		MaxTier:       models.TierExpensive,
		LoadThreshold: 0.75,
		MinThreshold:  0.1,
		MaxThreshold:  0.95,
		Step:          0.05,
		ConfirmedOnly: true,
	}
}

func (p Policy) Validate() error {
	var errList []error
	if !p.MaxTier.Valid() {
		errList = append(errList, fmt.Errorf("max tier %s is not a tier", p.MaxTier))
	}
	if p.MinThreshold < 0 || p.MaxThreshold > 1 || p.MinThreshold > p.MaxThreshold {
		errList = append(errList, fmt.Errorf("threshold bounds [%g, %g] must lie in [0, 1]", p.MinThreshold, p.MaxThreshold))
	}
	if p.LoadThreshold < p.MinThreshold || p.LoadThreshold > p.MaxThreshold {
		errList = append(errList, fmt.Errorf("load threshold %g outside [%g, %g]", p.LoadThreshold, p.MinThreshold, p.MaxThreshold))
	}
	if p.Step < 0 {
		errList = append(errList, fmt.Errorf("negative threshold step %g", p.Step))
	}
	for t, tier := range p.Rules {
		if !tier.Valid() {
			errList = append(errList, fmt.Errorf("rule for %q names unknown tier %s", t, tier))
		}
	}
	return errors.Join(errList...)
}

// Decide returns the highest tier delta should reach. load is the share of
// dispatch capacity in use.
func (p Policy) Decide(delta models.SyncDelta, load float64) models.Tier {
	if p.Mode == ModeOff || len(delta.Diffs) == 0 {
		return models.TierFast
	}
	switch delta.Kind {
	case models.DeltaRemove, models.DeltaEnrichment:
		return models.TierFast
	}
	if p.ConfirmedOnly && delta.Confidence != models.Confirmed {
		return models.TierFast
	}

	switch p.Mode {
	case ModeAlways:
		return p.MaxTier
	case ModeLoad:
		if load < p.LoadThreshold {
			return p.MaxTier
		}
		return models.TierFast
	case ModeContent:
		target := models.TierFast
		for _, d := range delta.Diffs {
			if d.Removed {
				continue
			}
			if tier, ok := p.Rules[d.Type]; ok && tier > target {
				target = tier
			}
		}
		return min(target, p.MaxTier)
	default:
		return models.TierFast
	}
}

func (p Policy) clamp(v float64) float64 {
	return max(p.MinThreshold, min(p.MaxThreshold, v))
}

package models

import (
	"fmt"
	"strings"
)

// Tier is the closed set of enrichment stages, ordered by cost.
type Tier uint8

const (
	TierFast Tier = iota
	TierModerate
	TierExpensive
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierFast, TierModerate, TierExpensive}

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierModerate:
		return "moderate"
	case TierExpensive:
		return "expensive"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the three tiers.
func (t Tier) Valid() bool { return t <= TierExpensive }

// Async reports whether the tier runs off the commit path.
func (t Tier) Async() bool { return t > TierFast }

// Next returns the following tier; Expensive has none.
func (t Tier) Next() (Tier, bool) {
	if t >= TierExpensive {
		return t, false
	}
	return t + 1, true
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast", "":
		return TierFast, nil
	case "moderate":
		return TierModerate, nil
	case "expensive":
		return TierExpensive, nil
	default:
		return TierFast, fmt.Errorf("unknown tier %q", s)
	}
}

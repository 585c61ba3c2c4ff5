package cascade

import (
	"sync"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Outcome is what became of one asynchronous enrichment.
type Outcome uint8

const (
	// OutcomeAccepted means the result was merged.
	OutcomeAccepted Outcome = iota
	// OutcomeRejected means the merge discarded the result.
	OutcomeRejected
	OutcomeTimeout
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// TierStats summarizes the outcomes of one tier.
type TierStats struct {
	Accepted    uint64
	Rejected    uint64
	Timeouts    uint64
	Unavailable uint64
	// Latency is an exponentially weighted moving average.
	Latency time.Duration
}

const latencyAlpha = 0.2

// Feedback observes tier outcomes and moves the escalation load threshold:
// failures and rejections lower it, fast accepted results raise it.
type Feedback struct {
	mu        sync.Mutex
	policy    Policy
	threshold float64
	budgets   map[models.Tier]time.Duration
	stats     map[models.Tier]*TierStats
	onChange  func(float64)
}

// NewFeedback starts at the policy's threshold. budgets are the per-tier
// timeouts; a tier whose average latency stays under half its budget is
// considered healthy.
func NewFeedback(p Policy, budgets map[models.Tier]time.Duration, onChange func(float64)) *Feedback {
	f := &Feedback{
		policy:    p,
		threshold: p.clamp(p.LoadThreshold),
		budgets:   budgets,
		stats:     make(map[models.Tier]*TierStats),
		onChange:  onChange,
	}
	if onChange != nil {
		onChange(f.threshold)
	}
	return f
}

func (f *Feedback) Record(tier models.Tier, outcome Outcome, latency time.Duration) {
	f.mu.Lock()
	st, ok := f.stats[tier]
	if !ok {
		st = &TierStats{}
		f.stats[tier] = st
	}
	if st.Latency == 0 {
		st.Latency = latency
	} else {
		st.Latency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(st.Latency))
	}

	next := f.threshold
	switch outcome {
	case OutcomeAccepted:
		st.Accepted++
		if budget := f.budgets[tier]; budget == 0 || st.Latency <= budget/2 {
			next += f.policy.Step
		}
	case OutcomeRejected:
		st.Rejected++
		next -= f.policy.Step
	case OutcomeTimeout:
		st.Timeouts++
		next -= f.policy.Step
	case OutcomeUnavailable:
		st.Unavailable++
		next -= f.policy.Step
	}
	next = f.policy.clamp(next)
	changed := next != f.threshold
	f.threshold = next
	f.mu.Unlock()

	if changed && f.onChange != nil {
		f.onChange(next)
	}
}

func (f *Feedback) Threshold() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threshold
}

func (f *Feedback) Stats(tier models.Tier) TierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.stats[tier]; ok {
		return *st
	}
	return TierStats{}
}

// Reset applies new policy bounds. A changed LoadThreshold replaces the
// learned one; otherwise the learned threshold is clamped to the new bounds.
func (f *Feedback) Reset(p Policy) {
	f.mu.Lock()
	if p.LoadThreshold != f.policy.LoadThreshold {
		f.threshold = p.LoadThreshold
	}
	f.policy = p
	f.threshold = p.clamp(f.threshold)
	threshold := f.threshold
	f.mu.Unlock()
	if f.onChange != nil {
		f.onChange(threshold)
	}
}

package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/worldcore/internal/core/errs"
	"github.com/zeusync/worldcore/internal/core/models"
)

var ErrCancelled = errors.New("dispatch task cancelled")

// Stage is the position of a delta in the cascade state machine:
// Committed(Fast) -> Enriching(Moderate) -> Enriching(Expensive) -> Committed(Final).
type Stage uint8

const (
	StageCommittedFast Stage = iota
	StageEnrichingModerate
	StageEnrichingExpensive
	StageCommittedFinal
)

func (s Stage) String() string {
	switch s {
	case StageCommittedFast:
		return "committed(fast)"
	case StageEnrichingModerate:
		return "enriching(moderate)"
	case StageEnrichingExpensive:
		return "enriching(expensive)"
	case StageCommittedFinal:
		return "committed(final)"
	default:
		return "unknown"
	}
}

// Enriching returns the stage of a task running at tier.
func Enriching(t models.Tier) Stage {
	switch t {
	case models.TierModerate:
		return StageEnrichingModerate
	case models.TierExpensive:
		return StageEnrichingExpensive
	default:
		return StageCommittedFast
	}
}

// DispatchError is a failed asynchronous enrichment. Kind is either
// errs.KindDispatchTimeout or errs.KindProviderUnavailable.
type DispatchError struct {
	Tier models.Tier
	Kind errs.Kind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %s: %v", e.Tier, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	out := []error{e.Err}
	switch e.Kind {
	case errs.KindDispatchTimeout:
		out = append(out, errs.ErrDispatchTimeout)
	case errs.KindProviderUnavailable:
		out = append(out, errs.ErrProviderUnavailable)
	}
	return out
}

func (e *DispatchError) Timeout() bool { return e.Kind == errs.KindDispatchTimeout }

func (e *DispatchError) outcome() Outcome {
	if e.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeUnavailable
}

func unavailable(tier models.Tier, err error) *DispatchError {
	return &DispatchError{Tier: tier, Kind: errs.KindProviderUnavailable, Err: err}
}

// Result is the output of one successful task.
type Result struct {
	TaskID      string
	Entity      models.EntityID
	Tier        models.Tier
	BaseVersion models.Version
	Patches     []models.ComponentPatch
	Score       float64
	Escalate    bool
	Latency     time.Duration
}

// Enrichment converts the result into what the reconciler merges.
func (r Result) Enrichment() models.EnrichmentResult {
	return models.EnrichmentResult{
		TaskID:      r.TaskID,
		Entity:      r.Entity,
		Tier:        r.Tier,
		BaseVersion: r.BaseVersion,
		Patches:     r.Patches,
		Score:       r.Score,
	}
}

// Task is a handle on one asynchronous enrichment.
type Task struct {
	id      string
	entity  models.EntityID
	tier    models.Tier
	base    models.Version
	started time.Time

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
	result Result
	err    error
	// onFinish runs once, before done is closed.
	onFinish func(*Task)
}

func (t *Task) ID() string { return t.id }

func (t *Task) Entity() models.EntityID { return t.entity }

func (t *Task) Tier() models.Tier { return t.tier }

// Stage is Enriching(tier) while the task runs and Committed(Final) once it
// has finished, whether or not it succeeded.
func (t *Task) Stage() Stage {
	select {
	case <-t.done:
		return StageCommittedFinal
	default:
		return Enriching(t.tier)
	}
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends. The error is a
// *DispatchError, ErrCancelled or ctx's error.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Task) Cancel() { t.cancel() }

// finish settles the task exactly once. Late provider replies after a
// timeout or cancellation are dropped here.
func (t *Task) finish(resp Response, err error) {
	t.once.Do(func() {
		latency := time.Since(t.started)
		if err == nil {
			t.result = Result{
				TaskID:      t.id,
				Entity:      t.entity,
				Tier:        t.tier,
				BaseVersion: t.base,
				Patches:     resp.Patches,
				Score:       resp.Score,
				Escalate:    resp.Escalate,
				Latency:     latency,
			}
		}
		t.err = err
		t.cancel()
		if t.onFinish != nil {
			t.onFinish(t)
		}
		close(t.done)
	})
}

// classify maps a provider or context error to the task error.
func classify(ctx context.Context, tier models.Tier, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &DispatchError{Tier: tier, Kind: errs.KindDispatchTimeout, Err: err}
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	default:
		return unavailable(tier, err)
	}
}

// Package cascade runs tiered enrichment of committed deltas. The Fast tier
// runs inline with the commit; Moderate and Expensive run as detached tasks
// on a bounded worker pool, each with its own timeout and rate limit, and
// their results are merged back as follow-up deltas.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/zeusync/worldcore/internal/core/models"
	"github.com/zeusync/worldcore/internal/core/observability/log"
	"github.com/zeusync/worldcore/internal/core/observability/metrics"
)

const tracerName = "github.com/zeusync/worldcore/internal/core/cascade"

var (
	ErrClosed      = errors.New("cascade closed")
	ErrNotAsync    = errors.New("tier does not dispatch asynchronously")
	ErrNoProvider  = errors.New("no provider for tier")
	ErrRateLimited = errors.New("tier rate limit exceeded")
)

// Merger commits enrichment results. It is implemented by the reconciler.
type Merger interface {
	MergeEnrichment(ctx context.Context, res models.EnrichmentResult) (bool, error)
}

type TierConfig struct {
	Timeout time.Duration
	// Rate is the number of dispatches per second; zero is unlimited.
	Rate  float64
	Burst int
}

type Config struct {
	Workers int
	// Retries is how often a timed out or unavailable tier is retried before
	// the cheaper tier's output is left standing.
	Retries int
	Tiers   map[models.Tier]TierConfig
	Policy  Policy
}

func DefaultConfig() Config {
	return Config{
		Workers: 64,
		Retries: 1,
		Tiers: map[models.Tier]TierConfig{
			models.TierFast:      {Timeout: 5 * time.Millisecond},
			models.TierModerate:  {Timeout: 250 * time.Millisecond, Rate: 200, Burst: 50},
			models.TierExpensive: {Timeout: 2 * time.Second, Rate: 20, Burst: 5},
		},
		Policy: DefaultPolicy(),
	}
}

type Option func(*Cascade)

func WithLogger(l log.Log) Option {
	return func(c *Cascade) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cascade) { c.metrics = m }
}

func WithProvider(tier models.Tier, p Provider) Option {
	return func(c *Cascade) { c.providers[tier] = p }
}

func WithMerger(m Merger) Option {
	return func(c *Cascade) { c.merger = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Cascade) { c.tracer = t }
}

type entityRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

type Cascade struct {
	cfg       Config
	logger    log.Log
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	providers map[models.Tier]Provider
	limiters  map[models.Tier]*rate.Limiter
	merger    Merger
	policy    atomic.Pointer[Policy]
	feedback  *Feedback
	pool      *ants.Pool

	root     context.Context
	stop     context.CancelFunc
	inFlight atomic.Int64

	runsMu sync.Mutex
	runs   map[models.EntityID]*entityRun
	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(cfg Config, opts ...Option) (*Cascade, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	tiers := make(map[models.Tier]TierConfig, len(models.Tiers))
	for _, t := range models.Tiers {
		tc, ok := cfg.Tiers[t]
		if !ok || tc.Timeout <= 0 {
			tc.Timeout = def.Tiers[t].Timeout
		}
		tiers[t] = tc
	}
	cfg.Tiers = tiers
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("escalation policy: %w", err)
	}

	c := &Cascade{
		cfg:       cfg,
		logger:    log.Provide(),
		providers: make(map[models.Tier]Provider),
		limiters:  make(map[models.Tier]*rate.Limiter),
		runs:      make(map[models.EntityID]*entityRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	c.logger = c.logger.With(log.Component("cascade"))

	for _, t := range models.Tiers {
		if !t.Async() {
			continue
		}
		tc := cfg.Tiers[t]
		limit := rate.Inf
		if tc.Rate > 0 {
			limit = rate.Limit(tc.Rate)
		}
		c.limiters[t] = rate.NewLimiter(limit, max(1, tc.Burst))
	}

	pool, err := ants.NewPool(cfg.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			c.logger.Error("Enrichment worker panicked", log.Any("panic", p))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pool init failed: %w", err)
	}
	c.pool = pool

	policy := cfg.Policy
	c.policy.Store(&policy)
	budgets := make(map[models.Tier]time.Duration, len(cfg.Tiers))
	for t, tc := range cfg.Tiers {
		budgets[t] = tc.Timeout
	}
	c.feedback = NewFeedback(policy, budgets, func(v float64) { c.metrics.EscalationThreshold.Set(v) })
	c.root, c.stop = context.WithCancel(context.Background())

	c.logger.Info("Dispatch cascade started",
		log.Int("workers", cfg.Workers),
		log.String("mode", policy.Mode.String()),
		log.String("max_tier", policy.MaxTier.String()),
	)
	return c, nil
}

// Bind attaches the merger after construction, for wiring cycles.
func (c *Cascade) Bind(m Merger) { c.merger = m }

// Policy returns the active policy with the threshold learned so far.
func (c *Cascade) Policy() Policy {
	p := *c.policy.Load()
	p.LoadThreshold = c.feedback.Threshold()
	return p
}

// SetPolicy swaps the escalation policy at runtime.
func (c *Cascade) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.policy.Store(&p)
	c.feedback.Reset(p)
	c.logger.Info("Escalation policy updated",
		log.String("mode", p.Mode.String()),
		log.String("max_tier", p.MaxTier.String()),
		log.Float64("threshold", c.feedback.Threshold()),
	)
	return nil
}

func (c *Cascade) Feedback() *Feedback { return c.feedback }

// Load is the share of worker capacity held by running tasks.
func (c *Cascade) Load() float64 {
	return float64(c.inFlight.Load()) / float64(c.pool.Cap())
}

type fastReply struct {
	resp Response
	err  error
}

// FastEnrich runs the Fast-tier provider inline within its latency bound.
// Failures yield no patches; the commit goes ahead unenriched. A provider
// that overruns the bound is abandoned and its late reply dropped.
func (c *Cascade) FastEnrich(ctx context.Context, entity models.EntityContext) []models.ComponentPatch {
	p := c.providers[models.TierFast]
	if p == nil {
		return nil
	}
	timeout := c.cfg.Tiers[models.TierFast].Timeout
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	replies := make(chan fastReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				replies <- fastReply{err: unavailable(models.TierFast, fmt.Errorf("provider panic: %v", r))}
			}
		}()
		resp, err := p.Enrich(fctx, Request{Tier: models.TierFast, Entity: entity, Timeout: timeout})
		replies <- fastReply{resp: resp, err: err}
	}()

	var (
		resp Response
		err  error
	)
	select {
	case r := <-replies:
		resp, err = r.resp, r.err
	case <-fctx.Done():
		err = fctx.Err()
	}
	err = classify(fctx, models.TierFast, err)
	c.metrics.DispatchLatency.WithLabelValues(models.TierFast.String()).Observe(time.Since(start).Seconds())
	c.metrics.DispatchOutcomes.WithLabelValues(models.TierFast.String(), outcomeLabel(err)).Inc()
	if err != nil {
		c.logger.Debug("Fast enrichment skipped", log.Uint64("entity_id", uint64(entity.ID)), log.Error(err))
		return nil
	}
	return resp.Patches
}

// Dispatch starts one asynchronous enrichment of delta at tier. A missing,
// rate-limited or overloaded provider yields a task that has already failed
// with ProviderUnavailable.
func (c *Cascade) Dispatch(ctx context.Context, delta models.SyncDelta, entity models.EntityContext, tier models.Tier) (*Task, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if !tier.Valid() || !tier.Async() {
		return nil, fmt.Errorf("%w: %s", ErrNotAsync, tier)
	}

	tc := c.cfg.Tiers[tier]
	tctx, cancel := context.WithTimeout(ctx, tc.Timeout)
	stop := context.AfterFunc(c.root, cancel)

	t := &Task{
		id:      uuid.NewString(),
		entity:  delta.Entity,
		tier:    tier,
		base:    delta.Version,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	tctx, span := c.tracer.Start(tctx, "cascade.dispatch", trace.WithAttributes(
		attribute.String("tier", tier.String()),
		attribute.Int64("entity_id", int64(delta.Entity)),
		attribute.String("task_id", t.id),
	))
	c.inFlight.Add(1)
	c.metrics.DispatchInFlight.Inc()
	t.onFinish = func(t *Task) {
		stop()
		c.inFlight.Add(-1)
		c.metrics.DispatchInFlight.Dec()
		c.observe(t, span)
	}

	provider := c.providers[tier]
	switch {
	case provider == nil:
		t.finish(Response{}, unavailable(tier, ErrNoProvider))
		return t, nil
	case !c.limiters[tier].Allow():
		t.finish(Response{}, unavailable(tier, ErrRateLimited))
		return t, nil
	}

	req := Request{TaskID: t.id, Tier: tier, Delta: delta, Entity: entity, Timeout: tc.Timeout}
	context.AfterFunc(tctx, func() { t.finish(Response{}, classify(tctx, tier, tctx.Err())) })
	err := c.pool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				t.finish(Response{}, unavailable(tier, fmt.Errorf("provider panic: %v", r)))
			}
		}()
		resp, err := provider.Enrich(tctx, req)
		t.finish(resp, classify(tctx, tier, err))
	})
	if err != nil {
		t.finish(Response{}, unavailable(tier, err))
	}
	return t, nil
}

func (c *Cascade) observe(t *Task, span trace.Span) {
	defer span.End()
	latency := time.Since(t.started)
	tier := t.tier.String()
	c.metrics.DispatchOutcomes.WithLabelValues(tier, outcomeLabel(t.err)).Inc()
	c.metrics.DispatchLatency.WithLabelValues(tier).Observe(latency.Seconds())

	if t.err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(t.err)
	span.SetStatus(codes.Error, t.err.Error())

	var de *DispatchError
	if errors.As(t.err, &de) {
		c.feedback.Record(t.tier, de.outcome(), latency)
	}
}

func outcomeLabel(err error) string {
	var de *DispatchError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &de):
		return de.outcome().String()
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "error"
	}
}

// Escalate hands a committed delta to the asynchronous tiers chosen by the
// policy. It never blocks the caller.
func (c *Cascade) Escalate(delta models.SyncDelta, entity models.EntityContext) {
	if c.merger == nil || c.closed.Load() {
		return
	}
	policy := c.Policy()
	target := policy.Decide(delta, c.Load())
	if !target.Async() {
		return
	}
	ctx, release, ok := c.acquire(delta.Entity)
	if !ok {
		return
	}
	go func() {
		defer release()
		c.run(ctx, delta, entity, target, policy.MaxTier)
	}()
}

// run walks the tiers from Moderate up to target, merging each result. A
// failed tier ends the walk and the cheaper output stands.
func (c *Cascade) run(ctx context.Context, delta models.SyncDelta, entity models.EntityContext, target, maxTier models.Tier) {
	tier := models.TierModerate
	for {
		res, err := c.attempt(ctx, delta, entity, tier)
		if err != nil {
			if !errors.Is(err, ErrCancelled) && ctx.Err() == nil {
				c.logger.Warn("Enrichment tier failed, keeping cheaper output",
					log.Uint64("entity_id", uint64(delta.Entity)),
					log.String("tier", tier.String()),
					log.Error(err),
				)
			}
			return
		}

		merged, err := c.merger.MergeEnrichment(ctx, res.Enrichment())
		switch {
		case err != nil:
			c.feedback.Record(tier, OutcomeRejected, res.Latency)
			c.logger.Error("Enrichment merge failed",
				log.Uint64("entity_id", uint64(delta.Entity)),
				log.String("tier", tier.String()),
				log.Error(err),
			)
			return
		case merged:
			c.feedback.Record(tier, OutcomeAccepted, res.Latency)
			entity = withPatches(entity, res.Patches)
		default:
			c.feedback.Record(tier, OutcomeRejected, res.Latency)
		}

		next, ok := tier.Next()
		if !ok || next > maxTier || (tier >= target && !res.Escalate) {
			return
		}
		tier = next
	}
}

func (c *Cascade) attempt(ctx context.Context, delta models.SyncDelta, entity models.EntityContext, tier models.Tier) (Result, error) {
	for i := 0; ; i++ {
		task, err := c.Dispatch(ctx, delta, entity, tier)
		if err != nil {
			return Result{}, err
		}
		res, err := task.Wait(ctx)
		if err == nil {
			return res, nil
		}
		var de *DispatchError
		if !errors.As(err, &de) || i >= c.cfg.Retries || ctx.Err() != nil {
			return Result{}, err
		}
		c.logger.Debug("Retrying enrichment",
			log.Uint64("entity_id", uint64(delta.Entity)),
			log.String("tier", tier.String()),
			log.Int("attempt", i+1),
			log.Error(err),
		)
	}
}

// withPatches lets the next tier see what the previous one contributed.
func withPatches(entity models.EntityContext, patches []models.ComponentPatch) models.EntityContext {
	out := entity
	out.Components = make(map[models.ComponentType]models.Payload, len(entity.Components)+len(patches))
	for t, p := range entity.Components {
		out.Components[t] = p
	}
	for _, p := range patches {
		if p.Remove {
			delete(out.Components, p.Type)
			continue
		}
		out.Components[p.Type] = models.Merge(out.Components[p.Type], p.Payload)
	}
	return out
}

// acquire registers an escalation of entity. The returned context ends on
// CancelEntity or Close.
func (c *Cascade) acquire(id models.EntityID) (context.Context, func(), bool) {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	if c.closed.Load() {
		return nil, nil, false
	}
	run, ok := c.runs[id]
	if !ok {
		ctx, cancel := context.WithCancel(c.root)
		run = &entityRun{ctx: ctx, cancel: cancel}
		c.runs[id] = run
	}
	run.refs++
	c.wg.Add(1)

	release := func() {
		c.runsMu.Lock()
		run.refs--
		if run.refs == 0 {
			if c.runs[id] == run {
				delete(c.runs, id)
			}
			run.cancel()
		}
		c.runsMu.Unlock()
		c.wg.Done()
	}
	return run.ctx, release, true
}

// CancelEntity stops every escalation of an entity, on entity teardown.
func (c *Cascade) CancelEntity(id models.EntityID) {
	c.runsMu.Lock()
	run, ok := c.runs[id]
	if ok {
		delete(c.runs, id)
	}
	c.runsMu.Unlock()
	if ok {
		run.cancel()
		c.logger.Debug("Entity enrichment cancelled", log.Uint64("entity_id", uint64(id)))
	}
}

// Drain waits for running escalations to finish.
func (c *Cascade) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every task and releases the worker pool.
func (c *Cascade) Close() error {
	c.runsMu.Lock()
	if c.closed.Swap(true) {
		c.runsMu.Unlock()
		return nil
	}
	c.runsMu.Unlock()

	c.stop()
	c.wg.Wait()
	c.pool.Release()
	c.logger.Info("Dispatch cascade stopped")
	return nil
}

package cascade

import (
	"context"
	"errors"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

// ErrUnavailable is returned by providers that cannot serve a request right
// now. Any provider error other than a timeout is treated the same way.
var ErrUnavailable = errors.New("enrichment provider unavailable")

// Request is what an enrichment provider sees.
type Request struct {
	TaskID  string
	Tier    models.Tier
	Delta   models.SyncDelta
	Entity  models.EntityContext
	Timeout time.Duration
}

// Response carries the component patches a provider proposes.
type Response struct {
	Patches []models.ComponentPatch
	// Score is the provider's confidence in its output, in [0,1].
	Score float64
	// Escalate asks for the next tier even when the policy would stop here.
	Escalate bool
}

// Provider is an external, possibly remote and rate-limited enrichment
// service. Implementations must honour ctx cancellation.
type Provider interface {
	Enrich(ctx context.Context, req Request) (Response, error)
}

type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Enrich(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

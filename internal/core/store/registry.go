package store

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/zeusync/worldcore/internal/core/models"
)

// PredictFunc produces the optimistic value of a component from its current
// confirmed value and an incoming provisional patch.
type PredictFunc func(current, patch models.Payload, elapsed time.Duration) models.Payload

// ComponentSpec registers one component type.
type ComponentSpec struct {
	Type models.ComponentType
	// SchemaVersion tags encoded payloads; consumers skip versions they do not know.
	SchemaVersion uint16
	// Tolerance is the largest numeric difference at which a prediction is
	// promoted instead of corrected.
	Tolerance float64
	Predict   PredictFunc
}

// MergePredictor writes the patch over the current value.
func MergePredictor(current, patch models.Payload, _ time.Duration) models.Payload {
	return models.Merge(current, patch)
}

// LinearPredictor merges the patch and then advances x, y and z by vx, vy
// and vz over the elapsed time.
func LinearPredictor(current, patch models.Payload, elapsed time.Duration) models.Payload {
	out := models.Merge(current, patch)
	if elapsed <= 0 {
		return out
	}
	for _, axis := range []string{"x", "y", "z"} {
		v, okV := out.Number("v" + axis)
		p, okP := out.Number(axis)
		if okV && okP {
			out[axis] = p + v*elapsed.Seconds()
		}
	}
	return out
}

// PredictorByName resolves the predictor names used in configuration.
func PredictorByName(name string) (PredictFunc, error) {
	switch name {
	case "", "merge":
		return MergePredictor, nil
	case "linear":
		return LinearPredictor, nil
	default:
		return nil, fmt.Errorf("%w: unknown predictor %q", ErrInvalidSpec, name)
	}
}

// Registry holds the component types known to a world. Types must be
// registered before first use.
type Registry struct {
	mu    sync.RWMutex
	specs map[models.ComponentType]ComponentSpec
}

func NewRegistry() *Registry {
	return &Registry{specs: make(map[models.ComponentType]ComponentSpec)}
}

func (r *Registry) Register(spec ComponentSpec) error {
	if spec.Type == "" {
		return fmt.Errorf("%w: empty type", ErrInvalidSpec)
	}
	if spec.Tolerance < 0 {
		return fmt.Errorf("%w: negative tolerance for %q", ErrInvalidSpec, spec.Type)
	}
	if spec.SchemaVersion == 0 {
		spec.SchemaVersion = 1
	}
	if spec.Predict == nil {
		spec.Predict = MergePredictor
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Type]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, spec.Type)
	}
	r.specs[spec.Type] = spec
	return nil
}

func (r *Registry) MustRegister(specs ...ComponentSpec) *Registry {
	for _, spec := range specs {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Lookup(t models.ComponentType) (ComponentSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[t]
	return spec, ok
}

func (r *Registry) Has(t models.ComponentType) bool {
	_, ok := r.Lookup(t)
	return ok
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []models.ComponentType {
	r.mu.RLock()
	types := lo.Keys(r.specs)
	r.mu.RUnlock()
	slices.Sort(types)
	return types
}

package reconciler

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeusync/worldcore/internal/core/models"
)

// Role decides how a source's patches are treated.
type Role uint8

const (
	// RoleAuthoritative patches are confirmed state.
	RoleAuthoritative Role = iota
	// RolePredictive patches are optimistic guesses awaiting confirmation.
	RolePredictive
)

func (r Role) String() string {
	switch r {
	case RoleAuthoritative:
		return "authoritative"
	case RolePredictive:
		return "predictive"
	default:
		return "unknown"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "", "authoritative":
		return RoleAuthoritative, nil
	case "predictive":
		return RolePredictive, nil
	default:
		return 0, fmt.Errorf("unknown source role %q", s)
	}
}

// SourcePolicy is the external configuration of one protocol source.
type SourcePolicy struct {
	ID       models.SourceID
	Priority int
	Role     Role
	// SpawnOnDemand lets the source create entities it names but that do
	// not exist yet. Without it such patches are orphans.
	SpawnOnDemand bool
	// IdleTimeout is how long a suspended source keeps its entities. Zero
	// keeps them until the source resumes.
	IdleTimeout time.Duration
}

type policyTable struct {
	fallback SourcePolicy
	bySource map[models.SourceID]SourcePolicy
}

type policies struct {
	table atomic.Pointer[policyTable]
}

func newPolicies(fallback SourcePolicy, list []SourcePolicy) *policies {
	p := &policies{}
	p.set(fallback, list)
	return p
}

func (p *policies) set(fallback SourcePolicy, list []SourcePolicy) {
	t := &policyTable{fallback: fallback, bySource: make(map[models.SourceID]SourcePolicy, len(list))}
	for _, sp := range list {
		t.bySource[sp.ID] = sp
	}
	p.table.Store(t)
}

func (p *policies) get(id models.SourceID) SourcePolicy {
	t := p.table.Load()
	if sp, ok := t.bySource[id]; ok {
		return sp
	}
	sp := t.fallback
	sp.ID = id
	return sp
}

func (p *policies) fallback() SourcePolicy { return p.table.Load().fallback }

func (p *policies) all() []SourcePolicy {
	t := p.table.Load()
	out := make([]SourcePolicy, 0, len(t.bySource))
	for _, sp := range t.bySource {
		out = append(out, sp)
	}
	return out
}

package pool

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrNoRoute is returned when no dedicated pool, default pool, or direct
// route exists for a model type. This is a configuration error, not a
// transient fault.
var ErrNoRoute = fmt.Errorf("no pool or direct route configured")

// Resolver picks the pool (or direct route) that serves a caller for a
// model type using three mutually exclusive precedence tiers:
//
//  1. a pool of the type explicitly bound to the caller code
//  2. the pool of the type marked default
//  3. the statically configured direct model for the type
//
// The first matching tier wins; later tiers are not consulted.
type Resolver struct {
	reg *Registry
}

func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve returns the ordered resolutions for (callerCode, modelType).
// An empty callerCode skips the dedicated tier.
func (r *Resolver) Resolve(callerCode string, modelType ModelType) ([]Resolution, error) {
	pools := r.reg.PoolsByType(modelType)

	if callerCode != "" {
		if dedicated := dedicatedPools(pools, callerCode); len(dedicated) > 0 {
			out := make([]Resolution, 0, len(dedicated))
			for _, p := range dedicated {
				out = append(out, Resolution{Type: DedicatedPool, Pool: p})
			}
			return out, nil
		}
	}

	if def := r.defaultPool(pools, modelType); def != nil {
		return []Resolution{{Type: DefaultPool, Pool: def}}, nil
	}

	if d, ok := r.reg.directRoute(modelType); ok {
		return []Resolution{{Type: DirectModel, Direct: d}}, nil
	}

	return nil, fmt.Errorf("%w for type %q", ErrNoRoute, modelType)
}

// dedicatedPools returns the pools bound to callerCode, ordered by pool
// priority then id (pools arrive id-ordered from the registry).
func dedicatedPools(pools []*ModelPool, callerCode string) []*ModelPool {
	var out []*ModelPool
	for _, p := range pools {
		for _, code := range p.CallerCodes {
			if code == callerCode {
				out = append(out, p)
				break
			}
		}
	}
	// Stable re-order by priority; equal priorities keep id order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// defaultPool returns the type's default pool. Multiple defaults are a
// data-integrity condition: the lowest id wins deterministically and the
// conflict is surfaced in logs rather than crashing request handling.
func (r *Resolver) defaultPool(pools []*ModelPool, modelType ModelType) *ModelPool {
	var defaults []*ModelPool
	for _, p := range pools {
		if p.IsDefaultForType {
			defaults = append(defaults, p)
		}
	}
	switch len(defaults) {
	case 0:
		return nil
	case 1:
		return defaults[0]
	}

	ids := make([]int64, 0, len(defaults))
	for _, p := range defaults {
		ids = append(ids, p.ID)
	}
	log.Warn().
		Str("model_type", string(modelType)).
		Ints64("pool_ids", ids).
		Int64("chosen", defaults[0].ID).
		Msg("multiple default pools for type; choosing lowest id")
	return defaults[0]
}

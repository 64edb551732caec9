// Package pool holds the model pool registry: pools of routable model
// entries grouped by model type, the platforms and exchanges they point at,
// and the three-tier resolution that picks a pool for a caller.
package pool

import "time"

// ModelType classifies what a pool is used for.
type ModelType string

const (
	TypeChat       ModelType = "chat"
	TypeIntent     ModelType = "intent"
	TypeVision     ModelType = "vision"
	TypeGeneration ModelType = "generation"
)

// HealthState is the per-entry health classification.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// ResolutionType identifies which precedence tier produced a resolution.
type ResolutionType string

const (
	DedicatedPool ResolutionType = "dedicated_pool"
	DefaultPool   ResolutionType = "default_pool"
	DirectModel   ResolutionType = "direct_model"
)

// PlatformKind selects how an upstream client is built for an entry.
type PlatformKind string

const (
	PlatformOpenAI   PlatformKind = "openai"
	PlatformExchange PlatformKind = "exchange"
	PlatformBedrock  PlatformKind = "bedrock"
)

// AppCaller identifies a logical feature/integration issuing requests,
// e.g. "prd.editor::qa". Auto-created on first use, never auto-deleted.
type AppCaller struct {
	ID        int64
	Code      string
	Name      string
	CreatedAt time.Time
}

// ModelPool is a named, ordered collection of entries sharing a ModelType.
// A pool bound to one or more caller codes is dedicated to those callers.
type ModelPool struct {
	ID               int64
	Name             string
	Type             ModelType
	IsDefaultForType bool
	Priority         int
	CallerCodes      []string
}

// EntrySnapshot is the read-only view of one routable destination inside a
// pool. Health fields reflect the arena state at snapshot time; all mutation
// goes through Registry.RecordResult.
type EntrySnapshot struct {
	ID              int64
	PoolID          int64
	ModelID         string
	PlatformID      int64
	Priority        int
	Health          HealthState
	ConsecFailures  int
	ConsecSuccesses int
	LastFailureAt   time.Time
}

// Platform is an upstream endpoint an entry routes to.
type Platform struct {
	ID         int64
	Name       string
	Kind       PlatformKind
	BaseURL    string
	APIKey     string
	Region     string
	ExchangeID int64 // set when Kind == PlatformExchange
}

// Exchange is a configured third-party relay: a base URL plus the
// transformer type that reshapes requests/responses for it. Immutable at
// request time.
type Exchange struct {
	ID              int64
	Name            string
	BaseURL         string
	TransformerType string
	Config          map[string]string
}

// DirectRoute is the legacy tier-3 fallback: one statically configured
// (model, platform) pair per model type, taken from config rather than the
// store.
type DirectRoute struct {
	Type       ModelType
	ModelID    string
	PlatformID int64
}

// Resolution is one resolved routing decision. Exactly one of Pool or
// Direct is set, matching Type.
type Resolution struct {
	Type   ResolutionType
	Pool   *ModelPool
	Direct *DirectRoute
}

package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthThresholds controls the entry downgrade/recovery state machine.
type HealthThresholds struct {
	// DegradeAfter consecutive failures moves Healthy -> Degraded, and each
	// further DegradeAfter failures moves Degraded -> Unhealthy.
	DegradeAfter int
	// RecoverAfter consecutive successes moves Degraded/Unhealthy -> Healthy.
	RecoverAfter int
}

// DefaultThresholds matches the documented defaults: three strikes down,
// two sustained successes back up.
func DefaultThresholds() HealthThresholds {
	return HealthThresholds{DegradeAfter: 3, RecoverAfter: 2}
}

// entryState is the mutable arena record behind an EntrySnapshot.
// All health mutation happens under the per-entry mutex; there is no
// registry-wide lock on the result-recording path.
type entryState struct {
	mu sync.Mutex

	id         int64
	poolID     int64
	modelID    string
	platformID int64
	priority   int

	health          HealthState
	consecFailures  int
	consecSuccesses int
	lastFailureAt   time.Time
}

func (e *entryState) snapshot() EntrySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntrySnapshot{
		ID:              e.id,
		PoolID:          e.poolID,
		ModelID:         e.modelID,
		PlatformID:      e.platformID,
		Priority:        e.priority,
		Health:          e.health,
		ConsecFailures:  e.consecFailures,
		ConsecSuccesses: e.consecSuccesses,
		LastFailureAt:   e.lastFailureAt,
	}
}

// recordResult applies one call outcome to the state machine.
// A single success zeroes the failure counter but recovery from Degraded or
// Unhealthy requires RecoverAfter consecutive successes, so a flapping entry
// cannot bounce straight back.
func (e *entryState) recordResult(success bool, th HealthThresholds) (from, to HealthState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from = e.health
	if success {
		e.consecFailures = 0
		e.consecSuccesses++
		if e.health != Healthy && e.consecSuccesses >= th.RecoverAfter {
			e.health = Healthy
			e.consecSuccesses = 0
		}
	} else {
		e.consecSuccesses = 0
		e.consecFailures++
		e.lastFailureAt = time.Now()
		if e.consecFailures >= th.DegradeAfter {
			switch e.health {
			case Healthy:
				e.health = Degraded
			case Degraded:
				e.health = Unhealthy
			}
			e.consecFailures = 0
		}
	}
	return from, e.health
}

// markProbeSuccess is the explicit recovery path used by the periodic
// health checker: a successful probe restores Healthy immediately.
func (e *entryState) markProbeSuccess() (from HealthState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = e.health
	e.health = Healthy
	e.consecFailures = 0
	e.consecSuccesses = 0
	return from
}

// Registry is the in-memory arena of pools, entries, platforms and
// exchanges. Structure (pools, memberships) is read-only after Load; only
// per-entry health state mutates, guarded per entry.
type Registry struct {
	mu sync.RWMutex

	pools     map[int64]*ModelPool
	entries   map[int64]*entryState
	byPool    map[int64][]int64
	platforms map[int64]*Platform
	exchanges map[int64]*Exchange
	direct    map[ModelType]*DirectRoute

	callersMu sync.Mutex
	callers   map[string]*AppCaller

	thresholds HealthThresholds
}

func NewRegistry(th HealthThresholds) *Registry {
	return &Registry{
		pools:      make(map[int64]*ModelPool),
		entries:    make(map[int64]*entryState),
		byPool:     make(map[int64][]int64),
		platforms:  make(map[int64]*Platform),
		exchanges:  make(map[int64]*Exchange),
		direct:     make(map[ModelType]*DirectRoute),
		callers:    make(map[string]*AppCaller),
		thresholds: th,
	}
}

// AddPool registers a pool. Intended for Load and tests.
func (r *Registry) AddPool(p *ModelPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.ID] = p
}

// AddEntry registers an entry in the arena. New entries start Healthy
// unless a persisted health state is provided.
func (r *Registry) AddEntry(s EntrySnapshot) {
	if s.Health == "" {
		s.Health = Healthy
	}
	e := &entryState{
		id:              s.ID,
		poolID:          s.PoolID,
		modelID:         s.ModelID,
		platformID:      s.PlatformID,
		priority:        s.Priority,
		health:          s.Health,
		consecFailures:  s.ConsecFailures,
		consecSuccesses: s.ConsecSuccesses,
		lastFailureAt:   s.LastFailureAt,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[s.ID] = e
	r.byPool[s.PoolID] = append(r.byPool[s.PoolID], s.ID)
}

func (r *Registry) AddPlatform(p *Platform)  { r.mu.Lock(); r.platforms[p.ID] = p; r.mu.Unlock() }
func (r *Registry) AddExchange(ex *Exchange) { r.mu.Lock(); r.exchanges[ex.ID] = ex; r.mu.Unlock() }
func (r *Registry) SetDirect(d *DirectRoute) { r.mu.Lock(); r.direct[d.Type] = d; r.mu.Unlock() }

func (r *Registry) Pool(id int64) (*ModelPool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	return p, ok
}

func (r *Registry) Platform(id int64) (*Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}

func (r *Registry) Exchange(id int64) (*Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.exchanges[id]
	return ex, ok
}

func (r *Registry) directRoute(t ModelType) (*DirectRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.direct[t]
	return d, ok
}

// PoolsByType returns pools of the given type ordered by id, for
// deterministic iteration.
func (r *Registry) PoolsByType(t ModelType) []*ModelPool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ModelPool
	for _, p := range r.pools {
		if p.Type == t {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EntriesForPool returns snapshots of the pool's entries ordered by
// priority, then id.
func (r *Registry) EntriesForPool(poolID int64) []EntrySnapshot {
	r.mu.RLock()
	ids := append([]int64(nil), r.byPool[poolID]...)
	states := make([]*entryState, 0, len(ids))
	for _, id := range ids {
		states = append(states, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]EntrySnapshot, 0, len(states))
	for _, e := range states {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AllEntries returns snapshots of every entry in the arena.
func (r *Registry) AllEntries() []EntrySnapshot {
	r.mu.RLock()
	states := make([]*entryState, 0, len(r.entries))
	for _, e := range r.entries {
		states = append(states, e)
	}
	r.mu.RUnlock()

	out := make([]EntrySnapshot, 0, len(states))
	for _, e := range states {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModelIDs returns the distinct model identifiers visible through pools.
func (r *Registry) ModelIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range r.AllEntries() {
		if _, ok := seen[s.ModelID]; ok {
			continue
		}
		seen[s.ModelID] = struct{}{}
		out = append(out, s.ModelID)
	}
	r.mu.RLock()
	for _, d := range r.direct {
		if _, ok := seen[d.ModelID]; !ok {
			seen[d.ModelID] = struct{}{}
			out = append(out, d.ModelID)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RecordResult applies one call outcome to the entry's health state.
// Safe under concurrent invocation for the same entry; counter updates are
// serialized per entry and never lost. Unknown entries are ignored (an
// entry removed by an admin while calls are in flight is not an error).
func (r *Registry) RecordResult(entryID int64, success bool) {
	r.mu.RLock()
	e, ok := r.entries[entryID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	from, to := e.recordResult(success, r.thresholds)
	if from != to {
		log.Warn().
			Int64("entry_id", entryID).
			Str("model", e.modelID).
			Str("from", string(from)).
			Str("to", string(to)).
			Bool("success", success).
			Msg("model entry health transition")
	}
}

// MarkProbeSuccess restores an entry to Healthy after a successful probe.
func (r *Registry) MarkProbeSuccess(entryID int64) {
	r.mu.RLock()
	e, ok := r.entries[entryID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if from := e.markProbeSuccess(); from != Healthy {
		log.Info().
			Int64("entry_id", entryID).
			Str("model", e.modelID).
			Str("from", string(from)).
			Msg("model entry recovered by health probe")
	}
}

// CacheCaller stores a caller in the in-memory lookup. The store remains
// the source of truth; this avoids a DB round trip per request.
func (r *Registry) CacheCaller(c *AppCaller) {
	r.callersMu.Lock()
	defer r.callersMu.Unlock()
	r.callers[c.Code] = c
}

func (r *Registry) CachedCaller(code string) (*AppCaller, bool) {
	r.callersMu.Lock()
	defer r.callersMu.Unlock()
	c, ok := r.callers[code]
	return c, ok
}

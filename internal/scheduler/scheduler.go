// Package scheduler picks a concrete model entry for each call, builds the
// callable client for it, and feeds call outcomes back into entry health
// state so later requests route around failing destinations.
package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/reqctx"
	"github.com/prdhub/model-gateway/internal/upstream"
)

// ClientBuilder constructs upstream clients; satisfied by upstream.Factory.
type ClientBuilder interface {
	Build(modelID string, platform *pool.Platform, ex *pool.Exchange) (upstream.Client, error)
}

// ClientInfo is the scheduling decision handed to the gateway: the client
// plus the routing metadata that goes into logs.
type ClientInfo struct {
	Client         upstream.Client
	PoolID         int64
	PoolName       string
	IsDefaultPool  bool
	ResolutionType pool.ResolutionType
	EntryID        int64
	ModelID        string
	PlatformID     int64
	PlatformName   string
}

type Scheduler struct {
	reg      *pool.Registry
	resolver *pool.Resolver
	store    *pool.Store
	builder  ClientBuilder
}

func New(reg *pool.Registry, store *pool.Store, builder ClientBuilder) *Scheduler {
	return &Scheduler{
		reg:      reg,
		resolver: pool.NewResolver(reg),
		store:    store,
		builder:  builder,
	}
}

// GetOrCreateAppCaller upserts the caller in the store (idempotent) and
// caches it for later lookups.
func (s *Scheduler) GetOrCreateAppCaller(ctx context.Context, code string) (*pool.AppCaller, error) {
	if c, ok := s.reg.CachedCaller(code); ok {
		return c, nil
	}
	c, err := s.store.GetOrCreateAppCaller(ctx, code)
	if err != nil {
		return nil, err
	}
	s.reg.CacheCaller(c)
	return c, nil
}

// GetClient resolves and builds a client without exposing pool metadata.
func (s *Scheduler) GetClient(ctx context.Context, callerCode string, modelType pool.ModelType) (upstream.Client, error) {
	info, err := s.GetClientWithPoolInfo(ctx, callerCode, modelType)
	if err != nil {
		return nil, err
	}
	return info.Client, nil
}

// GetClientWithPoolInfo resolves (callerCode, modelType) to a concrete
// entry and builds its client. Within a pool the lowest-priority
// non-Unhealthy entry wins; with every entry Unhealthy the least recently
// failed one is used anyway — the scheduler fails open and never reports
// "no model available" while any entry exists. It errors only when
// resolution finds nothing or the resolved pools are all empty.
func (s *Scheduler) GetClientWithPoolInfo(ctx context.Context, callerCode string, modelType pool.ModelType) (*ClientInfo, error) {
	resolutions, err := s.resolver.Resolve(callerCode, modelType)
	if err != nil {
		return nil, err
	}

	for _, res := range resolutions {
		var info *ClientInfo
		switch res.Type {
		case pool.DirectModel:
			info, err = s.buildDirect(res)
		default:
			info, err = s.buildFromPool(res)
		}
		if err != nil {
			// Empty pool in a multi-pool dedicated resolution: try the next.
			log.Debug().Err(err).Str("caller", callerCode).Str("model_type", string(modelType)).
				Msg("resolution candidate unusable; trying next")
			continue
		}

		if rc, ok := reqctx.From(ctx); ok {
			rc.SetRouting(reqctx.Routing{
				ResolutionType: string(info.ResolutionType),
				PoolID:         info.PoolID,
				PoolName:       info.PoolName,
				PlatformID:     info.PlatformID,
				PlatformName:   info.PlatformName,
				Model:          info.ModelID,
			})
		}
		return info, nil
	}

	return nil, fmt.Errorf("no usable model entry for caller %q type %q: %w", callerCode, modelType, err)
}

func (s *Scheduler) buildDirect(res pool.Resolution) (*ClientInfo, error) {
	platform, ok := s.reg.Platform(res.Direct.PlatformID)
	if !ok {
		return nil, fmt.Errorf("direct route for %q references unknown platform %d", res.Direct.Type, res.Direct.PlatformID)
	}
	client, err := s.buildClient(res.Direct.ModelID, platform)
	if err != nil {
		return nil, err
	}
	return &ClientInfo{
		Client:         client,
		ResolutionType: pool.DirectModel,
		ModelID:        res.Direct.ModelID,
		PlatformID:     platform.ID,
		PlatformName:   platform.Name,
	}, nil
}

func (s *Scheduler) buildFromPool(res pool.Resolution) (*ClientInfo, error) {
	entries := s.reg.EntriesForPool(res.Pool.ID)
	if len(entries) == 0 {
		return nil, fmt.Errorf("pool %q (%d) has no entries", res.Pool.Name, res.Pool.ID)
	}

	entry, failedOpen := selectEntry(entries)
	if failedOpen {
		log.Warn().
			Int64("pool_id", res.Pool.ID).
			Str("pool", res.Pool.Name).
			Int64("entry_id", entry.ID).
			Str("model", entry.ModelID).
			Msg("all entries unhealthy; failing open with least recently failed")
	}

	platform, ok := s.reg.Platform(entry.PlatformID)
	if !ok {
		return nil, fmt.Errorf("entry %d references unknown platform %d", entry.ID, entry.PlatformID)
	}
	client, err := s.buildClient(entry.ModelID, platform)
	if err != nil {
		return nil, err
	}
	return &ClientInfo{
		Client:         client,
		PoolID:         res.Pool.ID,
		PoolName:       res.Pool.Name,
		IsDefaultPool:  res.Type == pool.DefaultPool,
		ResolutionType: res.Type,
		EntryID:        entry.ID,
		ModelID:        entry.ModelID,
		PlatformID:     platform.ID,
		PlatformName:   platform.Name,
	}, nil
}

// selectEntry implements the in-pool choice. Entries arrive ordered by
// priority then id; the second return reports whether the fail-open branch
// was taken.
func selectEntry(entries []pool.EntrySnapshot) (pool.EntrySnapshot, bool) {
	for _, e := range entries {
		if e.Health != pool.Unhealthy {
			return e, false
		}
	}
	oldest := entries[0]
	for _, e := range entries[1:] {
		if e.LastFailureAt.Before(oldest.LastFailureAt) {
			oldest = e
		}
	}
	return oldest, true
}

func (s *Scheduler) buildClient(modelID string, platform *pool.Platform) (upstream.Client, error) {
	var ex *pool.Exchange
	if platform.Kind == pool.PlatformExchange {
		var ok bool
		ex, ok = s.reg.Exchange(platform.ExchangeID)
		if !ok {
			return nil, fmt.Errorf("platform %q references unknown exchange %d", platform.Name, platform.ExchangeID)
		}
	}
	return s.builder.Build(modelID, platform, ex)
}

// RecordCallResult applies one call outcome to the entry's health state.
// Direct routes (poolID 0) carry no health state and are ignored. Safe for
// concurrent invocation; per-entry counters are serialized by the registry.
func (s *Scheduler) RecordCallResult(poolID int64, modelID string, platformID int64, success bool, callErr error) {
	if poolID == 0 {
		return
	}
	for _, e := range s.reg.EntriesForPool(poolID) {
		if e.ModelID == modelID && e.PlatformID == platformID {
			s.reg.RecordResult(e.ID, success)
			if !success && callErr != nil {
				log.Warn().
					Err(callErr).
					Int64("pool_id", poolID).
					Str("model", modelID).
					Int64("platform_id", platformID).
					Msg("model call failed")
			}
			return
		}
	}
	log.Debug().
		Int64("pool_id", poolID).
		Str("model", modelID).
		Msg("call result for unknown entry dropped")
}

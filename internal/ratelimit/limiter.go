// Package ratelimit gates admission per caller before the scheduler is
// invoked: a per-minute request-count window and a concurrent in-flight
// cap, evaluated together. Counters live in a CounterStore so multiple
// gateway instances sharing a redis enforce one consistent limit.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Window is the span of the request-count gate.
const Window = time.Minute

// Config is the per-caller (or global) limit set. A per-caller config fully
// replaces the global one; it is never merged field by field.
type Config struct {
	RequestsPerMinute int
	MaxConcurrent     int
	Exempt            bool
}

// CounterStore is the shared-state backend for limiter counters.
// Implementations must make each operation atomic per key.
type CounterStore interface {
	// IncrWindow bumps the windowed request counter for key and returns
	// the new count. The counter expires after window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	// IncrInflight bumps the in-flight counter and returns the new value.
	IncrInflight(ctx context.Context, key string) (int64, error)
	// DecrInflight releases one in-flight slot, never going below zero.
	DecrInflight(ctx context.Context, key string) error
}

// Limiter evaluates both gates for a caller.
type Limiter struct {
	store CounterStore

	mu      sync.RWMutex
	global  Config
	callers map[string]Config
}

func New(store CounterStore, global Config) *Limiter {
	return &Limiter{
		store:   store,
		global:  global,
		callers: make(map[string]Config),
	}
}

// SetGlobalConfig replaces the global default.
func (l *Limiter) SetGlobalConfig(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = cfg
}

// SetCallerConfig installs a per-caller config that fully replaces the
// global default for that caller.
func (l *Limiter) SetCallerConfig(clientID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callers[clientID] = cfg
}

// RemoveCallerConfig makes the caller fall back to the global default.
func (l *Limiter) RemoveCallerConfig(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callers, clientID)
}

// SetExempt toggles the exemption flag, bypassing both gates.
func (l *Limiter) SetExempt(clientID string, exempt bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.callers[clientID]
	if !ok {
		cfg = l.global
	}
	cfg.Exempt = exempt
	l.callers[clientID] = cfg
}

func (l *Limiter) configFor(clientID string) Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.callers[clientID]; ok {
		return cfg
	}
	return l.global
}

// releaseNothing is the release for admissions that hold no slot.
func releaseNothing(context.Context) {}

// CheckRequest admits or rejects one request. A false return carries a
// human-readable reason and a nil release. Admitted requests receive a
// release function returning whatever the admission took; it must run on
// every exit path including errors and cancellation, and is idempotent.
// The decision is captured here, so reconfiguring the caller mid-flight
// cannot skip or double the release.
func (l *Limiter) CheckRequest(ctx context.Context, clientID string) (func(context.Context), bool, string) {
	cfg := l.configFor(clientID)
	if cfg.Exempt {
		return releaseNothing, true, ""
	}

	if cfg.RequestsPerMinute > 0 {
		count, err := l.store.IncrWindow(ctx, "rl:win:"+clientID, Window)
		if err != nil {
			// Shared state being down must not take the gateway with it.
			log.Error().Err(err).Str("client", clientID).Msg("rate limit store unavailable; admitting")
			return releaseNothing, true, ""
		}
		if count > int64(cfg.RequestsPerMinute) {
			return nil, false, fmt.Sprintf("rate limit exceeded: %d requests per minute", cfg.RequestsPerMinute)
		}
	}

	if cfg.MaxConcurrent > 0 {
		inflight, err := l.store.IncrInflight(ctx, "rl:fly:"+clientID)
		if err != nil {
			log.Error().Err(err).Str("client", clientID).Msg("rate limit store unavailable; admitting")
			return releaseNothing, true, ""
		}
		if inflight > int64(cfg.MaxConcurrent) {
			if err := l.store.DecrInflight(ctx, "rl:fly:"+clientID); err != nil {
				log.Error().Err(err).Str("client", clientID).Msg("failed to release concurrency slot")
			}
			return nil, false, fmt.Sprintf("concurrency limit exceeded: %d in-flight requests", cfg.MaxConcurrent)
		}

		var once sync.Once
		release := func(ctx context.Context) {
			once.Do(func() {
				if err := l.store.DecrInflight(ctx, "rl:fly:"+clientID); err != nil {
					log.Error().Err(err).Str("client", clientID).Msg("failed to release concurrency slot")
				}
			})
		}
		return release, true, ""
	}

	return releaseNothing, true, ""
}

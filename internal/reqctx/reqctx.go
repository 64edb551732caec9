// Package reqctx carries the per-request correlation context through the
// resolver, scheduler, transformer and downstream call without threading it
// through every signature. It rides on context.Context, so isolation between
// concurrently handled requests and restoration when a scope ends are
// structural: a child context never leaks into a sibling.
package reqctx

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// Routing is the resolution metadata attached once the scheduler has picked
// a destination for the request.
type Routing struct {
	ResolutionType string
	PoolID         int64
	PoolName       string
	PlatformID     int64
	PlatformName   string
	Model          string
}

// RequestContext is the scope-bound value for one inbound request. Identity
// fields are immutable after Begin; only the routing section is set later
// (exactly once, by the scheduler), guarded for concurrent readers.
type RequestContext struct {
	RequestID     string
	CallerCode    string
	UserID        string
	GroupID       string
	SessionID     string
	PromptPreview string // redacted; never the raw prompt

	mu      sync.RWMutex
	routing Routing
}

// Begin binds rc to a new child context. The parent context is untouched,
// so the previous (possibly absent) value is restored for the caller's own
// scope automatically.
func Begin(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From returns the request context bound to ctx, if any.
func From(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok
}

// SetRouting records the scheduling decision for this request.
func (rc *RequestContext) SetRouting(r Routing) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.routing = r
}

// Routing returns the recorded scheduling decision (zero value before
// SetRouting).
func (rc *RequestContext) Routing() Routing {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.routing
}

// LogFields attaches the request's correlation fields to a zerolog context.
func (rc *RequestContext) LogFields(c zerolog.Context) zerolog.Context {
	c = c.Str("request_id", rc.RequestID)
	if rc.CallerCode != "" {
		c = c.Str("caller", rc.CallerCode)
	}
	if rc.GroupID != "" {
		c = c.Str("group_id", rc.GroupID)
	}
	r := rc.Routing()
	if r.PoolID != 0 {
		c = c.Int64("pool_id", r.PoolID).Str("resolution", r.ResolutionType)
	}
	return c
}

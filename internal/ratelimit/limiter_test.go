package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_WindowBoundary(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), Config{RequestsPerMinute: 5, MaxConcurrent: 100})

	for i := 0; i < 5; i++ {
		release, ok, reason := l.CheckRequest(ctx, "caller-a")
		require.True(t, ok, "request %d within the limit must be admitted", i+1)
		require.Empty(t, reason)
		release(ctx)
	}

	_, ok, reason := l.CheckRequest(ctx, "caller-a")
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestLimiter_WindowResets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	l := New(store, Config{RequestsPerMinute: 1})

	_, ok, _ := l.CheckRequest(ctx, "caller-a")
	require.True(t, ok)
	_, ok, _ = l.CheckRequest(ctx, "caller-a")
	require.False(t, ok)

	now = now.Add(Window + time.Second)
	_, ok, _ = l.CheckRequest(ctx, "caller-a")
	assert.True(t, ok, "a new window admits again")
}

func TestLimiter_ConcurrencyReturnsToZero(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, Config{MaxConcurrent: 3})

	var releases []func(context.Context)
	for i := 0; i < 3; i++ {
		release, ok, _ := l.CheckRequest(ctx, "caller-a")
		require.True(t, ok)
		releases = append(releases, release)
	}
	_, ok, reason := l.CheckRequest(ctx, "caller-a")
	assert.False(t, ok)
	assert.Contains(t, reason, "concurrency")

	for _, release := range releases {
		release(ctx)
	}
	assert.Equal(t, int64(0), store.Inflight("rl:fly:caller-a"))

	release, ok, _ := l.CheckRequest(ctx, "caller-a")
	assert.True(t, ok, "slots are reusable after completion")
	release(ctx)
}

func TestLimiter_RejectedRequestHoldsNoSlot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, Config{MaxConcurrent: 1})

	release, ok, _ := l.CheckRequest(ctx, "caller-a")
	require.True(t, ok)
	rejected, ok, _ := l.CheckRequest(ctx, "caller-a")
	require.False(t, ok)
	require.Nil(t, rejected)

	assert.Equal(t, int64(1), store.Inflight("rl:fly:caller-a"),
		"the rejected request must release the slot it probed")
	release(ctx)
}

func TestLimiter_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, Config{MaxConcurrent: 2})

	release, ok, _ := l.CheckRequest(ctx, "caller-a")
	require.True(t, ok)

	release(ctx)
	release(ctx)
	assert.Equal(t, int64(0), store.Inflight("rl:fly:caller-a"),
		"a double release must not underflow the counter")
}

func TestLimiter_ReleaseSurvivesConfigChange(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := New(store, Config{MaxConcurrent: 1})

	release, ok, _ := l.CheckRequest(ctx, "caller-a")
	require.True(t, ok)

	// An operator flips the flag while the request is in flight. The
	// admission decision, not the current config, owns the slot.
	l.SetExempt("caller-a", true)
	release(ctx)
	assert.Equal(t, int64(0), store.Inflight("rl:fly:caller-a"))

	l.SetExempt("caller-a", false)
	release, ok, _ = l.CheckRequest(ctx, "caller-a")
	require.True(t, ok, "the slot came back despite the config churn")
	release(ctx)
}

func TestLimiter_ExemptBypassesBothGates(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), Config{RequestsPerMinute: 1, MaxConcurrent: 1})
	l.SetExempt("vip", true)

	for i := 0; i < 10; i++ {
		release, ok, _ := l.CheckRequest(ctx, "vip")
		require.True(t, ok)
		release(ctx)
	}
}

func TestLimiter_CallerConfigReplacesGlobal(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore(), Config{RequestsPerMinute: 100, MaxConcurrent: 100})
	// Per-caller config fully replaces the global default: the unset
	// concurrency cap means uncapped, not "inherit 100".
	l.SetCallerConfig("caller-b", Config{RequestsPerMinute: 2})

	_, ok, _ := l.CheckRequest(ctx, "caller-b")
	require.True(t, ok)
	_, ok, _ = l.CheckRequest(ctx, "caller-b")
	require.True(t, ok)
	_, ok, _ = l.CheckRequest(ctx, "caller-b")
	assert.False(t, ok)

	// Another caller still gets the global allowance.
	_, ok, _ = l.CheckRequest(ctx, "caller-c")
	assert.True(t, ok)

	l.RemoveCallerConfig("caller-b")
	// Back on global config; window counter for the minute persists, but
	// the per-minute ceiling is now 100.
	_, ok, _ = l.CheckRequest(ctx, "caller-b")
	assert.True(t, ok)
}

package reqctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginAndFrom(t *testing.T) {
	ctx := context.Background()

	_, ok := From(ctx)
	assert.False(t, ok)

	rc := &RequestContext{RequestID: "req-1", CallerCode: "prd.editor::qa"}
	scoped := Begin(ctx, rc)

	got, ok := From(scoped)
	require.True(t, ok)
	assert.Equal(t, "req-1", got.RequestID)

	// Parent scope is untouched.
	_, ok = From(ctx)
	assert.False(t, ok)
}

func TestRoutingSetOnce(t *testing.T) {
	rc := &RequestContext{RequestID: "req-1"}
	assert.Zero(t, rc.Routing())

	rc.SetRouting(Routing{ResolutionType: "default_pool", PoolID: 3, PoolName: "chat-default"})
	r := rc.Routing()
	assert.Equal(t, int64(3), r.PoolID)
	assert.Equal(t, "default_pool", r.ResolutionType)
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	base := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			rc := &RequestContext{RequestID: reqID(id)}
			ctx := Begin(base, rc)

			// Nested work sees its own scope, never a sibling's.
			done := make(chan struct{})
			go func() {
				defer close(done)
				got, ok := From(ctx)
				assert.True(t, ok)
				assert.Equal(t, reqID(id), got.RequestID)
			}()
			<-done
		}()
	}
	wg.Wait()
}

func reqID(i int) string {
	return string(rune('a'+i%26)) + "-request"
}

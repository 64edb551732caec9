package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	reg := NewRegistry(DefaultThresholds())
	reg.AddPool(&ModelPool{ID: 1, Name: "chat-default", Type: TypeChat, IsDefaultForType: true})
	reg.AddPool(&ModelPool{ID: 2, Name: "chat-editor", Type: TypeChat, CallerCodes: []string{"prd.editor::qa"}})
	reg.AddPool(&ModelPool{ID: 3, Name: "intent-default", Type: TypeIntent, IsDefaultForType: true})
	return reg
}

func TestResolve_DedicatedWinsOverDefault(t *testing.T) {
	r := NewResolver(newTestRegistry())

	res, err := r.Resolve("prd.editor::qa", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, DedicatedPool, res[0].Type)
	assert.Equal(t, int64(2), res[0].Pool.ID)
}

func TestResolve_DefaultWhenNoDedicated(t *testing.T) {
	r := NewResolver(newTestRegistry())

	res, err := r.Resolve("email.channel::classify", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, DefaultPool, res[0].Type)
	assert.Equal(t, int64(1), res[0].Pool.ID)
}

func TestResolve_EmptyCallerSkipsDedicatedTier(t *testing.T) {
	r := NewResolver(newTestRegistry())

	res, err := r.Resolve("", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, DefaultPool, res[0].Type)
}

func TestResolve_DirectModelFallback(t *testing.T) {
	reg := NewRegistry(DefaultThresholds())
	reg.SetDirect(&DirectRoute{Type: TypeVision, ModelID: "gpt-4o", PlatformID: 7})
	r := NewResolver(reg)

	res, err := r.Resolve("anything", TypeVision)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, DirectModel, res[0].Type)
	assert.Equal(t, "gpt-4o", res[0].Direct.ModelID)
	assert.Nil(t, res[0].Pool)
}

func TestResolve_NoRouteIsError(t *testing.T) {
	r := NewResolver(NewRegistry(DefaultThresholds()))

	_, err := r.Resolve("caller", TypeGeneration)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolve_ExactlyOneTierChosen(t *testing.T) {
	reg := newTestRegistry()
	reg.SetDirect(&DirectRoute{Type: TypeChat, ModelID: "legacy-chat", PlatformID: 1})
	r := NewResolver(reg)

	// Dedicated present: neither default nor direct shows up.
	res, err := r.Resolve("prd.editor::qa", TypeChat)
	require.NoError(t, err)
	for _, got := range res {
		assert.Equal(t, DedicatedPool, got.Type)
	}

	// No dedicated: default wins over direct.
	res, err = r.Resolve("other", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, DefaultPool, res[0].Type)
}

func TestResolve_DuplicateDefaultPicksLowestID(t *testing.T) {
	reg := NewRegistry(DefaultThresholds())
	reg.AddPool(&ModelPool{ID: 9, Name: "late-default", Type: TypeChat, IsDefaultForType: true})
	reg.AddPool(&ModelPool{ID: 4, Name: "early-default", Type: TypeChat, IsDefaultForType: true})
	r := NewResolver(reg)

	res, err := r.Resolve("", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int64(4), res[0].Pool.ID)
}

func TestResolve_DedicatedOrderedByPriority(t *testing.T) {
	reg := NewRegistry(DefaultThresholds())
	reg.AddPool(&ModelPool{ID: 1, Name: "low", Type: TypeChat, Priority: 5, CallerCodes: []string{"c"}})
	reg.AddPool(&ModelPool{ID: 2, Name: "high", Type: TypeChat, Priority: 1, CallerCodes: []string{"c"}})
	r := NewResolver(reg)

	res, err := r.Resolve("c", TypeChat)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, int64(2), res[0].Pool.ID)
	assert.Equal(t, int64(1), res[1].Pool.ID)
}

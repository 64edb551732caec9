package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/reqctx"
	"github.com/prdhub/model-gateway/internal/upstream"
)

// fakeClient satisfies upstream.Client without any network.
type fakeClient struct {
	model    string
	probeErr error
}

func (f *fakeClient) Model() string { return f.model }

func (f *fakeClient) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{Model: f.model}, nil
}

func (f *fakeClient) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (upstream.ChatStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Probe(context.Context) error { return f.probeErr }

// fakeBuilder records what was built and can fail probes per model.
type fakeBuilder struct {
	built     []string
	probeErrs map[string]error
}

func (b *fakeBuilder) Build(modelID string, platform *pool.Platform, ex *pool.Exchange) (upstream.Client, error) {
	b.built = append(b.built, modelID)
	var probeErr error
	if b.probeErrs != nil {
		probeErr = b.probeErrs[modelID]
	}
	return &fakeClient{model: modelID, probeErr: probeErr}, nil
}

func testRegistry() *pool.Registry {
	reg := pool.NewRegistry(pool.DefaultThresholds())
	reg.AddPlatform(&pool.Platform{ID: 1, Name: "openai-main", Kind: pool.PlatformOpenAI})
	reg.AddPool(&pool.ModelPool{ID: 1, Name: "chat-default", Type: pool.TypeChat, IsDefaultForType: true})
	reg.AddEntry(pool.EntrySnapshot{ID: 10, PoolID: 1, ModelID: "primary", PlatformID: 1, Priority: 1})
	reg.AddEntry(pool.EntrySnapshot{ID: 11, PoolID: 1, ModelID: "secondary", PlatformID: 1, Priority: 2})
	return reg
}

func TestGetClient_PicksLowestPriorityHealthy(t *testing.T) {
	reg := testRegistry()
	s := New(reg, nil, &fakeBuilder{})

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "primary", info.ModelID)
	assert.Equal(t, int64(1), info.PoolID)
	assert.True(t, info.IsDefaultPool)
	assert.Equal(t, pool.DefaultPool, info.ResolutionType)
}

func TestGetClient_SkipsUnhealthyEntry(t *testing.T) {
	reg := testRegistry()
	// Push the primary entry to Unhealthy.
	for i := 0; i < 6; i++ {
		reg.RecordResult(10, false)
	}
	s := New(reg, nil, &fakeBuilder{})

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "secondary", info.ModelID)
}

func TestGetClient_DegradedStillEligible(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < 3; i++ {
		reg.RecordResult(10, false)
	}
	s := New(reg, nil, &fakeBuilder{})

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "primary", info.ModelID, "degraded entries remain selectable")
}

func TestGetClient_FailsOpenWhenAllUnhealthy(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < 6; i++ {
		reg.RecordResult(10, false)
	}
	time.Sleep(5 * time.Millisecond) // ensure distinct failure timestamps
	for i := 0; i < 6; i++ {
		reg.RecordResult(11, false)
	}
	s := New(reg, nil, &fakeBuilder{})

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err, "fail open: never 'no model available' while entries exist")
	assert.Equal(t, "primary", info.ModelID, "least recently failed entry wins")
}

func TestGetClient_EmptyPoolIsError(t *testing.T) {
	reg := pool.NewRegistry(pool.DefaultThresholds())
	reg.AddPool(&pool.ModelPool{ID: 1, Name: "empty", Type: pool.TypeChat, IsDefaultForType: true})
	s := New(reg, nil, &fakeBuilder{})

	_, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	assert.Error(t, err)
}

func TestGetClient_NoResolutionIsError(t *testing.T) {
	s := New(pool.NewRegistry(pool.DefaultThresholds()), nil, &fakeBuilder{})
	_, err := s.GetClientWithPoolInfo(context.Background(), "caller", pool.TypeChat)
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrNoRoute)
}

func TestGetClient_DirectRoute(t *testing.T) {
	reg := pool.NewRegistry(pool.DefaultThresholds())
	reg.AddPlatform(&pool.Platform{ID: 1, Name: "openai-main", Kind: pool.PlatformOpenAI})
	reg.SetDirect(&pool.DirectRoute{Type: pool.TypeIntent, ModelID: "legacy-intent", PlatformID: 1})
	s := New(reg, nil, &fakeBuilder{})

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeIntent)
	require.NoError(t, err)
	assert.Equal(t, pool.DirectModel, info.ResolutionType)
	assert.Equal(t, "legacy-intent", info.ModelID)
	assert.Zero(t, info.PoolID)
}

func TestGetClient_SetsRequestContextRouting(t *testing.T) {
	reg := testRegistry()
	s := New(reg, nil, &fakeBuilder{})

	rc := &reqctx.RequestContext{RequestID: "req-1"}
	ctx := reqctx.Begin(context.Background(), rc)

	_, err := s.GetClientWithPoolInfo(ctx, "", pool.TypeChat)
	require.NoError(t, err)

	r := rc.Routing()
	assert.Equal(t, int64(1), r.PoolID)
	assert.Equal(t, "chat-default", r.PoolName)
	assert.Equal(t, string(pool.DefaultPool), r.ResolutionType)
	assert.Equal(t, "primary", r.Model)
}

func TestRecordCallResult_FeedsHealthState(t *testing.T) {
	reg := testRegistry()
	s := New(reg, nil, &fakeBuilder{})

	for i := 0; i < 6; i++ {
		s.RecordCallResult(1, "primary", 1, false, errors.New("boom"))
	}

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "secondary", info.ModelID, "failures recorded through the scheduler route traffic away")
}

func TestHealthCheck_ProbeRecoversEntry(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < 6; i++ {
		reg.RecordResult(10, false)
	}
	builder := &fakeBuilder{probeErrs: map[string]error{}}
	s := New(reg, nil, builder)

	s.HealthCheck(context.Background())

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "primary", info.ModelID, "probe success restores the preferred entry")
}

func TestHealthCheck_FailingProbeLeavesStateAlone(t *testing.T) {
	reg := testRegistry()
	for i := 0; i < 6; i++ {
		reg.RecordResult(10, false)
	}
	builder := &fakeBuilder{probeErrs: map[string]error{"primary": errors.New("still down")}}
	s := New(reg, nil, builder)

	s.HealthCheck(context.Background())

	info, err := s.GetClientWithPoolInfo(context.Background(), "", pool.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "secondary", info.ModelID)
}

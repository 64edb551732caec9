package transformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestRegistry_Lookup(t *testing.T) {
	tr, err := Get("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", tr.Type())

	_, err = Get("nope")
	assert.Error(t, err)

	assert.Contains(t, Types(), "image_relay")
}

func TestPassthrough_RoundTripIdentity(t *testing.T) {
	tr, err := Get("openai")
	require.NoError(t, err)

	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	out, err := tr.TransformRequest(body, nil)
	require.NoError(t, err)
	back, err := tr.TransformResponse(out, nil)
	require.NoError(t, err)

	// Identity on the fields the type declares stable.
	assert.Equal(t, "gpt-4o", gjson.GetBytes(back, "model").String())
	assert.Equal(t, "hi", gjson.GetBytes(back, "messages.0.content").String())
	assert.True(t, gjson.GetBytes(back, "stream").Bool())
}

func TestPassthrough_ModelOverride(t *testing.T) {
	tr, _ := Get("openai")
	out, err := tr.TransformRequest(
		[]byte(`{"model":"gpt-4o","messages":[]}`),
		map[string]string{"model_override": "relay-gpt"})
	require.NoError(t, err)
	assert.Equal(t, "relay-gpt", gjson.GetBytes(out, "model").String())
}

func TestPassthrough_InvalidRequestJSON(t *testing.T) {
	tr, _ := Get("openai")
	_, err := tr.TransformRequest([]byte(`{not json`), nil)
	assert.Error(t, err)
}

func TestImageRelay_ResolveTargetURLByContent(t *testing.T) {
	tr, _ := Get("image_relay")

	imageBody := []byte(`{"model":"relay-image-1","messages":[{"role":"user","content":"a cat"}]}`)
	textBody := []byte(`{"model":"relay-chat","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, "https://relay.example/v1/images",
		tr.ResolveTargetURL("https://relay.example/", imageBody, nil))
	assert.Equal(t, "https://relay.example/v1/chat",
		tr.ResolveTargetURL("https://relay.example", textBody, nil))

	// Config pins the mode regardless of model name.
	assert.Equal(t, "https://relay.example/v1/images",
		tr.ResolveTargetURL("https://relay.example", textBody, map[string]string{"mode": "image"}))
}

func TestImageRelay_TransformRequest(t *testing.T) {
	tr, _ := Get("image_relay")

	body := []byte(`{"model":"relay-image-1","messages":[
		{"role":"system","content":"be nice"},
		{"role":"user","content":"first"},
		{"role":"user","content":"a red fox"}]}`)

	out, err := tr.TransformRequest(body, map[string]string{"size": "1024x1024"})
	require.NoError(t, err)
	assert.Equal(t, "generate", gjson.GetBytes(out, "task").String())
	assert.Equal(t, "a red fox", gjson.GetBytes(out, "input").String(), "uses the last user message")
	assert.Equal(t, "1024x1024", gjson.GetBytes(out, "params.size").String())
}

func TestImageRelay_TransformRequestNoUserMessage(t *testing.T) {
	tr, _ := Get("image_relay")
	_, err := tr.TransformRequest([]byte(`{"model":"relay-image-1","messages":[]}`), nil)
	assert.Error(t, err)
}

func TestImageRelay_TransformResponseImages(t *testing.T) {
	tr, _ := Get("image_relay")

	out, err := tr.TransformResponse(
		[]byte(`{"output":{"images":["https://cdn/a.png","https://cdn/b.png"]}}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "chat.completion", gjson.GetBytes(out, "object").String())
	assert.Equal(t, "assistant", gjson.GetBytes(out, "choices.0.message.role").String())
	assert.Equal(t, "https://cdn/a.png\nhttps://cdn/b.png",
		gjson.GetBytes(out, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(out, "choices.0.finish_reason").String())
}

func TestImageRelay_MalformedResponseBecomesErrorShape(t *testing.T) {
	tr, _ := Get("image_relay")

	for _, raw := range [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"output":{}}`),
		[]byte(`{"error":{"message":"quota exhausted"}}`),
	} {
		out, err := tr.TransformResponse(raw, nil)
		require.NoError(t, err, "malformed input must not raise")
		assert.Equal(t, "LLM_ERROR", gjson.GetBytes(out, "error.code").String())
	}
}

package transformer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ImageRelay converts between the standard chat protocol and a bespoke
// image-generation relay. The relay accepts
//
//	{"task": "generate", "input": "<prompt>", "params": {...}}
//
// on /v1/images for image work, and a plain chat task on /v1/chat for text,
// returning either
//
//	{"output": {"images": ["<url>", ...]}}  or  {"output": {"text": "..."}}
//
// Routing between the two sub-paths depends on request content, which is
// what ResolveTargetURL exists for.
type ImageRelay struct{}

func (t *ImageRelay) Type() string { return "image_relay" }

// wantsImage decides whether the request is image work: either the model
// name carries an image marker or the exchange pins the mode in config.
func wantsImage(standardBody []byte, cfg map[string]string) bool {
	if mode := cfg["mode"]; mode != "" {
		return mode == "image"
	}
	model := gjson.GetBytes(standardBody, "model").String()
	return strings.Contains(model, "image") || strings.Contains(model, "dall-e")
}

func (t *ImageRelay) ResolveTargetURL(baseURL string, standardBody []byte, cfg map[string]string) string {
	base := strings.TrimRight(baseURL, "/")
	if wantsImage(standardBody, cfg) {
		return base + "/v1/images"
	}
	return base + "/v1/chat"
}

func (t *ImageRelay) TransformRequest(standardBody []byte, cfg map[string]string) ([]byte, error) {
	if !gjson.ValidBytes(standardBody) {
		return nil, fmt.Errorf("image_relay: request body is not valid JSON")
	}

	// The relay takes a single prompt, so use the last user message.
	prompt := ""
	for _, m := range gjson.GetBytes(standardBody, "messages").Array() {
		if m.Get("role").String() == "user" {
			prompt = m.Get("content").String()
		}
	}
	if prompt == "" {
		return nil, fmt.Errorf("image_relay: no user message in request")
	}

	task := "chat"
	if wantsImage(standardBody, cfg) {
		task = "generate"
	}

	out, err := sjson.SetBytes([]byte(`{}`), "task", task)
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "input", prompt); err != nil {
		return nil, err
	}
	if size := cfg["size"]; size != "" && task == "generate" {
		if out, err = sjson.SetBytes(out, "params.size", size); err != nil {
			return nil, err
		}
	}
	if style := cfg["style"]; style != "" && task == "generate" {
		if out, err = sjson.SetBytes(out, "params.style", style); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (t *ImageRelay) TransformResponse(raw []byte, cfg map[string]string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return errorBody("LLM_ERROR", "image relay returned a non-JSON response"), nil
	}
	if e := gjson.GetBytes(raw, "error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return errorBody("LLM_ERROR", msg), nil
	}

	content := gjson.GetBytes(raw, "output.text").String()
	if content == "" {
		images := gjson.GetBytes(raw, "output.images").Array()
		if len(images) == 0 {
			return errorBody("LLM_ERROR", "image relay response carries neither text nor images"), nil
		}
		urls := make([]string, 0, len(images))
		for _, img := range images {
			urls = append(urls, img.String())
		}
		content = strings.Join(urls, "\n")
	}

	out, err := sjson.SetBytes([]byte(`{}`), "id", "chatcmpl-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "object", "chat.completion"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "created", time.Now().Unix()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "choices.0.index", 0); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "choices.0.message.role", "assistant"); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "choices.0.message.content", content); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "choices.0.finish_reason", "stop"); err != nil {
		return nil, err
	}
	return out, nil
}

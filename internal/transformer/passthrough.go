package transformer

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Passthrough is the codec for relays that already speak the standard
// protocol. Both directions are the identity on valid JSON; the only work
// is validation and an optional model override from the exchange config.
type Passthrough struct{}

func (p *Passthrough) Type() string { return "openai" }

func (p *Passthrough) ResolveTargetURL(baseURL string, standardBody []byte, cfg map[string]string) string {
	return ""
}

func (p *Passthrough) TransformRequest(standardBody []byte, cfg map[string]string) ([]byte, error) {
	if !gjson.ValidBytes(standardBody) {
		return nil, fmt.Errorf("passthrough: request body is not valid JSON")
	}
	if override := cfg["model_override"]; override != "" {
		return sjson.SetBytes(standardBody, "model", override)
	}
	return standardBody, nil
}

func (p *Passthrough) TransformResponse(raw []byte, cfg map[string]string) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return errorBody("LLM_ERROR", "relay returned a non-JSON response"), nil
	}
	if e := gjson.GetBytes(raw, "error"); e.Exists() {
		// Already the standard error shape; pass it on.
		return raw, nil
	}
	return raw, nil
}

// errorBody builds the standard error shape transformers emit for
// malformed upstream responses.
func errorBody(code, message string) []byte {
	out, _ := sjson.SetBytes([]byte(`{}`), "error.code", code)
	out, _ = sjson.SetBytes(out, "error.message", message)
	out, _ = sjson.SetBytes(out, "error.type", "transformer")
	return out
}

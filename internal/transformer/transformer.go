// Package transformer converts between the standard chat-completion
// protocol and the native protocols of third-party relay endpoints
// (exchanges). A transformer is a stateless bidirectional codec keyed by a
// type string; the gateway looks one up at dispatch time for the exchange
// it is about to call.
package transformer

import (
	"fmt"
	"sort"
	"sync"
)

// Transformer reshapes requests and responses for one relay protocol.
// Implementations must be total on well-formed input: a malformed upstream
// response translates to a standard error body, never a panic.
type Transformer interface {
	// Type is the registry key, stored on the Exchange.
	Type() string

	// ResolveTargetURL may route by request content (e.g. image vs text
	// sub-paths). Empty string means "use baseURL unchanged".
	ResolveTargetURL(baseURL string, standardBody []byte, cfg map[string]string) string

	// TransformRequest converts a standard chat-completion body to the
	// relay's native request body.
	TransformRequest(standardBody []byte, cfg map[string]string) ([]byte, error)

	// TransformResponse converts the relay's raw response back to a
	// standard chat-completion body.
	TransformResponse(raw []byte, cfg map[string]string) ([]byte, error)
}

var (
	mu       sync.RWMutex
	registry = map[string]Transformer{}
)

// Register adds a transformer to the registry. Later registrations for the
// same type replace earlier ones.
func Register(t Transformer) {
	mu.Lock()
	defer mu.Unlock()
	registry[t.Type()] = t
}

// Get looks up a transformer by its type string.
func Get(typ string) (Transformer, error) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown transformer type %q", typ)
	}
	return t, nil
}

// Types lists the registered transformer types, sorted.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(&Passthrough{})
	Register(&ImageRelay{})
}

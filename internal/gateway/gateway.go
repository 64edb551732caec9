// Package gateway exposes the OpenAI-compatible HTTP surface: credential
// checks, admission control, dispatch into agent QA or raw proxy mode, and
// the streaming/buffered response rendering.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/prdhub/model-gateway/internal/config"
	"github.com/prdhub/model-gateway/internal/llmlog"
	"github.com/prdhub/model-gateway/internal/monitoring"
	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/ratelimit"
	"github.com/prdhub/model-gateway/internal/scheduler"
)

// Gateway wires every gateway concern behind one router.
type Gateway struct {
	cfg     *config.Config
	auth    *Authenticator
	sched   *scheduler.Scheduler
	limiter *ratelimit.Limiter
	logs    *llmlog.Writer
	tracker *monitoring.Tracker
	metrics *monitoring.MetricsCollector
	reg     *pool.Registry
	chat    ChatService
}

func New(cfg *config.Config, auth *Authenticator, sched *scheduler.Scheduler,
	limiter *ratelimit.Limiter, logs *llmlog.Writer, tracker *monitoring.Tracker,
	metrics *monitoring.MetricsCollector, reg *pool.Registry, chat ChatService) *Gateway {
	return &Gateway{
		cfg:     cfg,
		auth:    auth,
		sched:   sched,
		limiter: limiter,
		logs:    logs,
		tracker: tracker,
		metrics: metrics,
		reg:     reg,
		chat:    chat,
	}
}

// Router builds the HTTP surface. Routes are mounted both under /v1 and
// bare, since SDKs disagree about whether the base URL includes the
// version segment.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", g.handleHealth)

	mount := func(r chi.Router) {
		r.Get("/models", g.handleModels)
		r.Post("/chat/completions", g.handleChatCompletions)
		r.Get("/chat/completions", g.handleChatCompletions)
	}
	r.Route("/v1", mount)
	r.Group(mount)

	return r
}

// handleHealth reports gateway liveness, entry health and counters.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	entries := g.reg.AllEntries()
	byState := map[string]int{}
	for _, e := range entries {
		byState[string(e.Health)]++
	}

	health := map[string]any{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"entries": byState,
		"metrics": g.metrics.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleModels lists every model id routable through the registry plus the
// reserved agent model, in the OpenAI list shape.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	if _, ge := g.auth.Authenticate(r.Context(), r); ge != nil {
		writeError(w, ge)
		return
	}

	type modelItem struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	items := []modelItem{{ID: g.cfg.Agent.Model, Object: "model", Created: created, OwnedBy: "prdhub"}}
	for _, id := range g.reg.ModelIDs() {
		items = append(items, modelItem{ID: id, Object: "model", Created: created, OwnedBy: "prdhub"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   items,
	})
}

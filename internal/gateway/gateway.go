// Package gateway wires the tutoring chat pipeline into HTTP.
//
// DESIGN: Request flow:
//   - handleChat():           Entry point for POST /api/chat (multipart)
//   - streamDirect():         Plain completion streamed to the client
//   - streamResearch():       Deep-research pipeline with search fallback
//   - handleResearchStatus(): Caller-driven polling of a background job
//
// Also includes health check and the stats endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/courseloop/tutor-gateway/internal/compactor"
	"github.com/courseloop/tutor-gateway/internal/config"
	"github.com/courseloop/tutor-gateway/internal/monitoring"
	"github.com/courseloop/tutor-gateway/internal/research"
	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// SubjectHeader carries the caller's authenticated identity, set by the
// auth proxy in front of this service.
const SubjectHeader = "X-Student-ID"

// MemoryTokenHeader carries the memory token; takes precedence over the
// memoryToken form field.
const MemoryTokenHeader = "X-Memory-Token"

// ResearchModelSentinel selects the deep-research pipeline when sent as the
// model form field.
const ResearchModelSentinel = "deep-research"

// Completer is the upstream completion surface the gateway depends on.
type Completer interface {
	Complete(ctx context.Context, req upstream.Request) (string, error)
	CompleteStream(ctx context.Context, req upstream.Request, onDelta func(string) error) error
}

// Researcher is the deep-research surface the gateway depends on.
type Researcher interface {
	Rewrite(ctx context.Context, query string) string
	Kickoff(ctx context.Context, query, systemPrompt string) (string, error)
	Poll(ctx context.Context, jobID string) (research.Job, error)
	Lookup(query, systemPrompt string) (research.Result, bool)
	Store(query, systemPrompt string, res research.Result)
}

// Gateway handles tutoring chat requests.
type Gateway struct {
	cfg       *config.Config
	secret    []byte
	chat      Completer
	researchr Researcher
	compact   *compactor.Compactor
	metrics   *monitoring.MetricsCollector
	events    *monitoring.EventStore

	server *http.Server
}

// New creates a gateway. events may be nil when no stats database is
// configured.
func New(cfg *config.Config, chat Completer, researchr Researcher,
	compact *compactor.Compactor, metrics *monitoring.MetricsCollector,
	events *monitoring.EventStore) *Gateway {
	return &Gateway{
		cfg:       cfg,
		secret:    []byte(cfg.SigningSecret),
		chat:      chat,
		researchr: researchr,
		compact:   compact,
		metrics:   metrics,
		events:    events,
	}
}

// Routes returns the gateway's HTTP handler.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /api/research/{jobId}", g.handleResearchStatus)
	mux.HandleFunc("GET /api/stats", g.handleStats)
	mux.HandleFunc("GET /health", g.handleHealth)
	return mux
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (g *Gateway) Start() error {
	g.server = &http.Server{
		Addr:        g.cfg.Server.Addr,
		Handler:     g.Routes(),
		ReadTimeout: g.cfg.Server.ReadTimeout.Std(),
		// Write timeout is generous: research turns can stream for minutes.
		WriteTimeout: g.cfg.Server.WriteTimeout.Std(),
	}
	log.Info().Str("addr", g.cfg.Server.Addr).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}
	if g.events != nil {
		if err := g.events.Ping(r.Context()); err != nil {
			health["status"] = "degraded"
			health["events"] = err.Error()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

// handleStats returns aggregated metrics as JSON.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		monitoring.StatsResponse
		RecentModes map[string]int64 `json:"recent_modes,omitempty"`
	}{StatsResponse: g.metrics.FullStats()}

	if g.events != nil {
		if counts, err := g.events.CountByMode(r.Context()); err == nil {
			resp.RecentModes = counts
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Package httpapi exposes the gateway over an OpenAI-compatible HTTP
// surface: chat completions (unary and SSE), model listing, provider
// status, health, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/modelrelay/modelrelay/internal/chat"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
)

// Completer is the orchestrator surface the handlers invoke.
type Completer interface {
	Complete(ctx context.Context, req chat.Request) (*chat.Response, error)
	Stream(ctx context.Context, req chat.Request) (*chat.Stream, error)
}

// ModelReader lists the catalog for /v1/models.
type ModelReader interface {
	ListGlobalModels(ctx context.Context) ([]registry.GlobalModel, error)
}

// ProviderStatus reports circuit state for /v1/providers.
type ProviderStatus interface {
	Check(ctx context.Context, provider string) (health.Record, error)
}

type Dependencies struct {
	Orchestrator Completer
	Models       ModelReader
	Health       ProviderStatus
	ProviderIDs  func() []string
	// FreeProviders flags providers configured as free-tier; used by the
	// status listing.
	FreeProviders map[string]bool
	Metrics       *metrics.Registry
	Logger        *slog.Logger
}

func MountRoutes(r chi.Router, d Dependencies) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		adapterCount := len(d.ProviderIDs())
		status := http.StatusOK
		state := "ok"
		if adapterCount == 0 {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    state,
			"providers": adapterCount,
		})
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Post("/v1/chat/completions", ChatCompletionsHandler(d))
	r.Get("/v1/models", ModelsHandler(d))
	r.Get("/v1/providers", ProvidersHandler(d))
}

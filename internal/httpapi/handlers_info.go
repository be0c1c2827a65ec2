package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/health"
)

// ModelsHandler serves the OpenAI-compatible GET /v1/models listing from
// the registry catalog.
func ModelsHandler(d Dependencies) http.HandlerFunc {
	type modelObj struct {
		ID            string   `json:"id"`
		Object        string   `json:"object"`
		ContextWindow int      `json:"context_window,omitempty"`
		Capabilities  []string `json:"capabilities,omitempty"`
		IsFree        bool     `json:"is_free"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := d.Models.ListGlobalModels(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		data := make([]modelObj, 0, len(models))
		for _, m := range models {
			var caps []string
			if m.SupportsStreaming {
				caps = append(caps, "streaming")
			}
			if m.SupportsTools {
				caps = append(caps, "tools")
			}
			if m.SupportsVision {
				caps = append(caps, "vision")
			}
			data = append(data, modelObj{
				ID:            m.ID,
				Object:        "model",
				ContextWindow: m.ContextWindow,
				Capabilities:  caps,
				IsFree:        m.Free(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
		})
	}
}

// ProvidersHandler reports circuit state and success rate per configured
// provider.
func ProvidersHandler(d Dependencies) http.HandlerFunc {
	type providerObj struct {
		ID          string  `json:"id"`
		Circuit     string  `json:"circuit"`
		SuccessRate float64 `json:"success_rate"`
		Free        bool    `json:"free"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ids := d.ProviderIDs()
		data := make([]providerObj, 0, len(ids))
		for _, id := range ids {
			rec, err := d.Health.Check(r.Context(), id)
			if err != nil {
				rec = health.Record{Provider: id, Circuit: health.CircuitClosed}
			}
			data = append(data, providerObj{
				ID:          id,
				Circuit:     string(rec.Circuit),
				SuccessRate: rec.SuccessRate(),
				Free:        d.FreeProviders[id],
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"providers": data})
	}
}

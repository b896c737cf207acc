package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/l0p7/ursagate/internal/config"
)

// HealthReport is the health endpoint payload. SkippedDefinitions surfaces
// the rules the loader quarantined so operators spot broken documents without
// digging through startup logs.
type HealthReport struct {
	Status             string                  `json:"status"`
	Rules              []string                `json:"rules"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
}

// NewRouter composes the gateway surface with the operational endpoints.
// The gateway handler owns everything under /v1/hypixel/ and /_meta/.
func NewRouter(gateway http.Handler, metricsHandler http.Handler, health HealthReport) http.Handler {
	if gateway == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		})
	}
	if health.Status == "" {
		health.Status = "ok"
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/hypixel/", gateway)
	mux.Handle("/_meta/", gateway)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(health)
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// Tolerate the common aliases before giving up.
		if strings.Trim(r.URL.Path, "/") == "health" {
			http.Redirect(w, r, "/healthz", http.StatusPermanentRedirect)
			return
		}
		http.NotFound(w, r)
	})
	return mux
}

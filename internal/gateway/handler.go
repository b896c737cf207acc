package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Handler exposes the gateway's HTTP surface: the proxied rule routes plus
// the meta endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/hypixel/", g.handleRule)
	mux.HandleFunc("GET /_meta/principal", g.handlePrincipal)
	mux.HandleFunc("GET /_meta/version", g.handleVersion)
	return mux
}

type principalBody struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Anonymous bool      `json:"anonymous"`
}

// handlePrincipal echoes the authenticated caller's identity. Useful for
// clients debugging which credential actually took effect.
func (g *Gateway) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	result, err := g.broker.Authenticate(r.Context(), r.Header, g.allowAnonymous)
	if err != nil {
		status, kind, message := mapError(err)
		writeError(w, g.logger, status, kind, message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	setMintedHeaders(w, result)
	_ = json.NewEncoder(w).Encode(principalBody{
		ID:        result.Principal.ID,
		Name:      result.Principal.Name,
		IssuedAt:  result.Principal.IssuedAt,
		ExpiresAt: result.Principal.ExpiresAt,
		Anonymous: result.Principal.Anonymous,
	})
}

func (g *Gateway) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": g.version})
}

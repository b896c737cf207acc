package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/l0p7/ursagate/internal/config"
	"github.com/stretchr/testify/require"
)

func TestRouterDelegatesGatewayRoutes(t *testing.T) {
	var seen []string
	gateway := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})

	router := NewRouter(gateway, nil, HealthReport{Rules: []string{"player"}})
	server := httptest.NewServer(router)
	defer server.Close()

	for _, path := range []string{"/v1/hypixel/player/1234", "/_meta/version"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NoError(t, resp.Body.Close())
	}
	require.Equal(t, []string{"/v1/hypixel/player/1234", "/_meta/version"}, seen)
}

func TestRouterHealth(t *testing.T) {
	router := NewRouter(http.NotFoundHandler(), nil, HealthReport{
		Rules: []string{"player", "status"},
		SkippedDefinitions: []config.DefinitionSkip{
			{Name: "dup", Reason: "duplicate definition"},
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"status":"ok"`)
	require.Contains(t, rr.Body.String(), `"dup"`)
}

func TestRouterMetrics(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	router := NewRouter(http.NotFoundHandler(), metricsHandler, HealthReport{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "# metrics", rr.Body.String())
}

func TestRouterUnknownPath(t *testing.T) {
	router := NewRouter(http.NotFoundHandler(), nil, HealthReport{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouterNilGateway(t *testing.T) {
	router := NewRouter(nil, nil, HealthReport{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/hypixel/player", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/google/uuid"
	"github.com/l0p7/ursagate/internal/auth"
	"github.com/l0p7/ursagate/internal/expr"
	"github.com/l0p7/ursagate/internal/nbt"
	"github.com/l0p7/ursagate/internal/rules"
	"github.com/l0p7/ursagate/internal/store"
	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	profile auth.Profile
	joined  bool
	err     error
}

func (o *stubOracle) HasJoined(context.Context, string, string) (auth.Profile, bool, error) {
	return o.profile, o.joined, o.err
}

type fixture struct {
	expect       *httpexpect.Expect
	upstreamHits *atomic.Int32
	issuer       *auth.Issuer
	oracle       *stubOracle
	store        store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/profile":
			encoded, err := nbt.EncodeBase64(nbt.Compound{"id": nbt.String("DIAMOND_SWORD")})
			require.NoError(t, err)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"inventory": map[string]any{"data": encoded},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"path":    r.URL.Path,
				"query":   r.URL.RawQuery,
			})
		}
	}))
	t.Cleanup(upstream.Close)

	env, err := expr.NewEnvironment()
	require.NoError(t, err)
	table, err := rules.NewTable([]rules.Definition{
		{
			Name:             "player",
			UpstreamTemplate: upstream.URL + "/player",
			QueryArguments:   []string{"uuid"},
			TTL:              time.Minute,
		},
		{
			Name:             "status",
			UpstreamTemplate: upstream.URL + "/status",
			TTL:              time.Minute,
			Anonymous:        true,
		},
		{
			Name:             "guarded",
			UpstreamTemplate: upstream.URL + "/guarded",
			TTL:              time.Minute,
			Filter:           `principal.anonymous == false`,
			Anonymous:        true,
		},
		{
			Name:             "profile",
			UpstreamTemplate: upstream.URL + "/profile",
			QueryArguments:   []string{"uuid"},
			TTL:              time.Minute,
			Anonymous:        true,
			Normalize:        []string{"inventory.data"},
		},
	}, env, nil)
	require.NoError(t, err)

	issuer, err := auth.NewIssuer([]byte("gateway-test-secret"))
	require.NoError(t, err)
	oracle := &stubOracle{}
	st := store.NewMemory()

	coalescer := NewCoalescer(st, 200*time.Millisecond, nil, nil)
	gw := New(Deps{
		Table:     table,
		Broker:    auth.NewBroker(issuer, oracle, nil),
		Store:     st,
		Fetcher:   NewFetcher(upstream.Client(), "test-key", time.Second, nil),
		Coalescer: coalescer,
		Version:   "test-build",
	})

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &fixture{
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  server.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   server.Client(),
		}),
		upstreamHits: &hits,
		issuer:       issuer,
		oracle:       oracle,
		store:        st,
	}
}

func (f *fixture) bearer(t *testing.T, name string) string {
	t.Helper()
	token, err := f.issuer.Mint(auth.Principal{ID: uuid.New(), Name: name})
	require.NoError(t, err)
	return token.Signed
}

func TestDispatchUnknownRule(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/v1/hypixel/nope").Expect().
		Status(http.StatusNotFound).
		JSON().Path("$.error.kind").IsEqual(KindRuleNotFound)
}

func TestDispatchArityMismatch(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/v1/hypixel/player").Expect().
		Status(http.StatusBadRequest).
		JSON().Path("$.error.kind").IsEqual(KindArityMismatch)

	f.expect.GET("/v1/hypixel/player/a/b").Expect().
		Status(http.StatusBadRequest)
}

func TestDispatchRequiresCredentials(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/v1/hypixel/player/1234").Expect().
		Status(http.StatusUnauthorized).
		JSON().Path("$.error.kind").IsEqual(KindUnauthorized)
	require.Zero(t, f.upstreamHits.Load())
}

func TestDispatchBearerSuccessAndCacheHit(t *testing.T) {
	f := newFixture(t)
	token := f.bearer(t, "CoolGuy123")

	body := f.expect.GET("/v1/hypixel/player/1234").
		WithHeader(auth.HeaderToken, token).
		Expect().Status(http.StatusOK).JSON().Object()
	body.Value("success").IsEqual(true)
	body.Value("query").IsEqual("uuid=1234")
	require.Equal(t, int32(1), f.upstreamHits.Load())

	// Second request is served from the cache.
	f.expect.GET("/v1/hypixel/player/1234").
		WithHeader(auth.HeaderToken, token).
		Expect().Status(http.StatusOK)
	require.Equal(t, int32(1), f.upstreamHits.Load())

	// Different argument value means a different cache key.
	f.expect.GET("/v1/hypixel/player/5678").
		WithHeader(auth.HeaderToken, token).
		Expect().Status(http.StatusOK)
	require.Equal(t, int32(2), f.upstreamHits.Load())
}

func TestDispatchAnonymousRule(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/v1/hypixel/status").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("success").IsEqual(true)
}

func TestDispatchExpiredTokenRejected(t *testing.T) {
	f := newFixture(t)

	// Minted against a different secret, so verification fails.
	foreign, err := auth.NewIssuer([]byte("some-other-secret"))
	require.NoError(t, err)
	token, err := foreign.Mint(auth.Principal{ID: uuid.New(), Name: "Eve"})
	require.NoError(t, err)

	// The status rule allows anonymous access, but a presented bad token
	// must still fail hard instead of downgrading.
	f.expect.GET("/v1/hypixel/status").
		WithHeader(auth.HeaderToken, token.Signed).
		Expect().Status(http.StatusUnauthorized)
	require.Zero(t, f.upstreamHits.Load())
}

func TestDispatchSessionJoinMintsToken(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	f.oracle.profile = auth.Profile{ID: id, Name: "CoolGuy123"}
	f.oracle.joined = true

	resp := f.expect.GET("/v1/hypixel/player/1234").
		WithHeader(auth.HeaderUsername, "CoolGuy123").
		WithHeader(auth.HeaderServerID, "server-1").
		Expect().Status(http.StatusOK)

	minted := resp.Header(auth.HeaderToken).NotEmpty().Raw()
	resp.Header(auth.HeaderExpires).NotEmpty()

	// The minted token round-trips through the bearer path.
	principal, err := f.issuer.Verify(minted)
	require.NoError(t, err)
	require.Equal(t, id, principal.ID)
}

func TestDispatchFilterDenies(t *testing.T) {
	f := newFixture(t)

	// Anonymous callers reach the rule but its filter turns them away.
	f.expect.GET("/v1/hypixel/guarded").Expect().
		Status(http.StatusForbidden).
		JSON().Path("$.error.kind").IsEqual(KindForbidden)
	require.Zero(t, f.upstreamHits.Load())

	// An authenticated caller passes the same filter.
	f.expect.GET("/v1/hypixel/guarded").
		WithHeader(auth.HeaderToken, f.bearer(t, "CoolGuy123")).
		Expect().Status(http.StatusOK)
}

func TestDispatchNormalizesPayload(t *testing.T) {
	f := newFixture(t)

	body := f.expect.GET("/v1/hypixel/profile/1234").
		Expect().Status(http.StatusOK).JSON().Object()
	body.Path("$.inventory.data.id").IsEqual("DIAMOND_SWORD")
}

func TestDispatchUpstreamFailure(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(upstream.Close)

	table, err := rules.NewTable([]rules.Definition{{
		Name:             "status",
		UpstreamTemplate: upstream.URL + "/status",
		TTL:              time.Minute,
		Anonymous:        true,
	}}, nil, nil)
	require.NoError(t, err)

	issuer, err := auth.NewIssuer([]byte("gateway-test-secret"))
	require.NoError(t, err)
	st := store.NewMemory()
	gw := New(Deps{
		Table:     table,
		Broker:    auth.NewBroker(issuer, &stubOracle{}, nil),
		Store:     st,
		Fetcher:   NewFetcher(upstream.Client(), "test-key", time.Second, nil),
		Coalescer: NewCoalescer(st, 100*time.Millisecond, nil, nil),
	})
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	expect := httpexpect.Default(t, server.URL)
	expect.GET("/v1/hypixel/status").Expect().
		Status(http.StatusBadGateway).
		JSON().Path("$.error.kind").IsEqual(KindUpstreamFailed)

	// A failed fetch is not cached, so the next request tries upstream again.
	expect.GET("/v1/hypixel/status").Expect().Status(http.StatusBadGateway)
	require.Equal(t, int32(2), hits.Load())
}

func TestDispatchRecordsRuleHits(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/v1/hypixel/status").Expect().Status(http.StatusOK)
	f.expect.GET("/v1/hypixel/status").Expect().Status(http.StatusOK)

	type hitReader interface {
		RuleHits(key string) map[string]int64
	}
	hits := f.store.(hitReader).RuleHits(ruleHitsKey)
	require.Equal(t, int64(2), hits["status"])
}

func TestMetaVersion(t *testing.T) {
	f := newFixture(t)
	f.expect.GET("/_meta/version").Expect().
		Status(http.StatusOK).
		JSON().Object().Value("version").IsEqual("test-build")
}

func TestMetaPrincipal(t *testing.T) {
	f := newFixture(t)

	f.expect.GET("/_meta/principal").Expect().
		Status(http.StatusUnauthorized)

	body := f.expect.GET("/_meta/principal").
		WithHeader(auth.HeaderToken, f.bearer(t, "CoolGuy123")).
		Expect().Status(http.StatusOK).JSON().Object()
	body.Value("name").IsEqual("CoolGuy123")
	body.Value("anonymous").IsEqual(false)
}

// Package gateway is the request pipeline: resolve the rule, authenticate,
// evaluate the rule filter, then satisfy the request from the shared cache or
// a coalesced upstream fetch.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/ursagate/internal/auth"
	"github.com/l0p7/ursagate/internal/metrics"
	"github.com/l0p7/ursagate/internal/rules"
	"github.com/l0p7/ursagate/internal/store"
)

// ruleHitsKey is the shared-store diagnostics key holding per-rule request
// counters.
const ruleHitsKey = "diagnostics:rule-hits"

// Deps carries the collaborators the gateway dispatches through.
type Deps struct {
	Table     *rules.Table
	Broker    *auth.Broker
	Store     store.Store
	Fetcher   *Fetcher
	Coalescer *Coalescer
	Metrics   *metrics.Recorder
	Logger    *slog.Logger

	// AllowAnonymous grants anonymous access globally; individual rules can
	// also grant it for themselves.
	AllowAnonymous bool
	Version        string
}

// Gateway dispatches proxied requests end to end.
type Gateway struct {
	table      *rules.Table
	broker     *auth.Broker
	store      store.Store
	fetcher    *Fetcher
	coalescer  *Coalescer
	normalizer *Normalizer
	metrics    *metrics.Recorder
	logger     *slog.Logger

	allowAnonymous bool
	version        string
}

// New assembles the gateway pipeline.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "gateway"))
	return &Gateway{
		table:          deps.Table,
		broker:         deps.Broker,
		store:          deps.Store,
		fetcher:        deps.Fetcher,
		coalescer:      deps.Coalescer,
		normalizer:     NewNormalizer(deps.Metrics, deps.Logger),
		metrics:        deps.Metrics,
		logger:         logger,
		allowAnonymous: deps.AllowAnonymous,
		version:        deps.Version,
	}
}

// handleRule serves GET /v1/hypixel/<rule>/<args...>.
func (g *Gateway) handleRule(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	segments := splitSegments(strings.TrimPrefix(r.URL.Path, "/v1/hypixel"))
	resolved, err := g.table.Resolve(segments)
	if err != nil {
		status, kind, message := mapError(err)
		writeError(w, g.logger, status, kind, message)
		g.metrics.ObserveRequest(ruleLabel(resolved), status, false, time.Since(start))
		return
	}
	rule := resolved.Rule

	result, err := g.broker.Authenticate(ctx, r.Header, g.allowAnonymous || rule.Anonymous)
	if err != nil {
		status, kind, message := mapError(err)
		writeError(w, g.logger, status, kind, message)
		g.metrics.ObserveAuth(kind)
		g.metrics.ObserveRequest(rule.Name, status, false, time.Since(start))
		return
	}
	g.metrics.ObserveAuth(authOutcome(result))

	allowed, err := rule.EvalFilter(result.Principal.AsMap(), resolved.ArgsByName())
	if err != nil {
		// A filter that cannot be evaluated fails closed.
		g.logger.ErrorContext(ctx, "rule filter evaluation failed",
			slog.String("rule", rule.Name), slog.Any("error", err))
		allowed = false
	}
	if !allowed {
		writeError(w, g.logger, http.StatusForbidden, KindForbidden, "rule filter denied the request")
		g.metrics.ObserveRequest(rule.Name, http.StatusForbidden, false, time.Since(start))
		return
	}

	if err := g.store.IncrRuleHit(ctx, ruleHitsKey, rule.Name); err != nil {
		g.logger.DebugContext(ctx, "rule hit counter update failed",
			slog.String("rule", rule.Name), slog.Any("error", err))
	}

	entry, fromCache, err := g.coalescer.GetOrFetch(ctx, rule.Name, resolved.CacheKey, rule.TTL, func(fetchCtx context.Context) (store.Entry, error) {
		fetchStart := time.Now()
		payload, contentType, err := g.fetcher.Fetch(fetchCtx, resolved.UpstreamURL)
		if err != nil {
			g.metrics.ObserveUpstreamFetch(rule.Name, "error", time.Since(fetchStart))
			return store.Entry{}, err
		}
		g.metrics.ObserveUpstreamFetch(rule.Name, "ok", time.Since(fetchStart))
		return store.Entry{
			Payload:     g.normalizer.Normalize(rule, payload),
			ContentType: contentType,
			FetchedAt:   time.Now().UTC(),
		}, nil
	})
	if err != nil {
		status, kind, message := mapError(err)
		writeError(w, g.logger, status, kind, message)
		g.metrics.ObserveRequest(rule.Name, status, false, time.Since(start))
		return
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	setMintedHeaders(w, result)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Payload)

	g.metrics.ObserveRequest(rule.Name, http.StatusOK, fromCache, time.Since(start))
}

// setMintedHeaders returns a freshly minted token to a session-join client so
// its next request can take the cheap bearer path.
func setMintedHeaders(w http.ResponseWriter, result auth.Result) {
	if result.Minted == nil {
		return
	}
	w.Header().Set(auth.HeaderToken, result.Minted.Signed)
	w.Header().Set(auth.HeaderExpires, result.Minted.ExpiresAt.UTC().Format(time.RFC3339))
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func ruleLabel(resolved *rules.Resolved) string {
	if resolved == nil {
		return ""
	}
	return resolved.Rule.Name
}

func authOutcome(result auth.Result) string {
	switch {
	case result.Principal.Anonymous:
		return "anonymous"
	case result.Minted != nil:
		return "session-join"
	default:
		return "bearer"
	}
}

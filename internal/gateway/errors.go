package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/l0p7/ursagate/internal/auth"
	"github.com/l0p7/ursagate/internal/rules"
)

// Error kinds exposed in structured error bodies. Clients switch on the kind;
// the message is for humans.
const (
	KindRuleNotFound    = "rule_not_found"
	KindArityMismatch   = "arity_mismatch"
	KindUnauthorized    = "unauthorized"
	KindForbidden       = "forbidden"
	KindUpstreamFailed  = "upstream_failed"
	KindUpstreamTimeout = "upstream_timeout"
	KindAuthUnavailable = "auth_unavailable"
)

// UpstreamFetchError reports a failed upstream API call. Timeout
// distinguishes a deadline breach (504) from every other failure (502).
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("gateway: upstream fetch %s timed out", e.URL)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway: upstream fetch %s returned status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("gateway: upstream fetch %s: %v", e.URL, e.Err)
	}
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// ErrWaitExhausted reports that a waiter gave up before a cache entry
// appeared and before it could take over leadership.
var ErrWaitExhausted = errors.New("gateway: gave up waiting for in-flight fetch")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError emits the structured JSON error body. Every error response
// carries a fresh id so a client report can be matched to a log line.
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, kind, message string) {
	id := uuid.NewString()
	if logger != nil {
		logger.Warn("request failed",
			slog.String("errorId", id),
			slog.String("kind", kind),
			slog.Int("status", status),
			slog.String("message", message))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{ID: id, Kind: kind, Message: message}})
}

// mapError translates pipeline errors into a status plus error kind.
func mapError(err error) (int, string, string) {
	var arity *rules.ArityError
	switch {
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound, KindRuleNotFound, "no rule matches the requested path"
	case errors.As(err, &arity):
		return http.StatusBadRequest, KindArityMismatch,
			fmt.Sprintf("%s expects %d arguments, received %d", arity.Rule, arity.Expected, arity.Received)
	}

	if unauthorized, ok := auth.AsUnauthorized(err); ok {
		return http.StatusUnauthorized, KindUnauthorized,
			strings.TrimPrefix(unauthorized.Error(), "auth: ")
	}
	var unavailable *auth.OracleUnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusBadGateway, KindAuthUnavailable, "session verification service unavailable"
	}

	var fetch *UpstreamFetchError
	if errors.As(err, &fetch) {
		if fetch.Timeout {
			return http.StatusGatewayTimeout, KindUpstreamTimeout, "upstream request timed out"
		}
		return http.StatusBadGateway, KindUpstreamFailed, "upstream request failed"
	}
	if errors.Is(err, ErrWaitExhausted) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, KindUpstreamTimeout, "timed out waiting for upstream data"
	}

	return http.StatusBadGateway, KindUpstreamFailed, "request could not be completed"
}

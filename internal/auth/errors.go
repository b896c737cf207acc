package auth

import (
	"errors"
	"fmt"
)

// Reason classifies why authentication failed, so handlers can emit the
// right structured error body without parsing message text.
type Reason string

const (
	ReasonInvalidToken       Reason = "invalid-token"
	ReasonExpiredToken       Reason = "expired-token"
	ReasonProofRejected      Reason = "session-proof-rejected"
	ReasonMissingCredentials Reason = "missing-credentials"
)

// UnauthorizedError is terminal for the request: retrying a bad credential
// cannot succeed, so callers map it straight to a 401.
type UnauthorizedError struct {
	Reason Reason
}

func (e *UnauthorizedError) Error() string {
	switch e.Reason {
	case ReasonInvalidToken, ReasonExpiredToken:
		return "auth: token invalid or expired"
	case ReasonProofRejected:
		return "auth: session proof rejected"
	default:
		return "auth: no credentials supplied"
	}
}

// OracleUnavailableError reports that the identity oracle could not be
// reached, distinct from a rejected proof so operators can tell "client is
// wrong" from "oracle is down".
type OracleUnavailableError struct {
	Err error
}

func (e *OracleUnavailableError) Error() string {
	return fmt.Sprintf("auth: identity oracle unavailable: %v", e.Err)
}

func (e *OracleUnavailableError) Unwrap() error { return e.Err }

// AsUnauthorized extracts an UnauthorizedError if err carries one.
func AsUnauthorized(err error) (*UnauthorizedError, bool) {
	var unauthorized *UnauthorizedError
	if errors.As(err, &unauthorized) {
		return unauthorized, true
	}
	return nil, false
}

// Package auth implements the gateway's two-tier authentication: locally
// verified bearer credentials, with a session-join proof against the Mojang
// session oracle as the bootstrap path that mints them.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Request headers carrying credentials, and the response header returning a
// freshly minted token.
const (
	HeaderToken    = "x-ursa-token"
	HeaderUsername = "x-ursa-username"
	HeaderServerID = "x-ursa-serverid"
	HeaderExpires  = "x-ursa-expires"
)

// anonymousName labels the fixed principal handed out when anonymous access
// applies.
const anonymousName = "CoolGuy123"

// Result is a successful authentication. Minted is non-nil only on the
// session-join path, where the handler must return the new token to the
// client.
type Result struct {
	Principal Principal
	Minted    *Token
}

// Broker arbitrates the two verification paths. Stateless apart from its
// collaborators; safe for concurrent use.
type Broker struct {
	issuer *Issuer
	oracle SessionOracle
	logger *slog.Logger
	now    func() time.Time
}

// NewBroker wires the broker to its issuer and session oracle.
func NewBroker(issuer *Issuer, oracle SessionOracle, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		issuer: issuer,
		oracle: oracle,
		logger: logger.With(slog.String("agent", "auth")),
		now:    time.Now,
	}
}

// Authenticate resolves the caller's identity from request headers.
//
// Order: the bearer path, then the session-join path, then the anonymous
// fallback when permitted for the target. Presented credentials always win
// over the anonymous fallback, and a presented-but-bad token fails hard
// rather than falling through, so an expired credential can never silently
// downgrade to anonymous or to a fresh oracle round-trip.
func (b *Broker) Authenticate(ctx context.Context, headers http.Header, allowAnonymous bool) (Result, error) {
	if signed := headers.Get(HeaderToken); signed != "" {
		principal, err := b.issuer.Verify(signed)
		if err != nil {
			return Result{}, err
		}
		return Result{Principal: principal}, nil
	}

	username := headers.Get(HeaderUsername)
	serverID := headers.Get(HeaderServerID)
	if username != "" && serverID != "" {
		profile, joined, err := b.oracle.HasJoined(ctx, username, serverID)
		if err != nil {
			b.logger.WarnContext(ctx, "identity oracle check failed",
				slog.String("username", username), slog.Any("error", err))
			return Result{}, err
		}
		if !joined {
			return Result{}, &UnauthorizedError{Reason: ReasonProofRejected}
		}

		principal := Principal{ID: profile.ID, Name: profile.Name}
		token, err := b.issuer.Mint(principal)
		if err != nil {
			return Result{}, err
		}
		principal.IssuedAt = b.now().UTC()
		principal.ExpiresAt = token.ExpiresAt

		b.logger.InfoContext(ctx, "session proof accepted",
			slog.String("player", profile.Name))
		return Result{Principal: principal, Minted: &token}, nil
	}

	if allowAnonymous {
		now := b.now().UTC()
		return Result{Principal: Principal{
			ID:        uuid.Nil,
			Name:      anonymousName,
			IssuedAt:  now,
			ExpiresAt: now.Add(TokenTTL),
			Anonymous: true,
		}}, nil
	}

	return Result{}, &UnauthorizedError{Reason: ReasonMissingCredentials}
}

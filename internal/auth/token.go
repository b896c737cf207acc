package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTTL is the fixed bearer credential lifetime: expiry is always exactly
// one hour past issuance.
const TokenTTL = time.Hour

// Principal identifies an authenticated caller.
type Principal struct {
	ID        uuid.UUID
	Name      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Anonymous bool
}

// AsMap exposes the principal to CEL rule filters.
func (p Principal) AsMap() map[string]any {
	return map[string]any{
		"id":        p.ID.String(),
		"name":      p.Name,
		"anonymous": p.Anonymous,
	}
}

type principalClaims struct {
	jwt.RegisteredClaims
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
}

// Token is a freshly minted bearer credential for the client to reuse until
// expiry.
type Token struct {
	Signed    string
	ExpiresAt time.Time
}

// Issuer mints and verifies self-contained HS256 bearer credentials. No
// server-side session state: the signature over the claim set is the whole
// verification story.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer builds an issuer around the server-held symmetric key.
func NewIssuer(secret []byte) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: signing secret required")
	}
	return &Issuer{secret: secret, now: time.Now}, nil
}

// Mint issues a credential for the principal with expiry = now + TokenTTL.
func (i *Issuer) Mint(principal Principal) (Token, error) {
	now := i.now().UTC()
	claims := principalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "ursagate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
		PlayerID: principal.ID.String(),
		Name:     principal.Name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return Token{Signed: signed, ExpiresAt: now.Add(TokenTTL)}, nil
}

// Verify checks the signature and validity window locally, with no external
// call. Expired and malformed tokens are distinguished for the error body
// but both fail hard.
func (i *Issuer) Verify(signed string) (Principal, error) {
	claims := &principalClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, &UnauthorizedError{Reason: ReasonExpiredToken}
		}
		return Principal{}, &UnauthorizedError{Reason: ReasonInvalidToken}
	}
	if !token.Valid {
		return Principal{}, &UnauthorizedError{Reason: ReasonInvalidToken}
	}

	id, err := uuid.Parse(claims.PlayerID)
	if err != nil {
		return Principal{}, &UnauthorizedError{Reason: ReasonInvalidToken}
	}
	principal := Principal{ID: id, Name: claims.Name}
	if claims.IssuedAt != nil {
		principal.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

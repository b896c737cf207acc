// Package store provides the shared cache and lease store behind the
// gateway's response cache and cross-process request coalescing. All mutation
// goes through atomic primitives so multiple gateway instances can share one
// backend without in-process locking.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is a cached upstream response, stored in normalized form so cache
// hits never pay the payload decode cost again.
type Entry struct {
	Payload     json.RawMessage `json:"payload"`
	ContentType string          `json:"contentType"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// Age reports how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Fresh reports whether the entry is still inside its freshness horizon.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Age(now) < ttl
}

// Store is the atomic key-value surface the coalescing engine runs on.
// AcquireLease is a conditional create: exactly one concurrent caller per key
// observes true. The lease carries its own TTL as the backstop against a
// leader that never finishes.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
	// IncrRuleHit bumps the per-rule request diagnostics counter. Best
	// effort; callers ignore failures.
	IncrRuleHit(ctx context.Context, key, member string) error
	Close(ctx context.Context) error
}

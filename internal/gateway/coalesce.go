package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/l0p7/ursagate/internal/metrics"
	"github.com/l0p7/ursagate/internal/store"
)

// FetchFunc produces a fresh entry for a cache key. Called at most once per
// key per lease window across every gateway instance sharing the store.
type FetchFunc func(ctx context.Context) (store.Entry, error)

// Coalescer arbitrates cache misses through the shared store so concurrent
// requests for the same key, across processes, collapse into one upstream
// fetch. The store is the only coordination channel; there is no in-process
// locking to defeat multi-instance deployments.
type Coalescer struct {
	store    store.Store
	leaseTTL time.Duration
	metrics  *metrics.Recorder
	logger   *slog.Logger

	// waitInitial and waitMax shape the waiter poll cadence; overridden in
	// tests to keep them fast.
	waitInitial time.Duration
	waitMax     time.Duration
}

// NewCoalescer wires the coalescer to its store. leaseTTL bounds how long a
// crashed leader can block a key.
func NewCoalescer(st store.Store, leaseTTL time.Duration, recorder *metrics.Recorder, logger *slog.Logger) *Coalescer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coalescer{
		store:       st,
		leaseTTL:    leaseTTL,
		metrics:     recorder,
		logger:      logger.With(slog.String("agent", "coalesce")),
		waitInitial: 25 * time.Millisecond,
		waitMax:     250 * time.Millisecond,
	}
}

// GetOrFetch returns the entry for key, fetching it through fetch on a miss.
// The bool reports whether the entry came from the cache.
//
// Misses elect a leader via the store lease. The leader fetches on a context
// detached from the client request, so a disconnecting client never cancels
// work that other waiters depend on. Waiters poll with exponential backoff
// until the entry lands or the lease window passes, then retry leadership,
// bounded overall by a few lease windows. Store failures degrade to an
// uncoalesced direct fetch rather than failing the request.
func (c *Coalescer) GetOrFetch(ctx context.Context, rule, key string, ttl time.Duration, fetch FetchFunc) (store.Entry, bool, error) {
	entry, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(rule, metrics.CacheError)
		c.logger.WarnContext(ctx, "cache read failed, fetching directly",
			slog.String("key", key), slog.Any("error", err))
		return c.fetchDirect(ctx, rule, key, ttl, fetch)
	case ok && entry.Fresh(time.Now(), ttl):
		c.metrics.ObserveCacheLookup(rule, metrics.CacheHit)
		return entry, true, nil
	case ok:
		c.metrics.ObserveCacheLookup(rule, metrics.CacheStale)
	default:
		c.metrics.ObserveCacheLookup(rule, metrics.CacheMiss)
	}

	deadline := time.Now().Add(3 * c.leaseTTL)
	for {
		acquired, err := c.store.AcquireLease(ctx, key, c.leaseTTL)
		if err != nil {
			c.logger.WarnContext(ctx, "lease acquisition failed, fetching directly",
				slog.String("key", key), slog.Any("error", err))
			return c.fetchDirect(ctx, rule, key, ttl, fetch)
		}
		if acquired {
			entry, err := c.lead(ctx, rule, key, ttl, fetch)
			return entry, false, err
		}

		entry, ok, err := c.await(ctx, rule, key, ttl)
		if err != nil {
			return store.Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}
		if time.Now().After(deadline) {
			return store.Entry{}, false, ErrWaitExhausted
		}
		// Lease window passed without an entry; contend for leadership.
	}
}

// lead runs the single upstream fetch for a key. A failed fetch releases the
// lease without writing, so the cache is never poisoned and the next caller
// can retry immediately.
func (c *Coalescer) lead(ctx context.Context, rule, key string, ttl time.Duration, fetch FetchFunc) (store.Entry, error) {
	c.metrics.ObserveCoalesce(rule, metrics.CoalesceLeader)

	// Waiters on other connections depend on this fetch completing, so it
	// must survive this client hanging up.
	detached := context.WithoutCancel(ctx)

	entry, err := fetch(detached)
	if err != nil {
		if releaseErr := c.store.ReleaseLease(detached, key); releaseErr != nil {
			c.logger.Warn("lease release failed",
				slog.String("key", key), slog.Any("error", releaseErr))
		}
		return store.Entry{}, err
	}

	if err := c.store.Set(detached, key, entry, ttl); err != nil {
		c.logger.Warn("cache write failed",
			slog.String("key", key), slog.Any("error", err))
	}
	if err := c.store.ReleaseLease(detached, key); err != nil {
		c.logger.Warn("lease release failed",
			slog.String("key", key), slog.Any("error", err))
	}
	return entry, nil
}

// await polls for the entry the current leader is producing. Returns
// (entry, true, nil) when it lands, (zero, false, nil) when the lease window
// elapses without one.
func (c *Coalescer) await(ctx context.Context, rule, key string, ttl time.Duration) (store.Entry, bool, error) {
	c.metrics.ObserveCoalesce(rule, metrics.CoalesceWaiter)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.waitInitial
	policy.MaxInterval = c.waitMax

	windowEnd := time.Now().Add(c.leaseTTL)
	for time.Now().Before(windowEnd) {
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return store.Entry{}, false, ctx.Err()
		case <-time.After(wait):
		}

		entry, ok, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "cache read failed while waiting",
				slog.String("key", key), slog.Any("error", err))
			return store.Entry{}, false, nil
		}
		if ok && entry.Fresh(time.Now(), ttl) {
			return entry, true, nil
		}
	}
	return store.Entry{}, false, nil
}

// fetchDirect bypasses coalescing when the store cannot arbitrate. The write
// back is best effort.
func (c *Coalescer) fetchDirect(ctx context.Context, rule, key string, ttl time.Duration, fetch FetchFunc) (store.Entry, bool, error) {
	c.metrics.ObserveCoalesce(rule, metrics.CoalesceDirect)
	entry, err := fetch(context.WithoutCancel(ctx))
	if err != nil {
		return store.Entry{}, false, err
	}
	if err := c.store.Set(ctx, key, entry, ttl); err != nil {
		c.logger.WarnContext(ctx, "cache write failed",
			slog.String("key", key), slog.Any("error", err))
	}
	return entry, false, nil
}

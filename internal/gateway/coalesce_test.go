package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/ursagate/internal/store"
	"github.com/stretchr/testify/require"
)

func testCoalescer(st store.Store, leaseTTL time.Duration) *Coalescer {
	c := NewCoalescer(st, leaseTTL, nil, nil)
	c.waitInitial = 2 * time.Millisecond
	c.waitMax = 10 * time.Millisecond
	return c
}

func testEntry(payload string) store.Entry {
	return store.Entry{
		Payload:     json.RawMessage(payload),
		ContentType: "application/json",
		FetchedAt:   time.Now().UTC(),
	}
}

func TestGetOrFetchFreshHitSkipsFetch(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.Set(ctx, "player:1", testEntry(`{"a":1}`), time.Minute))

	c := testCoalescer(st, 100*time.Millisecond)
	entry, fromCache, err := c.GetOrFetch(ctx, "player", "player:1", time.Minute, func(context.Context) (store.Entry, error) {
		t.Fatal("fetch must not run on a fresh hit")
		return store.Entry{}, nil
	})
	require.NoError(t, err)
	require.True(t, fromCache)
	require.JSONEq(t, `{"a":1}`, string(entry.Payload))
}

func TestGetOrFetchConcurrentMissFetchesOnce(t *testing.T) {
	st := store.NewMemory()
	c := testCoalescer(st, 500*time.Millisecond)

	var fetches atomic.Int32
	fetch := func(context.Context) (store.Entry, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return testEntry(`{"fetched":true}`), nil
	}

	const clients = 16
	var wg sync.WaitGroup
	payloads := make([]string, clients)
	errs := make([]error, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, _, err := c.GetOrFetch(context.Background(), "player", "player:1", time.Minute, fetch)
			payloads[i] = string(entry.Payload)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), fetches.Load(), "concurrent misses must collapse into one fetch")
	for i := 0; i < clients; i++ {
		require.NoError(t, errs[i])
		require.JSONEq(t, `{"fetched":true}`, payloads[i])
	}
}

func TestGetOrFetchLeaderFailureReleasesLease(t *testing.T) {
	st := store.NewMemory()
	c := testCoalescer(st, 200*time.Millisecond)
	ctx := context.Background()

	fetchErr := errors.New("upstream exploded")
	_, _, err := c.GetOrFetch(ctx, "player", "player:1", time.Minute, func(context.Context) (store.Entry, error) {
		return store.Entry{}, fetchErr
	})
	require.ErrorIs(t, err, fetchErr)

	// Nothing was cached and the lease is free again, so the next caller
	// becomes leader immediately.
	_, ok, err := st.Get(ctx, "player:1")
	require.NoError(t, err)
	require.False(t, ok, "a failed fetch must not poison the cache")

	entry, fromCache, err := c.GetOrFetch(ctx, "player", "player:1", time.Minute, func(context.Context) (store.Entry, error) {
		return testEntry(`{"retry":true}`), nil
	})
	require.NoError(t, err)
	require.False(t, fromCache)
	require.JSONEq(t, `{"retry":true}`, string(entry.Payload))
}

func TestGetOrFetchLeaderSurvivesClientDisconnect(t *testing.T) {
	st := store.NewMemory()
	c := testCoalescer(st, 500*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	fetched := make(chan struct{})
	entry, fromCache, err := c.GetOrFetch(ctx, "player", "player:1", time.Minute, func(fetchCtx context.Context) (store.Entry, error) {
		cancel()
		select {
		case <-fetchCtx.Done():
			t.Error("leader fetch context must not inherit client cancellation")
		default:
		}
		close(fetched)
		return testEntry(`{"survived":true}`), nil
	})
	<-fetched
	require.NoError(t, err)
	require.False(t, fromCache)
	require.JSONEq(t, `{"survived":true}`, string(entry.Payload))
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (store.Entry, bool, error) {
	return store.Entry{}, false, errors.New("store down")
}
func (brokenStore) Set(context.Context, string, store.Entry, time.Duration) error {
	return errors.New("store down")
}
func (brokenStore) AcquireLease(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("store down")
}
func (brokenStore) ReleaseLease(context.Context, string) error    { return errors.New("store down") }
func (brokenStore) IncrRuleHit(context.Context, string, string) error {
	return errors.New("store down")
}
func (brokenStore) Close(context.Context) error { return nil }

func TestGetOrFetchDegradesWhenStoreUnavailable(t *testing.T) {
	c := testCoalescer(brokenStore{}, 100*time.Millisecond)

	var fetches atomic.Int32
	entry, fromCache, err := c.GetOrFetch(context.Background(), "player", "player:1", time.Minute, func(context.Context) (store.Entry, error) {
		fetches.Add(1)
		return testEntry(`{"direct":true}`), nil
	})
	require.NoError(t, err)
	require.False(t, fromCache)
	require.Equal(t, int32(1), fetches.Load())
	require.JSONEq(t, `{"direct":true}`, string(entry.Payload))
}

func TestGetOrFetchWaiterExhaustion(t *testing.T) {
	st := store.NewMemory()
	c := testCoalescer(st, 30*time.Millisecond)
	ctx := context.Background()

	// Pin the lease externally and keep re-pinning so every leadership
	// attempt loses and no entry ever appears.
	acquired, err := st.AcquireLease(ctx, "player:1", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	_, _, err = c.GetOrFetch(ctx, "player", "player:1", time.Minute, func(context.Context) (store.Entry, error) {
		t.Fatal("fetch must not run while another holder owns the lease")
		return store.Entry{}, nil
	})
	require.ErrorIs(t, err, ErrWaitExhausted)
}

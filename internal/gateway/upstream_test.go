package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetcherSendsAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret-key", r.Header.Get("API-Key"))
		require.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	f := NewFetcher(server.Client(), "secret-key", time.Second, nil)
	payload, contentType, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true}`, string(payload))
	require.Equal(t, "application/json", contentType)
}

func TestFetcherOmitsEmptyAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["Api-Key"]
		require.False(t, present, "API-Key header must be absent when unconfigured")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := NewFetcher(server.Client(), "", time.Second, nil)
	_, _, err := f.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
}

func TestFetcherNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher(server.Client(), "key", time.Second, nil)
	_, _, err := f.Fetch(context.Background(), server.URL)
	var fetchErr *UpstreamFetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
	require.False(t, fetchErr.Timeout)
}

func TestFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer func() {
		close(release)
		server.Close()
	}()

	f := NewFetcher(server.Client(), "key", 20*time.Millisecond, nil)
	_, _, err := f.Fetch(context.Background(), server.URL)
	var fetchErr *UpstreamFetchError
	require.True(t, errors.As(err, &fetchErr))
	require.True(t, fetchErr.Timeout)
}

func TestFetcherTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // refuse connections

	f := NewFetcher(http.DefaultClient, "key", time.Second, nil)
	_, _, err := f.Fetch(context.Background(), server.URL)
	var fetchErr *UpstreamFetchError
	require.True(t, errors.As(err, &fetchErr))
	require.False(t, fetchErr.Timeout)
}

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxUpstreamBody caps how much of an upstream response is buffered. Hypixel
// payloads top out well below this even for large profiles.
const maxUpstreamBody = 16 << 20

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher performs the single upstream GET for a cache miss.
type Fetcher struct {
	client  httpDoer
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewFetcher builds the upstream client. A nil client falls back to
// http.DefaultClient; the per-request deadline comes from timeout.
func NewFetcher(client httpDoer, apiKey string, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:  client,
		apiKey:  apiKey,
		timeout: timeout,
		logger:  logger.With(slog.String("agent", "upstream")),
	}
}

// Fetch issues the GET and returns the raw payload plus its content type.
// Failures come back as *UpstreamFetchError so the handler can map status.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &UpstreamFetchError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("API-Key", f.apiKey)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return nil, "", &UpstreamFetchError{URL: url, Timeout: timeout, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxUpstreamBody))
		return nil, "", &UpstreamFetchError{URL: url, StatusCode: resp.StatusCode}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		return nil, "", &UpstreamFetchError{URL: url, Timeout: timeout, Err: err}
	}

	f.logger.Debug("upstream fetch complete",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)))

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return payload, contentType, nil
}

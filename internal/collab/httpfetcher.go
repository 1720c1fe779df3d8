package collab

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPFetcherConfig tunes the default Fetcher implementation.
type HTTPFetcherConfig struct {
	UserAgent         string
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
}

func (c HTTPFetcherConfig) withDefaults() HTTPFetcherConfig {
	if c.UserAgent == "" {
		c.UserAgent = "crawld/1.0 (+https://github.com/khryptorgraphics/crawld)"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 10 << 20
	}
	return c
}

// HTTPFetcher is the plane's default Fetcher: a plain GET of the
// task's URL, rate-limited per process. Platform-specific extraction
// (title/body/links) is left to a real crawler; this implementation
// fills in only what a generic HTTP response can tell it, so the
// dedup/storage pipeline has something to exercise end to end.
type HTTPFetcher struct {
	client  *http.Client
	cfg     HTTPFetcherConfig
	limiter *rate.Limiter
}

// NewHTTPFetcher builds an HTTPFetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) *HTTPFetcher {
	cfg = cfg.withDefaults()
	return &HTTPFetcher{
		client:  &http.Client{Timeout: 20 * time.Second},
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (Content, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return Content{}, fmt.Errorf("httpfetcher: rate limiter: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Content{}, fmt.Errorf("httpfetcher: build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return Content{}, fmt.Errorf("httpfetcher: request %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Content{}, &HTTPStatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return Content{}, fmt.Errorf("httpfetcher: read body %s: %w", req.URL, err)
	}

	return Content{
		Title:       req.URL,
		Body:        string(body),
		PublishTime: time.Now(),
	}, nil
}

// HTTPStatusError carries the response status so the recovery engine
// can classify it via HTTPStatusOverride.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("httpfetcher: %s returned status %d", e.URL, e.StatusCode)
}

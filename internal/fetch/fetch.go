// Package fetch provides the external-fetch capability data sources depend
// on. Adapters never talk to the network directly; they are handed a Fetcher,
// which makes every adapter testable with a fake and concentrates the
// retry/backoff/circuit-breaker policy in one place.
//
// Timeouts are deadline-based: each attempt runs under a context deadline and
// the whole call obeys caller cancellation. Retries use exponential backoff
// capped at a maximum interval.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sony/gobreaker"

	"github.com/phenology/springtime/internal/logger"
)

// Request describes one remote call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the successful result of a remote call.
type Response struct {
	Status int
	Body   []byte
}

// Fetcher is the capability contract adapters receive.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a plain function to the Fetcher interface. Tests use it for
// call-counting fakes.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Fetch(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// BackoffConfig controls retry behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config bundles the HTTP client and resilience settings.
type Config struct {
	Timeout time.Duration
	Backoff BackoffConfig
}

// DefaultConfig matches the per-source download policy: three retries with
// exponential backoff starting at one second, thirty seconds per attempt.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Backoff: BackoffConfig{
			MaxRetries:      3,
			InitialInterval: 1 * time.Second,
			MaxInterval:     30 * time.Second,
		},
	}
}

// HTTPFetcher performs real HTTP calls with retries, exponential backoff and
// a circuit breaker per remote host.
type HTTPFetcher struct {
	client  *http.Client
	cfg     Config
	circuit *gobreaker.CircuitBreaker
}

// NewHTTPFetcher creates a fetcher for one remote source. The name labels the
// circuit breaker in logs.
func NewHTTPFetcher(name string, cfg Config) *HTTPFetcher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})
	return &HTTPFetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		circuit: cb,
	}
}

var (
	errRateLimited = errors.New("rate limited")
	errServerError = errors.New("server error")
)

// Fetch executes the request with the resilience policy. Client errors (4xx)
// surface immediately as ExternalFetchError; transport failures, timeouts,
// rate limiting and server errors are retried, and exhausting the attempts
// yields a TimeoutError.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	attempts := f.cfg.Backoff.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt > 0 {
			delay := f.cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt-1)))
			if f.cfg.Backoff.MaxInterval > 0 && delay > f.cfg.Backoff.MaxInterval {
				delay = f.cfg.Backoff.MaxInterval
			}
			logger.Debug("Retrying %s %s in %s (attempt %d/%d)", req.Method, req.URL, delay, attempt+1, attempts)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := f.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		var ferr *ExternalFetchError
		if errors.As(err, &ferr) && ferr.Status >= 400 && ferr.Status < 500 && ferr.Status != http.StatusTooManyRequests {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("circuit breaker open for %s: %w", req.URL, err)
		}
		lastErr = err
	}

	return nil, &TimeoutError{
		Op:       fmt.Sprintf("%s %s", req.Method, req.URL),
		Attempts: attempts,
		Err:      lastErr,
	}
}

func (f *HTTPFetcher) attempt(ctx context.Context, req Request) (*Response, error) {
	result, err := f.circuit.Execute(func() (interface{}, error) {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
		if err != nil {
			return nil, err
		}
		for name, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(name, v)
			}
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, &ExternalFetchError{URL: req.URL, Status: resp.StatusCode, Reason: errRateLimited.Error()}
		}
		if resp.StatusCode >= 500 {
			return nil, &ExternalFetchError{URL: req.URL, Status: resp.StatusCode, Reason: errServerError.Error()}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ExternalFetchError{URL: req.URL, Status: resp.StatusCode, Reason: "unexpected status"}
		}
		return &Response{Status: resp.StatusCode, Body: data}, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

// Download fetches a URL and writes the body to dest atomically (temp file
// plus rename), creating parent directories as needed.
func Download(ctx context.Context, f Fetcher, url, dest string) error {
	resp, err := f.Fetch(ctx, Request{Method: http.MethodGet, URL: url})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, resp.Body, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", dest, err)
	}
	return nil
}

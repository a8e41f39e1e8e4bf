package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/web3-frozen/reserve-monitor/internal/metrics"
)

const (
	defaultTimeout      = 25 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 900 * time.Millisecond
)

var (
	// ErrMissingCredential is returned before any I/O when a provider key is not configured.
	ErrMissingCredential = errors.New("missing provider credential")

	// ErrRateLimited is wrapped by the UpstreamError returned once the retry budget is spent on 429s.
	ErrRateLimited = errors.New("rate limited")
)

// UpstreamError is a non-successful HTTP response from a provider.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Option configures a provider client.
type Option func(*requester)

// WithHTTPClient replaces the default client (25s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(r *requester) { r.client = c }
}

// WithRetryBackoff sets the base delay; attempt n waits n*d after a 429.
func WithRetryBackoff(d time.Duration) Option {
	return func(r *requester) { r.backoff = d }
}

// WithMaxAttempts sets the total attempt budget for rate-limited calls.
func WithMaxAttempts(n int) Option {
	return func(r *requester) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRateLimit paces outgoing requests; rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) Option {
	return func(r *requester) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type requester struct {
	service  string
	client   *http.Client
	limiter  *rate.Limiter
	attempts int
	backoff  time.Duration
}

func newRequester(service string, rps float64, opts []Option) *requester {
	r := &requester{
		service:  service,
		client:   &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		attempts: defaultMaxAttempts,
		backoff:  defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// doJSON sends the request and decodes a JSON response into out. Only 429
// responses are retried, with linear backoff; everything else fails at once.
func (r *requester) doJSON(ctx context.Context, method, url string, headers map[string]string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: marshal request: %w", r.service, err)
		}
	}

	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limiter: %w", r.service, err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", r.service, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := r.client.Do(req)
		if err != nil {
			metrics.UpstreamRequestsTotal.WithLabelValues(r.service, "error").Inc()
			return fmt.Errorf("%s: request: %w", r.service, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close() //nolint:errcheck
		metrics.UpstreamRequestsTotal.WithLabelValues(r.service, strconv.Itoa(resp.StatusCode)).Inc()
		if err != nil {
			return fmt.Errorf("%s: read response: %w", r.service, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if attempt >= r.attempts {
				return &UpstreamError{Service: r.service, StatusCode: resp.StatusCode, Body: string(respBody), Err: ErrRateLimited}
			}
			metrics.UpstreamRetriesTotal.WithLabelValues(r.service).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * r.backoff):
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &UpstreamError{Service: r.service, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", r.service, err)
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

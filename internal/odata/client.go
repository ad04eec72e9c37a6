package odata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/norpie/dynops/internal/errs"
	"github.com/norpie/dynops/internal/ratelimit"
	"github.com/norpie/dynops/internal/retry"
	"github.com/norpie/dynops/internal/telemetry"
)

// TokenSource obtains an access token for the configured credential flow.
// A failure here is always a non-retryable Auth error (spec §4.7).
type TokenSource interface {
	Token(ctx context.Context) (token string, expiry time.Time, err error)
}

// StaticToken is a TokenSource for a pre-obtained token with a fixed
// expiry, useful for tests and for credential flows owned by a caller.
type StaticToken struct {
	TokenValue string
	Expiry     time.Time
}

func (s StaticToken) Token(ctx context.Context) (string, time.Time, error) {
	return s.TokenValue, s.Expiry, nil
}

// Config wires C1 (retry), C2 (rate limit), C3 (telemetry) around the
// HTTP transport to build the resilient client (spec §4.7).
type Config struct {
	Host              string // e.g. "https://org.crm.dynamics.com"
	APIVersion        string // e.g. "9.2"
	RetryPolicy       retry.Policy
	RateLimiter       *ratelimit.Bucket
	Logger            *telemetry.Logger
	Metrics           *telemetry.Collector
	HTTPClient        *http.Client
	TokenSource       TokenSource
	TokenSafetyMargin time.Duration // minimum remaining token lifetime before refresh; default 60s
}

func (c *Config) applyDefaults() {
	if c.RetryPolicy == (retry.Policy{}) {
		c.RetryPolicy = retry.Default()
	}
	if c.RateLimiter == nil {
		c.RateLimiter = ratelimit.NewDefault(true)
	}
	if c.Logger == nil {
		c.Logger = telemetry.NewLogger("INFO")
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewCollector()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.TokenSafetyMargin == 0 {
		c.TokenSafetyMargin = 60 * time.Second
	}
	if c.APIVersion == "" {
		c.APIVersion = "9.2"
	}
}

// Client is the resilient Dynamics 365 OData client (spec §4.7).
type Client struct {
	cfg Config

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New builds a Client, filling unset Config fields with defaults.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg}
}

// HostBase returns "{host}/api/data/v{M.m}", the root every request is
// issued against (spec §6).
func (c *Client) HostBase() string {
	return fmt.Sprintf("%s/api/data/v%s", c.cfg.Host, c.cfg.APIVersion)
}

// Metrics exposes the client's metrics collector for snapshotting.
func (c *Client) Metrics() *telemetry.Collector { return c.cfg.Metrics }

func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	fresh := time.Until(c.expiry) >= c.cfg.TokenSafetyMargin
	c.mu.Unlock()
	if fresh {
		return nil
	}
	token, expiry, err := c.cfg.TokenSource.Token(ctx)
	if err != nil {
		return errs.New("client.ensureToken", errs.KindAuth, err)
	}
	c.mu.Lock()
	c.token = token
	c.expiry = expiry
	c.mu.Unlock()
	return nil
}

func (c *Client) commonHeaders(req *http.Request, contentType string) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseRetryAfter(headers map[string]string) int {
	if v, ok := headers["Retry-After"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// attemptOutcome carries everything the outer retry loop needs to decide
// whether to retry, independent of whether it came from a single-op
// request or a batch request.
type attemptOutcome struct {
	statusCode int
	headers    map[string]string
	body       []byte
	transport  error // non-nil on network/timeout failure
}

func classify(o attemptOutcome) errs.Kind {
	if o.transport != nil {
		return retry.Classify(0, true, isTimeout(o.transport))
	}
	return retry.Classify(o.statusCode, false, false)
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}

// do executes a single HTTP round-trip and returns its outcome, without
// any retry/rate-limit decisions (those belong to the caller's loop).
func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string) attemptOutcome {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return attemptOutcome{transport: err}
	}
	c.commonHeaders(httpReq, contentType)

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return attemptOutcome{transport: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return attemptOutcome{
		statusCode: resp.StatusCode,
		headers:    flattenHeaders(resp.Header),
		body:       respBody,
	}
}

// ExecuteOne runs the single-operation path: one HTTP call per attempt,
// dispatched by operation variant, with retry/rate-limit/logging applied
// around it (spec §4.4, §4.7).
func (c *Client) ExecuteOne(ctx context.Context, op Operation) (OperationResult, error) {
	req, err := BuildRequest(op, c.HostBase())
	if err != nil {
		return OperationResult{}, err
	}
	bodyBytes, err := req.MarshalBody()
	if err != nil {
		return OperationResult{}, errs.New("client.ExecuteOne", errs.KindParse, err)
	}

	corr := telemetry.NewCorrelation(string(op.OperationType()), op.Entity())
	url := c.HostBase() + req.Path

	var last OperationResult
	for attempt := 1; ; attempt++ {
		corr.Attempt = attempt
		if err := c.ensureToken(ctx); err != nil {
			return OperationResult{}, err
		}
		c.cfg.RateLimiter.Acquire()
		c.cfg.Logger.Info(telemetry.EventHTTPRequest, corr, map[string]interface{}{"method": req.Method, "url": url})

		start := time.Now()
		outcome := c.do(ctx, req.Method, url, bodyBytes, "application/json; charset=utf-8")
		duration := time.Since(start)

		kind := classify(outcome)
		if outcome.transport != nil {
			last = OperationResult{Operation: op, Success: false, Error: outcome.transport.Error()}
		} else {
			last = ResultFromHTTP(op, outcome.statusCode, outcome.headers, outcome.body)
		}
		c.cfg.Logger.Info(telemetry.EventHTTPResponse, corr, map[string]interface{}{"status_code": outcome.statusCode, "duration_ms": duration.Milliseconds()})

		if last.Success || !kind.Transient() {
			c.cfg.Metrics.Record(string(op.OperationType()), op.Entity(), last.Success, duration, outcome.statusCode, attempt-1, 0)
			if !last.Success {
				return last, errs.New("client.ExecuteOne", kind, fmt.Errorf("%s", last.Error))
			}
			return last, nil
		}
		if attempt >= c.cfg.RetryPolicy.MaxAttempts {
			c.cfg.Metrics.Record(string(op.OperationType()), op.Entity(), false, duration, outcome.statusCode, attempt-1, 0)
			return last, errs.New("client.ExecuteOne", kind, errs.ErrMaxAttemptsExceeded)
		}

		delay := c.cfg.RetryPolicy.Delay(attempt, parseRetryAfter(outcome.headers))
		c.cfg.Logger.Info(telemetry.EventRetryAttempt, corr, map[string]interface{}{"delay_ms": delay.Milliseconds(), "kind": string(kind)})
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ExecuteBatch submits ops as a single $batch changeset request, applying
// the same outer retry loop as ExecuteOne around the whole batch (one
// token from the rate limiter per batch, not per sub-operation; spec
// §4.2, §4.7). The copier is responsible for chunking bundles larger
// than the service's changeset limit (spec §4.7 Chunking).
func (c *Client) ExecuteBatch(ctx context.Context, ops Operations) ([]OperationResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	batch, err := BuildBatch(ops, c.HostBase())
	if err != nil {
		return nil, err
	}

	corr := telemetry.NewCorrelation("batch", fmt.Sprintf("%d operations", len(ops)))
	url := c.HostBase() + "/$batch"

	for attempt := 1; ; attempt++ {
		corr.Attempt = attempt
		if err := c.ensureToken(ctx); err != nil {
			return nil, err
		}
		c.cfg.RateLimiter.Acquire()
		c.cfg.Logger.Info(telemetry.EventHTTPRequest, corr, map[string]interface{}{"method": "POST", "url": url, "op_count": len(ops)})

		start := time.Now()
		outcome := c.do(ctx, "POST", url, batch.Body, batch.ContentType())
		duration := time.Since(start)

		kind := classify(outcome)
		if outcome.transport == nil && (outcome.statusCode < 200 || outcome.statusCode >= 300) {
			// The outer $batch request itself failed (not a per-operation
			// failure inside a 2xx envelope); retry/surface at this level.
			c.cfg.Logger.Info(telemetry.EventHTTPResponse, corr, map[string]interface{}{"status_code": outcome.statusCode})
			if kind.Transient() && attempt < c.cfg.RetryPolicy.MaxAttempts {
				delay := c.cfg.RetryPolicy.Delay(attempt, parseRetryAfter(outcome.headers))
				c.cfg.Logger.Info(telemetry.EventRetryAttempt, corr, map[string]interface{}{"delay_ms": delay.Milliseconds()})
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
					continue
				}
			}
			c.cfg.Metrics.Record("batch", corr.Entity, false, duration, outcome.statusCode, attempt-1, 0)
			return nil, errs.New("client.ExecuteBatch", kind, fmt.Errorf("batch request failed: %s", deriveError(outcome.statusCode, outcome.body)))
		}
		if outcome.transport != nil {
			c.cfg.Logger.Info(telemetry.EventHTTPResponse, corr, map[string]interface{}{"error": outcome.transport.Error()})
			if kind.Transient() && attempt < c.cfg.RetryPolicy.MaxAttempts {
				delay := c.cfg.RetryPolicy.Delay(attempt, 0)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
					continue
				}
			}
			c.cfg.Metrics.Record("batch", corr.Entity, false, duration, 0, attempt-1, 0)
			return nil, errs.New("client.ExecuteBatch", kind, outcome.transport)
		}

		c.cfg.Logger.Info(telemetry.EventHTTPResponse, corr, map[string]interface{}{"status_code": outcome.statusCode})
		results, err := ParseBatchResponse(outcome.body, outcome.headers["Content-Type"], ops)
		if err != nil {
			c.cfg.Metrics.Record("batch", corr.Entity, false, duration, outcome.statusCode, attempt-1, 0)
			return nil, err
		}

		succeeded := 0
		for _, r := range results {
			if r.Success {
				succeeded++
			}
		}
		c.cfg.Metrics.Record("batch", corr.Entity, succeeded == len(results), duration, outcome.statusCode, attempt-1, 0)
		c.cfg.Logger.Info(telemetry.EventBatchOperationCompleted, corr, map[string]interface{}{"total": len(results), "succeeded": succeeded})
		return results, nil
	}
}

// Package clients provides the HTTP client used to reach connector runtime
// control planes: per-call timeouts, rate limiting, a circuit breaker and
// classification of transport failures into relay's error taxonomy.
package clients

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
	"github.com/ajitpratap0/relay/pkg/logger"
	"github.com/ajitpratap0/relay/pkg/metrics"
)

const (
	userAgent       = "relay/1.0"
	maxResponseSize = 8 << 20
)

// HTTPClient talks JSON to one control plane.
type HTTPClient struct {
	name       string
	baseURL    *url.URL
	config     config.RuntimeConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport

	limiter  *rate.Limiter
	breaker  *CircuitBreaker
	recorder metrics.Recorder

	totalRequests  int64
	failedRequests int64
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(c *HTTPClient) { c.recorder = r }
}

// WithRoundTripper replaces the transport, mostly for tests.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *HTTPClient) { c.httpClient.Transport = rt }
}

// Response is a fully read control-plane response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into out.
func (r *Response) Decode(out interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode response body")
	}
	return nil
}

// NewHTTPClient creates a client for the runtime named name (source or sink).
func NewHTTPClient(name string, cfg config.RuntimeConfig, logger *zap.Logger, opts ...Option) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.ConfigurationError(name+"_runtime.url", fmt.Sprintf("invalid URL %q", cfg.URL))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		name:     name,
		baseURL:  base,
		config:   cfg,
		logger:   logger.With(zap.String("component", "http_client"), zap.String("runtime", name)),
		recorder: metrics.Nop{},
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 16
	}
	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RequestTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	if cfg.IsRateLimited() {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst)
	}

	if cfg.CircuitBreaker {
		client.breaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			Timeout:          cfg.ResetTimeout,
		}, client.logger)
	}

	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Name returns the runtime label.
func (c *HTTPClient) Name() string { return c.name }

// Do sends body (JSON-encoded when non-nil) and reads the whole response.
// Transport failures come back classified; HTTP status handling is left to the caller.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	if c.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.RequestTimeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			atomic.AddInt64(&c.failedRequests, 1)
			if ctx.Err() != nil {
				return nil, errors.FromContext(ctx.Err(), "waiting for rate limiter")
			}
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit exceeded")
		}
	}

	if c.breaker != nil && !c.breaker.Allow() {
		atomic.AddInt64(&c.failedRequests, 1)
		return nil, errors.New(errors.ErrorTypeConnection, "circuit breaker open").
			WithDetail("runtime", c.name).
			WithDetail("retry_after", c.breaker.RetryAfter())
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.totalRequests, 1)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		c.recorder.ObserveRequest(c.name, method, 0, time.Since(start), err)
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return nil, c.classify(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.recorder.ObserveRequest(c.name, method, resp.StatusCode, time.Since(start), err)
	if err != nil {
		atomic.AddInt64(&c.failedRequests, 1)
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return nil, c.classify(ctx, method, path, err)
	}

	if c.breaker != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}
	}

	c.logger.Debug("control plane call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode request body")
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to build request")
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

func (c *HTTPClient) classify(ctx context.Context, method, path string, err error) error {
	var out *errors.Error
	if ctx.Err() != nil {
		out = errors.FromContext(ctx.Err(), fmt.Sprintf("%s %s did not complete", method, path))
	} else {
		out = errors.Wrap(err, errors.ErrorTypeConnection, fmt.Sprintf("%s %s failed", method, path))
	}
	return out.WithDetail("runtime", c.name)
}

// Stats reports request counters.
func (c *HTTPClient) Stats() (total, failed int64) {
	return atomic.LoadInt64(&c.totalRequests), atomic.LoadInt64(&c.failedRequests)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

// Package apiclient is the only path to the CI provider's REST API.
//
// Every call goes through, in order: the response cache (hits return
// immediately), the per-caller rate window, the admission semaphore and the
// retry loop. One Client is built at startup and shared by pointer.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/rerunner/internal/filter"
)

const maxErrorBody = 4 << 10

// Config holds the client's tuning knobs.
type Config struct {
	CacheTTL           time.Duration
	CacheCapacity      int
	MaxConcurrent      int
	RateLimit          int
	RateWindow         time.Duration
	Retries            int
	RetryBaseDelay     time.Duration
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// Request describes one provider call. Caller keys the rate window.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Caller string
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) clone() *Response {
	return &Response{StatusCode: r.StatusCode, Header: r.Header.Clone(), Body: bytes.Clone(r.Body)}
}

// Decode unmarshals the JSON body into dst.
func (r *Response) Decode(dst any) error {
	return json.Unmarshal(r.Body, dst)
}

// Option configures the Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock replaces time.Now for the cache and the rate window.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client is the resilient provider client.
type Client struct {
	cfg        Config
	httpClient *http.Client
	retry      *retryablehttp.Client
	logger     *slog.Logger
	now        func() time.Time

	cache   *responseCache
	limiter *RateLimiter
	sem     *semaphore.Weighted
	group   singleflight.Group

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New builds a Client. Zero values in cfg fall back to conservative defaults.
func New(cfg Config, opts ...Option) *Client {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CacheCapacity < 1 {
		cfg.CacheCapacity = 1
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	c := &Client{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.httpClient == nil {
		c.httpClient = cleanhttp.DefaultPooledClient()
		if cfg.InsecureSkipVerify {
			if tr, ok := c.httpClient.Transport.(*http.Transport); ok {
				tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
			}
		}
	}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}

	c.cache = newResponseCache(cfg.CacheTTL, cfg.CacheCapacity, c.now)
	c.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateWindow, c.now)
	c.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))

	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.httpClient
	rc.Logger = c.logger
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = cfg.RetryBaseDelay
	rc.RetryWaitMax = Backoff(cfg.RetryBaseDelay, cfg.Retries)
	rc.CheckRetry = checkRetry
	rc.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		return Backoff(cfg.RetryBaseDelay, attempt)
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		c.logger.Debug("provider request", "method", req.Method, "url", req.URL.String(),
			"attempt", attempt, "headers", filter.RedactHeaders(req.Header, nil))
	}
	c.retry = rc
	return c
}

// Backoff is the wait before retry number attempt (0-based): base * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base << attempt
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return Retryable(err), nil
	}
	return RetryableStatus(resp.StatusCode), nil
}

// Call performs req and returns the read response. When cacheKey is set a live
// cached response is returned without any network, rate or queue interaction,
// and a fresh 2xx response is stored under it.
func (c *Client) Call(ctx context.Context, req Request, cacheKey string) (*Response, error) {
	if cacheKey != "" {
		if resp, ok := c.cache.Get(cacheKey); ok {
			c.logger.DebugContext(ctx, "cache hit", "url", req.URL)
			return resp, nil
		}
	}
	if !c.limiter.Allow(req.Caller) {
		c.logger.WarnContext(ctx, "caller rate limited", "caller", req.Caller)
		return nil, ErrRateLimited
	}
	if cacheKey == "" {
		return c.fetch(ctx, req)
	}

	// The shared fetch outlives any one waiter; each waiter honours its own ctx.
	ch := c.group.DoChan(cacheKey, func() (any, error) {
		resp, err := c.fetch(context.WithoutCancel(ctx), req)
		if err != nil {
			return nil, err
		}
		c.cache.Set(cacheKey, resp)
		return resp, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.DebugContext(ctx, "shared in-flight response", "url", req.URL)
		}
		return res.Val.(*Response).clone(), nil
	}
}

// Stream performs req and hands back the open body. The admission slot is held
// until the body is closed. Streamed responses are never cached.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if !c.limiter.Allow(req.Caller) {
		c.logger.WarnContext(ctx, "caller rate limited", "caller", req.Caller)
		return nil, ErrRateLimited
	}
	resp, release, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return &releasingBody{ReadCloser: resp.Body, release: release}, nil
}

func (c *Client) fetch(ctx context.Context, req Request) (*Response, error) {
	resp, release, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", req.Method, req.URL, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// do waits for an admission slot and runs the retry loop. On success the
// caller owns resp.Body and must call release once done with it.
func (c *Client) do(ctx context.Context, req Request) (*http.Response, func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("wait for admission: %w", err)
	}
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	release := sync.OnceFunc(func() {
		c.inFlight.Add(-1)
		c.sem.Release(1)
	})

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	rreq, err := retryablehttp.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			rreq.Header.Add(k, v)
		}
	}

	resp, err := c.retry.Do(rreq)
	if err != nil {
		release()
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		release()
		return nil, nil, &StatusError{StatusCode: resp.StatusCode, Method: method, URL: req.URL, Body: string(body)}
	}
	return resp, release, nil
}

// InFlight returns the number of calls currently holding an admission slot.
func (c *Client) InFlight() int64 { return c.inFlight.Load() }

// PeakInFlight returns the highest InFlight value observed.
func (c *Client) PeakInFlight() int64 { return c.peak.Load() }

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

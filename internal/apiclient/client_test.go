package apiclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		CacheTTL:       time.Minute,
		CacheCapacity:  10,
		MaxConcurrent:  4,
		Retries:        3,
		RetryBaseDelay: 5 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func countingServer(t *testing.T, handler func(n int32, w http.ResponseWriter)) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler(atomic.AddInt32(&hits, 1), w)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func okHandler(_ int32, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"value":[]}`))
}

func TestCallCachesSuccessfulResponse(t *testing.T) {
	srv, hits := countingServer(t, okHandler)
	c := New(testConfig())

	for i := 0; i < 3; i++ {
		resp, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, "builds/1")
		if err != nil {
			t.Fatal(err)
		}
		if string(resp.Body) != `{"value":[]}` {
			t.Fatalf("unexpected body %q", resp.Body)
		}
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestCallWithoutKeyIsNotCached(t *testing.T) {
	srv, hits := countingServer(t, okHandler)
	c := New(testConfig())

	for i := 0; i < 2; i++ {
		if _, err := c.Call(context.Background(), Request{URL: srv.URL}, ""); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestCacheTTL(t *testing.T) {
	srv, hits := countingServer(t, okHandler)
	clock := newFakeClock()
	c := New(testConfig(), WithClock(clock.Now))
	call := func() {
		t.Helper()
		if _, err := c.Call(context.Background(), Request{URL: srv.URL}, "k"); err != nil {
			t.Fatal(err)
		}
	}

	call()
	clock.Advance(time.Minute - time.Second)
	call()
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected cached read before TTL, got %d requests", got)
	}

	clock.Advance(2 * time.Second)
	call()
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected fresh call after TTL, got %d requests", got)
	}
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusNotFound)
	})
	c := New(testConfig())

	for i := 0; i < 2; i++ {
		_, err := c.Call(context.Background(), Request{URL: srv.URL}, "k")
		if !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("expected 404 status error, got %v", err)
		}
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected failures to bypass cache, got %d requests", got)
	}
}

func TestCacheEvictsOldestInsertion(t *testing.T) {
	clock := newFakeClock()
	cache := newResponseCache(time.Hour, 2, clock.Now)
	cache.Set("a", &Response{Body: []byte("a")})
	cache.Set("b", &Response{Body: []byte("b")})

	// Reading a must not protect it; eviction follows insertion order.
	if _, ok := cache.Get("a"); !ok {
		t.Fatalf("expected a")
	}
	cache.Set("c", &Response{Body: []byte("c")})

	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := cache.Get(k); !ok {
			t.Fatalf("expected %s to remain", k)
		}
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}
}

func TestRetryExhaustion(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	cfg := testConfig()
	c := New(cfg)
	_, err := c.Call(context.Background(), Request{URL: srv.URL}, "")

	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status error, got %v", err)
	}
	if se.Body != "down" {
		t.Fatalf("expected last attempt body, got %q", se.Body)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrivals) != cfg.Retries+1 {
		t.Fatalf("expected %d attempts, got %d", cfg.Retries+1, len(arrivals))
	}
	for i := 1; i < len(arrivals); i++ {
		gap := arrivals[i].Sub(arrivals[i-1])
		if want := Backoff(cfg.RetryBaseDelay, i-1); gap < want {
			t.Fatalf("attempt %d waited %s, want at least %s", i, gap, want)
		}
	}
}

func TestRetryRecovers(t *testing.T) {
	srv, hits := countingServer(t, func(n int32, w http.ResponseWriter) {
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okHandler(n, w)
	})
	c := New(testConfig())

	if _, err := c.Call(context.Background(), Request{URL: srv.URL}, ""); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(hits); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNonRetryableShortCircuits(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
	})
	c := New(testConfig())

	_, err := c.Call(context.Background(), Request{URL: srv.URL}, "")
	if !IsStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected 400, got %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", got)
	}
}

func TestThrottledAfterRetries(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	cfg := testConfig()
	cfg.Retries = 1
	c := New(cfg)

	start := time.Now()
	_, err := c.Call(context.Background(), Request{URL: srv.URL}, "")
	if !IsThrottled(err) {
		t.Fatalf("expected throttled error, got %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("Retry-After must not override the backoff")
	}
}

func TestAdmissionBound(t *testing.T) {
	const ceiling = 2
	var active, maxActive int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		okHandler(n, w)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = ceiling
	c := New(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("%s/?i=%d", srv.URL, i)
			if _, err := c.Call(context.Background(), Request{URL: url}, ""); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got > ceiling {
		t.Fatalf("server saw %d concurrent calls, ceiling %d", got, ceiling)
	}
	if got := c.PeakInFlight(); got > ceiling {
		t.Fatalf("client peak in-flight %d, ceiling %d", got, ceiling)
	}
	if c.InFlight() != 0 {
		t.Fatalf("expected all slots released, got %d", c.InFlight())
	}
}

func TestAdmissionRespectsContext(t *testing.T) {
	srv, _ := countingServer(t, okHandler)
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	c := New(cfg)

	body, err := c.Stream(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, Request{URL: srv.URL}, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected admission wait to time out, got %v", err)
	}
}

func TestStreamHoldsSlotUntilClose(t *testing.T) {
	srv, _ := countingServer(t, func(_ int32, w http.ResponseWriter) {
		_, _ = w.Write([]byte("archive-bytes"))
	})
	c := New(testConfig())

	body, err := c.Stream(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if c.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight while streaming, got %d", c.InFlight())
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "archive-bytes" {
		t.Fatalf("unexpected body %q", data)
	}
	if err := body.Close(); err != nil {
		t.Fatal(err)
	}
	if c.InFlight() != 0 {
		t.Fatalf("expected slot released, got %d", c.InFlight())
	}
}

func TestRateLimitedCallSkipsNetwork(t *testing.T) {
	srv, hits := countingServer(t, okHandler)
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateWindow = time.Minute
	c := New(cfg)

	if _, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, "k"); err != nil {
		t.Fatal(err)
	}
	// Cache hits do not count against the window.
	if _, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, "k"); err != nil {
		t.Fatalf("cache hit should bypass rate limit: %v", err)
	}
	if _, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := c.Stream(context.Background(), Request{URL: srv.URL, Caller: "u1"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited for stream, got %v", err)
	}
	if _, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u2"}, ""); err != nil {
		t.Fatalf("other caller should not be limited: %v", err)
	}
	if got := atomic.LoadInt32(hits); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "dev.azure.com"}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 400: false, 404: false, 429: true, 500: true, 503: true} {
		if got := RetryableStatus(code); got != want {
			t.Errorf("RetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if got := Backoff(base, i); got != w {
			t.Errorf("Backoff(%d) = %s, want %s", i, got, w)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCachedResponseIsCopied(t *testing.T) {
	srv, hits := countingServer(t, func(_ int32, w http.ResponseWriter) {
		w.Header().Set("X-Total", "2")
		okHandler(0, w)
	})
	c := New(testConfig())

	first, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, "builds/1")
	if err != nil {
		t.Fatal(err)
	}
	first.Header.Set("X-Total", "changed")
	first.Body[0] = 'x'

	second, err := c.Call(context.Background(), Request{URL: srv.URL, Caller: "u1"}, "builds/1")
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Header.Get("X-Total"); got != "2" {
		t.Fatalf("cached header = %q, want 2", got)
	}
	if string(second.Body) != `{"value":[]}` {
		t.Fatalf("cached body = %q", second.Body)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

func TestSharedFetchSurvivesCancelledWaiter(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv, hits := countingServer(t, func(n int32, w http.ResponseWriter) {
		once.Do(func() { close(started) })
		<-release
		okHandler(n, w)
	})
	c := New(testConfig())
	req := Request{URL: srv.URL, Caller: "u1"}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, req, "builds/1")
		firstErr <- err
	}()
	<-started

	type result struct {
		resp *Response
		err  error
	}
	second := make(chan result, 1)
	go func() {
		resp, err := c.Call(context.Background(), req, "builds/1")
		second <- result{resp, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter err = %v, want context.Canceled", err)
	}
	close(release)

	res := <-second
	if res.err != nil {
		t.Fatalf("other waiter failed: %v", res.err)
	}
	if string(res.resp.Body) != `{"value":[]}` {
		t.Fatalf("unexpected body %q", res.resp.Body)
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Fatalf("expected 1 request, got %d", got)
	}
}

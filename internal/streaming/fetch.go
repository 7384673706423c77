package streaming

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"hls-streamcore/internal/platform/metrics"
)

// FetchKind selects whether a RequestProxy/FetchPipeline response body should
// be decoded as text (playlists) or kept as raw bytes (segments).
type FetchKind int

const (
	FetchText FetchKind = iota
	FetchBytes
)

// Response is the typed result of a successful fetch (§9: replaces the
// source's dynamic union of fetch result shapes).
type Response struct {
	Status   int
	Text     string // populated iff the request asked for FetchText
	Bytes    []byte // populated iff the request asked for FetchBytes
	FinalURL string
}

// ProxyErrorKind classifies a RequestProxy-level failure before HTTP status
// classification applies.
type ProxyErrorKind int

const (
	ProxyNetwork ProxyErrorKind = iota
	ProxyTimeout
	ProxyHTTP
)

// ProxyError is returned by a RequestProxy implementation.
type ProxyError struct {
	Kind   ProxyErrorKind
	Status int
	Cause  error
}

func (e *ProxyError) Error() string {
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "streaming: proxy error"
}

func (e *ProxyError) Unwrap() error { return e.Cause }

// RequestProxy is the injected, out-of-scope collaborator (§1/§6) that
// performs an authenticated HTTP GET on the engine's behalf — e.g. a host
// browser's in-page fetch, so credentials/headers for hotlink-protected
// origins are inherited without the core knowing how.
type RequestProxy interface {
	Fetch(ctx context.Context, url string, want FetchKind, headers http.Header) (Response, error)
}

// DirectHTTPProxy is the default, directly-testable RequestProxy, wrapping
// net/http.Client. Production mobile hosts typically inject their own.
type DirectHTTPProxy struct {
	Client *http.Client
}

// NewDirectHTTPProxy returns a DirectHTTPProxy with a sane default client.
func NewDirectHTTPProxy() *DirectHTTPProxy {
	return &DirectHTTPProxy{Client: &http.Client{}}
}

// Fetch implements RequestProxy.
func (p *DirectHTTPProxy) Fetch(ctx context.Context, url string, want FetchKind, headers http.Header) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, &ProxyError{Kind: ProxyNetwork, Cause: err}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Response{}, &ProxyError{Kind: ProxyTimeout, Cause: err}
		}
		return Response{}, &ProxyError{Kind: ProxyNetwork, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &ProxyError{Kind: ProxyNetwork, Cause: err}
	}

	out := Response{Status: resp.StatusCode, FinalURL: resp.Request.URL.String()}
	if want == FetchText {
		out.Text = string(body)
	} else {
		out.Bytes = body
	}
	return out, nil
}

// FetchPipeline retries, classifies errors, and reports throughput to a
// BandwidthEstimator per §4.2. One FetchPipeline is owned by one
// StreamSession; it tracks every in-flight request so AbortAll is immediate.
type FetchPipeline struct {
	proxy      RequestProxy
	estimator  *BandwidthEstimator
	attempts   int
	baseDelay  time.Duration
	attemptTTL time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	inflight map[*context.CancelFunc]struct{}

	refreshGroup singleflight.Group
	sem          *semaphore
	limiter      *rate.Limiter

	metrics *metrics.Metrics
}

const (
	defaultAttempts           = 3
	defaultBackoffBase        = time.Second
	defaultAttemptTimeout     = 30 * time.Second
	defaultMaxConcurrentFetch = 2
	// defaultOriginRate caps how often this pipeline issues requests against
	// the origin, independent of MaxConcurrentFetches: a courteous ceiling on
	// segment/playlist request rate rather than a concurrency bound.
	defaultOriginRate  = 20 // requests per second
	defaultOriginBurst = 10
)

// FetchTunables carries the operator-configurable subset of FetchPipeline's
// behavior (threaded down from platform/config.Engine). A zero value in any
// field falls back to that field's package default.
type FetchTunables struct {
	Attempts           int
	BackoffBase        time.Duration
	MaxConcurrentFetch int
}

// NewFetchPipeline returns a FetchPipeline bound to parent's lifetime; calling
// AbortAll cancels parent's derived context tree, making every in-flight and
// future request on this pipeline observe cancellation.
func NewFetchPipeline(parent context.Context, proxy RequestProxy, estimator *BandwidthEstimator, met *metrics.Metrics, tun FetchTunables) *FetchPipeline {
	root, cancel := context.WithCancel(parent)
	attempts := tun.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := tun.BackoffBase
	if backoff <= 0 {
		backoff = defaultBackoffBase
	}
	maxConcurrent := tun.MaxConcurrentFetch
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentFetch
	}
	return &FetchPipeline{
		proxy:      proxy,
		estimator:  estimator,
		attempts:   attempts,
		baseDelay:  backoff,
		attemptTTL: defaultAttemptTimeout,
		rootCtx:    root,
		cancel:     cancel,
		inflight:   make(map[*context.CancelFunc]struct{}),
		sem:        newSemaphore(maxConcurrent),
		limiter:    rate.NewLimiter(rate.Limit(defaultOriginRate), defaultOriginBurst),
		metrics:    met,
	}
}

// AbortAll cancels every active and future request derived from this
// pipeline's root context. Idempotent.
func (f *FetchPipeline) AbortAll() {
	f.cancel()
}

// Aborted reports whether AbortAll has been called.
func (f *FetchPipeline) Aborted() bool {
	return f.rootCtx.Err() != nil
}

// Get performs an authenticated fetch with retry/backoff and error
// classification per §4.2. Acquires a slot from the pipeline's bounded
// concurrency semaphore so at most MaxConcurrentFetches requests run at once.
func (f *FetchPipeline) Get(ctx context.Context, url string, want FetchKind, headers http.Header) (Response, error) {
	if err := f.sem.Acquire(ctx); err != nil {
		return Response{}, err
	}
	defer f.sem.Release()

	var lastErr error
	for attempt := 1; attempt <= f.attempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
		if f.metrics != nil {
			f.metrics.IncFetchAttempts()
		}

		attemptCtx, cancel := context.WithTimeout(f.rootCtx, f.attemptTTL)
		f.trackInflight(&cancel)

		start := time.Now()
		resp, err := f.proxy.Fetch(attemptCtx, url, want, headers)
		elapsed := time.Since(start)
		f.untrackInflight(&cancel)
		cancel()

		if f.rootCtx.Err() != nil {
			return Response{}, f.rootCtx.Err()
		}

		if err == nil {
			if fe := classifyStatus(resp.Status, url); fe != nil {
				if fe.Kind == FetchTransient && attempt < f.attempts {
					lastErr = fe
					if f.metrics != nil {
						f.metrics.IncFetchRetries()
					}
					f.sleepBackoff(ctx, attempt)
					continue
				}
				f.incFetchFailure(fe)
				return Response{}, fe
			}
			bodyLen := len(resp.Bytes)
			if want == FetchText {
				bodyLen = len(resp.Text)
			}
			if f.estimator != nil {
				f.estimator.Report(bodyLen, elapsed)
			}
			return resp, nil
		}

		lastErr = &FetchError{Kind: FetchTransient, URL: url, Cause: err}
		if attempt < f.attempts {
			if f.metrics != nil {
				f.metrics.IncFetchRetries()
			}
			f.sleepBackoff(ctx, attempt)
			continue
		}
	}

	if fe, ok := lastErr.(*FetchError); ok {
		f.incFetchFailure(fe)
		return Response{}, fe
	}
	fe := &FetchError{Kind: FetchTransient, URL: url, Cause: lastErr}
	f.incFetchFailure(fe)
	return Response{}, fe
}

func (f *FetchPipeline) incFetchFailure(fe *FetchError) {
	if f.metrics != nil {
		f.metrics.IncFetchFailure(fe.Kind.String())
	}
}

// GetCoalesced is Get with concurrent duplicate calls for the same key
// (e.g. a manual live-refresh racing the periodic ticker) collapsed into one
// underlying fetch via singleflight.
func (f *FetchPipeline) GetCoalesced(ctx context.Context, key, url string, want FetchKind, headers http.Header) (Response, error) {
	v, err, _ := f.refreshGroup.Do(key, func() (interface{}, error) {
		return f.Get(ctx, url, want, headers)
	})
	if err != nil {
		return Response{}, err
	}
	return v.(Response), nil
}

// GetConcurrent fetches multiple URLs in parallel, bounded by the pipeline's
// MaxConcurrentFetches semaphore and joined with errgroup so the first error
// of any kind cancels the remaining fetches.
func (f *FetchPipeline) GetConcurrent(ctx context.Context, reqs []string, want FetchKind, headers http.Header) ([]Response, error) {
	out := make([]Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range reqs {
		i, u := i, u
		g.Go(func() error {
			resp, err := f.Get(gctx, u, want, headers)
			if err != nil {
				return err
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FetchPipeline) sleepBackoff(ctx context.Context, attempt int) {
	delay := time.Duration(attempt) * f.baseDelay
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	case <-f.rootCtx.Done():
	}
}

func (f *FetchPipeline) trackInflight(cancel *context.CancelFunc) {
	f.mu.Lock()
	f.inflight[cancel] = struct{}{}
	f.mu.Unlock()
}

func (f *FetchPipeline) untrackInflight(cancel *context.CancelFunc) {
	f.mu.Lock()
	delete(f.inflight, cancel)
	f.mu.Unlock()
}

// classifyStatus maps an HTTP status to the §4.2 action table. Returns nil
// for 2xx (success).
func classifyStatus(status int, url string) *FetchError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &FetchError{Kind: FetchFatal, Failure: FailureAuthExpired, Status: status, URL: url}
	case status == http.StatusGone:
		return &FetchError{Kind: FetchFatal, Failure: FailureStreamEnded, Status: status, URL: url}
	case status == http.StatusNotFound:
		return &FetchError{Kind: FetchSkip, Status: status, URL: url}
	case status >= 500:
		return &FetchError{Kind: FetchTransient, Status: status, URL: url}
	default:
		// Any other non-2xx status is treated as a skip: the spec's table is
		// exhaustive for the statuses it names and silent about the rest.
		return &FetchError{Kind: FetchSkip, Status: status, URL: url}
	}
}

// semaphore is a minimal counting semaphore over a buffered channel, used to
// bound FetchPipeline's concurrent dispatch.
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(n int) *semaphore {
	if n <= 0 {
		n = 1
	}
	s := &semaphore{slots: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		s.slots <- struct{}{}
	}
	return s
}

func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.slots:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() {
	s.slots <- struct{}{}
}

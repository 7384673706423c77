package streaming

import (
	"context"
	"net/http"
	"testing"
	"time"
)

// fakeProxy replays a scripted sequence of responses/errors, one per call.
// Like DirectHTTPProxy, it delivers the body as Bytes for a FetchBytes
// request and reports the requested url as FinalURL when none is scripted.
type fakeProxy struct {
	calls   int
	results []func() (Response, error)
}

func (p *fakeProxy) Fetch(ctx context.Context, url string, want FetchKind, headers http.Header) (Response, error) {
	i := p.calls
	p.calls++
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	resp, err := p.results[i]()
	if err == nil {
		if want == FetchBytes && resp.Text != "" {
			resp.Bytes, resp.Text = []byte(resp.Text), ""
		}
		if resp.FinalURL == "" {
			resp.FinalURL = url
		}
	}
	return resp, err
}

func ok(status int, body string) func() (Response, error) {
	return func() (Response, error) { return Response{Status: status, Text: body}, nil }
}

func newTestPipeline(proxy RequestProxy) *FetchPipeline {
	p := NewFetchPipeline(context.Background(), proxy, NewBandwidthEstimator(), nil, FetchTunables{})
	p.baseDelay = time.Millisecond // keep retry tests fast
	return p
}

func TestFetchPipeline_successOnFirstAttempt(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){ok(200, "body")}}
	p := newTestPipeline(proxy)

	resp, err := p.Get(context.Background(), "http://x/a.m3u8", FetchText, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "body" {
		t.Errorf("expected body text, got %q", resp.Text)
	}
	if proxy.calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", proxy.calls)
	}
}

func TestFetchPipeline_retriesTransientThenSucceeds(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){
		ok(503, ""),
		ok(503, ""),
		ok(200, "recovered"),
	}}
	p := newTestPipeline(proxy)

	resp, err := p.Get(context.Background(), "http://x/a.ts", FetchBytes, nil)
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if resp.Text != "" || proxy.calls != 3 {
		t.Errorf("expected 3 attempts before success, got %d", proxy.calls)
	}
}

func TestFetchPipeline_fatalStatusStopsImmediately(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){ok(401, "")}}
	p := newTestPipeline(proxy)

	_, err := p.Get(context.Background(), "http://x/a.m3u8", FetchText, nil)
	fe, ok := err.(*FetchError)
	if !ok {
		t.Fatalf("expected *FetchError, got %T", err)
	}
	if fe.Kind != FetchFatal || fe.Failure != FailureAuthExpired {
		t.Errorf("expected Fatal/AuthExpired, got %v/%v", fe.Kind, fe.Failure)
	}
	if proxy.calls != 1 {
		t.Errorf("expected fatal status to stop after 1 attempt, got %d", proxy.calls)
	}
}

func TestFetchPipeline_skipStatusStopsImmediately(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){ok(404, "")}}
	p := newTestPipeline(proxy)

	_, err := p.Get(context.Background(), "http://x/seg.ts", FetchBytes, nil)
	fe, ok := err.(*FetchError)
	if !ok || fe.Kind != FetchSkip {
		t.Fatalf("expected Skip FetchError, got %v", err)
	}
	if proxy.calls != 1 {
		t.Errorf("expected skip status to stop after 1 attempt, got %d", proxy.calls)
	}
}

func TestFetchPipeline_exhaustsRetriesReturnsTransient(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){
		ok(500, ""), ok(500, ""), ok(500, ""),
	}}
	p := newTestPipeline(proxy)

	_, err := p.Get(context.Background(), "http://x/a.m3u8", FetchText, nil)
	fe, ok := err.(*FetchError)
	if !ok || fe.Kind != FetchTransient {
		t.Fatalf("expected Transient FetchError after exhausting retries, got %v", err)
	}
	if proxy.calls != p.attempts {
		t.Errorf("expected exactly %d attempts, got %d", p.attempts, proxy.calls)
	}
}

func TestFetchPipeline_abortAllCancelsInFlight(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){ok(200, "x")}}
	p := newTestPipeline(proxy)
	p.AbortAll()

	if !p.Aborted() {
		t.Fatal("expected Aborted() true after AbortAll")
	}
	_, err := p.Get(context.Background(), "http://x/a.m3u8", FetchText, nil)
	if err == nil {
		t.Error("expected fetch after AbortAll to fail")
	}
}

func TestFetchPipeline_getCoalescedSharesInFlightCall(t *testing.T) {
	proxy := &fakeProxy{results: []func() (Response, error){ok(200, "shared")}}
	p := newTestPipeline(proxy)

	resp, err := p.GetCoalesced(context.Background(), "k", "http://x/live.m3u8", FetchText, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "shared" {
		t.Errorf("expected shared body, got %q", resp.Text)
	}
}

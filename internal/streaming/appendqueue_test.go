package streaming

import (
	"context"
	"sync"
	"testing"
)

// fakeSink is a minimal in-memory Sink for AppendQueue tests.
type fakeSink struct {
	mu          sync.Mutex
	appends     [][]byte
	current     float64
	buffered    []Range
	updateCh    chan struct{}
	ended       bool
	rejectNext  int // number of Appends to reject with ErrQuotaExceeded
	removedCall []Range
}

func newFakeSink() *fakeSink {
	return &fakeSink{updateCh: make(chan struct{}, 16)}
}

func (f *fakeSink) Append(ctx context.Context, b []byte) error {
	f.mu.Lock()
	if f.rejectNext > 0 {
		f.rejectNext--
		f.mu.Unlock()
		return ErrQuotaExceeded
	}
	f.appends = append(f.appends, b)
	f.mu.Unlock()
	f.updateCh <- struct{}{}
	return nil
}

func (f *fakeSink) Buffered() []Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

func (f *fakeSink) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSink) Remove(startS, endS float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedCall = append(f.removedCall, Range{StartS: startS, EndS: endS})
	return nil
}

func (f *fakeSink) UpdateEnd() <-chan struct{} { return f.updateCh }

func (f *fakeSink) EndOfStream() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
}

func TestAppendQueue_pushInOrder(t *testing.T) {
	sink := newFakeSink()
	q := NewAppendQueue(sink, nil, nil)

	if err := q.Push(context.Background(), SubQueueVideo, 1, []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Push(context.Background(), SubQueueVideo, 2, []byte("b")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.appends) != 2 {
		t.Fatalf("expected 2 appends, got %d", len(sink.appends))
	}
	if string(sink.appends[0]) != "a" || string(sink.appends[1]) != "b" {
		t.Errorf("expected appends in push order, got %v", sink.appends)
	}
}

func TestAppendQueue_pushInitOnlyOnce(t *testing.T) {
	sink := newFakeSink()
	q := NewAppendQueue(sink, nil, nil)

	if err := q.PushInit(context.Background(), SubQueueVideo, []byte("init")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.PushInit(context.Background(), SubQueueVideo, []byte("init-again")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.appends) != 1 {
		t.Fatalf("expected init segment appended exactly once, got %d appends", len(sink.appends))
	}
}

func TestAppendQueue_quotaExceededEvictsAndRetries(t *testing.T) {
	sink := newFakeSink()
	sink.current = 20
	sink.buffered = []Range{{StartS: 0, EndS: 90}}
	sink.rejectNext = 1
	q := NewAppendQueue(sink, nil, nil)

	err := q.Push(context.Background(), SubQueueVideo, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("expected retry after eviction to succeed, got error: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.removedCall) == 0 {
		t.Error("expected quota-exceeded to trigger a Remove call")
	}
	if len(sink.appends) != 1 {
		t.Errorf("expected the retried append to succeed, got %d appends", len(sink.appends))
	}
}

func TestAppendQueue_needsMoreDataWhenBufferEmpty(t *testing.T) {
	sink := newFakeSink()
	q := NewAppendQueue(sink, nil, nil)
	if !q.NeedsMoreData() {
		t.Error("expected NeedsMoreData true when nothing is buffered")
	}
}

func TestAppendQueue_needsMoreDataFalseWhenAheadLimitReached(t *testing.T) {
	sink := newFakeSink()
	sink.current = 0
	sink.buffered = []Range{{StartS: 0, EndS: 40}} // ahead of AppendBufferAheadLimit (30s)
	q := NewAppendQueue(sink, nil, nil)
	if q.NeedsMoreData() {
		t.Error("expected NeedsMoreData false when buffered ahead exceeds the limit")
	}
}

func TestAppendQueue_onBufferLevelCallback(t *testing.T) {
	sink := newFakeSink()
	sink.current = 0
	sink.buffered = []Range{{StartS: 0, EndS: 12}}

	var reported float64
	var called bool
	q := NewAppendQueue(sink, func(bufferSeconds float64) {
		called = true
		reported = bufferSeconds
	}, nil)

	q.NeedsMoreData()
	if !called {
		t.Fatal("expected onBufferLevel callback to be invoked")
	}
	if reported != 12 {
		t.Errorf("expected reported buffer level of 12, got %v", reported)
	}
}

func TestAppendQueue_discardBeforeDropsStaleQueuedItems(t *testing.T) {
	sink := newFakeSink()
	q := NewAppendQueue(sink, nil, nil)

	// Populate pending items directly rather than through drain, so this
	// test exercises DiscardBefore in isolation from the append loop.
	q.video.pending = []appendItem{
		{sequence: 1, data: []byte("a")},
		{sequence: 2, data: []byte("b")},
		{sequence: 3, data: []byte("c")},
	}

	q.DiscardBefore(SubQueueVideo, 2)
	if n := q.PendingLen(SubQueueVideo); n != 2 {
		t.Errorf("expected discard to drop sequence < 2, leaving 2 items, got %d", n)
	}
}

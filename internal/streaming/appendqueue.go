package streaming

import (
	"context"
	"sync"
	"time"

	"hls-streamcore/internal/platform/metrics"
)

// AppendQueue tuning per §4.6.
const (
	AppendKeepBehind       = 10 * time.Second
	AppendBufferMaxSeconds = 60 * time.Second
	AppendBufferAheadLimit = 30 * time.Second
	appendRetryDelay       = 100 * time.Millisecond
)

// Range is one contiguous buffered interval reported by a Sink.
type Range struct {
	StartS float64
	EndS   float64
}

// Sink is the consumer buffer collaborator (§6): a Media-Source-style
// buffer with a quota and a playback clock.
type Sink interface {
	Append(ctx context.Context, b []byte) error
	Buffered() []Range
	CurrentTime() float64
	Remove(startS, endS float64) error
	// UpdateEnd delivers one notification per completed (or failed) append,
	// mirroring the browser Sink's "updateend" event.
	UpdateEnd() <-chan struct{}
	EndOfStream()
}

// SubQueueKind selects which of AppendQueue's two independent pipelines an
// appendItem belongs to.
type SubQueueKind int

const (
	SubQueueVideo SubQueueKind = iota
	SubQueueAudio
)

type appendItem struct {
	sequence uint64
	data     []byte
	isInit   bool
}

// subQueue is one FIFO-into-sink pipeline with its own in-flight latch and
// init-segment-once discipline.
type subQueue struct {
	mu          sync.Mutex
	pending     []appendItem
	appending   bool
	initDone    bool
	lastAppendS uint64
	hasLast     bool
}

// AppendQueue is a bounded FIFO wrapping a Sink, with independent video and
// audio sub-queues when a Transmuxer is present (AppendQueue itself does not
// call the Transmuxer; StreamSession routes Transmuxer output here by kind).
type AppendQueue struct {
	sink Sink

	video subQueue
	audio subQueue

	// onBufferLevel, when set, is invoked by NeedsMoreData with the current
	// buffered-ahead seconds on every call that finds a non-empty buffer
	// (§4.7: "triggered by AppendQueue callback with new buffer level").
	onBufferLevel func(bufferSeconds float64)

	metrics *metrics.Metrics
}

// NewAppendQueue wraps sink. onBufferLevel may be nil.
func NewAppendQueue(sink Sink, onBufferLevel func(bufferSeconds float64), met *metrics.Metrics) *AppendQueue {
	return &AppendQueue{sink: sink, onBufferLevel: onBufferLevel, metrics: met}
}

func (q *AppendQueue) queueFor(kind SubQueueKind) *subQueue {
	if kind == SubQueueAudio {
		return &q.audio
	}
	return &q.video
}

// NeedsMoreData reports whether the producer should fetch another segment:
// true when the buffer ahead of the playback clock is under
// AppendBufferAheadLimit, or when nothing is buffered yet.
func (q *AppendQueue) NeedsMoreData() bool {
	buffered := q.sink.Buffered()
	if len(buffered) == 0 {
		return true
	}
	ahead := q.bufferedAheadSeconds(buffered)
	if q.onBufferLevel != nil {
		q.onBufferLevel(ahead)
	}
	return ahead < AppendBufferAheadLimit.Seconds()
}

func (q *AppendQueue) bufferedAheadSeconds(buffered []Range) float64 {
	now := q.sink.CurrentTime()
	end := now
	for _, r := range buffered {
		if r.StartS <= now && r.EndS > end {
			end = r.EndS
		}
	}
	if end < now {
		return 0
	}
	return end - now
}

// PushInit enqueues an init segment for kind, appended exactly once before
// any media data (idempotent: subsequent calls are ignored).
func (q *AppendQueue) PushInit(ctx context.Context, kind SubQueueKind, init []byte) error {
	sq := q.queueFor(kind)
	sq.mu.Lock()
	if sq.initDone {
		sq.mu.Unlock()
		return nil
	}
	sq.initDone = true
	sq.pending = append([]appendItem{{data: init, isInit: true}}, sq.pending...)
	sq.mu.Unlock()
	return q.drain(ctx, kind)
}

// Push enqueues one media chunk for kind at sequence, appending strictly in
// increasing sequence order per sub-queue (§5 ordering guarantee).
func (q *AppendQueue) Push(ctx context.Context, kind SubQueueKind, sequence uint64, data []byte) error {
	sq := q.queueFor(kind)
	sq.mu.Lock()
	sq.pending = append(sq.pending, appendItem{sequence: sequence, data: data})
	sq.mu.Unlock()
	return q.drain(ctx, kind)
}

// drain appends queued items for kind one at a time, respecting the
// at-most-one-in-flight latch and the quota-exceeded recovery protocol.
func (q *AppendQueue) drain(ctx context.Context, kind SubQueueKind) error {
	sq := q.queueFor(kind)

	sq.mu.Lock()
	if sq.appending {
		sq.mu.Unlock()
		return nil
	}
	sq.appending = true
	sq.mu.Unlock()

	defer func() {
		sq.mu.Lock()
		sq.appending = false
		sq.mu.Unlock()
	}()

	for {
		sq.mu.Lock()
		if len(sq.pending) == 0 {
			sq.mu.Unlock()
			return nil
		}
		item := sq.pending[0]
		sq.mu.Unlock()

		if !item.isInit {
			if sq.hasLast && item.sequence <= sq.lastAppendS {
				// Stale completion racing a seek/switch: drop silently (§5).
				q.popFront(sq)
				continue
			}
		}

		err := q.sink.Append(ctx, item.data)
		if err == nil {
			if !item.isInit {
				sq.mu.Lock()
				sq.lastAppendS = item.sequence
				sq.hasLast = true
				sq.mu.Unlock()
			}
			if q.metrics != nil {
				q.metrics.IncSegmentAppends()
			}
			q.popFront(sq)
			q.waitUpdateEnd(ctx)
			continue
		}

		if err == ErrQuotaExceeded {
			if q.metrics != nil {
				q.metrics.IncQuotaEvictions()
			}
			if evictErr := q.evictForQuota(); evictErr != nil {
				return evictErr
			}
			select {
			case <-time.After(appendRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue // retry same head-of-queue item
		}
		return err
	}
}

func (q *AppendQueue) popFront(sq *subQueue) {
	sq.mu.Lock()
	if len(sq.pending) > 0 {
		sq.pending = sq.pending[1:]
	}
	sq.mu.Unlock()
}

func (q *AppendQueue) waitUpdateEnd(ctx context.Context) {
	select {
	case <-q.sink.UpdateEnd():
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		// Defensive: a Sink that never fires UpdateEnd must not wedge the
		// pipeline forever.
	}
}

// evictForQuota implements §4.6's QuotaExceeded recovery: drop
// [bufferedStart, currentTime-keepBehind]; if the buffer still exceeds
// AppendBufferMaxSeconds, drop further from the tail of the start.
func (q *AppendQueue) evictForQuota() error {
	buffered := q.sink.Buffered()
	if len(buffered) == 0 {
		return nil
	}
	now := q.sink.CurrentTime()
	keepFrom := now - AppendKeepBehind.Seconds()

	start := buffered[0].StartS
	end := start
	for _, r := range buffered {
		if r.EndS > end {
			end = r.EndS
		}
	}

	if keepFrom > start {
		if err := q.sink.Remove(start, keepFrom); err != nil {
			return err
		}
		start = keepFrom
	}

	if end-start > AppendBufferMaxSeconds.Seconds() {
		extra := (end - start) - AppendBufferMaxSeconds.Seconds()
		if err := q.sink.Remove(start, start+extra); err != nil {
			return err
		}
	}
	return nil
}

// PendingLen returns the number of queued-but-not-yet-appended items for
// kind (used by StreamSession to decide whether the queue has drained).
func (q *AppendQueue) PendingLen(kind SubQueueKind) int {
	sq := q.queueFor(kind)
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.pending)
}

// DiscardBefore drops any pending items for kind with sequence < keepFrom,
// used by Seek to clear stale queued entries (§4.7).
func (q *AppendQueue) DiscardBefore(kind SubQueueKind, keepFrom uint64) {
	sq := q.queueFor(kind)
	sq.mu.Lock()
	defer sq.mu.Unlock()
	out := sq.pending[:0]
	for _, it := range sq.pending {
		if it.isInit || it.sequence >= keepFrom {
			out = append(out, it)
		}
	}
	sq.pending = out
}

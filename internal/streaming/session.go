package streaming

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"hls-streamcore/internal/platform/metrics"
)

const (
	liveRefreshInterval = 4 * time.Second
	firstSegmentGrace   = 500 * time.Millisecond
	bufferFullPollDelay = 1 * time.Second
	transientRetryDelay = 2 * time.Second
)

// Tunables carries the operator-configurable engine parameters threaded down
// from platform/config.Engine: without this, fetch.go and abr.go would only
// ever see their own hardcoded package defaults. A zero value in any field
// falls back to that component's default.
type Tunables struct {
	LiveRefreshInterval time.Duration
	Fetch               FetchTunables
	ABRSwitchInterval   time.Duration
	ABRPanicBuffer      time.Duration
}

// SessionEvent is one observability event emitted per §6 ("state_changed",
// "qualities", "progress", "stats", "error"), delivered to subscribers via
// the session's fan-out channel.
type SessionEvent struct {
	Session SessionID
	Kind    string // "state_changed" | "qualities" | "progress" | "stats" | "error"

	State    SessionStateTag
	Failure  FailureKind
	Message  string
	Variants []Variant

	ProgressCurrent float64
	ProgressTotal   float64
	BufferedAhead   float64

	BytesDownloaded int64
	SegmentCount    int
	BpsEMA          float64
}

// Stats is a point-in-time snapshot of a session's counters.
type Stats struct {
	BytesDownloaded int64           `json:"bytes_downloaded"`
	SegmentCount    int             `json:"segment_count"`
	BpsEMA          float64         `json:"bps_ema"`
	NextSegmentIx   int             `json:"next_segment_ix"`
	TotalSegments   int             `json:"total_segments"`
	State           SessionStateTag `json:"state"`
	Failure         FailureKind     `json:"failure,omitempty"`
}

// StreamSession drives one owner's playback: resolve the manifest, pull
// segments under ABR guidance, feed a Sink, and live-refresh for live
// playlists. Its run loop owns segments/nextSegmentIx/currentVariant and
// friends; exported methods (Pause, Resume, SetQuality, Seek, ...) mutate
// that same state directly under mu rather than handing off to the loop.
type StreamSession struct {
	ID       SessionID
	OwnerID  OwnerID
	Manifest string
	Headers  http.Header

	proxy      RequestProxy
	sink       Sink
	transmuxer Transmuxer
	parser     *PlaylistParser

	estimator *BandwidthEstimator
	abr       *ABRController
	fetch     *FetchPipeline
	store     SegmentStore
	queue     *AppendQueue

	ctx    context.Context
	cancel context.CancelFunc

	events chan SessionEvent

	mu              sync.Mutex
	state           SessionStateTag
	failure         FailureKind
	variants        []Variant // ascending bitrate
	currentVariant  int
	segments        []SegmentRef
	nextSegmentIx   int
	downloadedIDs   map[string]bool
	bytesDownloaded int64
	segmentCount    int
	seekEpoch       uint64
	paused          bool
	mediaBaseURL    string
	fetchCancel     context.CancelFunc // cancels the in-flight per-segment fetch, if any

	metrics  *metrics.Metrics
	tunables Tunables
}

// NewStreamSession constructs a session in state Resolving. Run must be
// called (typically in its own goroutine) to drive the state machine. tun's
// zero value uses each component's package defaults.
func NewStreamSession(parent context.Context, id SessionID, owner OwnerID, manifestURL string, headers http.Header, proxy RequestProxy, sink Sink, transmuxer Transmuxer, maxBufferBytes int64, met *metrics.Metrics, tun Tunables) *StreamSession {
	ctx, cancel := context.WithCancel(parent)
	estimator := NewBandwidthEstimator()
	s := &StreamSession{
		ID:            id,
		OwnerID:       owner,
		Manifest:      manifestURL,
		Headers:       headers,
		proxy:         proxy,
		sink:          sink,
		transmuxer:    transmuxer,
		parser:        NewPlaylistParser(),
		estimator:     estimator,
		ctx:           ctx,
		cancel:        cancel,
		events:        make(chan SessionEvent, 64),
		state:         StateResolving,
		downloadedIDs: make(map[string]bool),
		store:         NewRingSegmentStore(maxBufferBytes),
		metrics:       met,
		tunables:      tun,
	}
	s.fetch = NewFetchPipeline(ctx, proxy, estimator, met, tun.Fetch)
	s.queue = NewAppendQueue(sink, s.onBufferLevel, met)
	return s
}

// Events returns the session's observability event stream.
func (s *StreamSession) Events() <-chan SessionEvent { return s.events }

func (s *StreamSession) emit(ev SessionEvent) {
	ev.Session = s.ID
	select {
	case s.events <- ev:
	default:
		// A slow/absent subscriber must never block the session loop.
	}
}

func (s *StreamSession) setState(tag SessionStateTag) {
	s.mu.Lock()
	s.state = tag
	s.mu.Unlock()
	s.emit(SessionEvent{Kind: "state_changed", State: tag})
}

func (s *StreamSession) fail(kind FailureKind, msg string) {
	s.mu.Lock()
	s.state = StateFailed
	s.failure = kind
	s.mu.Unlock()
	s.emit(SessionEvent{Kind: "state_changed", State: StateFailed, Failure: kind, Message: msg})
}

// State returns the current state tag and, if Failed, the failure kind.
func (s *StreamSession) State() (SessionStateTag, FailureKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.failure
}

// Playlist renders the session's current media segments back out as a live
// m3u8, for an owner that wants to hand a URL to a third-party HLS player
// instead of driving playback through the Owner API directly.
func (s *StreamSession) Playlist() string {
	s.mu.Lock()
	segments := make([]SegmentRef, len(s.segments))
	copy(segments, s.segments)
	ended := s.state == StateEnded
	s.mu.Unlock()
	return buildLivePlaylist(segments, ended)
}

// Stats returns a snapshot of the session's counters.
func (s *StreamSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BytesDownloaded: s.bytesDownloaded,
		SegmentCount:    s.segmentCount,
		BpsEMA:          s.estimator.EMA(),
		NextSegmentIx:   s.nextSegmentIx,
		TotalSegments:   len(s.segments),
		State:           s.state,
		Failure:         s.failure,
	}
}

// Run drives the session's state machine to completion (VOD end, Failed, or
// ctx cancellation). It is meant to be called in its own goroutine.
func (s *StreamSession) Run() {
	if !s.resolve() {
		return
	}
	s.downloadLoop()
}

// resolve implements the Resolving state (§4.7): fetch the manifest once,
// pick an initial variant if it's a master, and fetch the media playlist.
func (s *StreamSession) resolve() bool {
	resp, err := s.fetch.Get(s.ctx, s.Manifest, FetchText, s.Headers)
	if err != nil {
		s.handleResolveError(err)
		return false
	}

	snap, err := s.parser.Parse(resp.Text, resp.FinalURL)
	if err != nil {
		s.fail(FailureManifestMalformed, err.Error())
		return false
	}

	switch snap.Kind {
	case PlaylistMaster:
		return s.resolveFromMaster(snap)
	default:
		return s.adoptMediaSnapshot(snap)
	}
}

func (s *StreamSession) handleResolveError(err error) {
	if fe, ok := err.(*FetchError); ok {
		switch fe.Kind {
		case FetchFatal:
			s.fail(fe.Failure, fe.Error())
			return
		case FetchSkip:
			s.fail(FailureManifestMalformed, "manifest not found")
			return
		}
	}
	s.fail(FailureManifestMalformed, "manifest fetch exhausted retries")
}

func (s *StreamSession) resolveFromMaster(snap PlaylistSnapshot) bool {
	s.mu.Lock()
	s.variants = sortVariantsAscending(snap.Variants)
	s.mu.Unlock()

	s.emit(SessionEvent{Kind: "qualities", Variants: snap.Variants})

	s.abr = NewABRController(s.estimator, s.variants, len(s.variants)/2, s.tunables.ABRSwitchInterval, s.tunables.ABRPanicBuffer)
	ix := s.abr.CurrentIndex()

	variantURL := variantURLByIndex(s.variants, ix)
	resp, err := s.fetch.Get(s.ctx, variantURL, FetchText, s.Headers)
	if err != nil {
		s.handleResolveError(err)
		return false
	}
	mediaSnap, err := s.parser.Parse(resp.Text, resp.FinalURL)
	if err != nil {
		s.fail(FailureManifestMalformed, err.Error())
		return false
	}

	s.mu.Lock()
	s.currentVariant = ix
	s.mu.Unlock()
	return s.adoptMediaSnapshot(mediaSnap)
}

func (s *StreamSession) adoptMediaSnapshot(snap PlaylistSnapshot) bool {
	s.mu.Lock()
	s.segments = snap.Segments
	s.mediaBaseURL = snap.BaseURL
	s.mu.Unlock()

	if s.abr == nil {
		// Direct media playlist (no master): ABR has nothing to select
		// between, but still tracks bandwidth for stats purposes.
		s.abr = NewABRController(s.estimator, nil, 0, s.tunables.ABRSwitchInterval, s.tunables.ABRPanicBuffer)
	}

	if snap.IsLive {
		go s.liveRefreshLoop()
	}

	s.setState(StateDownloading)
	return true
}

func sortVariantsAscending(variants []Variant) []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BitrateBps < out[j].BitrateBps
	})
	return out
}

func variantURLByIndex(ascending []Variant, ix int) string {
	if len(ascending) == 0 {
		return ""
	}
	if ix < 0 {
		ix = 0
	}
	if ix >= len(ascending) {
		ix = len(ascending) - 1
	}
	return ascending[ix].URL
}

// downloadLoop implements the Downloading state's per-segment loop (§4.7).
func (s *StreamSession) downloadLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		paused := s.paused
		ix := s.nextSegmentIx
		total := len(s.segments)
		s.mu.Unlock()

		if paused {
			s.waitForResume()
			continue
		}

		if ix >= total {
			if s.queueDrained() {
				s.setState(StateEnded)
				s.sink.EndOfStream()
				return
			}
			s.sleepInterruptible(bufferFullPollDelay)
			continue
		}

		if !s.queue.NeedsMoreData() {
			s.sleepInterruptible(bufferFullPollDelay)
			continue
		}

		s.downloadOne(ix)
	}
}

func (s *StreamSession) queueDrained() bool {
	return s.queue.PendingLen(SubQueueVideo) == 0 && s.queue.PendingLen(SubQueueAudio) == 0
}

func (s *StreamSession) waitForResume() {
	select {
	case <-s.ctx.Done():
	case <-time.After(bufferFullPollDelay):
	}
}

func (s *StreamSession) sleepInterruptible(d time.Duration) {
	select {
	case <-s.ctx.Done():
	case <-time.After(d):
	}
}

// downloadOne fetches segments[ix] and applies §4.7 steps 2-6. The fetch runs
// under its own cancelable context, derived fresh each call, so a concurrent
// Seek can abort just this cycle's request without tearing down the whole
// FetchPipeline (see Seek).
func (s *StreamSession) downloadOne(ix int) {
	s.mu.Lock()
	if ix >= len(s.segments) {
		s.mu.Unlock()
		return
	}
	seg := s.segments[ix]
	epoch := s.seekEpoch
	fetchCtx, cancel := context.WithCancel(s.ctx)
	s.fetchCancel = cancel
	s.mu.Unlock()
	defer cancel()

	resp, err := s.fetch.Get(fetchCtx, seg.URL, FetchBytes, s.Headers)

	s.mu.Lock()
	stale := epoch != s.seekEpoch
	s.mu.Unlock()
	if stale {
		return // a seek raced this fetch; its completion must not mutate state
	}

	if err != nil {
		s.handleSegmentError(err, ix)
		return
	}

	id := seg.ID()
	s.mu.Lock()
	if s.downloadedIDs[id] {
		s.nextSegmentIx = ix + 1
		s.mu.Unlock()
		return
	}
	s.downloadedIDs[id] = true
	s.bytesDownloaded += int64(len(resp.Bytes))
	s.segmentCount++
	nextIx := ix + 1
	s.nextSegmentIx = nextIx
	s.mu.Unlock()

	s.store.Put(SegmentKey{Session: s.ID, Stream: s.mediaBaseURL, Sequence: seg.Sequence}, resp.Bytes)

	if appendErr := s.pushToQueue(seg, resp.Bytes); appendErr != nil {
		s.fail(FailureSinkClosed, appendErr.Error())
		return
	}

	s.emit(SessionEvent{
		Kind:            "stats",
		BytesDownloaded: s.bytesDownloaded,
		SegmentCount:    s.segmentCount,
		BpsEMA:          s.estimator.EMA(),
	})

	if nextIx == 1 {
		time.Sleep(firstSegmentGrace)
	}
}

// pushToQueue routes a fetched segment's bytes to the append queue. When a
// Transmuxer is present, it demuxes the TS bytes into fMP4 chunks (§6);
// otherwise the raw bytes are appended directly as the fMP4/MP4 progressive
// path assumes.
func (s *StreamSession) pushToQueue(seg SegmentRef, data []byte) error {
	if s.transmuxer == nil {
		return s.queue.Push(s.ctx, SubQueueVideo, seg.Sequence, data)
	}
	if err := s.transmuxer.Push(data); err != nil {
		return err
	}
	if err := s.transmuxer.Flush(); err != nil {
		return err
	}
	for {
		select {
		case chunk, ok := <-s.transmuxer.Chunks():
			if !ok {
				return nil
			}
			if err := s.pushChunk(seg, chunk); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *StreamSession) pushChunk(seg SegmentRef, chunk Chunk) error {
	kind := SubQueueVideo
	if chunk.Kind == ChunkAudio {
		kind = SubQueueAudio
	}
	if chunk.Init != nil {
		return s.queue.PushInit(s.ctx, kind, chunk.Init)
	}
	return s.queue.Push(s.ctx, kind, seg.Sequence, chunk.Data)
}

func (s *StreamSession) handleSegmentError(err error, ix int) {
	fe, ok := err.(*FetchError)
	if !ok {
		s.sleepInterruptible(transientRetryDelay)
		return
	}
	switch fe.Kind {
	case FetchSkip:
		s.mu.Lock()
		s.nextSegmentIx = ix + 1
		s.mu.Unlock()
	case FetchFatal:
		s.fail(fe.Failure, fe.Error())
	case FetchTransient:
		s.emit(SessionEvent{Kind: "error", Message: fe.Error()})
		s.sleepInterruptible(transientRetryDelay)
	}
}

// onBufferLevel is AppendQueue's callback (§4.4/§4.7): re-run ABR selection
// and, on a variant change, realign the segment list.
func (s *StreamSession) onBufferLevel(bufferSeconds float64) {
	if s.metrics != nil {
		s.metrics.SetBufferedBytes(s.store.TotalBytes())
	}
	if s.abr == nil || len(s.variants) == 0 {
		return
	}
	s.mu.Lock()
	current := s.currentVariant
	s.mu.Unlock()

	newIx := s.abr.Select(time.Duration(bufferSeconds*float64(time.Second)), time.Now())
	if newIx == current {
		return
	}
	s.switchVariant(newIx)
}

func (s *StreamSession) switchVariant(newIx int) {
	variantURL := variantURLByIndex(s.variants, newIx)
	if variantURL == "" {
		return
	}
	resp, err := s.fetch.Get(s.ctx, variantURL, FetchText, s.Headers)
	if err != nil {
		return // a failed opportunistic switch is not fatal; keep current variant
	}
	snap, err := s.parser.Parse(resp.Text, resp.FinalURL)
	if err != nil || snap.Kind != PlaylistMedia {
		return
	}

	s.mu.Lock()
	var currentSeq uint64
	if s.nextSegmentIx > 0 && s.nextSegmentIx-1 < len(s.segments) {
		currentSeq = s.segments[s.nextSegmentIx-1].Sequence
	} else if s.nextSegmentIx < len(s.segments) {
		currentSeq = s.segments[s.nextSegmentIx].Sequence
	}

	newStart := 0
	found := false
	for i, seg := range snap.Segments {
		if seg.Sequence >= currentSeq {
			newStart = i
			found = true
			break
		}
	}
	if !found {
		// §9 Open Question: fall back to index 0 rather than
		// Fatal(VariantMisaligned). No log line or event is emitted for it.
		newStart = 0
	}

	s.segments = snap.Segments
	s.mediaBaseURL = snap.BaseURL
	s.nextSegmentIx = newStart
	s.currentVariant = newIx
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncVariantSwitches()
	}
}

// liveRefreshLoop implements §4.7's live refresh task: every refresh
// interval (s.tunables.LiveRefreshInterval, falling back to
// liveRefreshInterval), re-fetch the media playlist and append new segments.
func (s *StreamSession) liveRefreshLoop() {
	interval := s.tunables.LiveRefreshInterval
	if interval <= 0 {
		interval = liveRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refreshLive()
		}
	}
}

func (s *StreamSession) refreshLive() {
	s.mu.Lock()
	url := s.currentMediaURL()
	s.mu.Unlock()
	if url == "" {
		return
	}

	resp, err := s.fetch.GetCoalesced(s.ctx, "refresh:"+url, url, FetchText, s.Headers)
	if err != nil {
		return // a failed refresh just tries again next tick
	}
	snap, err := s.parser.Parse(resp.Text, resp.FinalURL)
	if err != nil || snap.Kind != PlaylistMedia {
		return
	}

	s.mu.Lock()
	known := make(map[string]bool, len(s.segments))
	for _, seg := range s.segments {
		known[seg.ID()] = true
	}
	var fresh []SegmentRef
	for _, seg := range snap.Segments {
		if !known[seg.ID()] {
			fresh = append(fresh, seg)
		}
	}
	if len(fresh) > 0 {
		s.segments = append(s.segments, fresh...)
	}
	s.mu.Unlock()
}

func (s *StreamSession) currentMediaURL() string {
	if len(s.segments) > 0 {
		return s.mediaBaseURL
	}
	if len(s.variants) > 0 {
		return variantURLByIndex(s.variants, s.currentVariant)
	}
	return s.Manifest
}

// Pause suspends the download loop; live-refresh continues (§4.7).
func (s *StreamSession) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume resumes a paused download loop, leaving next_segment_ix unchanged.
func (s *StreamSession) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// SetQuality pins (or unlocks, when auto is true) the ABR controller.
func (s *StreamSession) SetQuality(variantIx int, auto bool) {
	if s.abr == nil {
		return
	}
	if auto {
		s.abr.Unlock()
		return
	}
	s.abr.Lock(variantIx)
	s.switchVariant(variantIx)
}

// Seek aborts the in-flight fetch (if any), discards stale queue entries, and
// jumps the download cursor to the segment covering tSeconds (§4.7).
// Idempotent: Seek(t); Seek(t) behaves as a single Seek(t).
//
// Aborting means canceling the current download cycle's own context, not the
// whole FetchPipeline: downloadOne derives a fresh cancelable context from
// s.ctx on every cycle, so canceling s.fetchCancel here only kills the
// request in flight right now. The next downloadOne call gets its own
// context and is unaffected.
func (s *StreamSession) Seek(tSeconds float64) {
	s.mu.Lock()
	target := s.segmentIndexForTime(tSeconds)
	if target == s.nextSegmentIx {
		s.mu.Unlock()
		return
	}
	s.seekEpoch++
	s.nextSegmentIx = target
	var keepFromSeq uint64
	if target < len(s.segments) {
		keepFromSeq = s.segments[target].Sequence
	}
	cancel := s.fetchCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.queue.DiscardBefore(SubQueueVideo, keepFromSeq)
	s.queue.DiscardBefore(SubQueueAudio, keepFromSeq)
}

func (s *StreamSession) segmentIndexForTime(tSeconds float64) int {
	cum := 0.0
	for i, seg := range s.segments {
		if tSeconds < cum+seg.DurationS {
			return i
		}
		cum += seg.DurationS
	}
	if len(s.segments) == 0 {
		return 0
	}
	return len(s.segments) - 1
}

// AbortAll cancels every in-flight fetch immediately (§5 cancellation
// completeness): after it returns, no racing fetch completion will mutate
// session state (guarded by the seek-epoch/context-cancellation checks in
// downloadOne and the fetch pipeline's own rootCtx check).
func (s *StreamSession) AbortAll() {
	s.fetch.AbortAll()
}

// Close tears the session down: abort fetches, cancel the run loop's
// context, and clear the segment store. Pending append-queue entries are not
// discarded and the Sink is not released or ended.
func (s *StreamSession) Close() {
	s.AbortAll()
	s.cancel()
	s.store.Clear()
}

package streaming

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	bandwidthEMAAlpha  = 0.15
	bandwidthWindowCap = 20
)

// BandwidthEstimator holds an exponential moving average plus a rolling
// sample window, fed by every completed FetchPipeline request. Safe for
// concurrent use: Report is called from fetch-completion goroutines while
// EMA/Percentile are read from a session's ABR control loop.
type BandwidthEstimator struct {
	mu     sync.Mutex
	window []BandwidthSample // ring, oldest first, capacity bandwidthWindowCap
	ema    float64
	seeded bool
}

// NewBandwidthEstimator returns an estimator with an empty window.
func NewBandwidthEstimator() *BandwidthEstimator {
	return &BandwidthEstimator{}
}

// Report records one completed fetch's throughput. bytes is the response
// size; dt is the wall-clock duration of the fetch attempt.
func (e *BandwidthEstimator) Report(bytes int, dt time.Duration) {
	if dt <= 0 {
		return
	}
	bps := 8 * float64(bytes) / dt.Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = append(e.window, BandwidthSample{Bps: bps, T: time.Now()})
	if len(e.window) > bandwidthWindowCap {
		e.window = e.window[len(e.window)-bandwidthWindowCap:]
	}

	if !e.seeded {
		e.ema = bps
		e.seeded = true
		return
	}
	e.ema = bandwidthEMAAlpha*bps + (1-bandwidthEMAAlpha)*e.ema
}

// Seed primes the EMA without a real fetch (used in tests and to model the
// spec's "estimator seeded at 1 Mbps via prior sample" scenario).
func (e *BandwidthEstimator) Seed(bps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = append(e.window, BandwidthSample{Bps: bps, T: time.Now()})
	e.ema = bps
	e.seeded = true
}

// EMA returns the current exponential moving average in bits per second, or
// +Inf when no samples have been reported. ABR's 0.8x safety factor keeps
// that at +Inf, so its largest-affordable-variant search then treats every
// variant as affordable.
func (e *BandwidthEstimator) EMA() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seeded {
		return math.Inf(1)
	}
	return e.ema
}

// Percentile returns the p-th percentile (p in [0,1]) of the current sample
// window, or +Inf when the window is empty.
func (e *BandwidthEstimator) Percentile(p float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.window) == 0 {
		return math.Inf(1)
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	sorted := make([]float64, len(e.window))
	for i, s := range e.window {
		sorted[i] = s.Bps
	}
	sort.Float64s(sorted)

	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// SampleCount returns the number of samples currently in the window.
func (e *BandwidthEstimator) SampleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.window)
}

package streaming

import (
	"sync"
	"time"
)

// ABR tuning parameters, per §4.4. Exported as constants so callers and
// tests can reason about them without reaching into the controller.
const (
	ABRSwitchInterval = 10 * time.Second
	ABRPanicBuffer    = 5 * time.Second
	ABRRichBuffer     = 60 * time.Second
	abrSafetyFactor   = 0.8
	abrStepUpFactor   = 1.1
)

// ABRController selects a variant index from a bitrate-ascending variant
// list, fed by a BandwidthEstimator and the session's reported buffer level.
// It is stateful (locked-variant override, hysteresis timer) and guarded by
// a mutex since it is driven by the session's control loop but may be read
// (e.g. CurrentIndex for a stats event) from elsewhere.
type ABRController struct {
	mu sync.Mutex

	estimator *BandwidthEstimator
	variants  []Variant // ascending bitrate; caller's responsibility to sort

	switchInterval time.Duration
	panicBuffer    time.Duration

	current    int
	locked     bool
	lockedIx   int
	lastSwitch time.Time
	hasSwitch  bool
}

// NewABRController returns a controller over variants (ascending bitrate)
// fed by estimator. The initial index is clamped into range. switchInterval
// and panicBuffer are the operator-configurable hysteresis/downgrade
// thresholds (threaded down from platform/config.Engine); a zero value in
// either falls back to the package default.
func NewABRController(estimator *BandwidthEstimator, variants []Variant, initial int, switchInterval, panicBuffer time.Duration) *ABRController {
	if initial < 0 {
		initial = 0
	}
	if len(variants) > 0 && initial >= len(variants) {
		initial = len(variants) - 1
	}
	if switchInterval <= 0 {
		switchInterval = ABRSwitchInterval
	}
	if panicBuffer <= 0 {
		panicBuffer = ABRPanicBuffer
	}
	return &ABRController{
		estimator:      estimator,
		variants:       variants,
		current:        initial,
		switchInterval: switchInterval,
		panicBuffer:    panicBuffer,
	}
}

// SetVariants replaces the variant list (e.g. after a manifest re-resolve),
// clamping the current index into the new range.
func (a *ABRController) SetVariants(variants []Variant) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.variants = variants
	if a.current >= len(variants) && len(variants) > 0 {
		a.current = len(variants) - 1
	}
}

// Lock pins the controller to a specific variant index, overriding automatic
// selection (Owner API's set_quality(variant_ix)).
func (a *ABRController) Lock(ix int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked = true
	a.lockedIx = ix
}

// Unlock returns the controller to automatic selection (set_quality(auto)).
func (a *ABRController) Unlock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked = false
}

// Select runs the §4.4 algorithm and returns the chosen variant index. now
// is passed explicitly so tests can drive the hysteresis clock deterministically.
func (a *ABRController) Select(bufferLevel time.Duration, now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.locked {
		return a.clamp(a.lockedIx)
	}
	if len(a.variants) == 0 {
		return 0
	}

	// Step 2: hysteresis — recent switch and buffer not panicking holds current.
	if a.hasSwitch && now.Sub(a.lastSwitch) < a.switchInterval && bufferLevel > a.panicBuffer {
		return a.current
	}

	ema := a.estimator.EMA()
	safeBw := abrSafetyFactor * ema
	ix := 0
	for i, v := range a.variants {
		if float64(v.BitrateBps) <= safeBw {
			ix = i
		}
	}

	switch {
	case bufferLevel < a.panicBuffer:
		ix = 0
	case bufferLevel > ABRRichBuffer:
		if ix+1 < len(a.variants) && float64(a.variants[ix+1].BitrateBps) < abrStepUpFactor*ema {
			ix++
		}
	}

	if ix != a.current {
		a.current = ix
		a.lastSwitch = now
		a.hasSwitch = true
	}
	return a.current
}

// CurrentIndex returns the last index Select returned (or the locked index).
func (a *ABRController) CurrentIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked {
		return a.clamp(a.lockedIx)
	}
	return a.current
}

func (a *ABRController) clamp(ix int) int {
	if len(a.variants) == 0 {
		return 0
	}
	if ix < 0 {
		return 0
	}
	if ix >= len(a.variants) {
		return len(a.variants) - 1
	}
	return ix
}

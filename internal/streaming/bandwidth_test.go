package streaming

import (
	"math"
	"testing"
	"time"
)

func TestBandwidthEstimator_unseeded_returnsInf(t *testing.T) {
	e := NewBandwidthEstimator()
	if !math.IsInf(e.EMA(), 1) {
		t.Errorf("expected +Inf before any report, got %v", e.EMA())
	}
	if !math.IsInf(e.Percentile(0.5), 1) {
		t.Errorf("expected +Inf percentile before any report, got %v", e.Percentile(0.5))
	}
}

func TestBandwidthEstimator_firstReportSeedsExactly(t *testing.T) {
	e := NewBandwidthEstimator()
	e.Report(125000, time.Second) // 1,000,000 bits in 1s = 1 Mbps
	if e.EMA() != 1_000_000 {
		t.Errorf("expected first sample to seed EMA exactly, got %v", e.EMA())
	}
	if e.SampleCount() != 1 {
		t.Errorf("expected 1 sample, got %d", e.SampleCount())
	}
}

func TestBandwidthEstimator_subsequentReportsBlendTowardNewSample(t *testing.T) {
	e := NewBandwidthEstimator()
	e.Seed(1_000_000)
	e.Report(250000, time.Second) // 2,000,000 bps
	if e.EMA() <= 1_000_000 || e.EMA() >= 2_000_000 {
		t.Errorf("expected EMA to move between old and new sample, got %v", e.EMA())
	}
}

func TestBandwidthEstimator_windowCapped(t *testing.T) {
	e := NewBandwidthEstimator()
	for i := 0; i < bandwidthWindowCap+5; i++ {
		e.Report(1000, time.Second)
	}
	if e.SampleCount() != bandwidthWindowCap {
		t.Errorf("expected window capped at %d, got %d", bandwidthWindowCap, e.SampleCount())
	}
}

func TestBandwidthEstimator_ignoresNonPositiveDuration(t *testing.T) {
	e := NewBandwidthEstimator()
	e.Report(1000, 0)
	if e.SampleCount() != 0 {
		t.Error("expected zero-duration report to be ignored")
	}
}

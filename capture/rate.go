package capture

import (
	"math"

	"github.com/pkg/errors"
)

// RateState decides which pulled frames are forwarded. It keeps a monotonic
// pull counter and forwards a frame when the counter is a multiple of the
// interval, so the forwarded rate never exceeds the target no matter how fast
// the producer runs.
type RateState struct {
	interval uint64
	count    uint64
}

// NewRateState computes the forwarding interval floor(nativeFPS/targetFPS).
// A target at or above the native rate forwards every frame.
func NewRateState(nativeFPS, targetFPS float64) (*RateState, error) {
	if nativeFPS <= 0 || math.IsNaN(nativeFPS) || math.IsInf(nativeFPS, 0) {
		return nil, errors.Errorf("native frame rate must be positive, got %v", nativeFPS)
	}
	if targetFPS <= 0 || math.IsNaN(targetFPS) || math.IsInf(targetFPS, 0) {
		return nil, errors.Errorf("target frame rate must be positive, got %v", targetFPS)
	}
	interval := uint64(math.Floor(nativeFPS / targetFPS))
	if interval < 1 {
		interval = 1
	}
	return &RateState{interval: interval}, nil
}

// Interval returns the forwarding interval.
func (r *RateState) Interval() uint64 {
	return r.interval
}

// Count returns how many frames have been admitted or dropped so far.
func (r *RateState) Count() uint64 {
	return r.count
}

// Admit reports whether the next pulled frame should be forwarded and
// advances the counter.
func (r *RateState) Admit() bool {
	forward := r.count%r.interval == 0
	r.count++
	return forward
}

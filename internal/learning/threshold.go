package learning

import (
	"sync"

	"github.com/casys-ai/pml/internal/wire"
)

// Adaptive threshold tuning constants, spec.md §4.G.3.
const (
	DefaultSuggestionThreshold = 0.70
	DefaultWindowSize          = 50
	DemoWindowSize             = 10
	targetSuccessRate          = 0.85
	learningRate               = 0.05
	thresholdMin               = 0.40
	thresholdMax               = 0.90
)

// AdaptiveThresholds tracks the rolling success rate of executions and
// recalibrates the suggestion/explicit acceptance cutoffs every
// windowSize executions by EMA-smoothing toward a target success rate.
type AdaptiveThresholds struct {
	mu sync.Mutex

	windowSize int
	state      wire.AdaptiveThresholdState
}

// NewAdaptiveThresholds returns a controller seeded with the given
// initial thresholds (DefaultSuggestionThreshold / an explicit-threshold
// default the caller supplies) and the window size over which success
// rate is measured.
func NewAdaptiveThresholds(initial wire.AdaptiveThresholdState, windowSize int) *AdaptiveThresholds {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if initial.LearningRate <= 0 {
		initial.LearningRate = learningRate
	}
	if initial.TargetSuccessRate <= 0 {
		initial.TargetSuccessRate = targetSuccessRate
	}
	return &AdaptiveThresholds{windowSize: windowSize, state: initial}
}

// Record appends one execution outcome to the rolling window. Once
// windowSize outcomes have accumulated, it recalibrates both thresholds
// and resets the window.
func (a *AdaptiveThresholds) Record(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.WindowedHistory = append(a.state.WindowedHistory, success)
	if len(a.state.WindowedHistory) < a.windowSize {
		return
	}
	successRate := windowSuccessRate(a.state.WindowedHistory)
	a.state.SuggestionThreshold = recalibrate(a.state.SuggestionThreshold, successRate, a.state.TargetSuccessRate, a.state.LearningRate)
	a.state.ExplicitThreshold = recalibrate(a.state.ExplicitThreshold, successRate, a.state.TargetSuccessRate, a.state.LearningRate)
	a.state.WindowedHistory = nil
}

// State returns a copy of the current threshold state.
func (a *AdaptiveThresholds) State() wire.AdaptiveThresholdState {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := a.state
	cp.WindowedHistory = append([]bool(nil), a.state.WindowedHistory...)
	return cp
}

func windowSuccessRate(history []bool) float64 {
	if len(history) == 0 {
		return 0
	}
	var successes int
	for _, ok := range history {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(history))
}

// recalibrate computes the next threshold value: a candidate nudge based
// on how far the observed success rate s is from target, then an EMA
// blend of the current threshold with that candidate, clamped to
// [thresholdMin, thresholdMax].
func recalibrate(current, s, target, rate float64) float64 {
	candidate := current
	switch {
	case s > 0.90:
		candidate = current - (s-target)*0.1
	case s < 0.80:
		candidate = current + (target-s)*0.1
	}
	next := current*(1-rate) + candidate*rate
	if next < thresholdMin {
		next = thresholdMin
	}
	if next > thresholdMax {
		next = thresholdMax
	}
	return next
}

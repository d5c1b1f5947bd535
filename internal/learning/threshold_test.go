package learning

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/casys-ai/pml/internal/wire"
)

// Grounded on the teacher's gopter property-test style (registry/store/mongo's
// "N random inputs, one invariant" shape): rather than hand-picking a few
// execution sequences, generate arbitrary outcome sequences and assert the
// [thresholdMin, thresholdMax] clamp invariant recalibrate documents holds no
// matter how the windows land.
func TestAdaptiveThresholdsStayWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("thresholds never leave [0.40, 0.90] regardless of outcome sequence", prop.ForAll(
		func(outcomes []bool) bool {
			at := NewAdaptiveThresholds(wire.AdaptiveThresholdState{
				SuggestionThreshold: DefaultSuggestionThreshold,
				ExplicitThreshold:   0.85,
			}, DemoWindowSize)
			for _, ok := range outcomes {
				at.Record(ok)
			}
			state := at.State()
			return state.SuggestionThreshold >= thresholdMin && state.SuggestionThreshold <= thresholdMax &&
				state.ExplicitThreshold >= thresholdMin && state.ExplicitThreshold <= thresholdMax
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestAdaptiveThresholdsResetsWindowOnRecalibration(t *testing.T) {
	at := NewAdaptiveThresholds(wire.AdaptiveThresholdState{
		SuggestionThreshold: DefaultSuggestionThreshold,
		ExplicitThreshold:   0.85,
	}, 4)
	for i := 0; i < 4; i++ {
		at.Record(true)
	}
	state := at.State()
	if len(state.WindowedHistory) != 0 {
		t.Fatalf("expected window to reset after recalibration, got %d entries", len(state.WindowedHistory))
	}
}

func TestAdaptiveThresholdsNoRecalibrationBeforeWindowFull(t *testing.T) {
	at := NewAdaptiveThresholds(wire.AdaptiveThresholdState{
		SuggestionThreshold: DefaultSuggestionThreshold,
		ExplicitThreshold:   0.85,
	}, 10)
	at.Record(false)
	at.Record(false)
	state := at.State()
	if state.SuggestionThreshold != DefaultSuggestionThreshold {
		t.Fatalf("threshold changed before window filled: got %v", state.SuggestionThreshold)
	}
	if len(state.WindowedHistory) != 2 {
		t.Fatalf("expected 2 pending outcomes, got %d", len(state.WindowedHistory))
	}
}

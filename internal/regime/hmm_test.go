package regime

import (
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// twoRegimeFeatures builds aligned return and volatility-proxy series with a
// clear calm/volatile split, from a fixed seed.
func twoRegimeFeatures(nCalm, nWild int) Input {
	r := rand.New(rand.NewSource(7))
	n := nCalm + nWild
	ds := testDates(n)

	ret := make([]float64, n)
	vol := make([]float64, n)
	for i := 0; i < n; i++ {
		sigma, level := 0.02, 0.02
		if i >= nCalm {
			sigma, level = 0.40, 0.40
		}
		ret[i] = sigma * r.NormFloat64()
		vol[i] = level * (1 + 0.1*r.NormFloat64())
	}

	retSeries, _ := types.NewTimeSeries(ds, ret)
	volSeries, _ := types.NewTimeSeries(ds, vol)
	return Input{
		Returns:      retSeries,
		Features:     []types.TimeSeries{retSeries, volSeries},
		FeatureNames: []string{"return", "realized_vol"},
	}
}

func TestStateScoresLabelInvariance(t *testing.T) {
	// Scores follow the volatility ordering of the means, not label order.
	means := [][]float64{{0, 0.5}, {0, 0.1}}
	scores := stateScores(means, 1)
	if scores[0] != 1.0 || scores[1] != 0.0 {
		t.Errorf("scores = %v, want high-vol state 1.0", scores)
	}

	swapped := stateScores([][]float64{{0, 0.1}, {0, 0.5}}, 1)
	if swapped[0] != 0.0 || swapped[1] != 1.0 {
		t.Errorf("scores = %v after label swap", swapped)
	}
}

func TestStateScoresThreeStates(t *testing.T) {
	means := [][]float64{{0, 0.3}, {0, 0.1}, {0, 0.9}}
	scores := stateScores(means, 1)
	if scores[1] != 0.0 || scores[0] != 0.5 || scores[2] != 1.0 {
		t.Errorf("scores = %v, want ranks 0.5/0/1", scores)
	}
}

func TestHMMDetectTwoRegimes(t *testing.T) {
	det := NewHMMDetector(zap.NewNop(), DefaultHMMConfig())
	in := twoRegimeFeatures(200, 200)

	out := det.Detect(in)
	if out.Failed() {
		t.Fatalf("detect failed with flags %v", out.Flags)
	}
	if out.Kind != types.ScoreBinary {
		t.Errorf("kind = %s", out.Kind)
	}
	if out.Series.Len() != 400 {
		t.Fatalf("series length = %d, want 400", out.Series.Len())
	}

	// Two states map onto {0, 1}.
	for i, v := range out.Series.Values {
		if v != 0 && v != 1 {
			t.Fatalf("score at %d is %g, want 0 or 1 for a two-state fit", i, v)
		}
	}

	calm := segmentMean(out.Series.Values, 20, 180)
	wild := segmentMean(out.Series.Values, 220, 380)
	if calm > 0.1 || wild < 0.9 {
		t.Errorf("decoded path mismatched: calm %.3f, wild %.3f", calm, wild)
	}
}

func TestHMMDetectAlignmentEmpty(t *testing.T) {
	det := NewHMMDetector(zap.NewNop(), DefaultHMMConfig())

	a, _ := types.NewTimeSeries(testDates(50), make([]float64, 50))
	laterDates := make([]time.Time, 50)
	for i := range laterDates {
		laterDates[i] = testDay0.AddDate(1, 0, i)
	}
	b, _ := types.NewTimeSeries(laterDates, make([]float64, 50))

	out := det.Detect(Input{Returns: a, Features: []types.TimeSeries{a, b}})
	if !out.HasFlag(types.FlagAlignmentEmpty) {
		t.Fatalf("expected alignment_empty, got %v", out.Flags)
	}
}

func TestHMMDetectInsufficientData(t *testing.T) {
	det := NewHMMDetector(zap.NewNop(), DefaultHMMConfig())
	out := det.Detect(twoRegimeFeatures(15, 15))
	if !out.HasFlag(types.FlagDataInsufficient) {
		t.Fatalf("expected data_insufficient, got %v", out.Flags)
	}
}

func TestHMMDetectDropsMisalignedDates(t *testing.T) {
	det := NewHMMDetector(zap.NewNop(), DefaultHMMConfig())
	in := twoRegimeFeatures(150, 150)
	in.Features[1].Values[42] = types.Missing()

	out := det.Detect(in)
	if out.Failed() {
		t.Fatalf("detect failed with flags %v", out.Flags)
	}
	// Rows with any missing feature are excluded from the join.
	if out.Series.Len() != 299 {
		t.Errorf("series length = %d, want 299", out.Series.Len())
	}
}

package regime

import (
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

func TestSigmoidLogitInverse(t *testing.T) {
	for _, p := range []float64{0.01, 0.05, 0.5, 0.9, 0.99} {
		if got := sigmoid(logit(p)); math.Abs(got-p) > 1e-12 {
			t.Errorf("sigmoid(logit(%g)) = %g", p, got)
		}
	}
}

func TestDecodeGARCHConstraints(t *testing.T) {
	variance := 0.04
	for _, z := range [][]float64{
		{0, 0, 0},
		{2, -3, 4},
		{-5, 8, 8},
		{1, -10, 10},
	} {
		p := decodeGARCH(z, variance)
		if p.omega <= 0 {
			t.Errorf("decode(%v): omega = %g, want positive", z, p.omega)
		}
		if p.alpha < 0 || p.beta < 0 {
			t.Errorf("decode(%v): negative coefficients alpha=%g beta=%g", z, p.alpha, p.beta)
		}
		if p.alpha+p.beta >= maxPersistence+1e-12 {
			t.Errorf("decode(%v): persistence %g breaches cap", z, p.alpha+p.beta)
		}
	}
}

func TestConditionalVolatilityPositive(t *testing.T) {
	x := twoRegimeReturns(100, 100, 0.02, 0.40).Values
	p := garchParams{omega: 0.0001, alpha: 0.05, beta: 0.90}

	sigma := conditionalVolatility(x, p, 0.04)
	if len(sigma) != len(x) {
		t.Fatalf("length %d, want %d", len(sigma), len(x))
	}
	for i, s := range sigma {
		if s <= 0 || math.IsNaN(s) {
			t.Fatalf("sigma[%d] = %g", i, s)
		}
	}
}

func TestGARCHNLLRejectsInvalidParams(t *testing.T) {
	x := []float64{0.1, -0.2, 0.05}
	for _, p := range []garchParams{
		{omega: 0, alpha: 0.05, beta: 0.9},
		{omega: 0.01, alpha: -0.1, beta: 0.9},
		{omega: 0.01, alpha: 0.5, beta: 0.6},
	} {
		if _, ok := garchNLL(x, p, 0.04); ok {
			t.Errorf("params %+v accepted, want rejected", p)
		}
	}
	if _, ok := garchNLL(x, garchParams{omega: 0.01, alpha: 0.05, beta: 0.9}, 0.04); !ok {
		t.Error("valid params rejected")
	}
}

func TestFitGARCHZeroVariance(t *testing.T) {
	x := make([]float64, 200)
	if _, _, err := fitGARCH(x, 500); err == nil {
		t.Fatal("expected error for zero-variance input")
	}
}

func TestSegmentScoresRamp(t *testing.T) {
	sigma := []float64{1, 1, 1, 1, 2, 2, 2, 2}
	scores := segmentScores(sigma, []int{4}, 2)

	want := []float64{0, 0, 0, 0, 0.5, 1, 1, 1}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores[%d] = %g, want %g", i, scores[i], want[i])
		}
	}
}

func TestSegmentScoresDownShiftIsZero(t *testing.T) {
	sigma := []float64{2, 2, 2, 2, 1, 1, 1, 1}
	for i, s := range segmentScores(sigma, []int{4}, 2) {
		if s != 0 {
			t.Errorf("scores[%d] = %g, want 0 after drop in volatility", i, s)
		}
	}
}

func TestSegmentScoresNoBreaks(t *testing.T) {
	sigma := []float64{1, 2, 3, 4}
	for i, s := range segmentScores(sigma, nil, 5) {
		if s != 0 {
			t.Errorf("scores[%d] = %g, want 0 with no breakpoints", i, s)
		}
	}
}

func TestGARCHDetectVolatilityShift(t *testing.T) {
	det := NewGARCHDetector(zap.NewNop(), DefaultGARCHConfig())
	returns := twoRegimeReturns(250, 250, 0.02, 0.40)

	out := det.Detect(Input{Returns: returns})
	if out.Failed() {
		t.Fatalf("detect failed with flags %v", out.Flags)
	}
	if out.Kind != types.ScoreBinary {
		t.Errorf("kind = %s", out.Kind)
	}

	for i, v := range out.Series.Values {
		if v < 0 || v > 1 {
			t.Fatalf("score out of range at %d: %g", i, v)
		}
	}

	calm := segmentMean(out.Series.Values, 0, 200)
	wild := segmentMean(out.Series.Values, 300, 500)
	if wild <= calm {
		t.Errorf("volatile segment should score higher: calm %.3f, wild %.3f", calm, wild)
	}
	if wild < 0.9 {
		t.Errorf("volatile segment mean score %.3f, want near 1", wild)
	}
}

func TestGARCHDetectInsufficientData(t *testing.T) {
	det := NewGARCHDetector(zap.NewNop(), DefaultGARCHConfig())
	out := det.Detect(Input{Returns: twoRegimeReturns(30, 30, 0.02, 0.40)})
	if !out.HasFlag(types.FlagDataInsufficient) {
		t.Fatalf("expected data_insufficient, got %v", out.Flags)
	}
}

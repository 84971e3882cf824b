package regime

import (
	"math"
	"testing"
)

func stepSeries(nLow, nHigh int, low, high float64) []float64 {
	out := make([]float64, 0, nLow+nHigh)
	for i := 0; i < nLow; i++ {
		out = append(out, low+0.01*float64(i%5))
	}
	for i := 0; i < nHigh; i++ {
		out = append(out, high+0.01*float64(i%5))
	}
	return out
}

func TestPELTFindsMeanShift(t *testing.T) {
	x := stepSeries(80, 80, 0.0, 5.0)
	breaks := peltMeanShift(x, defaultPenalty(x, 2.0), 30)

	if len(breaks) != 1 {
		t.Fatalf("breaks = %v, want exactly one", breaks)
	}
	if got := breaks[0]; got < 75 || got > 85 {
		t.Errorf("break at %d, want near 80", got)
	}
}

func TestPELTNoBreakInFlatSeries(t *testing.T) {
	x := stepSeries(160, 0, 1.0, 0)
	if breaks := peltMeanShift(x, defaultPenalty(x, 2.0), 30); len(breaks) != 0 {
		t.Errorf("breaks in flat series: %v", breaks)
	}
}

func TestPELTShortInput(t *testing.T) {
	x := stepSeries(20, 20, 0.0, 5.0)
	if breaks := peltMeanShift(x, 1.0, 30); breaks != nil {
		t.Errorf("breaks = %v for input shorter than 2*minSize", breaks)
	}
}

func TestPELTRespectsMinSize(t *testing.T) {
	x := stepSeries(100, 100, 0.0, 5.0)
	minSize := 40
	breaks := peltMeanShift(x, defaultPenalty(x, 2.0), minSize)

	prev := 0
	for _, b := range breaks {
		if b-prev < minSize {
			t.Errorf("segment [%d, %d) shorter than %d", prev, b, minSize)
		}
		prev = b
	}
	if len(x)-prev < minSize {
		t.Errorf("final segment [%d, %d) shorter than %d", prev, len(x), minSize)
	}
}

func TestDefaultPenaltyScalesWithVariance(t *testing.T) {
	calm := stepSeries(100, 0, 1.0, 0)
	wild := stepSeries(50, 50, 0.0, 10.0)

	if p, q := defaultPenalty(calm, 2.0), defaultPenalty(wild, 2.0); p >= q {
		t.Errorf("penalty should grow with variance: calm %g, wild %g", p, q)
	}
	if p := defaultPenalty([]float64{1}, 3.0); p != 3.0 {
		t.Errorf("degenerate-input penalty = %g, want the bare factor", p)
	}
}

func TestDefaultPenaltyNonNegative(t *testing.T) {
	x := stepSeries(50, 0, 0.0, 0)
	if p := defaultPenalty(x, 2.0); p <= 0 || math.IsNaN(p) {
		t.Errorf("penalty = %g, want positive", p)
	}
}

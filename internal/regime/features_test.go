package regime

import (
	"math"
	"testing"

	"github.com/quantfold/jgb-regime/pkg/types"
)

func TestBuildInput(t *testing.T) {
	yields, _ := types.NewTimeSeries(testDates(30), func() []float64 {
		out := make([]float64, 30)
		for i := range out {
			out[i] = 0.25 + 0.01*float64(i)
		}
		return out
	}())

	in := BuildInput(yields, FeatureConfig{VolWindow: 5})

	if in.Returns.Len() != 29 {
		t.Fatalf("returns length = %d, want 29", in.Returns.Len())
	}
	for i, v := range in.Returns.Values {
		if math.Abs(v-0.01) > 1e-12 {
			t.Fatalf("return[%d] = %g, want 0.01", i, v)
		}
	}

	if len(in.Features) != 2 || len(in.FeatureNames) != 2 {
		t.Fatalf("features = %d, names = %v", len(in.Features), in.FeatureNames)
	}
	if in.FeatureNames[1] != "realized_vol" {
		t.Errorf("last feature = %s, want the volatility proxy", in.FeatureNames[1])
	}

	vol := in.Features[1]
	for i := 0; i < 4; i++ {
		if !types.IsMissing(vol.Values[i]) {
			t.Errorf("vol[%d] = %g before first full window", i, vol.Values[i])
		}
	}
	// Constant returns have zero realized volatility.
	for i := 4; i < vol.Len(); i++ {
		if math.Abs(vol.Values[i]) > 1e-12 {
			t.Errorf("vol[%d] = %g, want 0 for constant returns", i, vol.Values[i])
		}
	}
}

func TestRollingStd(t *testing.T) {
	ts, _ := types.NewTimeSeries(testDates(6), []float64{1, 2, 3, 4, types.Missing(), 6})
	out := rollingStd(ts, 3)

	if !types.IsMissing(out.Values[0]) || !types.IsMissing(out.Values[1]) {
		t.Error("values before first full window should be missing")
	}
	if math.Abs(out.Values[2]-1) > 1e-12 {
		t.Errorf("std of {1,2,3} = %g, want 1", out.Values[2])
	}
	// Windows touching the missing value are missing.
	for i := 4; i < 6; i++ {
		if !types.IsMissing(out.Values[i]) {
			t.Errorf("out[%d] = %g, want missing", i, out.Values[i])
		}
	}
}

func TestBuildInputClampsWindow(t *testing.T) {
	yields, _ := types.NewTimeSeries(testDates(40), make([]float64, 40))
	in := BuildInput(yields, FeatureConfig{VolWindow: 0})
	if got := in.Features[1].ValidCount(); got != 40-1-(20-1) {
		t.Errorf("valid vol observations = %d with the default window, want %d", got, 40-1-(20-1))
	}
}

package regime

import (
	"math"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// FeatureConfig controls how detector inputs are derived from a raw
// yield level series.
type FeatureConfig struct {
	// VolWindow is the rolling window, in observations, for the realized
	// volatility feature.
	VolWindow int `mapstructure:"vol_window" yaml:"vol_window"`
}

// DefaultFeatureConfig returns sensible defaults.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{VolWindow: 20}
}

// BuildInput derives the shared detector input from a yield level series:
// first differences as returns, plus a feature matrix of returns and
// rolling realized volatility. The volatility column is last so it is the
// default state-ordering feature.
func BuildInput(yields types.TimeSeries, config FeatureConfig) Input {
	if config.VolWindow < 2 {
		config.VolWindow = DefaultFeatureConfig().VolWindow
	}
	returns := yields.Diff()
	vol := rollingStd(returns, config.VolWindow)
	return Input{
		Returns:      returns,
		Features:     []types.TimeSeries{returns.Clone(), vol},
		FeatureNames: []string{"return", "realized_vol"},
	}
}

// rollingStd computes a trailing-window standard deviation, inclusive of
// the current observation. Windows containing a missing value are missing.
func rollingStd(ts types.TimeSeries, window int) types.TimeSeries {
	out := types.MissingSeries(ts.Dates)
	for i := window - 1; i < ts.Len(); i++ {
		sum, sumSq := 0.0, 0.0
		ok := true
		for j := i - window + 1; j <= i; j++ {
			v := ts.Values[j]
			if types.IsMissing(v) {
				ok = false
				break
			}
			sum += v
			sumSq += v * v
		}
		if !ok {
			continue
		}
		n := float64(window)
		variance := (sumSq - sum*sum/n) / (n - 1)
		if variance < 0 {
			variance = 0
		}
		out.Values[i] = math.Sqrt(variance)
	}
	return out
}

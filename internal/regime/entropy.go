package regime

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// Complexity statistic variants for the entropy detector.
const (
	StatisticPermutation = "permutation"
	StatisticSample      = "sample"
)

// EntropyConfig configures the complexity/entropy detector.
type EntropyConfig struct {
	// Window is the rolling window width, in observations.
	Window int `mapstructure:"window" yaml:"window"`
	// Order is the embedding dimension for the ordinal patterns.
	Order int `mapstructure:"order" yaml:"order"`
	// Delay is the time delay between pattern elements.
	Delay int `mapstructure:"delay" yaml:"delay"`
	// Statistic selects the complexity measure: permutation or sample.
	Statistic string `mapstructure:"statistic" yaml:"statistic"`
	// BaselineWindow is the trailing window the raw statistic is z-scored
	// against.
	BaselineWindow int `mapstructure:"baseline_window" yaml:"baseline_window"`
	// MinBaseline is the minimum number of trailing observations required
	// before a z-score is emitted.
	MinBaseline int `mapstructure:"min_baseline" yaml:"min_baseline"`
}

// DefaultEntropyConfig returns sensible defaults: a ~6 month window with
// order-3 patterns, standardized against a ~1 year baseline.
func DefaultEntropyConfig() EntropyConfig {
	return EntropyConfig{
		Window:         120,
		Order:          3,
		Delay:          1,
		Statistic:      StatisticPermutation,
		BaselineWindow: 252,
		MinBaseline:    60,
	}
}

// EntropyDetector computes a rolling ordinal-pattern complexity statistic
// and standardizes it against its own trailing distribution, producing an
// early-warning magnitude rather than a bounded probability. Low entropy
// corresponds to predictable, suppressed dynamics; spikes indicate
// market-driven repricing.
type EntropyDetector struct {
	logger *zap.Logger
	config EntropyConfig
}

// NewEntropyDetector creates the complexity/entropy detector.
func NewEntropyDetector(logger *zap.Logger, config EntropyConfig) *EntropyDetector {
	return &EntropyDetector{
		logger: logger.Named("entropy-detector"),
		config: config,
	}
}

func (d *EntropyDetector) Name() string          { return DetectorEntropy }
func (d *EntropyDetector) Kind() types.ScoreKind { return types.ScoreZScore }

// Detect computes the rolling statistic. Windows with insufficient data
// produce missing values, not errors.
func (d *EntropyDetector) Detect(in Input) types.DetectorOutput {
	series := in.Returns
	if d.config.Window < 2*d.config.Order {
		d.logger.Warn("entropy window too small for embedding order",
			zap.Int("window", d.config.Window),
			zap.Int("order", d.config.Order))
		return failedOutput(DetectorEntropy, types.ScoreZScore, series, types.FlagFitFailed)
	}
	if series.Len() < d.config.Window {
		d.logger.Warn("series shorter than entropy window",
			zap.Int("observations", series.Len()),
			zap.Int("window", d.config.Window))
		return failedOutput(DetectorEntropy, types.ScoreZScore, series, types.FlagDataInsufficient)
	}

	raw := d.rollingStatistic(series.Values)
	z := rollingZScore(raw, d.config.BaselineWindow, d.config.MinBaseline)

	out, _ := types.NewTimeSeries(series.Dates, z)

	valid := 0
	for _, v := range z {
		if !types.IsMissing(v) {
			valid++
		}
	}
	d.logger.Info("rolling entropy computed",
		zap.String("statistic", d.config.Statistic),
		zap.Int("window", d.config.Window),
		zap.Int("order", d.config.Order),
		zap.Int("valid", valid))

	return types.DetectorOutput{
		Detector: DetectorEntropy,
		Kind:     types.ScoreZScore,
		Series:   out,
		Metadata: map[string]string{
			"statistic": d.config.Statistic,
			"window":    fmt.Sprintf("%d", d.config.Window),
			"order":     fmt.Sprintf("%d", d.config.Order),
		},
	}
}

// rollingStatistic evaluates the configured complexity measure over each
// full window ending at position i. Windows containing missing values yield
// a missing statistic.
func (d *EntropyDetector) rollingStatistic(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	for i := range out {
		out[i] = types.Missing()
	}

	w := d.config.Window
	for i := w - 1; i < n; i++ {
		segment := values[i-w+1 : i+1]
		if hasMissing(segment) {
			continue
		}
		switch d.config.Statistic {
		case StatisticSample:
			out[i] = sampleEntropy(segment, 2)
		default:
			out[i] = permutationEntropy(segment, d.config.Order, d.config.Delay)
		}
	}
	return out
}

// permutationEntropy is the Bandt-Pompe (2002) complexity measure: the
// Shannon entropy of the ordinal-pattern distribution, normalized to [0, 1]
// by log(order!). Ties are broken by position, the standard convention.
func permutationEntropy(x []float64, order, delay int) float64 {
	span := (order - 1) * delay
	count := len(x) - span
	if count <= 0 {
		return types.Missing()
	}

	freq := make(map[int]int)
	for i := 0; i < count; i++ {
		freq[ordinalPattern(x, i, order, delay)]++
	}

	h := 0.0
	for _, c := range freq {
		p := float64(c) / float64(count)
		h -= p * math.Log(p)
	}

	maxH := 0.0
	for f := 2; f <= order; f++ {
		maxH += math.Log(float64(f))
	}
	if maxH == 0 {
		return 0
	}
	return h / maxH
}

// ordinalPattern encodes the rank permutation of the embedded vector
// starting at i as a Lehmer code, unique per pattern.
func ordinalPattern(x []float64, i, order, delay int) int {
	code := 0
	for a := 0; a < order; a++ {
		rank := 0
		va := x[i+a*delay]
		for b := 0; b < order; b++ {
			vb := x[i+b*delay]
			if vb < va || (vb == va && b < a) {
				rank++
			}
		}
		code = code*order + rank
	}
	return code
}

// sampleEntropy is the Richman-Moorman (2000) regularity measure with
// embedding dimension m, Chebyshev distance and the conventional tolerance
// of 0.2 standard deviations. Degenerate segments (no matches, or constant
// input) return 0 rather than failing.
func sampleEntropy(x []float64, m int) float64 {
	n := len(x)
	if n <= m+1 {
		return types.Missing()
	}

	sd := stat.StdDev(x, nil)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	r := 0.2 * sd

	match := func(length int) int {
		count := 0
		for i := 0; i < n-length; i++ {
			for j := i + 1; j < n-length+1; j++ {
				ok := true
				for k := 0; k < length; k++ {
					if math.Abs(x[i+k]-x[j+k]) >= r {
						ok = false
						break
					}
				}
				if ok {
					count++
				}
			}
		}
		return count
	}

	b := match(m)
	a := match(m + 1)
	if a == 0 || b == 0 {
		return 0
	}
	return -math.Log(float64(a) / float64(b))
}

// rollingZScore standardizes each value against the trailing window ending
// at and including it. Positions with fewer than minObs valid trailing
// values, or a zero-dispersion baseline, are missing.
func rollingZScore(values []float64, window, minObs int) []float64 {
	n := len(values)
	out := make([]float64, n)
	for i := range out {
		out[i] = types.Missing()
	}

	for i := 0; i < n; i++ {
		if types.IsMissing(values[i]) {
			continue
		}
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}

		var obs []float64
		for j := lo; j <= i; j++ {
			if !types.IsMissing(values[j]) {
				obs = append(obs, values[j])
			}
		}
		if len(obs) < minObs {
			continue
		}

		mean := stat.Mean(obs, nil)
		sd := stat.StdDev(obs, nil)
		if sd == 0 || math.IsNaN(sd) {
			continue
		}
		out[i] = (values[i] - mean) / sd
	}
	return out
}

func hasMissing(x []float64) bool {
	for _, v := range x {
		if types.IsMissing(v) {
			return true
		}
	}
	return false
}

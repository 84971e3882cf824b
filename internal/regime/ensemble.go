package regime

import (
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// NormalizationFullHistory is the combiner's normalization policy: each
// detector is min-max scaled over the full history available at call time.
// Past ensemble values can therefore shift as more data accrues; callers
// needing frozen history persist runs through the store.
const NormalizationFullHistory = "minmax_full_history"

// EnsembleConfig configures the combiner. Weights need not sum to 1; they
// are renormalized over the detectors available at each timestamp.
type EnsembleConfig struct {
	Weights map[string]float64 `mapstructure:"weights" yaml:"weights"`
}

// DefaultEnsembleConfig weights the four detectors equally. This is an
// explicit, overridable configuration, not a hardcoded constant.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{
		Weights: map[string]float64{
			DetectorMarkov:  0.25,
			DetectorHMM:     0.25,
			DetectorEntropy: 0.25,
			DetectorGARCH:   0.25,
		},
	}
}

// Combiner folds heterogeneous detector outputs into one calibrated
// probability series: 0 reads as the suppressed regime, 1 as market-driven
// repricing.
type Combiner struct {
	logger *zap.Logger
	config EnsembleConfig
}

// NewCombiner creates an ensemble combiner.
func NewCombiner(logger *zap.Logger, config EnsembleConfig) *Combiner {
	if len(config.Weights) == 0 {
		config = DefaultEnsembleConfig()
	}
	return &Combiner{
		logger: logger.Named("ensemble"),
		config: config,
	}
}

// Combine aligns the outputs on the union of their timestamps, min-max
// normalizes each detector onto [0, 1] over its own observed range, and
// computes the NaN-aware weighted average: at each timestamp only the
// detectors with a value participate, with their weights renormalized to
// sum to 1 over that subset. A timestamp where no detector has a value is
// missing in the ensemble.
func (c *Combiner) Combine(outputs map[string]types.DetectorOutput) (types.EnsembleSeries, error) {
	if len(outputs) == 0 {
		return types.EnsembleSeries{}, errors.New("no detector outputs to combine")
	}

	var all []types.TimeSeries
	for name, out := range outputs {
		if _, ok := c.config.Weights[name]; !ok {
			c.logger.Warn("detector has no configured weight, skipping",
				zap.String("detector", name))
			continue
		}
		all = append(all, out.Series)
	}
	if len(all) == 0 {
		return types.EnsembleSeries{}, errors.New("no weighted detector outputs to combine")
	}

	index := types.UnionDates(all...)
	if len(index) == 0 {
		return types.EnsembleSeries{}, errors.New("detector outputs carry no timestamps")
	}

	// Accumulate in sorted name order: float addition is not associative,
	// so map iteration order would leak into the last bits of the result.
	names := make([]string, 0, len(outputs))
	normalized := make(map[string]types.TimeSeries, len(outputs))
	for name, out := range outputs {
		if _, ok := c.config.Weights[name]; !ok {
			continue
		}
		names = append(names, name)
		normalized[name] = normalizeToUnit(out.Series.Reindex(index))
	}
	sort.Strings(names)

	values := make([]float64, len(index))
	for i := range index {
		num, den := 0.0, 0.0
		for _, name := range names {
			v := normalized[name].Values[i]
			if types.IsMissing(v) {
				continue
			}
			w := c.config.Weights[name]
			num += w * v
			den += w
		}
		if den == 0 {
			values[i] = types.Missing()
			continue
		}
		// Clip against floating-point overshoot at normalization edges.
		values[i] = clamp(num/den, 0, 1)
	}

	series, err := types.NewTimeSeries(index, values)
	if err != nil {
		return types.EnsembleSeries{}, err
	}

	c.logEnsemble(series)

	weights := make(map[string]float64, len(c.config.Weights))
	for k, v := range c.config.Weights {
		weights[k] = v
	}
	return types.EnsembleSeries{
		Series:        series,
		Weights:       weights,
		Normalization: NormalizationFullHistory,
	}, nil
}

func (c *Combiner) logEnsemble(series types.TimeSeries) {
	sum, repricing, n := 0.0, 0, 0
	for _, v := range series.Values {
		if types.IsMissing(v) {
			continue
		}
		sum += v
		n++
		if v > 0.5 {
			repricing++
		}
	}
	if n == 0 {
		c.logger.Warn("ensemble series is entirely missing")
		return
	}
	c.logger.Info("ensemble probability computed",
		zap.Int("timestamps", series.Len()),
		zap.Int("valid", n),
		zap.Float64("mean", sum/float64(n)),
		zap.Float64("repricing_fraction", float64(repricing)/float64(n)))
}

// normalizeToUnit min-max scales a series onto [0, 1] using its own
// observed range, making probabilities, z-scores and binary indicators
// commensurable without assuming a fixed native range. A constant series
// has no contrast to rescale: values already on the unit scale pass
// through unchanged, anything else collapses to 0.5.
func normalizeToUnit(ts types.TimeSeries) types.TimeSeries {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range ts.Values {
		if types.IsMissing(v) {
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	out := ts.Clone()
	if math.IsInf(lo, 1) {
		return out // entirely missing
	}
	for i, v := range out.Values {
		if types.IsMissing(v) {
			continue
		}
		if hi == lo {
			if v < 0 || v > 1 {
				out.Values[i] = 0.5
			}
		} else {
			out.Values[i] = (v - lo) / (hi - lo)
		}
	}
	return out
}

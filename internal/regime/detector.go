// Package regime implements structural regime-change detection for a
// sovereign bond market: four independent statistical detectors, a combiner
// that folds their heterogeneous scores into one calibrated probability, and
// a validator that scores the ensemble against known policy events.
//
// Detectors are pure functions of their input series plus configuration.
// They never fail hard: data problems and non-convergence come back as
// quality flags on an all-missing output, and the combiner's NaN-aware
// averaging absorbs any subset of failed detectors.
package regime

import (
	"github.com/quantfold/jgb-regime/pkg/types"
	"go.uber.org/zap"
)

// Canonical detector names, used as ensemble weight keys.
const (
	DetectorMarkov  = "markov"
	DetectorHMM     = "hmm"
	DetectorEntropy = "entropy"
	DetectorGARCH   = "garch"
)

// Input bundles the materialized market series a detection run works from.
// The data layer delivers these already cleaned, deduplicated by date, and
// sorted ascending; gaps are explicit missing values.
type Input struct {
	// Returns is the de-meaned daily change series of the target yield,
	// in basis points. Consumed by the Markov, entropy and GARCH detectors.
	Returns types.TimeSeries

	// Features are the aligned series the multivariate HMM models jointly,
	// e.g. yield changes, FX log-returns and a volatility proxy. Column
	// order follows FeatureNames.
	Features     []types.TimeSeries
	FeatureNames []string
}

// Clone deep-copies the input so concurrent detectors never share state.
func (in Input) Clone() Input {
	out := Input{
		Returns:      in.Returns.Clone(),
		FeatureNames: append([]string(nil), in.FeatureNames...),
	}
	for _, f := range in.Features {
		out.Features = append(out.Features, f.Clone())
	}
	return out
}

// Detector is one independent regime detector. Detect never returns an
// error: failure states are quality flags on the output.
type Detector interface {
	Name() string
	Kind() types.ScoreKind
	Detect(in Input) types.DetectorOutput
}

// failedOutput builds an all-missing output over the given input's index,
// tagged with the failure flag.
func failedOutput(name string, kind types.ScoreKind, ts types.TimeSeries, flag types.QualityFlag) types.DetectorOutput {
	return types.DetectorOutput{
		Detector: name,
		Kind:     kind,
		Series:   types.MissingSeries(ts.Dates),
		Flags:    []types.QualityFlag{flag},
	}
}

// DefaultDetectors wires the four standard detectors with the supplied
// configurations.
func DefaultDetectors(logger *zap.Logger, markov MarkovConfig, hmm HMMConfig, entropy EntropyConfig, garch GARCHConfig) []Detector {
	return []Detector{
		NewMarkovDetector(logger, markov),
		NewHMMDetector(logger, hmm),
		NewEntropyDetector(logger, entropy),
		NewGARCHDetector(logger, garch),
	}
}

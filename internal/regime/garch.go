package regime

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// GARCHConfig configures the conditional-volatility breakpoint detector.
type GARCHConfig struct {
	// MinObservations below which the fit is rejected as DataInsufficient.
	MinObservations int `mapstructure:"min_observations" yaml:"min_observations"`
	// MaxIterations bounds the likelihood optimizer so fit time is
	// predictable, rather than leaving the library default.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// MinSegment is the smallest admissible changepoint segment, in days.
	MinSegment int `mapstructure:"min_segment" yaml:"min_segment"`
	// PenaltyFactor scales the BIC-style changepoint penalty.
	PenaltyFactor float64 `mapstructure:"penalty_factor" yaml:"penalty_factor"`
	// RampDays linearly ramps the score after a break into a
	// higher-volatility segment, avoiding a hard discontinuity. 1 disables
	// the ramp.
	RampDays int `mapstructure:"ramp_days" yaml:"ramp_days"`
}

// DefaultGARCHConfig returns sensible defaults.
func DefaultGARCHConfig() GARCHConfig {
	return GARCHConfig{
		MinObservations: 100,
		MaxIterations:   500,
		MinSegment:      60,
		PenaltyFactor:   2.0,
		RampDays:        5,
	}
}

// GARCHDetector fits a GARCH(1,1) model to the return series, segments the
// conditional-volatility path at structural breakpoints, and emits a ramped
// binary score: 1.0 while past a break into a higher-volatility segment,
// 0.0 otherwise.
type GARCHDetector struct {
	logger *zap.Logger
	config GARCHConfig
}

// NewGARCHDetector creates the conditional-volatility breakpoint detector.
func NewGARCHDetector(logger *zap.Logger, config GARCHConfig) *GARCHDetector {
	return &GARCHDetector{
		logger: logger.Named("garch-detector"),
		config: config,
	}
}

func (d *GARCHDetector) Name() string          { return DetectorGARCH }
func (d *GARCHDetector) Kind() types.ScoreKind { return types.ScoreBinary }

// Detect fits the volatility model and segments its path. Optimizer
// non-convergence is a FitFailed output, never a crash.
func (d *GARCHDetector) Detect(in Input) types.DetectorOutput {
	clean := in.Returns.DropMissing()
	if clean.Len() < d.config.MinObservations {
		d.logger.Warn("insufficient observations for GARCH fit",
			zap.Int("observations", clean.Len()),
			zap.Int("required", d.config.MinObservations))
		return failedOutput(DetectorGARCH, types.ScoreBinary, in.Returns, types.FlagDataInsufficient)
	}

	params, sigma, err := fitGARCH(clean.Values, d.config.MaxIterations)
	if err != nil {
		d.logger.Warn("GARCH fit failed", zap.Error(err))
		return failedOutput(DetectorGARCH, types.ScoreBinary, in.Returns, types.FlagFitFailed)
	}

	penalty := defaultPenalty(sigma, d.config.PenaltyFactor)
	breaks := peltMeanShift(sigma, penalty, d.config.MinSegment)
	values := segmentScores(sigma, breaks, d.config.RampDays)

	series, _ := types.NewTimeSeries(clean.Dates, values)

	d.logger.Info("GARCH breakpoint scan complete",
		zap.Int("observations", clean.Len()),
		zap.Float64("omega", params.omega),
		zap.Float64("alpha", params.alpha),
		zap.Float64("beta", params.beta),
		zap.Int("breakpoints", len(breaks)))

	return types.DetectorOutput{
		Detector: DetectorGARCH,
		Kind:     types.ScoreBinary,
		Series:   series,
		Metadata: map[string]string{
			"omega":       fmt.Sprintf("%.8f", params.omega),
			"alpha":       fmt.Sprintf("%.6f", params.alpha),
			"beta":        fmt.Sprintf("%.6f", params.beta),
			"breakpoints": fmt.Sprintf("%d", len(breaks)),
		},
	}
}

type garchParams struct {
	omega, alpha, beta float64
}

// fitGARCH estimates GARCH(1,1) parameters by quasi maximum likelihood with
// Nelder-Mead over an unconstrained reparameterization that keeps omega
// positive and alpha+beta inside the stationarity region. The start point
// uses variance targeting, so the fit is deterministic.
func fitGARCH(x []float64, maxIterations int) (garchParams, []float64, error) {
	variance := stat.Variance(x, nil)
	if variance <= 0 {
		return garchParams{}, nil, errors.New("zero-variance return series")
	}

	nll := func(z []float64) float64 {
		p := decodeGARCH(z, variance)
		v, ok := garchNLL(x, p, variance)
		if !ok {
			return math.Inf(1)
		}
		return v
	}

	// Variance-targeted start: alpha 0.05, beta 0.90.
	x0 := []float64{0, logit(0.05 / maxPersistence), logit(0.90 / (maxPersistence - 0.05))}

	problem := optimize.Problem{Func: nll}
	settings := &optimize.Settings{MajorIterations: maxIterations}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return garchParams{}, nil, fmt.Errorf("volatility optimizer: %w", err)
	}
	if result.Status == optimize.IterationLimit {
		return garchParams{}, nil, fmt.Errorf("volatility optimizer hit iteration limit (%d)", maxIterations)
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return garchParams{}, nil, errors.New("volatility optimizer produced a degenerate likelihood")
	}

	p := decodeGARCH(result.X, variance)
	sigma := conditionalVolatility(x, p, variance)
	return p, sigma, nil
}

// Persistence is capped just inside the unit circle so the recursion stays
// stationary.
const maxPersistence = 0.999

// decodeGARCH maps the unconstrained optimizer vector to valid parameters.
func decodeGARCH(z []float64, variance float64) garchParams {
	alpha := maxPersistence * sigmoid(z[1])
	beta := (maxPersistence - alpha) * sigmoid(z[2])
	// omega scales off the variance-targeted level.
	omega := variance * (1 - alpha - beta) * math.Exp(z[0])
	return garchParams{omega: omega, alpha: alpha, beta: beta}
}

// garchNLL is the Gaussian negative log-likelihood of the GARCH(1,1)
// recursion, seeded at the sample variance.
func garchNLL(x []float64, p garchParams, variance float64) (float64, bool) {
	if p.omega <= 0 || p.alpha < 0 || p.beta < 0 || p.alpha+p.beta >= 1 {
		return 0, false
	}

	s2 := variance
	nll := 0.0
	for t, r := range x {
		if t > 0 {
			s2 = p.omega + p.alpha*x[t-1]*x[t-1] + p.beta*s2
		}
		if s2 <= 0 {
			return 0, false
		}
		nll += 0.5 * (math.Log(2*math.Pi*s2) + r*r/s2)
	}
	if math.IsNaN(nll) || math.IsInf(nll, 0) {
		return 0, false
	}
	return nll, true
}

// conditionalVolatility returns the fitted conditional standard deviation
// path.
func conditionalVolatility(x []float64, p garchParams, variance float64) []float64 {
	sigma := make([]float64, len(x))
	s2 := variance
	for t := range x {
		if t > 0 {
			s2 = p.omega + p.alpha*x[t-1]*x[t-1] + p.beta*s2
		}
		sigma[t] = math.Sqrt(s2)
	}
	return sigma
}

// segmentScores turns breakpoints over the volatility path into the
// ensemble-facing step score: each position scores 1.0 when its segment's
// mean volatility exceeds the previous segment's, with a linear ramp over
// rampDays at the break date.
func segmentScores(sigma []float64, breaks []int, rampDays int) []float64 {
	n := len(sigma)
	scores := make([]float64, n)
	if rampDays < 1 {
		rampDays = 1
	}

	bounds := append([]int{0}, breaks...)
	bounds = append(bounds, n)

	prevMean := math.NaN()
	for s := 0; s < len(bounds)-1; s++ {
		lo, hi := bounds[s], bounds[s+1]
		segMean := stat.Mean(sigma[lo:hi], nil)

		elevated := s > 0 && segMean > prevMean
		for i := lo; i < hi; i++ {
			if !elevated {
				scores[i] = 0
				continue
			}
			ramp := float64(i-lo+1) / float64(rampDays)
			if ramp > 1 {
				ramp = 1
			}
			scores[i] = ramp
		}
		prevMean = segMean
	}
	return scores
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

package regime

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// MarkovConfig configures the two-state switching-state detector.
type MarkovConfig struct {
	// MinObservations below which the fit is rejected as DataInsufficient.
	MinObservations int `mapstructure:"min_observations" yaml:"min_observations"`
	// MaxIterations bounds the EM loop so fit time is predictable.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// Tolerance is the log-likelihood convergence threshold.
	Tolerance float64 `mapstructure:"tolerance" yaml:"tolerance"`
	// MinVarianceRatio is the smallest high/low variance ratio accepted as
	// an identifiable two-regime fit.
	MinVarianceRatio float64 `mapstructure:"min_variance_ratio" yaml:"min_variance_ratio"`
}

// DefaultMarkovConfig returns sensible defaults.
func DefaultMarkovConfig() MarkovConfig {
	return MarkovConfig{
		MinObservations:  100,
		MaxIterations:    200,
		Tolerance:        1e-6,
		MinVarianceRatio: 1.1,
	}
}

// MarkovDetector fits a two-regime switching model on a de-meaned return
// series, with regime-dependent mean and variance and free transition
// probabilities, and emits the smoothed probability of the high-variance
// ("market-driven") regime.
type MarkovDetector struct {
	logger *zap.Logger
	config MarkovConfig
}

// NewMarkovDetector creates the switching-state detector.
func NewMarkovDetector(logger *zap.Logger, config MarkovConfig) *MarkovDetector {
	return &MarkovDetector{
		logger: logger.Named("markov-detector"),
		config: config,
	}
}

func (d *MarkovDetector) Name() string          { return DetectorMarkov }
func (d *MarkovDetector) Kind() types.ScoreKind { return types.ScoreProbability }

// Detect fits the switching model. Non-convergence and degenerate regimes
// come back as FitFailed outputs, never as a crash.
func (d *MarkovDetector) Detect(in Input) types.DetectorOutput {
	clean := in.Returns.DropMissing()
	if clean.Len() < d.config.MinObservations {
		d.logger.Warn("insufficient observations for switching-state fit",
			zap.Int("observations", clean.Len()),
			zap.Int("required", d.config.MinObservations))
		return failedOutput(DetectorMarkov, types.ScoreProbability, in.Returns, types.FlagDataInsufficient)
	}

	fit, err := fitMarkovSwitching(clean.Values, d.config)
	if err != nil {
		d.logger.Warn("switching-state fit failed", zap.Error(err))
		return failedOutput(DetectorMarkov, types.ScoreProbability, in.Returns, types.FlagFitFailed)
	}

	// Regime identity is not fixed: map the state with the larger estimated
	// variance to "market-driven".
	high := 0
	if fit.sigma2[1] > fit.sigma2[0] {
		high = 1
	}

	values := make([]float64, clean.Len())
	for t := range values {
		values[t] = fit.smoothed[t][high]
	}
	series, _ := types.NewTimeSeries(clean.Dates, values)

	d.logger.Info("switching-state fit complete",
		zap.Int("observations", clean.Len()),
		zap.Int("iterations", fit.iterations),
		zap.Float64("log_likelihood", fit.loglik),
		zap.Float64("low_variance", fit.sigma2[1-high]),
		zap.Float64("high_variance", fit.sigma2[high]))

	return types.DetectorOutput{
		Detector: DetectorMarkov,
		Kind:     types.ScoreProbability,
		Series:   series,
		Metadata: map[string]string{
			"high_regime_mean":     fmt.Sprintf("%.6f", fit.mu[high]),
			"high_regime_variance": fmt.Sprintf("%.6f", fit.sigma2[high]),
			"stay_high":            fmt.Sprintf("%.4f", fit.p[high][high]),
		},
	}
}

const varianceFloor = 1e-12

type markovFit struct {
	mu         [2]float64
	sigma2     [2]float64
	p          [2][2]float64
	smoothed   [][2]float64
	loglik     float64
	iterations int
}

// fitMarkovSwitching estimates a two-state Gaussian switching model by EM:
// Hamilton (1989) forward filter for the likelihood, Kim smoother for the
// state posteriors. Initialization is deterministic so repeated fits on the
// same data are bit-identical.
func fitMarkovSwitching(x []float64, cfg MarkovConfig) (*markovFit, error) {
	n := len(x)

	fit := &markovFit{}
	initMarkovParams(x, fit)

	prevLL := math.Inf(-1)
	converged := false

	var (
		filtered = make([][2]float64, n)
		predict  = make([][2]float64, n)
	)

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		fit.iterations = iter

		ll, err := markovFilter(x, fit, filtered, predict)
		if err != nil {
			return nil, err
		}
		fit.loglik = ll

		markovSmooth(fit, filtered, predict)
		markovMaximize(x, fit, filtered, predict)

		if math.Abs(ll-prevLL) < cfg.Tolerance {
			converged = true
			break
		}
		prevLL = ll
	}

	if !converged {
		return nil, fmt.Errorf("EM did not converge within %d iterations", cfg.MaxIterations)
	}

	lo, hi := fit.sigma2[0], fit.sigma2[1]
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo <= 0 || hi/lo < cfg.MinVarianceRatio {
		return nil, fmt.Errorf("regimes not separable: variance ratio %.4f below %.4f",
			hi/math.Max(lo, varianceFloor), cfg.MinVarianceRatio)
	}

	return fit, nil
}

// initMarkovParams seeds the EM from a median split on absolute deviation:
// the calmer half initializes the low-variance state.
func initMarkovParams(x []float64, fit *markovFit) {
	n := len(x)

	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(n)

	dev := make([]float64, n)
	for i, v := range x {
		dev[i] = math.Abs(v - mean)
	}
	sorted := append([]float64(nil), dev...)
	sort.Float64s(sorted)
	median := sorted[n/2]

	var calm, wild []float64
	for i, v := range x {
		if dev[i] <= median {
			calm = append(calm, v)
		} else {
			wild = append(wild, v)
		}
	}
	if len(calm) == 0 || len(wild) == 0 {
		// Constant-deviation series; perturb so EM can still move.
		calm, wild = x, x
	}

	fit.mu[0], fit.sigma2[0] = meanVar(calm)
	fit.mu[1], fit.sigma2[1] = meanVar(wild)
	fit.sigma2[0] = math.Max(fit.sigma2[0], varianceFloor)
	fit.sigma2[1] = math.Max(fit.sigma2[1]*1.5, fit.sigma2[0]*2)

	fit.p = [2][2]float64{{0.95, 0.05}, {0.05, 0.95}}
}

func meanVar(x []float64) (float64, float64) {
	if len(x) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	variance := 0.0
	for _, v := range x {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(x))
	return mean, variance
}

// markovFilter runs the Hamilton forward filter, filling filtered and
// predicted state probabilities and returning the log-likelihood.
func markovFilter(x []float64, fit *markovFit, filtered, predict [][2]float64) (float64, error) {
	n := len(x)

	dens := [2]distuv.Normal{
		{Mu: fit.mu[0], Sigma: math.Sqrt(fit.sigma2[0])},
		{Mu: fit.mu[1], Sigma: math.Sqrt(fit.sigma2[1])},
	}

	// Start from the ergodic distribution implied by the transition matrix.
	denom := 2 - fit.p[0][0] - fit.p[1][1]
	pi0 := 0.5
	if denom > 1e-12 {
		pi0 = (1 - fit.p[1][1]) / denom
	}
	prior := [2]float64{pi0, 1 - pi0}

	ll := 0.0
	for t := 0; t < n; t++ {
		if t == 0 {
			predict[0] = prior
		} else {
			for j := 0; j < 2; j++ {
				predict[t][j] = filtered[t-1][0]*fit.p[0][j] + filtered[t-1][1]*fit.p[1][j]
			}
		}

		var joint [2]float64
		sum := 0.0
		for j := 0; j < 2; j++ {
			joint[j] = predict[t][j] * dens[j].Prob(x[t])
			sum += joint[j]
		}
		if sum <= 0 || math.IsNaN(sum) {
			return 0, errors.New("numerical underflow in regime filter")
		}

		ll += math.Log(sum)
		for j := 0; j < 2; j++ {
			filtered[t][j] = joint[j] / sum
		}
	}

	return ll, nil
}

// markovSmooth runs the Kim backward smoother into fit.smoothed.
func markovSmooth(fit *markovFit, filtered, predict [][2]float64) {
	n := len(filtered)
	if cap(fit.smoothed) < n {
		fit.smoothed = make([][2]float64, n)
	}
	fit.smoothed = fit.smoothed[:n]

	fit.smoothed[n-1] = filtered[n-1]
	for t := n - 2; t >= 0; t-- {
		for i := 0; i < 2; i++ {
			acc := 0.0
			for j := 0; j < 2; j++ {
				if predict[t+1][j] > 0 {
					acc += fit.p[i][j] * fit.smoothed[t+1][j] / predict[t+1][j]
				}
			}
			fit.smoothed[t][i] = filtered[t][i] * acc
		}
		// Renormalize against drift.
		s := fit.smoothed[t][0] + fit.smoothed[t][1]
		if s > 0 {
			fit.smoothed[t][0] /= s
			fit.smoothed[t][1] /= s
		}
	}
}

// markovMaximize performs the EM M-step: transition probabilities from
// pairwise smoothed counts, means and variances from smoothed weights.
func markovMaximize(x []float64, fit *markovFit, filtered, predict [][2]float64) {
	n := len(x)

	var num, den [2][2]float64
	for t := 0; t < n-1; t++ {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if predict[t+1][j] > 0 {
					xi := filtered[t][i] * fit.p[i][j] * fit.smoothed[t+1][j] / predict[t+1][j]
					num[i][j] += xi
					den[i][j] += fit.smoothed[t][i]
				}
			}
		}
	}
	for i := 0; i < 2; i++ {
		rowSum := 0.0
		for j := 0; j < 2; j++ {
			if den[i][j] > 0 {
				fit.p[i][j] = num[i][j] / den[i][j]
			}
			fit.p[i][j] = clamp(fit.p[i][j], 1e-6, 1-1e-6)
			rowSum += fit.p[i][j]
		}
		for j := 0; j < 2; j++ {
			fit.p[i][j] /= rowSum
		}
	}

	for j := 0; j < 2; j++ {
		wSum, xSum := 0.0, 0.0
		for t := 0; t < n; t++ {
			wSum += fit.smoothed[t][j]
			xSum += fit.smoothed[t][j] * x[t]
		}
		if wSum > 0 {
			fit.mu[j] = xSum / wSum
			vSum := 0.0
			for t := 0; t < n; t++ {
				diff := x[t] - fit.mu[j]
				vSum += fit.smoothed[t][j] * diff * diff
			}
			fit.sigma2[j] = math.Max(vSum/wSum, varianceFloor)
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package regime

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// HMMConfig configures the multivariate clustering detector.
type HMMConfig struct {
	// NumStates is the number of hidden regimes.
	NumStates int `mapstructure:"num_states" yaml:"num_states"`
	// MinObservations below which the fit is rejected as DataInsufficient.
	MinObservations int `mapstructure:"min_observations" yaml:"min_observations"`
	// MaxIterations bounds the Baum-Welch loop.
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
	// Tolerance is the log-likelihood convergence threshold.
	Tolerance float64 `mapstructure:"tolerance" yaml:"tolerance"`
	// VolFeature is the index of the feature used to order states from
	// suppressed to market-driven. -1 selects the last column.
	VolFeature int `mapstructure:"vol_feature" yaml:"vol_feature"`
}

// DefaultHMMConfig returns sensible defaults.
func DefaultHMMConfig() HMMConfig {
	return HMMConfig{
		NumStates:       2,
		MinObservations: 60,
		MaxIterations:   100,
		Tolerance:       1e-4,
		VolFeature:      -1,
	}
}

// HMMDetector fits a Gaussian mixture with Markov state transitions jointly
// over several aligned market series, decodes the most-likely state path,
// and maps decoded states onto [0, 1] with the higher-volatility state
// toward 1.0.
type HMMDetector struct {
	logger *zap.Logger
	config HMMConfig
}

// NewHMMDetector creates the multivariate clustering detector.
func NewHMMDetector(logger *zap.Logger, config HMMConfig) *HMMDetector {
	return &HMMDetector{
		logger: logger.Named("hmm-detector"),
		config: config,
	}
}

func (d *HMMDetector) Name() string          { return DetectorHMM }
func (d *HMMDetector) Kind() types.ScoreKind { return types.ScoreBinary }

// Detect inner-joins the feature series by timestamp, fits the HMM, and
// scores the decoded path.
func (d *HMMDetector) Detect(in Input) types.DetectorOutput {
	ref := in.Returns
	if len(in.Features) > 0 {
		ref = in.Features[0]
	}

	dates, rows := types.InnerJoin(in.Features...)
	if len(rows) == 0 {
		d.logger.Warn("feature alignment produced no shared timestamps")
		return failedOutput(DetectorHMM, types.ScoreBinary, ref, types.FlagAlignmentEmpty)
	}
	if len(rows) < d.config.MinObservations || len(rows) < d.config.NumStates {
		d.logger.Warn("insufficient aligned observations for HMM fit",
			zap.Int("observations", len(rows)),
			zap.Int("required", d.config.MinObservations))
		return failedOutput(DetectorHMM, types.ScoreBinary, ref, types.FlagDataInsufficient)
	}

	fit, err := fitGaussianHMM(rows, d.config)
	if err != nil {
		d.logger.Warn("HMM fit failed", zap.Error(err))
		return failedOutput(DetectorHMM, types.ScoreBinary, ref, types.FlagFitFailed)
	}

	// State labels switch freely between refits, so the suppressed /
	// market-driven ordering is re-derived from the fitted means every time.
	volIdx := d.config.VolFeature
	if volIdx < 0 || volIdx >= len(rows[0]) {
		volIdx = len(rows[0]) - 1
	}
	scores := stateScores(fit.means, volIdx)

	values := make([]float64, len(fit.path))
	for t, s := range fit.path {
		values[t] = scores[s]
	}
	series, _ := types.NewTimeSeries(dates, values)

	d.logger.Info("HMM fit complete",
		zap.Int("observations", len(rows)),
		zap.Int("states", d.config.NumStates),
		zap.Int("iterations", fit.iterations),
		zap.Float64("log_likelihood", fit.loglik))

	return types.DetectorOutput{
		Detector: DetectorHMM,
		Kind:     types.ScoreBinary,
		Series:   series,
		Metadata: map[string]string{
			"states":       fmt.Sprintf("%d", d.config.NumStates),
			"vol_feature":  fmt.Sprintf("%d", volIdx),
			"observations": fmt.Sprintf("%d", len(rows)),
		},
	}
}

// stateScores orders states by their fitted mean on the volatility feature
// and maps each state index to rank/(K-1), so the highest-volatility state
// scores 1.0 regardless of raw label order.
func stateScores(means [][]float64, volIdx int) []float64 {
	k := len(means)
	if k == 1 {
		return []float64{0.5}
	}

	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return means[order[a]][volIdx] < means[order[b]][volIdx]
	})

	scores := make([]float64, k)
	for rank, state := range order {
		scores[state] = float64(rank) / float64(k-1)
	}
	return scores
}

type hmmFit struct {
	means      [][]float64
	covs       []*mat.SymDense
	trans      [][]float64
	initial    []float64
	path       []int
	loglik     float64
	iterations int
}

const covRidge = 1e-6

// fitGaussianHMM runs scaled Baum-Welch on the row matrix and Viterbi-decodes
// the most likely state path. Initialization splits standardized rows into
// quantile groups by norm, so the fit is deterministic.
func fitGaussianHMM(rows [][]float64, cfg HMMConfig) (*hmmFit, error) {
	n := len(rows)
	k := cfg.NumStates
	if k < 2 {
		return nil, fmt.Errorf("need at least 2 states, got %d", k)
	}

	fit := initHMMParams(rows, k)

	var (
		alpha  = newMatrix(n, k)
		beta   = newMatrix(n, k)
		gamma  = newMatrix(n, k)
		scale  = make([]float64, n)
		logB   = newMatrix(n, k)
		prevLL = math.Inf(-1)
	)

	converged := false
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		fit.iterations = iter

		dists, err := fit.emissions()
		if err != nil {
			return nil, err
		}
		for t := 0; t < n; t++ {
			for j := 0; j < k; j++ {
				logB[t][j] = dists[j].LogProb(rows[t])
			}
		}

		ll, err := hmmForwardBackward(fit, logB, alpha, beta, gamma, scale)
		if err != nil {
			return nil, err
		}
		fit.loglik = ll

		hmmMaximize(rows, fit, logB, alpha, beta, gamma, scale)

		if math.Abs(ll-prevLL) < cfg.Tolerance {
			converged = true
			break
		}
		prevLL = ll
	}

	if !converged {
		return nil, fmt.Errorf("Baum-Welch did not converge within %d iterations", cfg.MaxIterations)
	}

	dists, err := fit.emissions()
	if err != nil {
		return nil, err
	}
	fit.path = viterbi(fit, dists, rows)

	return fit, nil
}

// initHMMParams builds deterministic initial parameters: rows are ranked by
// the norm of their standardized feature vector and split into k quantile
// groups, each seeding one state's mean and covariance.
func initHMMParams(rows [][]float64, k int) *hmmFit {
	n := len(rows)
	d := len(rows[0])

	mean := make([]float64, d)
	std := make([]float64, d)
	for j := 0; j < d; j++ {
		for t := 0; t < n; t++ {
			mean[j] += rows[t][j]
		}
		mean[j] /= float64(n)
		for t := 0; t < n; t++ {
			diff := rows[t][j] - mean[j]
			std[j] += diff * diff
		}
		std[j] = math.Sqrt(std[j] / float64(n))
		if std[j] == 0 {
			std[j] = 1
		}
	}

	type ranked struct {
		idx  int
		norm float64
	}
	byNorm := make([]ranked, n)
	for t := 0; t < n; t++ {
		norm := 0.0
		for j := 0; j < d; j++ {
			z := (rows[t][j] - mean[j]) / std[j]
			norm += z * z
		}
		byNorm[t] = ranked{idx: t, norm: norm}
	}
	sort.Slice(byNorm, func(a, b int) bool {
		if byNorm[a].norm != byNorm[b].norm {
			return byNorm[a].norm < byNorm[b].norm
		}
		return byNorm[a].idx < byNorm[b].idx
	})

	fit := &hmmFit{
		means:   make([][]float64, k),
		covs:    make([]*mat.SymDense, k),
		trans:   make([][]float64, k),
		initial: make([]float64, k),
	}

	groupSize := n / k
	for s := 0; s < k; s++ {
		lo := s * groupSize
		hi := lo + groupSize
		if s == k-1 {
			hi = n
		}

		mu := make([]float64, d)
		for _, r := range byNorm[lo:hi] {
			for j := 0; j < d; j++ {
				mu[j] += rows[r.idx][j]
			}
		}
		count := float64(hi - lo)
		for j := 0; j < d; j++ {
			mu[j] /= count
		}

		cov := mat.NewSymDense(d, nil)
		for _, r := range byNorm[lo:hi] {
			for a := 0; a < d; a++ {
				for b := a; b < d; b++ {
					cov.SetSym(a, b, cov.At(a, b)+(rows[r.idx][a]-mu[a])*(rows[r.idx][b]-mu[b]))
				}
			}
		}
		for a := 0; a < d; a++ {
			for b := a; b < d; b++ {
				cov.SetSym(a, b, cov.At(a, b)/count)
			}
			cov.SetSym(a, a, cov.At(a, a)+covRidge)
		}

		fit.means[s] = mu
		fit.covs[s] = cov
		fit.initial[s] = 1.0 / float64(k)
		fit.trans[s] = make([]float64, k)
		for j := 0; j < k; j++ {
			if s == j {
				fit.trans[s][j] = 0.9
			} else {
				fit.trans[s][j] = 0.1 / float64(k-1)
			}
		}
	}

	return fit
}

// emissions builds the per-state Gaussian densities, regularizing the
// covariance diagonal until it is positive definite.
func (f *hmmFit) emissions() ([]*distmv.Normal, error) {
	out := make([]*distmv.Normal, len(f.means))
	for s := range f.means {
		cov := f.covs[s]
		d := cov.SymmetricDim()
		for attempt := 0; attempt < 6; attempt++ {
			normal, ok := distmv.NewNormal(f.means[s], cov, nil)
			if ok {
				out[s] = normal
				break
			}
			bumped := mat.NewSymDense(d, nil)
			bumped.CopySym(cov)
			for a := 0; a < d; a++ {
				bumped.SetSym(a, a, bumped.At(a, a)+covRidge*math.Pow(10, float64(attempt+1)))
			}
			cov = bumped
		}
		if out[s] == nil {
			return nil, fmt.Errorf("state %d covariance is not positive definite", s)
		}
		f.covs[s] = cov
	}
	return out, nil
}

// hmmForwardBackward runs the scaled forward-backward recursion and fills
// alpha, beta, gamma and the per-step scale factors. Returns the
// log-likelihood.
func hmmForwardBackward(f *hmmFit, logB, alpha, beta, gamma [][]float64, scale []float64) (float64, error) {
	n := len(logB)
	k := len(f.initial)

	// Forward pass with per-step normalization.
	for t := 0; t < n; t++ {
		sum := 0.0
		for j := 0; j < k; j++ {
			var prior float64
			if t == 0 {
				prior = f.initial[j]
			} else {
				for i := 0; i < k; i++ {
					prior += alpha[t-1][i] * f.trans[i][j]
				}
			}
			alpha[t][j] = prior * math.Exp(logB[t][j])
			sum += alpha[t][j]
		}
		if sum <= 0 || math.IsNaN(sum) {
			return 0, fmt.Errorf("numerical underflow in forward pass at step %d", t)
		}
		scale[t] = sum
		for j := 0; j < k; j++ {
			alpha[t][j] /= sum
		}
	}

	// Backward pass with the same scaling.
	for j := 0; j < k; j++ {
		beta[n-1][j] = 1
	}
	for t := n - 2; t >= 0; t-- {
		for i := 0; i < k; i++ {
			acc := 0.0
			for j := 0; j < k; j++ {
				acc += f.trans[i][j] * math.Exp(logB[t+1][j]) * beta[t+1][j]
			}
			beta[t][i] = acc / scale[t+1]
		}
	}

	// State posteriors.
	for t := 0; t < n; t++ {
		sum := 0.0
		for j := 0; j < k; j++ {
			gamma[t][j] = alpha[t][j] * beta[t][j]
			sum += gamma[t][j]
		}
		if sum > 0 {
			for j := 0; j < k; j++ {
				gamma[t][j] /= sum
			}
		}
	}

	ll := 0.0
	for t := 0; t < n; t++ {
		ll += math.Log(scale[t])
	}
	return ll, nil
}

// hmmMaximize re-estimates initial, transition, mean and covariance
// parameters from the posteriors.
func hmmMaximize(rows [][]float64, f *hmmFit, logB, alpha, beta, gamma [][]float64, scale []float64) {
	n := len(rows)
	d := len(rows[0])
	k := len(f.initial)

	copy(f.initial, gamma[0])

	for i := 0; i < k; i++ {
		den := 0.0
		num := make([]float64, k)
		for t := 0; t < n-1; t++ {
			for j := 0; j < k; j++ {
				xi := alpha[t][i] * f.trans[i][j] * math.Exp(logB[t+1][j]) * beta[t+1][j] / scale[t+1]
				num[j] += xi
			}
			den += gamma[t][i]
		}
		if den > 0 {
			rowSum := 0.0
			for j := 0; j < k; j++ {
				f.trans[i][j] = clamp(num[j]/den, 1e-6, 1-1e-6)
				rowSum += f.trans[i][j]
			}
			for j := 0; j < k; j++ {
				f.trans[i][j] /= rowSum
			}
		}
	}

	for s := 0; s < k; s++ {
		wSum := 0.0
		mu := make([]float64, d)
		for t := 0; t < n; t++ {
			w := gamma[t][s]
			wSum += w
			for j := 0; j < d; j++ {
				mu[j] += w * rows[t][j]
			}
		}
		if wSum <= 0 {
			continue
		}
		for j := 0; j < d; j++ {
			mu[j] /= wSum
		}

		cov := mat.NewSymDense(d, nil)
		for t := 0; t < n; t++ {
			w := gamma[t][s]
			for a := 0; a < d; a++ {
				for b := a; b < d; b++ {
					cov.SetSym(a, b, cov.At(a, b)+w*(rows[t][a]-mu[a])*(rows[t][b]-mu[b]))
				}
			}
		}
		for a := 0; a < d; a++ {
			for b := a; b < d; b++ {
				cov.SetSym(a, b, cov.At(a, b)/wSum)
			}
			cov.SetSym(a, a, cov.At(a, a)+covRidge)
		}

		f.means[s] = mu
		f.covs[s] = cov
	}
}

// viterbi decodes the most likely hidden-state path in log space.
func viterbi(f *hmmFit, dists []*distmv.Normal, rows [][]float64) []int {
	n := len(rows)
	k := len(f.initial)

	delta := newMatrix(n, k)
	back := make([][]int, n)
	for t := range back {
		back[t] = make([]int, k)
	}

	for j := 0; j < k; j++ {
		delta[0][j] = safeLog(f.initial[j]) + dists[j].LogProb(rows[0])
	}

	for t := 1; t < n; t++ {
		for j := 0; j < k; j++ {
			best := math.Inf(-1)
			bestI := 0
			for i := 0; i < k; i++ {
				score := delta[t-1][i] + safeLog(f.trans[i][j])
				if score > best {
					best = score
					bestI = i
				}
			}
			delta[t][j] = best + dists[j].LogProb(rows[t])
			back[t][j] = bestI
		}
	}

	path := make([]int, n)
	best := math.Inf(-1)
	for j := 0; j < k; j++ {
		if delta[n-1][j] > best {
			best = delta[n-1][j]
			path[n-1] = j
		}
	}
	for t := n - 2; t >= 0; t-- {
		path[t] = back[t+1][path[t+1]]
	}
	return path
}

func newMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

func safeLog(v float64) float64 {
	if v <= 0 {
		return math.Inf(-1)
	}
	return math.Log(v)
}

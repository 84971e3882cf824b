// Package pipeline orchestrates the detector ensemble end to end:
// parallel detector fits, score combination, and event validation.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/internal/metrics"
	"github.com/quantfold/jgb-regime/internal/regime"
	"github.com/quantfold/jgb-regime/internal/workers"
	"github.com/quantfold/jgb-regime/pkg/types"
)

// Config holds pipeline-level settings.
type Config struct {
	Workers    workers.PoolConfig     `mapstructure:"workers"`
	Ensemble   regime.EnsembleConfig  `mapstructure:"ensemble"`
	Validation regime.ValidatorConfig `mapstructure:"validation"`
}

// DefaultConfig returns production defaults for the pipeline.
func DefaultConfig() Config {
	return Config{
		Workers:    workers.DefaultPoolConfig("detectors"),
		Ensemble:   regime.DefaultEnsembleConfig(),
		Validation: regime.DefaultValidatorConfig(),
	}
}

// Result is the output of one full pipeline run.
type Result struct {
	RunID       string                          `json:"run_id"`
	GeneratedAt time.Time                       `json:"generated_at"`
	Outputs     map[string]types.DetectorOutput `json:"outputs"`
	Ensemble    types.EnsembleSeries            `json:"ensemble"`
	Band        types.ConvictionBand            `json:"band"`
	Latest      types.Float                     `json:"latest_probability"`
	Validation  *types.ValidationReport         `json:"validation,omitempty"`
	Duration    time.Duration                   `json:"duration"`
}

// Pipeline runs the detectors concurrently and combines their scores.
type Pipeline struct {
	logger    *zap.Logger
	config    Config
	detectors []regime.Detector
	pool      *workers.Pool
	combiner  *regime.Combiner
	validator *regime.Validator
	metrics   *metrics.Metrics
}

// New builds a pipeline over the given detectors. Metrics may be nil.
func New(logger *zap.Logger, config Config, detectors []regime.Detector, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		logger:    logger.Named("pipeline"),
		config:    config,
		detectors: detectors,
		pool:      workers.NewPool(logger, config.Workers),
		combiner:  regime.NewCombiner(logger, config.Ensemble),
		validator: regime.NewValidator(logger, config.Validation),
		metrics:   m,
	}
}

// Run executes every detector on its own copy of the input, combines the
// scores, and validates against the supplied events. Events may be empty,
// in which case the validation report is omitted.
func (p *Pipeline) Run(ctx context.Context, in regime.Input, events []types.PolicyEvent) (*Result, error) {
	if len(p.detectors) == 0 {
		return nil, fmt.Errorf("pipeline: no detectors configured")
	}
	start := time.Now()

	// Each task owns one slot, so no further synchronization is needed.
	outputs := make([]types.DetectorOutput, len(p.detectors))
	tasks := make([]workers.Task, len(p.detectors))
	for i, det := range p.detectors {
		i, det := i, det
		input := in.Clone()
		tasks[i] = workers.TaskFunc(func(ctx context.Context) error {
			outputs[i] = det.Detect(input)
			return nil
		})
	}
	for _, err := range p.pool.Run(ctx, tasks) {
		if err != nil {
			return nil, fmt.Errorf("pipeline: detector execution: %w", err)
		}
	}

	byName := make(map[string]types.DetectorOutput, len(outputs))
	for _, out := range outputs {
		byName[out.Detector] = out
		p.recordDetector(out)
	}

	ensemble, err := p.combiner.Combine(byName)
	if err != nil {
		return nil, fmt.Errorf("pipeline: combine: %w", err)
	}
	latest, band := latestBand(ensemble.Series)

	result := &Result{
		RunID:       uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		Outputs:     byName,
		Ensemble:    ensemble,
		Band:        band,
		Latest:      types.Float(latest),
	}
	if len(events) > 0 {
		report := p.validator.Validate(ensemble, events)
		result.Validation = &report
		if p.metrics != nil {
			p.metrics.ValidationRate.Set(report.DetectionRate)
		}
	}
	result.Duration = time.Since(start)

	if p.metrics != nil {
		p.metrics.PipelineRuns.Inc()
		p.metrics.PipelineDuration.Observe(result.Duration.Seconds())
		if !math.IsNaN(latest) {
			p.metrics.EnsembleLatest.Set(latest)
		}
	}

	p.logger.Info("pipeline run complete",
		zap.String("run_id", result.RunID),
		zap.Int("detectors", len(outputs)),
		zap.String("band", string(band)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (p *Pipeline) recordDetector(out types.DetectorOutput) {
	if p.metrics == nil {
		return
	}
	outcome := metrics.OutcomeOK
	if out.Failed() {
		outcome = metrics.OutcomeFailed
	}
	p.metrics.DetectorFits.WithLabelValues(out.Detector, outcome).Inc()
	for _, flag := range out.Flags {
		p.metrics.DetectorFlags.WithLabelValues(out.Detector, string(flag)).Inc()
	}
}

// latestBand returns the most recent non-missing ensemble value and its band.
func latestBand(ts types.TimeSeries) (float64, types.ConvictionBand) {
	_, v, ok := ts.LastValid()
	if !ok {
		return math.NaN(), types.BandUnknown
	}
	return v, types.BandFor(v)
}

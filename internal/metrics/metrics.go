// Package metrics exposes Prometheus instrumentation for the regime engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for detector fit counters.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	DetectorFits     *prometheus.CounterVec
	DetectorFlags    *prometheus.CounterVec
	PipelineRuns     prometheus.Counter
	PipelineDuration prometheus.Histogram
	EnsembleLatest   prometheus.Gauge
	ValidationRate   prometheus.Gauge
}

// New registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DetectorFits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regime",
			Name:      "detector_fits_total",
			Help:      "Detector fit attempts by detector and outcome.",
		}, []string{"detector", "outcome"}),
		DetectorFlags: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regime",
			Name:      "detector_quality_flags_total",
			Help:      "Quality flags raised by detectors.",
		}, []string{"detector", "flag"}),
		PipelineRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "regime",
			Name:      "pipeline_runs_total",
			Help:      "Completed detector-to-validator pipeline runs.",
		}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "regime",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of full pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EnsembleLatest: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "regime",
			Name:      "ensemble_latest_probability",
			Help:      "Most recent ensemble regime probability.",
		}),
		ValidationRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "regime",
			Name:      "validation_detection_rate",
			Help:      "Detection rate from the most recent event validation.",
		}),
	}
}

package regime

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// ValidatorConfig configures the historical-event validator.
type ValidatorConfig struct {
	// WindowDays is the half-width K of the symmetric trading-day window
	// scanned around each event date.
	WindowDays int `mapstructure:"window_days" yaml:"window_days"`
	// Threshold is the ensemble value that counts as a detection.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// DefaultValidatorConfig returns sensible defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		WindowDays: 10,
		Threshold:  0.6,
	}
}

// Validator scores an ensemble series against the fixed list of known
// policy events, measuring whether and how early each regime shift was
// detected.
type Validator struct {
	logger *zap.Logger
	config ValidatorConfig
}

// NewValidator creates an event validator.
func NewValidator(logger *zap.Logger, config ValidatorConfig) *Validator {
	return &Validator{
		logger: logger.Named("event-validator"),
		config: config,
	}
}

// Validate scans a ±K trading-day window around each event. An event is
// detected when the ensemble exceeds the threshold at least once inside the
// window; lead/lag is the signed trading-day distance from the event to the
// first crossing (negative = early warning). Events whose window falls
// entirely outside the data range are flagged InsufficientCoverage and
// excluded from the aggregate rate.
func (v *Validator) Validate(es types.EnsembleSeries, events []types.PolicyEvent) types.ValidationReport {
	report := types.ValidationReport{}
	series := es.Series
	n := series.Len()
	k := v.config.WindowDays

	leadLagSum := 0.0
	for _, ev := range events {
		result := types.ValidationResult{Event: ev, PeakProbability: types.Float(types.Missing())}

		// Events outside the observed range are projected to their
		// approximate trading-day position, so the window test below can
		// tell a near-boundary event from one years outside the data.
		eventIdx := series.SearchDate(ev.Date)
		if n > 0 {
			if ev.Date.After(series.Dates[n-1]) {
				eventIdx = n - 1 + weekdaySpan(series.Dates[n-1], ev.Date)
			} else if ev.Date.Before(series.Dates[0]) {
				eventIdx = -weekdaySpan(ev.Date, series.Dates[0])
			}
		}
		lo, hi := eventIdx-k, eventIdx+k
		if n == 0 || hi < 0 || lo > n-1 {
			result.InsufficientCoverage = true
			report.Excluded++
			report.Results = append(report.Results, result)
			continue
		}

		wlo, whi := lo, hi
		if wlo < 0 {
			wlo = 0
		}
		if whi > n-1 {
			whi = n - 1
		}
		result.WindowStart = series.Dates[wlo]
		result.WindowEnd = series.Dates[whi]

		peak := math.Inf(-1)
		firstCross := -1
		for i := wlo; i <= whi; i++ {
			val := series.Values[i]
			if types.IsMissing(val) {
				continue
			}
			if val > peak {
				peak = val
			}
			if firstCross == -1 && val > v.config.Threshold {
				firstCross = i
			}
		}
		if !math.IsInf(peak, -1) {
			// Peak is reported even for non-detections; near-misses matter.
			result.PeakProbability = types.Float(peak)
		}

		if firstCross >= 0 {
			result.Detected = true
			leadLag := firstCross - eventIdx
			result.LeadLagDays = &leadLag
			leadLagSum += float64(leadLag)
			report.Detected++
		}
		report.Evaluated++
		report.Results = append(report.Results, result)
	}

	if report.Evaluated > 0 {
		report.DetectionRate = float64(report.Detected) / float64(report.Evaluated)
	}
	if report.Detected > 0 {
		report.MeanLeadLag = leadLagSum / float64(report.Detected)
	}

	v.logger.Info("event validation complete",
		zap.Int("events", len(events)),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("detected", report.Detected),
		zap.Int("excluded", report.Excluded),
		zap.Float64("detection_rate", report.DetectionRate),
		zap.Float64("mean_lead_lag", report.MeanLeadLag))

	return report
}

// weekdaySpan counts the weekdays after from, up to and including to; an
// approximation of trading-day distance that ignores exchange holidays.
func weekdaySpan(from, to time.Time) int {
	days := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days++
		}
	}
	return days
}

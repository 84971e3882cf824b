// Package types provides shared type definitions for the regime engine.
package types

import (
	"encoding/json"
	"math"
	"time"
)

// Float is a float64 that marshals NaN as JSON null, so score values with
// missing observations survive serialization.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// ScoreKind tags a detector output with its native scale so that
// normalization can dispatch on the tag rather than guessing from values.
type ScoreKind string

const (
	// ScoreProbability marks values already in [0, 1].
	ScoreProbability ScoreKind = "probability"
	// ScoreZScore marks standardized magnitudes with no fixed range.
	ScoreZScore ScoreKind = "zscore"
	// ScoreBinary marks indicator-style values in {0, 1} (possibly ramped).
	ScoreBinary ScoreKind = "binary"
)

// QualityFlag classifies a detector-level signal quality state. Flags are
// values carried on the output, never errors raised to the caller.
type QualityFlag string

const (
	// FlagDataInsufficient marks input shorter than the detector minimum.
	FlagDataInsufficient QualityFlag = "data_insufficient"
	// FlagFitFailed marks optimizer non-convergence or a degenerate fit.
	FlagFitFailed QualityFlag = "fit_failed"
	// FlagAlignmentEmpty marks an empty intersection after row alignment.
	FlagAlignmentEmpty QualityFlag = "alignment_empty"
)

// DetectorOutput is one detector's score series on its native scale.
// Immutable once produced; the combiner owns it for the duration of one
// ensemble computation.
type DetectorOutput struct {
	Detector string            `json:"detector"`
	Kind     ScoreKind         `json:"kind"`
	Series   TimeSeries        `json:"series"`
	Flags    []QualityFlag     `json:"flags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Failed reports whether the output carries any quality flag.
func (o DetectorOutput) Failed() bool {
	return len(o.Flags) > 0
}

// HasFlag reports whether the output carries the given flag.
func (o DetectorOutput) HasFlag(f QualityFlag) bool {
	for _, g := range o.Flags {
		if g == f {
			return true
		}
	}
	return false
}

// EnsembleSeries is the combined regime probability in [0, 1], one value per
// timestamp present in at least one contributing detector after alignment.
// It carries the combiner configuration used to produce it.
type EnsembleSeries struct {
	Series        TimeSeries         `json:"series"`
	Weights       map[string]float64 `json:"weights"`
	Normalization string             `json:"normalization"`
}

// ConvictionBand names an interval of the ensemble probability.
type ConvictionBand string

const (
	BandStrongRepricing ConvictionBand = "strong_repricing"
	BandModerate        ConvictionBand = "moderate"
	BandTransition      ConvictionBand = "transition"
	BandSuppressed      ConvictionBand = "suppressed"
	BandUnknown         ConvictionBand = "unknown"
)

// BandFor maps an ensemble probability to its conviction band. Band
// boundaries are inclusive on the lower bound of each band.
func BandFor(p float64) ConvictionBand {
	switch {
	case IsMissing(p):
		return BandUnknown
	case p > 0.7:
		return BandStrongRepricing
	case p >= 0.5:
		return BandModerate
	case p >= 0.3:
		return BandTransition
	default:
		return BandSuppressed
	}
}

// PolicyEvent is a fixed reference record for a known historical policy
// shift. The event set is external configuration, not computed state.
type PolicyEvent struct {
	Date     time.Time `json:"date" yaml:"date"`
	Label    string    `json:"label" yaml:"label"`
	Category string    `json:"category,omitempty" yaml:"category,omitempty"`
}

// ValidationResult scores the ensemble against one policy event.
// LeadLagDays is negative when detection preceded the event; it is nil when
// the threshold was never exceeded inside the window.
type ValidationResult struct {
	Event           PolicyEvent `json:"event"`
	Detected        bool        `json:"detected"`
	LeadLagDays     *int        `json:"lead_lag_days,omitempty"`
	PeakProbability Float       `json:"peak_probability"`
	WindowStart     time.Time   `json:"window_start"`
	WindowEnd       time.Time   `json:"window_end"`
	// InsufficientCoverage marks events whose window falls entirely outside
	// the available data range; they are excluded from aggregates.
	InsufficientCoverage bool `json:"insufficient_coverage,omitempty"`
}

// ValidationReport aggregates per-event results. Events flagged
// InsufficientCoverage are excluded from both numerator and denominator.
type ValidationReport struct {
	Results       []ValidationResult `json:"results"`
	DetectionRate float64            `json:"detection_rate"`
	MeanLeadLag   float64            `json:"mean_lead_lag"`
	Detected      int                `json:"detected"`
	Evaluated     int                `json:"evaluated"`
	Excluded      int                `json:"excluded"`
}

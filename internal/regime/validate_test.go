package regime

import (
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

func ensembleWith(values []float64) types.EnsembleSeries {
	ts, _ := types.NewTimeSeries(testDates(len(values)), values)
	return types.EnsembleSeries{Series: ts, Normalization: NormalizationFullHistory}
}

func flatWithSpike(n, at int, base, spike float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base
	}
	out[at] = spike
	return out
}

func TestValidateEarlyWarning(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	// Spike three trading days before the event.
	es := ensembleWith(flatWithSpike(60, 27, 0.1, 0.9))
	events := []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 30), Label: "band widened"}}

	report := v.Validate(es, events)
	if report.Evaluated != 1 || report.Detected != 1 || report.Excluded != 0 {
		t.Fatalf("evaluated=%d detected=%d excluded=%d", report.Evaluated, report.Detected, report.Excluded)
	}

	r := report.Results[0]
	if !r.Detected {
		t.Fatal("event not detected")
	}
	if r.LeadLagDays == nil || *r.LeadLagDays != -3 {
		t.Errorf("lead/lag = %v, want -3 (early warning)", r.LeadLagDays)
	}
	if float64(r.PeakProbability) != 0.9 {
		t.Errorf("peak = %g, want 0.9", float64(r.PeakProbability))
	}
	if report.DetectionRate != 1.0 {
		t.Errorf("detection rate = %g", report.DetectionRate)
	}
	if report.MeanLeadLag != -3 {
		t.Errorf("mean lead/lag = %g", report.MeanLeadLag)
	}
}

func TestValidateMissReportsPeak(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	// Never crosses 0.6; the near-miss peak is still surfaced.
	es := ensembleWith(flatWithSpike(60, 30, 0.1, 0.55))
	events := []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 30), Label: "rate decision"}}

	report := v.Validate(es, events)
	r := report.Results[0]
	if r.Detected {
		t.Fatal("event should not be detected below threshold")
	}
	if r.LeadLagDays != nil {
		t.Errorf("lead/lag = %d for a miss, want nil", *r.LeadLagDays)
	}
	if float64(r.PeakProbability) != 0.55 {
		t.Errorf("peak = %g, want 0.55", float64(r.PeakProbability))
	}
	if report.DetectionRate != 0 {
		t.Errorf("detection rate = %g", report.DetectionRate)
	}
}

func TestValidateThresholdIsStrict(t *testing.T) {
	v := NewValidator(zap.NewNop(), ValidatorConfig{WindowDays: 10, Threshold: 0.6})

	es := ensembleWith(flatWithSpike(60, 30, 0.1, 0.6))
	report := v.Validate(es, []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 30), Label: "on the line"}})
	if report.Results[0].Detected {
		t.Error("value exactly at threshold should not count as a detection")
	}
}

func TestValidateCoverageExclusion(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	es := ensembleWith(flatWithSpike(60, 30, 0.1, 0.9))
	events := []types.PolicyEvent{
		{Date: testDay0.AddDate(0, 0, 30), Label: "in range"},
		{Date: testDay0.AddDate(-2, 0, 0), Label: "before history"},
		{Date: testDay0.AddDate(2, 0, 0), Label: "after history"},
	}

	report := v.Validate(es, events)
	if report.Evaluated != 1 || report.Excluded != 2 {
		t.Fatalf("evaluated=%d excluded=%d, want 1/2", report.Evaluated, report.Excluded)
	}
	for _, r := range report.Results[1:] {
		if !r.InsufficientCoverage {
			t.Errorf("event %q should be flagged insufficient coverage", r.Event.Label)
		}
		if !types.IsMissing(float64(r.PeakProbability)) {
			t.Errorf("excluded event carries peak %g", float64(r.PeakProbability))
		}
	}
	// Excluded events do not dilute the rate.
	if report.DetectionRate != 1.0 {
		t.Errorf("detection rate = %g, want 1.0 over evaluated events only", report.DetectionRate)
	}
}

func TestValidateWindowClippedAtEdges(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	// Event near the start of history: window clips but the event still
	// evaluates.
	es := ensembleWith(flatWithSpike(60, 1, 0.1, 0.9))
	report := v.Validate(es, []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 3), Label: "early event"}})

	r := report.Results[0]
	if r.InsufficientCoverage {
		t.Fatal("partially covered event should still evaluate")
	}
	if !r.Detected {
		t.Fatal("spike inside the clipped window not detected")
	}
	if !r.WindowStart.Equal(testDay0) {
		t.Errorf("window start = %v, want clipped to first date", r.WindowStart)
	}
}

func TestValidateLateDetection(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	es := ensembleWith(flatWithSpike(60, 34, 0.1, 0.9))
	report := v.Validate(es, []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 30), Label: "lagged"}})

	r := report.Results[0]
	if r.LeadLagDays == nil || *r.LeadLagDays != 4 {
		t.Errorf("lead/lag = %v, want +4 (lagged detection)", r.LeadLagDays)
	}
}

func TestValidateMissingValuesIgnored(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	values := flatWithSpike(60, 28, 0.1, 0.9)
	values[29] = types.Missing()
	values[31] = types.Missing()
	es := ensembleWith(values)

	report := v.Validate(es, []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 30), Label: "gappy window"}})
	r := report.Results[0]
	if !r.Detected {
		t.Fatal("missing values inside the window should not block detection")
	}
	if math.IsNaN(float64(r.PeakProbability)) {
		t.Error("peak missing despite valid values in window")
	}
}

func TestValidateEventDateBetweenObservations(t *testing.T) {
	v := NewValidator(zap.NewNop(), DefaultValidatorConfig())

	// Weekend event date: anchor at the first observation on or after it.
	ds := make([]time.Time, 40)
	for i := range ds {
		ds[i] = testDay0.AddDate(0, 0, 2*i) // every other day
	}
	values := flatWithSpike(40, 20, 0.1, 0.9)
	ts, _ := types.NewTimeSeries(ds, values)
	es := types.EnsembleSeries{Series: ts}

	report := v.Validate(es, []types.PolicyEvent{{Date: testDay0.AddDate(0, 0, 39), Label: "weekend announcement"}})
	r := report.Results[0]
	if !r.Detected {
		t.Fatal("event anchored between observations not detected")
	}
	if r.LeadLagDays == nil || *r.LeadLagDays != 0 {
		t.Errorf("lead/lag = %v, want 0 against the anchor observation", r.LeadLagDays)
	}
}

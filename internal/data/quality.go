package data

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// QualityValidator screens daily yield series before detectors see them.
type QualityValidator struct {
	logger *zap.Logger

	MaxGapBusinessDays int     // longest tolerated run of absent business days
	MaxDailyMove       float64 // largest plausible one-day change, in input units
	MaxStaleRun        int     // longest tolerated run of exactly repeated values
	MaxMissingFraction float64 // missing observations tolerated as a fraction of total
}

// NewQualityValidator returns a validator tuned for daily sovereign yields.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:             logger.Named("quality"),
		MaxGapBusinessDays: 10,
		MaxDailyMove:       0.50, // 50bp in a day is already extraordinary for JGBs
		MaxStaleRun:        20,
		MaxMissingFraction: 0.10,
	}
}

// Issue represents a single data quality problem.
type Issue struct {
	Type     string    `json:"type"`
	Severity string    `json:"severity"` // "critical", "high", "medium", "low"
	Date     time.Time `json:"date"`
	Series   string    `json:"series"`
	Message  string    `json:"message"`
	Index    int       `json:"index,omitempty"`
}

// QualityReport summarizes the screening of one series.
type QualityReport struct {
	Series       string  `json:"series"`
	Observations int     `json:"observations"`
	Missing      int     `json:"missing"`
	Issues       []Issue `json:"issues"`
	Score        int     `json:"score"` // 0-100
	IsUsable     bool    `json:"is_usable"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Validate runs all screening checks on a series.
func (qv *QualityValidator) Validate(ts types.TimeSeries, name string) *QualityReport {
	if ts.Len() == 0 {
		return &QualityReport{
			Series:   name,
			Issues:   []Issue{{Type: "NO_DATA", Severity: "critical", Series: name, Message: "no observations"}},
			Score:    0,
			IsUsable: false,
		}
	}

	issues := make([]Issue, 0)
	issues = append(issues, qv.checkCalendarGaps(ts, name)...)
	issues = append(issues, qv.checkExtremeMoves(ts, name)...)
	issues = append(issues, qv.checkStaleRuns(ts, name)...)
	issues = append(issues, qv.checkMissingFraction(ts, name)...)

	score := qv.score(ts.Len(), issues)
	report := &QualityReport{
		Series:       name,
		Observations: ts.Len(),
		Missing:      ts.Len() - ts.ValidCount(),
		Issues:       issues,
		Score:        score,
		IsUsable:     score >= 70 && !hasCritical(issues),
		StartDate:    ts.First(),
		EndDate:      ts.Last(),
	}
	qv.logger.Info("series screened",
		zap.String("series", name),
		zap.Int("score", score),
		zap.Int("issues", len(issues)),
		zap.Bool("usable", report.IsUsable))
	return report
}

// checkCalendarGaps flags stretches of absent business days between
// consecutive observations.
func (qv *QualityValidator) checkCalendarGaps(ts types.TimeSeries, name string) []Issue {
	issues := make([]Issue, 0)
	for i := 1; i < ts.Len(); i++ {
		gap := businessDaysBetween(ts.Dates[i-1], ts.Dates[i])
		if gap <= qv.MaxGapBusinessDays {
			continue
		}
		severity := "high"
		if gap > qv.MaxGapBusinessDays*5 {
			severity = "critical"
		}
		issues = append(issues, Issue{
			Type:     "CALENDAR_GAP",
			Severity: severity,
			Date:     ts.Dates[i-1],
			Series:   name,
			Message:  fmt.Sprintf("%d business days absent before %s", gap, ts.Dates[i].Format("2006-01-02")),
			Index:    i - 1,
		})
	}
	return issues
}

// checkExtremeMoves flags one-day changes beyond MaxDailyMove.
func (qv *QualityValidator) checkExtremeMoves(ts types.TimeSeries, name string) []Issue {
	issues := make([]Issue, 0)
	prev := math.NaN()
	for i := 0; i < ts.Len(); i++ {
		v := ts.Values[i]
		if types.IsMissing(v) {
			continue
		}
		if !types.IsMissing(prev) && math.Abs(v-prev) > qv.MaxDailyMove {
			issues = append(issues, Issue{
				Type:     "EXTREME_MOVE",
				Severity: "high",
				Date:     ts.Dates[i],
				Series:   name,
				Message:  fmt.Sprintf("one-day change of %.4f exceeds %.4f", math.Abs(v-prev), qv.MaxDailyMove),
				Index:    i,
			})
		}
		prev = v
	}
	return issues
}

// checkStaleRuns flags long runs of byte-identical values. Pinned yields
// are a real phenomenon under yield-curve control, so this is medium at
// worst, but detectors treat long flat stretches as zero variance.
func (qv *QualityValidator) checkStaleRuns(ts types.TimeSeries, name string) []Issue {
	issues := make([]Issue, 0)
	runStart := 0
	runLen := 0
	prev := math.NaN()
	flush := func(endIdx int) {
		if runLen > qv.MaxStaleRun {
			issues = append(issues, Issue{
				Type:     "STALE_RUN",
				Severity: "medium",
				Date:     ts.Dates[runStart],
				Series:   name,
				Message:  fmt.Sprintf("value repeated %d times through %s", runLen, ts.Dates[endIdx].Format("2006-01-02")),
				Index:    runStart,
			})
		}
	}
	for i := 0; i < ts.Len(); i++ {
		v := ts.Values[i]
		if types.IsMissing(v) {
			flush(max(i-1, 0))
			runLen = 0
			prev = math.NaN()
			continue
		}
		if !types.IsMissing(prev) && v == prev {
			runLen++
		} else {
			flush(max(i-1, 0))
			runStart = i
			runLen = 1
		}
		prev = v
	}
	flush(ts.Len() - 1)
	return issues
}

func (qv *QualityValidator) checkMissingFraction(ts types.TimeSeries, name string) []Issue {
	missing := ts.Len() - ts.ValidCount()
	frac := float64(missing) / float64(ts.Len())
	if frac <= qv.MaxMissingFraction {
		return nil
	}
	return []Issue{{
		Type:     "MISSING_FRACTION",
		Severity: "high",
		Date:     ts.First(),
		Series:   name,
		Message:  fmt.Sprintf("%.1f%% of observations missing", frac*100),
	}}
}

// score returns a 0-100 quality score, weighting issues by severity and
// normalizing by series length so long histories tolerate isolated blips.
func (qv *QualityValidator) score(total int, issues []Issue) int {
	if total == 0 {
		return 0
	}
	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}
	normalized := penalty / math.Max(1, float64(total)/100) * 10
	return int(math.Max(0, 100-math.Min(normalized, 100)))
}

func hasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

// businessDaysBetween counts weekdays strictly between two dates.
func businessDaysBetween(a, b time.Time) int {
	if !a.Before(b) {
		return 0
	}
	n := 0
	for d := a.AddDate(0, 0, 1); d.Before(b); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			n++
		}
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

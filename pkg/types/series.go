package types

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// TimeSeries is an ordered business-day series. Timestamps are unique,
// ascending, and normalized to UTC midnight. Missing observations are
// represented as NaN, never as zero.
type TimeSeries struct {
	Dates  []time.Time `json:"dates"`
	Values []float64   `json:"values"`
}

// Day normalizes a timestamp to its UTC calendar date.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// IsMissing reports whether v marks a missing observation.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Missing is the canonical missing-value marker.
func Missing() float64 {
	return math.NaN()
}

// NewTimeSeries builds a series from parallel date/value slices. Dates must
// be strictly ascending after day normalization; duplicates are rejected.
func NewTimeSeries(dates []time.Time, values []float64) (TimeSeries, error) {
	if len(dates) != len(values) {
		return TimeSeries{}, fmt.Errorf("length mismatch: %d dates, %d values", len(dates), len(values))
	}

	ts := TimeSeries{
		Dates:  make([]time.Time, len(dates)),
		Values: make([]float64, len(values)),
	}
	for i, d := range dates {
		ts.Dates[i] = Day(d)
		ts.Values[i] = values[i]
	}

	for i := 1; i < len(ts.Dates); i++ {
		if !ts.Dates[i].After(ts.Dates[i-1]) {
			return TimeSeries{}, fmt.Errorf("dates not strictly ascending at position %d (%s >= %s)",
				i, ts.Dates[i-1].Format("2006-01-02"), ts.Dates[i].Format("2006-01-02"))
		}
	}

	return ts, nil
}

type seriesJSON struct {
	Dates  []string `json:"dates"`
	Values []Float  `json:"values"`
}

// MarshalJSON encodes dates as calendar days and missing values as null.
func (ts TimeSeries) MarshalJSON() ([]byte, error) {
	out := seriesJSON{
		Dates:  make([]string, len(ts.Dates)),
		Values: make([]Float, len(ts.Values)),
	}
	for i := range ts.Dates {
		out.Dates[i] = ts.Dates[i].Format("2006-01-02")
		out.Values[i] = Float(ts.Values[i])
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (ts *TimeSeries) UnmarshalJSON(b []byte) error {
	var in seriesJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if len(in.Dates) != len(in.Values) {
		return fmt.Errorf("length mismatch: %d dates, %d values", len(in.Dates), len(in.Values))
	}
	dates := make([]time.Time, len(in.Dates))
	values := make([]float64, len(in.Values))
	for i, s := range in.Dates {
		d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			return fmt.Errorf("parse date %q: %w", s, err)
		}
		dates[i] = d
		values[i] = float64(in.Values[i])
	}
	parsed, err := NewTimeSeries(dates, values)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}

// EmptySeries returns a zero-length series.
func EmptySeries() TimeSeries {
	return TimeSeries{Dates: []time.Time{}, Values: []float64{}}
}

// ConstantSeries returns a series with the same value at every date.
func ConstantSeries(dates []time.Time, v float64) TimeSeries {
	vals := make([]float64, len(dates))
	for i := range vals {
		vals[i] = v
	}
	ts, _ := NewTimeSeries(dates, vals)
	return ts
}

// MissingSeries returns a series that is missing at every date.
func MissingSeries(dates []time.Time) TimeSeries {
	return ConstantSeries(dates, Missing())
}

// Len returns the number of dates in the series, including missing entries.
func (ts TimeSeries) Len() int {
	return len(ts.Dates)
}

// ValidCount returns the number of non-missing observations.
func (ts TimeSeries) ValidCount() int {
	n := 0
	for _, v := range ts.Values {
		if !IsMissing(v) {
			n++
		}
	}
	return n
}

// Index returns the position of date in the series and whether it is present.
func (ts TimeSeries) Index(date time.Time) (int, bool) {
	d := Day(date)
	i := sort.Search(len(ts.Dates), func(i int) bool { return !ts.Dates[i].Before(d) })
	if i < len(ts.Dates) && ts.Dates[i].Equal(d) {
		return i, true
	}
	return i, false
}

// SearchDate returns the index of the first date not before the given date.
// The result is len(ts.Dates) when every date precedes it.
func (ts TimeSeries) SearchDate(date time.Time) int {
	d := Day(date)
	return sort.Search(len(ts.Dates), func(i int) bool { return !ts.Dates[i].Before(d) })
}

// At returns the value at date, or a missing marker if the date is absent.
func (ts TimeSeries) At(date time.Time) float64 {
	if i, ok := ts.Index(date); ok {
		return ts.Values[i]
	}
	return Missing()
}

// Clone returns a deep copy. Detectors receive and return copies so no
// shared mutable state crosses the API boundary.
func (ts TimeSeries) Clone() TimeSeries {
	out := TimeSeries{
		Dates:  make([]time.Time, len(ts.Dates)),
		Values: make([]float64, len(ts.Values)),
	}
	copy(out.Dates, ts.Dates)
	copy(out.Values, ts.Values)
	return out
}

// DropMissing returns a copy with missing entries removed.
func (ts TimeSeries) DropMissing() TimeSeries {
	out := TimeSeries{}
	for i, v := range ts.Values {
		if !IsMissing(v) {
			out.Dates = append(out.Dates, ts.Dates[i])
			out.Values = append(out.Values, v)
		}
	}
	return out
}

// Diff returns the first-difference series, one element shorter.
func (ts TimeSeries) Diff() TimeSeries {
	out := TimeSeries{}
	for i := 1; i < ts.Len(); i++ {
		out.Dates = append(out.Dates, ts.Dates[i])
		if IsMissing(ts.Values[i]) || IsMissing(ts.Values[i-1]) {
			out.Values = append(out.Values, Missing())
		} else {
			out.Values = append(out.Values, ts.Values[i]-ts.Values[i-1])
		}
	}
	return out
}

// Demean subtracts the mean of the non-missing values.
func (ts TimeSeries) Demean() TimeSeries {
	sum, n := 0.0, 0
	for _, v := range ts.Values {
		if !IsMissing(v) {
			sum += v
			n++
		}
	}
	out := ts.Clone()
	if n == 0 {
		return out
	}
	mean := sum / float64(n)
	for i, v := range out.Values {
		if !IsMissing(v) {
			out.Values[i] = v - mean
		}
	}
	return out
}

// First returns the earliest date, or the zero time for an empty series.
func (ts TimeSeries) First() time.Time {
	if ts.Len() == 0 {
		return time.Time{}
	}
	return ts.Dates[0]
}

// Last returns the latest date, or the zero time for an empty series.
func (ts TimeSeries) Last() time.Time {
	if ts.Len() == 0 {
		return time.Time{}
	}
	return ts.Dates[ts.Len()-1]
}

// LastValid returns the most recent non-missing value and its date.
func (ts TimeSeries) LastValid() (time.Time, float64, bool) {
	for i := ts.Len() - 1; i >= 0; i-- {
		if !IsMissing(ts.Values[i]) {
			return ts.Dates[i], ts.Values[i], true
		}
	}
	return time.Time{}, Missing(), false
}

// UnionDates merges the date indexes of several series into one ascending
// deduplicated index.
func UnionDates(series ...TimeSeries) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, ts := range series {
		for _, d := range ts.Dates {
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// InnerJoin row-aligns several series on the dates where every series has a
// non-missing value. Column order follows the argument order. The returned
// matrix has one row per shared date.
func InnerJoin(series ...TimeSeries) ([]time.Time, [][]float64) {
	if len(series) == 0 {
		return nil, nil
	}

	var dates []time.Time
	var rows [][]float64
	for i, d := range series[0].Dates {
		row := make([]float64, len(series))
		row[0] = series[0].Values[i]
		if IsMissing(row[0]) {
			continue
		}
		ok := true
		for j := 1; j < len(series); j++ {
			v := series[j].At(d)
			if IsMissing(v) {
				ok = false
				break
			}
			row[j] = v
		}
		if ok {
			dates = append(dates, d)
			rows = append(rows, row)
		}
	}
	return dates, rows
}

// Reindex projects the series onto the given date index, filling absent
// dates with missing markers.
func (ts TimeSeries) Reindex(dates []time.Time) TimeSeries {
	out := TimeSeries{
		Dates:  make([]time.Time, len(dates)),
		Values: make([]float64, len(dates)),
	}
	for i, d := range dates {
		out.Dates[i] = Day(d)
		out.Values[i] = ts.At(d)
	}
	return out
}

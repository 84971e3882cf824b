package types_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/quantfold/jgb-regime/pkg/types"
)

func dates(start time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = start.AddDate(0, 0, i)
	}
	return out
}

var day0 = time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)

func TestNewTimeSeriesValidation(t *testing.T) {
	_, err := types.NewTimeSeries(dates(day0, 3), []float64{1, 2})
	if err == nil {
		t.Fatal("expected length mismatch error")
	}

	dup := []time.Time{day0, day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 1)}
	_, err = types.NewTimeSeries(dup, []float64{1, 2, 3})
	if err == nil {
		t.Fatal("expected duplicate-date error")
	}

	// Intraday timestamps on the same day collapse to duplicates.
	intraday := []time.Time{day0.Add(9 * time.Hour), day0.Add(15 * time.Hour)}
	_, err = types.NewTimeSeries(intraday, []float64{1, 2})
	if err == nil {
		t.Fatal("expected error for same-day timestamps")
	}

	ts, err := types.NewTimeSeries(dates(day0, 3), []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("valid series rejected: %v", err)
	}
	if !ts.Dates[0].Equal(day0) {
		t.Errorf("dates not normalized: %v", ts.Dates[0])
	}
}

func TestDayNormalization(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	local := time.Date(2023, 1, 2, 10, 30, 0, 0, tokyo)
	got := types.Day(local)
	want := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Day(%v) = %v, want %v", local, got, want)
	}
}

func TestDiff(t *testing.T) {
	ts, _ := types.NewTimeSeries(dates(day0, 4), []float64{1.0, 1.5, math.NaN(), 2.0})
	d := ts.Diff()

	if d.Len() != 3 {
		t.Fatalf("diff length = %d, want 3", d.Len())
	}
	if d.Values[0] != 0.5 {
		t.Errorf("diff[0] = %f, want 0.5", d.Values[0])
	}
	// Differences touching a missing value are missing.
	if !types.IsMissing(d.Values[1]) || !types.IsMissing(d.Values[2]) {
		t.Errorf("diffs around missing value should be missing: %v", d.Values)
	}
}

func TestDropMissingAndValidCount(t *testing.T) {
	ts, _ := types.NewTimeSeries(dates(day0, 4), []float64{1, math.NaN(), 3, math.NaN()})
	if ts.ValidCount() != 2 {
		t.Errorf("ValidCount = %d, want 2", ts.ValidCount())
	}
	clean := ts.DropMissing()
	if clean.Len() != 2 || clean.Values[0] != 1 || clean.Values[1] != 3 {
		t.Errorf("DropMissing = %v", clean.Values)
	}
}

func TestInnerJoin(t *testing.T) {
	a, _ := types.NewTimeSeries(dates(day0, 4), []float64{1, 2, math.NaN(), 4})
	b, _ := types.NewTimeSeries(dates(day0.AddDate(0, 0, 1), 3), []float64{20, 30, 40})

	joined, rows := types.InnerJoin(a, b)
	// Shared dates are days 1-3; day 2 is dropped because a is missing there.
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if !joined[0].Equal(day0.AddDate(0, 0, 1)) {
		t.Errorf("first joined date = %v", joined[0])
	}
	if rows[0][0] != 2 || rows[0][1] != 20 {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1][0] != 4 || rows[1][1] != 40 {
		t.Errorf("row 1 = %v", rows[1])
	}
}

func TestUnionDatesAndReindex(t *testing.T) {
	a, _ := types.NewTimeSeries([]time.Time{day0, day0.AddDate(0, 0, 2)}, []float64{1, 3})
	b, _ := types.NewTimeSeries([]time.Time{day0.AddDate(0, 0, 1)}, []float64{2})

	union := types.UnionDates(a, b)
	if len(union) != 3 {
		t.Fatalf("union length = %d, want 3", len(union))
	}
	for i := 1; i < len(union); i++ {
		if !union[i].After(union[i-1]) {
			t.Fatalf("union not ascending: %v", union)
		}
	}

	r := a.Reindex(union)
	if r.Values[0] != 1 || !types.IsMissing(r.Values[1]) || r.Values[2] != 3 {
		t.Errorf("reindexed values = %v", r.Values)
	}
}

func TestLastValid(t *testing.T) {
	ts, _ := types.NewTimeSeries(dates(day0, 3), []float64{1, 2, math.NaN()})
	d, v, ok := ts.LastValid()
	if !ok || v != 2 || !d.Equal(day0.AddDate(0, 0, 1)) {
		t.Errorf("LastValid = %v %f %v", d, v, ok)
	}

	empty := types.MissingSeries(dates(day0, 2))
	if _, _, ok := empty.LastValid(); ok {
		t.Error("LastValid on all-missing series should report false")
	}
}

func TestSeriesJSONRoundTrip(t *testing.T) {
	ts, _ := types.NewTimeSeries(dates(day0, 3), []float64{0.25, math.NaN(), 0.75})

	raw, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back types.TimeSeries
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Len() != 3 {
		t.Fatalf("round-trip length = %d", back.Len())
	}
	if back.Values[0] != 0.25 || back.Values[2] != 0.75 {
		t.Errorf("round-trip values = %v", back.Values)
	}
	if !types.IsMissing(back.Values[1]) {
		t.Errorf("missing value did not survive round trip: %v", back.Values[1])
	}
}

func TestBandFor(t *testing.T) {
	cases := []struct {
		p    float64
		want types.ConvictionBand
	}{
		{0.95, types.BandStrongRepricing},
		{0.7, types.BandModerate}, // boundary is exclusive at the top
		{0.5, types.BandModerate},
		{0.3, types.BandTransition},
		{0.1, types.BandSuppressed},
		{math.NaN(), types.BandUnknown},
	}
	for _, tc := range cases {
		if got := types.BandFor(tc.p); got != tc.want {
			t.Errorf("BandFor(%f) = %s, want %s", tc.p, got, tc.want)
		}
	}
}

func TestFloatJSON(t *testing.T) {
	raw, err := json.Marshal(types.Float(math.NaN()))
	if err != nil {
		t.Fatalf("marshal NaN: %v", err)
	}
	if string(raw) != "null" {
		t.Errorf("NaN marshals to %s, want null", raw)
	}

	var f types.Float
	if err := json.Unmarshal([]byte("null"), &f); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !math.IsNaN(float64(f)) {
		t.Errorf("null should decode to NaN, got %f", float64(f))
	}
}

package data

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/jgb-regime/pkg/types"
)

// LoadSeriesCSV reads a two-column CSV (date, value) into a TimeSeries.
// A header row is detected and skipped. Empty or unparsable value cells
// become missing observations rather than errors.
func LoadSeriesCSV(path string) (types.TimeSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.TimeSeries{}, fmt.Errorf("open series file: %w", err)
	}
	defer f.Close()
	return ReadSeriesCSV(f)
}

// ReadSeriesCSV parses CSV series data from a reader.
func ReadSeriesCSV(r io.Reader) (types.TimeSeries, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	var dates []time.Time
	var values []float64
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return types.TimeSeries{}, fmt.Errorf("read csv: %w", err)
		}
		line++
		if len(record) < 2 {
			return types.TimeSeries{}, fmt.Errorf("line %d: expected 2 columns, got %d", line, len(record))
		}

		date, err := parseDate(record[0])
		if err != nil {
			if line == 1 {
				// header row
				continue
			}
			return types.TimeSeries{}, fmt.Errorf("line %d: %w", line, err)
		}
		dates = append(dates, date)
		values = append(values, parseValue(record[1]))
	}

	return types.NewTimeSeries(dates, values)
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// parseValue goes through decimal so inputs like "0.250" and "1,234.5"
// survive exactly as published before conversion to float64.
func parseValue(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || strings.EqualFold(s, "na") || strings.EqualFold(s, "nan") {
		return math.NaN()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return math.NaN()
	}
	v, _ := d.Float64()
	return v
}

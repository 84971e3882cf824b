// Package data provides series loading, quality screening, and run storage.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/quantfold/jgb-regime/internal/pipeline"
	"github.com/quantfold/jgb-regime/pkg/types"
)

const createSeriesTable = `
CREATE TABLE IF NOT EXISTS series_points (
	name  TEXT NOT NULL,
	date  TEXT NOT NULL,
	value REAL,
	PRIMARY KEY (name, date)
);`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	generated_at   TEXT NOT NULL,
	band           TEXT NOT NULL,
	latest         REAL,
	detection_rate REAL,
	payload        TEXT NOT NULL
);`

const createEnsembleTable = `
CREATE TABLE IF NOT EXISTS ensemble_points (
	run_id TEXT NOT NULL,
	date   TEXT NOT NULL,
	value  REAL,
	PRIMARY KEY (run_id, date)
);`

const dateLayout = "2006-01-02"

// Store persists input series and pipeline runs in SQLite.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// OpenStore opens (and migrates) the SQLite database at path.
func OpenStore(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc's driver is not safe for concurrent writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createSeriesTable, createRunsTable, createEnsembleTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}
	logger.Info("store opened", zap.String("path", path))
	return &Store{logger: logger.Named("store"), db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSeries upserts every point of a named series. Missing values are
// stored as NULL so they round-trip as NaN.
func (s *Store) SaveSeries(ctx context.Context, name string, ts types.TimeSeries) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO series_points (name, date, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range ts.Dates {
		var value interface{}
		if !types.IsMissing(ts.Values[i]) {
			value = ts.Values[i]
		}
		if _, err := stmt.ExecContext(ctx, name, ts.Dates[i].Format(dateLayout), value); err != nil {
			return fmt.Errorf("insert point: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("series saved", zap.String("name", name), zap.Int("points", ts.Len()))
	return nil
}

// LoadSeries reads a named series back in ascending date order.
func (s *Store) LoadSeries(ctx context.Context, name string) (types.TimeSeries, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, value FROM series_points WHERE name = ? ORDER BY date`, name)
	if err != nil {
		return types.TimeSeries{}, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	var values []float64
	for rows.Next() {
		var dateStr string
		var value sql.NullFloat64
		if err := rows.Scan(&dateStr, &value); err != nil {
			return types.TimeSeries{}, fmt.Errorf("scan point: %w", err)
		}
		date, err := time.ParseInLocation(dateLayout, dateStr, time.UTC)
		if err != nil {
			return types.TimeSeries{}, fmt.Errorf("parse date %q: %w", dateStr, err)
		}
		dates = append(dates, date)
		v := math.NaN()
		if value.Valid {
			v = value.Float64
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return types.TimeSeries{}, fmt.Errorf("iterate series: %w", err)
	}
	return types.NewTimeSeries(dates, values)
}

// SaveRun persists a pipeline result, including its ensemble trajectory.
func (s *Store) SaveRun(ctx context.Context, result *pipeline.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	detectionRate := sql.NullFloat64{}
	if result.Validation != nil {
		detectionRate = sql.NullFloat64{Float64: result.Validation.DetectionRate, Valid: true}
	}
	latest := sql.NullFloat64{}
	if !math.IsNaN(float64(result.Latest)) {
		latest = sql.NullFloat64{Float64: float64(result.Latest), Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, generated_at, band, latest, detection_rate, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID, result.GeneratedAt.Format(time.RFC3339), string(result.Band),
		latest, detectionRate, string(payload)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO ensemble_points (run_id, date, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ensemble insert: %w", err)
	}
	defer stmt.Close()

	series := result.Ensemble.Series
	for i := range series.Dates {
		var value interface{}
		if !types.IsMissing(series.Values[i]) {
			value = series.Values[i]
		}
		if _, err := stmt.ExecContext(ctx, result.RunID, series.Dates[i].Format(dateLayout), value); err != nil {
			return fmt.Errorf("insert ensemble point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("run saved", zap.String("run_id", result.RunID), zap.String("band", string(result.Band)))
	return nil
}

// GetRun loads a stored run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*pipeline.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM runs WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	var result pipeline.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &result, nil
}

// RunSummary is a lightweight view of a stored run.
type RunSummary struct {
	ID            string      `json:"id"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Band          string      `json:"band"`
	Latest        types.Float `json:"latest"`
	DetectionRate types.Float `json:"detection_rate"`
}

// ListRuns returns run summaries, most recent first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, generated_at, band, latest, detection_rate FROM runs ORDER BY generated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var sum RunSummary
		var generated string
		var latest, rate sql.NullFloat64
		if err := rows.Scan(&sum.ID, &generated, &sum.Band, &latest, &rate); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.GeneratedAt, err = time.Parse(time.RFC3339, generated)
		if err != nil {
			return nil, fmt.Errorf("parse generated_at: %w", err)
		}
		sum.Latest = types.Float(math.NaN())
		if latest.Valid {
			sum.Latest = types.Float(latest.Float64)
		}
		sum.DetectionRate = types.Float(math.NaN())
		if rate.Valid {
			sum.DetectionRate = types.Float(rate.Float64)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

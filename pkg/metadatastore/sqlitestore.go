package metadatastore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// ErrRunNotFound is returned when no run matches
var ErrRunNotFound = errors.New("run not found")

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore provides SQLite-based persistence for pipeline runs and load outcomes
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based storage instance
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writes are serialized by SQLite anyway
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return nil, fmt.Errorf("failed to check journal mode: %w", err)
	}
	if journalMode != "wal" && journalMode != "delete" && journalMode != "memory" {
		return nil, fmt.Errorf("unexpected journal mode: got %s", journalMode)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// retryOnBusy retries an operation that failed with SQLITE_BUSY, on top of
// the busy_timeout pragma
func (s *SQLiteStore) retryOnBusy(operation func() error, maxRetries int) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(time.Duration(10*(1<<uint(i))) * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, err)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		error TEXT,
		artifacts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_runs_stage ON pipeline_runs(stage, started_at);

	CREATE TABLE IF NOT EXISTS load_outcomes (
		run_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		rows_read INTEGER NOT NULL,
		rows_kept INTEGER NOT NULL,
		rows_skipped INTEGER NOT NULL,
		detail TEXT,
		warnings TEXT NOT NULL,
		PRIMARY KEY (run_id, position),
		FOREIGN KEY (run_id) REFERENCES pipeline_runs(id)
	);

	CREATE TABLE IF NOT EXISTS forecasts (
		ward_code TEXT NOT NULL,
		target_month TEXT NOT NULL,
		ward_name TEXT NOT NULL,
		point REAL NOT NULL,
		lower REAL,
		upper REAL,
		resource REAL NOT NULL,
		model TEXT NOT NULL,
		generated_at TEXT NOT NULL,
		PRIMARY KEY (ward_code, target_month)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts or replaces a run together with its outcomes
func (s *SQLiteStore) SaveRun(run *models.Run) error {
	artifacts, err := json.Marshal(run.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}

	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT OR REPLACE INTO pipeline_runs (id, stage, status, trigger_type, started_at, completed_at, error, artifacts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Stage, run.Status, run.TriggerType, run.StartedAt.UTC().Format(timeLayout), nullTime(run.CompletedAt), run.Error, string(artifacts),
		)
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}

		if _, err := tx.Exec(`DELETE FROM load_outcomes WHERE run_id = ?`, run.ID); err != nil {
			return fmt.Errorf("failed to clear outcomes: %w", err)
		}
		for i, o := range run.Outcomes {
			warnings, err := json.Marshal(o.Warnings)
			if err != nil {
				return fmt.Errorf("failed to marshal warnings: %w", err)
			}
			_, err = tx.Exec(`
				INSERT INTO load_outcomes (run_id, position, source, status, rows_read, rows_kept, rows_skipped, detail, warnings)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID, i, o.Source, o.Status, o.RowsRead, o.RowsKept, o.RowsSkipped, o.Detail, string(warnings),
			)
			if err != nil {
				return fmt.Errorf("failed to save outcome: %w", err)
			}
		}
		return tx.Commit()
	}, 5)
}

const runColumns = `id, stage, status, trigger_type, started_at, completed_at, error, artifacts`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run       models.Run
		started   string
		completed sql.NullString
		errText   sql.NullString
		artifacts string
	)
	if err := row.Scan(&run.ID, &run.Stage, &run.Status, &run.TriggerType, &started, &completed, &errText, &artifacts); err != nil {
		return nil, err
	}
	var err error
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	run.Error = errText.String
	if err := json.Unmarshal([]byte(artifacts), &run.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run and its outcomes by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run.Outcomes, err = s.ListOutcomes(id); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun returns the most recently started run of a stage
func (s *SQLiteStore) LatestRun(stage models.RunStage) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE stage = ? ORDER BY started_at DESC LIMIT 1`, stage))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no %s run", ErrRunNotFound, stage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	if run.Outcomes, err = s.ListOutcomes(run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs, newest first, without their outcomes
func (s *SQLiteStore) ListRuns(limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListOutcomes returns the load outcomes of a run in recorded order
func (s *SQLiteStore) ListOutcomes(runID string) ([]models.Outcome, error) {
	rows, err := s.db.Query(`
		SELECT source, status, rows_read, rows_kept, rows_skipped, detail, warnings
		FROM load_outcomes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.Outcome
	for rows.Next() {
		var (
			o        models.Outcome
			detail   sql.NullString
			warnings string
		)
		if err := rows.Scan(&o.Source, &o.Status, &o.RowsRead, &o.RowsKept, &o.RowsSkipped, &detail, &warnings); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Detail = detail.String
		if err := json.Unmarshal([]byte(warnings), &o.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

// ReplaceForecasts swaps the stored forecast table for forecasts
func (s *SQLiteStore) ReplaceForecasts(forecasts []models.Forecast) error {
	return s.retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM forecasts`); err != nil {
			return fmt.Errorf("failed to clear forecasts: %w", err)
		}
		for _, f := range forecasts {
			_, err := tx.Exec(`
				INSERT OR REPLACE INTO forecasts (ward_code, target_month, ward_name, point, lower, upper, resource, model, generated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.WardCode, f.TargetMonth.String(), f.WardName, f.Point, nullFloat(f.Lower), nullFloat(f.Upper), f.Resource, f.Model, f.GeneratedAt.UTC().Format(timeLayout),
			)
			if err != nil {
				return fmt.Errorf("failed to save forecast %s %s: %w", f.WardCode, f.TargetMonth, err)
			}
		}
		return tx.Commit()
	}, 5)
}

// ListForecasts returns the stored forecasts ordered by ward code and month
func (s *SQLiteStore) ListForecasts() ([]models.Forecast, error) {
	rows, err := s.db.Query(`
		SELECT ward_code, target_month, ward_name, point, lower, upper, resource, model, generated_at
		FROM forecasts ORDER BY ward_code, target_month`)
	if err != nil {
		return nil, fmt.Errorf("failed to list forecasts: %w", err)
	}
	defer rows.Close()

	var out []models.Forecast
	for rows.Next() {
		var (
			f                models.Forecast
			month, generated string
			lower, upper     sql.NullFloat64
		)
		if err := rows.Scan(&f.WardCode, &month, &f.WardName, &f.Point, &lower, &upper, &f.Resource, &f.Model, &generated); err != nil {
			return nil, fmt.Errorf("failed to scan forecast: %w", err)
		}
		if f.TargetMonth, err = models.ParseMonth(month); err != nil {
			return nil, fmt.Errorf("failed to parse forecast month: %w", err)
		}
		if f.GeneratedAt, err = time.Parse(timeLayout, generated); err != nil {
			return nil, fmt.Errorf("failed to parse generated_at: %w", err)
		}
		f.Lower, f.Upper = fromNull(lower), fromNull(upper)
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullFloat(v float64) interface{} {
	if models.IsMissing(v) {
		return nil
	}
	return v
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return models.Missing()
	}
	return v.Float64
}

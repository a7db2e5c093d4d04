package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/mimir-aip/wardstats/pkg/models"
)

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS area_statistics (
		level TEXT NOT NULL,
		area_code TEXT NOT NULL,
		area_name TEXT NOT NULL,
		month TEXT NOT NULL,
		incident_count INTEGER NOT NULL,
		previous_count INTEGER,
		population DOUBLE PRECISION,
		rate_per_1000 DOUBLE PRECISION,
		growth_pct DOUBLE PRECISION,
		growth_from_zero BOOLEAN NOT NULL DEFAULT FALSE,
		loaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (level, area_code, month)
	)`

const upsertStatistic = `
	INSERT INTO area_statistics (level, area_code, area_name, month, incident_count, previous_count, population, rate_per_1000, growth_pct, growth_from_zero, loaded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	ON CONFLICT (level, area_code, month) DO UPDATE SET
		area_name = EXCLUDED.area_name,
		incident_count = EXCLUDED.incident_count,
		previous_count = EXCLUDED.previous_count,
		population = EXCLUDED.population,
		rate_per_1000 = EXCLUDED.rate_per_1000,
		growth_pct = EXCLUDED.growth_pct,
		growth_from_zero = EXCLUDED.growth_from_zero,
		loaded_at = EXCLUDED.loaded_at`

const selectStatistics = `
	SELECT area_code, area_name, month, incident_count, previous_count, population, rate_per_1000, growth_pct, growth_from_zero
	FROM area_statistics
	WHERE level = $1 AND month = $2
	ORDER BY area_code`

// Sink writes area statistics to a Postgres warehouse
type Sink struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the warehouse at dsn
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Sink, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	return NewSink(db, logger), nil
}

// NewSink wraps an existing connection
func NewSink(db *sqlx.DB, logger *slog.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// Close closes the connection
func (s *Sink) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the statistics table if it doesn't exist
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create warehouse schema: %w", err)
	}
	return nil
}

// UpsertStatistics writes stats for one level in a single transaction.
// Missing values are stored as NULL.
func (s *Sink) UpsertStatistics(ctx context.Context, level models.Level, stats []models.MonthlyAreaStatistic) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, st := range stats {
		var previous sql.NullInt64
		if st.HasPrevious {
			previous = sql.NullInt64{Int64: int64(st.PreviousCount), Valid: true}
		}
		_, err := tx.ExecContext(ctx, upsertStatistic,
			string(level), st.AreaCode, st.AreaName, st.Month.String(), st.Count,
			previous, nullFloat(st.Population), nullFloat(st.RatePer1000), nullFloat(st.GrowthPct), st.GrowthFromZero,
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert %s %s: %w", st.AreaCode, st.Month, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit statistics: %w", err)
	}
	s.logger.Info("warehouse statistics upserted", "level", level, "rows", len(stats))
	return nil
}

type statisticRecord struct {
	AreaCode       string          `db:"area_code"`
	AreaName       string          `db:"area_name"`
	Month          string          `db:"month"`
	Count          int             `db:"incident_count"`
	PreviousCount  sql.NullInt64   `db:"previous_count"`
	Population     sql.NullFloat64 `db:"population"`
	RatePer1000    sql.NullFloat64 `db:"rate_per_1000"`
	GrowthPct      sql.NullFloat64 `db:"growth_pct"`
	GrowthFromZero bool            `db:"growth_from_zero"`
}

// Statistics reads back the statistics of one level and month
func (s *Sink) Statistics(ctx context.Context, level models.Level, month models.Month) ([]models.MonthlyAreaStatistic, error) {
	var records []statisticRecord
	if err := s.db.SelectContext(ctx, &records, selectStatistics, string(level), month.String()); err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	out := make([]models.MonthlyAreaStatistic, 0, len(records))
	for _, r := range records {
		m, err := models.ParseMonth(r.Month)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored month: %w", err)
		}
		out = append(out, models.MonthlyAreaStatistic{
			AreaCode:       r.AreaCode,
			AreaName:       r.AreaName,
			Month:          m,
			Count:          r.Count,
			PreviousCount:  int(r.PreviousCount.Int64),
			HasPrevious:    r.PreviousCount.Valid,
			Population:     fromNull(r.Population),
			RatePer1000:    fromNull(r.RatePer1000),
			GrowthPct:      fromNull(r.GrowthPct),
			GrowthFromZero: r.GrowthFromZero,
		})
	}
	return out, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if models.IsMissing(v) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return models.Missing()
	}
	return v.Float64
}

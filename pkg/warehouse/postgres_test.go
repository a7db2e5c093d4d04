package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
)

func newMockSink(t *testing.T) (*Sink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSink(sqlx.NewDb(db, "postgres"), logging.Discard()), mock
}

func TestEnsureSchema(t *testing.T) {
	sink, mock := newMockSink(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS area_statistics")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, sink.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStatistics(t *testing.T) {
	sink, mock := newMockSink(t)
	stats := []models.MonthlyAreaStatistic{
		{AreaCode: "E05000001", AreaName: "Aldgate", Month: models.MustParseMonth("2024-02"), Count: 15, PreviousCount: 10, HasPrevious: true, Population: 2000, RatePer1000: 7.5, GrowthPct: 50},
		{AreaCode: "E05000002", AreaName: "Bishopsgate", Month: models.MustParseMonth("2024-02"), Count: 3, Population: models.Missing(), RatePer1000: models.Missing(), GrowthPct: models.Missing()},
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO area_statistics")).
		WithArgs("ward", "E05000001", "Aldgate", "2024-02", 15, 10, 2000.0, 7.5, 50.0, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO area_statistics")).
		WithArgs("ward", "E05000002", "Bishopsgate", "2024-02", 3, nil, nil, nil, nil, false).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, sink.UpsertStatistics(context.Background(), models.LevelWard, stats))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStatisticsRollsBackOnError(t *testing.T) {
	sink, mock := newMockSink(t)
	stats := []models.MonthlyAreaStatistic{{AreaCode: "E05000001", Month: models.MustParseMonth("2024-02"), Count: 1}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO area_statistics")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := sink.UpsertStatistics(context.Background(), models.LevelWard, stats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatistics(t *testing.T) {
	sink, mock := newMockSink(t)
	rows := sqlmock.NewRows([]string{"area_code", "area_name", "month", "incident_count", "previous_count", "population", "rate_per_1000", "growth_pct", "growth_from_zero"}).
		AddRow("E05000001", "Aldgate", "2024-02", 15, 10, 2000.0, 7.5, 50.0, false).
		AddRow("E05000002", "Bishopsgate", "2024-02", 3, nil, nil, nil, nil, false)
	mock.ExpectQuery(regexp.QuoteMeta("FROM area_statistics")).
		WithArgs("ward", "2024-02").
		WillReturnRows(rows)

	out, err := sink.Statistics(context.Background(), models.LevelWard, models.MustParseMonth("2024-02"))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].HasPrevious)
	assert.Equal(t, 7.5, out[0].RatePer1000)
	assert.False(t, out[1].HasPrevious)
	assert.True(t, models.IsMissing(out[1].RatePer1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

package incident

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

const header = "Crime ID,Month,Reported by,Falls within,Longitude,Latitude,Location,LSOA code,LSOA name,Crime type,Last outcome category,Context"

func writeMonth(t *testing.T, root string, month, agency string, lines []string) {
	t.Helper()
	dir := filepath.Join(root, month)
	require.NoError(t, os.MkdirAll(dir, 0755))
	content := header + "\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%s-%s-street.csv", month, agency)), []byte(content), 0644))
}

func row(id int, month, category, lsoa string, lon, lat string) string {
	return fmt.Sprintf("id%d,%s,Metropolitan Police Service,Metropolitan Police Service,%s,%s,On or near Main Street,%s,Camden 001A,%s,Under investigation,",
		id, month, lon, lat, lsoa, category)
}

func newLoader(root string) *Loader {
	return NewLoader(root, "Burglary", schema.NewRegistry(nil), logging.Discard())
}

func TestLoadFiltersCategory(t *testing.T) {
	root := t.TempDir()
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, row(i, "2024-01", "Burglary", "E01000907", "-0.14", "51.54"))
	}
	for i := 100; i < 150; i++ {
		lines = append(lines, row(i, "2024-01", "Vehicle crime", "E01000907", "-0.14", "51.54"))
	}
	writeMonth(t, root, "2024-01", "metropolitan", lines)

	incidents, outcome := newLoader(root).Load(context.Background(), models.MustParseMonth("2024-01"), "metropolitan")
	require.True(t, outcome.OK(), outcome.Detail)
	assert.Len(t, incidents, 100)
	assert.Equal(t, 150, outcome.RowsRead)
	assert.Equal(t, 100, outcome.RowsKept)
	for _, inc := range incidents {
		assert.Equal(t, "Burglary", inc.Category)
		assert.Equal(t, "E01000907", inc.SmallAreaCode)
		assert.True(t, inc.HasLocation)
	}
}

func TestLoadDropsRecordsWithoutGeography(t *testing.T) {
	root := t.TempDir()
	writeMonth(t, root, "2024-02", "city-of-london", []string{
		row(1, "2024-02", "Burglary", "E01000001", "-0.09", "51.51"),
		row(2, "2024-02", "Burglary", "", "", ""),
		row(3, "2024-02", "Burglary", "", "-0.09", "51.51"),
		row(4, "2024-02", "Burglary", "E01000002", "", ""),
		row(5, "2024-02", "Burglary", "", "abc", "51.5"),
	})

	incidents, outcome := newLoader(root).Load(context.Background(), models.MustParseMonth("2024-02"), "city-of-london")
	require.True(t, outcome.OK())
	require.Len(t, incidents, 3)
	assert.Equal(t, "id1", incidents[0].CrimeID)
	assert.Equal(t, "id3", incidents[1].CrimeID)
	assert.False(t, incidents[2].HasLocation)
	assert.Equal(t, 2, outcome.RowsSkipped)
	assert.Contains(t, strings.Join(outcome.Warnings, ";"), "2 rows without geography dropped")
}

func TestLoadMissingFile(t *testing.T) {
	incidents, outcome := newLoader(t.TempDir()).Load(context.Background(), models.MustParseMonth("2023-05"), "metropolitan")
	assert.Empty(t, incidents)
	assert.Equal(t, models.OutcomeNotFound, outcome.Status)
	assert.ErrorIs(t, outcome.Err(), models.ErrNotFound)
}

func TestLoadMalformedHeader(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "2023-05")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2023-05-metropolitan-street.csv"), []byte("a,b,c\n1,2,3\n"), 0644))

	incidents, outcome := newLoader(root).Load(context.Background(), models.MustParseMonth("2023-05"), "metropolitan")
	assert.Empty(t, incidents)
	assert.Equal(t, models.OutcomeMalformed, outcome.Status)
}

func TestLoadSkipsMalformedRows(t *testing.T) {
	root := t.TempDir()
	writeMonth(t, root, "2024-03", "metropolitan", []string{
		row(1, "2024-03", "Burglary", "E01000001", "-0.1", "51.5"),
		"short,row",
		row(2, "March", "Burglary", "E01000001", "-0.1", "51.5"),
	})
	incidents, outcome := newLoader(root).Load(context.Background(), models.MustParseMonth("2024-03"), "metropolitan")
	require.True(t, outcome.OK())
	assert.Len(t, incidents, 1)
	assert.Equal(t, 2, outcome.RowsSkipped)
}

func TestLoadRangeAndMonths(t *testing.T) {
	root := t.TempDir()
	writeMonth(t, root, "2024-01", "metropolitan", []string{row(1, "2024-01", "Burglary", "E01000001", "-0.1", "51.5")})
	writeMonth(t, root, "2024-03", "metropolitan", []string{row(2, "2024-03", "Burglary", "E01000001", "-0.1", "51.5")})
	writeMonth(t, root, "2024-03", "city-of-london", []string{row(3, "2024-03", "Burglary", "E01000001", "-0.1", "51.5")})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0755))

	loader := newLoader(root)
	incidents, outcomes := loader.LoadRange(context.Background(), models.MustParseMonth("2024-01"), models.MustParseMonth("2024-03"),
		[]string{"metropolitan", "city-of-london"})
	assert.Len(t, incidents, 3)
	require.Len(t, outcomes, 6)

	var notFound int
	for _, o := range outcomes {
		if o.Status == models.OutcomeNotFound {
			notFound++
		}
	}
	assert.Equal(t, 3, notFound)

	months, err := loader.Months()
	require.NoError(t, err)
	assert.Equal(t, []models.Month{models.MustParseMonth("2024-01"), models.MustParseMonth("2024-03")}, months)
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	incidents, outcome := newLoader(t.TempDir()).Load(ctx, models.MustParseMonth("2024-01"), "metropolitan")
	assert.Empty(t, incidents)
	assert.False(t, outcome.OK())
}

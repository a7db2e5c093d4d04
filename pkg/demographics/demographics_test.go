package demographics

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

func newTestService() *Service {
	return NewService(schema.NewRegistry(nil), logging.Discard())
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeWorkbook(t *testing.T, sheet string, rows [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "Notes"))
	_, err := f.NewSheet(sheet)
	require.NoError(t, err)
	require.NoError(t, f.SetCellValue("Notes", "A1", "Index of deprivation"))
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	path := filepath.Join(t.TempDir(), "imd.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoadTableCensusCSVWithTitleAndFooter(t *testing.T) {
	path := writeFile(t, "population.csv",
		"Population by LSOA\n"+
			"Census 2021\n"+
			"mnemonic,2021 super output area - lower layer,Total,Aged 0 to 15 (%),Notes\n"+
			"E01000001,City of London 001A,1500,12.5,a\n"+
			"E01000002,City of London 001B,1400,x,b\n"+
			"\n"+
			"Source: ONS\n")

	table, outcome := newTestService().LoadTable(Source{Name: "population", Path: path, Dataset: schema.DatasetCensus})
	require.True(t, outcome.OK(), outcome.Detail)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"Total", "Aged 0 to 15"}, table.Columns)

	v, ok := table.Value("E01000001", "Total")
	assert.True(t, ok)
	assert.Equal(t, 1500.0, v)
	v, ok = table.Value("E01000002", "Aged 0 to 15")
	assert.True(t, ok)
	assert.True(t, math.IsNaN(v), "unparseable cell should be missing, not zero")
	assert.NotEmpty(t, outcome.Warnings)
}

func TestLoadTableMissingFile(t *testing.T) {
	_, outcome := newTestService().LoadTable(Source{Name: "x", Path: filepath.Join(t.TempDir(), "none.csv"), Dataset: schema.DatasetCensus})
	assert.Equal(t, models.OutcomeNotFound, outcome.Status)
	assert.ErrorIs(t, outcome.Err(), models.ErrNotFound)
}

func TestLoadTableUnrecognisedHeader(t *testing.T) {
	path := writeFile(t, "bad.csv", "foo,bar\n1,2\n")
	_, outcome := newTestService().LoadTable(Source{Name: "bad", Path: path, Dataset: schema.DatasetCensus})
	assert.Equal(t, models.OutcomeMalformed, outcome.Status)
	assert.ErrorIs(t, outcome.Err(), models.ErrMalformed)
}

func TestLoadTableWorkbookByIndex(t *testing.T) {
	path := writeWorkbook(t, "IMD2019", [][]interface{}{
		{"LSOA code (2011)", "LSOA name (2011)", "Index of Multiple Deprivation (IMD) Score"},
		{"E01000001", "City of London 001A", 6.2},
		{"E01000002", "City of London 001B", 5.1},
	})

	table, outcome := newTestService().LoadTable(Source{Name: "imd", Path: path, Sheet: "#1", Dataset: schema.DatasetDeprivation})
	require.True(t, outcome.OK(), outcome.Detail)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, []string{"Index of Multiple Deprivation (IMD) Score"}, table.Columns)
	v, _ := table.Value("E01000002", "Index of Multiple Deprivation (IMD) Score")
	assert.InDelta(t, 5.1, v, 1e-9)

	_, outcome = newTestService().LoadTable(Source{Name: "imd", Path: path, Sheet: "#5", Dataset: schema.DatasetDeprivation})
	assert.Equal(t, models.OutcomeMalformed, outcome.Status)
}

func TestReprojectYears(t *testing.T) {
	old := &models.AttributeTable{
		Dataset: "imd",
		Columns: []string{"score"},
		Rows: []models.AttributeRow{
			{Code: "A11", Values: []float64{10}},
			{Code: "B11", Values: []float64{20}},
			{Code: "C11", Values: []float64{models.Missing()}},
		},
	}
	lookup := map[string][]string{
		"A11": {"X21"},
		"B11": {"X21", "Y21"}, // split
		"C11": {"Z21"},
	}
	weights := map[string]float64{"A11": 100, "B11": 300}

	out := ReprojectYears(old, lookup, weights, map[string]string{"X21": "Camden 001A"})
	require.Len(t, out.Rows, 3)
	assert.Equal(t, "X21", out.Rows[0].Code)
	assert.Equal(t, "Camden 001A", out.Rows[0].Name)
	assert.InDelta(t, 17.5, out.Rows[0].Values[0], 1e-9)
	assert.InDelta(t, 20, out.Rows[1].Values[0], 1e-9)
	assert.True(t, models.IsMissing(out.Rows[2].Values[0]))

	unweighted := ReprojectYears(old, lookup, nil, nil)
	assert.InDelta(t, 15, unweighted.Rows[0].Values[0], 1e-9)
}

func TestLoadAreaLookup(t *testing.T) {
	path := writeFile(t, "lookup.csv", "LSOA11CD,LSOA11NM,LSOA21CD,LSOA21NM,CHGIND\nA11,a,X21,x,U\nB11,b,X21,x,M\nB11,b,Y21,y,S\n,,,,\n")
	lookup, outcome := newTestService().LoadAreaLookup(path)
	require.True(t, outcome.OK())
	assert.Equal(t, []string{"X21", "Y21"}, lookup["B11"])
	assert.Equal(t, 1, outcome.RowsSkipped)
}

func TestFilterRegion(t *testing.T) {
	table := &models.AttributeTable{Rows: []models.AttributeRow{
		{Code: "1", Name: "Camden 001A"},
		{Code: "2", Name: "Kingston upon Thames 010B"},
		{Code: "3", Name: "Dartford 001A"},
		{Code: "4"},
	}}
	out := FilterRegion(table, []string{"Camden", "Kingston upon Thames"}, false)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, "2", out.Rows[1].Code)

	assert.Len(t, FilterRegion(table, []string{"Camden"}, true).Rows, 2)
	assert.Equal(t, "Camden", RegionOf("Camden 001A"))
	assert.Equal(t, "City of London", RegionOf("City of London"))
}

func TestLoadStops(t *testing.T) {
	path := writeFile(t, "Stops.csv",
		"ATCOCode,CommonName,NptgLocalityCode,LocalityName,Longitude,Latitude,Status\n"+
			"490000001A,Aldgate,E0034964,City of London,-0.075,51.513,active\n"+
			"490000002B,Nowhere,E0034964,City of London,,,active\n"+
			"490000003C,Closed,E0034964,City of London,-0.08,51.51,inactive\n"+
			"0100BRP90310,Bristol,E0035722,Bristol,-2.59,51.45,\n")

	stops, outcome := newTestService().LoadStops(path, LondonStopPrefix)
	require.True(t, outcome.OK())
	require.Len(t, stops, 1)
	assert.Equal(t, "Aldgate", stops[0].CommonName)
	assert.Equal(t, 1, outcome.RowsSkipped)

	all, _ := newTestService().LoadStops(path, "")
	assert.Len(t, all, 2)
}

package spatial

import (
	"bytes"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

func square(t *testing.T, x0, y0, size float64) *geom.Polygon {
	t.Helper()
	p, err := geo.NewPolygon([][2]float64{{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size}})
	require.NoError(t, err)
	return p
}

// gridLayer is a 2x2 grid of 10x10 wards in two boroughs:
//
//	W3 W4
//	W1 W2
func gridLayer(t *testing.T) *models.Layer {
	return &models.Layer{SRID: geo.SRIDWGS84, Areas: []models.Area{
		{Code: "W4", Name: "Ward 4", ParentCode: "B2", ParentName: "Borough 2", Geometry: square(t, 10, 10, 10)},
		{Code: "W1", Name: "Ward 1", ParentCode: "B1", ParentName: "Borough 1", Geometry: square(t, 0, 0, 10)},
		{Code: "W2", Name: "Ward 2", ParentCode: "B1", ParentName: "Borough 1", Geometry: square(t, 10, 0, 10)},
		{Code: "W3", Name: "Ward 3", ParentCode: "B2", ParentName: "Borough 2", Geometry: square(t, 0, 10, 10)},
	}}
}

func TestParsePredicate(t *testing.T) {
	p, err := ParsePredicate("within")
	require.NoError(t, err)
	assert.Equal(t, Within, p)
	p, err = ParsePredicate("")
	require.NoError(t, err)
	assert.Equal(t, Intersects, p)
	_, err = ParsePredicate("touches")
	assert.Error(t, err)
}

func TestLocateAndAssign(t *testing.T) {
	j := NewJoiner(gridLayer(t), Intersects)

	codes := func(areas []models.Area) []string {
		var out []string
		for _, a := range areas {
			out = append(out, a.Code)
		}
		return out
	}
	assert.Equal(t, []string{"W1"}, codes(j.Locate(geom.Coord{5, 5})))
	assert.Equal(t, []string{"W1", "W2"}, codes(j.Locate(geom.Coord{10, 5})))
	assert.Equal(t, []string{"W1", "W2", "W3", "W4"}, codes(j.Locate(geom.Coord{10, 10})))
	assert.Empty(t, j.Locate(geom.Coord{25, 5}))

	area, match := j.Assign(geom.Coord{10, 5})
	assert.Equal(t, "W1", area.Code, "ties resolve to the lowest code")
	assert.Equal(t, MatchBoundary, match)

	area, match = j.Assign(geom.Coord{15, 15})
	assert.Equal(t, "W4", area.Code)
	assert.Equal(t, MatchInterior, match)

	_, match = j.Assign(geom.Coord{-1, 5})
	assert.Equal(t, MatchNone, match)

	strict := NewJoiner(gridLayer(t), Within)
	assert.Empty(t, strict.Locate(geom.Coord{10, 5}))
	_, match = strict.Assign(geom.Coord{10, 5})
	assert.Equal(t, MatchNone, match)
}

func TestAssignOnMergedSeam(t *testing.T) {
	city, err := geo.Merge(square(t, 0, 0, 10), square(t, 10, 0, 10))
	require.NoError(t, err)
	layer := &models.Layer{SRID: geo.SRIDWGS84, Areas: []models.Area{
		{Code: "E09000001", Name: "City of London", Geometry: city},
		{Code: "W9", Name: "Ward 9", Geometry: square(t, 20, 0, 10)},
	}}

	for _, predicate := range []Predicate{Intersects, Within} {
		j := NewJoiner(layer, predicate)
		area, match := j.Assign(geom.Coord{10, 5})
		assert.Equal(t, "E09000001", area.Code, predicate.String())
		assert.Equal(t, MatchInterior, match, predicate.String())
		require.Len(t, j.Locate(geom.Coord{10, 5}), 1, predicate.String())
	}

	_, match := NewJoiner(layer, Within).Assign(geom.Coord{20, 5})
	assert.Equal(t, MatchNone, match, "outer edge between districts is still a boundary")
}

func TestAssignProperty(t *testing.T) {
	j := NewJoiner(gridLayer(t), Intersects)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("every point inside the grid gets exactly one ward that Locate also reports", prop.ForAll(
		func(x, y float64) bool {
			c := geom.Coord{x, y}
			area, match := j.Assign(c)
			if match == MatchNone {
				return false
			}
			for _, a := range j.Locate(c) {
				if a.Code == area.Code {
					return true
				}
			}
			return false
		},
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 20),
	))

	properties.Property("points on a vertical edge resolve to the left ward", prop.ForAll(
		func(y float64) bool {
			area, _ := j.Assign(geom.Coord{10, y})
			return area.Code == "W1" || area.Code == "W3"
		},
		gen.Float64Range(0.001, 19.999),
	))

	properties.TestingRun(t)
}

func TestBuildLookup(t *testing.T) {
	j := NewJoiner(gridLayer(t), Intersects)
	centroids := []models.Centroid{
		{Code: "S1", Name: "Small 1", X: 5, Y: 5},
		{Code: "S2", Name: "Small 2", X: 10, Y: 5},
		{Code: "S3", Name: "Small 3", X: 15, Y: 15},
		{Code: "S4", Name: "Small 4", X: 22, Y: 5},
	}

	table, report := BuildLookup(centroids, j)
	assert.Equal(t, 2, report.Interior)
	assert.Equal(t, 1, report.Boundary)
	assert.Equal(t, 1, report.Nearest)
	assert.Empty(t, report.Unassigned)
	assert.Equal(t, []string{"S2"}, report.Duplicated)
	assert.Equal(t, 5, table.Len(), "edge small area has two rows")
	require.Len(t, table.Unique(), 4, "no small area is left unassigned")

	row, ok := table.WardFor("S2")
	require.True(t, ok)
	assert.Equal(t, "W1", row.WardCode)
	assert.Equal(t, "Borough 1", row.BoroughName)

	row, ok = table.WardFor("S4")
	require.True(t, ok)
	assert.Equal(t, "W2", row.WardCode, "outside point falls back to nearest ward")

	_, ok = table.WardFor("S9")
	assert.False(t, ok)
}

func TestBuildLookupWithin(t *testing.T) {
	table, report := BuildLookup([]models.Centroid{{Code: "S2", X: 10, Y: 5}}, NewJoiner(gridLayer(t), Within))
	assert.Equal(t, 1, report.Nearest)
	assert.Equal(t, 1, table.Len(), "strict predicate never duplicates")
}

func TestBuildLookupEmptyLayer(t *testing.T) {
	_, report := BuildLookup([]models.Centroid{{Code: "S1", X: 1, Y: 1}}, NewJoiner(&models.Layer{}, Intersects))
	assert.Equal(t, []string{"S1"}, report.Unassigned)
}

func TestNewLookupTableDropsExactDuplicates(t *testing.T) {
	row := models.LookupRow{SmallAreaCode: "S1", WardCode: "W1"}
	table := NewLookupTable([]models.LookupRow{row, row, {SmallAreaCode: "S0", WardCode: "W2"}})
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "S0", table.Rows()[0].SmallAreaCode)
	assert.Empty(t, table.Duplicated())
}

func TestJoinIncidents(t *testing.T) {
	j := NewJoiner(gridLayer(t), Intersects)
	lookup := NewLookupTable([]models.LookupRow{
		{SmallAreaCode: "S1", WardCode: "W1", WardName: "Ward 1", BoroughCode: "B1", BoroughName: "Borough 1"},
		{SmallAreaCode: "S2", WardCode: "W1", WardName: "Ward 1", BoroughCode: "B1"},
		{SmallAreaCode: "S2", WardCode: "W2", WardName: "Ward 2", BoroughCode: "B1"},
	})
	incidents := []models.Incident{
		{CrimeID: "a", SmallAreaCode: "S1", Longitude: 15, Latitude: 15, HasLocation: true},
		{CrimeID: "b", SmallAreaCode: "S2"},
		{CrimeID: "c", SmallAreaCode: "S9", Longitude: 15, Latitude: 15, HasLocation: true},
		{CrimeID: "d", Longitude: 10, Latitude: 15, HasLocation: true},
		{CrimeID: "e", Longitude: 50, Latitude: 50, HasLocation: true},
		{CrimeID: "f", SmallAreaCode: "S9"},
	}

	joined, report, err := JoinIncidents(incidents, lookup, j)
	require.NoError(t, err)
	require.Len(t, joined, 4)
	assert.Equal(t, "W1", joined[0].WardCode, "lookup wins over coordinates")
	assert.Equal(t, "Borough 1", joined[0].BoroughName)
	assert.Equal(t, "W1", joined[1].WardCode, "duplicate lookup rows never double count")
	assert.Equal(t, "W4", joined[2].WardCode)
	assert.Equal(t, "W3", joined[3].WardCode)
	assert.Equal(t, JoinReport{Total: 6, ByCode: 2, ByPoint: 2, Boundary: 1, Dropped: 2}, report)
}

func TestLookupCSVRoundTrip(t *testing.T) {
	table := NewLookupTable([]models.LookupRow{
		{SmallAreaCode: "E01000001", SmallAreaName: "City of London 001A", WardCode: "E09000001", WardName: "City of London", BoroughCode: "E09000001", BoroughName: "City of London"},
		{SmallAreaCode: "E01000005", SmallAreaName: "City of London 001E", WardCode: "E09000001", WardName: "City of London", BoroughCode: "E09000001", BoroughName: "City of London"},
	})
	var buf bytes.Buffer
	require.NoError(t, WriteLookupCSV(&buf, table))
	assert.True(t, strings.HasPrefix(buf.String(), "LSOA code,LSOA name,Ward code"))

	back, err := ReadLookupCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, table.Rows(), back.Rows())

	_, err = ReadLookupCSV(strings.NewReader("a,b\n1,2\n"))
	assert.ErrorIs(t, err, models.ErrMalformed)
}

func TestReadCentroids(t *testing.T) {
	input := "LSOA21CD,LSOA21NM,x,y,GlobalID\nE01000001,City of London 001A,532150,181615,g1\nE01000002,City of London 001B,,181000,g2\n"
	centroids, outcome, err := ReadCentroids(strings.NewReader(input), schema.NewRegistry(nil))
	require.NoError(t, err)
	require.Len(t, centroids, 1)
	assert.Equal(t, models.Centroid{Code: "E01000001", Name: "City of London 001A", X: 532150, Y: 181615}, centroids[0])
	assert.Equal(t, 1, outcome.RowsSkipped)

	_, _, err = ReadCentroids(strings.NewReader("foo,bar\n"), schema.NewRegistry(nil))
	assert.Error(t, err)
}

func TestFilterWithin(t *testing.T) {
	region := square(t, 0, 0, 10)
	keep := FilterWithin([]geom.Coord{{1, 1}, {10, 5}, {11, 1}}, region)
	assert.Equal(t, []int{0, 1}, keep)
}

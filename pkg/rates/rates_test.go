package rates

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/models"
)

func TestRatePer1000(t *testing.T) {
	assert.Equal(t, 2.5, RatePer1000(5, 2000))
	assert.Equal(t, 0.0, RatePer1000(0, 2000))
	assert.True(t, math.IsNaN(RatePer1000(5, 0)))
	assert.True(t, math.IsNaN(RatePer1000(5, -10)))
	assert.True(t, math.IsNaN(RatePer1000(5, math.NaN())))
}

func TestGrowth(t *testing.T) {
	assert.Equal(t, 50.0, Growth(15, 10))
	assert.Equal(t, -100.0, Growth(0, 10))
	assert.Equal(t, 0.0, Growth(5, 0))
	assert.Equal(t, 0.0, Growth(0, 0))
	assert.True(t, math.IsNaN(Growth(math.NaN(), 3)))
	assert.True(t, math.IsNaN(Growth(math.MaxFloat64, 1e-300)), "infinite growth becomes missing")
}

func TestRound(t *testing.T) {
	assert.Equal(t, 2.35, Round(2.3456, 2))
	assert.Equal(t, 3.0, Round(2.5, 0))
	assert.True(t, math.IsNaN(Round(math.NaN(), 2)))
}

func TestRateProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("rate is NaN iff population is zero or missing", prop.ForAll(
		func(count int, population float64, missing bool) bool {
			if missing {
				population = math.NaN()
			}
			rate := RatePer1000(float64(count), population)
			undefined := math.IsNaN(population) || population == 0
			return math.IsNaN(rate) == undefined
		},
		gen.IntRange(0, 10000),
		gen.OneGenOf(gen.Const(0.0), gen.Float64Range(1, 1e6)),
		gen.Bool(),
	))

	properties.Property("growth from a zero previous count is exactly zero", prop.ForAll(
		func(current int) bool {
			g := Growth(float64(current), 0)
			return g == 0 && !math.IsNaN(g) && !math.IsInf(g, 0)
		},
		gen.IntRange(0, 100000),
	))

	properties.Property("growth is never infinite", prop.ForAll(
		func(current, previous int) bool {
			return !math.IsInf(Growth(float64(current), float64(previous)), 0)
		},
		gen.IntRange(0, 100000),
		gen.IntRange(0, 100000),
	))

	properties.TestingRun(t)
}

func TestMonthly(t *testing.T) {
	jan, feb, mar := models.MustParseMonth("2024-01"), models.MustParseMonth("2024-02"), models.MustParseMonth("2024-03")
	counts := []models.AreaMonthCount{
		{AreaCode: "W1", AreaName: "Ward 1", Month: jan, Count: 10},
		{AreaCode: "W1", AreaName: "Ward 1", Month: feb, Count: 15},
		{AreaCode: "W2", AreaName: "Ward 2", Month: mar, Count: 5},
		{AreaCode: "W3", AreaName: "Ward 3", Month: feb, Count: 2},
	}
	populations := map[string]float64{"W1": 2000, "W2": 0}
	areas := []AreaInfo{{Code: "W2", Name: "Ward 2"}, {Code: "W1", Name: "Ward 1"}, {Code: "W4", Name: "Quiet"}}

	stats := Monthly(counts, populations, areas, []models.Month{mar, jan, feb})
	require.Len(t, stats, 12, "4 areas x 3 months")

	byKey := make(map[string]models.MonthlyAreaStatistic)
	for _, s := range stats {
		byKey[s.AreaCode+"/"+s.Month.String()] = s
	}

	w1jan := byKey["W1/2024-01"]
	assert.False(t, w1jan.HasPrevious)
	assert.True(t, math.IsNaN(w1jan.GrowthPct), "first month has no previous period")
	assert.Equal(t, 5.0, w1jan.RatePer1000)

	w1feb := byKey["W1/2024-02"]
	assert.Equal(t, 50.0, w1feb.GrowthPct)
	assert.Equal(t, 7.5, w1feb.RatePer1000)
	assert.Equal(t, 10, w1feb.PreviousCount)

	w1mar := byKey["W1/2024-03"]
	assert.Equal(t, 0, w1mar.Count)
	assert.Equal(t, -100.0, w1mar.GrowthPct)

	w2mar := byKey["W2/2024-03"]
	assert.Equal(t, 0.0, w2mar.GrowthPct, "zero previous count yields zero growth")
	assert.True(t, w2mar.GrowthFromZero)
	assert.True(t, math.IsNaN(w2mar.RatePer1000), "zero population")

	w3 := byKey["W3/2024-02"]
	assert.Equal(t, "Ward 3", w3.AreaName, "areas seen only in counts are kept")
	assert.True(t, math.IsNaN(w3.RatePer1000), "missing population")

	quiet := byKey["W4/2024-02"]
	assert.Equal(t, 0, quiet.Count)
	assert.Equal(t, 0.0, quiet.GrowthPct)
	assert.False(t, quiet.GrowthFromZero)

	assert.Equal(t, "W1", stats[0].AreaCode)
	assert.Equal(t, jan, stats[0].Month)
}

func TestSummarize(t *testing.T) {
	jan, feb := models.MustParseMonth("2024-01"), models.MustParseMonth("2024-02")
	counts := []models.AreaMonthCount{
		{AreaCode: "W1", Month: jan, Count: 10},
		{AreaCode: "W1", Month: feb, Count: 15},
		{AreaCode: "W2", Month: jan, Count: 10},
		{AreaCode: "W2", Month: feb, Count: 20},
		{AreaCode: "W3", Month: feb, Count: 30},
	}
	stats := Monthly(counts, map[string]float64{"W1": 1000, "W2": 4000}, nil, []models.Month{jan, feb})

	s := Summarize(stats, feb)
	assert.Equal(t, 65, s.Total)
	assert.Equal(t, 20, s.PreviousTotal)
	assert.InDelta(t, 225.0, s.TotalGrowthPct, 1e-9)
	require.Len(t, s.Areas, 3)
	assert.Equal(t, []string{"W1", "W2", "W3"}, []string{s.Areas[0].AreaCode, s.Areas[1].AreaCode, s.Areas[2].AreaCode})
	require.NotNil(t, s.HighestRate)
	assert.Equal(t, "W1", s.HighestRate.AreaCode)
	require.NotNil(t, s.MostIncidents)
	assert.Equal(t, "W3", s.MostIncidents.AreaCode)

	first := Summarize(stats, jan)
	assert.False(t, first.HasPrevious)
	data, err := json.Marshal(first)
	require.NoError(t, err, "NaN values must encode")
	assert.Contains(t, string(data), `"total_growth_pct":null`)
}

package rates

import (
	"math"
	"sort"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// RatePer1000 returns count per 1,000 residents. The rate is NaN when the
// population is zero, negative or missing.
func RatePer1000(count, population float64) float64 {
	if math.IsNaN(population) || population <= 0 || math.IsNaN(count) {
		return models.Missing()
	}
	return count / population * 1000
}

// Growth returns the percentage change from previous to current. A previous
// value of zero yields 0; infinite results are replaced with NaN.
func Growth(current, previous float64) float64 {
	if math.IsNaN(current) || math.IsNaN(previous) {
		return models.Missing()
	}
	if previous == 0 {
		return 0
	}
	g := (current - previous) / previous * 100
	if math.IsInf(g, 0) {
		return models.Missing()
	}
	return g
}

// Round rounds v to the given number of decimal places, keeping NaN
func Round(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// AreaInfo is an area that must appear in the monthly grid
type AreaInfo struct {
	Code string
	Name string
}

// Monthly builds one statistic per area and month. Areas without incidents
// in a month get a zero count. The first month has no previous period, so its
// growth is NaN with HasPrevious false. Output is ordered by area code then month.
func Monthly(counts []models.AreaMonthCount, populations map[string]float64, areas []AreaInfo, months []models.Month) []models.MonthlyAreaStatistic {
	type key struct {
		code  string
		month models.Month
	}
	byKey := make(map[key]int, len(counts))
	names := make(map[string]string)
	for _, c := range counts {
		byKey[key{c.AreaCode, c.Month}] += c.Count
		if _, ok := names[c.AreaCode]; !ok {
			names[c.AreaCode] = c.AreaName
		}
	}

	all := make(map[string]string)
	for _, a := range areas {
		all[a.Code] = a.Name
	}
	for code, name := range names {
		if _, ok := all[code]; !ok {
			all[code] = name
		}
	}
	codes := make([]string, 0, len(all))
	for code := range all {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	sortedMonths := append([]models.Month(nil), months...)
	sort.Slice(sortedMonths, func(i, j int) bool { return sortedMonths[i].Before(sortedMonths[j]) })
	loaded := make(map[models.Month]bool, len(sortedMonths))
	for _, m := range sortedMonths {
		loaded[m] = true
	}

	out := make([]models.MonthlyAreaStatistic, 0, len(codes)*len(sortedMonths))
	for _, code := range codes {
		pop, ok := populations[code]
		if !ok {
			pop = models.Missing()
		}
		for _, m := range sortedMonths {
			s := models.MonthlyAreaStatistic{
				AreaCode:    code,
				AreaName:    all[code],
				Month:       m,
				Count:       byKey[key{code, m}],
				Population:  pop,
				RatePer1000: RatePer1000(float64(byKey[key{code, m}]), pop),
				GrowthPct:   models.Missing(),
			}
			if prev := m.Prev(); loaded[prev] {
				s.HasPrevious = true
				s.PreviousCount = byKey[key{code, prev}]
				s.GrowthPct = Growth(float64(s.Count), float64(s.PreviousCount))
				s.GrowthFromZero = s.PreviousCount == 0 && s.Count > 0
			}
			out = append(out, s)
		}
	}
	return out
}

package rates

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// Summary condenses one month of area statistics
type Summary struct {
	Month          models.Month                  `json:"month"`
	PreviousMonth  models.Month                  `json:"previous_month"`
	Total          int                           `json:"total"`
	PreviousTotal  int                           `json:"previous_total"`
	HasPrevious    bool                          `json:"has_previous"`
	TotalGrowthPct float64                       `json:"total_growth_pct"`
	HighestRate    *models.MonthlyAreaStatistic  `json:"highest_rate,omitempty"`
	MostIncidents  *models.MonthlyAreaStatistic  `json:"most_incidents,omitempty"`
	Areas          []models.MonthlyAreaStatistic `json:"areas"`
}

// Summarize returns the statistics of one month with areas sorted by rate,
// highest first. Areas with an undefined rate sort last.
func Summarize(stats []models.MonthlyAreaStatistic, month models.Month) Summary {
	s := Summary{Month: month, PreviousMonth: month.Prev(), TotalGrowthPct: models.Missing()}
	for _, st := range stats {
		if st.Month != month {
			continue
		}
		s.Areas = append(s.Areas, st)
		s.Total += st.Count
		if st.HasPrevious {
			s.HasPrevious = true
			s.PreviousTotal += st.PreviousCount
		}
	}
	if s.HasPrevious {
		s.TotalGrowthPct = Growth(float64(s.Total), float64(s.PreviousTotal))
	}

	sort.SliceStable(s.Areas, func(i, j int) bool {
		a, b := s.Areas[i].RatePer1000, s.Areas[j].RatePer1000
		switch {
		case math.IsNaN(a) != math.IsNaN(b):
			return !math.IsNaN(a)
		case a != b && !math.IsNaN(a):
			return a > b
		}
		return s.Areas[i].AreaCode < s.Areas[j].AreaCode
	})

	for i := range s.Areas {
		a := &s.Areas[i]
		if !math.IsNaN(a.RatePer1000) && s.HighestRate == nil {
			s.HighestRate = a
		}
		if s.MostIncidents == nil || a.Count > s.MostIncidents.Count ||
			(a.Count == s.MostIncidents.Count && a.AreaCode < s.MostIncidents.AreaCode) {
			s.MostIncidents = a
		}
	}
	return s
}

// MarshalJSON encodes an undefined total growth as null
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		TotalGrowthPct *float64 `json:"total_growth_pct"`
	}{plain(s), models.NullFloat(s.TotalGrowthPct)})
}

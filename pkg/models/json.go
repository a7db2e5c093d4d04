package models

import (
	"encoding/json"
	"math"
)

// NullFloat returns nil for NaN and infinities so the value encodes as JSON null
func NullFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// NullFloats applies NullFloat to every element
func NullFloats(vs []float64) []*float64 {
	out := make([]*float64, len(vs))
	for i, v := range vs {
		out[i] = NullFloat(v)
	}
	return out
}

// MarshalJSON encodes missing numeric values as null
func (s MonthlyAreaStatistic) MarshalJSON() ([]byte, error) {
	type plain MonthlyAreaStatistic
	return json.Marshal(struct {
		plain
		Population  *float64 `json:"population"`
		RatePer1000 *float64 `json:"rate_per_1000"`
		GrowthPct   *float64 `json:"growth_pct"`
	}{
		plain:       plain(s),
		Population:  NullFloat(s.Population),
		RatePer1000: NullFloat(s.RatePer1000),
		GrowthPct:   NullFloat(s.GrowthPct),
	})
}

// MarshalJSON encodes missing values as null
func (r AttributeRow) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code   string     `json:"code"`
		Name   string     `json:"name"`
		Values []*float64 `json:"values"`
	}{r.Code, r.Name, NullFloats(r.Values)})
}

// MarshalJSON encodes missing bounds as null
func (f Forecast) MarshalJSON() ([]byte, error) {
	type plain Forecast
	return json.Marshal(struct {
		plain
		Lower    *float64 `json:"lower"`
		Upper    *float64 `json:"upper"`
		Resource *float64 `json:"resource_allocation"`
	}{plain(f), NullFloat(f.Lower), NullFloat(f.Upper), NullFloat(f.Resource)})
}

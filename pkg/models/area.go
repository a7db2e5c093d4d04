package models

import (
	"fmt"

	"github.com/twpayne/go-geom"
)

// Level is an administrative geography level
type Level string

const (
	LevelSmallArea Level = "small_area"
	LevelWard      Level = "ward"
	LevelBorough   Level = "borough"
)

// ParseLevel validates a level name, defaulting to ward when empty
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return LevelWard, nil
	case LevelSmallArea, LevelWard, LevelBorough:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown area level %q", s)
	}
}

// Area is one polygon of a boundary layer
type Area struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	ParentCode string `json:"parent_code,omitempty"`
	ParentName string `json:"parent_name,omitempty"`
	// Geometry is a *geom.Polygon or *geom.MultiPolygon
	Geometry geom.T `json:"-"`
}

// Layer is a set of areas in a single coordinate reference system
type Layer struct {
	Name  string `json:"name"`
	SRID  int    `json:"srid"`
	Areas []Area `json:"areas"`
}

// Find returns the area with the given code
func (l *Layer) Find(code string) (Area, bool) {
	for _, a := range l.Areas {
		if a.Code == code {
			return a, true
		}
	}
	return Area{}, false
}

// Codes returns the area codes in layer order
func (l *Layer) Codes() []string {
	codes := make([]string, len(l.Areas))
	for i, a := range l.Areas {
		codes[i] = a.Code
	}
	return codes
}

// Centroid is the representative point of a small area
type Centroid struct {
	Code string  `json:"code"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// LookupRow maps one small area to its ward and borough
type LookupRow struct {
	SmallAreaCode string `json:"small_area_code" parquet:"small_area_code"`
	SmallAreaName string `json:"small_area_name" parquet:"small_area_name"`
	WardCode      string `json:"ward_code" parquet:"ward_code"`
	WardName      string `json:"ward_name" parquet:"ward_name"`
	BoroughCode   string `json:"borough_code" parquet:"borough_code"`
	BoroughName   string `json:"borough_name" parquet:"borough_name"`
}

// AreaCode returns the code of the row at the given level
func (r LookupRow) AreaCode(level Level) string {
	switch level {
	case LevelSmallArea:
		return r.SmallAreaCode
	case LevelBorough:
		return r.BoroughCode
	default:
		return r.WardCode
	}
}

// AreaName returns the name of the row at the given level
func (r LookupRow) AreaName(level Level) string {
	switch level {
	case LevelSmallArea:
		return r.SmallAreaName
	case LevelBorough:
		return r.BoroughName
	default:
		return r.WardName
	}
}

// TransitStop is a public transport access point
type TransitStop struct {
	ATCOCode     string  `json:"atco_code"`
	CommonName   string  `json:"common_name"`
	LocalityCode string  `json:"locality_code,omitempty"`
	LocalityName string  `json:"locality_name,omitempty"`
	Longitude    float64 `json:"longitude"`
	Latitude     float64 `json:"latitude"`
	Status       string  `json:"status,omitempty"`
}

package schema

import "github.com/mimir-aip/wardstats/pkg/config"

// Canonical column names shared across datasets
const (
	ColCrimeID       = "crime_id"
	ColMonth         = "month"
	ColReportedBy    = "reported_by"
	ColFallsWithin   = "falls_within"
	ColLongitude     = "longitude"
	ColLatitude      = "latitude"
	ColLocation      = "location"
	ColSmallAreaCode = "small_area_code"
	ColSmallAreaName = "small_area_name"
	ColCategory      = "category"
	ColOutcome       = "outcome"
	ColContext       = "context"

	ColX = "x"
	ColY = "y"

	ColFromCode = "from_code"
	ColToCode   = "to_code"

	ColATCOCode     = "atco_code"
	ColCommonName   = "common_name"
	ColLocalityCode = "locality_code"
	ColLocalityName = "locality_name"
	ColStatus       = "status"

	ColWardCode    = "ward_code"
	ColWardName    = "ward_name"
	ColTargetMonth = "target_month"
	ColPoint       = "point"
	ColLower       = "lower"
	ColUpper       = "upper"
	ColResource    = "resource"
	ColModel       = "model"
)

// Dataset names
const (
	DatasetIncidents    = "incidents"
	DatasetCentroids    = "centroids"
	DatasetCensus       = "census"
	DatasetDeprivation  = "deprivation"
	DatasetAreaLookup   = "area_lookup"
	DatasetTransitStops = "transit_stops"
	DatasetForecasts    = "forecasts"
)

var smallAreaCodeAliases = []string{"LSOA code", "Area Code", "mnemonic", "LSOA21CD", "LSOA11CD", "LSOA Code", "geography code"}
var smallAreaNameAliases = []string{"LSOA name", "Area Name", "Area", "LSOA21NM", "LSOA11NM", "LSOA Name", "geography", "2021 super output area - lower layer"}

// Registry holds the canonical schemas, optionally extended by a schema file
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry creates a registry of the built-in schemas with overrides applied
func NewRegistry(overrides *config.SchemaFile) *Registry {
	r := &Registry{schemas: make(map[string]*Schema)}
	for _, s := range builtin() {
		r.schemas[s.Dataset] = s
	}
	if overrides == nil {
		return r
	}
	for dataset, o := range overrides.Datasets {
		s, ok := r.schemas[dataset]
		if !ok {
			continue
		}
		for i := range s.Columns {
			s.Columns[i].Aliases = append(s.Columns[i].Aliases, o.Aliases[s.Columns[i].Name]...)
		}
		s.Ignore = append(s.Ignore, o.Ignore...)
	}
	return r
}

// Get returns the schema of a dataset, falling back to the built-in one
func (r *Registry) Get(dataset string) *Schema {
	if r != nil {
		if s, ok := r.schemas[dataset]; ok {
			return s
		}
	}
	for _, s := range builtin() {
		if s.Dataset == dataset {
			return s
		}
	}
	return nil
}

func builtin() []*Schema {
	return []*Schema{
		{
			Dataset: DatasetIncidents,
			Columns: []Column{
				{Name: ColCrimeID, Aliases: []string{"Crime ID"}},
				{Name: ColMonth, Aliases: []string{"Month"}, Required: true},
				{Name: ColReportedBy, Aliases: []string{"Reported by"}},
				{Name: ColFallsWithin, Aliases: []string{"Falls within"}},
				{Name: ColLongitude, Aliases: []string{"Longitude"}, Kind: KindNumeric},
				{Name: ColLatitude, Aliases: []string{"Latitude"}, Kind: KindNumeric},
				{Name: ColLocation, Aliases: []string{"Location"}},
				{Name: ColSmallAreaCode, Aliases: smallAreaCodeAliases},
				{Name: ColSmallAreaName, Aliases: smallAreaNameAliases},
				{Name: ColCategory, Aliases: []string{"Crime type"}, Required: true},
				{Name: ColOutcome, Aliases: []string{"Last outcome category"}},
				{Name: ColContext, Aliases: []string{"Context"}},
			},
		},
		{
			Dataset: DatasetCentroids,
			Columns: []Column{
				{Name: ColSmallAreaCode, Aliases: append([]string{"code"}, smallAreaCodeAliases...), Required: true},
				{Name: ColSmallAreaName, Aliases: append([]string{"name"}, smallAreaNameAliases...)},
				{Name: ColX, Aliases: []string{"X", "easting", "BNG_E", "longitude", "LONG"}, Kind: KindNumeric, Required: true},
				{Name: ColY, Aliases: []string{"Y", "northing", "BNG_N", "latitude", "LAT"}, Kind: KindNumeric, Required: true},
			},
			Ignore: []string{"FID", "GlobalID", "OBJECTID"},
		},
		{
			Dataset: DatasetCensus,
			Columns: []Column{
				{Name: ColSmallAreaCode, Aliases: smallAreaCodeAliases, Required: true},
				{Name: ColSmallAreaName, Aliases: smallAreaNameAliases},
			},
			Ignore:       []string{"Ward code", "Ward name", "District", "date"},
			ExtraNumeric: true,
		},
		{
			Dataset: DatasetDeprivation,
			Columns: []Column{
				{Name: ColSmallAreaCode, Aliases: smallAreaCodeAliases, Required: true},
				{Name: ColSmallAreaName, Aliases: smallAreaNameAliases},
			},
			Ignore:       []string{"Local Authority District code", "Local Authority District name"},
			ExtraNumeric: true,
		},
		{
			Dataset: DatasetAreaLookup,
			Columns: []Column{
				{Name: ColFromCode, Aliases: []string{"LSOA11CD", "LSOA code 2011"}, Required: true},
				{Name: ColToCode, Aliases: []string{"LSOA21CD", "LSOA code 2021"}, Required: true},
			},
			Ignore: []string{"LSOA11NM", "LSOA21NM", "CHGIND", "LAD22CD", "LAD22NM", "LAD22NMW", "ObjectId"},
		},
		{
			Dataset: DatasetTransitStops,
			Columns: []Column{
				{Name: ColATCOCode, Aliases: []string{"ATCOCode"}, Required: true},
				{Name: ColCommonName, Aliases: []string{"CommonName"}},
				{Name: ColLocalityCode, Aliases: []string{"NptgLocalityCode"}},
				{Name: ColLocalityName, Aliases: []string{"LocalityName"}},
				{Name: ColLongitude, Aliases: []string{"Longitude"}, Kind: KindNumeric, Required: true},
				{Name: ColLatitude, Aliases: []string{"Latitude"}, Kind: KindNumeric, Required: true},
				{Name: ColStatus, Aliases: []string{"Status"}},
			},
		},
		{
			Dataset: DatasetForecasts,
			Columns: []Column{
				{Name: ColWardCode, Aliases: []string{"Ward code", "Ward Code", "WD24CD"}, Required: true},
				{Name: ColWardName, Aliases: []string{"Ward name", "Ward Name", "WD24NM"}},
				{Name: ColTargetMonth, Aliases: []string{"Month", "ds", "date"}, Required: true},
				{Name: ColPoint, Aliases: []string{"Predicted Crime Count", "yhat", "forecast"}, Kind: KindNumeric, Required: true},
				{Name: ColLower, Aliases: []string{"yhat_lower", "lower_bound"}, Kind: KindNumeric},
				{Name: ColUpper, Aliases: []string{"yhat_upper", "upper_bound"}, Kind: KindNumeric},
				{Name: ColResource, Aliases: []string{"Resource Allocation"}, Kind: KindNumeric},
				{Name: ColModel, Aliases: []string{"Model"}},
			},
		},
	}
}

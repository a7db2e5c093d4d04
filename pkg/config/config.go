package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// DefaultBoroughs lists the local authorities kept by the borough filter
var DefaultBoroughs = []string{
	"Barking and Dagenham", "Barnet", "Bexley", "Brent", "Bromley", "Camden", "City of London",
	"Croydon", "Ealing", "Enfield", "Greenwich", "Hackney", "Hammersmith and Fulham", "Haringey",
	"Harrow", "Havering", "Hillingdon", "Hounslow", "Islington", "Kensington and Chelsea",
	"Kingston upon Thames", "Lambeth", "Lewisham", "Merton", "Newham", "Redbridge",
	"Richmond upon Thames", "Southwark", "Sutton", "Tower Hamlets", "Waltham Forest", "Wandsworth",
	"Westminster",
}

// Config holds the application configuration
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string
	Port        string

	DataDir               string
	OutputDir             string
	IncidentDir           string
	WardBoundaryPath      string
	CentroidsPath         string
	CensusDir             string
	DeprivationPath       string
	DeprivationSheet      string
	DeprivationLookupPath string
	StopsPath             string
	ForecastPath          string

	// CentroidsSRID is the coordinate system of the centroids file
	CentroidsSRID     int
	// PopulationDataset and PopulationColumn name the census table and
	// column used as the rate denominator
	PopulationDataset string
	PopulationColumn  string

	// Attribute field names in the ward boundary layer
	WardCodeField    string
	WardNameField    string
	BoroughCodeField string
	BoroughNameField string

	Agencies       []string
	CrimeCategory  string
	StartMonth     models.Month
	EndMonth       models.Month
	TargetSRID     int
	JoinPredicate  string
	MergeParent    string
	MergeCode      string
	MergeName      string
	MergeAliases   []string
	Boroughs       []string
	MapExcludeCode []string

	ForecastHorizon  int
	IncidentsPerUnit float64

	MetadataDB       string
	WarehouseDSN     string
	PipelineSchedule string
	CacheTTLMinutes  int

	SchemaFile string
	Schema     *SchemaFile
}

// SchemaFile overrides the built-in dataset column aliases
type SchemaFile struct {
	Datasets map[string]DatasetOverride `yaml:"datasets"`
}

// DatasetOverride adds aliases for canonical columns of one dataset
type DatasetOverride struct {
	Aliases map[string][]string `yaml:"aliases"`
	Ignore  []string            `yaml:"ignore"`
}

// LoadConfig loads configuration from an optional .env file and environment variables
func LoadConfig() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	dataDir := getEnv("DATA_DIR", "data")
	config := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
		Port:        getEnv("PORT", "8050"),

		DataDir:               dataDir,
		OutputDir:             getEnv("OUTPUT_DIR", filepath.Join(dataDir, "processed")),
		IncidentDir:           getEnv("INCIDENT_DIR", filepath.Join(dataDir, "crime")),
		WardBoundaryPath:      getEnv("WARD_BOUNDARY_PATH", filepath.Join(dataDir, "boundaries", "wards.shp")),
		CentroidsPath:         getEnv("SMALL_AREA_CENTROIDS_PATH", filepath.Join(dataDir, "boundaries", "lsoa_centroids.csv")),
		CensusDir:             getEnv("CENSUS_DIR", filepath.Join(dataDir, "additional", "raw")),
		DeprivationPath:       getEnv("DEPRIVATION_PATH", filepath.Join(dataDir, "additional", "raw", "Indices of deprivation 2019.xlsx")),
		DeprivationSheet:      getEnv("DEPRIVATION_SHEET", "#1"),
		DeprivationLookupPath: getEnv("DEPRIVATION_LOOKUP_PATH", filepath.Join(dataDir, "lookups", "Look up LSOA 2011 to LSOA 2021.csv")),
		StopsPath:             getEnv("STOPS_PATH", filepath.Join(dataDir, "additional", "raw", "Stops.csv")),
		ForecastPath:          getEnv("FORECAST_PATH", ""),

		CentroidsSRID:     getEnvAsInt("CENTROIDS_CRS", 27700),
		PopulationDataset: getEnv("POPULATION_DATASET", "population"),
		PopulationColumn:  getEnv("POPULATION_COLUMN", "Total"),

		WardCodeField:    getEnv("WARD_CODE_FIELD", "WD24CD"),
		WardNameField:    getEnv("WARD_NAME_FIELD", "WD24NM"),
		BoroughCodeField: getEnv("BOROUGH_CODE_FIELD", "LAD24CD"),
		BoroughNameField: getEnv("BOROUGH_NAME_FIELD", "LAD24NM"),

		Agencies:       getEnvAsList("AGENCIES", []string{"metropolitan", "city-of-london"}),
		CrimeCategory:  getEnv("CRIME_CATEGORY", "Burglary"),
		TargetSRID:     getEnvAsInt("TARGET_CRS", 27700),
		JoinPredicate:  getEnv("JOIN_PREDICATE", "intersects"),
		MergeParent:    getEnv("MERGE_PARENT", "City of London"),
		MergeCode:      getEnv("MERGE_CODE", "E09000001"),
		MergeName:      getEnv("MERGE_NAME", "City of London"),
		MergeAliases:   getEnvAsList("MERGE_ALIASES", []string{"Castle Baynard"}),
		Boroughs:       getEnvAsList("BOROUGHS", DefaultBoroughs),
		MapExcludeCode: getEnvAsList("MAP_EXCLUDE_CODES", []string{"E05012399", "E05015729"}),

		ForecastHorizon:  getEnvAsInt("FORECAST_HORIZON", 3),
		IncidentsPerUnit: getEnvAsFloat("INCIDENTS_PER_UNIT", 5),

		MetadataDB:       getEnv("METADATA_DB", filepath.Join(dataDir, "wardstats.db")),
		WarehouseDSN:     getEnv("WAREHOUSE_DSN", ""),
		PipelineSchedule: getEnv("PIPELINE_SCHEDULE", ""),
		CacheTTLMinutes:  getEnvAsInt("CACHE_TTL_MINUTES", 30),

		SchemaFile: getEnv("SCHEMA_FILE", ""),
	}

	var err error
	if config.StartMonth, err = models.ParseMonth(getEnv("START_MONTH", "2022-04")); err != nil {
		return nil, fmt.Errorf("START_MONTH: %w", err)
	}
	if config.EndMonth, err = models.ParseMonth(getEnv("END_MONTH", "2025-03")); err != nil {
		return nil, fmt.Errorf("END_MONTH: %w", err)
	}

	// Validate required configuration
	if config.EndMonth.Before(config.StartMonth) {
		return nil, fmt.Errorf("END_MONTH %s is before START_MONTH %s", config.EndMonth, config.StartMonth)
	}
	if len(config.Agencies) == 0 {
		return nil, fmt.Errorf("AGENCIES must name at least one source agency")
	}
	switch config.JoinPredicate {
	case "intersects", "within":
	default:
		return nil, fmt.Errorf("JOIN_PREDICATE must be intersects or within, got %q", config.JoinPredicate)
	}
	if config.IncidentsPerUnit <= 0 {
		return nil, fmt.Errorf("INCIDENTS_PER_UNIT must be positive")
	}

	if config.SchemaFile != "" {
		schema, err := LoadSchemaFile(config.SchemaFile)
		if err != nil {
			return nil, err
		}
		config.Schema = schema
	}

	return config, nil
}

// LoadSchemaFile reads column alias overrides from a YAML file
func LoadSchemaFile(path string) (*SchemaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var schema SchemaFile
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	return &schema, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated environment variable
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

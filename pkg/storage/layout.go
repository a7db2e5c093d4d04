package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Artifact file names written under the output directory
const (
	WardMonthlyFile    = "ward_monthly.parquet"
	BoroughMonthlyFile = "borough_monthly.parquet"
	IncidentsFile      = "incidents.parquet"
	LookupFile         = "lookup.csv"
	WardsGeoJSONFile   = "wards.geojson"
	WardAttributesFile = "ward_attributes.parquet"
	ForecastFile       = "forecast.parquet"
	WardStatisticsXLSX = "ward_statistics.xlsx"
)

// OutputStore provides file-based persistence for pipeline artifacts
type OutputStore struct {
	basePath string
}

// NewOutputStore creates the output directory if it doesn't exist
func NewOutputStore(basePath string) (*OutputStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &OutputStore{basePath: basePath}, nil
}

// Path returns the absolute location of an artifact
func (s *OutputStore) Path(name string) string {
	return filepath.Join(s.basePath, name)
}

// Exists reports whether an artifact has been written
func (s *OutputStore) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Write replaces an artifact atomically. The content is produced into a
// temporary file in the same directory and renamed over the target, so
// readers never observe a partial file.
func (s *OutputStore) Write(name string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(s.basePath, "."+name+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.Path(name)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}

// List returns the names of the artifacts present, sorted
func (s *OutputStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list output directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

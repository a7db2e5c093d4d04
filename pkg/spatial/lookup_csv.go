package spatial

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

var lookupHeader = []string{"LSOA code", "LSOA name", "Ward code", "Ward name", "Borough code", "Borough name"}

// WriteLookupCSV writes lookup rows in table order
func WriteLookupCSV(w io.Writer, t *LookupTable) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(lookupHeader); err != nil {
		return fmt.Errorf("failed to write lookup header: %w", err)
	}
	for _, r := range t.Rows() {
		if err := writer.Write([]string{r.SmallAreaCode, r.SmallAreaName, r.WardCode, r.WardName, r.BoroughCode, r.BoroughName}); err != nil {
			return fmt.Errorf("failed to write lookup row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadLookupCSV reads a lookup written by WriteLookupCSV
func ReadLookupCSV(r io.Reader) (*LookupTable, error) {
	records, err := schema.ReadCSV(r)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: lookup is empty", models.ErrMalformed)
	}
	index := make(map[string]int)
	for i, h := range records[0] {
		index[schema.CleanColumnName(h)] = i
	}
	for _, h := range lookupHeader[:3] {
		if _, ok := index[h]; !ok {
			return nil, fmt.Errorf("%w: lookup missing column %q", models.ErrMalformed, h)
		}
	}
	get := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}
	rows := make([]models.LookupRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, models.LookupRow{
			SmallAreaCode: get(rec, "LSOA code"),
			SmallAreaName: get(rec, "LSOA name"),
			WardCode:      get(rec, "Ward code"),
			WardName:      get(rec, "Ward name"),
			BoroughCode:   get(rec, "Borough code"),
			BoroughName:   get(rec, "Borough name"),
		})
	}
	return NewLookupTable(rows), nil
}

// ReadCentroids parses a CSV of small-area representative points
func ReadCentroids(r io.Reader, registry *schema.Registry) ([]models.Centroid, models.Outcome, error) {
	outcome := models.Loaded(schema.DatasetCentroids)
	records, err := schema.ReadCSV(r)
	if err != nil {
		return nil, models.Malformed(schema.DatasetCentroids, err.Error()), err
	}
	if len(records) == 0 {
		return nil, models.Malformed(schema.DatasetCentroids, "empty"), fmt.Errorf("%w: centroids file is empty", models.ErrMalformed)
	}
	m := registry.Get(schema.DatasetCentroids).Reconcile(records[0])
	if err := m.Err(); err != nil {
		return nil, models.Malformed(schema.DatasetCentroids, err.Error()), err
	}
	outcome.Warnings = append(outcome.Warnings, m.Warnings()...)

	var centroids []models.Centroid
	for _, rec := range records[1:] {
		outcome.RowsRead++
		x, okX := m.Number(rec, schema.ColX)
		y, okY := m.Number(rec, schema.ColY)
		code := m.Get(rec, schema.ColSmallAreaCode)
		if !okX || !okY || code == "" {
			outcome.RowsSkipped++
			continue
		}
		centroids = append(centroids, models.Centroid{Code: code, Name: m.Get(rec, schema.ColSmallAreaName), X: x, Y: y})
	}
	outcome.RowsKept = len(centroids)
	if outcome.RowsSkipped > 0 {
		outcome.Warn("%d centroid rows without coordinates skipped", outcome.RowsSkipped)
	}
	return centroids, outcome, nil
}

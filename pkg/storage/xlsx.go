package storage

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// Sheet is one worksheet of a statistics export
type Sheet struct {
	Name  string
	Stats []models.MonthlyAreaStatistic
}

var statisticHeaders = []string{"Area code", "Area name", "Month", "Incidents", "Previous month", "Population", "Rate per 1000", "Growth %"}

// WriteStatisticsWorkbook writes one worksheet per sheet. Missing rates and
// growth are left as blank cells.
func WriteStatisticsWorkbook(w io.Writer, sheets ...Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("no sheets to export")
	}
	f := excelize.NewFile()
	defer f.Close()

	for i, sheet := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet.Name); err != nil {
				return fmt.Errorf("failed to name sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet.Name); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet.Name, err)
		}

		for c, h := range statisticHeaders {
			cell, _ := excelize.CoordinatesToCellName(c+1, 1)
			if err := f.SetCellValue(sheet.Name, cell, h); err != nil {
				return fmt.Errorf("failed to write header: %w", err)
			}
		}
		for r, s := range sheet.Stats {
			values := []interface{}{s.AreaCode, s.AreaName, s.Month.String(), s.Count, nil, nullable(s.Population), nullable(s.RatePer1000), nullable(s.GrowthPct)}
			if s.HasPrevious {
				values[4] = s.PreviousCount
			}
			for c, v := range values {
				if v == nil {
					continue
				}
				cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
				if err := f.SetCellValue(sheet.Name, cell, v); err != nil {
					return fmt.Errorf("failed to write %s: %w", cell, err)
				}
			}
		}
		if err := f.SetColWidth(sheet.Name, "B", "B", 32); err != nil {
			return fmt.Errorf("failed to size columns: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to encode workbook: %w", err)
	}
	return nil
}

func nullable(v float64) interface{} {
	if models.IsMissing(v) {
		return nil
	}
	return v
}

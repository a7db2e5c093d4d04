package demographics

import (
	"math"
	"strings"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

// LondonStopPrefix is the ATCO area prefix of stops in the capital
const LondonStopPrefix = "490"

// LoadStops reads a NaPTAN-style stops CSV, keeping active stops whose ATCO
// code starts with prefix (every stop when prefix is empty) and which have
// coordinates. A blank status counts as active.
func (s *Service) LoadStops(path, prefix string) ([]models.TransitStop, models.Outcome) {
	rows, outcome := s.readRows(path, "")
	if !outcome.OK() {
		return nil, outcome
	}
	if len(rows) == 0 {
		return nil, models.Malformed(path, "empty file")
	}
	m := s.registry.Get(schema.DatasetTransitStops).Reconcile(rows[0])
	if err := m.Err(); err != nil {
		s.logger.Warn("stops header not recognised", "path", path, "error", err)
		return nil, models.Malformed(path, err.Error())
	}

	var stops []models.TransitStop
	for _, rec := range rows[1:] {
		outcome.RowsRead++
		code := m.Get(rec, schema.ColATCOCode)
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		status := m.Get(rec, schema.ColStatus)
		if status != "" && !strings.EqualFold(status, "active") {
			continue
		}
		lon, okLon := m.Number(rec, schema.ColLongitude)
		lat, okLat := m.Number(rec, schema.ColLatitude)
		if !okLon || !okLat || math.Abs(lat) > 90 || math.Abs(lon) > 180 {
			outcome.RowsSkipped++
			continue
		}
		stops = append(stops, models.TransitStop{
			ATCOCode:     code,
			CommonName:   m.Get(rec, schema.ColCommonName),
			LocalityCode: m.Get(rec, schema.ColLocalityCode),
			LocalityName: m.Get(rec, schema.ColLocalityName),
			Longitude:    lon,
			Latitude:     lat,
			Status:       status,
		})
	}
	outcome.RowsKept = len(stops)
	if outcome.RowsSkipped > 0 {
		outcome.Warn("%d stops without coordinates skipped", outcome.RowsSkipped)
	}
	s.logger.Info("loaded transit stops", "path", path, "stops", len(stops))
	return stops, outcome
}

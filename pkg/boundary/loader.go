package boundary

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
)

// Fields names the attributes that identify an area in a source layer
type Fields struct {
	Code       string
	Name       string
	ParentCode string
	ParentName string
}

// Loader reads polygon layers and reprojects them into one target CRS
type Loader struct {
	targetSRID int
	logger     *slog.Logger
}

// NewLoader creates a new boundary loader
func NewLoader(targetSRID int, logger *slog.Logger) *Loader {
	return &Loader{targetSRID: targetSRID, logger: logger}
}

// TargetSRID returns the SRID every loaded layer is reprojected to
func (l *Loader) TargetSRID() int { return l.targetSRID }

// Load reads a shapefile or GeoJSON layer. The returned outcome is not_found
// when the file does not exist and malformed when it cannot be decoded.
func (l *Loader) Load(path string, fields Fields) (*models.Layer, models.Outcome) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("boundary layer not found", "path", path)
			return nil, models.NotFound(path, "file does not exist")
		}
		return nil, models.Malformed(path, err.Error())
	}

	var (
		layer   *models.Layer
		srid    int
		outcome = models.Loaded(path)
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		layer, srid, err = l.readShapefile(path, fields, &outcome)
	case ".geojson", ".json":
		layer, srid, err = l.readGeoJSON(path, fields, &outcome)
	default:
		err = fmt.Errorf("unsupported boundary format %q", filepath.Ext(path))
	}
	if err != nil {
		l.logger.Error("failed to read boundary layer", "path", path, "error", err)
		return nil, models.Malformed(path, err.Error())
	}

	if srid != l.targetSRID {
		for i := range layer.Areas {
			projected, err := geo.Reproject(layer.Areas[i].Geometry, srid, l.targetSRID)
			if err != nil {
				return nil, models.Malformed(path, fmt.Sprintf("failed to reproject %s: %v", layer.Areas[i].Code, err))
			}
			layer.Areas[i].Geometry = projected
		}
		l.logger.Debug("reprojected boundary layer", "path", path, "from", srid, "to", l.targetSRID)
	}
	layer.SRID = l.targetSRID
	outcome.RowsKept = len(layer.Areas)

	for _, w := range outcome.Warnings {
		l.logger.Warn(w, "path", path)
	}
	l.logger.Info("loaded boundary layer", "path", path, "areas", len(layer.Areas))
	return layer, outcome
}

func (l *Loader) readShapefile(path string, fields Fields, outcome *models.Outcome) (*models.Layer, int, error) {
	srid := l.targetSRID
	if prj, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"); err == nil {
		if srid, err = geo.SRIDFromWKT(string(prj)); err != nil {
			return nil, 0, err
		}
	} else {
		outcome.Warn("no .prj found, assuming EPSG:%d", l.targetSRID)
	}

	reader, err := shp.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open shapefile: %w", err)
	}
	defer reader.Close()

	index := make(map[string]int)
	for i, f := range reader.Fields() {
		index[strings.ToUpper(f.String())] = i
	}
	attr := func(row int, name string) string {
		i, ok := index[strings.ToUpper(name)]
		if name == "" || !ok {
			return ""
		}
		return strings.TrimSpace(strings.Trim(reader.ReadAttribute(row, i), "\x00"))
	}
	if _, ok := index[strings.ToUpper(fields.Code)]; !ok {
		return nil, 0, fmt.Errorf("shapefile has no %s field", fields.Code)
	}

	layer := &models.Layer{Name: filepath.Base(path)}
	for reader.Next() {
		n, shape := reader.Shape()
		outcome.RowsRead++
		polygon, ok := shape.(*shp.Polygon)
		if !ok {
			outcome.RowsSkipped++
			outcome.Warn("record %d is %T, not a polygon", n, shape)
			continue
		}
		g, err := fromShapefilePolygon(polygon)
		if err != nil {
			outcome.RowsSkipped++
			outcome.Warn("record %d: %v", n, err)
			continue
		}
		layer.Areas = append(layer.Areas, models.Area{
			Code:       attr(n, fields.Code),
			Name:       attr(n, fields.Name),
			ParentCode: attr(n, fields.ParentCode),
			ParentName: attr(n, fields.ParentName),
			Geometry:   g,
		})
	}
	return layer, srid, nil
}

// fromShapefilePolygon groups shapefile parts into polygons: clockwise parts
// are shells, the rest are holes of the shell that contains them.
func fromShapefilePolygon(p *shp.Polygon) (geom.T, error) {
	var shells, holes [][]geom.Coord
	for i := range p.Parts {
		start := int(p.Parts[i])
		end := len(p.Points)
		if i+1 < len(p.Parts) {
			end = int(p.Parts[i+1])
		}
		if end-start < 4 {
			continue
		}
		ring := make([]geom.Coord, 0, end-start)
		for _, pt := range p.Points[start:end] {
			ring = append(ring, geom.Coord{pt.X, pt.Y})
		}
		if signedArea(ring) < 0 {
			shells = append(shells, ring)
		} else {
			holes = append(holes, ring)
		}
	}
	if len(shells) == 0 {
		// Some writers ignore winding order; treat every part as a shell.
		shells, holes = holes, nil
	}
	if len(shells) == 0 {
		return nil, fmt.Errorf("polygon has no rings")
	}

	polys := make([][][]geom.Coord, len(shells))
	for i, s := range shells {
		polys[i] = [][]geom.Coord{s}
	}
	for _, h := range holes {
		for i, s := range shells {
			flat := make([]float64, 0, 2*len(s))
			for _, c := range s {
				flat = append(flat, c[0], c[1])
			}
			if xy.IsPointInRing(geom.XY, h[0], flat) {
				polys[i] = append(polys[i], h)
				break
			}
		}
	}

	if len(polys) == 1 {
		return geom.NewPolygon(geom.XY).SetCoords(polys[0])
	}
	return geom.NewMultiPolygon(geom.XY).SetCoords(polys)
}

func signedArea(ring []geom.Coord) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i][0]*ring[i+1][1] - ring[i+1][0]*ring[i][1]
	}
	return sum / 2
}

type featureCollection struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs,omitempty"`
	Features []json.RawMessage `json:"features"`
}

func (l *Loader) readGeoJSON(path string, fields Fields, outcome *models.Outcome) (*models.Layer, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read GeoJSON: %w", err)
	}
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, 0, fmt.Errorf("failed to parse GeoJSON: %w", err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, 0, fmt.Errorf("expected FeatureCollection, got %q", fc.Type)
	}

	srid := geo.SRIDWGS84
	if fc.CRS != nil && fc.CRS.Properties.Name != "" {
		if srid, err = geo.SRIDFromName(fc.CRS.Properties.Name); err != nil {
			return nil, 0, err
		}
	}

	layer := &models.Layer{Name: filepath.Base(path)}
	for i, raw := range fc.Features {
		outcome.RowsRead++
		var f geojson.Feature
		if err := json.Unmarshal(raw, &f); err != nil {
			outcome.RowsSkipped++
			outcome.Warn("feature %d: %v", i, err)
			continue
		}
		switch f.Geometry.(type) {
		case *geom.Polygon, *geom.MultiPolygon:
		default:
			outcome.RowsSkipped++
			outcome.Warn("feature %d is %T, not a polygon", i, f.Geometry)
			continue
		}
		layer.Areas = append(layer.Areas, models.Area{
			Code:       property(f.Properties, fields.Code),
			Name:       property(f.Properties, fields.Name),
			ParentCode: property(f.Properties, fields.ParentCode),
			ParentName: property(f.Properties, fields.ParentName),
			Geometry:   f.Geometry,
		})
	}
	return layer, srid, nil
}

func property(props map[string]interface{}, key string) string {
	if key == "" {
		return ""
	}
	v, ok := props[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// SortByCode orders a layer's areas by code
func SortByCode(layer *models.Layer) {
	sort.SliceStable(layer.Areas, func(i, j int) bool { return layer.Areas[i].Code < layer.Areas[j].Code })
}

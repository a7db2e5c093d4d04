package boundary

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
)

// PropertiesFunc supplies the extra feature properties of an area
type PropertiesFunc func(models.Area) map[string]interface{}

// FeatureCollection converts a layer to WGS84 GeoJSON features, skipping excluded codes
func FeatureCollection(layer *models.Layer, exclude []string, props PropertiesFunc) (*geojson.FeatureCollection, error) {
	skip := make(map[string]bool, len(exclude))
	for _, code := range exclude {
		skip[code] = true
	}
	fc := &geojson.FeatureCollection{Features: []*geojson.Feature{}}
	for _, a := range layer.Areas {
		if skip[a.Code] {
			continue
		}
		g, err := geo.Reproject(a.Geometry, layer.SRID, geo.SRIDWGS84)
		if err != nil {
			return nil, fmt.Errorf("failed to reproject %s: %w", a.Code, err)
		}
		properties := map[string]interface{}{
			"code":        a.Code,
			"name":        a.Name,
			"parent_code": a.ParentCode,
			"parent_name": a.ParentName,
		}
		if props != nil {
			for k, v := range props(a) {
				properties[k] = v
			}
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         a.Code,
			Geometry:   g,
			Properties: properties,
		})
	}
	return fc, nil
}

// WriteGeoJSON writes a layer as a WGS84 FeatureCollection
func WriteGeoJSON(w io.Writer, layer *models.Layer, exclude []string, props PropertiesFunc) error {
	fc, err := FeatureCollection(layer, exclude, props)
	if err != nil {
		return err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write GeoJSON: %w", err)
	}
	return nil
}

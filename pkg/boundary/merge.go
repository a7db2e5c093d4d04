package boundary

import (
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
)

// MergeRule folds every area of one parent district into a single area with
// a fixed code and name. The same rule value must be applied to the layer
// and to any lookup rows derived from other sources.
type MergeRule struct {
	Parent  string
	Code    string
	Name    string
	Aliases []string
}

// Enabled reports whether the rule has a target
func (r MergeRule) Enabled() bool {
	return r.Parent != "" && r.Code != ""
}

// Matches reports whether an area is folded into the merged district
func (r MergeRule) Matches(a models.Area) bool {
	if !r.Enabled() {
		return false
	}
	return strings.EqualFold(a.ParentName, r.Parent) || a.Code == r.Code || r.isAlias(a.Name)
}

func (r MergeRule) isAlias(name string) bool {
	for _, alias := range r.Aliases {
		if strings.EqualFold(strings.TrimSpace(name), alias) {
			return true
		}
	}
	return false
}

// ApplyToLayer returns a copy of layer with the matching areas unioned into
// one multi-part area placed where the first match was.
func (r MergeRule) ApplyToLayer(layer *models.Layer) (*models.Layer, error) {
	out := &models.Layer{Name: layer.Name, SRID: layer.SRID}
	var (
		parts  []geom.T
		first  = -1
		parent models.Area
	)
	for _, a := range layer.Areas {
		if !r.Matches(a) {
			out.Areas = append(out.Areas, a)
			continue
		}
		if first < 0 {
			first = len(out.Areas)
			parent = a
			out.Areas = append(out.Areas, models.Area{})
		}
		parts = append(parts, a.Geometry)
	}
	if first < 0 {
		return out, nil
	}

	merged, err := geo.Merge(parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to merge %s: %w", r.Name, err)
	}
	merged.SetSRID(layer.SRID)
	out.Areas[first] = models.Area{
		Code:       r.Code,
		Name:       r.Name,
		ParentCode: parent.ParentCode,
		ParentName: parent.ParentName,
		Geometry:   merged,
	}
	return out, nil
}

// ApplyToLookup relabels lookup rows that belong to the merged district
func (r MergeRule) ApplyToLookup(rows []models.LookupRow) []models.LookupRow {
	out := make([]models.LookupRow, len(rows))
	for i, row := range rows {
		if r.Enabled() && (strings.EqualFold(row.BoroughName, r.Parent) || r.isAlias(row.WardName) || row.WardCode == r.Code) {
			row.WardCode = r.Code
			row.WardName = r.Name
		}
		out[i] = row
	}
	return out
}

// FilterParents keeps the areas whose parent name is in names. An empty list keeps everything.
func FilterParents(layer *models.Layer, names []string) *models.Layer {
	if len(names) == 0 {
		return layer
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[strings.ToLower(n)] = true
	}
	out := &models.Layer{Name: layer.Name, SRID: layer.SRID}
	for _, a := range layer.Areas {
		if keep[strings.ToLower(a.ParentName)] {
			out.Areas = append(out.Areas, a)
		}
	}
	return out
}

// Dissolve builds the parent layer by merging areas that share a parent code
func Dissolve(layer *models.Layer) (*models.Layer, error) {
	out := &models.Layer{Name: layer.Name + " (dissolved)", SRID: layer.SRID}
	index := make(map[string]int)
	var parts [][]geom.T
	for _, a := range layer.Areas {
		if a.ParentCode == "" {
			continue
		}
		i, ok := index[a.ParentCode]
		if !ok {
			i = len(out.Areas)
			index[a.ParentCode] = i
			out.Areas = append(out.Areas, models.Area{Code: a.ParentCode, Name: a.ParentName})
			parts = append(parts, nil)
		}
		parts[i] = append(parts[i], a.Geometry)
	}
	for i := range out.Areas {
		merged, err := geo.Merge(parts[i]...)
		if err != nil {
			return nil, fmt.Errorf("failed to dissolve %s: %w", out.Areas[i].Code, err)
		}
		merged.SetSRID(layer.SRID)
		out.Areas[i].Geometry = merged
	}
	SortByCode(out)
	return out, nil
}

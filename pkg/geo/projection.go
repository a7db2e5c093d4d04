package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/twpayne/go-geom"
)

// Supported coordinate reference systems
const (
	SRIDWGS84               = 4326
	SRIDBritishNationalGrid = 27700
	SRIDWebMercator         = 3857
)

// Transform converts one coordinate pair between two reference systems
type Transform func(x, y float64) (float64, float64)

type ellipsoid struct {
	a, b float64
}

func (e ellipsoid) e2() float64 { return 1 - (e.b*e.b)/(e.a*e.a) }

var (
	grs80    = ellipsoid{a: 6378137.000, b: 6356752.314140}
	airy1830 = ellipsoid{a: 6377563.396, b: 6356256.909}
)

// National Grid transverse mercator parameters
const (
	bngF0   = 0.9996012717
	bngE0   = 400000.0
	bngN0   = -100000.0
	bngLat0 = 49.0 * math.Pi / 180
	bngLon0 = -2.0 * math.Pi / 180
)

// WGS84 to OSGB36 Helmert parameters
type helmert struct {
	tx, ty, tz float64 // metres
	s          float64 // ppm
	rx, ry, rz float64 // arc seconds
}

var wgs84ToOSGB36 = helmert{
	tx: -446.448, ty: 125.157, tz: -542.060,
	s:  20.4894,
	rx: -0.1502, ry: -0.2470, rz: -0.8421,
}

func (h helmert) inverse() helmert {
	return helmert{tx: -h.tx, ty: -h.ty, tz: -h.tz, s: -h.s, rx: -h.rx, ry: -h.ry, rz: -h.rz}
}

func (h helmert) apply(x, y, z float64) (float64, float64, float64) {
	const arcsec = math.Pi / (180 * 3600)
	s := h.s * 1e-6
	rx, ry, rz := h.rx*arcsec, h.ry*arcsec, h.rz*arcsec
	x2 := h.tx + (1+s)*x - rz*y + ry*z
	y2 := h.ty + rz*x + (1+s)*y - rx*z
	z2 := h.tz - ry*x + rx*y + (1+s)*z
	return x2, y2, z2
}

func toCartesian(e ellipsoid, lat, lon float64) (float64, float64, float64) {
	e2 := e.e2()
	sinLat := math.Sin(lat)
	nu := e.a / math.Sqrt(1-e2*sinLat*sinLat)
	x := nu * math.Cos(lat) * math.Cos(lon)
	y := nu * math.Cos(lat) * math.Sin(lon)
	z := (1 - e2) * nu * sinLat
	return x, y, z
}

func fromCartesian(e ellipsoid, x, y, z float64) (float64, float64) {
	e2 := e.e2()
	p := math.Hypot(x, y)
	lat := math.Atan2(z, p*(1-e2))
	for i := 0; i < 10; i++ {
		sinLat := math.Sin(lat)
		nu := e.a / math.Sqrt(1-e2*sinLat*sinLat)
		next := math.Atan2(z+e2*nu*sinLat, p)
		if math.Abs(next-lat) < 1e-12 {
			lat = next
			break
		}
		lat = next
	}
	return lat, math.Atan2(y, x)
}

func meridionalArc(lat float64) float64 {
	a, b := airy1830.a, airy1830.b
	n := (a - b) / (a + b)
	n2, n3 := n*n, n*n*n
	dLat := lat - bngLat0
	sLat := lat + bngLat0
	return b * bngF0 * ((1+n+1.25*n2+1.25*n3)*dLat -
		(3*n+3*n2+21.0/8*n3)*math.Sin(dLat)*math.Cos(sLat) +
		(15.0/8*n2+15.0/8*n3)*math.Sin(2*dLat)*math.Cos(2*sLat) -
		35.0/24*n3*math.Sin(3*dLat)*math.Cos(3*sLat))
}

func radii(lat float64) (nu, rho, eta2 float64) {
	a := airy1830.a
	e2 := airy1830.e2()
	sin2 := math.Sin(lat) * math.Sin(lat)
	nu = a * bngF0 / math.Sqrt(1-e2*sin2)
	rho = a * bngF0 * (1 - e2) / math.Pow(1-e2*sin2, 1.5)
	eta2 = nu/rho - 1
	return nu, rho, eta2
}

// GridFromOSGB36 projects OSGB36 latitude/longitude (radians) onto the
// National Grid, returning easting and northing in metres.
func GridFromOSGB36(lat, lon float64) (float64, float64) {
	nu, rho, eta2 := radii(lat)
	sinLat, cosLat := math.Sin(lat), math.Cos(lat)
	tan2 := math.Tan(lat) * math.Tan(lat)
	tan4 := tan2 * tan2
	cos3 := cosLat * cosLat * cosLat
	cos5 := cos3 * cosLat * cosLat

	I := meridionalArc(lat) + bngN0
	II := nu / 2 * sinLat * cosLat
	III := nu / 24 * sinLat * cos3 * (5 - tan2 + 9*eta2)
	IIIA := nu / 720 * sinLat * cos5 * (61 - 58*tan2 + tan4)
	IV := nu * cosLat
	V := nu / 6 * cos3 * (nu/rho - tan2)
	VI := nu / 120 * cos5 * (5 - 18*tan2 + tan4 + 14*eta2 - 58*tan2*eta2)

	dLon := lon - bngLon0
	d2 := dLon * dLon
	northing := I + II*d2 + III*d2*d2 + IIIA*d2*d2*d2
	easting := bngE0 + IV*dLon + V*d2*dLon + VI*d2*d2*dLon
	return easting, northing
}

// OSGB36FromGrid inverts GridFromOSGB36, returning latitude/longitude in radians
func OSGB36FromGrid(easting, northing float64) (float64, float64) {
	a := airy1830.a
	lat := (northing-bngN0)/(a*bngF0) + bngLat0
	m := meridionalArc(lat)
	for i := 0; i < 100 && math.Abs(northing-bngN0-m) >= 1e-5; i++ {
		lat += (northing - bngN0 - m) / (a * bngF0)
		m = meridionalArc(lat)
	}

	nu, rho, eta2 := radii(lat)
	tanLat := math.Tan(lat)
	tan2 := tanLat * tanLat
	tan4 := tan2 * tan2
	tan6 := tan4 * tan2
	secLat := 1 / math.Cos(lat)
	nu3 := nu * nu * nu
	nu5 := nu3 * nu * nu
	nu7 := nu5 * nu * nu

	VII := tanLat / (2 * rho * nu)
	VIII := tanLat / (24 * rho * nu3) * (5 + 3*tan2 + eta2 - 9*tan2*eta2)
	IX := tanLat / (720 * rho * nu5) * (61 + 90*tan2 + 45*tan4)
	X := secLat / nu
	XI := secLat / (6 * nu3) * (nu/rho + 2*tan2)
	XII := secLat / (120 * nu5) * (5 + 28*tan2 + 24*tan4)
	XIIA := secLat / (5040 * nu7) * (61 + 662*tan2 + 1320*tan4 + 720*tan6)

	dE := easting - bngE0
	dE2 := dE * dE
	outLat := lat - VII*dE2 + VIII*dE2*dE2 - IX*dE2*dE2*dE2
	outLon := bngLon0 + X*dE - XI*dE2*dE + XII*dE2*dE2*dE - XIIA*dE2*dE2*dE2*dE
	return outLat, outLon
}

// WGS84ToBNG converts longitude/latitude degrees to National Grid metres
func WGS84ToBNG(lon, lat float64) (float64, float64) {
	x, y, z := toCartesian(grs80, lat*math.Pi/180, lon*math.Pi/180)
	x, y, z = wgs84ToOSGB36.apply(x, y, z)
	oLat, oLon := fromCartesian(airy1830, x, y, z)
	return GridFromOSGB36(oLat, oLon)
}

// BNGToWGS84 converts National Grid metres to longitude/latitude degrees
func BNGToWGS84(easting, northing float64) (float64, float64) {
	oLat, oLon := OSGB36FromGrid(easting, northing)
	x, y, z := toCartesian(airy1830, oLat, oLon)
	x, y, z = wgs84ToOSGB36.inverse().apply(x, y, z)
	lat, lon := fromCartesian(grs80, x, y, z)
	return lon * 180 / math.Pi, lat * 180 / math.Pi
}

const webMercatorRadius = 6378137.0

// WGS84ToWebMercator converts longitude/latitude degrees to spherical mercator metres
func WGS84ToWebMercator(lon, lat float64) (float64, float64) {
	x := webMercatorRadius * lon * math.Pi / 180
	y := webMercatorRadius * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360))
	return x, y
}

// WebMercatorToWGS84 converts spherical mercator metres to longitude/latitude degrees
func WebMercatorToWGS84(x, y float64) (float64, float64) {
	lon := x / webMercatorRadius * 180 / math.Pi
	lat := (2*math.Atan(math.Exp(y/webMercatorRadius)) - math.Pi/2) * 180 / math.Pi
	return lon, lat
}

func identity(x, y float64) (float64, float64) { return x, y }

// TransformFunc returns the coordinate transform between two SRIDs
func TransformFunc(from, to int) (Transform, error) {
	if from == to {
		return identity, nil
	}
	toWGS, err := toWGS84Func(from)
	if err != nil {
		return nil, err
	}
	fromWGS, err := fromWGS84Func(to)
	if err != nil {
		return nil, err
	}
	return func(x, y float64) (float64, float64) {
		return fromWGS(toWGS(x, y))
	}, nil
}

func toWGS84Func(srid int) (Transform, error) {
	switch srid {
	case SRIDWGS84:
		return identity, nil
	case SRIDBritishNationalGrid:
		return BNGToWGS84, nil
	case SRIDWebMercator:
		return WebMercatorToWGS84, nil
	}
	return nil, fmt.Errorf("unsupported SRID %d", srid)
}

func fromWGS84Func(srid int) (Transform, error) {
	switch srid {
	case SRIDWGS84:
		return identity, nil
	case SRIDBritishNationalGrid:
		return WGS84ToBNG, nil
	case SRIDWebMercator:
		return WGS84ToWebMercator, nil
	}
	return nil, fmt.Errorf("unsupported SRID %d", srid)
}

// Reproject returns a copy of g with every coordinate transformed from one SRID to another
func Reproject(g geom.T, from, to int) (geom.T, error) {
	transform, err := TransformFunc(from, to)
	if err != nil {
		return nil, err
	}
	stride := g.Stride()
	src := g.FlatCoords()
	flat := make([]float64, len(src))
	copy(flat, src)
	for i := 0; i+1 < len(flat); i += stride {
		flat[i], flat[i+1] = transform(flat[i], flat[i+1])
	}

	switch t := g.(type) {
	case *geom.Point:
		return geom.NewPointFlat(t.Layout(), flat).SetSRID(to), nil
	case *geom.Polygon:
		return geom.NewPolygonFlat(t.Layout(), flat, t.Ends()).SetSRID(to), nil
	case *geom.MultiPolygon:
		return geom.NewMultiPolygonFlat(t.Layout(), flat, t.Endss()).SetSRID(to), nil
	case *geom.LineString:
		return geom.NewLineStringFlat(t.Layout(), flat).SetSRID(to), nil
	}
	return nil, fmt.Errorf("unsupported geometry type %T", g)
}

// SRIDFromWKT guesses the SRID of a shapefile .prj projection string
func SRIDFromWKT(wkt string) (int, error) {
	upper := strings.ToUpper(wkt)
	switch {
	case strings.Contains(upper, "BRITISH_NATIONAL_GRID"), strings.Contains(upper, "OSGB") && strings.Contains(upper, "PROJCS"),
		strings.Contains(upper, "27700"):
		return SRIDBritishNationalGrid, nil
	case strings.Contains(upper, "PSEUDO") && strings.Contains(upper, "MERCATOR"), strings.Contains(upper, "WEB_MERCATOR"),
		strings.Contains(upper, "3857"):
		return SRIDWebMercator, nil
	case strings.HasPrefix(strings.TrimSpace(upper), "GEOGCS") && strings.Contains(upper, "WGS"):
		return SRIDWGS84, nil
	}
	return 0, fmt.Errorf("unrecognised projection: %.60s", wkt)
}

// SRIDFromName parses names like "EPSG:27700" or "urn:ogc:def:crs:EPSG::4326"
func SRIDFromName(name string) (int, error) {
	upper := strings.ToUpper(name)
	switch {
	case strings.HasSuffix(upper, "CRS84"):
		return SRIDWGS84, nil
	case strings.HasSuffix(upper, ":4326"):
		return SRIDWGS84, nil
	case strings.HasSuffix(upper, ":27700"):
		return SRIDBritishNationalGrid, nil
	case strings.HasSuffix(upper, ":3857"), strings.HasSuffix(upper, ":900913"):
		return SRIDWebMercator, nil
	}
	return 0, fmt.Errorf("unrecognised CRS name %q", name)
}

// Package geospatial provides Web Mercator tile math, tile caches, and image
// footprint geometry for satellite imagery acquisition.
package geospatial

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
)

const (
	// TileSize is the edge length of a slippy-map tile in pixels.
	TileSize = 256

	// MaxMercatorLatitude is the latitude at which Web Mercator y reaches the map edge.
	MaxMercatorLatitude = 85.05112878

	// MaxZoom is the highest zoom ZoomForGroundWidth will return.
	MaxZoom = 18

	// equatorMetersPerPixel is ground resolution at zoom 0 on the equator for 256px tiles.
	equatorMetersPerPixel = 156543.03392

	feetToMeters = 0.3048
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects coordinates outside the WGS84 range.
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return eris.New("geo: coordinate is NaN")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return eris.Errorf("geo: latitude %f out of range [-90, 90]", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return eris.Errorf("geo: longitude %f out of range [-180, 180]", p.Lon)
	}
	return nil
}

// ClampLatitude limits lat to the Web Mercator range. Tile functions assume
// their input has been passed through here.
func ClampLatitude(lat float64) float64 {
	return math.Max(-MaxMercatorLatitude, math.Min(MaxMercatorLatitude, lat))
}

// TileIndex addresses one slippy-map tile.
type TileIndex struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (t TileIndex) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether both axes are within [0, 2^z-1].
func (t TileIndex) Valid() bool {
	if t.Z < 0 {
		return false
	}
	maxTile := 1<<uint(t.Z) - 1
	return t.X >= 0 && t.X <= maxTile && t.Y >= 0 && t.Y <= maxTile
}

// Clamp pins both axes into the valid range for the tile's zoom.
func (t TileIndex) Clamp() TileIndex {
	maxTile := 1<<uint(t.Z) - 1
	t.X = clampInt(t.X, 0, maxTile)
	t.Y = clampInt(t.Y, 0, maxTile)
	return t
}

// Neighbor returns the tile offset by (dx, dy). With wrapX the x axis wraps
// across the antimeridian; otherwise, and always for y, an out-of-range
// neighbor is returned with ok=false.
func (t TileIndex) Neighbor(dx, dy int, wrapX bool) (TileIndex, bool) {
	n := TileIndex{X: t.X + dx, Y: t.Y + dy, Z: t.Z}
	if wrapX {
		size := 1 << uint(t.Z)
		n.X = ((n.X % size) + size) % size
	}
	return n, n.Valid()
}

// SqftToRadiusMeters treats sqft as the area of a circle and returns its radius in meters.
func SqftToRadiusMeters(sqft float64) float64 {
	return math.Sqrt(sqft/math.Pi) * feetToMeters
}

// ZoomForGroundWidth picks the zoom at which imageWidthPx pixels span
// groundWidthMeters at the given latitude, clamped to [0, MaxZoom].
func ZoomForGroundWidth(lat, groundWidthMeters float64, imageWidthPx int) int {
	metersPerPixel := groundWidthMeters / float64(imageWidthPx)
	zoom := math.Round(math.Log2(equatorMetersPerPixel * math.Cos(lat*math.Pi/180) / metersPerPixel))
	switch {
	case math.IsNaN(zoom):
		return 0
	case zoom < 0:
		return 0
	case zoom > MaxZoom:
		return MaxZoom
	}
	return int(zoom)
}

// LatLonToTileFraction returns fractional tile coordinates for a point.
func LatLonToTileFraction(lat, lon float64, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180
	x := (lon + 180) / 360 * n
	y := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return x, y
}

// LatLonToTile returns the tile containing a point. It is the floor of
// LatLonToTileFraction and is not clamped.
func LatLonToTile(lat, lon float64, zoom int) TileIndex {
	x, y := LatLonToTileFraction(lat, lon, zoom)
	return TileIndex{X: int(math.Floor(x)), Y: int(math.Floor(y)), Z: zoom}
}

// PixelOffset returns the point's pixel position inside its tile.
func PixelOffset(lat, lon float64, zoom int) (int, int) {
	fx, fy := LatLonToTileFraction(lat, lon, zoom)
	return int((fx - math.Floor(fx)) * TileSize), int((fy - math.Floor(fy)) * TileSize)
}

// TileFractionToLatLon inverts LatLonToTileFraction.
func TileFractionToLatLon(x, y float64, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	lon := x/n*360 - 180
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180 / math.Pi
	return lat, lon
}

// Quadkey encodes a tile as a base-4 string, one digit per zoom level,
// most significant bit first.
func Quadkey(t TileIndex) string {
	key := make([]byte, 0, t.Z)
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << uint(i-1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		key = append(key, digit)
	}
	return string(key)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

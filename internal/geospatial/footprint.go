package geospatial

import (
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371008.8

// CropFootprint is the geographic extent of a size×size crop whose top-left
// corner sits at (left, top) in a 3×3 canvas centered on center.
func CropFootprint(center TileIndex, left, top, size int) orb.Bound {
	x0 := float64(center.X-1) + float64(left)/TileSize
	y0 := float64(center.Y-1) + float64(top)/TileSize
	span := float64(size) / TileSize
	return fractionBound(x0, y0, x0+span, y0+span, center.Z)
}

// CenteredFootprint is the extent of a size×size image centered on a point,
// as served by static-map endpoints.
func CenteredFootprint(lat, lon float64, zoom, size int) orb.Bound {
	fx, fy := LatLonToTileFraction(lat, lon, zoom)
	half := float64(size) / TileSize / 2
	return fractionBound(fx-half, fy-half, fx+half, fy+half, zoom)
}

func fractionBound(x0, y0, x1, y1 float64, zoom int) orb.Bound {
	north, west := TileFractionToLatLon(x0, y0, zoom)
	south, east := TileFractionToLatLon(x1, y1, zoom)
	return orb.Bound{
		Min: orb.Point{west, south},
		Max: orb.Point{east, north},
	}
}

// CenterDrift is the great-circle distance in meters between p and the
// center of b. Crops clamped at the canvas edge drift away from the point.
func CenterDrift(p GeoPoint, b orb.Bound) float64 {
	c := b.Center()
	from := s2.LatLngFromDegrees(p.Lat, p.Lon)
	to := s2.LatLngFromDegrees(c.Lat(), c.Lon())
	return from.Distance(to).Radians() * earthRadiusMeters
}

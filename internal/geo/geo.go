package geo

import (
	"errors"
	"math"

	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/wroge/wgs84"
)

// Interpolation and bounds fitting happen in Web Mercator (EPSG:3857), the
// projection the map tiles are drawn in, so straight lines on screen stay
// straight while a marker animates.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

const (
	tileSize    = 256
	worldWidth  = 2 * math.Pi * 6378137.0 // equatorial circumference, metres
	earthRadius = 6371008.8
	// MaxMercatorLat is the latitude where EPSG:3857 squares the world; the
	// poles themselves project to infinity.
	MaxMercatorLat = 85.05112878
)

var (
	to3857   = wgs84.EPSG().Transform(4326, 3857)
	from3857 = wgs84.EPSG().Transform(3857, 4326)
)

// ToMercator projects a WGS84 coordinate into EPSG:3857 metres. Latitudes
// beyond MaxMercatorLat are clamped to it.
func ToMercator(p core.LatLng) (x, y float64) {
	lat := math.Max(-MaxMercatorLat, math.Min(MaxMercatorLat, p.Lat))
	x, y, _ = to3857(p.Lng, lat, 0)
	return x, y
}

// FromMercator converts EPSG:3857 metres back into WGS84 degrees.
func FromMercator(x, y float64) core.LatLng {
	lng, lat, _ := from3857(x, y, 0)
	return core.LatLng{Lat: lat, Lng: lng}
}

// Interpolate returns the point at fraction f (clamped to [0,1]) of the way
// from a to b, linear in Web Mercator.
func Interpolate(a, b core.LatLng, f float64) core.LatLng {
	switch {
	case f <= 0:
		return a
	case f >= 1:
		return b
	}
	ax, ay := ToMercator(a)
	bx, by := ToMercator(b)
	return FromMercator(ax+(bx-ax)*f, ay+(by-ay)*f)
}

// Valid reports whether the coordinate lies inside WGS84 ranges.
func Valid(p core.LatLng) bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// BoundsOf returns the bounding box of the points. ok is false for an empty slice.
func BoundsOf(points []core.LatLng) (b core.Bounds, ok bool) {
	if len(points) == 0 {
		return core.Bounds{}, false
	}
	b = core.Bounds{SouthWest: points[0], NorthEast: points[0]}
	for _, p := range points[1:] {
		b.SouthWest.Lat = math.Min(b.SouthWest.Lat, p.Lat)
		b.SouthWest.Lng = math.Min(b.SouthWest.Lng, p.Lng)
		b.NorthEast.Lat = math.Max(b.NorthEast.Lat, p.Lat)
		b.NorthEast.Lng = math.Max(b.NorthEast.Lng, p.Lng)
	}
	return b, true
}

// ZoomForBounds returns the largest integer zoom at which b fits in a
// viewport of widthPx x heightPx, clamped to [minZoom, maxZoom].
func ZoomForBounds(b core.Bounds, widthPx, heightPx, minZoom, maxZoom int) int {
	x1, y1 := ToMercator(b.SouthWest)
	x2, y2 := ToMercator(b.NorthEast)
	spanX := math.Abs(x2 - x1)
	spanY := math.Abs(y2 - y1)
	if spanX == 0 && spanY == 0 {
		return maxZoom
	}

	for z := maxZoom; z > minZoom; z-- {
		metresPerPx := worldWidth / (tileSize * math.Exp2(float64(z)))
		if spanX/metresPerPx <= float64(widthPx) && spanY/metresPerPx <= float64(heightPx) {
			return z
		}
	}
	return minZoom
}

// Distance returns the great-circle distance between two points in metres.
func Distance(a, b core.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing returns the initial compass bearing from a to b in degrees [0, 360).
func Bearing(a, b core.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	return core.NormalizeHeading(math.Atan2(y, x) * 180 / math.Pi)
}

// HeadingDelta returns the smallest absolute angle between two headings.
func HeadingDelta(a, b float64) float64 {
	d := math.Abs(core.NormalizeHeading(a) - core.NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Tile returns the slippy-map tile containing p at zoom z.
func Tile(p core.LatLng, z int) (x, y int) {
	mx, my := ToMercator(p)
	n := float64(int(1) << z)
	fx := (mx/worldWidth + 0.5) * n
	fy := (0.5 - my/worldWidth) * n
	clamp := func(v float64) int {
		i := int(math.Floor(v))
		if i < 0 {
			return 0
		}
		if i >= int(n) {
			return int(n) - 1
		}
		return i
	}
	return clamp(fx), clamp(fy)
}

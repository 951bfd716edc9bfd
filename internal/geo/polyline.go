package geo

import (
	"encoding/json"
	"fmt"

	"github.com/fleetdesk/fleettrack/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// PathLineString builds a geom.LineString (X=lng, Y=lat) from the path points.
func PathLineString(points []core.LatLng) (geom.LineString, error) {
	if len(points) < 2 {
		return geom.LineString{}, fmt.Errorf("polyline must have at least 2 points, got %d", len(points))
	}

	flatCoords := make([]float64, 0, len(points)*2)
	for i, p := range points {
		if !Valid(p) {
			return geom.LineString{}, fmt.Errorf("coordinate %d: %w", i, ErrInvalidCoordinates)
		}
		flatCoords = append(flatCoords, p.Lng, p.Lat)
	}

	seq := geom.NewSequence(flatCoords, geom.DimXY)
	return geom.NewLineString(seq), nil
}

// PointGeometry builds a geom.Point (X=lng, Y=lat).
func PointGeometry(p core.LatLng) geom.Point {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: p.Lng, Y: p.Lat},
		Type: geom.DimXY,
	})
}

// PathLength returns the length of the path along the ground in metres.
func PathLength(points []core.LatLng) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// ParsePolyline parses a JSON array of coordinates into a path.
// Input format: "[[lng1,lat1],[lng2,lat2],...]"
func ParsePolyline(input string) ([]core.LatLng, error) {
	var coords [][]float64
	if err := json.Unmarshal([]byte(input), &coords); err != nil {
		return nil, fmt.Errorf("failed to parse polyline JSON: %w", err)
	}

	if len(coords) < 2 {
		return nil, fmt.Errorf("polyline must have at least 2 points, got %d", len(coords))
	}

	path := make([]core.LatLng, len(coords))
	for i, coord := range coords {
		if len(coord) < 2 {
			return nil, fmt.Errorf("coordinate %d has insufficient values", i)
		}
		path[i] = core.LatLng{Lat: coord[1], Lng: coord[0]}
	}

	return path, nil
}

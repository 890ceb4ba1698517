package geo

import (
	"github.com/golang/geo/s2"

	"github.com/example/ride-dispatch/internal/models"
)

func toS2(c models.Coord) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(c.Lat, c.Lon))
}

// ProjectOntoSegment snaps p onto the great-circle segment (a, b).
func ProjectOntoSegment(a, b, p models.Coord) models.Coord {
	proj := s2.Project(toS2(p), toS2(a), toS2(b))
	ll := s2.LatLngFromPoint(proj)
	return models.Coord{Lat: ll.Lat.Degrees(), Lon: ll.Lng.Degrees()}
}

// CrossTrackM is the perpendicular distance in meters from p to the
// segment (a, b).
func CrossTrackM(a, b, p models.Coord) float64 {
	return DistanceM(p, ProjectOntoSegment(a, b, p))
}

// AlongTrackM is the distance in meters from a to the projection of p
// onto the segment (a, b).
func AlongTrackM(a, b, p models.Coord) float64 {
	return DistanceM(a, ProjectOntoSegment(a, b, p))
}

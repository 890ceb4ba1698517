package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

func degToRad(d float64) float64 { return d * math.Pi / 180.0 }
func radToDeg(r float64) float64 { return r * 180.0 / math.Pi }

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := degToRad(lat2 - lat1)
	dLon := degToRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(degToRad(lat1))*math.Cos(degToRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceM is Haversine over Coords.
func DistanceM(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// InitialBearing returns the great-circle bearing from `from` to `to` in
// degrees clockwise from north, normalized to [0, 360).
func InitialBearing(from, to models.Coord) float64 {
	dLon := degToRad(to.Lon - from.Lon)
	lat1 := degToRad(from.Lat)
	lat2 := degToRad(to.Lat)

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(radToDeg(math.Atan2(y, x))+360, 360)
}

// BearingDelta returns the minimum angular difference between two bearings
// in degrees, always in [0, 180].
func BearingDelta(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

var sectors = [...]string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// CompassSector classifies a bearing into one of the eight 45-degree sectors.
func CompassSector(bearing float64) string {
	b := math.Mod(math.Mod(bearing, 360)+360, 360)
	idx := int(math.Floor((b+22.5)/45.0)) % 8
	return sectors[idx]
}

// DestinationPoint returns the point reached by travelling distM meters from
// (lat, lon) along the given bearing. Used to build bounding boxes for
// spatial-index radius queries.
func DestinationPoint(lat, lon, bearingDeg, distM float64) (float64, float64) {
	ang := distM / earthRadiusM
	brg := degToRad(bearingDeg)
	lat1 := degToRad(lat)
	lon1 := degToRad(lon)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(
		math.Sin(brg)*math.Sin(ang)*math.Cos(lat1),
		math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2),
	)
	lon2 = math.Mod(lon2+3*math.Pi, 2*math.Pi) - math.Pi
	return radToDeg(lat2), radToDeg(lon2)
}

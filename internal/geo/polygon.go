package geo

import "github.com/example/ride-dispatch/internal/models"

// PointInPolygon reports whether p lies inside the polygon using the
// ray-casting rule. The polygon may be open or closed; vertices are treated
// as a ring either way. Service areas are small enough that planar lat/lon
// containment is sufficient.
func PointInPolygon(p models.Coord, polygon []models.Coord) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := polygon[i], polygon[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) {
			x := (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat) + vi.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

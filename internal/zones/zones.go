package zones

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Provider exposes the read-only boundary and zone-compatibility
// configuration maintained outside this core.
type Provider interface {
	// ServiceBoundary returns the operational polygon, or nil when no
	// boundary is configured (all positions pass).
	ServiceBoundary() []models.Coord
	// ZoneFor resolves the zone containing p.
	ZoneFor(p models.Coord) (string, bool)
	// ZoneCompatible reports whether destinations in zones a and b may be
	// chained. The second value is false when no table entry exists.
	ZoneCompatible(a, b string) (bool, bool)
}

type Zone struct {
	Name    string         `json:"name"`
	Polygon []models.Coord `json:"polygon"`
}

// Static is a Provider backed by a JSON fixture file.
type Static struct {
	Boundary []models.Coord      `json:"boundary"`
	Zones    []Zone              `json:"zones"`
	Compat   map[string][]string `json:"compatible"` // zone -> compatible zones
}

// LoadFile reads a zone configuration from path.
func LoadFile(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zones file: %w", err)
	}
	var s Static
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse zones file: %w", err)
	}
	return &s, nil
}

func (s *Static) ServiceBoundary() []models.Coord { return s.Boundary }

func (s *Static) ZoneFor(p models.Coord) (string, bool) {
	for _, z := range s.Zones {
		if geo.PointInPolygon(p, z.Polygon) {
			return z.Name, true
		}
	}
	return "", false
}

func (s *Static) ZoneCompatible(a, b string) (bool, bool) {
	if s.Compat == nil {
		return false, false
	}
	if a == b {
		// Same zone is never blocked by the table; the bearing test still
		// decides the final answer.
		return true, true
	}
	list, ok := s.Compat[a]
	if !ok {
		return false, false
	}
	for _, z := range list {
		if z == b {
			return true, true
		}
	}
	return false, true
}

// None is a Provider with no boundary and no zone table.
type None struct{}

func (None) ServiceBoundary() []models.Coord         { return nil }
func (None) ZoneFor(models.Coord) (string, bool)     { return "", false }
func (None) ZoneCompatible(a, b string) (bool, bool) { return false, false }

package zones

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func square(lat, lon, half float64) []models.Coord {
	return []models.Coord{
		{Lat: lat - half, Lon: lon - half},
		{Lat: lat - half, Lon: lon + half},
		{Lat: lat + half, Lon: lon + half},
		{Lat: lat + half, Lon: lon - half},
	}
}

func TestZoneForResolvesContainingPolygon(t *testing.T) {
	s := &Static{Zones: []Zone{
		{Name: "north", Polygon: square(40.1, -74, 0.04)},
		{Name: "south", Polygon: square(39.9, -74, 0.04)},
	}}
	if z, ok := s.ZoneFor(models.Coord{Lat: 40.1, Lon: -74}); !ok || z != "north" {
		t.Fatalf("got %q ok=%v, want north", z, ok)
	}
	if _, ok := s.ZoneFor(models.Coord{Lat: 41, Lon: -74}); ok {
		t.Fatal("point outside every zone should not resolve")
	}
}

func TestZoneCompatibleSemantics(t *testing.T) {
	s := &Static{Compat: map[string][]string{"north": {"east"}}}

	if allowed, configured := s.ZoneCompatible("north", "north"); !allowed || !configured {
		t.Fatal("same zone must always be allowed")
	}
	if allowed, configured := s.ZoneCompatible("north", "east"); !allowed || !configured {
		t.Fatal("listed pair must be allowed")
	}
	if allowed, configured := s.ZoneCompatible("north", "west"); allowed || !configured {
		t.Fatal("unlisted target under a configured source must be blocked")
	}
	if _, configured := s.ZoneCompatible("west", "north"); configured {
		t.Fatal("source absent from the table means unconfigured")
	}

	empty := &Static{}
	if _, configured := empty.ZoneCompatible("a", "b"); configured {
		t.Fatal("nil table means unconfigured")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.json")
	data := `{
		"boundary": [{"lat":39.8,"lon":-74.2},{"lat":39.8,"lon":-73.8},{"lat":40.2,"lon":-73.8},{"lat":40.2,"lon":-74.2}],
		"zones": [{"name":"center","polygon":[{"lat":39.95,"lon":-74.05},{"lat":39.95,"lon":-73.95},{"lat":40.05,"lon":-73.95},{"lat":40.05,"lon":-74.05}]}],
		"compatible": {"center": ["center"]}
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.ServiceBoundary()) != 4 {
		t.Fatalf("boundary vertices = %d, want 4", len(s.ServiceBoundary()))
	}
	if z, ok := s.ZoneFor(models.Coord{Lat: 40, Lon: -74}); !ok || z != "center" {
		t.Fatalf("got %q ok=%v, want center", z, ok)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing file must error")
	}
}

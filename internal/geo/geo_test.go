package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is roughly 111.2 km.
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestInitialBearingCardinals(t *testing.T) {
	origin := models.Coord{Lat: 0, Lon: 0}
	cases := []struct {
		to   models.Coord
		want float64
	}{
		{models.Coord{Lat: 1, Lon: 0}, 0},
		{models.Coord{Lat: 0, Lon: 1}, 90},
		{models.Coord{Lat: -1, Lon: 0}, 180},
		{models.Coord{Lat: 0, Lon: -1}, 270},
	}
	for _, c := range cases {
		got := InitialBearing(origin, c.to)
		if math.Abs(got-c.want) > 0.01 {
			t.Errorf("bearing to %+v: want %f, got %f", c.to, c.want, got)
		}
	}
}

func TestBearingDeltaWrapsAround(t *testing.T) {
	if d := BearingDelta(350, 10); math.Abs(d-20) > 1e-9 {
		t.Fatalf("expected 20, got %f", d)
	}
	if d := BearingDelta(10, 350); math.Abs(d-20) > 1e-9 {
		t.Fatalf("expected 20, got %f", d)
	}
	if d := BearingDelta(0, 180); math.Abs(d-180) > 1e-9 {
		t.Fatalf("expected 180, got %f", d)
	}
}

func TestCompassSector(t *testing.T) {
	cases := map[float64]string{
		0: "N", 44: "NE", 90: "E", 135: "SE",
		180: "S", 225: "SW", 270: "W", 315: "NW", 359: "N",
	}
	for bearing, want := range cases {
		if got := CompassSector(bearing); got != want {
			t.Errorf("sector(%f): want %s, got %s", bearing, want, got)
		}
	}
}

func TestPointInPolygon(t *testing.T) {
	square := []models.Coord{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10}, {Lat: 10, Lon: 0},
	}
	if !PointInPolygon(models.Coord{Lat: 5, Lon: 5}, square) {
		t.Fatal("center should be inside")
	}
	if PointInPolygon(models.Coord{Lat: 15, Lon: 5}, square) {
		t.Fatal("north of square should be outside")
	}
	if PointInPolygon(models.Coord{Lat: 5, Lon: 5}, square[:2]) {
		t.Fatal("degenerate polygon contains nothing")
	}
}

func TestCrossTrackPerpendicular(t *testing.T) {
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 0, Lon: 1}
	p := models.Coord{Lat: 0.01, Lon: 0.5}
	d := CrossTrackM(a, b, p)
	// 0.01 degrees of latitude is about 1.1 km.
	if math.Abs(d-1112) > 20 {
		t.Fatalf("expected ~1112m, got %f", d)
	}
	along := AlongTrackM(a, b, p)
	want := Haversine(0, 0, 0, 0.5)
	if math.Abs(along-want) > 100 {
		t.Fatalf("expected along ~%f, got %f", want, along)
	}
}

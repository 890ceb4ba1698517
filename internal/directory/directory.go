// Package directory tracks live driver state and answers the candidate
// queries the dispatch engine runs: online drivers of a vehicle class
// within a radius, with independent freshness checks on the online flag
// and the position, boundary containment and a capacity ceiling.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnknownDriver is returned for operations on a driver id that has never
// reported a position.
var ErrUnknownDriver = errors.New("unknown driver")

const (
	DefaultStalenessWindow = 5 * time.Minute
	DefaultHardRadiusM     = 500.0
	DefaultCapacity        = 5
)

// Candidate is a snapshot annotated with its distance to the query center.
type Candidate struct {
	models.DriverSnapshot
	DistanceM float64
}

// Query selects candidates around a pickup point.
type Query struct {
	Center  models.Coord
	RadiusM float64
	Class   models.VehicleClass
	Exclude map[string]bool // driver ids already offered this booking
}

// Diagnosis explains an empty candidate set so the passenger-facing layer
// can produce a precise message.
type Diagnosis int

const (
	DiagFound Diagnosis = iota
	DiagNoneOnline
	DiagClassMismatch
	DiagOutOfArea
)

func (d Diagnosis) Message() string {
	switch d {
	case DiagNoneOnline:
		return "no drivers are online right now"
	case DiagClassMismatch:
		return "no drivers of the requested vehicle class are online"
	case DiagOutOfArea:
		return "no drivers are close enough to the pickup point"
	default:
		return ""
	}
}

// Directory is implemented by the in-memory index and the Redis GEO store.
type Directory interface {
	Upsert(ctx context.Context, d models.DriverSnapshot) error
	SetOnline(ctx context.Context, driverID string, online bool) error
	Snapshot(ctx context.Context, driverID string) (models.DriverSnapshot, bool, error)

	// Active assignment bookkeeping; ActiveCount in snapshots derives from it.
	AddAssignment(ctx context.Context, driverID, bookingID string, dest models.Coord) error
	RemoveAssignment(ctx context.Context, driverID, bookingID string) error
	ActiveDestinations(ctx context.Context, driverID string) ([]models.Coord, error)

	FindCandidates(ctx context.Context, q Query) ([]Candidate, Diagnosis, error)

	// Fresh applies the staleness windows to an already-fetched snapshot,
	// for callers that re-verify a driver between a query and an offer.
	Fresh(d models.DriverSnapshot) bool
}

// Config bounds every FindCandidates call regardless of the query.
type Config struct {
	StalenessWindow time.Duration
	HardRadiusM     float64
	Capacity        int
}

func (c Config) withDefaults() Config {
	if c.StalenessWindow <= 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
	if c.HardRadiusM <= 0 {
		c.HardRadiusM = DefaultHardRadiusM
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// Fresh checks the two liveness signals independently: a fresh position
// with a stale online flag is not eligible, and vice versa. Offline drivers
// are never fresh.
func (c Config) Fresh(d models.DriverSnapshot, now time.Time) bool {
	if !d.Online {
		return false
	}
	if now.Sub(d.OnlineAt) > c.StalenessWindow {
		return false
	}
	return now.Sub(d.PositionAt) <= c.StalenessWindow
}

// effectiveRadius clamps the caller's radius to the hard outer cutoff.
func (c Config) effectiveRadius(requested float64) float64 {
	if requested <= 0 || requested > c.HardRadiusM {
		return c.HardRadiusM
	}
	return requested
}

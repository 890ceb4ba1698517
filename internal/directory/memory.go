package directory

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/rtree"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

type driverState struct {
	snap        models.DriverSnapshot
	indexed     bool
	indexedAt   [2]float64 // lon, lat of the rtree entry
	assignments map[string]models.Coord
}

// Memory is the default Directory: an R-tree point index over driver
// positions plus per-driver metadata.
type Memory struct {
	cfg    Config
	bounds zones.Provider // optional operational boundary
	now    func() time.Time

	mu      sync.RWMutex
	tree    rtree.RTreeG[string]
	drivers map[string]*driverState
}

func NewMemory(cfg Config, bounds zones.Provider) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		bounds:  bounds,
		now:     time.Now,
		drivers: make(map[string]*driverState),
	}
}

func (m *Memory) Upsert(_ context.Context, d models.DriverSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.drivers[d.ID]
	if !ok {
		st = &driverState{assignments: make(map[string]models.Coord)}
		m.drivers[d.ID] = st
	}
	now := m.now()
	if d.PositionAt.IsZero() {
		d.PositionAt = now
	}
	if d.Online && (d.OnlineAt.IsZero() || !st.snap.Online) {
		d.OnlineAt = now
	} else if d.OnlineAt.IsZero() {
		d.OnlineAt = st.snap.OnlineAt
	}
	if st.indexed {
		m.tree.Delete(st.indexedAt, st.indexedAt, d.ID)
	}
	pt := [2]float64{d.Loc.Lon, d.Loc.Lat}
	m.tree.Insert(pt, pt, d.ID)
	st.indexed = true
	st.indexedAt = pt
	st.snap = d
	return nil
}

func (m *Memory) SetOnline(_ context.Context, driverID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	st.snap.Online = online
	st.snap.OnlineAt = m.now()
	return nil
}

func (m *Memory) Snapshot(_ context.Context, driverID string) (models.DriverSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return models.DriverSnapshot{}, false, nil
	}
	return m.view(st), true, nil
}

func (m *Memory) AddAssignment(_ context.Context, driverID, bookingID string, dest models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	st.assignments[bookingID] = dest
	return nil
}

func (m *Memory) RemoveAssignment(_ context.Context, driverID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	delete(st.assignments, bookingID)
	return nil
}

func (m *Memory) ActiveDestinations(_ context.Context, driverID string) ([]models.Coord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.drivers[driverID]
	if !ok {
		return nil, nil
	}
	out := make([]models.Coord, 0, len(st.assignments))
	for _, dest := range st.assignments {
		out = append(out, dest)
	}
	return out, nil
}

func (m *Memory) FindCandidates(_ context.Context, q Query) ([]Candidate, Diagnosis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	radius := m.cfg.effectiveRadius(q.RadiusM)

	// Bounding box for the index probe; the exact haversine filter runs on
	// every hit afterwards.
	minLat, minLon := geo.DestinationPoint(q.Center.Lat, q.Center.Lon, 225, radius*1.5)
	maxLat, maxLon := geo.DestinationPoint(q.Center.Lat, q.Center.Lon, 45, radius*1.5)

	var hits []string
	m.tree.Search([2]float64{minLon, minLat}, [2]float64{maxLon, maxLat},
		func(_, _ [2]float64, id string) bool {
			hits = append(hits, id)
			return true
		})

	var (
		out          []Candidate
		anyEligible  bool // some fresh online driver exists anywhere
		anyClassFit  bool // ...and matches the requested class
	)
	for _, st := range m.drivers {
		if m.cfg.Fresh(st.snap, now) {
			anyEligible = true
			if st.snap.VehicleClass == q.Class {
				anyClassFit = true
			}
		}
	}

	for _, id := range hits {
		st := m.drivers[id]
		if st == nil || q.Exclude[id] {
			continue
		}
		snap := st.snap
		if !m.cfg.Fresh(snap, now) || snap.VehicleClass != q.Class {
			continue
		}
		if len(st.assignments) >= m.cfg.Capacity {
			continue
		}
		if b := m.boundary(); b != nil && !geo.PointInPolygon(snap.Loc, b) {
			continue
		}
		dist := geo.DistanceM(q.Center, snap.Loc)
		if dist > radius {
			continue
		}
		c := Candidate{DriverSnapshot: m.view(st), DistanceM: dist}
		out = append(out, c)
	}

	if len(out) > 0 {
		return out, DiagFound, nil
	}
	switch {
	case !anyEligible:
		return nil, DiagNoneOnline, nil
	case !anyClassFit:
		return nil, DiagClassMismatch, nil
	default:
		return nil, DiagOutOfArea, nil
	}
}

func (m *Memory) Fresh(d models.DriverSnapshot) bool {
	return m.cfg.Fresh(d, m.now())
}

func (m *Memory) boundary() []models.Coord {
	if m.bounds == nil {
		return nil
	}
	return m.bounds.ServiceBoundary()
}

func (m *Memory) view(st *driverState) models.DriverSnapshot {
	snap := st.snap
	snap.ActiveCount = len(st.assignments)
	return snap
}

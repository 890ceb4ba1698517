// Package compat decides whether a new request's destination is
// directionally compatible with a driver's existing work. The test is
// O(1) per destination pair: zone table pre-check, then a bearing
// comparison. Road topology is deliberately not consulted.
package compat

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

const DefaultBearingToleranceDeg = 45.0

type Evaluator struct {
	Zones               zones.Provider // optional; nil disables the pre-check
	BearingToleranceDeg float64
}

func New(z zones.Provider, toleranceDeg float64) *Evaluator {
	if toleranceDeg <= 0 {
		toleranceDeg = DefaultBearingToleranceDeg
	}
	return &Evaluator{Zones: z, BearingToleranceDeg: toleranceDeg}
}

// IsCompatible reports whether the candidate request may be offered to a
// driver currently heading toward activeDests. A driver with no active
// work is always compatible.
func (e *Evaluator) IsCompatible(driverPos models.Coord, activeDests []models.Coord, pickup, dest models.Coord) bool {
	for _, existing := range activeDests {
		if _, ok := e.Evaluate(driverPos, existing, pickup, dest); !ok {
			return false
		}
	}
	return true
}

// Evaluate runs the zone pre-check and bearing test for a single existing
// destination. Both bearings are taken from the candidate pickup; callers
// must not swap the reference point between the two legs.
func (e *Evaluator) Evaluate(driverPos, existingDest, pickup, candidateDest models.Coord) (models.CompatibilityContext, bool) {
	cctx := models.CompatibilityContext{
		DriverPos:     driverPos,
		ExistingDest:  existingDest,
		CandidateDest: candidateDest,
		ZoneDecision:  models.ZoneUnknown,
	}

	if e.Zones != nil {
		ez, eok := e.Zones.ZoneFor(existingDest)
		cz, cok := e.Zones.ZoneFor(candidateDest)
		if eok && cok {
			cctx.ExistingZone = ez
			cctx.CandidateZone = cz
			if allowed, configured := e.Zones.ZoneCompatible(ez, cz); configured {
				if !allowed {
					cctx.ZoneDecision = models.ZoneBlocked
					return cctx, false
				}
				// Same or allowed zone still has to pass the bearing test.
				cctx.ZoneDecision = models.ZoneAllowed
			}
		}
	}

	cctx.ExistingBearing = geo.InitialBearing(pickup, existingDest)
	cctx.CandidateBearing = geo.InitialBearing(pickup, candidateDest)
	cctx.BearingDelta = geo.BearingDelta(cctx.ExistingBearing, cctx.CandidateBearing)
	return cctx, cctx.BearingDelta <= e.BearingToleranceDeg
}

package dispatch

import (
	"sort"

	"github.com/example/ride-dispatch/internal/directory"
)

// rankCandidates orders eligible drivers for escalation. Drivers already on
// a (compatible) trip come first since adding a rider to an en-route vehicle
// is the cheaper assignment; within a tier: rating desc, then distance asc,
// then total trips asc so newer drivers get a share of work on ties.
func rankCandidates(cands []directory.Candidate) []directory.Candidate {
	out := make([]directory.Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aBusy, bBusy := a.ActiveCount > 0, b.ActiveCount > 0
		if aBusy != bBusy {
			return aBusy
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		return a.TotalTrips < b.TotalTrips
	})
	return out
}

package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehicleClass partitions the fleet; a booking is only offered to drivers
// of the requested class.
type VehicleClass string

const (
	ClassEconomy VehicleClass = "economy"
	ClassComfort VehicleClass = "comfort"
	ClassXL      VehicleClass = "xl"
)

func (v VehicleClass) Valid() bool {
	switch v {
	case ClassEconomy, ClassComfort, ClassXL:
		return true
	}
	return false
}

// FareEstimate is computed by an external collaborator and carried opaquely.
type FareEstimate struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Booking is a ride request and the authoritative record of its assignment.
// After creation it is mutated exclusively through ledger transactions.
type Booking struct {
	ID           string        `json:"id"`
	PassengerID  string        `json:"passenger_id"`
	Pickup       Coord         `json:"pickup"`
	Destination  Coord         `json:"destination"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	Fare         FareEstimate  `json:"fare"`
	RequestedAt  time.Time     `json:"requested_at"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	DriverID     string        `json:"driver_id,omitempty"`
	Status       BookingStatus `json:"status"`
	PickupETA    *time.Time    `json:"pickup_eta,omitempty"`
	CancelReason string        `json:"cancel_reason,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DriverSnapshot is a point-in-time read assembled by the directory.
// OnlineAt and PositionAt are tracked independently because the two signals
// may be written by different paths.
type DriverSnapshot struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	Online       bool         `json:"online"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Rating       float64      `json:"rating"` // 0..5
	TotalTrips   int          `json:"total_trips"`
	HeadingDeg   float64      `json:"heading_deg"`
	SpeedMps     float64      `json:"speed_mps"`
	ActiveCount  int          `json:"active_count"`
	OnlineAt     time.Time    `json:"online_at"`
	PositionAt   time.Time    `json:"position_at"`
}

// RequestRecord is one outstanding offer of a booking to a driver. Pickup,
// destination and fare are frozen at offer time so later booking edits do
// not retroactively change what the driver was shown.
type RequestRecord struct {
	ID           string        `json:"id"`
	BookingID    string        `json:"booking_id"`
	DriverID     string        `json:"driver_id"`
	PassengerID  string        `json:"passenger_id"`
	Pickup       Coord         `json:"pickup"`
	Destination  Coord         `json:"destination"`
	Fare         FareEstimate  `json:"fare"`
	ETAMinutes   int           `json:"eta_minutes"`
	Status       RequestStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	Phase1Expiry time.Time     `json:"phase1_expiry"`
	Phase2Expiry time.Time     `json:"phase2_expiry"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

// ZoneDecision is the outcome of the optional zone-level pre-check.
type ZoneDecision int

const (
	ZoneUnknown ZoneDecision = iota // no table configured or zone unresolved
	ZoneAllowed
	ZoneBlocked
)

// CompatibilityContext captures one directional evaluation. Never persisted.
type CompatibilityContext struct {
	DriverPos        Coord
	ExistingDest     Coord
	CandidateDest    Coord
	ExistingBearing  float64
	CandidateBearing float64
	BearingDelta     float64
	ExistingZone     string
	CandidateZone    string
	ZoneDecision     ZoneDecision
}

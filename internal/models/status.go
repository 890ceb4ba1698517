package models

// BookingStatus is the booking state machine. Transitions are monotone along
// a DAG; nothing re-enters Pending and terminal states stay terminal.
type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingAccepted   BookingStatus = "accepted"
	BookingArriving   BookingStatus = "driver_arriving"
	BookingArrived    BookingStatus = "driver_arrived"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
	BookingExpired    BookingStatus = "expired"
)

// bookingTransitions is the state flow as code; anything not listed is illegal.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:    {BookingAccepted, BookingCancelled, BookingExpired},
	BookingAccepted:   {BookingArriving, BookingCancelled},
	BookingArriving:   {BookingArrived, BookingCancelled},
	BookingArrived:    {BookingInProgress, BookingCancelled},
	BookingInProgress: {BookingCompleted},
}

func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s BookingStatus) Terminal() bool {
	switch s {
	case BookingCompleted, BookingCancelled, BookingExpired:
		return true
	}
	return false
}

// Assigned reports whether a driver holds this booking as an active
// assignment. DriverID must be non-empty exactly in these states.
func (s BookingStatus) Assigned() bool {
	switch s {
	case BookingAccepted, BookingArriving, BookingArrived, BookingInProgress:
		return true
	}
	return false
}

func (s BookingStatus) Cancellable() bool {
	switch s {
	case BookingPending, BookingAccepted, BookingArriving, BookingArrived:
		return true
	}
	return false
}

// EnRoute reports whether the driver has already started toward the pickup.
func (s BookingStatus) EnRoute() bool {
	return s == BookingArriving || s == BookingArrived
}

// RequestStatus is the offer state machine.
type RequestStatus string

const (
	RequestPending         RequestStatus = "pending"
	RequestSecondChance    RequestStatus = "second_chance"
	RequestAccepted        RequestStatus = "accepted"
	RequestDeclined        RequestStatus = "declined"
	RequestExpired         RequestStatus = "expired"
	RequestCancelled       RequestStatus = "cancelled"
	RequestAcceptedByOther RequestStatus = "accepted_by_other"
)

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestSecondChance, RequestAccepted, RequestDeclined,
		RequestExpired, RequestCancelled, RequestAcceptedByOther},
	RequestSecondChance: {RequestAccepted, RequestDeclined, RequestExpired,
		RequestCancelled, RequestAcceptedByOther},
}

func (s RequestStatus) CanTransition(to RequestStatus) bool {
	for _, next := range requestTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestAccepted, RequestDeclined, RequestExpired,
		RequestCancelled, RequestAcceptedByOther:
		return true
	}
	return false
}

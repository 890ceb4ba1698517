// Package ledger holds the authoritative booking state. Its transactional
// operations are the only mutation path and are linearizable per booking id:
// two concurrent TryAssign calls for the same booking never both commit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Party identifies who initiates a mutation; cancellation policy and
// counterpart notification depend on it.
type Party string

const (
	PartyPassenger Party = "passenger"
	PartyDriver    Party = "driver"
	PartySystem    Party = "system"
)

// ErrNotFound is returned when the booking id does not exist.
var ErrNotFound = errors.New("booking not found")

type RejectReason string

const (
	ReasonAlreadyCancelled  RejectReason = "already_cancelled"
	ReasonAssignedElsewhere RejectReason = "assigned_elsewhere"
	ReasonTerminal          RejectReason = "terminal"
	ReasonNotCancellable    RejectReason = "not_cancellable"
	ReasonDriverRestricted  RejectReason = "driver_cancel_restricted"
)

// RejectedError reports a transaction that lost against the booking's
// current state. It is returned synchronously and never retried here;
// the dispatch engine decides how to react.
type RejectedError struct {
	Reason RejectReason
	Status models.BookingStatus
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transition rejected (%s, status=%s)", e.Reason, e.Status)
}

// IsRace reports whether err is a concurrent-mutation rejection, i.e. the
// booking was valid but someone else won.
func IsRace(err error) bool {
	var rej *RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	switch rej.Reason {
	case ReasonAlreadyCancelled, ReasonAssignedElsewhere, ReasonTerminal:
		return true
	}
	return false
}

type CancelOutcome int

const (
	CancelCommitted CancelOutcome = iota
	// CancelAlreadyCancelled is success, not an error: the desired end
	// state already holds. Callers still run their cleanup.
	CancelAlreadyCancelled
)

type Ledger interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)

	// TryAssign atomically commits driverID onto the booking if it is still
	// assignable. Rejections carry a typed reason.
	TryAssign(ctx context.Context, bookingID, driverID string, pickupETA time.Time) (*models.Booking, error)

	// TryCancel is idempotent: cancelling an already-cancelled booking
	// reports CancelAlreadyCancelled with a nil error.
	TryCancel(ctx context.Context, bookingID, reason string, initiator Party) (CancelOutcome, *models.Booking, error)

	// MarkExpired terminates a booking that never found a driver.
	MarkExpired(ctx context.Context, bookingID string) (*models.Booking, error)

	// Advance moves an assigned booking along its progress states
	// (arriving, arrived, in progress, completed).
	Advance(ctx context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error)

	// Watch streams booking state changes for one booking id.
	Watch(bookingID string) (<-chan models.Booking, func())
}

// watchHub fans out booking updates to per-booking subscribers. Delivery is
// non-blocking; a slow subscriber drops updates rather than stalling commits.
type watchHub struct {
	mu   sync.Mutex
	subs map[string]map[chan models.Booking]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string]map[chan models.Booking]struct{})}
}

func (h *watchHub) publish(b models.Booking) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[b.ID] {
		select {
		case ch <- b:
		default:
		}
	}
}

func (h *watchHub) subscribe(bookingID string) (<-chan models.Booking, func()) {
	ch := make(chan models.Booking, 8)
	h.mu.Lock()
	if h.subs[bookingID] == nil {
		h.subs[bookingID] = make(map[chan models.Booking]struct{})
	}
	h.subs[bookingID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[bookingID], ch)
			if len(h.subs[bookingID]) == 0 {
				delete(h.subs, bookingID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

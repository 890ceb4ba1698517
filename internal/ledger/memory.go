package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type entry struct {
	mu sync.Mutex
	b  models.Booking
}

// Memory is the in-process Ledger. A per-booking mutex makes every
// read-modify-write linearizable for that booking id.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	hub     *watchHub
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		hub:     newWatchHub(),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[b.ID]; exists {
		return &RejectedError{Reason: ReasonTerminal, Status: m.entries[b.ID].b.Status}
	}
	now := m.now()
	if b.RequestedAt.IsZero() {
		b.RequestedAt = now
	}
	if b.Status == "" {
		b.Status = models.BookingPending
	}
	b.UpdatedAt = now
	m.entries[b.ID] = &entry{b: *b}
	return nil
}

func (m *Memory) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Booking, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.b
	return &b, nil
}

func (m *Memory) TryAssign(_ context.Context, bookingID, driverID string, pickupETA time.Time) (*models.Booking, error) {
	e, err := m.lookup(bookingID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Status and driver id are re-read under the lock; a stale snapshot
	// from before the call carries no authority here.
	switch {
	case e.b.Status == models.BookingCancelled:
		return nil, &RejectedError{Reason: ReasonAlreadyCancelled, Status: e.b.Status}
	case e.b.Status.Assigned():
		if e.b.DriverID == driverID {
			b := e.b
			return &b, nil
		}
		return nil, &RejectedError{Reason: ReasonAssignedElsewhere, Status: e.b.Status}
	case e.b.Status != models.BookingPending:
		return nil, &RejectedError{Reason: ReasonTerminal, Status: e.b.Status}
	}

	e.b.Status = models.BookingAccepted
	e.b.DriverID = driverID
	eta := pickupETA
	e.b.PickupETA = &eta
	e.b.UpdatedAt = m.now()
	b := e.b
	m.hub.publish(b)
	return &b, nil
}

func (m *Memory) TryCancel(_ context.Context, bookingID, reason string, initiator Party) (CancelOutcome, *models.Booking, error) {
	e, err := m.lookup(bookingID)
	if err != nil {
		return 0, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.b.Status == models.BookingCancelled {
		b := e.b
		return CancelAlreadyCancelled, &b, nil
	}
	if !e.b.Status.Cancellable() {
		return 0, nil, &RejectedError{Reason: ReasonNotCancellable, Status: e.b.Status}
	}
	if e.b.Status.EnRoute() && initiator != PartyPassenger {
		return 0, nil, &RejectedError{Reason: ReasonDriverRestricted, Status: e.b.Status}
	}

	e.b.Status = models.BookingCancelled
	e.b.CancelReason = reason
	e.b.UpdatedAt = m.now()
	b := e.b
	m.hub.publish(b)
	return CancelCommitted, &b, nil
}

func (m *Memory) MarkExpired(_ context.Context, bookingID string) (*models.Booking, error) {
	e, err := m.lookup(bookingID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.b.Status == models.BookingExpired {
		b := e.b
		return &b, nil
	}
	if e.b.Status != models.BookingPending {
		return nil, &RejectedError{Reason: ReasonTerminal, Status: e.b.Status}
	}
	e.b.Status = models.BookingExpired
	e.b.UpdatedAt = m.now()
	b := e.b
	m.hub.publish(b)
	return &b, nil
}

func (m *Memory) Advance(_ context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error) {
	e, err := m.lookup(bookingID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.b.Status.CanTransition(to) {
		return nil, &RejectedError{Reason: ReasonTerminal, Status: e.b.Status}
	}
	e.b.Status = to
	e.b.UpdatedAt = m.now()
	b := e.b
	m.hub.publish(b)
	return &b, nil
}

func (m *Memory) Watch(bookingID string) (<-chan models.Booking, func()) {
	return m.hub.subscribe(bookingID)
}

// Package offers is the per-(booking, driver) record of outstanding ride
// offers: phase expiries, terminal resolution and the driver-facing stream.
package offers

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("request record not found")
	// ErrOutstanding guards the one-non-terminal-record-per-pair invariant.
	ErrOutstanding = errors.New("outstanding offer exists for this booking and driver")
	ErrIllegal     = errors.New("illegal request status transition")
)

// DefaultStreamMaxAge bounds what the driver-facing stream surfaces.
const DefaultStreamMaxAge = time.Hour

type Store struct {
	mu        sync.RWMutex
	byID      map[string]*models.RequestRecord
	byBooking map[string][]string
	byDriver  map[string][]string
	hub       *streamHub
	maxAge    time.Duration
	now       func() time.Time
}

func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*models.RequestRecord),
		byBooking: make(map[string][]string),
		byDriver:  make(map[string][]string),
		hub:       newStreamHub(),
		maxAge:    DefaultStreamMaxAge,
		now:       time.Now,
	}
}

// Open creates a new pending record. At most one non-terminal record may
// exist per (booking, driver) pair; history accumulates as terminal records.
func (s *Store) Open(rec models.RequestRecord) (*models.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byBooking[rec.BookingID] {
		if existing := s.byID[id]; existing.DriverID == rec.DriverID && !existing.Status.Terminal() {
			return nil, ErrOutstanding
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.Status = models.RequestPending
	stored := rec
	s.byID[rec.ID] = &stored
	s.byBooking[rec.BookingID] = append(s.byBooking[rec.BookingID], rec.ID)
	s.byDriver[rec.DriverID] = append(s.byDriver[rec.DriverID], rec.ID)

	s.hub.publish(rec.DriverID, Event{Type: EventCreated, Record: rec})
	return &rec, nil
}

func (s *Store) Get(id string) (models.RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return models.RequestRecord{}, false
	}
	return *rec, true
}

// Resolve transitions a record. Signals for an already-terminal record are
// no-ops (changed == false), which absorbs duplicate decline deliveries.
func (s *Store) Resolve(id string, to models.RequestStatus) (models.RequestRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return models.RequestRecord{}, false, ErrNotFound
	}
	if rec.Status.Terminal() {
		return *rec, false, nil
	}
	if !rec.Status.CanTransition(to) {
		return *rec, false, ErrIllegal
	}
	s.transition(rec, to)
	return *rec, true, nil
}

// transition mutates under the store lock and emits the stream event.
func (s *Store) transition(rec *models.RequestRecord, to models.RequestStatus) {
	rec.Status = to
	if to.Terminal() {
		t := s.now()
		rec.ResolvedAt = &t
	}
	ev := Event{Type: EventUpdated, Record: *rec}
	if to == models.RequestCancelled {
		// Cancelled offers disappear from the driver view immediately.
		ev.Type = EventRemoved
	}
	s.hub.publish(rec.DriverID, ev)
}

// Outstanding returns the non-terminal records for a booking.
func (s *Store) Outstanding(bookingID string) []models.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RequestRecord
	for _, id := range s.byBooking[bookingID] {
		if rec := s.byID[id]; !rec.Status.Terminal() {
			out = append(out, *rec)
		}
	}
	return out
}

// History returns every record ever opened for a booking.
func (s *Store) History(bookingID string) []models.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RequestRecord, 0, len(s.byBooking[bookingID]))
	for _, id := range s.byBooking[bookingID] {
		out = append(out, *s.byID[id])
	}
	return out
}

// CloseOthers terminally closes every non-terminal record of the booking
// except acceptedID, marking them accepted-by-other for the losing drivers.
func (s *Store) CloseOthers(bookingID, acceptedID string) []models.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []models.RequestRecord
	for _, id := range s.byBooking[bookingID] {
		rec := s.byID[id]
		if id == acceptedID || rec.Status.Terminal() {
			continue
		}
		s.transition(rec, models.RequestAcceptedByOther)
		closed = append(closed, *rec)
	}
	return closed
}

// CancelForBooking closes every non-terminal record of a cancelled booking
// so no dangling offer stays visible to any driver.
func (s *Store) CancelForBooking(bookingID string) []models.RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []models.RequestRecord
	for _, id := range s.byBooking[bookingID] {
		rec := s.byID[id]
		if rec.Status.Terminal() {
			continue
		}
		s.transition(rec, models.RequestCancelled)
		closed = append(closed, *rec)
	}
	return closed
}

// Sweep applies phase expiries: pending records past phase-1 become
// second-chance, and any non-terminal record past phase-2 expires.
func (s *Store) Sweep(now time.Time) (secondChance, expired []models.RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.byID {
		if rec.Status.Terminal() {
			continue
		}
		if !now.Before(rec.Phase2Expiry) {
			s.transition(rec, models.RequestExpired)
			expired = append(expired, *rec)
			continue
		}
		if rec.Status == models.RequestPending && !now.Before(rec.Phase1Expiry) {
			s.transition(rec, models.RequestSecondChance)
			secondChance = append(secondChance, *rec)
		}
	}
	return secondChance, expired
}

// PruneTerminal drops terminal records resolved before the cutoff.
// Housekeeping only; non-terminal records are never deleted.
func (s *Store) PruneTerminal(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for id, rec := range s.byID {
		if !rec.Status.Terminal() || rec.ResolvedAt == nil || rec.ResolvedAt.After(cutoff) {
			continue
		}
		delete(s.byID, id)
		s.byBooking[rec.BookingID] = removeID(s.byBooking[rec.BookingID], id)
		s.byDriver[rec.DriverID] = removeID(s.byDriver[rec.DriverID], id)
		removed++
	}
	return removed
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

package offers

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event is one entry on a driver's offer stream.
type Event struct {
	Type   EventType            `json:"type"`
	Record models.RequestRecord `json:"record"`
}

// streamHub fans events out per driver id. Sends never block; a stalled
// consumer loses events and re-syncs from Backlog on reconnect.
type streamHub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newStreamHub() *streamHub {
	return &streamHub{subs: make(map[string]map[chan Event]struct{})}
}

func (h *streamHub) publish(driverID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[driverID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe opens a driver's offer stream.
func (s *Store) Subscribe(driverID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	h := s.hub
	h.mu.Lock()
	if h.subs[driverID] == nil {
		h.subs[driverID] = make(map[chan Event]struct{})
	}
	h.subs[driverID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[driverID], ch)
			if len(h.subs[driverID]) == 0 {
				delete(h.subs, driverID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// HasSubscriber reports whether any consumer is attached to the driver's
// stream right now. The dispatch engine treats an offer to a driver with no
// attached stream as undeliverable.
func (s *Store) HasSubscriber(driverID string) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return len(s.hub.subs[driverID]) > 0
}

// PublishRemoval pushes a removal event for a booking that is no longer
// relevant to the driver (e.g. cancelled after acceptance).
func (s *Store) PublishRemoval(driverID, bookingID string) {
	s.hub.publish(driverID, Event{
		Type:   EventRemoved,
		Record: models.RequestRecord{BookingID: bookingID, DriverID: driverID},
	})
}

// Backlog returns the driver's current view: non-cancelled records younger
// than the stream max age. Cancelled records are never surfaced.
func (s *Store) Backlog(driverID string) []models.RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.maxAge)
	var out []models.RequestRecord
	for _, id := range s.byDriver[driverID] {
		rec := s.byID[id]
		if rec.Status == models.RequestCancelled || rec.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

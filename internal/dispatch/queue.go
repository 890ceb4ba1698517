package dispatch

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// queuedBooking is a booking parked because no eligible driver existed at
// creation time. It waits for a driver-online event or the queue TTL.
type queuedBooking struct {
	booking   models.Booking
	queuedAt  time.Time
	expiresAt time.Time
}

// waitQueue holds pending bookings with no candidates yet. Entries leave by
// a driver coming online nearby, passenger cancellation, or TTL expiry.
type waitQueue struct {
	mu      sync.Mutex
	entries map[string]queuedBooking
}

func newWaitQueue() *waitQueue {
	return &waitQueue{entries: make(map[string]queuedBooking)}
}

func (q *waitQueue) add(b models.Booking, now time.Time, ttl time.Duration) {
	q.mu.Lock()
	q.entries[b.ID] = queuedBooking{booking: b, queuedAt: now, expiresAt: now.Add(ttl)}
	observability.QueueDepth.Set(float64(len(q.entries)))
	q.mu.Unlock()
}

func (q *waitQueue) remove(bookingID string) bool {
	q.mu.Lock()
	_, ok := q.entries[bookingID]
	if ok {
		delete(q.entries, bookingID)
		observability.QueueDepth.Set(float64(len(q.entries)))
	}
	q.mu.Unlock()
	return ok
}

func (q *waitQueue) contains(bookingID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[bookingID]
	return ok
}

// snapshot returns the live entries, oldest first.
func (q *waitQueue) snapshot(now time.Time) []queuedBooking {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queuedBooking, 0, len(q.entries))
	for _, e := range q.entries {
		if now.Before(e.expiresAt) {
			out = append(out, e)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].queuedAt.Before(out[j-1].queuedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// expire removes and returns entries past their TTL.
func (q *waitQueue) expire(now time.Time) []queuedBooking {
	q.mu.Lock()
	defer q.mu.Unlock()
	var dead []queuedBooking
	for id, e := range q.entries {
		if !now.Before(e.expiresAt) {
			dead = append(dead, e)
			delete(q.entries, id)
		}
	}
	observability.QueueDepth.Set(float64(len(q.entries)))
	return dead
}

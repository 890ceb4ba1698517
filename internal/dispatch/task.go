package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// matchTask matches one booking. Its context owns every timer and listener
// it creates; cancelling the task (accept committed, booking cancelled,
// engine shutdown) releases all of them at once.
type matchTask struct {
	engine  *Engine
	booking models.Booking
	ctx     context.Context
	cancel  context.CancelFunc
	rescan  chan struct{} // driver-online nudges, consumed while draining
}

type offerOutcome int

const (
	outcomeAccepted offerOutcome = iota
	outcomeDeclined
	outcomeTimedOut
	outcomeSkipped // record could not be opened or delivered
	outcomeHalted  // task context cancelled mid-offer
)

func (t *matchTask) run() {
	e := t.engine
	defer e.wg.Done()
	defer e.removeTask(t.booking.ID)
	defer t.cancel()

	if !t.waitUntilScheduled() {
		return
	}

	radius := e.cfg.InitialRadiusM
	offered := make(map[string]bool)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			radius *= e.cfg.RadiusGrowth
		}
		if t.ctx.Err() != nil {
			return
		}
		cands, diag, err := e.dir.FindCandidates(t.ctx, directory.Query{
			Center:  t.booking.Pickup,
			RadiusM: radius,
			Class:   t.booking.VehicleClass,
			Exclude: offered,
		})
		if err != nil {
			e.log.Warn("candidate query failed",
				"booking_id", t.booking.ID, "attempt", attempt, "error", err)
		}

		var eligible []directory.Candidate
		for _, c := range cands {
			if e.compatible(t.ctx, c.DriverSnapshot, t.booking) {
				eligible = append(eligible, c)
			}
		}

		if len(eligible) == 0 && len(offered) == 0 && attempt == 1 {
			// Nobody to ask at all: park the booking and wait for a driver
			// to come online.
			e.log.Info("no eligible drivers, queueing",
				"booking_id", t.booking.ID, "diagnosis", diag.Message())
			e.queue.add(t.booking, time.Now(), e.cfg.QueueTTL)
			return
		}

		if t.offerRound(eligible, offered) {
			return
		}
	}
	t.awaitSecondChances(radius, offered)
}

// offerRound walks the ranked candidates, re-verifying each immediately
// before its offer. It reports whether matching finished.
func (t *matchTask) offerRound(eligible []directory.Candidate, offered map[string]bool) bool {
	for _, c := range rankCandidates(eligible) {
		if t.ctx.Err() != nil {
			return true
		}
		// State may have shifted since the query; re-verify right before
		// committing to the offer.
		if !t.recheck(c.ID) {
			continue
		}
		outcome := t.offerTo(c.DriverSnapshot)
		if outcome != outcomeSkipped {
			// A skipped driver never saw the offer and stays retryable.
			offered[c.ID] = true
		}
		switch outcome {
		case outcomeAccepted, outcomeHalted:
			return true
		}
		observability.Escalations.Inc()
	}
	return false
}

// waitUntilScheduled blocks until the booking's scheduled time, if any.
// Returns false if the task was cancelled while waiting.
func (t *matchTask) waitUntilScheduled() bool {
	if t.booking.ScheduledAt == nil {
		return true
	}
	wait := time.Until(*t.booking.ScheduledAt)
	if wait <= 0 {
		return true
	}
	select {
	case <-t.ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

// recheck re-reads the driver immediately before an offer: still fresh on
// both liveness signals, still under capacity, still directionally
// compatible.
func (t *matchTask) recheck(driverID string) bool {
	e := t.engine
	snap, ok, err := e.dir.Snapshot(t.ctx, driverID)
	if err != nil || !ok || !e.dir.Fresh(snap) {
		return false
	}
	if snap.ActiveCount >= e.cfg.DriverCapacity {
		return false
	}
	return e.compatible(t.ctx, snap, t.booking)
}

// offerTo opens a request record for the driver, delivers it and waits for
// a response or the phase-1 timeout. On timeout the record enters its
// second-chance window while matching moves on.
func (t *matchTask) offerTo(d models.DriverSnapshot) offerOutcome {
	e := t.engine
	now := time.Now()
	rec, err := e.offers.Open(models.RequestRecord{
		BookingID:    t.booking.ID,
		DriverID:     d.ID,
		PassengerID:  t.booking.PassengerID,
		Pickup:       t.booking.Pickup,
		Destination:  t.booking.Destination,
		Fare:         t.booking.Fare,
		ETAMinutes:   t.estimateETA(d),
		CreatedAt:    now,
		Phase1Expiry: now.Add(e.cfg.Phase1Timeout),
		Phase2Expiry: now.Add(e.cfg.Phase1Timeout + e.cfg.SecondChanceTimeout),
	})
	if err != nil {
		e.log.Warn("open offer", "booking_id", t.booking.ID, "driver_id", d.ID, "error", err)
		return outcomeSkipped
	}
	ch := e.registerSignal(rec.ID)
	defer e.unregisterSignal(rec.ID)

	if nerr := e.notifier.OfferRide(t.ctx, d.ID, *rec); nerr != nil {
		// Undeliverable offers escalate immediately; the record is closed
		// so it never surfaces to the driver later.
		observability.DeliveryFailures.Inc()
		e.log.Warn("offer delivery failed",
			"booking_id", t.booking.ID, "driver_id", d.ID, "request_id", rec.ID, "error", nerr)
		if _, _, rerr := e.offers.Resolve(rec.ID, models.RequestCancelled); rerr != nil {
			e.log.Warn("close undelivered offer", "request_id", rec.ID, "error", rerr)
		}
		return outcomeSkipped
	}
	observability.OffersSent.Inc()
	e.log.Info("offer sent",
		"booking_id", t.booking.ID, "driver_id", d.ID,
		"request_id", rec.ID, "eta_minutes", rec.ETAMinutes)

	timer := time.NewTimer(e.cfg.Phase1Timeout)
	defer timer.Stop()
	select {
	case <-t.ctx.Done():
		return outcomeHalted
	case s := <-ch:
		if s == signalAccepted {
			return outcomeAccepted
		}
		e.log.Info("offer declined", "request_id", rec.ID, "driver_id", d.ID)
		return outcomeDeclined
	case <-timer.C:
		if _, changed, _ := e.offers.Resolve(rec.ID, models.RequestSecondChance); changed {
			e.log.Info("offer entered second chance window",
				"request_id", rec.ID, "driver_id", d.ID)
		}
		return outcomeTimedOut
	}
}

func (t *matchTask) estimateETA(d models.DriverSnapshot) int {
	minutes, err := t.engine.eta.EstimateArrival(t.ctx, d.Loc, t.booking.Pickup)
	if err != nil || minutes <= 0 {
		return 5
	}
	return minutes
}

// awaitSecondChances holds the booking open until every outstanding offer
// resolves, then terminalizes it as expired. A late accept during this wait
// cancels the task via the engine; a driver-online nudge re-runs the
// candidate search so drivers arriving after the attempts exhausted are
// still considered.
func (t *matchTask) awaitSecondChances(radius float64, offered map[string]bool) {
	e := t.engine
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for len(e.offers.Outstanding(t.booking.ID)) > 0 {
		select {
		case <-t.ctx.Done():
			return
		case <-t.rescan:
			if t.lateRound(radius, offered) {
				return
			}
		case now := <-ticker.C:
			_, expired := e.offers.Sweep(now)
			for range expired {
				observability.OffersExpired.Inc()
			}
		}
	}
	if t.ctx.Err() != nil {
		return
	}
	if _, err := e.ledger.MarkExpired(t.ctx, t.booking.ID); err != nil {
		if !errors.Is(err, ledger.ErrNotFound) && !ledger.IsRace(err) {
			e.log.Warn("expire booking", "booking_id", t.booking.ID, "error", err)
		}
		return
	}
	observability.BookingsExpired.Inc()
	e.log.Info("booking expired unmatched", "booking_id", t.booking.ID)
}

// lateRound offers to drivers who became eligible after the attempt loop
// finished, at the widest radius the attempts reached.
func (t *matchTask) lateRound(radius float64, offered map[string]bool) bool {
	e := t.engine
	cands, _, err := e.dir.FindCandidates(t.ctx, directory.Query{
		Center:  t.booking.Pickup,
		RadiusM: radius,
		Class:   t.booking.VehicleClass,
		Exclude: offered,
	})
	if err != nil {
		e.log.Warn("late candidate query failed", "booking_id", t.booking.ID, "error", err)
		return false
	}
	var eligible []directory.Candidate
	for _, c := range cands {
		if e.compatible(t.ctx, c.DriverSnapshot, t.booking) {
			eligible = append(eligible, c)
		}
	}
	return t.offerRound(eligible, offered)
}

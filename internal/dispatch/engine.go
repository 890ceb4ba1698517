// Package dispatch runs the matching workflow: candidate search, ranked
// escalation through two-phase offers, queueing when nobody is eligible,
// and the accept/decline/cancel entry points that resolve races through
// the booking ledger.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/compat"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/zones"
)

var (
	ErrOutsideServiceArea = errors.New("destination outside service area")
	ErrInvalidClass       = errors.New("unknown vehicle class")
	ErrOfferNotFound      = errors.New("offer not found")
	ErrWrongDriver        = errors.New("offer belongs to a different driver")
	// ErrOfferClosed means the offer already reached a terminal state
	// (expired, accepted by another driver, or cancelled).
	ErrOfferClosed = errors.New("offer no longer open")
)

// Config is the dispatch policy. Zero fields fall back to defaults so tests
// can set only what they exercise.
type Config struct {
	Phase1Timeout       time.Duration // driver-exclusive response window
	SecondChanceTimeout time.Duration // grace window after escalation
	InitialRadiusM      float64
	RadiusGrowth        float64
	MaxAttempts         int
	QueueTTL            time.Duration
	DriverCapacity      int
	SweepInterval       time.Duration
	QueueRescanInterval time.Duration // retry queued bookings against the directory
	NotFoundRetryDelay  time.Duration // absorbs create/accept ordering races
}

func (c Config) withDefaults() Config {
	if c.Phase1Timeout <= 0 {
		c.Phase1Timeout = 30 * time.Second
	}
	if c.SecondChanceTimeout <= 0 {
		c.SecondChanceTimeout = 180 * time.Second
	}
	if c.InitialRadiusM <= 0 {
		c.InitialRadiusM = 200
	}
	if c.RadiusGrowth <= 1 {
		c.RadiusGrowth = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = 5 * time.Minute
	}
	if c.DriverCapacity <= 0 {
		c.DriverCapacity = directory.DefaultCapacity
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.QueueRescanInterval <= 0 {
		c.QueueRescanInterval = 5 * time.Second
	}
	if c.NotFoundRetryDelay <= 0 {
		c.NotFoundRetryDelay = 100 * time.Millisecond
	}
	return c
}

// Deps are the engine's collaborators. Fares and ETA are optional.
type Deps struct {
	Directory directory.Directory
	Ledger    ledger.Ledger
	Offers    *offers.Store
	Compat    *compat.Evaluator
	Zones     zones.Provider
	ETA       eta.Estimator
	Notifier  Notifier
	Fares     payments.FareAuthorizer
	Logger    *slog.Logger
}

type Engine struct {
	cfg      Config
	dir      directory.Directory
	ledger   ledger.Ledger
	offers   *offers.Store
	compat   *compat.Evaluator
	zones    zones.Provider
	eta      eta.Estimator
	notifier Notifier
	fares    payments.FareAuthorizer
	log      *slog.Logger

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*matchTask  // bookingID -> running matcher
	signals map[string]chan signal // requestID -> current offer waiter
	holds   map[string]string      // bookingID -> fare hold id
	queue   *waitQueue
}

type signal int

const (
	signalAccepted signal = iota
	signalDeclined
)

func New(cfg Config, d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ETA == nil {
		d.ETA = eta.Static{}
	}
	root, stop := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg.withDefaults(),
		dir:      d.Directory,
		ledger:   d.Ledger,
		offers:   d.Offers,
		compat:   d.Compat,
		zones:    d.Zones,
		eta:      d.ETA,
		notifier: d.Notifier,
		fares:    d.Fares,
		log:      d.Logger,
		root:     root,
		stop:     stop,
		tasks:    make(map[string]*matchTask),
		signals:  make(map[string]chan signal),
		holds:    make(map[string]string),
		queue:    newWaitQueue(),
	}
}

// Start launches the background janitor. It returns immediately.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.janitor()
}

// Close cancels every running matching task and waits for them to drain.
func (e *Engine) Close() {
	e.stop()
	e.wg.Wait()
}

// Dispatch persists a new booking and begins matching it. Scheduled
// bookings are held until their scheduled time inside the task.
func (e *Engine) Dispatch(ctx context.Context, b *models.Booking) error {
	if !b.VehicleClass.Valid() {
		return ErrInvalidClass
	}
	if boundary := e.boundary(); boundary != nil {
		if !geo.PointInPolygon(b.Destination, boundary) || !geo.PointInPolygon(b.Pickup, boundary) {
			return ErrOutsideServiceArea
		}
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.RequestedAt.IsZero() {
		b.RequestedAt = time.Now()
	}
	if err := e.ledger.Create(ctx, b); err != nil {
		return err
	}
	e.startTask(*b)
	return nil
}

func (e *Engine) boundary() []models.Coord {
	if e.zones == nil {
		return nil
	}
	return e.zones.ServiceBoundary()
}

// startTask begins (or restarts) the matching goroutine for a booking.
// At most one task runs per booking id.
func (e *Engine) startTask(b models.Booking) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.tasks[b.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(e.root)
	t := &matchTask{engine: e, booking: b, ctx: ctx, cancel: cancel,
		rescan: make(chan struct{}, 1)}
	e.tasks[b.ID] = t
	e.wg.Add(1)
	go t.run()
}

func (e *Engine) stopTask(bookingID string) {
	e.mu.Lock()
	t := e.tasks[bookingID]
	e.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

func (e *Engine) removeTask(bookingID string) {
	e.mu.Lock()
	delete(e.tasks, bookingID)
	e.mu.Unlock()
}

func (e *Engine) registerSignal(requestID string) chan signal {
	ch := make(chan signal, 4)
	e.mu.Lock()
	e.signals[requestID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Engine) unregisterSignal(requestID string) {
	e.mu.Lock()
	delete(e.signals, requestID)
	e.mu.Unlock()
}

func (e *Engine) notifySignal(requestID string, s signal) {
	e.mu.Lock()
	ch := e.signals[requestID]
	e.mu.Unlock()
	if ch != nil {
		select {
		case ch <- s:
		default:
		}
	}
}

// Accept commits an offer. Exactly one Accept per booking can ever succeed;
// losers get a typed rejection explaining what beat them.
func (e *Engine) Accept(ctx context.Context, requestID, driverID string) (*models.Booking, error) {
	rec, ok := e.offers.Get(requestID)
	if !ok {
		return nil, ErrOfferNotFound
	}
	if rec.DriverID != driverID {
		return nil, ErrWrongDriver
	}
	if rec.Status.Terminal() {
		return nil, ErrOfferClosed
	}

	pickupETA := time.Now().Add(time.Duration(rec.ETAMinutes) * time.Minute)
	b, err := e.ledger.TryAssign(ctx, rec.BookingID, driverID, pickupETA)
	if errors.Is(err, ledger.ErrNotFound) {
		// The create may still be in flight on another path; one retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.NotFoundRetryDelay):
		}
		b, err = e.ledger.TryAssign(ctx, rec.BookingID, driverID, pickupETA)
	}
	if err != nil {
		if ledger.IsRace(err) {
			observability.LedgerConflicts.Inc()
			e.resolveLostAccept(rec.ID, err)
		}
		return nil, err
	}

	if _, _, rerr := e.offers.Resolve(rec.ID, models.RequestAccepted); rerr != nil {
		e.log.Warn("resolve accepted offer", "request_id", rec.ID, "error", rerr)
	}
	e.offers.CloseOthers(rec.BookingID, rec.ID)
	if aerr := e.dir.AddAssignment(ctx, driverID, rec.BookingID, rec.Destination); aerr != nil {
		e.log.Warn("record assignment", "driver_id", driverID, "booking_id", rec.BookingID, "error", aerr)
	}
	e.holdFare(ctx, b)

	observability.OffersAccepted.Inc()
	observability.MatchLatency.Observe(time.Since(b.RequestedAt).Seconds())
	e.notifySignal(rec.ID, signalAccepted)
	e.stopTask(rec.BookingID)
	e.log.Info("assignment committed",
		"booking_id", b.ID, "driver_id", driverID, "request_id", rec.ID)
	return b, nil
}

// resolveLostAccept closes the offer record to mirror why the ledger
// rejected the commit.
func (e *Engine) resolveLostAccept(requestID string, err error) {
	var rej *ledger.RejectedError
	if !errors.As(err, &rej) {
		return
	}
	to := models.RequestExpired
	switch rej.Reason {
	case ledger.ReasonAlreadyCancelled:
		to = models.RequestCancelled
	case ledger.ReasonAssignedElsewhere:
		to = models.RequestAcceptedByOther
	}
	if _, _, rerr := e.offers.Resolve(requestID, to); rerr != nil && !errors.Is(rerr, offers.ErrNotFound) {
		e.log.Warn("resolve lost offer", "request_id", requestID, "error", rerr)
	}
}

// Decline resolves an offer negatively and wakes the matching task so it
// escalates without waiting out the phase-1 timer. Duplicate declines and
// declines of already-terminal offers are no-ops.
func (e *Engine) Decline(ctx context.Context, requestID, driverID string) error {
	rec, ok := e.offers.Get(requestID)
	if !ok {
		return ErrOfferNotFound
	}
	if rec.DriverID != driverID {
		return ErrWrongDriver
	}
	_, changed, err := e.offers.Resolve(requestID, models.RequestDeclined)
	if err != nil {
		if errors.Is(err, offers.ErrIllegal) {
			return ErrOfferClosed
		}
		return err
	}
	if changed {
		observability.OffersDeclined.Inc()
		e.notifySignal(requestID, signalDeclined)
	}
	return nil
}

// CancelBooking runs the cancellation transaction and, on success, tears
// down everything attached to the booking: the matching task, outstanding
// offers, the queue entry, the fare hold, and the assigned driver's slot.
// The counterpart is notified only when they did not initiate.
func (e *Engine) CancelBooking(ctx context.Context, bookingID, reason string, initiator ledger.Party) (ledger.CancelOutcome, *models.Booking, error) {
	outcome, b, err := e.ledger.TryCancel(ctx, bookingID, reason, initiator)
	if err != nil {
		if ledger.IsRace(err) {
			observability.LedgerConflicts.Inc()
		}
		return outcome, nil, err
	}

	e.stopTask(bookingID)
	e.queue.remove(bookingID)
	e.offers.CancelForBooking(bookingID)
	e.releaseFare(ctx, bookingID)
	if b.DriverID != "" {
		if rerr := e.dir.RemoveAssignment(ctx, b.DriverID, bookingID); rerr != nil {
			e.log.Warn("remove assignment", "driver_id", b.DriverID, "booking_id", bookingID, "error", rerr)
		}
		if initiator != ledger.PartyDriver {
			if nerr := e.notifier.BookingCancelled(ctx, b.DriverID, bookingID); nerr != nil {
				e.log.Warn("notify driver of cancellation", "driver_id", b.DriverID, "error", nerr)
			}
		}
	}
	e.log.Info("booking cancelled",
		"booking_id", bookingID, "initiator", string(initiator), "outcome", int(outcome))
	return outcome, b, nil
}

// Advance moves an assigned booking along its progress states. Completion
// frees the driver's capacity slot and captures the fare hold.
func (e *Engine) Advance(ctx context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error) {
	b, err := e.ledger.Advance(ctx, bookingID, to)
	if err != nil {
		return nil, err
	}
	if to == models.BookingCompleted && b.DriverID != "" {
		if rerr := e.dir.RemoveAssignment(ctx, b.DriverID, bookingID); rerr != nil {
			e.log.Warn("remove assignment", "driver_id", b.DriverID, "booking_id", bookingID, "error", rerr)
		}
		e.captureFare(ctx, bookingID)
	}
	return b, nil
}

// pokeTasks nudges every running matcher to re-run its candidate search.
// A task blocked on an open offer picks the nudge up once it reaches its
// second-chance drain; the buffer keeps the nudge from being lost.
func (e *Engine) pokeTasks() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		select {
		case t.rescan <- struct{}{}:
		default:
		}
	}
}

// DriverOnline rescans the wait queue for the newly available driver,
// restarts matching for every entry the driver could serve, and nudges
// running matchers so pending bookings whose attempts already exhausted
// get another look too.
func (e *Engine) DriverOnline(ctx context.Context, driverID string) {
	snap, ok, err := e.dir.Snapshot(ctx, driverID)
	if err != nil || !ok || !snap.Online {
		return
	}
	now := time.Now()
	for _, entry := range e.queue.snapshot(now) {
		cands, _, err := e.dir.FindCandidates(ctx, directory.Query{
			Center: entry.booking.Pickup,
			Class:  entry.booking.VehicleClass,
		})
		if err != nil {
			e.log.Warn("queue rescan", "booking_id", entry.booking.ID, "error", err)
			continue
		}
		for _, c := range cands {
			if c.ID != driverID {
				continue
			}
			if !e.compatible(ctx, c.DriverSnapshot, entry.booking) {
				break
			}
			if e.queue.remove(entry.booking.ID) {
				e.log.Info("queued booking rematched",
					"booking_id", entry.booking.ID, "driver_id", driverID)
				e.startTask(entry.booking)
			}
			break
		}
	}
	e.pokeTasks()
}

// compatible re-runs the directional check against the driver's current
// active destinations.
func (e *Engine) compatible(ctx context.Context, snap models.DriverSnapshot, b models.Booking) bool {
	if e.compat == nil {
		return true
	}
	dests, err := e.dir.ActiveDestinations(ctx, snap.ID)
	if err != nil {
		e.log.Warn("active destinations", "driver_id", snap.ID, "error", err)
		return false
	}
	return e.compat.IsCompatible(snap.Loc, dests, b.Pickup, b.Destination)
}

// Queued reports whether the booking is parked in the wait queue.
func (e *Engine) Queued(bookingID string) bool {
	return e.queue.contains(bookingID)
}

func (e *Engine) holdFare(ctx context.Context, b *models.Booking) {
	if e.fares == nil || b.Fare.Amount <= 0 {
		return
	}
	holdID, err := e.fares.Hold(ctx, b.ID, b.PassengerID, b.Fare)
	if err != nil {
		e.log.Warn("fare hold failed", "booking_id", b.ID, "error", err)
		return
	}
	e.mu.Lock()
	e.holds[b.ID] = holdID
	e.mu.Unlock()
}

func (e *Engine) releaseFare(ctx context.Context, bookingID string) {
	if holdID := e.takeHold(bookingID); holdID != "" {
		if err := e.fares.Release(ctx, holdID); err != nil {
			e.log.Warn("fare release failed", "booking_id", bookingID, "error", err)
		}
	}
}

func (e *Engine) captureFare(ctx context.Context, bookingID string) {
	if holdID := e.takeHold(bookingID); holdID != "" {
		if err := e.fares.Capture(ctx, holdID); err != nil {
			e.log.Warn("fare capture failed", "booking_id", bookingID, "error", err)
		}
	}
}

func (e *Engine) takeHold(bookingID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	holdID := e.holds[bookingID]
	delete(e.holds, bookingID)
	return holdID
}

// janitor periodically applies offer phase expiries and queue TTLs, and
// retries queued bookings against the directory. The retry matters when
// location ingest runs in a separate process (kafka + redis) and no
// driver-online hook fires locally.
func (e *Engine) janitor() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	var lastRescan time.Time
	for {
		select {
		case <-e.root.Done():
			return
		case now := <-ticker.C:
			_, expired := e.offers.Sweep(now)
			for range expired {
				observability.OffersExpired.Inc()
			}
			for _, entry := range e.queue.expire(now) {
				if _, err := e.ledger.MarkExpired(context.Background(), entry.booking.ID); err != nil {
					e.log.Warn("expire queued booking", "booking_id", entry.booking.ID, "error", err)
					continue
				}
				observability.BookingsExpired.Inc()
				e.log.Info("queued booking expired", "booking_id", entry.booking.ID)
			}
			if now.Sub(lastRescan) >= e.cfg.QueueRescanInterval {
				lastRescan = now
				e.rescanQueue(now)
			}
		}
	}
}

// rescanQueue restarts matching for queued bookings that have candidates
// again, and nudges draining matchers for the same reason.
func (e *Engine) rescanQueue(now time.Time) {
	defer e.pokeTasks()
	ctx := e.root
	for _, entry := range e.queue.snapshot(now) {
		cands, _, err := e.dir.FindCandidates(ctx, directory.Query{
			Center: entry.booking.Pickup,
			Class:  entry.booking.VehicleClass,
		})
		if err != nil || len(cands) == 0 {
			continue
		}
		eligible := false
		for _, c := range cands {
			if e.compatible(ctx, c.DriverSnapshot, entry.booking) {
				eligible = true
				break
			}
		}
		if eligible && e.queue.remove(entry.booking.ID) {
			e.log.Info("queued booking rematched", "booking_id", entry.booking.ID)
			e.startTask(entry.booking)
		}
	}
}

package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/compat"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
)

var testCenter = models.Coord{Lat: 40.0, Lon: -74.0}

// metersPerDegreeLat approximates small north/south offsets around the test
// center.
const metersPerDegreeLat = 111195.0

func northOf(p models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: p.Lat + meters/metersPerDegreeLat, Lon: p.Lon}
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered []models.RequestRecord
	attempts  map[string]int // per driver, counting failed deliveries too
	fail      map[string]bool
	cancelled []string
}

func (f *fakeNotifier) OfferRide(_ context.Context, driverID string, rec models.RequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[driverID]++
	if f.fail[driverID] {
		return ErrNotConnected
	}
	f.delivered = append(f.delivered, rec)
	return nil
}

func (f *fakeNotifier) BookingCancelled(_ context.Context, driverID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, driverID)
	return nil
}

func (f *fakeNotifier) attemptCount(driverID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[driverID]
}

func (f *fakeNotifier) offers() []models.RequestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.RequestRecord, len(f.delivered))
	copy(out, f.delivered)
	return out
}

type testEnv struct {
	engine *Engine
	dir    *directory.Memory
	ledger *ledger.Memory
	offers *offers.Store
	notif  *fakeNotifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	dir := directory.NewMemory(directory.Config{HardRadiusM: 2000}, nil)
	led := ledger.NewMemory()
	st := offers.NewStore()
	notif := &fakeNotifier{attempts: make(map[string]int), fail: make(map[string]bool)}
	eng := New(cfg, Deps{
		Directory: dir,
		Ledger:    led,
		Offers:    st,
		Compat:    compat.New(nil, 45),
		ETA:       eta.Static{Minutes: 4},
		Notifier:  notif,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	eng.Start()
	t.Cleanup(eng.Close)
	return &testEnv{engine: eng, dir: dir, ledger: led, offers: st, notif: notif}
}

func fastConfig() Config {
	return Config{
		Phase1Timeout:       60 * time.Millisecond,
		SecondChanceTimeout: 2 * time.Second,
		InitialRadiusM:      1500,
		RadiusGrowth:        2,
		MaxAttempts:         3,
		QueueTTL:            time.Minute,
		DriverCapacity:      5,
		SweepInterval:       20 * time.Millisecond,
		NotFoundRetryDelay:  10 * time.Millisecond,
	}
}

func (env *testEnv) addDriver(t *testing.T, id string, northM, rating float64, trips int) {
	t.Helper()
	err := env.dir.Upsert(context.Background(), models.DriverSnapshot{
		ID:           id,
		Loc:          northOf(testCenter, northM),
		Online:       true,
		VehicleClass: models.ClassEconomy,
		Rating:       rating,
		TotalTrips:   trips,
	})
	require.NoError(t, err)
}

func (env *testEnv) dispatch(t *testing.T, destNorthM float64) *models.Booking {
	t.Helper()
	b := &models.Booking{
		PassengerID:  "p1",
		Pickup:       testCenter,
		Destination:  northOf(testCenter, destNorthM),
		VehicleClass: models.ClassEconomy,
	}
	require.NoError(t, env.engine.Dispatch(context.Background(), b))
	return b
}

func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEscalationFollowsRankOrder(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	// Same rating: nearer wins. Lower rating sorts last despite being nearest.
	env.addDriver(t, "far-good", 200, 4.9, 100)
	env.addDriver(t, "near-good", 100, 4.9, 100)
	env.addDriver(t, "near-poor", 50, 4.2, 100)

	env.dispatch(t, 3000)

	waitUntil(t, 3*time.Second, "three offers", func() bool {
		return len(env.notif.offers()) == 3
	})
	got := env.notif.offers()
	require.Equal(t, "near-good", got[0].DriverID)
	require.Equal(t, "far-good", got[1].DriverID)
	require.Equal(t, "near-poor", got[2].DriverID)
}

func TestAcceptCommitsAndClosesCompetingOffers(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)
	env.addDriver(t, "d2", 200, 4.0, 10)

	env.dispatch(t, 3000)

	// d1 gets the first offer and sits on it past phase 1; d2 is next.
	waitUntil(t, 3*time.Second, "second offer", func() bool {
		return len(env.notif.offers()) == 2
	})
	first, second := env.notif.offers()[0], env.notif.offers()[1]
	require.Equal(t, "d1", first.DriverID)

	got, err := env.engine.Accept(context.Background(), second.ID, "d2")
	require.NoError(t, err)
	require.Equal(t, models.BookingAccepted, got.Status)
	require.Equal(t, "d2", got.DriverID)
	require.NotNil(t, got.PickupETA)

	// d1's second-chance record is closed as accepted-by-other.
	rec, ok := env.offers.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, models.RequestAcceptedByOther, rec.Status)

	// The winner occupies one capacity slot.
	snap, ok, err := env.dir.Snapshot(context.Background(), "d2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, snap.ActiveCount)
}

func TestDeclineEscalatesWithoutWaitingForTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Phase1Timeout = 5 * time.Second // decline must beat this
	env := newTestEnv(t, cfg)
	env.addDriver(t, "d1", 100, 5.0, 10)
	env.addDriver(t, "d2", 200, 4.0, 10)

	env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "first offer", func() bool {
		return len(env.notif.offers()) == 1
	})
	first := env.notif.offers()[0]
	require.NoError(t, env.engine.Decline(context.Background(), first.ID, "d1"))

	waitUntil(t, 2*time.Second, "escalation to d2", func() bool {
		return len(env.notif.offers()) == 2
	})
	require.Equal(t, "d2", env.notif.offers()[1].DriverID)

	rec, ok := env.offers.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, models.RequestDeclined, rec.Status)

	// A duplicate decline is a harmless no-op.
	require.NoError(t, env.engine.Decline(context.Background(), first.ID, "d1"))
}

func TestLateAcceptDuringSecondChanceWindow(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)

	b := env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "offer in second chance", func() bool {
		if recs := env.notif.offers(); len(recs) == 1 {
			rec, _ := env.offers.Get(recs[0].ID)
			return rec.Status == models.RequestSecondChance
		}
		return false
	})
	first := env.notif.offers()[0]

	got, err := env.engine.Accept(context.Background(), first.ID, "d1")
	require.NoError(t, err)
	require.Equal(t, models.BookingAccepted, got.Status)

	stored, err := env.ledger.Get(context.Background(), b.ID)
	require.NoError(t, err)
	require.Equal(t, "d1", stored.DriverID)
}

func TestUnansweredOffersExpireBooking(t *testing.T) {
	cfg := fastConfig()
	cfg.SecondChanceTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.addDriver(t, "d1", 100, 5.0, 10)

	b := env.dispatch(t, 3000)

	waitUntil(t, 3*time.Second, "booking expiry", func() bool {
		stored, err := env.ledger.Get(context.Background(), b.ID)
		return err == nil && stored.Status == models.BookingExpired
	})
	recs := env.offers.History(b.ID)
	require.NotEmpty(t, recs)
	require.Equal(t, models.RequestExpired, recs[0].Status)

	// Accepting after expiry is rejected as a lost race.
	_, err := env.engine.Accept(context.Background(), recs[0].ID, "d1")
	require.ErrorIs(t, err, ErrOfferClosed)
}

func TestNoDriversQueuesThenDriverOnlineRematches(t *testing.T) {
	env := newTestEnv(t, fastConfig())

	b := env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "booking queued", func() bool {
		return env.engine.Queued(b.ID)
	})
	require.Empty(t, env.notif.offers())

	env.addDriver(t, "d1", 100, 4.8, 50)
	env.engine.DriverOnline(context.Background(), "d1")

	waitUntil(t, 2*time.Second, "offer after rematch", func() bool {
		return len(env.notif.offers()) == 1
	})
	require.False(t, env.engine.Queued(b.ID))
	require.Equal(t, "d1", env.notif.offers()[0].DriverID)
}

func TestDriverOnlineReachesBookingDrainingSecondChances(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)

	b := env.dispatch(t, 3000)

	// d1 sits on the offer; the attempts exhaust with the booking still
	// pending and never queued.
	waitUntil(t, 2*time.Second, "second-chance drain", func() bool {
		recs := env.offers.Outstanding(b.ID)
		return len(recs) == 1 && recs[0].Status == models.RequestSecondChance &&
			!env.engine.Queued(b.ID)
	})

	env.addDriver(t, "d2", 200, 4.0, 10)
	env.engine.DriverOnline(context.Background(), "d2")

	waitUntil(t, 2*time.Second, "offer to the late driver", func() bool {
		recs := env.notif.offers()
		return len(recs) == 2 && recs[1].DriverID == "d2"
	})
	second := env.notif.offers()[1]
	got, err := env.engine.Accept(context.Background(), second.ID, "d2")
	require.NoError(t, err)
	require.Equal(t, models.BookingAccepted, got.Status)
	require.Equal(t, "d2", got.DriverID)
}

func TestQueuedBookingExpiresAfterTTL(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueTTL = 60 * time.Millisecond
	env := newTestEnv(t, cfg)

	b := env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "queued booking expiry", func() bool {
		stored, err := env.ledger.Get(context.Background(), b.ID)
		return err == nil && stored.Status == models.BookingExpired
	})
	require.False(t, env.engine.Queued(b.ID))

	// A driver arriving after expiry gets no offer for the dead booking.
	env.addDriver(t, "late", 100, 4.8, 50)
	env.engine.DriverOnline(context.Background(), "late")
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, env.notif.offers())
}

func TestCancelStopsMatchingAndClosesOffers(t *testing.T) {
	cfg := fastConfig()
	cfg.Phase1Timeout = 5 * time.Second
	env := newTestEnv(t, cfg)
	env.addDriver(t, "d1", 100, 5.0, 10)

	b := env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "first offer", func() bool {
		return len(env.notif.offers()) == 1
	})
	first := env.notif.offers()[0]

	outcome, got, err := env.engine.CancelBooking(
		context.Background(), b.ID, "changed my mind", ledger.PartyPassenger)
	require.NoError(t, err)
	require.Equal(t, ledger.CancelCommitted, outcome)
	require.Equal(t, models.BookingCancelled, got.Status)

	rec, ok := env.offers.Get(first.ID)
	require.True(t, ok)
	require.Equal(t, models.RequestCancelled, rec.Status)

	// The driver can no longer take the ride.
	_, err = env.engine.Accept(context.Background(), first.ID, "d1")
	require.ErrorIs(t, err, ErrOfferClosed)

	// Cancelling again is idempotent.
	outcome, _, err = env.engine.CancelBooking(
		context.Background(), b.ID, "retry", ledger.PartyPassenger)
	require.NoError(t, err)
	require.Equal(t, ledger.CancelAlreadyCancelled, outcome)
}

func TestIncompatibleBusyDriverIsNeverOffered(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	// Busy driver outranks the idle one but is heading the opposite way.
	env.addDriver(t, "busy", 50, 5.0, 500)
	env.addDriver(t, "idle", 100, 4.0, 10)
	require.NoError(t, env.dir.AddAssignment(
		context.Background(), "busy", "other-booking", northOf(testCenter, 5000)))

	env.dispatch(t, -5000) // southbound, against the busy driver's trip

	waitUntil(t, 2*time.Second, "offer to the idle driver", func() bool {
		return len(env.notif.offers()) >= 1
	})
	time.Sleep(150 * time.Millisecond)
	for _, rec := range env.notif.offers() {
		require.NotEqual(t, "busy", rec.DriverID)
	}
}

func TestCompatibleBusyDriverRanksFirst(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "busy", 200, 4.0, 500)
	env.addDriver(t, "idle", 50, 5.0, 10)
	require.NoError(t, env.dir.AddAssignment(
		context.Background(), "busy", "other-booking", northOf(testCenter, 5000)))

	env.dispatch(t, 4000) // same direction as the busy driver's trip

	waitUntil(t, 2*time.Second, "first offer", func() bool {
		return len(env.notif.offers()) >= 1
	})
	require.Equal(t, "busy", env.notif.offers()[0].DriverID)
}

func TestDeliveryFailureSkipsToNextCandidate(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)
	env.addDriver(t, "d2", 200, 4.0, 10)
	env.notif.fail["d1"] = true

	b := env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "offer delivered to d2", func() bool {
		return len(env.notif.offers()) == 1
	})
	require.Equal(t, "d2", env.notif.offers()[0].DriverID)

	// d1's undelivered record was closed and never surfaces in its backlog.
	for _, rec := range env.offers.History(b.ID) {
		if rec.DriverID == "d1" {
			require.Equal(t, models.RequestCancelled, rec.Status)
		}
	}
	require.Empty(t, env.offers.Backlog("d1"))
}

func TestUndeliveredDriverRetriedOnWiderSweeps(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)
	env.notif.fail["d1"] = true

	b := env.dispatch(t, 3000)

	// Every widened sweep retries the driver who never saw an offer; with
	// nothing deliverable the booking then expires.
	waitUntil(t, 3*time.Second, "booking expiry", func() bool {
		stored, err := env.ledger.Get(context.Background(), b.ID)
		return err == nil && stored.Status == models.BookingExpired
	})
	require.Equal(t, fastConfig().MaxAttempts, env.notif.attemptCount("d1"))
	require.Empty(t, env.notif.offers())
}

func TestStaleDriverSkippedOnEscalation(t *testing.T) {
	cfg := fastConfig()
	cfg.Phase1Timeout = 300 * time.Millisecond
	env := newTestEnv(t, cfg)
	env.addDriver(t, "d1", 100, 5.0, 10)
	env.addDriver(t, "d2", 200, 4.0, 10)

	env.dispatch(t, 3000)

	waitUntil(t, 2*time.Second, "first offer", func() bool {
		return len(env.notif.offers()) == 1
	})
	require.Equal(t, "d1", env.notif.offers()[0].DriverID)

	// d2's position report goes stale while d1 sits on its offer; the
	// pre-offer re-verification must drop d2 even though the original
	// candidate query admitted it.
	require.NoError(t, env.dir.Upsert(context.Background(), models.DriverSnapshot{
		ID:           "d2",
		Loc:          northOf(testCenter, 200),
		Online:       true,
		VehicleClass: models.ClassEconomy,
		Rating:       4.0,
		TotalTrips:   10,
		PositionAt:   time.Now().Add(-10 * time.Minute),
	}))

	time.Sleep(2 * cfg.Phase1Timeout)
	require.Len(t, env.notif.offers(), 1)
}

func TestAcceptValidation(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	env.addDriver(t, "d1", 100, 5.0, 10)

	env.dispatch(t, 3000)
	waitUntil(t, 2*time.Second, "first offer", func() bool {
		return len(env.notif.offers()) == 1
	})
	first := env.notif.offers()[0]

	_, err := env.engine.Accept(context.Background(), "no-such-offer", "d1")
	require.ErrorIs(t, err, ErrOfferNotFound)

	_, err = env.engine.Accept(context.Background(), first.ID, "someone-else")
	require.ErrorIs(t, err, ErrWrongDriver)
}

func TestDispatchRejectsInvalidClass(t *testing.T) {
	env := newTestEnv(t, fastConfig())
	b := &models.Booking{
		PassengerID:  "p1",
		Pickup:       testCenter,
		Destination:  northOf(testCenter, 1000),
		VehicleClass: "rickshaw",
	}
	require.ErrorIs(t, env.engine.Dispatch(context.Background(), b), ErrInvalidClass)
}

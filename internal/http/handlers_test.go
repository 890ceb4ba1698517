package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/compat"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
)

var apiCenter = models.Coord{Lat: 40.0, Lon: -74.0}

// deliverAll accepts every offer delivery so handler tests do not depend on
// a live websocket session.
type deliverAll struct {
	mu   sync.Mutex
	sent []models.RequestRecord
}

func (d *deliverAll) OfferRide(_ context.Context, _ string, rec models.RequestRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, rec)
	return nil
}

func (d *deliverAll) BookingCancelled(context.Context, string, string) error { return nil }

func (d *deliverAll) offers() []models.RequestRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.RequestRecord, len(d.sent))
	copy(out, d.sent)
	return out
}

type apiEnv struct {
	srv    *httptest.Server
	led    *ledger.Memory
	dir    *directory.Memory
	store  *offers.Store
	notif  *deliverAll
	engine *dispatch.Engine
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dir := directory.NewMemory(directory.Config{HardRadiusM: 2000}, nil)
	led := ledger.NewMemory()
	store := offers.NewStore()
	notif := &deliverAll{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := dispatch.New(dispatch.Config{
		Phase1Timeout:       5 * time.Second,
		SecondChanceTimeout: 5 * time.Second,
		InitialRadiusM:      1500,
		SweepInterval:       20 * time.Millisecond,
	}, dispatch.Deps{
		Directory: dir,
		Ledger:    led,
		Offers:    store,
		Compat:    compat.New(nil, 45),
		ETA:       eta.Static{Minutes: 3},
		Notifier:  notif,
		Logger:    logger,
	})
	engine.Start()
	t.Cleanup(engine.Close)

	api := NewServer(engine, led, dir, store, nil, logger)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &apiEnv{srv: srv, led: led, dir: dir, store: store, notif: notif, engine: engine}
}

func (env *apiEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(env.srv.URL+path, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (env *apiEnv) reportDriver(t *testing.T, id string) {
	t.Helper()
	resp := env.post(t, "/internal/driver/locations", models.DriverSnapshot{
		ID:           id,
		Loc:          apiCenter,
		VehicleClass: models.ClassEconomy,
		Rating:       4.8,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func (env *apiEnv) createBooking(t *testing.T) createBookingResponse {
	t.Helper()
	resp := env.post(t, "/api/v1/bookings", createBookingRequest{
		PassengerID:  "p1",
		Pickup:       apiCenter,
		Destination:  models.Coord{Lat: apiCenter.Lat + 0.03, Lon: apiCenter.Lon},
		VehicleClass: models.ClassEconomy,
		Fare:         models.FareEstimate{Amount: 1500, Currency: "usd"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	return decodeBody[createBookingResponse](t, resp)
}

func (env *apiEnv) waitOffer(t *testing.T, n int) models.RequestRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recs := env.notif.offers(); len(recs) >= n {
			return recs[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("offer %d never delivered", n)
	return models.RequestRecord{}
}

func TestCreateBookingWithNoDriversReportsDiagnosis(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createBooking(t)
	require.NotEmpty(t, created.Booking.ID)
	require.Equal(t, models.BookingPending, created.Booking.Status)
	require.Equal(t, "no drivers are online right now", created.DispatchNote)
}

func TestCreateBookingRejectsBadClass(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.post(t, "/api/v1/bookings", createBookingRequest{
		PassengerID:  "p1",
		Pickup:       apiCenter,
		Destination:  apiCenter,
		VehicleClass: "hovercraft",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOfferAcceptFlow(t *testing.T) {
	env := newAPIEnv(t)
	env.reportDriver(t, "d1")
	created := env.createBooking(t)
	require.Empty(t, created.DispatchNote)

	offer := env.waitOffer(t, 1)

	resp := env.post(t, "/api/v1/offers/"+offer.ID+"/accept", offerActionRequest{DriverID: "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decodeBody[models.Booking](t, resp)
	require.Equal(t, models.BookingAccepted, b.Status)
	require.Equal(t, "d1", b.DriverID)

	// A second accept attempt finds the offer closed.
	resp = env.post(t, "/api/v1/offers/"+offer.ID+"/accept", offerActionRequest{DriverID: "d1"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	getResp, err := http.Get(env.srv.URL + "/api/v1/bookings/" + created.Booking.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	stored := decodeBody[models.Booking](t, getResp)
	require.Equal(t, "d1", stored.DriverID)
}

func TestAcceptWithWrongDriverIsForbidden(t *testing.T) {
	env := newAPIEnv(t)
	env.reportDriver(t, "d1")
	env.createBooking(t)
	offer := env.waitOffer(t, 1)

	resp := env.post(t, "/api/v1/offers/"+offer.ID+"/accept", offerActionRequest{DriverID: "impostor"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeclineOffer(t *testing.T) {
	env := newAPIEnv(t)
	env.reportDriver(t, "d1")
	env.createBooking(t)
	offer := env.waitOffer(t, 1)

	resp := env.post(t, "/api/v1/offers/"+offer.ID+"/decline", offerActionRequest{DriverID: "d1"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	rec, ok := env.store.Get(offer.ID)
	require.True(t, ok)
	require.Equal(t, models.RequestDeclined, rec.Status)
}

func TestCancelBooking(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createBooking(t)

	resp := env.post(t, "/api/v1/bookings/"+created.Booking.ID+"/cancel",
		cancelRequest{Reason: "plans changed", Initiator: "passenger"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, false, body["already_cancelled"])

	// Idempotent second cancel.
	resp = env.post(t, "/api/v1/bookings/"+created.Booking.ID+"/cancel",
		cancelRequest{Reason: "plans changed", Initiator: "passenger"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string]any](t, resp)
	require.Equal(t, true, body["already_cancelled"])
}

func TestCancelUnknownBookingIs404(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.post(t, "/api/v1/bookings/nope/cancel", cancelRequest{Initiator: "passenger"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDriverOfflineUnknownIs404(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.post(t, "/internal/driver/ghost/offline", struct{}{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDriverWSStreamsOffers(t *testing.T) {
	env := newAPIEnv(t)
	env.reportDriver(t, "d1")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/driver/d1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	env.createBooking(t)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev offers.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, offers.EventCreated, ev.Type)
	require.Equal(t, "d1", ev.Record.DriverID)
}

func TestBookingWSStreamsStateChanges(t *testing.T) {
	env := newAPIEnv(t)
	created := env.createBooking(t)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + fmt.Sprintf("/ws/booking/%s", created.Booking.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first models.Booking
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, models.BookingPending, first.Status)

	resp := env.post(t, "/api/v1/bookings/"+created.Booking.ID+"/cancel",
		cancelRequest{Reason: "plans changed", Initiator: "passenger"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var update models.Booking
	require.NoError(t, conn.ReadJSON(&update))
	require.Equal(t, models.BookingCancelled, update.Status)
}

// Package httpapi exposes the passenger and driver surfaces: booking
// creation and cancellation, offer accept/decline, trip progress, driver
// location ingest and the two websocket streams.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
)

type Server struct {
	Engine    *dispatch.Engine
	Ledger    ledger.Ledger
	Directory directory.Directory
	Offers    *offers.Store
	Kafka     *ingest.KafkaProducer // optional; nil means direct upserts

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, led ledger.Ledger, dir directory.Directory, st *offers.Store, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:    engine,
		Ledger:    led,
		Directory: dir,
		Offers:    st,
		Kafka:     kafka,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/bookings", s.handleCreateBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}", s.handleGetBooking).Methods("GET")
	s.mux.HandleFunc("/api/v1/bookings/{id}/cancel", s.handleCancelBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/bookings/{id}/progress", s.handleProgressBooking).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/decline", s.handleDeclineOffer).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/driver/{id}/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/booking/{booking_id}", s.handleBookingWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBookingRequest struct {
	PassengerID  string              `json:"passenger_id"`
	Pickup       models.Coord        `json:"pickup"`
	Destination  models.Coord        `json:"destination"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
	Fare         models.FareEstimate `json:"fare"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
}

type createBookingResponse struct {
	Booking      *models.Booking `json:"booking"`
	DispatchNote string          `json:"dispatch_note,omitempty"`
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "passenger_id is required")
		return
	}
	b := &models.Booking{
		PassengerID:  req.PassengerID,
		Pickup:       req.Pickup,
		Destination:  req.Destination,
		VehicleClass: req.VehicleClass,
		Fare:         req.Fare,
		ScheduledAt:  req.ScheduledAt,
	}
	if err := s.Engine.Dispatch(r.Context(), b); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrInvalidClass):
			writeError(w, http.StatusBadRequest, "invalid_class", err.Error())
		case errors.Is(err, dispatch.ErrOutsideServiceArea):
			writeError(w, http.StatusUnprocessableEntity, "outside_service_area", err.Error())
		default:
			s.logger.Error("create booking", "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not create booking")
		}
		return
	}

	// A quick probe so the passenger learns immediately when nobody is
	// available; matching itself continues asynchronously.
	resp := createBookingResponse{Booking: b}
	if _, diag, err := s.Directory.FindCandidates(r.Context(), directory.Query{
		Center: b.Pickup,
		Class:  b.VehicleClass,
	}); err == nil && diag != directory.DiagFound {
		resp.DispatchNote = diag.Message()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Ledger.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "booking not found")
			return
		}
		s.logger.Error("get booking", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load booking")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Reason    string `json:"reason"`
	Initiator string `json:"initiator"` // passenger | driver | system
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	initiator := ledger.Party(req.Initiator)
	switch initiator {
	case ledger.PartyPassenger, ledger.PartyDriver, ledger.PartySystem:
	case "":
		initiator = ledger.PartyPassenger
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown initiator")
		return
	}

	outcome, b, err := s.Engine.CancelBooking(r.Context(), mux.Vars(r)["id"], req.Reason, initiator)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"booking":           b,
		"already_cancelled": outcome == ledger.CancelAlreadyCancelled,
	})
}

type progressRequest struct {
	Status models.BookingStatus `json:"status"`
}

func (s *Server) handleProgressBooking(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	b, err := s.Engine.Advance(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type offerActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req offerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	b, err := s.Engine.Accept(r.Context(), mux.Vars(r)["id"], req.DriverID)
	if err != nil {
		s.writeOfferError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	var req offerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.Engine.Decline(r.Context(), mux.Vars(r)["id"], req.DriverID); err != nil {
		s.writeOfferError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.DriverSnapshot
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if d.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "driver id is required")
		return
	}
	d.Online = true

	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(d); err != nil {
			s.logger.Error("publish driver location", "driver_id", d.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "ingest_unavailable", "location ingest unavailable")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	prev, existed, _ := s.Directory.Snapshot(r.Context(), d.ID)
	if err := s.Directory.Upsert(r.Context(), d); err != nil {
		s.logger.Error("upsert driver", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not store location")
		return
	}
	if !existed || !prev.Online {
		observability.DriversOnline.Inc()
		s.Engine.DriverOnline(r.Context(), d.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.Directory.SetOnline(r.Context(), id, false); err != nil {
		if errors.Is(err, directory.ErrUnknownDriver) {
			writeError(w, http.StatusNotFound, "not_found", "unknown driver")
			return
		}
		s.logger.Error("set driver offline", "driver_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not update driver")
		return
	}
	observability.DriversOnline.Dec()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeOfferError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "offer_not_found", err.Error())
	case errors.Is(err, dispatch.ErrWrongDriver):
		writeError(w, http.StatusForbidden, "wrong_driver", err.Error())
	case errors.Is(err, dispatch.ErrOfferClosed):
		writeError(w, http.StatusConflict, "offer_closed", err.Error())
	default:
		s.writeLedgerError(w, err)
	}
}

// writeLedgerError maps ledger rejections onto HTTP statuses: lost races are
// conflicts, policy rejections are forbidden, missing bookings are 404.
func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	var rej *ledger.RejectedError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "booking not found")
	case errors.As(err, &rej):
		status := http.StatusConflict
		if rej.Reason == ledger.ReasonDriverRestricted || rej.Reason == ledger.ReasonNotCancellable {
			status = http.StatusForbidden
		}
		writeError(w, status, string(rej.Reason), rej.Error())
	default:
		s.logger.Error("ledger operation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "operation failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

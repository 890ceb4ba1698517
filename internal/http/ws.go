package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/offers"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleDriverWS streams offer events at a driver. On connect the driver
// first receives its backlog (open offers plus recent history), then live
// created/updated/removed events.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	defer conn.Close()

	for _, rec := range s.Offers.Backlog(driverID) {
		if werr := writeWS(conn, offers.Event{Type: offers.EventCreated, Record: rec}); werr != nil {
			return
		}
	}

	events, unsubscribe := s.Offers.Subscribe(driverID)
	defer unsubscribe()

	done := readUntilClose(conn)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if werr := writeWS(conn, ev); werr != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		}
	}
}

// handleBookingWS streams booking state changes at the passenger, starting
// with the current state.
func (s *Server) handleBookingWS(w http.ResponseWriter, r *http.Request) {
	bookingID := mux.Vars(r)["booking_id"]
	b, err := s.Ledger.Get(r.Context(), bookingID)
	if err != nil {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}

	conn, uerr := upgrader.Upgrade(w, r, nil)
	if uerr != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.Ledger.Watch(bookingID)
	defer unsubscribe()

	if werr := writeWS(conn, b); werr != nil {
		return
	}

	done := readUntilClose(conn)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if werr := writeWS(conn, upd); werr != nil {
				return
			}
			if upd.Status.Terminal() {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if werr := conn.WriteMessage(websocket.PingMessage, nil); werr != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

// readUntilClose drains inbound frames so control messages are processed and
// signals when the peer goes away.
func readUntilClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}

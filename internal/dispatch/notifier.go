package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/offers"
)

// ErrNotConnected means the driver has no reachable delivery channel right
// now. The engine treats it as a delivery failure and escalates immediately
// instead of burning the offer timeout.
var ErrNotConnected = errors.New("driver not connected")

// Notifier pushes dispatch events at drivers. Delivery errors are surfaced
// synchronously so the matching task can react.
type Notifier interface {
	OfferRide(ctx context.Context, driverID string, rec models.RequestRecord) error
	BookingCancelled(ctx context.Context, driverID, bookingID string) error
}

// StreamNotifier delivers over the per-driver offer stream. Opening a record
// already queued the created event; OfferRide only verifies somebody is
// listening on the other end.
type StreamNotifier struct {
	Offers *offers.Store
}

func (n *StreamNotifier) OfferRide(_ context.Context, driverID string, _ models.RequestRecord) error {
	if !n.Offers.HasSubscriber(driverID) {
		return ErrNotConnected
	}
	return nil
}

func (n *StreamNotifier) BookingCancelled(_ context.Context, driverID, bookingID string) error {
	if !n.Offers.HasSubscriber(driverID) {
		return ErrNotConnected
	}
	n.Offers.PublishRemoval(driverID, bookingID)
	return nil
}

// PushNotifier posts dispatch events to an external push gateway, for
// drivers whose app is backgrounded and holds no live stream.
type PushNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewPushNotifier(endpoint string) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type pushPayload struct {
	Type      string                `json:"type"`
	DriverID  string                `json:"driver_id"`
	BookingID string                `json:"booking_id,omitempty"`
	Record    *models.RequestRecord `json:"record,omitempty"`
}

func (n *PushNotifier) OfferRide(ctx context.Context, driverID string, rec models.RequestRecord) error {
	return n.post(ctx, pushPayload{Type: "offer", DriverID: driverID, Record: &rec})
}

func (n *PushNotifier) BookingCancelled(ctx context.Context, driverID, bookingID string) error {
	return n.post(ctx, pushPayload{Type: "booking_cancelled", DriverID: driverID, BookingID: bookingID})
}

func (n *PushNotifier) post(ctx context.Context, p pushPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Chain tries each notifier in order and returns the first success. Only if
// every channel fails is the offer considered undeliverable.
type Chain []Notifier

func (c Chain) OfferRide(ctx context.Context, driverID string, rec models.RequestRecord) error {
	var errs []error
	for _, n := range c {
		if err := n.OfferRide(ctx, driverID, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNotConnected
	}
	return errors.Join(errs...)
}

func (c Chain) BookingCancelled(ctx context.Context, driverID, bookingID string) error {
	var errs []error
	for _, n := range c {
		if err := n.BookingCancelled(ctx, driverID, bookingID); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNotConnected
	}
	return errors.Join(errs...)
}

package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// FareAuthorizer is the payment collaborator: the engine places a hold when
// an assignment commits, releases it on cancellation and captures it when
// the ride completes. Fare amounts are opaque to the dispatch core.
type FareAuthorizer interface {
	Hold(ctx context.Context, bookingID, passengerID string, fare models.FareEstimate) (string, error)
	Release(ctx context.Context, holdID string) error
	Capture(ctx context.Context, holdID string) error
}

// Stripe implements FareAuthorizer with manual-capture PaymentIntents.
type Stripe struct{}

// NewStripe initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripe() *Stripe {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &Stripe{}
}

func (s *Stripe) Hold(ctx context.Context, bookingID, passengerID string, fare models.FareEstimate) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(fare.Amount),
		Currency: stripe.String(fare.Currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.AddMetadata("booking_id", bookingID)
	params.AddMetadata("passenger_id", passengerID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *Stripe) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}

func (s *Stripe) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// ErrNotConfigured is returned when no Stripe key was provided.
var ErrNotConfigured = errors.New("payments: stripe not configured")

// Intent is the part of a PaymentIntent the marketplace cares about.
type Intent struct {
	ID        string
	Amount    int64
	Currency  string
	Succeeded bool
	// TripID is taken from the intent's "trip_id" metadata when present.
	TripID string
}

// StripeVerifier looks up PaymentIntents so a payment confirmation can be
// checked against Stripe before a trip is marked paid.
type StripeVerifier struct {
	api *client.API
}

// NewStripeVerifier builds a verifier with its own API client. An empty key
// yields a verifier whose Verify always fails with ErrNotConfigured.
func NewStripeVerifier(key string) *StripeVerifier {
	if key == "" {
		return &StripeVerifier{}
	}
	return &StripeVerifier{api: client.New(key, nil)}
}

// Verify fetches the PaymentIntent by id.
func (s *StripeVerifier) Verify(ctx context.Context, paymentIntentID string) (Intent, error) {
	if s.api == nil {
		return Intent{}, ErrNotConfigured
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("payments: get intent %s: %w", paymentIntentID, err)
	}
	return Intent{
		ID:        pi.ID,
		Amount:    pi.Amount,
		Currency:  string(pi.Currency),
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		TripID:    pi.Metadata["trip_id"],
	}, nil
}

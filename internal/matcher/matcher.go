package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/freight-matching/internal/eta"
	"github.com/example/freight-matching/internal/lifecycle"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/observability"
	"github.com/example/freight-matching/internal/payments"
	"github.com/example/freight-matching/internal/storage"
)

// MaxNotesLen bounds offer notes, in characters.
const MaxNotesLen = 1000

type PaymentVerifier interface {
	Verify(ctx context.Context, paymentIntentID string) (payments.Intent, error)
}

// Service is the only writer of trips and offers. Every mutation goes through
// the lifecycle rules here before it reaches the store.
type Service struct {
	Store    storage.Store
	ETA      eta.Estimator   // optional
	Payments PaymentVerifier // optional
	Logger   *slog.Logger

	ETATimeout        time.Duration
	AcceptMaxAttempts int
	AcceptRetryDelay  time.Duration
	Now               func() time.Time
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func requireRole(actor models.Actor, role models.Role) error {
	if actor.Role != role || (role != models.RoleSystem && actor.ID == "") {
		return fmt.Errorf("requires role %s, got %s: %w", role, actor.Role, models.ErrUnauthorized)
	}
	return nil
}

func (s *Service) CreateTrip(ctx context.Context, actor models.Actor, in models.NewTrip) (models.Trip, error) {
	if err := requireRole(actor, models.RoleCustomer); err != nil {
		return models.Trip{}, err
	}
	in.OriginAddress = strings.TrimSpace(in.OriginAddress)
	in.DestinationAddress = strings.TrimSpace(in.DestinationAddress)
	if in.OriginAddress == "" || in.DestinationAddress == "" {
		return models.Trip{}, fmt.Errorf("origin and destination are required: %w", models.ErrInvalidInput)
	}
	in.CustomerID = actor.ID
	t, err := s.Store.CreateTrip(ctx, in)
	if err != nil {
		return models.Trip{}, err
	}
	observability.TransitionsTotal.WithLabelValues("trips", string(t.Status)).Inc()
	s.log().Info("trip_created", "trip_id", t.ID, "customer_id", t.CustomerID)
	return t, nil
}

func (s *Service) GetTrip(ctx context.Context, id int64) (models.Trip, error) {
	return s.Store.GetTrip(ctx, id)
}

func (s *Service) ListTrips(ctx context.Context, f models.TripFilter) ([]models.Trip, error) {
	return s.Store.ListTrips(ctx, f)
}

func (s *Service) ListOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	return s.Store.ListOffers(ctx, f)
}

// DeleteTrip withdraws a trip nobody has been matched to yet.
func (s *Service) DeleteTrip(ctx context.Context, actor models.Actor, id int64) error {
	if err := requireRole(actor, models.RoleCustomer); err != nil {
		return err
	}
	t, err := s.Store.GetTrip(ctx, id)
	if err != nil {
		return err
	}
	if !t.OwnedBy(actor.ID) {
		return fmt.Errorf("trip %d not owned by %s: %w", id, actor.ID, models.ErrUnauthorized)
	}
	if t.Status != models.TripRequested {
		return fmt.Errorf("trip %d is %s: %w", id, t.Status, models.ErrInvalidTransition)
	}
	if err := s.Store.DeleteTrip(ctx, id); err != nil {
		return err
	}
	s.log().Info("trip_deleted", "trip_id", id)
	return nil
}

func (s *Service) CreateOffer(ctx context.Context, actor models.Actor, in models.NewOffer) (models.Offer, error) {
	if err := requireRole(actor, models.RoleDriver); err != nil {
		return models.Offer{}, err
	}
	if in.Price <= 0 {
		return models.Offer{}, fmt.Errorf("price must be positive: %w", models.ErrInvalidInput)
	}
	if in.Notes != nil && utf8.RuneCountInString(*in.Notes) > MaxNotesLen {
		return models.Offer{}, fmt.Errorf("notes longer than %d characters: %w", MaxNotesLen, models.ErrInvalidInput)
	}
	t, err := s.Store.GetTrip(ctx, in.TripID)
	if err != nil {
		return models.Offer{}, err
	}
	if t.Status != models.TripRequested {
		return models.Offer{}, fmt.Errorf("trip %d is %s: %w", t.ID, t.Status, models.ErrConflict)
	}
	in.DriverID = actor.ID
	o, err := s.Store.CreateOffer(ctx, in)
	if err != nil {
		return models.Offer{}, err
	}
	observability.TransitionsTotal.WithLabelValues("offers", string(o.Status)).Inc()
	s.log().Info("offer_created", "offer_id", o.ID, "trip_id", o.TripID, "driver_id", o.DriverID, "price", o.Price)
	return o, nil
}

// CancelOffer lets a driver withdraw their own pending offer.
func (s *Service) CancelOffer(ctx context.Context, actor models.Actor, offerID int64) (models.Offer, error) {
	o, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, err
	}
	if actor.Role != models.RoleDriver || o.DriverID != actor.ID {
		return models.Offer{}, fmt.Errorf("offer %d not owned by %s: %w", offerID, actor.ID, models.ErrUnauthorized)
	}
	if err := lifecycle.CheckOfferTransition(o.Status, models.OfferCancelled, actor.Role); err != nil {
		return models.Offer{}, err
	}
	var out models.Offer
	err = s.retry(ctx, "cancel_offer", func() error {
		var err error
		out, err = s.Store.TransitionOffer(ctx, offerID, models.OfferPending, models.OfferCancelled)
		return err
	})
	if err != nil {
		return models.Offer{}, err
	}
	observability.TransitionsTotal.WithLabelValues("offers", string(out.Status)).Inc()
	s.log().Info("offer_cancelled", "offer_id", offerID, "trip_id", out.TripID)
	return out, nil
}

// AcceptOffer runs the matching transaction for the customer who owns the trip.
func (s *Service) AcceptOffer(ctx context.Context, actor models.Actor, offerID int64) (res models.AcceptResult, err error) {
	start := time.Now()
	defer func() {
		observability.AcceptsTotal.WithLabelValues(outcome(err)).Inc()
		observability.AcceptLatency.Observe(time.Since(start).Seconds())
	}()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return res, err
	}
	trip, err := s.Store.GetTrip(ctx, offer.TripID)
	if err != nil {
		return res, err
	}
	if err := lifecycle.CheckAccept(trip, offer, actor); err != nil {
		s.log().Info("accept_rejected", "offer_id", offerID, "trip_id", trip.ID, "error", err)
		return res, err
	}

	arrival := s.arrivalMinutes(ctx, offer, trip)
	a := models.Acceptance{
		TripID:               trip.ID,
		OfferID:              offer.ID,
		CustomerID:           actor.ID,
		DriverID:             offer.DriverID,
		Price:                offer.Price,
		DriverArrivalTimeMin: arrival,
	}
	err = s.retry(ctx, "accept_offer", func() error {
		var err error
		res, err = s.Store.AcceptOffer(ctx, a)
		return err
	})
	if err != nil {
		s.log().Warn("accept_failed", "offer_id", offerID, "trip_id", trip.ID, "error", err)
		return models.AcceptResult{}, err
	}
	observability.TransitionsTotal.WithLabelValues("trips", string(models.TripAccepted)).Inc()
	observability.TransitionsTotal.WithLabelValues("offers", string(models.OfferAccepted)).Inc()
	observability.TransitionsTotal.WithLabelValues("offers", string(models.OfferRejected)).Add(float64(len(res.Rejected)))
	s.log().Info("offer_accepted",
		"offer_id", offerID,
		"trip_id", trip.ID,
		"driver_id", offer.DriverID,
		"final_price", offer.Price,
		"rejected", len(res.Rejected),
	)
	return res, nil
}

// arrivalMinutes is best effort: any failure leaves the arrival time unset.
func (s *Service) arrivalMinutes(ctx context.Context, offer models.Offer, trip models.Trip) *int {
	if s.ETA == nil || offer.DriverLocation == nil || *offer.DriverLocation == "" {
		return nil
	}
	timeout := s.ETATimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	m, err := s.ETA.EstimateMinutes(ctx, *offer.DriverLocation, trip.OriginAddress)
	if err != nil {
		observability.ETAFailures.Inc()
		s.log().Debug("eta_unavailable", "offer_id", offer.ID, "error", err)
		return nil
	}
	return &m
}

func (s *Service) StartTrip(ctx context.Context, actor models.Actor, tripID int64) (models.Trip, error) {
	return s.transition(ctx, actor, tripID, models.TripInTransit)
}

func (s *Service) CompleteTrip(ctx context.Context, actor models.Actor, tripID int64) (models.Trip, error) {
	return s.transition(ctx, actor, tripID, models.TripCompleted)
}

// MarkPaid is the payment collaborator's completed -> paid trigger.
func (s *Service) MarkPaid(ctx context.Context, tripID int64) (models.Trip, error) {
	return s.transition(ctx, models.SystemActor, tripID, models.TripPaid)
}

// ConfirmPayment checks a PaymentIntent against the trip's final price before
// marking the trip paid.
func (s *Service) ConfirmPayment(ctx context.Context, tripID int64, paymentIntentID string) (models.Trip, error) {
	if s.Payments == nil {
		return models.Trip{}, fmt.Errorf("payments: no verifier configured: %w", models.ErrTransientStore)
	}
	if paymentIntentID == "" {
		return models.Trip{}, fmt.Errorf("payment_intent_id is required: %w", models.ErrInvalidInput)
	}
	intent, err := s.Payments.Verify(ctx, paymentIntentID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("%w: %w", models.ErrTransientStore, err)
	}
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	switch {
	case !intent.Succeeded:
		return models.Trip{}, fmt.Errorf("payment %s not settled: %w", intent.ID, models.ErrInvalidInput)
	case intent.TripID != "" && intent.TripID != strconv.FormatInt(tripID, 10):
		return models.Trip{}, fmt.Errorf("payment %s is for trip %s: %w", intent.ID, intent.TripID, models.ErrInvalidInput)
	case t.FinalPrice == nil || intent.Amount != *t.FinalPrice:
		return models.Trip{}, fmt.Errorf("payment %s amount %d does not match trip %d: %w", intent.ID, intent.Amount, tripID, models.ErrInvalidInput)
	}
	return s.MarkPaid(ctx, tripID)
}

func (s *Service) transition(ctx context.Context, actor models.Actor, tripID int64, to models.TripStatus) (models.Trip, error) {
	t, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if err := lifecycle.CheckTripTransition(t.Status, to, actor.Role); err != nil {
		s.log().Info("transition_rejected", "trip_id", tripID, "from", string(t.Status), "to", string(to), "error", err)
		return models.Trip{}, err
	}
	if actor.Role == models.RoleDriver && !t.AssignedTo(actor.ID) {
		return models.Trip{}, fmt.Errorf("trip %d not assigned to %s: %w", tripID, actor.ID, models.ErrUnauthorized)
	}
	upd := lifecycle.TripUpdateFor(t, to, s.now())
	var out models.Trip
	err = s.retry(ctx, "transition_trip", func() error {
		var err error
		out, err = s.Store.TransitionTrip(ctx, tripID, t.Status, upd)
		return err
	})
	if err != nil {
		return models.Trip{}, err
	}
	observability.TransitionsTotal.WithLabelValues("trips", string(to)).Inc()
	s.log().Info("trip_transitioned", "trip_id", tripID, "from", string(t.Status), "to", string(to))
	return out, nil
}

// retry runs fn until it succeeds, fails with anything other than a transient
// store error, or runs out of attempts. The delay doubles after each attempt.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	attempts := s.AcceptMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := s.AcceptRetryDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, models.ErrTransientStore) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if op == "accept_offer" {
			observability.AcceptRetries.Inc()
		}
		s.log().Warn("store_retry", "op", op, "attempt", i+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, models.ErrTransientStore):
		return "transient"
	default:
		return "error"
	}
}

package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/example/freight-matching/internal/models"
)

func TestCheckTripTransition(t *testing.T) {
	cases := []struct {
		name     string
		from, to models.TripStatus
		role     models.Role
		want     error
	}{
		{"driver starts", models.TripAccepted, models.TripInTransit, models.RoleDriver, nil},
		{"driver completes", models.TripInTransit, models.TripCompleted, models.RoleDriver, nil},
		{"system marks paid", models.TripCompleted, models.TripPaid, models.RoleSystem, nil},
		{"customer cannot start", models.TripAccepted, models.TripInTransit, models.RoleCustomer, models.ErrUnauthorized},
		{"driver cannot mark paid", models.TripCompleted, models.TripPaid, models.RoleDriver, models.ErrUnauthorized},
		{"accept is not direct", models.TripRequested, models.TripAccepted, models.RoleSystem, models.ErrInvalidTransition},
		{"complete from requested", models.TripRequested, models.TripCompleted, models.RoleDriver, models.ErrInvalidTransition},
		{"no going back", models.TripInTransit, models.TripAccepted, models.RoleDriver, models.ErrInvalidTransition},
		{"paid is terminal", models.TripPaid, models.TripCompleted, models.RoleSystem, models.ErrInvalidTransition},
		{"skip in_transit", models.TripAccepted, models.TripCompleted, models.RoleDriver, models.ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckTripTransition(tc.from, tc.to, tc.role)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected nil, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCheckOfferTransition(t *testing.T) {
	if err := CheckOfferTransition(models.OfferPending, models.OfferCancelled, models.RoleDriver); err != nil {
		t.Fatalf("driver cancel: %v", err)
	}
	if err := CheckOfferTransition(models.OfferPending, models.OfferCancelled, models.RoleCustomer); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("customer cancel: expected unauthorized, got %v", err)
	}
	for _, to := range []models.OfferStatus{models.OfferAccepted, models.OfferRejected} {
		if err := CheckOfferTransition(models.OfferPending, to, models.RoleSystem); !errors.Is(err, models.ErrInvalidTransition) {
			t.Fatalf("pending -> %s should not be direct, got %v", to, err)
		}
	}
	for _, from := range []models.OfferStatus{models.OfferAccepted, models.OfferRejected, models.OfferCancelled} {
		if err := CheckOfferTransition(from, models.OfferCancelled, models.RoleDriver); !errors.Is(err, models.ErrInvalidTransition) {
			t.Fatalf("%s is terminal, got %v", from, err)
		}
	}
}

func TestCheckAccept(t *testing.T) {
	trip := models.Trip{ID: 1, CustomerID: "c1", Status: models.TripRequested}
	offer := models.Offer{ID: 10, TripID: 1, DriverID: "d1", Price: 5000, Status: models.OfferPending}
	owner := models.Actor{ID: "c1", Role: models.RoleCustomer}

	if err := CheckAccept(trip, offer, owner); err != nil {
		t.Fatalf("expected accept allowed, got %v", err)
	}
	if err := CheckAccept(trip, offer, models.Actor{ID: "c2", Role: models.RoleCustomer}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("stranger: expected unauthorized, got %v", err)
	}
	if err := CheckAccept(trip, offer, models.Actor{ID: "c1", Role: models.RoleDriver}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("driver role: expected unauthorized, got %v", err)
	}

	taken := trip
	taken.Status = models.TripAccepted
	if err := CheckAccept(taken, offer, owner); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("accepted trip: expected conflict, got %v", err)
	}
	cancelled := offer
	cancelled.Status = models.OfferCancelled
	if err := CheckAccept(trip, cancelled, owner); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("cancelled offer: expected conflict, got %v", err)
	}
	other := offer
	other.TripID = 2
	if err := CheckAccept(trip, other, owner); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("foreign offer: expected invalid input, got %v", err)
	}
}

func TestTripUpdateForRecordsSideEffects(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	trip := models.Trip{ID: 1, Status: models.TripAccepted}

	upd := TripUpdateFor(trip, models.TripInTransit, start)
	if upd.StartTime == nil || !upd.StartTime.Equal(start) {
		t.Fatalf("expected start time %v, got %v", start, upd.StartTime)
	}
	trip = ApplyTripUpdate(trip, upd)

	done := TripUpdateFor(trip, models.TripCompleted, start.Add(61*time.Second))
	if done.FinalDurationMin == nil || *done.FinalDurationMin != 2 {
		t.Fatalf("expected ceil duration of 2 minutes, got %v", done.FinalDurationMin)
	}
}

func TestDurationMinutes(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := map[time.Duration]int{
		0:                             0,
		-time.Minute:                  0,
		time.Second:                   1,
		time.Minute:                   1,
		time.Minute + time.Nanosecond: 2,
		90 * time.Minute:              90,
	}
	for d, want := range cases {
		if got := DurationMinutes(start, start.Add(d)); got != want {
			t.Errorf("duration %v: expected %d, got %d", d, want, got)
		}
	}
}

func TestApplyAcceptAndInvariants(t *testing.T) {
	trip := models.Trip{ID: 1, CustomerID: "c1", Status: models.TripRequested}
	offers := []models.Offer{
		{ID: 10, TripID: 1, DriverID: "d1", Price: 5000, Status: models.OfferPending},
		{ID: 11, TripID: 1, DriverID: "d2", Price: 4500, Status: models.OfferPending},
	}
	if err := CheckInvariants(trip, offers); err != nil {
		t.Fatalf("requested trip: %v", err)
	}

	won := ApplyAccept(trip, offers[0], nil)
	if won.Status != models.TripAccepted || !won.AssignedTo("d1") || *won.FinalPrice != 5000 {
		t.Fatalf("unexpected accepted trip: %+v", won)
	}
	if err := CheckInvariants(won, offers); err == nil {
		t.Fatalf("expected invariant violation with no accepted offer")
	}
	offers[0].Status = models.OfferAccepted
	offers[1].Status = models.OfferRejected
	if err := CheckInvariants(won, offers); err != nil {
		t.Fatalf("accepted trip: %v", err)
	}
	offers[1].Status = models.OfferAccepted
	if err := CheckInvariants(won, offers); err == nil {
		t.Fatalf("expected invariant violation with two accepted offers")
	}
}

// Package lifecycle holds the pure rules for trip and offer state changes.
// Nothing here touches storage; callers apply the returned updates.
package lifecycle

import (
	"fmt"
	"math"
	"time"

	"github.com/example/freight-matching/internal/models"
)

type tripEdge struct{ from, to models.TripStatus }

// Direct trip transitions and the only role allowed to request each.
// requested->accepted is deliberately absent: only the matching transaction performs it.
var tripEdges = map[tripEdge]models.Role{
	{models.TripAccepted, models.TripInTransit}:  models.RoleDriver,
	{models.TripInTransit, models.TripCompleted}: models.RoleDriver,
	{models.TripCompleted, models.TripPaid}:      models.RoleSystem,
}

// CheckTripTransition validates a direct, single-record trip status change.
func CheckTripTransition(from, to models.TripStatus, role models.Role) error {
	want, ok := tripEdges[tripEdge{from, to}]
	if !ok {
		return fmt.Errorf("trip %s -> %s: %w", from, to, models.ErrInvalidTransition)
	}
	if role != want {
		return fmt.Errorf("trip %s -> %s requires role %s, got %s: %w", from, to, want, role, models.ErrUnauthorized)
	}
	return nil
}

// CheckOfferTransition validates a direct offer status change. Acceptance and
// rejection happen only inside the matching transaction, so the single direct
// edge is a driver cancelling their own pending offer.
func CheckOfferTransition(from, to models.OfferStatus, role models.Role) error {
	if from != models.OfferPending || to != models.OfferCancelled {
		return fmt.Errorf("offer %s -> %s: %w", from, to, models.ErrInvalidTransition)
	}
	if role != models.RoleDriver {
		return fmt.Errorf("offer cancel requires role driver, got %s: %w", role, models.ErrUnauthorized)
	}
	return nil
}

// CheckAccept validates the preconditions of the matching transaction as seen
// before it starts. The store re-checks the status preconditions at commit time.
func CheckAccept(trip models.Trip, offer models.Offer, actor models.Actor) error {
	if actor.Role != models.RoleCustomer {
		return fmt.Errorf("accept requires role customer, got %s: %w", actor.Role, models.ErrUnauthorized)
	}
	if offer.TripID != trip.ID {
		return fmt.Errorf("offer %d does not belong to trip %d: %w", offer.ID, trip.ID, models.ErrInvalidInput)
	}
	if !trip.OwnedBy(actor.ID) {
		return fmt.Errorf("trip %d not owned by %s: %w", trip.ID, actor.ID, models.ErrUnauthorized)
	}
	// A resolved trip or offer means someone got there first; report it the
	// same way the store does when it loses the race at commit time.
	if trip.Status != models.TripRequested {
		return fmt.Errorf("trip %d is %s: %w", trip.ID, trip.Status, models.ErrConflict)
	}
	if offer.Status != models.OfferPending {
		return fmt.Errorf("offer %d is %s: %w", offer.ID, offer.Status, models.ErrConflict)
	}
	return nil
}

// TripUpdateFor returns the fields a transition into to must record.
func TripUpdateFor(trip models.Trip, to models.TripStatus, now time.Time) models.TripUpdate {
	upd := models.TripUpdate{Status: to}
	switch to {
	case models.TripInTransit:
		t := now.UTC()
		upd.StartTime = &t
	case models.TripCompleted:
		if trip.StartTime != nil {
			d := DurationMinutes(*trip.StartTime, now)
			upd.FinalDurationMin = &d
		}
	}
	return upd
}

// DurationMinutes is ceil((end-start)/1m), never negative.
func DurationMinutes(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// ApplyAccept returns trip as it looks once offer has won it.
func ApplyAccept(trip models.Trip, offer models.Offer, arrivalMin *int) models.Trip {
	driver := offer.DriverID
	price := offer.Price
	trip.DriverID = &driver
	trip.FinalPrice = &price
	trip.DriverArrivalTimeMin = arrivalMin
	trip.Status = models.TripAccepted
	return trip
}

// ApplyTripUpdate copies a TripUpdate onto trip.
func ApplyTripUpdate(trip models.Trip, upd models.TripUpdate) models.Trip {
	trip.Status = upd.Status
	if upd.StartTime != nil {
		trip.StartTime = upd.StartTime
	}
	if upd.FinalDurationMin != nil {
		trip.FinalDurationMin = upd.FinalDurationMin
	}
	return trip
}

// CheckInvariants verifies the trip/offer cross-entity invariants for one trip
// and the offers recorded against it.
func CheckInvariants(trip models.Trip, offers []models.Offer) error {
	matched := trip.Status != models.TripRequested
	if matched != (trip.DriverID != nil) {
		return fmt.Errorf("trip %d status %s with driver_id set=%t", trip.ID, trip.Status, trip.DriverID != nil)
	}
	if matched != (trip.FinalPrice != nil) {
		return fmt.Errorf("trip %d status %s with final_price set=%t", trip.ID, trip.Status, trip.FinalPrice != nil)
	}
	accepted := 0
	for _, o := range offers {
		if o.TripID != trip.ID {
			continue
		}
		if o.Status == models.OfferAccepted {
			accepted++
			if matched && !trip.AssignedTo(o.DriverID) {
				return fmt.Errorf("trip %d driver does not match accepted offer %d", trip.ID, o.ID)
			}
		}
	}
	switch {
	case !matched && accepted != 0:
		return fmt.Errorf("trip %d is requested but has %d accepted offers", trip.ID, accepted)
	case matched && accepted != 1:
		return fmt.Errorf("trip %d is %s with %d accepted offers", trip.ID, trip.Status, accepted)
	}
	return nil
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/example/freight-matching/internal/models"
)

type rowLoader struct {
	trips  map[int64]models.Trip
	offers map[int64]models.Offer
	err    error
}

func (r rowLoader) GetTrip(_ context.Context, id int64) (models.Trip, error) {
	if r.err != nil {
		return models.Trip{}, r.err
	}
	t, ok := r.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %d: %w", id, models.ErrNotFound)
	}
	return t, nil
}

func (r rowLoader) GetOffer(_ context.Context, id int64) (models.Offer, error) {
	if r.err != nil {
		return models.Offer{}, r.err
	}
	o, ok := r.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("offer %d: %w", id, models.ErrNotFound)
	}
	return o, nil
}

type recorder struct{ events []Event }

func (r *recorder) Publish(ev Event) { r.events = append(r.events, ev) }

func TestResolveLoadsLargeRows(t *testing.T) {
	notes := strings.Repeat("🚚", 1000)
	driver := "d1"
	price := int64(900)
	rows := rowLoader{
		trips: map[int64]models.Trip{7: {ID: 7, CustomerID: "c1", DriverID: &driver, FinalPrice: &price,
			Status: models.TripAccepted, CargoDescription: strings.Repeat("pallets of tiles ", 250), Version: 2}},
		offers: map[int64]models.Offer{3: {ID: 3, TripID: 7, DriverID: "d1", Price: 900, Notes: &notes, Status: models.OfferAccepted, Version: 2}},
	}
	l := &PGListener{Rows: rows}

	ev, err := l.Resolve(context.Background(), `{"entity":"offers","type":"UPDATE","id":3,"trip_id":7,"version":2,"before":{"id":3,"status":"pending","version":1}}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.After) < 4000 {
		t.Fatalf("after holds %d bytes, expected the full row", len(ev.After))
	}
	var after, before models.Offer
	if err := json.Unmarshal(ev.After, &after); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(ev.Before, &before); err != nil {
		t.Fatal(err)
	}
	if *after.Notes != notes || after.Status != models.OfferAccepted || before.Status != models.OfferPending || before.Version != 1 {
		t.Fatalf("before %+v after %+v", before, after)
	}

	ev, err = l.Resolve(context.Background(), `{"entity":"trips","type":"UPDATE","id":7,"trip_id":7,"version":2,"before":{"id":7,"status":"requested","version":1}}`)
	if err != nil {
		t.Fatal(err)
	}
	var trip models.Trip
	if err := json.Unmarshal(ev.After, &trip); err != nil || trip.CargoDescription != rows.trips[7].CargoDescription {
		t.Fatalf("trip after %+v, %v", trip, err)
	}
}

func TestResolveDeleteNeedsNoRow(t *testing.T) {
	l := &PGListener{Rows: rowLoader{}}
	ev, err := l.Resolve(context.Background(), `{"entity":"trips","type":"DELETE","id":4,"trip_id":4,"version":3,"before":{"id":4,"status":"requested","version":3}}`)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != Delete || ev.Version != 3 || len(ev.After) != 0 {
		t.Fatalf("unexpected delete %+v", ev)
	}
}

func TestListenerHandleOutcomes(t *testing.T) {
	pub := &recorder{}
	gaps := 0
	l := &PGListener{Rows: rowLoader{}, Pub: pub, OnGap: func() { gaps++ }}
	ctx := context.Background()

	// row deleted before it could be loaded
	l.handle(ctx, `{"entity":"trips","type":"INSERT","id":9,"trip_id":9,"version":1}`)
	l.handle(ctx, `not json`)
	l.handle(ctx, `{"entity":"drivers","type":"INSERT","id":1}`)
	if len(pub.events) != 0 || gaps != 0 {
		t.Fatalf("published %d, gaps %d", len(pub.events), gaps)
	}

	l.Rows = rowLoader{err: fmt.Errorf("conn reset: %w", models.ErrTransientStore)}
	l.handle(ctx, `{"entity":"trips","type":"UPDATE","id":9,"trip_id":9,"version":2}`)
	if gaps != 1 || len(pub.events) != 0 {
		t.Fatalf("load failure must force a resync: gaps %d", gaps)
	}

	l.Rows = rowLoader{trips: map[int64]models.Trip{9: {ID: 9, Status: models.TripRequested, Version: 1}}}
	l.handle(ctx, `{"entity":"trips","type":"INSERT","id":9,"trip_id":9,"version":1}`)
	if len(pub.events) != 1 || pub.events[0].ID != 9 {
		t.Fatalf("published %+v", pub.events)
	}
}

func TestResolveRejectsUnknownEntity(t *testing.T) {
	l := &PGListener{Rows: rowLoader{}}
	if _, err := l.Resolve(context.Background(), `{"entity":"drivers","type":"INSERT","id":1}`); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

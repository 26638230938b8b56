// Package stream carries trip and offer change events from the store to
// every live view. Delivery is at-least-once and only ordered per entity.
package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/example/freight-matching/internal/models"
)

type EntityType string

const (
	EntityTrips  EntityType = "trips"
	EntityOffers EntityType = "offers"
)

func (e EntityType) Valid() bool { return e == EntityTrips || e == EntityOffers }

type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// Event is one committed mutation. Before/After hold the JSON encoding of the
// entity so every transport can pass them through untouched.
type Event struct {
	Entity EntityType `json:"entity"`
	Type   EventType  `json:"type"`
	ID     int64      `json:"id"`
	TripID int64      `json:"trip_id"`
	// Version is the row version the mutation committed; the prior one for deletes.
	Version int64           `json:"version,omitempty"`
	Before  json.RawMessage `json:"before,omitempty"`
	After   json.RawMessage `json:"after,omitempty"`
}

// Key orders events of one entity onto the same Kafka partition.
func (e Event) Key() string {
	return string(e.Entity) + ":" + strconv.FormatInt(e.ID, 10)
}

func (e Event) Validate() error {
	if !e.Entity.Valid() {
		return fmt.Errorf("stream: unknown entity %q", e.Entity)
	}
	switch e.Type {
	case Insert, Update:
		if len(e.After) == 0 {
			return fmt.Errorf("stream: %s event for %s %d without after", e.Type, e.Entity, e.ID)
		}
	case Delete:
	default:
		return fmt.Errorf("stream: unknown event type %q", e.Type)
	}
	return nil
}

func TripEvent(typ EventType, before, after *models.Trip) Event {
	ev := Event{Entity: EntityTrips, Type: typ}
	if after != nil {
		ev.ID, ev.TripID, ev.Version = after.ID, after.ID, after.Version
		ev.After = mustMarshal(after)
	}
	if before != nil {
		ev.ID, ev.TripID = before.ID, before.ID
		if after == nil {
			ev.Version = before.Version
		}
		ev.Before = mustMarshal(before)
	}
	return ev
}

func OfferEvent(typ EventType, before, after *models.Offer) Event {
	ev := Event{Entity: EntityOffers, Type: typ}
	if after != nil {
		ev.ID, ev.TripID, ev.Version = after.ID, after.TripID, after.Version
		ev.After = mustMarshal(after)
	}
	if before != nil {
		ev.ID, ev.TripID = before.ID, before.TripID
		if after == nil {
			ev.Version = before.Version
		}
		ev.Before = mustMarshal(before)
	}
	return ev
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Filter narrows a subscription. The zero value matches everything.
type Filter struct {
	TripID int64
}

func (f Filter) Match(ev Event) bool {
	return f.TripID == 0 || f.TripID == ev.TripID
}

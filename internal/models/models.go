package models

import "time"

type TripStatus string

const (
	TripRequested TripStatus = "requested"
	TripAccepted  TripStatus = "accepted"
	TripInTransit TripStatus = "in_transit"
	TripCompleted TripStatus = "completed"
	TripPaid      TripStatus = "paid"
)

// Valid reports whether s is one of the known trip states.
func (s TripStatus) Valid() bool {
	switch s {
	case TripRequested, TripAccepted, TripInTransit, TripCompleted, TripPaid:
		return true
	}
	return false
}

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCancelled OfferStatus = "cancelled"
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferCancelled:
		return true
	}
	return false
}

// Terminal offers never change again.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferCancelled
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleSystem   Role = "system"
)

// Actor is whoever is asking for a mutation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used by internal collaborators such as the payment webhook.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Trip is a shipment request posted by a customer.
type Trip struct {
	ID                   int64      `json:"id"`
	CustomerID           string     `json:"customer_id"`
	DriverID             *string    `json:"driver_id"`
	Status               TripStatus `json:"status"`
	OriginAddress        string     `json:"origin_address"`
	DestinationAddress   string     `json:"destination_address"`
	CargoDescription     string     `json:"cargo_description"`
	FinalPrice           *int64     `json:"final_price"`
	DriverArrivalTimeMin *int       `json:"driver_arrival_time_min"`
	StartTime            *time.Time `json:"start_time"`
	FinalDurationMin     *int       `json:"final_duration_min"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int64      `json:"version"`
}

func (t Trip) Key() int64             { return t.ID }
func (t Trip) SortTime() time.Time    { return t.CreatedAt }
func (t Trip) Revision() int64        { return t.Version }
func (t Trip) OwnedBy(id string) bool { return t.CustomerID == id }

// AssignedTo reports whether driverID is the driver recorded on the trip.
func (t Trip) AssignedTo(driverID string) bool {
	return t.DriverID != nil && *t.DriverID == driverID
}

// Offer is a driver's bid on a trip.
type Offer struct {
	ID             int64       `json:"id"`
	TripID         int64       `json:"trip_id"`
	DriverID       string      `json:"driver_id"`
	Price          int64       `json:"price"`
	Notes          *string     `json:"notes"`
	DriverLocation *string     `json:"driver_location"`
	Status         OfferStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Version        int64       `json:"version"`
}

func (o Offer) Key() int64          { return o.ID }
func (o Offer) SortTime() time.Time { return o.CreatedAt }
func (o Offer) Revision() int64     { return o.Version }

type NewTrip struct {
	CustomerID         string `json:"-"`
	OriginAddress      string `json:"origin_address"`
	DestinationAddress string `json:"destination_address"`
	CargoDescription   string `json:"cargo_description"`
}

type NewOffer struct {
	TripID         int64   `json:"-"`
	DriverID       string  `json:"-"`
	Price          int64   `json:"price"`
	Notes          *string `json:"notes,omitempty"`
	DriverLocation *string `json:"driver_location,omitempty"`
}

type TripFilter struct {
	CustomerID string
	DriverID   string
	Status     TripStatus
}

type OfferFilter struct {
	TripID   int64
	DriverID string
	Status   OfferStatus
}

// TripUpdate carries the fields a single status transition may set.
type TripUpdate struct {
	Status           TripStatus
	StartTime        *time.Time
	FinalDurationMin *int
}

// Acceptance is the input of the matching transaction.
type Acceptance struct {
	TripID               int64
	OfferID              int64
	CustomerID           string
	DriverID             string
	Price                int64
	DriverArrivalTimeMin *int
}

// AcceptResult is everything the matching transaction changed.
type AcceptResult struct {
	Trip     Trip    `json:"trip"`
	Offer    Offer   `json:"offer"`
	Rejected []Offer `json:"rejected"`
}

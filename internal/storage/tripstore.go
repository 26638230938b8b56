package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/freight-matching/internal/lifecycle"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/stream"
)

// TripStore defines persistence operations for trips. Status writes are
// conditional on the expected current status; zero matched rows is ErrConflict.
type TripStore interface {
	CreateTrip(ctx context.Context, in models.NewTrip) (models.Trip, error)
	GetTrip(ctx context.Context, id int64) (models.Trip, error)
	ListTrips(ctx context.Context, f models.TripFilter) ([]models.Trip, error)
	TransitionTrip(ctx context.Context, id int64, expected models.TripStatus, upd models.TripUpdate) (models.Trip, error)
	DeleteTrip(ctx context.Context, id int64) error
}

// OfferStore defines persistence operations for offers.
type OfferStore interface {
	CreateOffer(ctx context.Context, in models.NewOffer) (models.Offer, error)
	GetOffer(ctx context.Context, id int64) (models.Offer, error)
	ListOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error)
	TransitionOffer(ctx context.Context, id int64, expected, next models.OfferStatus) (models.Offer, error)
}

// MatchStore runs the accept-offer transaction: trip, winning offer and
// rejected siblings change together or not at all.
type MatchStore interface {
	AcceptOffer(ctx context.Context, a models.Acceptance) (models.AcceptResult, error)
}

type Store interface {
	TripStore
	OfferStore
	MatchStore
}

// MemoryStore keeps everything in maps behind one lock. Events are published
// while the lock is held so subscribers see commit order.
type MemoryStore struct {
	mu        sync.RWMutex
	trips     map[int64]*models.Trip
	offers    map[int64]*models.Offer
	nextTrip  int64
	nextOffer int64
	pub       stream.Publisher
	now       func() time.Time
}

func NewMemoryStore(pub stream.Publisher) *MemoryStore {
	if pub == nil {
		pub = stream.PublisherFunc(func(stream.Event) {})
	}
	return &MemoryStore{
		trips:  make(map[int64]*models.Trip),
		offers: make(map[int64]*models.Offer),
		pub:    pub,
		now:    time.Now,
	}
}

// stamp returns a strictly increasing time so created_at ordering is stable
// even when the wall clock does not move between two inserts.
func (m *MemoryStore) stamp(prev time.Time) time.Time {
	t := m.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (m *MemoryStore) CreateTrip(ctx context.Context, in models.NewTrip) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTrip++
	now := m.now().UTC()
	t := &models.Trip{
		ID:                 m.nextTrip,
		CustomerID:         in.CustomerID,
		Status:             models.TripRequested,
		OriginAddress:      in.OriginAddress,
		DestinationAddress: in.DestinationAddress,
		CargoDescription:   in.CargoDescription,
		CreatedAt:          now,
		UpdatedAt:          now,
		Version:            1,
	}
	m.trips[t.ID] = t
	out := *t
	m.pub.Publish(stream.TripEvent(stream.Insert, nil, &out))
	return out, nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id int64) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("storage: trip %d: %w", id, models.ErrNotFound)
	}
	return *t, nil
}

func (m *MemoryStore) ListTrips(ctx context.Context, f models.TripFilter) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		if f.CustomerID != "" && t.CustomerID != f.CustomerID {
			continue
		}
		if f.DriverID != "" && !t.AssignedTo(f.DriverID) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *MemoryStore) TransitionTrip(ctx context.Context, id int64, expected models.TripStatus, upd models.TripUpdate) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("storage: trip %d: %w", id, models.ErrNotFound)
	}
	if t.Status != expected {
		return models.Trip{}, fmt.Errorf("storage: trip %d is %s, expected %s: %w", id, t.Status, expected, models.ErrConflict)
	}
	before := *t
	*t = lifecycle.ApplyTripUpdate(*t, upd)
	t.UpdatedAt = m.stamp(t.UpdatedAt)
	t.Version++
	out := *t
	m.pub.Publish(stream.TripEvent(stream.Update, &before, &out))
	return out, nil
}

func (m *MemoryStore) DeleteTrip(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return fmt.Errorf("storage: trip %d: %w", id, models.ErrNotFound)
	}
	if t.Status != models.TripRequested {
		return fmt.Errorf("storage: trip %d is %s: %w", id, t.Status, models.ErrConflict)
	}
	for oid, o := range m.offers {
		if o.TripID != id {
			continue
		}
		before := *o
		delete(m.offers, oid)
		m.pub.Publish(stream.OfferEvent(stream.Delete, &before, nil))
	}
	before := *t
	delete(m.trips, id)
	m.pub.Publish(stream.TripEvent(stream.Delete, &before, nil))
	return nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, in models.NewOffer) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[in.TripID]
	if !ok {
		return models.Offer{}, fmt.Errorf("storage: trip %d: %w", in.TripID, models.ErrNotFound)
	}
	if t.Status != models.TripRequested {
		return models.Offer{}, fmt.Errorf("storage: trip %d is %s: %w", in.TripID, t.Status, models.ErrConflict)
	}
	m.nextOffer++
	now := m.now().UTC()
	o := &models.Offer{
		ID:             m.nextOffer,
		TripID:         in.TripID,
		DriverID:       in.DriverID,
		Price:          in.Price,
		Notes:          in.Notes,
		DriverLocation: in.DriverLocation,
		Status:         models.OfferPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	m.offers[o.ID] = o
	out := *o
	m.pub.Publish(stream.OfferEvent(stream.Insert, nil, &out))
	return out, nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, id int64) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("storage: offer %d: %w", id, models.ErrNotFound)
	}
	return *o, nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0, len(m.offers))
	for _, o := range m.offers {
		if f.TripID != 0 && o.TripID != f.TripID {
			continue
		}
		if f.DriverID != "" && o.DriverID != f.DriverID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i].CreatedAt, out[i].ID, out[j].CreatedAt, out[j].ID) })
	return out, nil
}

func (m *MemoryStore) TransitionOffer(ctx context.Context, id int64, expected, next models.OfferStatus) (models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, fmt.Errorf("storage: offer %d: %w", id, models.ErrNotFound)
	}
	if o.Status != expected {
		return models.Offer{}, fmt.Errorf("storage: offer %d is %s, expected %s: %w", id, o.Status, expected, models.ErrConflict)
	}
	before := *o
	m.setOfferStatus(o, next)
	out := *o
	m.pub.Publish(stream.OfferEvent(stream.Update, &before, &out))
	return out, nil
}

func (m *MemoryStore) setOfferStatus(o *models.Offer, s models.OfferStatus) {
	o.Status = s
	o.UpdatedAt = m.stamp(o.UpdatedAt)
	o.Version++
}

// AcceptOffer checks every precondition before mutating anything, so a
// failed precondition leaves no partial state behind.
func (m *MemoryStore) AcceptOffer(ctx context.Context, a models.Acceptance) (models.AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trips[a.TripID]
	if !ok {
		return models.AcceptResult{}, fmt.Errorf("storage: trip %d: %w", a.TripID, models.ErrNotFound)
	}
	o, ok := m.offers[a.OfferID]
	if !ok || o.TripID != a.TripID {
		return models.AcceptResult{}, fmt.Errorf("storage: offer %d on trip %d: %w", a.OfferID, a.TripID, models.ErrNotFound)
	}
	if !t.OwnedBy(a.CustomerID) {
		return models.AcceptResult{}, fmt.Errorf("storage: trip %d not owned by %s: %w", a.TripID, a.CustomerID, models.ErrUnauthorized)
	}
	if t.Status != models.TripRequested {
		return models.AcceptResult{}, fmt.Errorf("storage: trip %d no longer requested: %w", a.TripID, models.ErrConflict)
	}
	if o.Status != models.OfferPending {
		return models.AcceptResult{}, fmt.Errorf("storage: offer %d is %s: %w", a.OfferID, o.Status, models.ErrConflict)
	}

	tripBefore := *t
	*t = lifecycle.ApplyAccept(*t, *o, a.DriverArrivalTimeMin)
	t.UpdatedAt = m.stamp(t.UpdatedAt)
	t.Version++

	offerBefore := *o
	m.setOfferStatus(o, models.OfferAccepted)

	res := models.AcceptResult{Trip: *t, Offer: *o}
	events := []stream.Event{
		stream.TripEvent(stream.Update, &tripBefore, &res.Trip),
		stream.OfferEvent(stream.Update, &offerBefore, &res.Offer),
	}
	for _, sib := range m.offers {
		if sib.TripID != a.TripID || sib.ID == o.ID || sib.Status != models.OfferPending {
			continue
		}
		before := *sib
		m.setOfferStatus(sib, models.OfferRejected)
		after := *sib
		res.Rejected = append(res.Rejected, after)
		events = append(events, stream.OfferEvent(stream.Update, &before, &after))
	}
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].ID < res.Rejected[j].ID })
	for _, ev := range events {
		m.pub.Publish(ev)
	}
	return res, nil
}

func newerFirst(ti time.Time, idi int64, tj time.Time, idj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi > idj
}

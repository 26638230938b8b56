package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/freight-matching/internal/client"
	httpapi "github.com/example/freight-matching/internal/http"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/reconciler"
	"github.com/example/freight-matching/internal/stream"
)

var viewSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "consumer_view_size",
	Help: "Entities currently held in each live view",
}, []string{"entity"})

func init() {
	prometheus.MustRegister(viewSize)
}

// apiAccess mints a fresh system token for every call so long-running
// consumers never hold an expired one.
type apiAccess struct {
	baseURL string
	auth    *httpapi.Authenticator
}

func (a apiAccess) client() (*client.Client, error) {
	tok, err := a.auth.Issue(models.SystemActor, time.Hour)
	if err != nil {
		return nil, err
	}
	return client.New(a.baseURL, tok), nil
}

func (a apiAccess) Subscribe(ctx context.Context, entity stream.EntityType, filter stream.Filter) (stream.Subscription, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	return c.StreamSource().Subscribe(ctx, entity, filter)
}

func (a apiAccess) trips(ctx context.Context) ([]models.Trip, error) {
	c, err := a.client()
	if err != nil {
		return nil, err
	}
	return c.Trips(ctx, models.TripFilter{})
}

func (a apiAccess) offers(tripID int64) reconciler.FetchFunc[models.Offer] {
	return func(ctx context.Context) ([]models.Offer, error) {
		c, err := a.client()
		if err != nil {
			return nil, err
		}
		return c.Offers(ctx, models.OfferFilter{TripID: tripID})
	}
}

// views holds one live, reconciled collection per entity type.
type views struct {
	trips  *reconciler.Reconciler[models.Trip]
	offers *reconciler.Reconciler[models.Offer]
}

type viewOptions struct {
	source     stream.Source
	api        apiAccess
	tripID     int64
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

func newViews(o viewOptions) *views {
	filter := stream.Filter{TripID: o.tripID}
	tripFetch := reconciler.FetchFunc[models.Trip](o.api.trips)
	if o.tripID != 0 {
		tripFetch = func(ctx context.Context) ([]models.Trip, error) {
			c, err := o.api.client()
			if err != nil {
				return nil, err
			}
			t, err := c.Trip(ctx, o.tripID)
			if err != nil {
				return nil, err
			}
			return []models.Trip{t}, nil
		}
	}
	return &views{
		trips: reconciler.New(reconciler.Options[models.Trip]{
			Entity:     stream.EntityTrips,
			Filter:     filter,
			Source:     o.source,
			Fetch:      tripFetch,
			MinBackoff: o.minBackoff,
			MaxBackoff: o.maxBackoff,
			Logger:     o.logger,
			OnChange: func(_ reconciler.State, snap []models.Trip) {
				viewSize.WithLabelValues(string(stream.EntityTrips)).Set(float64(len(snap)))
			},
		}),
		offers: reconciler.New(reconciler.Options[models.Offer]{
			Entity:     stream.EntityOffers,
			Filter:     filter,
			Source:     o.source,
			Fetch:      o.api.offers(o.tripID),
			MinBackoff: o.minBackoff,
			MaxBackoff: o.maxBackoff,
			Logger:     o.logger,
			OnChange: func(_ reconciler.State, snap []models.Offer) {
				viewSize.WithLabelValues(string(stream.EntityOffers)).Set(float64(len(snap)))
			},
		}),
	}
}

func (v *views) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.trips.Run(ctx) })
	g.Go(func() error { return v.offers.Run(ctx) })
	return g.Wait()
}

func (v *views) ready() bool {
	return v.trips.State() == reconciler.Live && v.offers.State() == reconciler.Live
}

type snapshot[T any] struct {
	State  string `json:"state"`
	Synced bool   `json:"synced"`
	Items  []T    `json:"items"`
}

func (v *views) handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !v.ready() {
			http.Error(w, "views not live", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	r.HandleFunc("/snapshot/{entity}", func(w http.ResponseWriter, r *http.Request) {
		var body any
		switch stream.EntityType(mux.Vars(r)["entity"]) {
		case stream.EntityTrips:
			body = snapshot[models.Trip]{State: v.trips.State().String(), Synced: v.trips.Synced(), Items: v.trips.Snapshot()}
		case stream.EntityOffers:
			body = snapshot[models.Offer]{State: v.offers.State().String(), Synced: v.offers.Synced(), Items: v.offers.Snapshot()}
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}).Methods("GET")
	return r
}

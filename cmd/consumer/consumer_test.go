package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/freight-matching/internal/config"
	httpapi "github.com/example/freight-matching/internal/http"
	"github.com/example/freight-matching/internal/matcher"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/reconciler"
	"github.com/example/freight-matching/internal/storage"
	"github.com/example/freight-matching/internal/stream"
)

const secret = "consumer-test"

// startAPI runs the real API over an in-memory store.
func startAPI(t *testing.T) (*httptest.Server, *matcher.Service) {
	t.Helper()
	broker := stream.NewBroker(64, nil)
	svc := &matcher.Service{Store: storage.NewMemoryStore(broker)}
	srv := httptest.NewServer(httpapi.NewServer(svc, stream.NewWSHub(broker, nil), httpapi.NewAuthenticator(secret), nil))
	t.Cleanup(srv.Close)
	return srv, svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestViewsFollowAPI(t *testing.T) {
	srv, svc := startAPI(t)
	ctx := context.Background()
	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	driver := models.Actor{ID: "d1", Role: models.RoleDriver}

	existing, err := svc.CreateTrip(ctx, customer, models.NewTrip{OriginAddress: "A", DestinationAddress: "B"})
	if err != nil {
		t.Fatal(err)
	}

	api := apiAccess{baseURL: srv.URL, auth: httpapi.NewAuthenticator(secret)}
	v := newViews(viewOptions{source: api, api: api, minBackoff: 5 * time.Millisecond, maxBackoff: 20 * time.Millisecond, logger: slog.Default()})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- v.run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, "views live", v.ready)
	if snap := v.trips.Snapshot(); len(snap) != 1 || snap[0].ID != existing.ID {
		t.Fatalf("initial resync: %+v", snap)
	}

	offer, err := svc.CreateOffer(ctx, driver, models.NewOffer{TripID: existing.ID, Price: 700})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptOffer(ctx, customer, offer.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "accepted trip", func() bool {
		tr, ok := v.trips.Get(existing.ID)
		return ok && tr.Status == models.TripAccepted
	})
	waitFor(t, "accepted offer", func() bool {
		o, ok := v.offers.Get(offer.ID)
		return ok && o.Status == models.OfferAccepted
	})
}

func TestSnapshotAndReadyEndpoints(t *testing.T) {
	v := newViews(viewOptions{api: apiAccess{auth: httpapi.NewAuthenticator(secret)}})
	v.trips.Resync([]models.Trip{{ID: 1, CustomerID: "c1", Status: models.TripRequested, Version: 1}})
	h := v.handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before live: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/snapshot/trips", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", rec.Code)
	}
	var body snapshot[models.Trip]
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Synced || body.State != reconciler.Disconnected.String() || len(body.Items) != 1 {
		t.Fatalf("unexpected snapshot %+v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/snapshot/drivers", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown entity: %d", rec.Code)
	}
}

func TestPickSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := apiAccess{baseURL: "http://api"}
	if _, ok := pickSource(config.ConsumerConfig{}, api, logger).(apiAccess); !ok {
		t.Fatal("expected websocket source without kafka")
	}
	ks, ok := pickSource(config.ConsumerConfig{KafkaBrokers: []string{"k:9092"}, KafkaTopic: "freight-changes"}, api, logger).(*stream.KafkaSource)
	if !ok {
		t.Fatal("expected kafka source")
	}
	if ks.Topic != "freight-changes" || len(ks.Brokers) != 1 {
		t.Fatalf("unexpected source %+v", ks)
	}
}

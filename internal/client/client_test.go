package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/example/freight-matching/internal/models"
)

func TestOffersSendsFilterAndToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/api/v1/offers" || r.URL.Query().Get("trip_id") != "7" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"id":3,"trip_id":7,"driver_id":"d1","price":100,"status":"pending","version":1}]`))
	}))
	defer srv.Close()

	offers, err := New(srv.URL, "tok").Offers(context.Background(), models.OfferFilter{TripID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if len(offers) != 1 || offers[0].ID != 3 || offers[0].Status != models.OfferPending {
		t.Fatalf("unexpected offers %+v", offers)
	}
}

func TestErrorsMapToTaxonomy(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()
	c := New(srv.URL, "")

	if _, err := c.Trips(context.Background(), models.TripFilter{}); !errors.Is(err, models.ErrTransientStore) {
		t.Fatalf("503: expected transient, got %v", err)
	}
	code.Store(http.StatusForbidden)
	if _, err := c.Trips(context.Background(), models.TripFilter{}); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("403: expected unauthorized, got %v", err)
	}
}

func TestStreamSourceURL(t *testing.T) {
	src := New("https://api.example.com/", "tok").StreamSource()
	if src.URL != "wss://api.example.com/ws/stream" {
		t.Fatalf("url = %s", src.URL)
	}
	if src.Header.Get("Authorization") != "Bearer tok" {
		t.Fatalf("missing auth header")
	}
}

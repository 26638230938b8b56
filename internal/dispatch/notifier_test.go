package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/example/freight-matching/internal/matcher"
	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/storage"
	"github.com/example/freight-matching/internal/stream"
)

type inbox struct {
	mu      sync.Mutex
	notices []Notice
	auth    []string
}

func (b *inbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var n Notice
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	b.mu.Lock()
	b.notices = append(b.notices, n)
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *inbox) snapshot() []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notice(nil), b.notices...)
}

func TestNotifierReportsAcceptAndReject(t *testing.T) {
	box := &inbox{}
	hook := httptest.NewServer(box)
	defer hook.Close()

	broker := stream.NewBroker(64, nil)
	svc := &matcher.Service{Store: storage.NewMemoryStore(broker)}
	n := NewNotifier(hook.URL, "push-key", broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// Run subscribes asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for broker.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	trip, err := svc.CreateTrip(ctx, customer, models.NewTrip{OriginAddress: "A", DestinationAddress: "B"})
	if err != nil {
		t.Fatal(err)
	}
	win, err := svc.CreateOffer(ctx, models.Actor{ID: "d1", Role: models.RoleDriver}, models.NewOffer{TripID: trip.ID, Price: 500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateOffer(ctx, models.Actor{ID: "d2", Role: models.RoleDriver}, models.NewOffer{TripID: trip.ID, Price: 450}); err != nil {
		t.Fatal(err)
	}
	cancelled, err := svc.CreateOffer(ctx, models.Actor{ID: "d3", Role: models.RoleDriver}, models.NewOffer{TripID: trip.ID, Price: 650})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CancelOffer(ctx, models.Actor{ID: "d3", Role: models.RoleDriver}, cancelled.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptOffer(ctx, customer, win.ID); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for len(box.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d notices", len(box.snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := box.snapshot()
	sort.Slice(got, func(i, j int) bool { return got[i].DriverID < got[j].DriverID })
	if got[0].DriverID != "d1" || got[0].Status != models.OfferAccepted || got[0].Price != 500 {
		t.Fatalf("winner notice %+v", got[0])
	}
	if got[1].DriverID != "d2" || got[1].Status != models.OfferRejected {
		t.Fatalf("loser notice %+v", got[1])
	}
	if box.auth[0] != "Bearer push-key" {
		t.Fatalf("authorization %q", box.auth[0])
	}
}

func TestResolvedIgnoresOtherChanges(t *testing.T) {
	pending := models.Offer{ID: 1, TripID: 2, DriverID: "d", Status: models.OfferPending}
	accepted := pending
	accepted.Status = models.OfferAccepted
	cancelledOffer := pending
	cancelledOffer.Status = models.OfferCancelled

	if _, ok := resolved(stream.OfferEvent(stream.Insert, nil, &pending)); ok {
		t.Fatal("insert is not a resolution")
	}
	if _, ok := resolved(stream.OfferEvent(stream.Update, &pending, &cancelledOffer)); ok {
		t.Fatal("cancellation is not notified")
	}
	if _, ok := resolved(stream.OfferEvent(stream.Update, &accepted, &accepted)); ok {
		t.Fatal("already resolved offer notified twice")
	}
	n, ok := resolved(stream.OfferEvent(stream.Update, &pending, &accepted))
	if !ok || n.Status != models.OfferAccepted || n.TripID != 2 {
		t.Fatalf("resolution = %+v, %v", n, ok)
	}
}

func TestSendFailsOnErrorStatus(t *testing.T) {
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hook.Close()
	n := NewNotifier(hook.URL, "", nil, nil)
	if err := n.Send(context.Background(), Notice{DriverID: "d"}); err == nil {
		t.Fatal("expected error for 502")
	}
}

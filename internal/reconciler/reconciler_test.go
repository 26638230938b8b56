package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/freight-matching/internal/models"
	"github.com/example/freight-matching/internal/storage"
	"github.com/example/freight-matching/internal/stream"
)

// mutable drops events while muted, simulating a stream outage.
type mutable struct {
	next  stream.Publisher
	muted atomic.Bool
}

func (m *mutable) Publish(ev stream.Event) {
	if !m.muted.Load() {
		m.next.Publish(ev)
	}
}

type harness struct {
	store  *storage.MemoryStore
	broker *stream.Broker
	pub    *mutable
	rec    *Reconciler[models.Trip]
	fail   atomic.Bool
	cancel context.CancelFunc
	done   chan error

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{broker: stream.NewBroker(64, nil), done: make(chan error, 1)}
	h.pub = &mutable{next: h.broker}
	h.store = storage.NewMemoryStore(h.pub)
	h.rec = New(Options[models.Trip]{
		Entity:     stream.EntityTrips,
		Source:     h.broker,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Fetch: func(ctx context.Context) ([]models.Trip, error) {
			if h.fail.Load() {
				return nil, models.ErrTransientStore
			}
			return h.store.ListTrips(ctx, models.TripFilter{})
		},
		OnChange: func(s State, _ []models.Trip) {
			h.mu.Lock()
			if n := len(h.states); n == 0 || h.states[n-1] != s {
				h.states = append(h.states, s)
			}
			h.mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.rec.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconcilerFollowsStore(t *testing.T) {
	h := newHarness(t)
	waitFor(t, "live", func() bool { return h.rec.State() == Live })

	ctx := context.Background()
	a, _ := h.store.CreateTrip(ctx, models.NewTrip{CustomerID: "c1"})
	b, _ := h.store.CreateTrip(ctx, models.NewTrip{CustomerID: "c1"})
	if err := h.store.DeleteTrip(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delete merged", func() bool {
		snap := h.rec.Snapshot()
		return len(snap) == 1 && snap[0].ID == b.ID
	})
}

func TestReconcilerResyncsAfterGap(t *testing.T) {
	h := newHarness(t)
	waitFor(t, "live", func() bool { return h.rec.State() == Live })
	ctx := context.Background()
	first, _ := h.store.CreateTrip(ctx, models.NewTrip{CustomerID: "c1"})
	waitFor(t, "first trip", func() bool { return len(h.rec.Snapshot()) == 1 })

	h.pub.muted.Store(true)
	missed, _ := h.store.CreateTrip(ctx, models.NewTrip{CustomerID: "c1"})
	if err := h.store.DeleteTrip(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	h.pub.muted.Store(false)
	h.broker.Gap()

	waitFor(t, "resync", func() bool {
		snap := h.rec.Snapshot()
		return len(snap) == 1 && snap[0].ID == missed.ID && h.rec.State() == Live
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	want := []State{Connecting, Live, Reconnecting, Live}
	if len(h.states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", h.states, want)
	}
	for i, s := range want {
		if h.states[i] != s {
			t.Fatalf("states = %v, want prefix %v", h.states, want)
		}
	}
}

func TestReconcilerKeepsLastKnownViewWhileReconnecting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trip, _ := h.store.CreateTrip(ctx, models.NewTrip{CustomerID: "c1"})
	waitFor(t, "initial sync", func() bool { return len(h.rec.Snapshot()) == 1 })

	h.fail.Store(true)
	h.broker.Gap()
	waitFor(t, "reconnecting", func() bool { return h.rec.State() == Reconnecting })
	// let a few failed fetches go by
	time.Sleep(30 * time.Millisecond)
	snap := h.rec.Snapshot()
	if len(snap) != 1 || snap[0].ID != trip.ID {
		t.Fatalf("expected stale view with trip %d, got %v", trip.ID, snap)
	}

	h.fail.Store(false)
	waitFor(t, "live again", func() bool { return h.rec.State() == Live })
}

func TestReconcilerStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	waitFor(t, "live", func() bool { return h.rec.State() == Live })
	h.cancel()
	if err := <-h.done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	h.done <- nil
	if h.rec.State() != Disconnected {
		t.Fatalf("expected disconnected, got %s", h.rec.State())
	}
}

func TestMergeIgnoresOtherEntities(t *testing.T) {
	r := New(Options[models.Trip]{Entity: stream.EntityTrips, Filter: stream.Filter{TripID: 1}})
	o := models.Offer{ID: 5, TripID: 1}
	if res := r.Merge(stream.OfferEvent(stream.Insert, nil, &o)); res != Absent {
		t.Fatalf("expected offer event ignored, got %s", res)
	}
	tr := trip(2, models.TripRequested, 1, base)
	if res := r.Merge(insert(tr)); res != Absent {
		t.Fatalf("expected filtered trip ignored, got %s", res)
	}
	if len(r.Snapshot()) != 0 {
		t.Fatal("snapshot should be empty")
	}
}

func TestRunRequiresSource(t *testing.T) {
	r := New(Options[models.Trip]{Entity: stream.EntityTrips})
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error without source")
	}
}

package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestParseCoord(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"43.238,76.945", true},
		{" 51.16 , 71.47 ", true},
		{"Almaty", false},
		{"91,0", false},
		{"1,2,3", false},
	}
	for _, tc := range cases {
		if _, ok := ParseCoord(tc.in); ok != tc.ok {
			t.Fatalf("ParseCoord(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
	}
}

func TestStraightLineRoundsUp(t *testing.T) {
	// ~1.11km north at 10 m/s is just under two minutes.
	m, err := StraightLine{SpeedMps: 10}.EstimateMinutes(context.Background(), "0,0", "0.01,0")
	if err != nil {
		t.Fatal(err)
	}
	if m != 2 {
		t.Fatalf("expected 2 minutes, got %d", m)
	}
	if _, err := (StraightLine{}).EstimateMinutes(context.Background(), "Almaty", "0,0"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestChainFallsThrough(t *testing.T) {
	failing := EstimatorFunc(func(context.Context, string, string) (int, error) { return 0, errors.New("boom") })
	fixed := EstimatorFunc(func(context.Context, string, string) (int, error) { return 7, nil })

	m, err := Chain{failing, fixed}.EstimateMinutes(context.Background(), "a", "b")
	if err != nil || m != 7 {
		t.Fatalf("expected 7, got %d (%v)", m, err)
	}
	if _, err := (Chain{failing}).EstimateMinutes(context.Background(), "a", "b"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCachedSkipsSecondLookup(t *testing.T) {
	calls := 0
	next := EstimatorFunc(func(context.Context, string, string) (int, error) {
		calls++
		return 12, nil
	})
	c := &Cached{Next: next, Cache: NewCache(time.Minute)}
	for i := 0; i < 3; i++ {
		if m, err := c.EstimateMinutes(context.Background(), "0,0", "1,1"); err != nil || m != 12 {
			t.Fatalf("got %d (%v)", m, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set(context.Background(), "a", "b", 3)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(context.Background(), "a", "b"); ok {
		t.Fatal("expected expired entry")
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/76.945000,43.238000;71.470000,51.160000" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":601}]}`))
	}))
	defer srv.Close()

	m, err := NewOSRMClient(srv.URL).EstimateMinutes(context.Background(), "43.238,76.945", "51.16,71.47")
	if err != nil {
		t.Fatal(err)
	}
	if m != 11 {
		t.Fatalf("expected 11 minutes, got %d", m)
	}
}

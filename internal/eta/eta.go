package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable means no estimate could be produced. Callers treat it as
// "arrival time unknown", never as a failure of their own operation.
var ErrUnavailable = errors.New("eta: unavailable")

// Estimator is the interface the matcher uses to get driver arrival times.
type Estimator interface {
	EstimateMinutes(ctx context.Context, origin, destination string) (int, error)
}

type EstimatorFunc func(ctx context.Context, origin, destination string) (int, error)

func (f EstimatorFunc) EstimateMinutes(ctx context.Context, origin, destination string) (int, error) {
	return f(ctx, origin, destination)
}

// Coord is a WGS84 point.
type Coord struct {
	Lat float64
	Lon float64
}

// ParseCoord accepts "lat,lon" text. Free-form addresses are not geocoded here.
func ParseCoord(s string) (Coord, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Coord{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Coord{}, false
	}
	return Coord{Lat: lat, Lon: lon}, true
}

// StraightLine estimates from great-circle distance at a constant speed.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) EstimateMinutes(ctx context.Context, origin, destination string) (int, error) {
	from, ok1 := ParseCoord(origin)
	to, ok2 := ParseCoord(destination)
	if !ok1 || !ok2 {
		return 0, ErrUnavailable
	}
	return secondsToMinutes(EstimateSeconds(from, to, s.SpeedMps)), nil
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func secondsToMinutes(sec float64) int {
	return int(math.Ceil(sec / 60))
}

// Chain asks each estimator in turn and returns the first answer.
type Chain []Estimator

func (c Chain) EstimateMinutes(ctx context.Context, origin, destination string) (int, error) {
	var errs []error
	for _, e := range c {
		m, err := e.EstimateMinutes(ctx, origin, destination)
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		errs = append(errs, err)
	}
	return 0, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(errs...))
}

// ResultCache stores estimates by origin/destination pair.
type ResultCache interface {
	Get(ctx context.Context, origin, destination string) (int, bool)
	Set(ctx context.Context, origin, destination string, minutes int)
}

// Cache is a tiny in-memory cache for ETA lookups.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  int
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(origin, destination string) string {
	return strings.ToLower(strings.TrimSpace(origin)) + "->" + strings.ToLower(strings.TrimSpace(destination))
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(_ context.Context, origin, destination string) (int, bool) {
	k := keyFor(origin, destination)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(_ context.Context, origin, destination string, minutes int) {
	k := keyFor(origin, destination)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: minutes, ts: time.Now()}
	c.mu.Unlock()
}

// Cached fronts an Estimator with a ResultCache.
type Cached struct {
	Next  Estimator
	Cache ResultCache
}

func (c *Cached) EstimateMinutes(ctx context.Context, origin, destination string) (int, error) {
	if v, ok := c.Cache.Get(ctx, origin, destination); ok {
		return v, nil
	}
	v, err := c.Next.EstimateMinutes(ctx, origin, destination)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(ctx, origin, destination, v)
	return v, nil
}

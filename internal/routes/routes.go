package routes

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/chauffeur-settlement/internal/models"
)

// Result is a route measurement between pickup and dropoff.
type Result struct {
	DistanceMiles   float64
	DurationSeconds float64
}

// Client looks up driving distance and duration for a trip. One-way
// quoting treats a lookup failure as a hard precondition failure.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Result, error)
}

const metersPerMile = 1609.344

// Cache is a small TTL cache for route lookups keyed by coord pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Result
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coord) (Result, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Result{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Result) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedClient wraps a Client with the TTL cache.
type CachedClient struct {
	Inner Client
	Cache *Cache
}

func (c *CachedClient) Route(ctx context.Context, from, to models.Coord) (Result, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Inner.Route(ctx, from, to)
	if err != nil {
		return Result{}, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}

// Estimator is the crow-flight fallback: haversine distance over an
// assumed average speed. Good enough for local runs, not for billing
// production trips.
type Estimator struct {
	SpeedMps float64
}

func (e *Estimator) Route(ctx context.Context, from, to models.Coord) (Result, error) {
	speed := e.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city default
	}
	meters := Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Result{
		DistanceMiles:   meters / metersPerMile,
		DurationSeconds: meters / speed,
	}, nil
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

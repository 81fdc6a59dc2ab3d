package routes

import (
	"context"
	"math"
	"testing"

	"github.com/example/chauffeur-settlement/internal/models"
)

func TestHaversineKnownDistance(t *testing.T) {
	// ~111.19 km per degree of latitude at the equator
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111194) > 200 {
		t.Fatalf("unexpected distance: %f", d)
	}
}

func TestEstimatorProducesPositiveResult(t *testing.T) {
	e := &Estimator{SpeedMps: 10}
	r, err := e.Route(context.Background(), models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.1, Lon: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceMiles <= 0 || r.DurationSeconds <= 0 {
		t.Fatalf("expected positive measurements, got %+v", r)
	}
}

type countingClient struct{ calls int }

func (c *countingClient) Route(ctx context.Context, from, to models.Coord) (Result, error) {
	c.calls++
	return Result{DistanceMiles: 5, DurationSeconds: 600}, nil
}

func TestCachedClientHitsCache(t *testing.T) {
	inner := &countingClient{}
	c := &CachedClient{Inner: inner, Cache: NewCache(0)}
	c.Cache.ttl = 1 << 40 // effectively no expiry for the test
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	for i := 0; i < 3; i++ {
		if _, err := c.Route(context.Background(), a, b); err != nil {
			t.Fatal(err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 inner call, got %d", inner.calls)
	}
}

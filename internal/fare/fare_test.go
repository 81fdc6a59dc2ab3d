package fare

import (
	"testing"

	"github.com/example/chauffeur-settlement/internal/models"
)

func openTier(from, rate float64) models.PricingTier {
	return models.PricingTier{FromMile: from, PerMileRate: rate}
}

func boundedTier(from, to, rate float64) models.PricingTier {
	return models.PricingTier{FromMile: from, ToMile: &to, PerMileRate: rate}
}

func baseTariff() models.VehicleTariff {
	return models.VehicleTariff{
		ID:                "sedan",
		BaseFare:          10,
		BaseMilesIncluded: 3,
		Tiers:             []models.PricingTier{openTier(3, 2)},
		PerMinuteRate:     0.5,
		MinimumFare:       15,
		ServiceFeeMult:    1,
	}
}

func TestOneWayFareWorkedExample(t *testing.T) {
	c := &Calculator{}
	// 10 + (10-3)*2 + 20*0.5 = 34.00
	got := c.ComputeOneWayFare(10, 20*60, baseTariff())
	if got != 34.00 {
		t.Fatalf("expected 34.00, got %.2f", got)
	}
}

func TestMinimumFareFloor(t *testing.T) {
	c := &Calculator{}
	// 10 + 0 + 1 = 11, clamped up to 15
	got := c.ComputeOneWayFare(1, 2*60, baseTariff())
	if got != 15.00 {
		t.Fatalf("expected 15.00, got %.2f", got)
	}
}

func TestFareMonotonicInDistanceAndDuration(t *testing.T) {
	c := &Calculator{}
	tf := baseTariff()
	prev := 0.0
	for miles := 0.0; miles <= 50; miles += 2.5 {
		got := c.ComputeOneWayFare(miles, 30*60, tf)
		if got < prev {
			t.Fatalf("fare decreased at %.1f miles: %.2f < %.2f", miles, got, prev)
		}
		prev = got
	}
	prev = 0.0
	for secs := 0.0; secs <= 7200; secs += 300 {
		got := c.ComputeOneWayFare(20, secs, tf)
		if got < prev {
			t.Fatalf("fare decreased at %.0fs: %.2f < %.2f", secs, got, prev)
		}
		prev = got
	}
}

func TestTierBoundaryNotDoubleCharged(t *testing.T) {
	c := &Calculator{}
	tf := baseTariff()
	tf.Tiers = []models.PricingTier{
		boundedTier(3, 10, 2), // covers 7 miles of remainder
		openTier(10, 1),
	}
	tf.MinimumFare = 0
	// distance 13: remainder 10 = 7 miles @2 + 3 miles @1 = 17
	got := c.ComputeOneWayFare(13, 0, tf)
	if got != 10+17 {
		t.Fatalf("expected 27.00, got %.2f", got)
	}
	// exactly at the boundary: remainder 7 all in the first tier
	got = c.ComputeOneWayFare(10, 0, tf)
	if got != 10+14 {
		t.Fatalf("expected 24.00, got %.2f", got)
	}
}

func TestTaxAndMultiplierOrdering(t *testing.T) {
	c := &Calculator{}
	tf := baseTariff()
	tf.ServiceFeeMult = 1.2
	tf.TaxEnabled = true
	tf.TaxRate = 10
	tf.MinimumFare = 0
	// pre-multiplier total 34; 34*1.2*1.1 = 44.88
	got := c.ComputeOneWayFare(10, 20*60, tf)
	if got != 44.88 {
		t.Fatalf("expected 44.88, got %.2f", got)
	}
}

func TestHourlyFare(t *testing.T) {
	c := &Calculator{}
	tf := baseTariff()
	tf.HourlyEnabled = true
	tf.HourlyRate = 60
	tf.MinimumHours = 2
	tf.MilesIncludedPerHour = 10
	tf.ExcessMileRate = 1.5

	// 3h, 40 miles: 180 + (40-30)*1.5 = 195
	if got := c.ComputeHourlyFare(3, 40, tf); got != 195.00 {
		t.Fatalf("expected 195.00, got %.2f", got)
	}
	// below minimum hours bills the minimum
	if got := c.ComputeHourlyFare(1, 0, tf); got != 120.00 {
		t.Fatalf("expected 120.00, got %.2f", got)
	}
}

func TestExtrasTotal(t *testing.T) {
	c := &Calculator{}
	extras := []models.BookingExtra{
		{Name: "child seat", Price: 12.5, Quantity: 2},
		{Name: "meet and greet", Price: 9.99},
	}
	if got := c.ExtrasTotal(extras); got != 34.99 {
		t.Fatalf("expected 34.99, got %.2f", got)
	}
}

func TestRoundHalfUp(t *testing.T) {
	cases := map[float64]float64{
		0.125:  0.13, // exact binary half rounds up
		1.375:  1.38,
		1.004:  1.00,
		34.999: 35.00,
		0:      0,
	}
	for in, want := range cases {
		if got := RoundHalfUp(in); got != want {
			t.Fatalf("RoundHalfUp(%v) = %v, want %v", in, got, want)
		}
	}
}

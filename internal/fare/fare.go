package fare

import (
	"math"

	"github.com/example/chauffeur-settlement/internal/models"
)

// Calculator computes estimated fares from trip measurements and a
// vehicle tariff. It is pure: no clock, no stores, no processor calls.
// A Calculator is built from an immutable tariff snapshot; reloading
// pricing means building a new one, never mutating in place.
type Calculator struct {
	Currency string
}

// ComputeOneWayFare prices a point-to-point trip.
//
// The order of operations matters and must not be rearranged: base fare,
// tiered mileage, per-minute charge, service multiplier, tax multiplier,
// minimum-fare clamp, and a single half-up rounding at the very end.
// Intermediate rounding shifts results by cents.
func (c *Calculator) ComputeOneWayFare(distanceMiles, durationSeconds float64, t models.VehicleTariff) float64 {
	total := t.BaseFare
	total += tieredMileage(distanceMiles, t)
	total += (durationSeconds / 60.0) * t.PerMinuteRate

	total *= multiplier(t)
	if total < t.MinimumFare {
		total = t.MinimumFare
	}
	return RoundHalfUp(total)
}

// ComputeHourlyFare prices an hourly charter: hourly rate times the
// billed hours (floored at the tariff minimum), plus excess-mile charges
// beyond the per-hour mileage allowance, then the same multiplier, tax
// and minimum-fare treatment as one-way trips.
func (c *Calculator) ComputeHourlyFare(hours, distanceMiles float64, t models.VehicleTariff) float64 {
	billed := hours
	if billed < t.MinimumHours {
		billed = t.MinimumHours
	}
	total := t.HourlyRate * billed

	if included := t.MilesIncludedPerHour * billed; distanceMiles > included {
		total += (distanceMiles - included) * t.ExcessMileRate
	}

	total *= multiplier(t)
	if total < t.MinimumFare {
		total = t.MinimumFare
	}
	return RoundHalfUp(total)
}

// ExtrasTotal sums optional add-ons. Rounded once, like fares.
func (c *Calculator) ExtrasTotal(extras []models.BookingExtra) float64 {
	var total float64
	for _, e := range extras {
		qty := e.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += e.Price * float64(qty)
	}
	return RoundHalfUp(total)
}

// tieredMileage walks the ordered pricing tiers, consuming the distance
// beyond the base allowance band by band. A tier boundary mile is billed
// exactly once: each tier covers (from, to] spans of the remainder.
func tieredMileage(distanceMiles float64, t models.VehicleTariff) float64 {
	remaining := distanceMiles - t.BaseMilesIncluded
	if remaining <= 0 {
		return 0
	}
	var charge float64
	for _, tier := range t.Tiers {
		if remaining <= 0 {
			break
		}
		span := remaining // open-ended tier absorbs everything left
		if tier.ToMile != nil {
			span = *tier.ToMile - tier.FromMile
		}
		if span <= 0 {
			continue
		}
		billed := math.Min(remaining, span)
		charge += billed * tier.PerMileRate
		remaining -= billed
	}
	return charge
}

func multiplier(t models.VehicleTariff) float64 {
	m := t.ServiceFeeMult
	if m <= 0 {
		m = 1
	}
	if t.TaxEnabled {
		m *= 1 + t.TaxRate/100.0
	}
	return m
}

// RoundHalfUp rounds to 2 decimal places, half away from zero.
func RoundHalfUp(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// Cents converts a rounded dollar amount to processor minor units.
func Cents(v float64) int64 {
	return int64(math.Floor(v*100 + 0.5))
}

package tariffs

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/example/chauffeur-settlement/internal/models"
)

// Snapshot is an immutable view of the active vehicle tariffs. Pricing
// edits are picked up by loading a whole new snapshot, never by
// mutating a shared one in place.
type Snapshot struct {
	byID    map[string]models.VehicleTariff
	ordered []models.VehicleTariff
}

func NewSnapshot(ts []models.VehicleTariff) *Snapshot {
	s := &Snapshot{byID: make(map[string]models.VehicleTariff, len(ts))}
	for _, t := range ts {
		s.byID[t.ID] = t
		s.ordered = append(s.ordered, t)
	}
	return s
}

func (s *Snapshot) Get(id string) (models.VehicleTariff, bool) {
	t, ok := s.byID[id]
	return t, ok
}

func (s *Snapshot) All() []models.VehicleTariff {
	out := make([]models.VehicleTariff, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Store holds the current snapshot behind an atomic swap.
type Store struct {
	current atomic.Pointer[Snapshot]
	path    string
}

// NewStoreFromFile loads tariffs from a JSON file. An empty path yields
// the built-in defaults, enough to run locally.
func NewStoreFromFile(path string) (*Store, error) {
	st := &Store{path: path}
	if err := st.Reload(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) Current() *Snapshot { return s.current.Load() }

// Reload re-reads the tariff source into a fresh snapshot and swaps it
// in. In-flight quotes keep the snapshot they started with.
func (s *Store) Reload() error {
	if s.path == "" {
		s.current.Store(NewSnapshot(defaultTariffs()))
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("tariffs: reading %s: %w", s.path, err)
	}
	var ts []models.VehicleTariff
	if err := json.Unmarshal(b, &ts); err != nil {
		return fmt.Errorf("tariffs: parsing %s: %w", s.path, err)
	}
	if len(ts) == 0 {
		return fmt.Errorf("tariffs: %s contains no tariffs", s.path)
	}
	s.current.Store(NewSnapshot(ts))
	return nil
}

func defaultTariffs() []models.VehicleTariff {
	open := func(from, rate float64) models.PricingTier {
		return models.PricingTier{FromMile: from, PerMileRate: rate}
	}
	bounded := func(from, to, rate float64) models.PricingTier {
		return models.PricingTier{FromMile: from, ToMile: &to, PerMileRate: rate}
	}
	return []models.VehicleTariff{
		{
			ID: "sedan", Name: "Executive Sedan",
			BaseFare: 10, BaseMilesIncluded: 3,
			Tiers:         []models.PricingTier{bounded(3, 25, 2.75), open(25, 2.10)},
			PerMinuteRate: 0.45, MinimumFare: 35, ServiceFeeMult: 1.15,
			HourlyEnabled: true, HourlyRate: 75, MinimumHours: 2, MaximumHours: 12,
			MilesIncludedPerHour: 15, ExcessMileRate: 2.25,
		},
		{
			ID: "suv", Name: "Luxury SUV",
			BaseFare: 15, BaseMilesIncluded: 3,
			Tiers:         []models.PricingTier{bounded(3, 25, 3.50), open(25, 2.75)},
			PerMinuteRate: 0.60, MinimumFare: 50, ServiceFeeMult: 1.15,
			HourlyEnabled: true, HourlyRate: 95, MinimumHours: 2, MaximumHours: 12,
			MilesIncludedPerHour: 15, ExcessMileRate: 3.00,
		},
	}
}

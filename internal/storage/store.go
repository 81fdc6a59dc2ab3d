package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/chauffeur-settlement/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// BookingStore defines persistence operations for bookings.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, number string) (*models.Booking, error)
	GetBookingByIntent(ctx context.Context, intentID string) (*models.Booking, error)
	GetBookingByTipToken(ctx context.Context, token string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
	NumberExists(ctx context.Context, number string) (bool, error)
}

// LedgerStore is the append-only transaction ledger. UpsertEntry is
// keyed on (booking, type, processor txn id): replaying the same
// monetary event overwrites the one row instead of appending another.
type LedgerStore interface {
	UpsertEntry(ctx context.Context, t *models.Transaction) error
	EntriesFor(ctx context.Context, bookingNumber string) ([]models.Transaction, error)
	FindByProcessorTxn(ctx context.Context, txnID string) (*models.Transaction, error)
}

type ledgerKey struct {
	booking string
	typ     models.TransactionType
	txnID   string
}

// MemoryStore backs local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	ledger   map[ledgerKey]*models.Transaction
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*models.Booking),
		ledger:   make(map[ledgerKey]*models.Transaction),
	}
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bookings[b.Number] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, number string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[number]
	if !ok || b.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetBookingByIntent(ctx context.Context, intentID string) (*models.Booking, error) {
	if intentID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.ProcessorIntentID == intentID && b.DeletedAt == nil {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetBookingByTipToken(ctx context.Context, token string) (*models.Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.TipToken == token && b.DeletedAt == nil {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.Number]; !ok {
		return ErrNotFound
	}
	b.UpdatedAt = time.Now()
	cp := *b
	m.bookings[b.Number] = &cp
	return nil
}

func (m *MemoryStore) NumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bookings[number]
	return ok, nil
}

func (m *MemoryStore) UpsertEntry(ctx context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey{t.BookingNumber, t.Type, t.ProcessorTxnID}
	if existing, ok := m.ledger[k]; ok {
		// terminal rows only ever gain the raw processor payload
		if existing.Status == models.TxnSucceeded || existing.Status == models.TxnFailed {
			if len(t.ProcessorPayload) > 0 {
				existing.ProcessorPayload = t.ProcessorPayload
			}
			t.ID = existing.ID
			return nil
		}
		t.ID = existing.ID
		t.CreatedAt = existing.CreatedAt
		cp := *t
		m.ledger[k] = &cp
		return nil
	}
	m.nextID++
	t.ID = m.nextID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := *t
	m.ledger[k] = &cp
	return nil
}

func (m *MemoryStore) EntriesFor(ctx context.Context, bookingNumber string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transaction
	for _, t := range m.ledger {
		if t.BookingNumber == bookingNumber {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindByProcessorTxn(ctx context.Context, txnID string) (*models.Transaction, error) {
	if txnID == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.ledger {
		if t.ProcessorTxnID == txnID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

package tips

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chauffeur-settlement/internal/fare"
	"github.com/example/chauffeur-settlement/internal/models"
	"github.com/example/chauffeur-settlement/internal/observability"
	"github.com/example/chauffeur-settlement/internal/payments"
	"github.com/example/chauffeur-settlement/internal/settlement"
	"github.com/example/chauffeur-settlement/internal/storage"
)

var (
	// ErrAlreadyTipped: gratuity_amount > 0 is the sole double-tip
	// guard; a second tip is a domain error, never a silent success.
	ErrAlreadyTipped = errors.New("tips: gratuity already added")
	// ErrNotCompleted: tips are only available after trip completion.
	ErrNotCompleted = errors.New("tips: trip is not completed")
	// ErrNoPaymentMethod: neither a fresh payment method nor a saved
	// card is available to charge.
	ErrNoPaymentMethod = errors.New("tips: no payment method available")
	// ErrBadAmount: tip amounts must be positive.
	ErrBadAmount = errors.New("tips: amount must be positive")
)

// Page is the minimal read model the public tip page needs. Resolved by
// token only; booking numbers are never accepted on this surface.
type Page struct {
	FarePaid       float64   `json:"fare_paid"`
	SuggestedTips  []float64 `json:"suggested_tips"`
	CardOnFile     bool      `json:"card_on_file"`
	GratuityAmount float64   `json:"gratuity_amount"`
	AlreadyTipped  bool      `json:"already_tipped"`
}

var suggestedPercents = []float64{15, 20, 25}

// Flow handles the post-trip gratuity sub-flow. It runs outside the
// main settlement state machine but shares its ledger, lock discipline
// and event stream.
type Flow struct {
	Bookings storage.BookingStore
	Ledger   storage.LedgerStore
	Gateway  payments.Gateway
	Locks    settlement.Locker
	Events   settlement.Publisher
	Logger   *slog.Logger
	Currency string

	Now func() time.Time
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// GenerateToken creates (or returns the existing) single-use tip link
// token for a completed booking. 24 random bytes, hex encoded.
func (f *Flow) GenerateToken(ctx context.Context, number string) (string, error) {
	unlock, err := f.Locks.Lock(ctx, number)
	if err != nil {
		return "", err
	}
	defer unlock()

	b, err := f.Bookings.GetBooking(ctx, number)
	if err != nil {
		return "", err
	}
	if b.Status != models.BookingCompleted {
		return "", ErrNotCompleted
	}
	if b.TipToken != "" {
		return b.TipToken, nil
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tips: generating token: %w", err)
	}
	b.TipToken = hex.EncodeToString(buf)
	if err := f.Bookings.UpdateBooking(ctx, b); err != nil {
		return "", err
	}
	return b.TipToken, nil
}

// Resolve looks a booking up by tip token and exposes only what the
// tip page renders.
func (f *Flow) Resolve(ctx context.Context, token string) (Page, error) {
	b, err := f.Bookings.GetBookingByTipToken(ctx, token)
	if err != nil {
		return Page{}, err
	}
	paid := b.ChargedAmount()
	suggestions := make([]float64, 0, len(suggestedPercents))
	for _, p := range suggestedPercents {
		suggestions = append(suggestions, fare.RoundHalfUp(paid*p/100))
	}
	return Page{
		FarePaid:       paid,
		SuggestedTips:  suggestions,
		CardOnFile:     b.ProcessorCustomerID != "" && b.ProcessorPaymentMethodID != "",
		GratuityAmount: b.GratuityAmount,
		AlreadyTipped:  b.HasTipped(),
	}, nil
}

// CreateIntent opens an unconfirmed processor intent for a fresh-card
// tip. The customer's browser confirms it; the processor's webhook
// finalizes the pending ledger row written here.
func (f *Flow) CreateIntent(ctx context.Context, token string, amount float64) (payments.HoldResult, error) {
	b, err := f.Bookings.GetBookingByTipToken(ctx, token)
	if err != nil {
		return payments.HoldResult{}, err
	}
	if b.HasTipped() {
		return payments.HoldResult{}, ErrAlreadyTipped
	}
	if fare.Cents(amount) <= 0 {
		return payments.HoldResult{}, ErrBadAmount
	}
	res, err := f.Gateway.CreateTipIntent(ctx, fare.Cents(amount), f.Currency, map[string]string{
		"booking_number": b.Number,
		"purpose":        "gratuity",
	})
	if err != nil {
		return payments.HoldResult{}, err
	}
	if err := f.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:  b.Number,
		Type:           models.TxnTip,
		Amount:         fare.RoundHalfUp(amount),
		Status:         models.TxnPending,
		ProcessorTxnID: res.IntentID,
		Actor:          settlement.ActorSystem,
	}); err != nil {
		return payments.HoldResult{}, err
	}
	return res, nil
}

// Process charges a gratuity synchronously: with a fresh client-created
// payment method handle, or against the saved card when none is given.
func (f *Flow) Process(ctx context.Context, token string, amount float64, paymentMethodID string) error {
	b, err := f.Bookings.GetBookingByTipToken(ctx, token)
	if err != nil {
		return err
	}
	unlock, err := f.Locks.Lock(ctx, b.Number)
	if err != nil {
		return err
	}
	defer unlock()

	// reload under the lock; a concurrent Process may have won
	b, err = f.Bookings.GetBooking(ctx, b.Number)
	if err != nil {
		return err
	}
	if b.HasTipped() {
		return ErrAlreadyTipped
	}
	if fare.Cents(amount) <= 0 {
		return ErrBadAmount
	}

	params := payments.TipParams{
		Metadata: map[string]string{"booking_number": b.Number, "purpose": "gratuity"},
	}
	switch {
	case paymentMethodID != "":
		params.PaymentMethodID = paymentMethodID
		params.CustomerID = b.ProcessorCustomerID
	case b.ProcessorCustomerID != "" && b.ProcessorPaymentMethodID != "":
		params.CustomerID = b.ProcessorCustomerID
		params.PaymentMethodID = b.ProcessorPaymentMethodID
	default:
		return ErrNoPaymentMethod
	}

	txnID, err := f.Gateway.ChargeTip(ctx, fare.Cents(amount), f.Currency, params)
	if err != nil {
		return fmt.Errorf("tips: charging %s: %w", b.Number, err)
	}
	return f.record(ctx, b, amount, txnID, nil)
}

// ApplyTipSucceeded finalizes a webhook-confirmed fresh-card tip whose
// pending ledger row was written by CreateIntent.
func (f *Flow) ApplyTipSucceeded(ctx context.Context, txnID string, amountCents int64, raw []byte) error {
	entry, err := f.Ledger.FindByProcessorTxn(ctx, txnID)
	if err != nil {
		return err
	}
	if entry.Type != models.TxnTip {
		return storage.ErrNotFound
	}
	unlock, err := f.Locks.Lock(ctx, entry.BookingNumber)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := f.Bookings.GetBooking(ctx, entry.BookingNumber)
	if err != nil {
		return err
	}
	if b.HasTipped() {
		// replay, or a racing saved-card tip won: attach payload only
		return f.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             models.TxnTip,
			Status:           models.TxnSucceeded,
			ProcessorTxnID:   txnID,
			ProcessorPayload: raw,
			Actor:            settlement.ActorWebhook,
		})
	}
	amount := fare.RoundHalfUp(float64(amountCents) / 100)
	if amount == 0 {
		amount = entry.Amount
	}
	return f.record(ctx, b, amount, txnID, raw)
}

// failStaleIntents closes out pending tip rows left by fresh-card
// intents that were abandoned in favor of the charge that just
// committed. Without this a customer who opens the card form but then
// tips from the saved card leaves a pending row behind forever.
func (f *Flow) failStaleIntents(ctx context.Context, number, winningTxnID string) error {
	entries, err := f.Ledger.EntriesFor(ctx, number)
	if err != nil {
		return err
	}
	for _, tx := range entries {
		if tx.Type != models.TxnTip || tx.Status != models.TxnPending || tx.ProcessorTxnID == winningTxnID {
			continue
		}
		stale := tx
		stale.Status = models.TxnFailed
		stale.Notes = "superseded by another gratuity charge"
		if err := f.Ledger.UpsertEntry(ctx, &stale); err != nil {
			return err
		}
	}
	return nil
}

// record writes the succeeded tip ledger row and stamps the gratuity
// onto the booking, inside the caller's locked section.
func (f *Flow) record(ctx context.Context, b *models.Booking, amount float64, txnID string, raw []byte) error {
	actor := settlement.ActorSystem
	if raw != nil {
		actor = settlement.ActorWebhook
	}
	if err := f.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:    b.Number,
		Type:             models.TxnTip,
		Amount:           fare.RoundHalfUp(amount),
		Status:           models.TxnSucceeded,
		ProcessorTxnID:   txnID,
		ProcessorPayload: raw,
		Actor:            actor,
	}); err != nil {
		return err
	}
	if err := f.failStaleIntents(ctx, b.Number, txnID); err != nil {
		return err
	}
	now := f.now()
	b.GratuityAmount = fare.RoundHalfUp(amount)
	b.GratuityAddedAt = &now
	if err := f.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	observability.TipsTotal.Inc()
	if f.Events != nil {
		ev := models.SettlementEvent{
			Kind:          models.EventTipRecorded,
			BookingNumber: b.Number,
			Amount:        b.GratuityAmount,
			TxnID:         txnID,
			PaymentStatus: string(b.PaymentStatus),
			At:            now,
		}
		if err := f.Events.Publish(ctx, ev); err != nil && f.Logger != nil {
			f.Logger.Warn("publishing tip event failed", "booking", b.Number, "error", err)
		}
	}
	return nil
}

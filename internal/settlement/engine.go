package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/chauffeur-settlement/internal/fare"
	"github.com/example/chauffeur-settlement/internal/models"
	"github.com/example/chauffeur-settlement/internal/observability"
	"github.com/example/chauffeur-settlement/internal/payments"
	"github.com/example/chauffeur-settlement/internal/storage"
)

// Actor labels recorded on ledger rows.
const (
	ActorWebhook = "Stripe Webhook"
	ActorSystem  = "system"
)

var (
	// ErrNotAuthorizable: the booking's status/payment_status combination
	// does not permit placing a hold.
	ErrNotAuthorizable = errors.New("settlement: booking cannot be authorized")
	// ErrOutsideWindow: pickup is too far in the future to hold funds.
	ErrOutsideWindow = errors.New("settlement: pickup outside authorization window")
	// ErrCancelled: the booking is terminally cancelled.
	ErrCancelled = errors.New("settlement: booking is cancelled")
	// ErrIntentMismatch: the supplied processor intent id does not match
	// the one stored on the booking. Integrity error, never applied.
	ErrIntentMismatch = errors.New("settlement: intent id mismatch")
	// ErrNotCaptured: refunds require captured funds.
	ErrNotCaptured = errors.New("settlement: booking has no captured funds")
	// ErrRefundExceedsCharge: refusing to refund more than was charged.
	ErrRefundExceedsCharge = errors.New("settlement: refund exceeds charged amount")
	// ErrBadTransition: illegal trip-status move.
	ErrBadTransition = errors.New("settlement: illegal status transition")
)

// Publisher receives domain events after a committed transition.
type Publisher interface {
	Publish(ctx context.Context, ev models.SettlementEvent) error
}

// RefundNotice is one processor refund observed on a charge.
type RefundNotice struct {
	ID          string
	AmountCents int64
}

// Engine owns the booking status/payment_status state machine. Every
// transition that reads then writes a booking runs under the
// per-booking lock, so concurrent webhook deliveries and client calls
// serialize instead of interleaving.
type Engine struct {
	Bookings storage.BookingStore
	Ledger   storage.LedgerStore
	Gateway  payments.Gateway
	Locks    Locker
	Events   Publisher
	Logger   *slog.Logger

	Currency        string
	AuthorizeWindow time.Duration // default 7 days

	Now func() time.Time // test hook
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) window() time.Duration {
	if e.AuthorizeWindow > 0 {
		return e.AuthorizeWindow
	}
	return 7 * 24 * time.Hour
}

// CanBeAuthorized reports whether Authorize would be legal right now.
func (e *Engine) CanBeAuthorized(b *models.Booking) error {
	if b.Status == models.BookingCancelled {
		return ErrCancelled
	}
	if b.Status != models.BookingPending && b.Status != models.BookingConfirmed {
		return ErrNotAuthorizable
	}
	if b.PaymentStatus != models.PaymentPending {
		return ErrNotAuthorizable
	}
	if b.PickupTime.Sub(e.now()) > e.window() {
		return ErrOutsideWindow
	}
	return nil
}

// Authorize places a hold for the estimated fare plus extras and
// appends a pending authorization ledger row. The hold is completed by
// the customer's browser (client secret) and confirmed either by
// ConfirmClientSide or by the processor webhook.
func (e *Engine) Authorize(ctx context.Context, number string) (payments.HoldResult, error) {
	unlock, err := e.Locks.Lock(ctx, number)
	if err != nil {
		return payments.HoldResult{}, err
	}
	defer unlock()

	b, err := e.Bookings.GetBooking(ctx, number)
	if err != nil {
		return payments.HoldResult{}, err
	}
	if err := e.CanBeAuthorized(b); err != nil {
		return payments.HoldResult{}, err
	}

	amount := b.EstimatedFare + b.ExtrasTotal
	hold, err := e.Gateway.CreateHold(ctx, fare.Cents(amount), e.Currency, map[string]string{
		"booking_number": b.Number,
	})
	if err != nil {
		return payments.HoldResult{}, fmt.Errorf("authorize %s: %w", number, err)
	}

	b.ProcessorIntentID = hold.IntentID
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return payments.HoldResult{}, err
	}
	if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:  b.Number,
		Type:           models.TxnAuthorization,
		Amount:         fare.RoundHalfUp(amount),
		Status:         models.TxnPending,
		ProcessorTxnID: hold.IntentID,
		Actor:          ActorSystem,
	}); err != nil {
		return payments.HoldResult{}, err
	}
	observability.AuthorizationsTotal.Inc()
	e.emit(ctx, models.EventHoldPlaced, b, amount, hold.IntentID)
	return hold, nil
}

// ConfirmClientSide is the convenience path run when the customer's
// browser reports a completed hold. The webhook remains authoritative;
// both paths are idempotent and safe to race.
func (e *Engine) ConfirmClientSide(ctx context.Context, number, intentID string) error {
	unlock, err := e.Locks.Lock(ctx, number)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := e.Bookings.GetBooking(ctx, number)
	if err != nil {
		return err
	}
	if intentID == "" || intentID != b.ProcessorIntentID {
		return ErrIntentMismatch
	}
	switch b.PaymentStatus {
	case models.PaymentAuthorized, models.PaymentCaptured, models.PaymentRefunded:
		return nil // webhook got here first
	case models.PaymentFailed, models.PaymentCancelled:
		return ErrNotAuthorizable
	}
	if b.Status == models.BookingCancelled {
		return ErrCancelled
	}

	outcome, err := e.Gateway.ConfirmHold(ctx, intentID)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", number, err)
	}
	if !outcome.Succeeded {
		return e.markHoldFailed(ctx, b, ActorSystem, "confirm returned status "+outcome.Status, nil)
	}
	return e.markHoldSucceeded(ctx, b, ActorSystem, nil)
}

// ApplyHoldSucceeded handles the processor's hold-succeeded webhook.
func (e *Engine) ApplyHoldSucceeded(ctx context.Context, intentID string, raw []byte) error {
	b, unlock, err := e.lockByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	if b.Status == models.BookingCancelled {
		// cancellation won the race: fail the authorization row and
		// release the hold, never roll the cancellation back
		if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             models.TxnAuthorization,
			Amount:           fare.RoundHalfUp(b.EstimatedFare + b.ExtrasTotal),
			Status:           models.TxnFailed,
			ProcessorTxnID:   intentID,
			Notes:            "hold succeeded after cancellation; releasing",
			ProcessorPayload: raw,
			Actor:            ActorWebhook,
		}); err != nil {
			return err
		}
		if err := e.Gateway.CancelHold(ctx, intentID); err != nil {
			e.log().Warn("releasing post-cancellation hold failed", "booking", b.Number, "error", err)
		}
		return nil
	}
	switch b.PaymentStatus {
	case models.PaymentAuthorized, models.PaymentCaptured, models.PaymentRefunded:
		// replay: attach the raw payload, change nothing else
		return e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             models.TxnAuthorization,
			Status:           models.TxnSucceeded,
			ProcessorTxnID:   intentID,
			ProcessorPayload: raw,
			Actor:            ActorWebhook,
		})
	}
	return e.markHoldSucceeded(ctx, b, ActorWebhook, raw)
}

func (e *Engine) markHoldSucceeded(ctx context.Context, b *models.Booking, actor string, raw []byte) error {
	b.Status = models.BookingConfirmed
	b.PaymentStatus = models.PaymentAuthorized
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:    b.Number,
		Type:             models.TxnAuthorization,
		Amount:           fare.RoundHalfUp(b.EstimatedFare + b.ExtrasTotal),
		Status:           models.TxnSucceeded,
		ProcessorTxnID:   b.ProcessorIntentID,
		ProcessorPayload: raw,
		Actor:            actor,
	}); err != nil {
		return err
	}
	e.emit(ctx, models.EventHoldConfirmed, b, b.EstimatedFare+b.ExtrasTotal, b.ProcessorIntentID)
	return nil
}

// ApplyHoldFailed handles the processor's hold-failed webhook.
func (e *Engine) ApplyHoldFailed(ctx context.Context, intentID, reason string, raw []byte) error {
	b, unlock, err := e.lockByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	switch b.PaymentStatus {
	case models.PaymentCaptured, models.PaymentRefunded:
		return nil // stale failure after funds already moved
	case models.PaymentFailed:
		// replay: attach payload only
		return e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             models.TxnAuthorization,
			Status:           models.TxnFailed,
			ProcessorTxnID:   intentID,
			ProcessorPayload: raw,
			Actor:            ActorWebhook,
		})
	}
	return e.markHoldFailed(ctx, b, ActorWebhook, reason, raw)
}

func (e *Engine) markHoldFailed(ctx context.Context, b *models.Booking, actor, reason string, raw []byte) error {
	b.PaymentStatus = models.PaymentFailed
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:    b.Number,
		Type:             models.TxnAuthorization,
		Amount:           fare.RoundHalfUp(b.EstimatedFare + b.ExtrasTotal),
		Status:           models.TxnFailed,
		ProcessorTxnID:   b.ProcessorIntentID,
		Notes:            reason,
		ProcessorPayload: raw,
		Actor:            actor,
	}); err != nil {
		return err
	}
	observability.HoldFailuresTotal.Inc()
	e.emit(ctx, models.EventHoldFailed, b, 0, b.ProcessorIntentID)
	return nil
}

// ApplyCaptureSucceeded handles the processor's capture webhook.
// Capture may arrive before the client-side confirm has run; the
// booking is promoted straight to confirmed/captured.
func (e *Engine) ApplyCaptureSucceeded(ctx context.Context, intentID string, amountCents int64, raw []byte) error {
	b, unlock, err := e.lockByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	amount := fare.RoundHalfUp(float64(amountCents) / 100)
	if b.PaymentStatus == models.PaymentCaptured || b.PaymentStatus == models.PaymentRefunded {
		// replay for the same intent: attach payload only
		return e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             models.TxnCapture,
			Status:           models.TxnSucceeded,
			ProcessorTxnID:   intentID,
			ProcessorPayload: raw,
			Actor:            ActorWebhook,
		})
	}

	if b.Status == models.BookingPending {
		b.Status = models.BookingConfirmed
	}
	b.PaymentStatus = models.PaymentCaptured
	if b.FinalFare == nil && amount > 0 {
		b.FinalFare = &amount
	}
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:    b.Number,
		Type:             models.TxnCapture,
		Amount:           amount,
		Status:           models.TxnSucceeded,
		ProcessorTxnID:   intentID,
		ProcessorPayload: raw,
		Actor:            ActorWebhook,
	}); err != nil {
		return err
	}
	observability.CapturesTotal.Inc()
	e.emit(ctx, models.EventPaymentCaptured, b, amount, intentID)
	// refund webhooks can land before the capture one; recheck the
	// ledger so a fully refunded booking flips to refunded regardless
	// of delivery order
	return e.resumRefunds(ctx, b)
}

// ApplyRefunds records processor-observed refunds. Every refund in the
// notification is upserted by its refund id, then total_refunded is
// recomputed as a full resum over the ledger; deltas are never trusted,
// so duplicate and out-of-order deliveries converge on the same state.
func (e *Engine) ApplyRefunds(ctx context.Context, intentID string, refunds []RefundNotice, raw []byte) error {
	b, unlock, err := e.lockByIntent(ctx, intentID)
	if err != nil {
		return err
	}
	defer unlock()

	charged := b.ChargedAmount()
	for _, r := range refunds {
		amount := fare.RoundHalfUp(float64(r.AmountCents) / 100)
		typ := models.TxnPartialRefund
		if r.AmountCents >= fare.Cents(charged) {
			typ = models.TxnRefund
		}
		if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:    b.Number,
			Type:             typ,
			Amount:           amount,
			Status:           models.TxnSucceeded,
			ProcessorTxnID:   r.ID,
			ProcessorPayload: raw,
			Actor:            ActorWebhook,
		}); err != nil {
			return err
		}
	}
	return e.resumRefunds(ctx, b)
}

// Refund is the administrative path: move funds at the processor, then
// record the outcome exactly like a webhook-observed refund would be.
// amount <= 0 refunds everything still refundable.
func (e *Engine) Refund(ctx context.Context, number string, amount float64, actor string) error {
	unlock, err := e.Locks.Lock(ctx, number)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := e.Bookings.GetBooking(ctx, number)
	if err != nil {
		return err
	}
	if b.PaymentStatus != models.PaymentCaptured && b.PaymentStatus != models.PaymentRefunded {
		return ErrNotCaptured
	}
	charged := b.ChargedAmount()
	remaining := charged + b.GratuityAmount - b.TotalRefunded
	if amount <= 0 {
		amount = remaining
	}
	if fare.Cents(amount) > fare.Cents(remaining) {
		return ErrRefundExceedsCharge
	}
	if fare.Cents(amount) == 0 {
		return ErrRefundExceedsCharge
	}

	refundID, err := e.Gateway.Refund(ctx, b.ProcessorIntentID, fare.Cents(amount))
	if err != nil {
		return fmt.Errorf("refund %s: %w", number, err)
	}
	typ := models.TxnPartialRefund
	if fare.Cents(amount) >= fare.Cents(charged) {
		typ = models.TxnRefund
	}
	if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
		BookingNumber:  b.Number,
		Type:           typ,
		Amount:         fare.RoundHalfUp(amount),
		Status:         models.TxnSucceeded,
		ProcessorTxnID: refundID,
		Actor:          actor,
	}); err != nil {
		return err
	}
	return e.resumRefunds(ctx, b)
}

// resumRefunds recomputes total_refunded from the ledger inside the
// locked section and flips payment_status to refunded only once the
// whole charged amount has come back. Partial refunds leave the status
// at captured; partial-ness is derived, never stored. A resum that
// changes nothing commits nothing: duplicate deliveries neither bump
// the refund counter nor re-emit the event.
func (e *Engine) resumRefunds(ctx context.Context, b *models.Booking) error {
	entries, err := e.Ledger.EntriesFor(ctx, b.Number)
	if err != nil {
		return err
	}
	var total float64
	for _, t := range entries {
		if t.Status != models.TxnSucceeded {
			continue
		}
		if t.Type == models.TxnRefund || t.Type == models.TxnPartialRefund {
			total += t.Amount
		}
	}
	total = fare.RoundHalfUp(total)
	if total < b.TotalRefunded {
		total = b.TotalRefunded // monotonically non-decreasing
	}
	moved := total != b.TotalRefunded
	b.TotalRefunded = total
	flipped := false
	if fare.Cents(total) > 0 && fare.Cents(total) >= fare.Cents(b.ChargedAmount()) && b.PaymentStatus == models.PaymentCaptured {
		b.PaymentStatus = models.PaymentRefunded
		flipped = true
	}
	if !moved && !flipped {
		return nil
	}
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	observability.RefundsTotal.Inc()
	e.emit(ctx, models.EventRefundRecorded, b, total, "")
	return nil
}

// Cancel is the administrative cancellation. Terminal: it blocks any
// further authorization and releases an outstanding hold.
func (e *Engine) Cancel(ctx context.Context, number, actor string) error {
	unlock, err := e.Locks.Lock(ctx, number)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := e.Bookings.GetBooking(ctx, number)
	if err != nil {
		return err
	}
	if b.Status == models.BookingCancelled {
		return nil
	}
	if b.PaymentStatus == models.PaymentCaptured {
		return fmt.Errorf("%w: refund captured funds instead", ErrBadTransition)
	}

	hadHold := b.PaymentStatus == models.PaymentAuthorized
	b.Status = models.BookingCancelled
	if b.PaymentStatus == models.PaymentPending || b.PaymentStatus == models.PaymentAuthorized {
		b.PaymentStatus = models.PaymentCancelled
	}
	if err := e.Bookings.UpdateBooking(ctx, b); err != nil {
		return err
	}
	if hadHold {
		if err := e.Gateway.CancelHold(ctx, b.ProcessorIntentID); err != nil {
			e.log().Warn("releasing hold on cancellation failed", "booking", number, "error", err)
		}
		if err := e.Ledger.UpsertEntry(ctx, &models.Transaction{
			BookingNumber:  b.Number,
			Type:           models.TxnVoid,
			Amount:         fare.RoundHalfUp(b.EstimatedFare + b.ExtrasTotal),
			Status:         models.TxnSucceeded,
			ProcessorTxnID: b.ProcessorIntentID,
			Actor:          actor,
		}); err != nil {
			return err
		}
	}
	e.emit(ctx, models.EventBookingCancel, b, 0, "")
	return nil
}

// Start moves a confirmed booking into in_progress.
func (e *Engine) Start(ctx context.Context, number string) error {
	return e.setTripStatus(ctx, number, models.BookingInProgress, nil)
}

// Complete finishes the trip and optionally fixes the final fare.
func (e *Engine) Complete(ctx context.Context, number string, finalFare *float64) error {
	return e.setTripStatus(ctx, number, models.BookingCompleted, finalFare)
}

func (e *Engine) setTripStatus(ctx context.Context, number string, next models.BookingStatus, finalFare *float64) error {
	unlock, err := e.Locks.Lock(ctx, number)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := e.Bookings.GetBooking(ctx, number)
	if err != nil {
		return err
	}
	legal := map[models.BookingStatus][]models.BookingStatus{
		models.BookingInProgress: {models.BookingConfirmed},
		models.BookingCompleted:  {models.BookingConfirmed, models.BookingInProgress},
	}
	allowed := false
	for _, from := range legal[next] {
		if b.Status == from {
			allowed = true
		}
	}
	if b.Status == next {
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, b.Status, next)
	}
	b.Status = next
	if finalFare != nil {
		f := fare.RoundHalfUp(*finalFare)
		b.FinalFare = &f
	}
	return e.Bookings.UpdateBooking(ctx, b)
}

// lockByIntent resolves a webhook's intent id to a booking, then takes
// the per-booking lock and reloads to close the lookup/lock gap.
func (e *Engine) lockByIntent(ctx context.Context, intentID string) (*models.Booking, func(), error) {
	b, err := e.Bookings.GetBookingByIntent(ctx, intentID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := e.Locks.Lock(ctx, b.Number)
	if err != nil {
		return nil, nil, err
	}
	b, err = e.Bookings.GetBooking(ctx, b.Number)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return b, unlock, nil
}

func (e *Engine) emit(ctx context.Context, kind string, b *models.Booking, amount float64, txnID string) {
	if e.Events == nil {
		return
	}
	ev := models.SettlementEvent{
		Kind:          kind,
		BookingNumber: b.Number,
		Amount:        fare.RoundHalfUp(amount),
		TxnID:         txnID,
		PaymentStatus: string(b.PaymentStatus),
		At:            e.now(),
	}
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.log().Warn("publishing settlement event failed", "kind", kind, "booking", b.Number, "error", err)
	}
}

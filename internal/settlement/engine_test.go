package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/chauffeur-settlement/internal/models"
	"github.com/example/chauffeur-settlement/internal/payments"
	"github.com/example/chauffeur-settlement/internal/storage"
)

type fakeGateway struct {
	holds       int
	confirms    int
	captures    int
	cancels     int
	refunds     int
	failCreate  error
	confirmFail bool
}

func (f *fakeGateway) CreateHold(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (payments.HoldResult, error) {
	f.holds++
	if f.failCreate != nil {
		return payments.HoldResult{}, f.failCreate
	}
	return payments.HoldResult{IntentID: "pi_test_1", ClientSecret: "pi_test_1_secret"}, nil
}

func (f *fakeGateway) ConfirmHold(ctx context.Context, intentID string) (payments.Outcome, error) {
	f.confirms++
	if f.confirmFail {
		return payments.Outcome{Succeeded: false, Status: "requires_payment_method"}, nil
	}
	return payments.Outcome{Succeeded: true, Status: "requires_capture"}, nil
}

func (f *fakeGateway) Capture(ctx context.Context, intentID string) (payments.Outcome, error) {
	f.captures++
	return payments.Outcome{Succeeded: true, Status: "succeeded"}, nil
}

func (f *fakeGateway) CancelHold(ctx context.Context, intentID string) error {
	f.cancels++
	return nil
}

func (f *fakeGateway) Refund(ctx context.Context, intentID string, amountCents int64) (string, error) {
	f.refunds++
	return "re_admin_1", nil
}

func (f *fakeGateway) CreateTipIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (payments.HoldResult, error) {
	return payments.HoldResult{IntentID: "pi_tip_1", ClientSecret: "pi_tip_1_secret"}, nil
}

func (f *fakeGateway) ChargeTip(ctx context.Context, amountCents int64, currency string, p payments.TipParams) (string, error) {
	return "pi_tip_direct", nil
}

type recordingPublisher struct{ kinds []string }

func (r *recordingPublisher) Publish(ctx context.Context, ev models.SettlementEvent) error {
	r.kinds = append(r.kinds, ev.Kind)
	return nil
}

func newTestEngine() (*Engine, *storage.MemoryStore, *fakeGateway, *recordingPublisher) {
	store := storage.NewMemoryStore()
	gw := &fakeGateway{}
	pub := &recordingPublisher{}
	e := &Engine{
		Bookings: store,
		Ledger:   store,
		Gateway:  gw,
		Locks:    NewKeyedMutex(),
		Events:   pub,
		Currency: "usd",
		Now:      func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
	return e, store, gw, pub
}

func seedBooking(t *testing.T, store *storage.MemoryStore, mutate func(*models.Booking)) *models.Booking {
	t.Helper()
	b := &models.Booking{
		Number:        "ABC234",
		TripType:      models.TripOneWay,
		PickupTime:    time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		EstimatedFare: 100,
		Status:        models.BookingPending,
		PaymentStatus: models.PaymentPending,
		CreatedAt:     time.Now(),
	}
	if mutate != nil {
		mutate(b)
	}
	if err := store.CreateBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func mustGet(t *testing.T, store *storage.MemoryStore, number string) *models.Booking {
	t.Helper()
	b, err := store.GetBooking(context.Background(), number)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAuthorizePlacesHoldAndPendingLedgerRow(t *testing.T) {
	e, store, gw, pub := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ExtrasTotal = 15 })

	hold, err := e.Authorize(context.Background(), "ABC234")
	if err != nil {
		t.Fatal(err)
	}
	if hold.IntentID != "pi_test_1" || hold.ClientSecret == "" {
		t.Fatalf("unexpected hold %+v", hold)
	}
	if gw.holds != 1 {
		t.Fatalf("expected 1 hold call, got %d", gw.holds)
	}
	b := mustGet(t, store, "ABC234")
	if b.ProcessorIntentID != "pi_test_1" {
		t.Fatalf("intent id not recorded: %q", b.ProcessorIntentID)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 || entries[0].Type != models.TxnAuthorization || entries[0].Status != models.TxnPending {
		t.Fatalf("unexpected ledger: %+v", entries)
	}
	if entries[0].Amount != 115 {
		t.Fatalf("authorization must cover estimate+extras, got %.2f", entries[0].Amount)
	}
	if len(pub.kinds) != 1 || pub.kinds[0] != models.EventHoldPlaced {
		t.Fatalf("unexpected events %v", pub.kinds)
	}
}

func TestAuthorizeRejectsPickupOutsideWindow(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) {
		b.PickupTime = time.Date(2024, 6, 20, 9, 0, 0, 0, time.UTC)
	})
	if _, err := e.Authorize(context.Background(), "ABC234"); !errors.Is(err, ErrOutsideWindow) {
		t.Fatalf("expected ErrOutsideWindow, got %v", err)
	}
	if gw.holds != 0 {
		t.Fatal("gateway must not be called on precondition failure")
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 0 {
		t.Fatal("no ledger write on precondition failure")
	}
}

func TestAuthorizeRejectsCancelledBooking(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.Status = models.BookingCancelled })
	if _, err := e.Authorize(context.Background(), "ABC234"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestAuthorizeRejectsNonPendingPayment(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.PaymentStatus = models.PaymentAuthorized })
	if _, err := e.Authorize(context.Background(), "ABC234"); !errors.Is(err, ErrNotAuthorizable) {
		t.Fatalf("expected ErrNotAuthorizable, got %v", err)
	}
}

func TestConfirmClientSideRejectsForeignIntent(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	err := e.ConfirmClientSide(context.Background(), "ABC234", "pi_other")
	if !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v", err)
	}
	if gw.confirms != 0 {
		t.Fatal("gateway must not be called on integrity failure")
	}
}

func TestConfirmClientSideIsNoOpAfterWebhook(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) {
		b.ProcessorIntentID = "pi_test_1"
		b.Status = models.BookingConfirmed
		b.PaymentStatus = models.PaymentAuthorized
	})
	if err := e.ConfirmClientSide(context.Background(), "ABC234", "pi_test_1"); err != nil {
		t.Fatal(err)
	}
	if gw.confirms != 0 {
		t.Fatal("already-authorized booking must not re-confirm")
	}
}

func TestConfirmClientSideMovesToAuthorized(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	if err := e.ConfirmClientSide(context.Background(), "ABC234", "pi_test_1"); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingConfirmed || b.PaymentStatus != models.PaymentAuthorized {
		t.Fatalf("unexpected state %s/%s", b.Status, b.PaymentStatus)
	}
}

func TestWebhookHoldSucceededIsIdempotent(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })

	for i := 0; i < 3; i++ {
		if err := e.ApplyHoldSucceeded(context.Background(), "pi_test_1", []byte(`{"id":"pi_test_1"}`)); err != nil {
			t.Fatal(err)
		}
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingConfirmed || b.PaymentStatus != models.PaymentAuthorized {
		t.Fatalf("unexpected state %s/%s", b.Status, b.PaymentStatus)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 {
		t.Fatalf("replays must not append rows, got %d", len(entries))
	}
	if len(entries[0].ProcessorPayload) == 0 {
		t.Fatal("raw payload should be attached")
	}
}

func TestCaptureArrivesBeforeClientConfirm(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })

	if err := e.ApplyCaptureSucceeded(context.Background(), "pi_test_1", 10000, nil); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingConfirmed || b.PaymentStatus != models.PaymentCaptured {
		t.Fatalf("unexpected state %s/%s", b.Status, b.PaymentStatus)
	}
	if b.FinalFare == nil || *b.FinalFare != 100 {
		t.Fatalf("final fare should be fixed by capture, got %v", b.FinalFare)
	}

	// replay is a pure no-op on state and row count
	if err := e.ApplyCaptureSucceeded(context.Background(), "pi_test_1", 10000, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 {
		t.Fatalf("replay appended rows: %d", len(entries))
	}
}

func TestCapturedStateAlwaysHasCaptureLedgerRow(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	if err := e.ApplyCaptureSucceeded(context.Background(), "pi_test_1", 10000, nil); err != nil {
		t.Fatal(err)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	found := false
	for _, tx := range entries {
		if tx.Type == models.TxnCapture && tx.Status == models.TxnSucceeded {
			found = true
		}
	}
	if !found {
		t.Fatal("captured payment_status without a succeeded capture ledger row")
	}
}

func TestWebhookHoldFailedRecordsReason(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	if err := e.ApplyHoldFailed(context.Background(), "pi_test_1", "card_declined", nil); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.PaymentStatus != models.PaymentFailed {
		t.Fatalf("expected failed, got %s", b.PaymentStatus)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 || entries[0].Status != models.TxnFailed || entries[0].Notes != "card_declined" {
		t.Fatalf("unexpected ledger %+v", entries)
	}
	if entries[0].Actor != ActorWebhook {
		t.Fatalf("webhook failure should carry the webhook actor, got %q", entries[0].Actor)
	}
}

func capturedBooking(t *testing.T, e *Engine, store *storage.MemoryStore) {
	t.Helper()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	if err := e.ApplyCaptureSucceeded(context.Background(), "pi_test_1", 10000, nil); err != nil {
		t.Fatal(err)
	}
}

func TestRefundWebhookIdempotence(t *testing.T) {
	e, store, _, _ := newTestEngine()
	capturedBooking(t, e, store)

	notice := []RefundNotice{{ID: "re_1", AmountCents: 4000}}
	for i := 0; i < 2; i++ {
		if err := e.ApplyRefunds(context.Background(), "pi_test_1", notice, nil); err != nil {
			t.Fatal(err)
		}
	}
	b := mustGet(t, store, "ABC234")
	if b.TotalRefunded != 40 {
		t.Fatalf("duplicate refund events must not double count: %.2f", b.TotalRefunded)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	refundRows := 0
	for _, tx := range entries {
		if tx.Type == models.TxnPartialRefund {
			refundRows++
		}
	}
	if refundRows != 1 {
		t.Fatalf("expected 1 refund row, got %d", refundRows)
	}
}

func TestPartialRefundsKeepCapturedUntilFullyRefunded(t *testing.T) {
	e, store, _, _ := newTestEngine()
	capturedBooking(t, e, store)

	// two $40 refunds on a $100 capture
	if err := e.ApplyRefunds(context.Background(), "pi_test_1", []RefundNotice{{ID: "re_1", AmountCents: 4000}}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyRefunds(context.Background(), "pi_test_1", []RefundNotice{{ID: "re_2", AmountCents: 4000}}, nil); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.TotalRefunded != 80 {
		t.Fatalf("expected 80 refunded, got %.2f", b.TotalRefunded)
	}
	if b.PaymentStatus != models.PaymentCaptured {
		t.Fatalf("partial refunds must not leave captured, got %s", b.PaymentStatus)
	}
	if !b.PartiallyRefunded() {
		t.Fatal("expected derived partial-refund flag")
	}

	// the last $20 completes the refund
	if err := e.ApplyRefunds(context.Background(), "pi_test_1", []RefundNotice{{ID: "re_3", AmountCents: 2000}}, nil); err != nil {
		t.Fatal(err)
	}
	b = mustGet(t, store, "ABC234")
	if b.PaymentStatus != models.PaymentRefunded || b.TotalRefunded != 100 {
		t.Fatalf("expected refunded/100, got %s/%.2f", b.PaymentStatus, b.TotalRefunded)
	}
}

func TestFullRefundBeforeCaptureConvergesToRefunded(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })

	// the processor's refund notification outruns its capture one
	if err := e.ApplyRefunds(context.Background(), "pi_test_1", []RefundNotice{{ID: "re_1", AmountCents: 10000}}, nil); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.TotalRefunded != 100 {
		t.Fatalf("refund not recorded: %.2f", b.TotalRefunded)
	}

	if err := e.ApplyCaptureSucceeded(context.Background(), "pi_test_1", 10000, nil); err != nil {
		t.Fatal(err)
	}
	b = mustGet(t, store, "ABC234")
	if b.PaymentStatus != models.PaymentRefunded {
		t.Fatalf("fully refunded booking must end refunded regardless of delivery order, got %s", b.PaymentStatus)
	}
	if b.TotalRefunded != 100 {
		t.Fatalf("unexpected total refunded %.2f", b.TotalRefunded)
	}
}

func TestDuplicateRefundDeliveryEmitsOnce(t *testing.T) {
	e, store, _, pub := newTestEngine()
	capturedBooking(t, e, store)

	notice := []RefundNotice{{ID: "re_1", AmountCents: 4000}}
	for i := 0; i < 3; i++ {
		if err := e.ApplyRefunds(context.Background(), "pi_test_1", notice, nil); err != nil {
			t.Fatal(err)
		}
	}
	refundEvents := 0
	for _, k := range pub.kinds {
		if k == models.EventRefundRecorded {
			refundEvents++
		}
	}
	if refundEvents != 1 {
		t.Fatalf("replays must not re-emit refund events, got %d", refundEvents)
	}
}

func TestClientConfirmFailureRecordsSystemActor(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	gw.confirmFail = true
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })

	if err := e.ConfirmClientSide(context.Background(), "ABC234", "pi_test_1"); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.PaymentStatus != models.PaymentFailed {
		t.Fatalf("expected failed, got %s", b.PaymentStatus)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 || entries[0].Actor != ActorSystem {
		t.Fatalf("client-path failure must not be attributed to the webhook: %+v", entries)
	}
}

func TestAdminRefundValidatesAmount(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	capturedBooking(t, e, store)

	if err := e.Refund(context.Background(), "ABC234", 150, "ops@example.com"); !errors.Is(err, ErrRefundExceedsCharge) {
		t.Fatalf("expected ErrRefundExceedsCharge, got %v", err)
	}
	if gw.refunds != 0 {
		t.Fatal("gateway must not be called for an invalid refund")
	}
	if err := e.Refund(context.Background(), "ABC234", 30, "ops@example.com"); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.TotalRefunded != 30 || b.PaymentStatus != models.PaymentCaptured {
		t.Fatalf("unexpected %s/%.2f", b.PaymentStatus, b.TotalRefunded)
	}
}

func TestAdminRefundRequiresCapture(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, nil)
	if err := e.Refund(context.Background(), "ABC234", 10, "ops"); !errors.Is(err, ErrNotCaptured) {
		t.Fatalf("expected ErrNotCaptured, got %v", err)
	}
}

func TestCancelReleasesOutstandingHold(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) {
		b.Status = models.BookingConfirmed
		b.PaymentStatus = models.PaymentAuthorized
		b.ProcessorIntentID = "pi_test_1"
	})
	if err := e.Cancel(context.Background(), "ABC234", "ops"); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingCancelled || b.PaymentStatus != models.PaymentCancelled {
		t.Fatalf("unexpected %s/%s", b.Status, b.PaymentStatus)
	}
	if gw.cancels != 1 {
		t.Fatalf("hold not released, cancels=%d", gw.cancels)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	if len(entries) != 1 || entries[0].Type != models.TxnVoid {
		t.Fatalf("expected void ledger row, got %+v", entries)
	}
	// cancellation is terminal: no further authorization
	if _, err := e.Authorize(context.Background(), "ABC234"); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestCancellationWinsRaceAgainstLateHold(t *testing.T) {
	e, store, gw, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.ProcessorIntentID = "pi_test_1" })
	if err := e.Cancel(context.Background(), "ABC234", "ops"); err != nil {
		t.Fatal(err)
	}
	// hold-succeeded lands after the cancellation committed
	if err := e.ApplyHoldSucceeded(context.Background(), "pi_test_1", nil); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingCancelled {
		t.Fatal("cancellation must not be rolled back")
	}
	if gw.cancels != 1 {
		t.Fatalf("late hold should be released, cancels=%d", gw.cancels)
	}
	entries, _ := store.EntriesFor(context.Background(), "ABC234")
	var failed bool
	for _, tx := range entries {
		if tx.Type == models.TxnAuthorization && tx.Status == models.TxnFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatal("late hold should leave a failed authorization row")
	}
}

func TestCancelRejectsCapturedFunds(t *testing.T) {
	e, store, _, _ := newTestEngine()
	capturedBooking(t, e, store)
	if err := e.Cancel(context.Background(), "ABC234", "ops"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestTripStatusTransitions(t *testing.T) {
	e, store, _, _ := newTestEngine()
	seedBooking(t, store, func(b *models.Booking) { b.Status = models.BookingConfirmed })

	if err := e.Start(context.Background(), "ABC234"); err != nil {
		t.Fatal(err)
	}
	final := 112.34
	if err := e.Complete(context.Background(), "ABC234", &final); err != nil {
		t.Fatal(err)
	}
	b := mustGet(t, store, "ABC234")
	if b.Status != models.BookingCompleted || b.FinalFare == nil || *b.FinalFare != 112.34 {
		t.Fatalf("unexpected %s %v", b.Status, b.FinalFare)
	}
	// completed -> in_progress is illegal
	if err := e.Start(context.Background(), "ABC234"); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

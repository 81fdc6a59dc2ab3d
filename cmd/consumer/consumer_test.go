package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/chauffeur-settlement/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail HSet before succeeding
	calls int
	last  map[string]interface{}
	key   string
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("hset fail")
	}
	f.key = key
	f.last = values
	return nil
}

func testEvent() *models.SettlementEvent {
	return &models.SettlementEvent{
		Kind:          models.EventPaymentCaptured,
		BookingNumber: "ABC234",
		Amount:        42.50,
		PaymentStatus: string(models.PaymentCaptured),
		At:            time.Now(),
	}
}

func TestProjectWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 2}
	start := time.Now()
	if err := projectWithRetry(context.Background(), f, testEvent(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.key != "booking:settlement:ABC234" {
		t.Fatalf("unexpected key %s", f.key)
	}
	if f.last["payment_status"] != string(models.PaymentCaptured) {
		t.Fatalf("unexpected projection: %+v", f.last)
	}
}

func TestProjectWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	if err := projectWithRetry(context.Background(), f, testEvent(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

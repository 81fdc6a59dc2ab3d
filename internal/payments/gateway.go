package payments

import (
	"context"
	"errors"
)

// ErrUnavailable wraps processor transport failures. Callers treat it
// as retryable; the engine never converts it into success.
var ErrUnavailable = errors.New("payments: processor unavailable")

// ErrDeclined marks a definitive processor rejection of the attempt.
var ErrDeclined = errors.New("payments: declined")

// HoldResult identifies a created processor intent. The client secret
// is handed to the customer's browser to complete the hold.
type HoldResult struct {
	IntentID     string
	ClientSecret string
}

// Outcome is the processor's answer to a confirm or capture call.
type Outcome struct {
	Succeeded bool
	Status    string // raw processor status for ledger notes
}

// TipParams selects how a gratuity is charged: a fresh client-created
// payment method, or a card saved on the processor customer.
type TipParams struct {
	CustomerID      string
	PaymentMethodID string
	Metadata        map[string]string
}

// Gateway is the boundary to the external card processor. It is treated
// as an untrusted, possibly-retrying, asynchronous counterparty: every
// call has a bounded timeout and at most one retry, owned here and not
// by the state machine. Amounts are in minor units.
type Gateway interface {
	// CreateHold places an uncaptured hold for the estimated fare.
	CreateHold(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (HoldResult, error)
	// ConfirmHold confirms a hold server-side (the client-convenience path).
	ConfirmHold(ctx context.Context, intentID string) (Outcome, error)
	// Capture finalizes a previously-held intent.
	Capture(ctx context.Context, intentID string) (Outcome, error)
	// CancelHold releases an uncaptured hold.
	CancelHold(ctx context.Context, intentID string) error
	// Refund returns funds for a captured intent. amountCents <= 0
	// means a full refund. Returns the processor refund id.
	Refund(ctx context.Context, intentID string, amountCents int64) (string, error)
	// CreateTipIntent opens an unconfirmed intent for a fresh-card tip,
	// confirmed client-side and settled via webhook.
	CreateTipIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (HoldResult, error)
	// ChargeTip places an immediate, confirmed charge for a gratuity.
	ChargeTip(ctx context.Context, amountCents int64, currency string, p TipParams) (string, error)
}

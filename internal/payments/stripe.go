package payments

import (
	"context"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway implements Gateway on stripe-go PaymentIntents.
// Holds use capture_method=manual so no funds move until capture.
type StripeGateway struct{}

// NewStripeGateway wires the stripe client with a bounded HTTP timeout
// and a single network retry, per the gateway's retry contract.
func NewStripeGateway(apiKey string, timeout time.Duration) *StripeGateway {
	stripe.Key = apiKey
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(1),
	}
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, cfg))
	return &StripeGateway{}
}

func (s *StripeGateway) CreateHold(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (HoldResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return HoldResult{}, wrap("create hold", err)
	}
	return HoldResult{IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeGateway) ConfirmHold(ctx context.Context, intentID string) (Outcome, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	pi, err := paymentintent.Confirm(intentID, params)
	if err != nil {
		return Outcome{}, wrap("confirm hold", err)
	}
	ok := pi.Status == stripe.PaymentIntentStatusRequiresCapture ||
		pi.Status == stripe.PaymentIntentStatusSucceeded
	return Outcome{Succeeded: ok, Status: string(pi.Status)}, nil
}

func (s *StripeGateway) Capture(ctx context.Context, intentID string) (Outcome, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := paymentintent.Capture(intentID, params)
	if err != nil {
		return Outcome{}, wrap("capture", err)
	}
	return Outcome{Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded, Status: string(pi.Status)}, nil
}

func (s *StripeGateway) CancelHold(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(intentID, params)
	if err != nil {
		return wrap("cancel hold", err)
	}
	return nil
}

func (s *StripeGateway) Refund(ctx context.Context, intentID string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", wrap("refund", err)
	}
	return r.ID, nil
}

func (s *StripeGateway) CreateTipIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (HoldResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return HoldResult{}, wrap("create tip intent", err)
	}
	return HoldResult{IntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeGateway) ChargeTip(ctx context.Context, amountCents int64, currency string, p TipParams) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
		Confirm:  stripe.Bool(true),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	if p.PaymentMethodID != "" {
		params.PaymentMethod = stripe.String(p.PaymentMethodID)
	}
	if p.CustomerID != "" && p.PaymentMethodID != "" {
		// charging a saved card with nobody in session
		params.OffSession = stripe.Bool(true)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", wrap("charge tip", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return pi.ID, fmt.Errorf("%w: tip intent status %s", ErrDeclined, pi.Status)
	}
	return pi.ID, nil
}

// wrap classifies stripe errors into the gateway's two failure modes:
// a definitive decline, or an unreachable/erroring processor.
func wrap(op string, err error) error {
	if se, ok := err.(*stripe.Error); ok {
		if se.Type == stripe.ErrorTypeCard {
			return fmt.Errorf("payments: %s: %w: %s", op, ErrDeclined, se.Msg)
		}
		return fmt.Errorf("payments: %s: %w: %s", op, ErrUnavailable, se.Msg)
	}
	return fmt.Errorf("payments: %s: %w: %v", op, ErrUnavailable, err)
}

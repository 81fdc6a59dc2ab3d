package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v74"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/chauffeur-settlement/internal/observability"
	"github.com/example/chauffeur-settlement/internal/settlement"
	"github.com/example/chauffeur-settlement/internal/storage"
	"github.com/example/chauffeur-settlement/internal/tips"
)

// ErrBadSignature: the payload failed authentication. The only event
// class answered with a 4xx; nothing is read from the body.
var ErrBadSignature = errors.New("webhook: invalid signature")

// EventKind is the closed set of processor notifications we act on.
// Anything else is acknowledged and ignored so new processor event
// types fail safe.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindHoldSucceeded
	KindHoldFailed
	KindPaymentSucceeded
	KindChargeRefunded
)

func (k EventKind) String() string {
	switch k {
	case KindHoldSucceeded:
		return "hold_succeeded"
	case KindHoldFailed:
		return "hold_failed"
	case KindPaymentSucceeded:
		return "payment_succeeded"
	case KindChargeRefunded:
		return "charge_refunded"
	}
	return "unknown"
}

// ProcessorEvent is the verified, tagged form of a raw notification.
type ProcessorEvent struct {
	Kind           EventKind
	IntentID       string
	AmountCents    int64
	FailureMessage string
	Refunds        []settlement.RefundNotice
	Raw            []byte
}

// Reconciler ingests signed processor notifications and applies them to
// the settlement engine idempotently. Replays of the same event produce
// the same end state as a single delivery.
type Reconciler struct {
	Engine        *settlement.Engine
	Tips          *tips.Flow
	SigningSecret string
	Logger        *slog.Logger

	// verify is swappable in tests; production uses stripe's verifier.
	verify func(payload []byte, header, secret string) (stripe.Event, error)
}

func New(engine *settlement.Engine, tipFlow *tips.Flow, signingSecret string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		Engine:        engine,
		Tips:          tipFlow,
		SigningSecret: signingSecret,
		Logger:        logger,
		verify:        stripewebhook.ConstructEvent,
	}
}

// Handle verifies and applies one notification. A nil return means the
// event should be acknowledged, including events we ignore; only
// ErrBadSignature and true server errors bubble up, so the processor
// does not retry application-level "not found" forever.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) error {
	ev, err := r.verify(payload, signatureHeader, r.SigningSecret)
	if err != nil {
		observability.WebhookEventsTotal.WithLabelValues("unverified", "rejected").Inc()
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	pe, err := parse(ev)
	if err != nil {
		// verified but malformed body: log and ack, nothing applied
		r.log().Warn("unparseable webhook event", "type", ev.Type, "error", err)
		observability.WebhookEventsTotal.WithLabelValues(pe.Kind.String(), "malformed").Inc()
		return nil
	}
	if pe.Kind == KindUnknown {
		observability.WebhookEventsTotal.WithLabelValues("unknown", "ignored").Inc()
		return nil
	}

	err = r.apply(ctx, pe)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// the processor does not know our booking numbers; an intent we
		// cannot correlate is acked, not retried
		r.log().Info("webhook for unknown intent ignored", "kind", pe.Kind.String(), "intent", pe.IntentID)
		observability.WebhookEventsTotal.WithLabelValues(pe.Kind.String(), "unmatched").Inc()
		return nil
	case err != nil:
		observability.WebhookEventsTotal.WithLabelValues(pe.Kind.String(), "error").Inc()
		return err
	}
	observability.WebhookEventsTotal.WithLabelValues(pe.Kind.String(), "applied").Inc()
	return nil
}

func (r *Reconciler) apply(ctx context.Context, pe ProcessorEvent) error {
	switch pe.Kind {
	case KindHoldSucceeded:
		return r.Engine.ApplyHoldSucceeded(ctx, pe.IntentID, pe.Raw)
	case KindHoldFailed:
		return r.Engine.ApplyHoldFailed(ctx, pe.IntentID, pe.FailureMessage, pe.Raw)
	case KindPaymentSucceeded:
		err := r.Engine.ApplyCaptureSucceeded(ctx, pe.IntentID, pe.AmountCents, pe.Raw)
		if errors.Is(err, storage.ErrNotFound) && r.Tips != nil {
			// not a trip intent; maybe a fresh-card tip created by the
			// tip flow and confirmed in the customer's browser
			return r.Tips.ApplyTipSucceeded(ctx, pe.IntentID, pe.AmountCents, pe.Raw)
		}
		return err
	case KindChargeRefunded:
		return r.Engine.ApplyRefunds(ctx, pe.IntentID, pe.Refunds, pe.Raw)
	}
	return nil
}

// parse maps a verified stripe event onto the closed variant set.
func parse(ev stripe.Event) (ProcessorEvent, error) {
	pe := ProcessorEvent{Raw: ev.Data.Raw}
	switch ev.Type {
	case "payment_intent.amount_capturable_updated":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return pe, err
		}
		pe.Kind = KindHoldSucceeded
		pe.IntentID = pi.ID
		pe.AmountCents = pi.Amount

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return pe, err
		}
		pe.Kind = KindHoldFailed
		pe.IntentID = pi.ID
		if pi.LastPaymentError != nil {
			pe.FailureMessage = pi.LastPaymentError.Msg
		}
		if pe.FailureMessage == "" {
			pe.FailureMessage = "payment failed"
		}

	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return pe, err
		}
		pe.Kind = KindPaymentSucceeded
		pe.IntentID = pi.ID
		pe.AmountCents = pi.AmountReceived
		if pe.AmountCents == 0 {
			pe.AmountCents = pi.Amount
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(ev.Data.Raw, &ch); err != nil {
			return pe, err
		}
		pe.Kind = KindChargeRefunded
		if ch.PaymentIntent != nil {
			pe.IntentID = ch.PaymentIntent.ID
		}
		if ch.Refunds != nil {
			for _, rf := range ch.Refunds.Data {
				if rf == nil || rf.Status == stripe.RefundStatusFailed {
					continue
				}
				pe.Refunds = append(pe.Refunds, settlement.RefundNotice{ID: rf.ID, AmountCents: rf.Amount})
			}
		}
		if len(pe.Refunds) == 0 && ch.AmountRefunded > 0 {
			// some payloads omit the refund list; fall back to the
			// charge-level total keyed by the charge id
			pe.Refunds = append(pe.Refunds, settlement.RefundNotice{ID: ch.ID, AmountCents: ch.AmountRefunded})
		}

	default:
		pe.Kind = KindUnknown
	}
	return pe, nil
}

func (r *Reconciler) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

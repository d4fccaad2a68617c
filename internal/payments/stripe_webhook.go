package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/services"
)

const (
	// ProviderStripe is recorded as the order's payment provider.
	ProviderStripe = "stripe"
	// ActorStripe is the actor id attached to status changes driven by Stripe.
	ActorStripe = "system:stripe"

	metadataOrderID = "order_id"
)

var (
	// ErrInvalidSignature is returned when the Stripe-Signature header does not verify.
	ErrInvalidSignature = errors.New("payments: invalid stripe signature")
	// ErrMalformedEvent is returned when a verified event cannot be decoded.
	ErrMalformedEvent = errors.New("payments: malformed stripe event")
)

// IgnoreReason explains why a verified event produced no command.
type IgnoreReason string

const (
	IgnoreUnhandledType  IgnoreReason = "unhandled_event_type"
	IgnoreMissingOrderID IgnoreReason = "missing_order_id"
	IgnorePartialRefund  IgnoreReason = "partial_refund"
)

// WebhookResult is the outcome of translating one Stripe event.
type WebhookResult struct {
	EventID   string
	EventType string
	// Command is set when Ignored is empty.
	Command services.UpdatePaymentStatusCommand
	Ignored IgnoreReason
}

// StripeWebhook verifies Stripe webhook deliveries and maps them onto payment status updates.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
}

type StripeWebhookOption func(*StripeWebhook)

// WithTolerance overrides how old a signed timestamp may be.
func WithTolerance(d time.Duration) StripeWebhookOption {
	return func(w *StripeWebhook) {
		if d > 0 {
			w.tolerance = d
		}
	}
}

func NewStripeWebhook(secret string, opts ...StripeWebhookOption) (*StripeWebhook, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: stripe webhook secret is required")
	}
	w := &StripeWebhook{secret: secret, tolerance: webhook.DefaultTolerance}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Translate verifies payload against the signature header and returns the command it implies.
//
//	payment_intent.succeeded      -> paid
//	payment_intent.payment_failed -> failed
//	payment_intent.canceled       -> failed
//	charge.refunded (full)        -> refunded
func (w *StripeWebhook) Translate(payload []byte, signatureHeader string) (WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, w.secret, webhook.ConstructEventOptions{
		Tolerance:                w.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}
	if event.Data == nil {
		return result, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		return w.fromPaymentIntent(result, event.Data.Raw, domain.PaymentStatusPaid)
	case stripe.EventTypePaymentIntentPaymentFailed, stripe.EventTypePaymentIntentCanceled:
		return w.fromPaymentIntent(result, event.Data.Raw, domain.PaymentStatusFailed)
	case stripe.EventTypeChargeRefunded:
		return w.fromCharge(result, event.Data.Raw)
	default:
		result.Ignored = IgnoreUnhandledType
		return result, nil
	}
}

func (w *StripeWebhook) fromPaymentIntent(result WebhookResult, raw json.RawMessage, status domain.PaymentStatus) (WebhookResult, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(raw, &intent); err != nil {
		return result, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
	}
	orderID := strings.TrimSpace(intent.Metadata[metadataOrderID])
	if orderID == "" {
		result.Ignored = IgnoreMissingOrderID
		return result, nil
	}
	result.Command = newCommand(orderID, status, intent.ID)
	return result, nil
}

func (w *StripeWebhook) fromCharge(result WebhookResult, raw json.RawMessage) (WebhookResult, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(raw, &charge); err != nil {
		return result, fmt.Errorf("%w: decode charge: %v", ErrMalformedEvent, err)
	}
	if !charge.Refunded && (charge.Amount == 0 || charge.AmountRefunded < charge.Amount) {
		result.Ignored = IgnorePartialRefund
		return result, nil
	}
	orderID := strings.TrimSpace(charge.Metadata[metadataOrderID])
	if orderID == "" && charge.PaymentIntent != nil {
		orderID = strings.TrimSpace(charge.PaymentIntent.Metadata[metadataOrderID])
	}
	if orderID == "" {
		result.Ignored = IgnoreMissingOrderID
		return result, nil
	}
	intentID := ""
	if charge.PaymentIntent != nil {
		intentID = charge.PaymentIntent.ID
	}
	result.Command = newCommand(orderID, domain.PaymentStatusRefunded, intentID)
	return result, nil
}

func newCommand(orderID string, status domain.PaymentStatus, intentID string) services.UpdatePaymentStatusCommand {
	provider := ProviderStripe
	cmd := services.UpdatePaymentStatusCommand{
		OrderID:       orderID,
		PaymentStatus: status,
		Provider:      &provider,
		ActorID:       ActorStripe,
	}
	if intentID = strings.TrimSpace(intentID); intentID != "" {
		cmd.PaymentIntentID = &intentID
	}
	return cmd
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revguard/revguard/pkg/models"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// replayTolerance bounds how stale a Stripe-Signature timestamp may be,
// per spec.md's replay-protection requirement.
const replayTolerance = 300 * time.Second

type stripeNormalizer struct{}

// NewStripeNormalizer returns the Stripe provider normalizer.
func NewStripeNormalizer() Normalizer {
	return &stripeNormalizer{}
}

func (n *stripeNormalizer) Source() models.Source { return models.SourceStripe }

func (n *stripeNormalizer) VerifySignature(ctx context.Context, raw []byte, headers map[string]string, secret string) (bool, error) {
	if secret == "" {
		return true, nil // dev mode: verification optional
	}
	_, err := webhook.ConstructEventWithOptions(raw, headers["stripe-signature"], secret, webhook.ConstructEventOptions{
		Tolerance: replayTolerance,
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (n *stripeNormalizer) Normalize(ctx context.Context, orgID string, raw []byte) ([]NormalizedEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe event: %w", err)
	}

	switch evt.Type {
	case "customer.subscription.created":
		return n.subscriptionEvent(evt, models.EventPurchaseInitial, "")
	case "customer.subscription.updated":
		return n.subscriptionUpdated(evt)
	case "customer.subscription.deleted":
		return n.subscriptionEvent(evt, models.EventExpiration, "cancel")
	case "invoice.payment_succeeded":
		return n.invoiceEvent(evt, models.EventRenewalSuccess, "")
	case "invoice.payment_failed":
		return n.invoiceEvent(evt, models.EventRenewalFailure, "")
	case "charge.refunded":
		return n.chargeRefunded(evt)
	case "charge.dispute.created":
		return n.chargeEvent(evt, models.EventChargeback, "dispute")
	default:
		return nil, nil
	}
}

func (n *stripeNormalizer) subscriptionEvent(evt stripe.Event, eventType models.CanonicalEventType, discriminator string) ([]NormalizedEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe subscription: %w", err)
	}

	productRef := ""
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		productRef = sub.Items.Data[0].Price.ID
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceStripe,
			ProviderEventID:    evt.ID,
			IdempotencyKey:     idempotencyKey(models.SourceStripe, evt.ID, discriminator),
			Type:               eventType,
			ExternalUserRef:    stringOrEmpty(sub.Customer),
			ExternalProductRef: productRef,
			OccurredAt:         timeOrNow(time.Unix(evt.Created, 0)),
			RawPayload:         evt.Data.Raw,
		},
		Hints: []IdentityHint{
			{Source: models.SourceStripe, IDType: "customer_id", ExternalID: stringOrEmpty(sub.Customer)},
		},
	}
	return []NormalizedEvent{ne}, nil
}

// subscriptionUpdated can fan out to several canonical events from one
// payload: a cancellation (emitted whenever cancel_at_period_end is
// set, whether or not this update set it) and a status-driven
// transition. A change of item price is not detected as a plan change.
func (n *stripeNormalizer) subscriptionUpdated(evt stripe.Event) ([]NormalizedEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe subscription: %w", err)
	}

	var out []NormalizedEvent

	productRef := ""
	if len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		productRef = sub.Items.Data[0].Price.ID
	}

	base := models.CanonicalEvent{
		Source:             models.SourceStripe,
		ProviderEventID:    evt.ID,
		ExternalUserRef:    stringOrEmpty(sub.Customer),
		ExternalProductRef: productRef,
		OccurredAt:         timeOrNow(time.Unix(evt.Created, 0)),
		RawPayload:         evt.Data.Raw,
	}
	hints := []IdentityHint{
		{Source: models.SourceStripe, IDType: "customer_id", ExternalID: stringOrEmpty(sub.Customer)},
	}

	if sub.CancelAtPeriodEnd {
		e := base
		e.IdempotencyKey = idempotencyKey(models.SourceStripe, evt.ID, "cancel")
		e.Type = models.EventCancellation
		out = append(out, NormalizedEvent{Event: e, Hints: hints})
	}

	switch sub.Status {
	case stripe.SubscriptionStatusPastDue:
		e := base
		e.IdempotencyKey = idempotencyKey(models.SourceStripe, evt.ID, "retry")
		e.Type = models.EventBillingRetry
		out = append(out, NormalizedEvent{Event: e, Hints: hints})
	case stripe.SubscriptionStatusActive:
		e := base
		e.IdempotencyKey = idempotencyKey(models.SourceStripe, evt.ID, "active")
		e.Type = models.EventRenewalSuccess
		out = append(out, NormalizedEvent{Event: e, Hints: hints})
	case stripe.SubscriptionStatusCanceled:
		e := base
		e.IdempotencyKey = idempotencyKey(models.SourceStripe, evt.ID, "expire")
		e.Type = models.EventExpiration
		out = append(out, NormalizedEvent{Event: e, Hints: hints})
	}

	return out, nil
}

func (n *stripeNormalizer) invoiceEvent(evt stripe.Event, eventType models.CanonicalEventType, discriminator string) ([]NormalizedEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe invoice: %w", err)
	}

	amount := inv.AmountPaid
	if amount == 0 {
		amount = inv.AmountDue
	}

	productRef := ""
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Price != nil {
		productRef = inv.Lines.Data[0].Price.ID
	}

	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:             models.SourceStripe,
			ProviderEventID:    evt.ID,
			IdempotencyKey:     idempotencyKey(models.SourceStripe, evt.ID, discriminator),
			Type:               eventType,
			ExternalUserRef:    stringOrEmpty(inv.Customer),
			ExternalProductRef: productRef,
			OccurredAt:         timeOrNow(time.Unix(evt.Created, 0)),
			RawPayload:         evt.Data.Raw,
		},
		Hints: []IdentityHint{
			{Source: models.SourceStripe, IDType: "customer_id", ExternalID: stringOrEmpty(inv.Customer)},
		},
		Amount: &amount,
	}
	return []NormalizedEvent{ne}, nil
}

func (n *stripeNormalizer) chargeRefunded(evt stripe.Event) ([]NormalizedEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe charge: %w", err)
	}

	amount := charge.AmountRefunded
	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:          models.SourceStripe,
			ProviderEventID: evt.ID,
			IdempotencyKey:  idempotencyKey(models.SourceStripe, evt.ID, "refund"),
			Type:            models.EventRefund,
			ExternalUserRef: stringOrEmpty(charge.Customer),
			OccurredAt:      timeOrNow(time.Unix(evt.Created, 0)),
			RawPayload:      evt.Data.Raw,
		},
		Hints: []IdentityHint{
			{Source: models.SourceStripe, IDType: "customer_id", ExternalID: stringOrEmpty(charge.Customer)},
		},
		Amount: &amount,
	}
	return []NormalizedEvent{ne}, nil
}

func (n *stripeNormalizer) chargeEvent(evt stripe.Event, eventType models.CanonicalEventType, discriminator string) ([]NormalizedEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(evt.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("normalize: decode stripe charge: %w", err)
	}

	amount := charge.Amount
	ne := NormalizedEvent{
		Event: models.CanonicalEvent{
			Source:          models.SourceStripe,
			ProviderEventID: evt.ID,
			IdempotencyKey:  idempotencyKey(models.SourceStripe, evt.ID, discriminator),
			Type:            eventType,
			ExternalUserRef: stringOrEmpty(charge.Customer),
			OccurredAt:      timeOrNow(time.Unix(evt.Created, 0)),
			RawPayload:      evt.Data.Raw,
		},
		Hints: []IdentityHint{
			{Source: models.SourceStripe, IDType: "customer_id", ExternalID: stringOrEmpty(charge.Customer)},
		},
		Amount: &amount,
	}
	return []NormalizedEvent{ne}, nil
}

func stringOrEmpty(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

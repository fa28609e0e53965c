package backfill

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

type stripeImporter struct{}

// NewStripeImporter returns the Stripe historical importer. Unlike the
// teacher's billing.Engine, which mutates the package-level
// stripe.Key, this builds a per-tenant *client.API so concurrent
// backfills across organizations never race on a shared global.
func NewStripeImporter() Importer {
	return &stripeImporter{}
}

func (im *stripeImporter) Import(ctx context.Context, creds map[string]interface{}, runID string, progress *Progress, emit func(SyntheticEvent) error) error {
	secretKey, _ := creds["secret_key"].(string)
	if secretKey == "" {
		return fmt.Errorf("backfill: stripe credentials missing secret_key")
	}
	sc := client.New(secretKey, nil)

	subParams := &stripe.SubscriptionListParams{}
	subParams.Filters.AddFilter("limit", "", "100")
	subIter := sc.Subscriptions.List(subParams)
	for subIter.Next() {
		sub := subIter.Subscription()
		progress.TotalCustomers++

		body, err := syntheticStripeEvent(fmt.Sprintf("backfill_sub_%s_%s", sub.ID, runID), "customer.subscription.created", sub)
		if err != nil {
			progress.Errors = append(progress.Errors, err.Error())
			continue
		}
		if err := emit(SyntheticEvent{Body: body}); err != nil {
			return fmt.Errorf("emit subscription %s: %w", sub.ID, err)
		}
		progress.ImportedCustomers++
		progress.ImportedEvents++
	}
	if err := subIter.Err(); err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	progress.Status = PhaseImportingEvents

	chargeParams := &stripe.ChargeListParams{}
	chargeParams.Filters.AddFilter("limit", "", "100")
	chargeIter := sc.Charges.List(chargeParams)
	for chargeIter.Next() {
		charge := chargeIter.Charge()
		if !charge.Refunded {
			continue
		}
		progress.TotalEvents++

		body, err := syntheticStripeEvent(fmt.Sprintf("backfill_charge_%s_%s", charge.ID, runID), "charge.refunded", charge)
		if err != nil {
			progress.Errors = append(progress.Errors, err.Error())
			continue
		}
		if err := emit(SyntheticEvent{Body: body}); err != nil {
			return fmt.Errorf("emit charge %s: %w", charge.ID, err)
		}
		progress.ImportedEvents++
	}
	if err := chargeIter.Err(); err != nil {
		return fmt.Errorf("list charges: %w", err)
	}

	return nil
}

// syntheticStripeEvent wraps a Stripe object in the same stripe.Event
// envelope a live webhook delivers, so the existing C4 Stripe
// normalizer decodes it unmodified.
func syntheticStripeEvent(eventID, eventType string, object interface{}) ([]byte, error) {
	raw, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	evt := stripe.Event{
		ID:   eventID,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
	out, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal synthetic event: %w", err)
	}
	return out, nil
}

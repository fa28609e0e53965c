// Package entitlement applies canonical billing events to the
// per-user, per-product entitlement state machine: ten lifecycle
// states, optimistically concurrent transitions, and the sticky-state
// and monotonic-expiry invariants that keep a late-arriving or
// out-of-order webhook from silently reviving access that was already
// revoked or refunded.
package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

// maxCASRetries bounds how many times Apply reloads and retries a
// transition after losing a compare-and-swap race against a
// concurrent worker processing a different event for the same
// entitlement.
const maxCASRetries = 3

// Engine owns the transition table mapping a canonical event type and
// an entitlement's current state to its next state.
type Engine struct {
	entitlements storage.EntitlementRepo
	products     storage.ProductRepo
	logger       *zap.Logger
}

// New returns an Engine backed by the given repositories.
func New(entitlements storage.EntitlementRepo, products storage.ProductRepo, logger *zap.Logger) *Engine {
	return &Engine{entitlements: entitlements, products: products, logger: logger}
}

// stickyStates may only be left by an event in leavingStickyEvents;
// any other event targeting a sticky state is a no-op against it,
// since a refund or chargeback should never be silently undone by a
// stale renewal notification arriving after it.
var stickyStates = map[models.EntitlementState]bool{
	models.StateRefunded: true,
	models.StateRevoked:  true,
}

var leavesStickyEvents = map[models.CanonicalEventType]bool{
	models.EventPurchaseInitial: true,
	models.EventResume:          true,
}

// targetState maps a canonical event to the state it drives an
// entitlement toward. ok is false for events that never move
// entitlement state on their own (e.g. a plan change against an
// already-active entitlement).
func targetState(eventType models.CanonicalEventType) (models.EntitlementState, bool) {
	switch eventType {
	case models.EventTrialStarted:
		return models.StateTrial, true
	case models.EventPurchaseInitial, models.EventTrialConverted, models.EventRenewalSuccess, models.EventResume:
		return models.StateActive, true
	case models.EventRenewalFailure, models.EventBillingRetry:
		return models.StateBillingRetry, true
	case models.EventGracePeriodEntered:
		return models.StateGracePeriod, true
	case models.EventPause:
		return models.StatePaused, true
	case models.EventExpiration:
		return models.StateExpired, true
	case models.EventRefund:
		return models.StateRefunded, true
	case models.EventChargeback:
		return models.StateRevoked, true
	default:
		return "", false
	}
}

// Apply drives the entitlement identified by (orgID, userID, source,
// external product ref) toward the state the event implies, creating
// the entitlement row on first sight. It returns the resulting
// entitlement and whether a transition actually occurred; a false
// with a nil error means the event carried no state change (plan
// change, cancellation notice prior to period end) or was blocked by
// the sticky-state invariant.
func (e *Engine) Apply(ctx context.Context, orgID, userID uuid.UUID, ev models.CanonicalEvent) (*models.Entitlement, bool, error) {
	product, err := e.products.GetOrCreate(ctx, orgID, ev.Source, ev.ExternalProductRef)
	if err != nil {
		return nil, false, fmt.Errorf("entitlement: resolve product: %w", err)
	}

	ent, err := e.entitlements.GetOrCreate(ctx, orgID, userID, product.ID, ev.Source, ev.ExternalUserRef)
	if err != nil {
		return nil, false, fmt.Errorf("entitlement: get or create: %w", err)
	}

	want, ok := targetState(ev.Type)
	if !ok {
		return ent, false, nil
	}

	if stickyStates[ent.State] && !leavesStickyEvents[ev.Type] {
		e.logger.Info("event blocked by sticky entitlement state",
			zap.String("entitlement_id", ent.ID.String()),
			zap.String("state", string(ent.State)),
			zap.String("event_type", string(ev.Type)))
		return ent, false, nil
	}

	expiresAt := nextExpiry(ent, ev, want)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		ok, err := e.entitlements.Transition(ctx, ent, want, expiresAt, &ev.ID)
		if err != nil {
			return nil, false, fmt.Errorf("entitlement: transition: %w", err)
		}
		if ok {
			return ent, true, nil
		}

		reloaded, err := e.entitlements.Get(ctx, orgID, userID, product.ID, ev.Source)
		if err != nil {
			return nil, false, fmt.Errorf("entitlement: reload after cas miss: %w", err)
		}
		ent = reloaded
		if stickyStates[ent.State] && !leavesStickyEvents[ev.Type] {
			return ent, false, nil
		}
		expiresAt = nextExpiry(ent, ev, want)
	}

	return nil, false, fmt.Errorf("entitlement: exhausted %d cas retries for %s", maxCASRetries, ent.ID)
}

// nextExpiry enforces the monotonic current_period_end invariant: a
// renewal or trial extension may only push ExpiresAt forward, never
// back, so a reordered webhook delivery can't shorten access a later
// event already granted. Terminal states clear the expiry outright.
func nextExpiry(ent *models.Entitlement, ev models.CanonicalEvent, want models.EntitlementState) *time.Time {
	switch want {
	case models.StateExpired, models.StateRefunded, models.StateRevoked:
		return nil
	}

	if ev.Type != models.EventRenewalSuccess && ev.Type != models.EventTrialStarted && ev.Type != models.EventPurchaseInitial {
		return ent.ExpiresAt
	}

	candidate := ev.OccurredAt
	if ent.ExpiresAt != nil && !candidate.After(*ent.ExpiresAt) {
		return ent.ExpiresAt
	}
	return &candidate
}

package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

func newTestEngine() (*Engine, *storage.FakeEntitlementRepo) {
	ents := storage.NewFakeEntitlementRepo()
	products := storage.NewFakeProductRepo()
	return New(ents, products, zap.NewNop()), ents
}

func baseEvent(orgID, userID uuid.UUID, eventType models.CanonicalEventType) models.CanonicalEvent {
	return models.CanonicalEvent{
		ID:                 uuid.New(),
		OrgID:              orgID,
		Source:             models.SourceStripe,
		ProviderEventID:    uuid.NewString(),
		Type:               eventType,
		ExternalUserRef:    "cus_123",
		ExternalProductRef: "price_basic",
		OccurredAt:         time.Now().UTC(),
	}
}

func TestApplyPurchaseInitialActivates(t *testing.T) {
	eng, _ := newTestEngine()
	orgID, userID := uuid.New(), uuid.New()

	ent, transitioned, err := eng.Apply(context.Background(), orgID, userID, baseEvent(orgID, userID, models.EventPurchaseInitial))
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.StateActive, ent.State)
}

func TestApplyRefundIsSticky(t *testing.T) {
	eng, _ := newTestEngine()
	orgID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, _, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventPurchaseInitial))
	require.NoError(t, err)

	ent, transitioned, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventRefund))
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.StateRefunded, ent.State)

	// A stale renewal arriving after the refund must not revive access.
	ent, transitioned, err = eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventRenewalSuccess))
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.StateRefunded, ent.State)

	// A fresh purchase (or a resume) can leave the refunded state.
	ent, transitioned, err = eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventPurchaseInitial))
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, models.StateActive, ent.State)
}

func TestApplyExpiryIsMonotonic(t *testing.T) {
	eng, _ := newTestEngine()
	orgID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	first := baseEvent(orgID, userID, models.EventRenewalSuccess)
	first.OccurredAt = time.Now().Add(30 * 24 * time.Hour)
	ent, _, err := eng.Apply(ctx, orgID, userID, first)
	require.NoError(t, err)
	require.NotNil(t, ent.ExpiresAt)
	firstExpiry := *ent.ExpiresAt

	stale := baseEvent(orgID, userID, models.EventRenewalSuccess)
	stale.OccurredAt = time.Now().Add(5 * 24 * time.Hour)
	ent, _, err = eng.Apply(ctx, orgID, userID, stale)
	require.NoError(t, err)
	assert.Equal(t, firstExpiry, *ent.ExpiresAt)
}

func TestApplyBillingRetryThenGracePeriod(t *testing.T) {
	eng, _ := newTestEngine()
	orgID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, _, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventPurchaseInitial))
	require.NoError(t, err)

	ent, _, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventRenewalFailure))
	require.NoError(t, err)
	assert.Equal(t, models.StateBillingRetry, ent.State)
	assert.Equal(t, models.AccessAtRisk, models.CategoryOf(ent.State))

	ent, _, err = eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventGracePeriodEntered))
	require.NoError(t, err)
	assert.Equal(t, models.StateGracePeriod, ent.State)
	assert.Equal(t, models.AccessGranted, models.CategoryOf(ent.State))
}

func TestApplyPlanChangeDoesNotTransition(t *testing.T) {
	eng, _ := newTestEngine()
	orgID, userID := uuid.New(), uuid.New()
	ctx := context.Background()

	_, _, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventPurchaseInitial))
	require.NoError(t, err)

	ent, transitioned, err := eng.Apply(ctx, orgID, userID, baseEvent(orgID, userID, models.EventPlanChange))
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, models.StateActive, ent.State)
}

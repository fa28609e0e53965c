package detect

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

func newTestCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)
	return c, func() { c.Close(); mr.Close() }
}

func testEntitlement(orgID, userID uuid.UUID, source models.Source, state models.EntitlementState) *models.Entitlement {
	return &models.Entitlement{
		ID:        uuid.New(),
		OrgID:     orgID,
		UserID:    userID,
		ProductID: uuid.New(),
		Source:    source,
		State:     state,
	}
}

func TestDuplicateBillingDetectorFlagsCloseRepeat(t *testing.T) {
	c, done := newTestCache(t)
	defer done()
	d := NewDuplicateBillingDetector(c)
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateActive)

	now := time.Now()
	first := &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventPurchaseInitial, OccurredAt: now},
	}
	issue, err := d.DetectEvent(context.Background(), first)
	require.NoError(t, err)
	assert.Nil(t, issue)

	second := &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess, OccurredAt: now.Add(time.Minute)},
	}
	issue, err = d.DetectEvent(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueDuplicateBilling, issue.Kind)
}

func TestDuplicateBillingDetectorIgnoresFarApart(t *testing.T) {
	c, done := newTestCache(t)
	defer done()
	d := NewDuplicateBillingDetector(c)
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateActive)

	now := time.Now()
	_, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventPurchaseInitial, OccurredAt: now},
	})
	require.NoError(t, err)

	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess, OccurredAt: now.Add(time.Hour)},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestUnrevokedRefundDetectorFlagsStillGranted(t *testing.T) {
	d := NewUnrevokedRefundDetector()
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateActive)

	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventRefund},
	})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.SeverityCritical, issue.Severity)
}

func TestUnrevokedRefundDetectorSkipsWhenAlreadyRevoked(t *testing.T) {
	d := NewUnrevokedRefundDetector()
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateRefunded)

	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventRefund},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestCrossPlatformConflictDetectorFlagsTwoSources(t *testing.T) {
	ents := storage.NewFakeEntitlementRepo()
	orgID, userID := uuid.New(), uuid.New()

	stripeEnt, err := ents.GetOrCreate(context.Background(), orgID, userID, uuid.New(), models.SourceStripe, "cus_1")
	require.NoError(t, err)
	_, err = ents.Transition(context.Background(), stripeEnt, models.StateActive, nil, nil)
	require.NoError(t, err)

	appleEnt, err := ents.GetOrCreate(context.Background(), orgID, userID, uuid.New(), models.SourceApple, "txn_1")
	require.NoError(t, err)
	_, err = ents.Transition(context.Background(), appleEnt, models.StateActive, nil, nil)
	require.NoError(t, err)

	d := NewCrossPlatformConflictDetector(ents)
	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: appleEnt,
		Event: models.CanonicalEvent{Type: models.EventPurchaseInitial},
	})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueCrossPlatformConflict, issue.Kind)
}

func TestCrossPlatformConflictDetectorIgnoresSingleSource(t *testing.T) {
	ents := storage.NewFakeEntitlementRepo()
	orgID, userID := uuid.New(), uuid.New()

	ent, err := ents.GetOrCreate(context.Background(), orgID, userID, uuid.New(), models.SourceStripe, "cus_1")
	require.NoError(t, err)
	_, err = ents.Transition(context.Background(), ent, models.StateActive, nil, nil)
	require.NoError(t, err)

	d := NewCrossPlatformConflictDetector(ents)
	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent,
		Event: models.CanonicalEvent{Type: models.EventPurchaseInitial},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestRenewalAnomalyDetectorFlagsLargeSwing(t *testing.T) {
	c, done := newTestCache(t)
	defer done()
	d := NewRenewalAnomalyDetector(c)
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateActive)

	first := int64(999)
	_, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent, Amount: &first,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess},
	})
	require.NoError(t, err)

	second := int64(5000)
	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent, Amount: &second,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess},
	})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueRenewalAnomaly, issue.Kind)
}

func TestRenewalAnomalyDetectorIgnoresSmallDrift(t *testing.T) {
	c, done := newTestCache(t)
	defer done()
	d := NewRenewalAnomalyDetector(c)
	orgID, userID := uuid.New(), uuid.New()
	ent := testEntitlement(orgID, userID, models.SourceStripe, models.StateActive)

	first := int64(1000)
	_, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent, Amount: &first,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess},
	})
	require.NoError(t, err)

	second := int64(1050)
	issue, err := d.DetectEvent(context.Background(), &EventContext{
		OrgID: orgID, UserID: userID, Entitlement: ent, Amount: &second,
		Event: models.CanonicalEvent{Type: models.EventRenewalSuccess},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestWebhookDeliveryGapDetectorFlagsStaleConnection(t *testing.T) {
	conns := storage.NewFakeBillingConnectionRepo()
	orgID := uuid.New()
	stale := time.Now().Add(-30 * 24 * time.Hour)
	conns.Seed(&models.BillingConnection{
		OrgID: orgID, Source: models.SourceStripe, Status: models.ConnectionHealthy,
		LastWebhookAt: &stale, CreatedAt: stale,
	})

	d := NewWebhookDeliveryGapDetector(conns)
	issues, err := d.DetectScan(context.Background(), orgID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, models.IssueWebhookDeliveryGap, issues[0].Kind)
}

func TestWebhookDeliveryGapDetectorIgnoresRecentConnection(t *testing.T) {
	conns := storage.NewFakeBillingConnectionRepo()
	orgID := uuid.New()
	recent := time.Now().Add(-time.Hour)
	conns.Seed(&models.BillingConnection{
		OrgID: orgID, Source: models.SourceStripe, Status: models.ConnectionHealthy,
		LastWebhookAt: &recent, CreatedAt: recent,
	})

	d := NewWebhookDeliveryGapDetector(conns)
	issues, err := d.DetectScan(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestDataFreshnessDetectorIgnoresFreshEvents(t *testing.T) {
	conns := storage.NewFakeBillingConnectionRepo()
	events := storage.NewFakeCanonicalEventRepo()
	orgID := uuid.New()
	conns.Seed(&models.BillingConnection{OrgID: orgID, Source: models.SourceStripe, Status: models.ConnectionHealthy})
	require.NoError(t, events.Insert(context.Background(), &models.CanonicalEvent{
		OrgID: orgID, Source: models.SourceStripe, IdempotencyKey: "evt_1", Type: models.EventRenewalSuccess,
	}))

	d := NewDataFreshnessDetector(conns, events)
	issues, err := d.DetectScan(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestDataFreshnessDetectorSkipsUnconfiguredSources(t *testing.T) {
	conns := storage.NewFakeBillingConnectionRepo()
	events := storage.NewFakeCanonicalEventRepo()
	orgID := uuid.New()

	d := NewDataFreshnessDetector(conns, events)
	issues, err := d.DetectScan(context.Background(), orgID)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestVerifiedPaidNoAccessDetector(t *testing.T) {
	d := NewVerifiedPaidNoAccessDetector()
	orgID, userID := uuid.New(), uuid.New()

	issue, err := d.DetectAccess(context.Background(), &AccessContext{
		OrgID: orgID, UserID: userID, CurrentCategory: models.AccessGranted,
		Check: models.AccessCheck{HasAccess: false},
	})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueVerifiedPaidNoAccess, issue.Kind)

	issue, err = d.DetectAccess(context.Background(), &AccessContext{
		OrgID: orgID, UserID: userID, CurrentCategory: models.AccessGranted,
		Check: models.AccessCheck{HasAccess: true},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestVerifiedAccessNoPaymentDetector(t *testing.T) {
	d := NewVerifiedAccessNoPaymentDetector()
	orgID, userID := uuid.New(), uuid.New()

	issue, err := d.DetectAccess(context.Background(), &AccessContext{
		OrgID: orgID, UserID: userID, CurrentCategory: models.AccessNone,
		Check: models.AccessCheck{HasAccess: true},
	})
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, models.IssueVerifiedAccessNoPayment, issue.Kind)

	issue, err = d.DetectAccess(context.Background(), &AccessContext{
		OrgID: orgID, UserID: userID, CurrentCategory: models.AccessNone,
		Check: models.AccessCheck{HasAccess: false},
	})
	require.NoError(t, err)
	assert.Nil(t, issue)
}

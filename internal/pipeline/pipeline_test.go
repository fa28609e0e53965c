package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/detect"
	"github.com/revguard/revguard/internal/entitlement"
	"github.com/revguard/revguard/internal/identity"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

func newTestWorker(t *testing.T) (*Worker, *storage.FakeCanonicalEventRepo, *storage.FakeIssueRepo, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	c, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port})
	require.NoError(t, err)

	logger := zap.NewNop()
	q := queue.New(c.Client, logger)
	events := storage.NewFakeCanonicalEventRepo()
	webhookLogs := storage.NewFakeWebhookLogRepo()
	identities := identity.New(storage.NewFakeIdentityRepo(), c, logger)
	entitlements := entitlement.New(storage.NewFakeEntitlementRepo(), storage.NewFakeProductRepo(), logger)
	issues := storage.NewFakeIssueRepo()
	detectors := detect.NewEngine(issues, logger)

	registry := normalize.NewRegistry(nil, nil)

	w := New(models.SourceStripe, "test-consumer", q, events, webhookLogs, registry, identities, entitlements, detectors, logger)
	return w, events, issues, func() { c.Close(); mr.Close() }
}

func stripeSubscriptionCreatedPayload(customerID, priceID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"type": "customer.subscription.created",
		"created": 1700000000,
		"data": {"object": {
			"customer": %q,
			"items": {"data": [{"price": {"id": %q}}]}
		}}
	}`, customerID, priceID))
}

func TestProcessPersistsCanonicalEventAndActivatesEntitlement(t *testing.T) {
	w, events, _, done := newTestWorker(t)
	defer done()
	orgID := uuid.New()

	logID, err := w.webhookLogs.Create(context.Background(), orgID, models.SourceStripe, nil, []byte("{}"))
	require.NoError(t, err)

	job := queue.Job{
		OrgID:        orgID.String(),
		Source:       models.SourceStripe,
		WebhookLogID: logID.String(),
		RawBody:      stripeSubscriptionCreatedPayload("cus_1", "price_basic"),
	}

	err = w.process(context.Background(), job)
	require.NoError(t, err)

	stored, err := events.GetByIdempotencyKey(context.Background(), orgID, "stripe:evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.EventPurchaseInitial, stored.Type)
	assert.True(t, stored.Processed)

	log, ok := w.webhookLogs.(*storage.FakeWebhookLogRepo).Get(logID)
	require.True(t, ok)
	require.NotNil(t, log.EventID)
}

func TestProcessSkipsDuplicateDelivery(t *testing.T) {
	w, events, _, done := newTestWorker(t)
	defer done()
	orgID := uuid.New()

	logID1, err := w.webhookLogs.Create(context.Background(), orgID, models.SourceStripe, nil, []byte("{}"))
	require.NoError(t, err)
	job := queue.Job{
		OrgID: orgID.String(), Source: models.SourceStripe, WebhookLogID: logID1.String(),
		RawBody: stripeSubscriptionCreatedPayload("cus_1", "price_basic"),
	}
	require.NoError(t, w.process(context.Background(), job))

	logID2, err := w.webhookLogs.Create(context.Background(), orgID, models.SourceStripe, nil, []byte("{}"))
	require.NoError(t, err)
	job2 := queue.Job{
		OrgID: orgID.String(), Source: models.SourceStripe, WebhookLogID: logID2.String(),
		RawBody: stripeSubscriptionCreatedPayload("cus_1", "price_basic"),
	}
	require.NoError(t, w.process(context.Background(), job2))

	_, err = events.GetByIdempotencyKey(context.Background(), orgID, "stripe:evt_1")
	require.NoError(t, err)
}

func TestProcessRejectsInvalidOrgID(t *testing.T) {
	w, _, _, done := newTestWorker(t)
	defer done()

	job := queue.Job{OrgID: "not-a-uuid", Source: models.SourceStripe, WebhookLogID: uuid.New().String()}
	err := w.process(context.Background(), job)
	require.Error(t, err)
}

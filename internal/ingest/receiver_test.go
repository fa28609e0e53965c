package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revguard/revguard/internal/config"
	"github.com/revguard/revguard/internal/gateway"
	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/queue"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

const recurlyBody = `<?xml version="1.0" encoding="UTF-8"?>
<renewed_subscription_notification>
  <account>
    <account_code>cust-42</account_code>
    <email>user@example.com</email>
  </account>
  <subscription>
    <uuid>sub-abc123</uuid>
    <plan_code>pro-monthly</plan_code>
  </subscription>
</renewed_subscription_notification>`

const recurlyWebhookSecret = "whsec_test"

func signRecurly(secret, body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "." + body))
	return strconv.FormatInt(ts, 10) + "," + hex.EncodeToString(mac.Sum(nil))
}

// fakeVault is a CredentialProvider stub returning a fixed credential map.
type fakeVault struct {
	creds map[string]interface{}
	err   error
}

func (v *fakeVault) GetDecryptedCredentials(ctx context.Context, orgID uuid.UUID, source models.Source) (map[string]interface{}, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.creds, nil
}

type testHarness struct {
	receiver  *Receiver
	orgs      *storage.FakeOrgRepo
	conns     *storage.FakeBillingConnectionRepo
	logs      *storage.FakeWebhookLogRepo
	q         *queue.Queue
	redisDone func()
	org       *models.Organization
}

func newTestHarness(t *testing.T, vault CredentialProvider) *testHarness {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cacheClient, err := cache.NewCache(config.RedisConfig{Host: mr.Host(), Port: port, DB: 0})
	require.NoError(t, err)

	q := queue.New(cacheClient.Client, zap.NewNop())
	limiter := gateway.NewRateLimiter(cacheClient, zap.NewNop())
	registry := normalize.NewRegistry(nil, nil)

	orgs := storage.NewFakeOrgRepo()
	conns := storage.NewFakeBillingConnectionRepo()
	logs := storage.NewFakeWebhookLogRepo()

	org := &models.Organization{ID: uuid.New(), Slug: "acme", Name: "Acme Inc", CreatedAt: time.Now()}
	orgs.Seed(org)

	rv := New(orgs, conns, vault, registry, logs, q, limiter, zap.NewNop())

	return &testHarness{
		receiver:  rv,
		orgs:      orgs,
		conns:     conns,
		logs:      logs,
		q:         q,
		redisDone: func() { cacheClient.Close(); mr.Close() },
		org:       org,
	}
}

func (h *testHarness) router() http.Handler {
	r := chi.NewRouter()
	h.receiver.Routes(r)
	return r
}

func postWebhook(t *testing.T, h *testHarness, orgSlug, source, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+orgSlug+"/"+source, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router().ServeHTTP(w, req)
	return w
}

func TestReceiverHappyPath(t *testing.T) {
	h := newTestHarness(t, &fakeVault{creds: map[string]interface{}{"webhook_signing_key": recurlyWebhookSecret}})
	defer h.redisDone()

	h.conns.Seed(&models.BillingConnection{
		ID: uuid.New(), OrgID: h.org.ID, Source: models.SourceRecurly, Status: models.ConnectionHealthy,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.q.EnsureGroup(ctx, models.SourceRecurly))

	header := signRecurly(recurlyWebhookSecret, recurlyBody, time.Now().Unix())
	w := postWebhook(t, h, "acme", "recurly", recurlyBody, map[string]string{"recurly-signature": header})

	require.Equal(t, http.StatusOK, w.Code)

	deliveries, err := h.q.Read(ctx, models.SourceRecurly, "test-consumer", 10, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, h.org.ID.String(), deliveries[0].Job.OrgID)
}

func TestReceiverUnknownOrg(t *testing.T) {
	h := newTestHarness(t, &fakeVault{})
	defer h.redisDone()

	w := postWebhook(t, h, "ghost", "recurly", recurlyBody, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiverUnknownSource(t *testing.T) {
	h := newTestHarness(t, &fakeVault{})
	defer h.redisDone()

	w := postWebhook(t, h, "acme", "nonsense_provider", recurlyBody, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiverUnconfiguredConnection(t *testing.T) {
	h := newTestHarness(t, &fakeVault{creds: map[string]interface{}{"webhook_signing_key": recurlyWebhookSecret}})
	defer h.redisDone()

	w := postWebhook(t, h, "acme", "recurly", recurlyBody, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiverSignatureFailure(t *testing.T) {
	h := newTestHarness(t, &fakeVault{creds: map[string]interface{}{"webhook_signing_key": recurlyWebhookSecret}})
	defer h.redisDone()

	h.conns.Seed(&models.BillingConnection{
		ID: uuid.New(), OrgID: h.org.ID, Source: models.SourceRecurly, Status: models.ConnectionHealthy,
	})

	badHeader := signRecurly("wrong-secret", recurlyBody, time.Now().Unix())
	w := postWebhook(t, h, "acme", "recurly", recurlyBody, map[string]string{"recurly-signature": badHeader})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReceiverRateLimited(t *testing.T) {
	h := newTestHarness(t, &fakeVault{creds: map[string]interface{}{"webhook_signing_key": recurlyWebhookSecret}})
	defer h.redisDone()

	h.conns.Seed(&models.BillingConnection{
		ID: uuid.New(), OrgID: h.org.ID, Source: models.SourceRecurly, Status: models.ConnectionHealthy,
	})

	header := signRecurly(recurlyWebhookSecret, recurlyBody, time.Now().Unix())

	var last *httptest.ResponseRecorder
	for i := 0; i < 700; i++ {
		last = postWebhook(t, h, "acme", "recurly", recurlyBody, map[string]string{"recurly-signature": header})
		if last.Code == http.StatusTooManyRequests {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
}

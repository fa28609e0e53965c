package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/retry"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/models"
)

type fakeChannel struct {
	mu    sync.Mutex
	calls []models.AlertConfig
	err   error
}

func (f *fakeChannel) Send(ctx context.Context, cfg models.AlertConfig, issue *models.Issue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cfg)
	return f.err
}

func (f *fakeChannel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testIssue(orgID uuid.UUID, severity models.IssueSeverity) *models.Issue {
	return &models.Issue{
		ID:       uuid.New(),
		OrgID:    orgID,
		Kind:     models.IssueDuplicateBilling,
		Tier:     models.TierBillingOnly,
		Severity: severity,
		Status:   models.IssueOpen,
		DedupKey: "dedup-1",
		Summary:  "test issue",
		OpenedAt: time.Now(),
	}
}

func noRetryPolicy() retry.Policy {
	return retry.Policy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 1}
}

func TestDispatchRoutesToEveryEnabledChannel(t *testing.T) {
	orgID := uuid.New()
	configs := storage.NewFakeAlertConfigRepo()
	configs.Seed(models.AlertConfig{OrgID: orgID, Channel: models.ChannelWebhook, Target: "https://example.test/hook", MinSeverity: models.SeverityWarning, Enabled: true})
	configs.Seed(models.AlertConfig{OrgID: orgID, Channel: models.ChannelSlack, Target: "C123", MinSeverity: models.SeverityWarning, Enabled: true})

	d := New(configs, "", noRetryPolicy(), nil, zap.NewNop())
	webhook := &fakeChannel{}
	slack := &fakeChannel{}
	d.webhook, d.slack = webhook, slack

	err := d.Dispatch(context.Background(), testIssue(orgID, models.SeverityCritical))
	require.NoError(t, err)

	assert.Equal(t, 1, webhook.callCount())
	assert.Equal(t, 1, slack.callCount())
}

func TestDispatchSkipsBelowMinSeverity(t *testing.T) {
	orgID := uuid.New()
	configs := storage.NewFakeAlertConfigRepo()
	configs.Seed(models.AlertConfig{OrgID: orgID, Channel: models.ChannelPagerDuty, Target: "routing-key", MinSeverity: models.SeverityCritical, Enabled: true})

	d := New(configs, "", noRetryPolicy(), nil, zap.NewNop())
	pd := &fakeChannel{}
	d.pagerduty = pd

	err := d.Dispatch(context.Background(), testIssue(orgID, models.SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, 0, pd.callCount())
}

func TestDispatchContinuesPastChannelFailure(t *testing.T) {
	orgID := uuid.New()
	configs := storage.NewFakeAlertConfigRepo()
	configs.Seed(models.AlertConfig{OrgID: orgID, Channel: models.ChannelWebhook, Target: "https://example.test/hook", MinSeverity: models.SeverityInfo, Enabled: true})
	configs.Seed(models.AlertConfig{OrgID: orgID, Channel: models.ChannelSlack, Target: "C123", MinSeverity: models.SeverityInfo, Enabled: true})

	d := New(configs, "", noRetryPolicy(), nil, zap.NewNop())
	failing := &fakeChannel{err: assert.AnError}
	ok := &fakeChannel{}
	d.webhook, d.slack = failing, ok

	err := d.Dispatch(context.Background(), testIssue(orgID, models.SeverityInfo))
	require.NoError(t, err)
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, 1, ok.callCount())
}

func TestDispatchIgnoresOtherOrgsConfigs(t *testing.T) {
	orgID := uuid.New()
	otherOrg := uuid.New()
	configs := storage.NewFakeAlertConfigRepo()
	configs.Seed(models.AlertConfig{OrgID: otherOrg, Channel: models.ChannelWebhook, Target: "https://example.test/hook", MinSeverity: models.SeverityInfo, Enabled: true})

	d := New(configs, "", noRetryPolicy(), nil, zap.NewNop())
	webhook := &fakeChannel{}
	d.webhook = webhook

	err := d.Dispatch(context.Background(), testIssue(orgID, models.SeverityCritical))
	require.NoError(t, err)
	assert.Equal(t, 0, webhook.callCount())
}

func TestWebhookChannelSendsSignedPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Revguard-Signature")
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		gotBody = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := newWebhookChannel()
	issue := testIssue(uuid.New(), models.SeverityCritical)
	cfg := models.AlertConfig{Target: srv.URL, SigningKey: "shh"}

	err := ch.Send(context.Background(), cfg, issue)
	require.NoError(t, err)
	require.NotEmpty(t, gotSig)
	assert.Equal(t, sign("shh", gotBody), gotSig)

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, issue.ID.String(), payload.IssueID)
}

func TestWebhookChannelSurfacesNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := newWebhookChannel()
	err := ch.Send(context.Background(), models.AlertConfig{Target: srv.URL}, testIssue(uuid.New(), models.SeverityWarning))
	require.Error(t, err)
}

func TestSeverityLabelAndPagerDutySeverity(t *testing.T) {
	assert.Equal(t, "CRITICAL", severityLabel(models.SeverityCritical))
	assert.Equal(t, "WARNING", severityLabel(models.SeverityWarning))
	assert.Equal(t, "INFO", severityLabel(models.SeverityInfo))

	assert.Equal(t, "critical", pagerDutySeverity(models.SeverityCritical))
	assert.Equal(t, "warning", pagerDutySeverity(models.SeverityWarning))
	assert.Equal(t, "info", pagerDutySeverity(models.SeverityInfo))
}

func TestSlackChannelFailsClosedWithoutBotToken(t *testing.T) {
	ch := newSlackChannel("")
	err := ch.Send(context.Background(), models.AlertConfig{Target: "C123"}, testIssue(uuid.New(), models.SeverityCritical))
	require.Error(t, err)
}

package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

// allSources is iterated by the scan detectors since BillingConnectionRepo
// is keyed by (org, source) with no list-all-sources method.
var allSources = []models.Source{
	models.SourceStripe, models.SourceApple, models.SourceGoogle, models.SourceRecurly, models.SourceBraintree,
}

// --- duplicate_billing ---------------------------------------------

// duplicateWindow bounds how close together two charging events for
// the same entitlement can land before they're treated as a
// duplicate delivery rather than a genuine second renewal.
const duplicateWindow = 5 * time.Minute

type duplicateBillingDetector struct {
	cache *cache.Cache
}

// NewDuplicateBillingDetector flags two purchase/renewal events
// landing for the same entitlement within duplicateWindow, a sign of
// a provider redelivering (or double-firing) a charge notification.
func NewDuplicateBillingDetector(c *cache.Cache) EventDetector {
	return &duplicateBillingDetector{cache: c}
}

func (d *duplicateBillingDetector) Kind() models.IssueKind      { return models.IssueDuplicateBilling }
func (d *duplicateBillingDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *duplicateBillingDetector) DetectEvent(ctx context.Context, ec *EventContext) (*models.Issue, error) {
	if ec.Event.Type != models.EventPurchaseInitial && ec.Event.Type != models.EventRenewalSuccess {
		return nil, nil
	}
	if ec.Entitlement == nil {
		return nil, nil
	}

	key := "detect:lastcharge:" + ec.Entitlement.ID.String()
	prev, err := d.cache.Get(ctx, key)
	if err == nil && prev != "" {
		if prevTime, perr := time.Parse(time.RFC3339Nano, prev); perr == nil {
			if ec.Event.OccurredAt.Sub(prevTime) < duplicateWindow && ec.Event.OccurredAt.Sub(prevTime) >= 0 {
				_ = d.cache.Set(ctx, key, ec.Event.OccurredAt.Format(time.RFC3339Nano), 30*24*time.Hour)
				return &models.Issue{
					OrgID:         ec.OrgID,
					Kind:          d.Kind(),
					Tier:          d.Tier(),
					Severity:      models.SeverityWarning,
					UserID:        &ec.UserID,
					EntitlementID: &ec.Entitlement.ID,
					DedupKey:      ec.Entitlement.ID.String(),
					Summary:       fmt.Sprintf("two charging events for entitlement %s within %s", ec.Entitlement.ID, duplicateWindow),
					Details: map[string]any{
						"event_type":     string(ec.Event.Type),
						"provider_event": ec.Event.ProviderEventID,
						"seconds_apart":  ec.Event.OccurredAt.Sub(prevTime).Seconds(),
					},
				}, nil
			}
		}
	}

	_ = d.cache.Set(ctx, key, ec.Event.OccurredAt.Format(time.RFC3339Nano), 30*24*time.Hour)
	return nil, nil
}

// --- unrevoked_refund -----------------------------------------------

type unrevokedRefundDetector struct{}

// NewUnrevokedRefundDetector flags a refund or chargeback whose
// entitlement didn't end up in a no-access category, meaning the
// sticky-state guard or a race left paid access standing after money
// was returned.
func NewUnrevokedRefundDetector() EventDetector {
	return &unrevokedRefundDetector{}
}

func (d *unrevokedRefundDetector) Kind() models.IssueKind      { return models.IssueUnrevokedRefund }
func (d *unrevokedRefundDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *unrevokedRefundDetector) DetectEvent(ctx context.Context, ec *EventContext) (*models.Issue, error) {
	if ec.Event.Type != models.EventRefund && ec.Event.Type != models.EventChargeback {
		return nil, nil
	}
	if ec.Entitlement == nil {
		return nil, nil
	}
	if models.CategoryOf(ec.Entitlement.State) == models.AccessNone {
		return nil, nil
	}

	return &models.Issue{
		OrgID:         ec.OrgID,
		Kind:          d.Kind(),
		Tier:          d.Tier(),
		Severity:      models.SeverityCritical,
		UserID:        &ec.UserID,
		EntitlementID: &ec.Entitlement.ID,
		DedupKey:      ec.Entitlement.ID.String(),
		Summary:       fmt.Sprintf("entitlement %s still grants access after a %s", ec.Entitlement.ID, ec.Event.Type),
		Details: map[string]any{
			"event_type":  string(ec.Event.Type),
			"state":       string(ec.Entitlement.State),
			"prior_state": string(ec.PriorState),
		},
	}, nil
}

// --- cross_platform_conflict -----------------------------------------

type crossPlatformConflictDetector struct {
	entitlements storage.EntitlementRepo
}

// NewCrossPlatformConflictDetector flags a user holding
// access-granting entitlements from more than one billing source at
// once, usually a sign the same subscription was purchased twice
// across platforms (e.g. Stripe web checkout and Apple IAP).
func NewCrossPlatformConflictDetector(entitlements storage.EntitlementRepo) EventDetector {
	return &crossPlatformConflictDetector{entitlements: entitlements}
}

func (d *crossPlatformConflictDetector) Kind() models.IssueKind      { return models.IssueCrossPlatformConflict }
func (d *crossPlatformConflictDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *crossPlatformConflictDetector) DetectEvent(ctx context.Context, ec *EventContext) (*models.Issue, error) {
	switch ec.Event.Type {
	case models.EventPurchaseInitial, models.EventRenewalSuccess, models.EventTrialConverted:
	default:
		return nil, nil
	}
	if ec.Entitlement == nil || models.CategoryOf(ec.Entitlement.State) != models.AccessGranted {
		return nil, nil
	}

	all, err := d.entitlements.ListByUser(ctx, ec.OrgID, ec.UserID)
	if err != nil {
		return nil, fmt.Errorf("detect: list entitlements by user: %w", err)
	}

	sources := make(map[models.Source]bool)
	for _, e := range all {
		if models.CategoryOf(e.State) == models.AccessGranted {
			sources[e.Source] = true
		}
	}
	if len(sources) < 2 {
		return nil, nil
	}

	return &models.Issue{
		OrgID:    ec.OrgID,
		Kind:     d.Kind(),
		Tier:     d.Tier(),
		Severity: models.SeverityWarning,
		UserID:   &ec.UserID,
		DedupKey: ec.UserID.String(),
		Summary:  fmt.Sprintf("user %s holds active entitlements from %d billing sources at once", ec.UserID, len(sources)),
		Details:  map[string]any{"sources": sourceList(sources)},
	}, nil
}

func sourceList(m map[models.Source]bool) []string {
	out := make([]string, 0, len(m))
	for s := range m {
		out = append(out, string(s))
	}
	return out
}

// --- renewal_anomaly --------------------------------------------------

type renewalAnomalyDetector struct {
	cache          *cache.Cache
	toleranceRatio float64
}

// NewRenewalAnomalyDetector flags a renewal charge that differs from
// the entitlement's last seen charge by more than toleranceRatio,
// catching silent price changes or partial/split charges a provider
// bug might introduce.
func NewRenewalAnomalyDetector(c *cache.Cache) EventDetector {
	return &renewalAnomalyDetector{cache: c, toleranceRatio: 0.2}
}

func (d *renewalAnomalyDetector) Kind() models.IssueKind      { return models.IssueRenewalAnomaly }
func (d *renewalAnomalyDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *renewalAnomalyDetector) DetectEvent(ctx context.Context, ec *EventContext) (*models.Issue, error) {
	if ec.Event.Type != models.EventRenewalSuccess || ec.Amount == nil || ec.Entitlement == nil {
		return nil, nil
	}

	key := "detect:lastamount:" + ec.Entitlement.ID.String()
	var issue *models.Issue
	if prev, err := d.cache.Get(ctx, key); err == nil && prev != "" {
		if prevAmount, perr := strconv.ParseInt(prev, 10, 64); perr == nil && prevAmount > 0 {
			delta := float64(*ec.Amount-prevAmount) / float64(prevAmount)
			if delta < 0 {
				delta = -delta
			}
			if delta > d.toleranceRatio {
				issue = &models.Issue{
					OrgID:         ec.OrgID,
					Kind:          d.Kind(),
					Tier:          d.Tier(),
					Severity:      models.SeverityWarning,
					UserID:        &ec.UserID,
					EntitlementID: &ec.Entitlement.ID,
					DedupKey:      ec.Entitlement.ID.String(),
					Summary:       fmt.Sprintf("renewal amount for entitlement %s moved %.0f%% from its last charge", ec.Entitlement.ID, delta*100),
					Details: map[string]any{
						"previous_amount_cents": prevAmount,
						"current_amount_cents":  *ec.Amount,
					},
				}
			}
		}
	}

	_ = d.cache.Set(ctx, key, strconv.FormatInt(*ec.Amount, 10), 400*24*time.Hour)
	return issue, nil
}

// --- webhook_delivery_gap ---------------------------------------------

// webhookGapThreshold is how long a configured connection may go
// without a webhook delivery before it's flagged; most providers
// retry failed deliveries but silent gaps usually mean a firewall or
// endpoint misconfiguration on the tenant's side.
const webhookGapThreshold = 7 * 24 * time.Hour

type webhookDeliveryGapDetector struct {
	connections storage.BillingConnectionRepo
}

// NewWebhookDeliveryGapDetector flags a configured billing connection
// that hasn't received a webhook in webhookGapThreshold.
func NewWebhookDeliveryGapDetector(connections storage.BillingConnectionRepo) ScanDetector {
	return &webhookDeliveryGapDetector{connections: connections}
}

func (d *webhookDeliveryGapDetector) Kind() models.IssueKind      { return models.IssueWebhookDeliveryGap }
func (d *webhookDeliveryGapDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *webhookDeliveryGapDetector) DetectScan(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error) {
	var issues []models.Issue
	for _, source := range allSources {
		conn, err := d.connections.Get(ctx, orgID, source)
		if err != nil {
			continue // unconfigured for this org
		}

		if conn.LastWebhookAt == nil {
			if conn.CreatedAt.Before(time.Now().Add(-webhookGapThreshold)) {
				issues = append(issues, gapIssue(orgID, source, "no webhook ever received", nil))
			}
			continue
		}

		if age := time.Since(*conn.LastWebhookAt); age > webhookGapThreshold {
			ageSec := int64(age.Seconds())
			issues = append(issues, gapIssue(orgID, source, "no webhook received recently", &ageSec))
		}
	}
	return issues, nil
}

func gapIssue(orgID uuid.UUID, source models.Source, summary string, ageSec *int64) models.Issue {
	details := map[string]any{"source": string(source)}
	if ageSec != nil {
		details["age_seconds"] = *ageSec
	}
	return models.Issue{
		OrgID:    orgID,
		Kind:     models.IssueWebhookDeliveryGap,
		Tier:     models.TierBillingOnly,
		Severity: models.SeverityWarning,
		DedupKey: string(source),
		Summary:  fmt.Sprintf("%s: %s", source, summary),
		Details:  details,
	}
}

// --- data_freshness -----------------------------------------------------

// dataFreshnessThreshold is how long a configured source may go
// without producing a processed canonical event before the
// connection's data is considered stale, independent of whether raw
// webhooks are still arriving (a parsing or idempotency bug could
// swallow every delivery silently).
const dataFreshnessThreshold = 14 * 24 * time.Hour

type dataFreshnessDetector struct {
	connections storage.BillingConnectionRepo
	events      storage.CanonicalEventRepo
}

// NewDataFreshnessDetector flags a configured connection with no
// recently processed canonical events.
func NewDataFreshnessDetector(connections storage.BillingConnectionRepo, events storage.CanonicalEventRepo) ScanDetector {
	return &dataFreshnessDetector{connections: connections, events: events}
}

func (d *dataFreshnessDetector) Kind() models.IssueKind      { return models.IssueDataFreshness }
func (d *dataFreshnessDetector) Tier() models.DetectionTier { return models.TierBillingOnly }

func (d *dataFreshnessDetector) DetectScan(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error) {
	var issues []models.Issue
	for _, source := range allSources {
		if _, err := d.connections.Get(ctx, orgID, source); err != nil {
			continue
		}

		last, err := d.events.LastReceivedAt(ctx, orgID, source)
		if err != nil {
			continue // no events at all yet is covered by webhook_delivery_gap
		}
		if time.Since(last.ReceivedAt) > dataFreshnessThreshold {
			issues = append(issues, models.Issue{
				OrgID:    orgID,
				Kind:     d.Kind(),
				Tier:     d.Tier(),
				Severity: models.SeverityInfo,
				DedupKey: string(source),
				Summary:  fmt.Sprintf("%s: no canonical events processed in over %s", source, dataFreshnessThreshold),
				Details:  map[string]any{"source": string(source), "last_received_at": last.ReceivedAt},
			})
		}
	}
	return issues, nil
}

// --- verified_paid_no_access / verified_access_no_payment --------------

type verifiedPaidNoAccessDetector struct{}

// NewVerifiedPaidNoAccessDetector flags a user whose billing side
// grants access but whose app-reported access check says otherwise,
// catching entitlement-sync bugs on the client or server side.
func NewVerifiedPaidNoAccessDetector() AccessDetector {
	return &verifiedPaidNoAccessDetector{}
}

func (d *verifiedPaidNoAccessDetector) Kind() models.IssueKind      { return models.IssueVerifiedPaidNoAccess }
func (d *verifiedPaidNoAccessDetector) Tier() models.DetectionTier { return models.TierVerified }

func (d *verifiedPaidNoAccessDetector) DetectAccess(ctx context.Context, ac *AccessContext) (*models.Issue, error) {
	if ac.CurrentCategory != models.AccessGranted || ac.Check.HasAccess {
		return nil, nil
	}
	return &models.Issue{
		OrgID:    ac.OrgID,
		Kind:     d.Kind(),
		Tier:     d.Tier(),
		Severity: models.SeverityCritical,
		UserID:   &ac.UserID,
		DedupKey: ac.UserID.String(),
		Summary:  fmt.Sprintf("user %s is paid but the app reports no access", ac.UserID),
		Details:  map[string]any{"checked_at": ac.Check.CheckedAt},
	}, nil
}

type verifiedAccessNoPaymentDetector struct{}

// NewVerifiedAccessNoPaymentDetector flags a user whose app reports
// access despite no active billing-side entitlement, a likely
// entitlement leak or piracy vector.
func NewVerifiedAccessNoPaymentDetector() AccessDetector {
	return &verifiedAccessNoPaymentDetector{}
}

func (d *verifiedAccessNoPaymentDetector) Kind() models.IssueKind      { return models.IssueVerifiedAccessNoPayment }
func (d *verifiedAccessNoPaymentDetector) Tier() models.DetectionTier { return models.TierVerified }

func (d *verifiedAccessNoPaymentDetector) DetectAccess(ctx context.Context, ac *AccessContext) (*models.Issue, error) {
	if ac.CurrentCategory != models.AccessNone || !ac.Check.HasAccess {
		return nil, nil
	}
	return &models.Issue{
		OrgID:    ac.OrgID,
		Kind:     d.Kind(),
		Tier:     d.Tier(),
		Severity: models.SeverityCritical,
		UserID:   &ac.UserID,
		DedupKey: ac.UserID.String(),
		Summary:  fmt.Sprintf("app reports access for user %s with no active entitlement", ac.UserID),
		Details:  map[string]any{"checked_at": ac.Check.CheckedAt},
	}, nil
}

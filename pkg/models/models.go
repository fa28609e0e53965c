// Package models holds the domain entities shared across revguard's
// packages: organizations, identities, products, entitlements, canonical
// events, issues, and the supporting operational records.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Source identifies a billing provider.
type Source string

const (
	SourceStripe    Source = "stripe"
	SourceApple     Source = "apple"
	SourceGoogle    Source = "google"
	SourceRecurly   Source = "recurly"
	SourceBraintree Source = "braintree"
)

// Organization is a tenant of the platform.
type Organization struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	CreatedAt time.Time
}

// APIKeyScope bounds what an API key may do.
type APIKeyScope string

const (
	ScopeWebhookIngest    APIKeyScope = "webhook:ingest"
	ScopeReadIssues       APIKeyScope = "issues:read"
	ScopeWriteConfig      APIKeyScope = "config:write"
	ScopeAccessCheckWrite APIKeyScope = "access_check:write"
	ScopeAdmin            APIKeyScope = "admin"
)

// APIKey is an organization-scoped credential. Only the hash is persisted.
type APIKey struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Prefix     string
	HashedKey  string
	Scopes     []APIKeyScope
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// HasScope reports whether the key carries the given scope, or admin.
func (k *APIKey) HasScope(s APIKeyScope) bool {
	for _, have := range k.Scopes {
		if have == s || have == ScopeAdmin {
			return true
		}
	}
	return false
}

// BillingConnection is a tenant's configured connection to a provider.
type BillingConnection struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	Source            Source
	EncryptedCreds    string
	WebhookSigningKey string // ref into the vault, not the raw secret
	Status            ConnectionStatus
	LastWebhookAt     *time.Time
	LastBackfillAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConnectionStatus is the health of a billing connection.
type ConnectionStatus string

const (
	ConnectionHealthy   ConnectionStatus = "healthy"
	ConnectionDegraded  ConnectionStatus = "degraded"
	ConnectionUnhealthy ConnectionStatus = "unhealthy"
)

// User is a resolved end-customer identity within an organization.
type User struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Email      *string
	CreatedAt  time.Time
	MergedInto *uuid.UUID // non-nil if this user record was merged away
}

// UserIdentity links a provider-specific customer id to a User.
type UserIdentity struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	OrgID      uuid.UUID
	Source     Source
	ExternalID string // e.g. Stripe customer id, Apple originalTransactionId
	Email      *string
	LinkedAt   time.Time
	LinkMethod string // "email_match", "explicit_merge", "receipt_claim"
}

// Product maps a provider-specific product/price id to a canonical plan.
type Product struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	Source        Source
	ExternalID    string
	CanonicalPlan string
	Entitled      bool
}

// EntitlementState is one of the ten states in the lifecycle state machine.
type EntitlementState string

const (
	StateInactive     EntitlementState = "inactive"
	StateTrial        EntitlementState = "trial"
	StateActive       EntitlementState = "active"
	StateGracePeriod  EntitlementState = "grace_period"
	StateBillingRetry EntitlementState = "billing_retry"
	StatePastDue      EntitlementState = "past_due"
	StatePaused       EntitlementState = "paused"
	StateExpired      EntitlementState = "expired"
	StateRevoked      EntitlementState = "revoked"
	StateRefunded     EntitlementState = "refunded"
)

// AccessCategory groups entitlement states by the access they confer.
type AccessCategory string

const (
	AccessGranted AccessCategory = "access_granted"
	AccessNone    AccessCategory = "no_access"
	AccessAtRisk  AccessCategory = "at_risk"
	AccessNeutral AccessCategory = "neutral"
)

// CategoryOf returns the access category for a given state.
func CategoryOf(s EntitlementState) AccessCategory {
	switch s {
	case StateTrial, StateActive, StateGracePeriod:
		return AccessGranted
	case StateExpired, StateRevoked, StateRefunded:
		return AccessNone
	case StateBillingRetry, StatePastDue:
		return AccessAtRisk
	case StatePaused, StateInactive:
		return AccessNeutral
	default:
		return AccessNeutral
	}
}

// Entitlement is the current lifecycle state of one user's access to one product.
type Entitlement struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	UserID           uuid.UUID
	ProductID        uuid.UUID
	Source           Source
	ExternalRef      string // subscription id / original transaction id
	State            EntitlementState
	ExpiresAt        *time.Time
	LastTransitionAt time.Time
	Version          int // optimistic concurrency token
}

// StateTransition is one row of an entitlement's append-only history.
type StateTransition struct {
	ID            uuid.UUID
	EntitlementID uuid.UUID
	FromState     EntitlementState
	ToState       EntitlementState
	CausedByEvent *uuid.UUID
	OccurredAt    time.Time
}

// CanonicalEventType enumerates the normalized event vocabulary.
type CanonicalEventType string

const (
	EventPurchaseInitial    CanonicalEventType = "purchase_initial"
	EventRenewalSuccess     CanonicalEventType = "renewal_success"
	EventRenewalFailure     CanonicalEventType = "renewal_failure"
	EventCancellation       CanonicalEventType = "cancellation"
	EventRefund             CanonicalEventType = "refund"
	EventChargeback         CanonicalEventType = "chargeback"
	EventGracePeriodEntered CanonicalEventType = "grace_period_entered"
	EventBillingRetry       CanonicalEventType = "billing_retry"
	EventPlanChange         CanonicalEventType = "plan_change"
	EventPause              CanonicalEventType = "pause"
	EventResume             CanonicalEventType = "resume"
	EventExpiration         CanonicalEventType = "expiration"
	EventTrialStarted       CanonicalEventType = "trial_started"
	EventTrialConverted     CanonicalEventType = "trial_converted"
)

// CanonicalEvent is a provider event normalized to the common vocabulary.
type CanonicalEvent struct {
	ID                 uuid.UUID
	OrgID              uuid.UUID
	Source             Source
	ProviderEventID    string
	IdempotencyKey     string // "{source}:{provider_event_id}[:{discriminator}]"
	Type               CanonicalEventType
	ExternalUserRef    string
	ExternalProductRef string
	OccurredAt         time.Time
	ReceivedAt         time.Time
	RawPayload         []byte
	Processed          bool
	ProcessedAt        *time.Time
}

// IssueKind is the detector that raised an issue.
type IssueKind string

const (
	IssueDuplicateBilling        IssueKind = "duplicate_billing"
	IssueUnrevokedRefund         IssueKind = "unrevoked_refund"
	IssueCrossPlatformConflict   IssueKind = "cross_platform_conflict"
	IssueWebhookDeliveryGap      IssueKind = "webhook_delivery_gap"
	IssueRenewalAnomaly          IssueKind = "renewal_anomaly"
	IssueDataFreshness           IssueKind = "data_freshness"
	IssueVerifiedPaidNoAccess    IssueKind = "verified_paid_no_access"
	IssueVerifiedAccessNoPayment IssueKind = "verified_access_no_payment"
)

// DetectionTier distinguishes heuristic billing-only checks from
// checks that cross-reference live product access state.
type DetectionTier string

const (
	TierBillingOnly DetectionTier = "billing_only"
	TierVerified    DetectionTier = "verified"
)

// IssueSeverity is the operator-facing priority of an issue.
type IssueSeverity string

const (
	SeverityInfo     IssueSeverity = "info"
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// IssueStatus is the lifecycle of an issue record.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
)

// Issue is a tenant-scoped anomaly raised by a detector.
type Issue struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	Kind          IssueKind
	Tier          DetectionTier
	Severity      IssueSeverity
	Status        IssueStatus
	UserID        *uuid.UUID
	EntitlementID *uuid.UUID
	DedupKey      string // unique per (org, kind, dedup subject) while open
	Summary       string
	Details       map[string]any
	OpenedAt      time.Time
	ResolvedAt    *time.Time
}

// WebhookLog is an append-only record of every inbound webhook delivery.
type WebhookLog struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Source      Source
	ReceivedAt  time.Time
	SignatureOK bool
	StatusCode  int
	EventID     *uuid.UUID
	Error       *string
	BodySize    int
}

// AccessCheck records a C14 query-surface cross-reference between
// a user's billing state and their live product access.
type AccessCheck struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	UserID     uuid.UUID
	HasAccess  bool
	HasPayment bool
	CheckedAt  time.Time
}

// AlertChannel is a configured outbound notification target.
type AlertChannel string

const (
	ChannelWebhook   AlertChannel = "webhook"
	ChannelPagerDuty AlertChannel = "pagerduty"
	ChannelSlack     AlertChannel = "slack"
)

// AlertConfig binds an organization to an alert channel.
type AlertConfig struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Channel     AlertChannel
	Target      string // URL, routing key, or channel id depending on Channel
	SigningKey  string // webhook channel only
	MinSeverity IssueSeverity
	Enabled     bool
}

// AuditAction enumerates the events recorded to the audit log.
type AuditAction string

const (
	AuditAPIKeyCreated     AuditAction = "api_key_created"
	AuditAPIKeyRevoked     AuditAction = "api_key_revoked"
	AuditIdentityMerged    AuditAction = "identity_merged"
	AuditIssueTransition   AuditAction = "issue_transition"
	AuditAlertConfigChange AuditAction = "alert_config_change"
)

// AuditLogEntry is an append-only record of a sensitive operation.
type AuditLogEntry struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Action     AuditAction
	ActorRef   string // API key prefix or "system"
	Subject    string // id of the thing acted upon
	Detail     map[string]any
	OccurredAt time.Time
}

// ConnectionHealth is the read-side health snapshot for C14.
type ConnectionHealth struct {
	OrgID              uuid.UUID
	Source             Source
	Status             ConnectionStatus
	LastWebhookAgeSec  *int64
	LastSyncAgeSec     *int64
	OpenCriticalIssues int
}

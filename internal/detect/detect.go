// Package detect holds the pluggable anomaly detectors that turn
// canonical events, entitlement transitions, and app-side access
// reports into operator-facing issues. Event-triggered detectors run
// inline with the C7 ingestion pipeline; scan detectors run
// periodically per organization from the C13 scheduler.
package detect

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/events"
	"github.com/revguard/revguard/pkg/models"
)

// Detector is the common identity every detector carries.
type Detector interface {
	Kind() models.IssueKind
	Tier() models.DetectionTier
}

// EventContext is everything an event-triggered detector may need to
// judge a single canonical event against the entitlement it drove.
type EventContext struct {
	OrgID        uuid.UUID
	UserID       uuid.UUID
	Event        models.CanonicalEvent
	PriorState   models.EntitlementState
	Entitlement  *models.Entitlement
	Transitioned bool
	// Amount is the payment amount in cents carried by the originating
	// NormalizedEvent, nil for non-financial events. CanonicalEvent
	// itself doesn't persist it, so the pipeline threads it through
	// for the renewal-anomaly detector's benefit only.
	Amount *int64
}

// EventDetector inspects one freshly processed canonical event.
type EventDetector interface {
	Detector
	DetectEvent(ctx context.Context, ec *EventContext) (*models.Issue, error)
}

// ScanDetector inspects an organization's aggregate state on a
// schedule, independent of any single event.
type ScanDetector interface {
	Detector
	DetectScan(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error)
}

// AccessContext is what the verified-tier detectors compare an
// app-reported access check against.
type AccessContext struct {
	OrgID           uuid.UUID
	UserID          uuid.UUID
	Check           models.AccessCheck
	CurrentCategory models.AccessCategory
}

// AccessDetector inspects an app-side access-check report against
// the billing-side entitlement category.
type AccessDetector interface {
	Detector
	DetectAccess(ctx context.Context, ac *AccessContext) (*models.Issue, error)
}

// Engine fans a processed event, scan tick, or access check out to
// every registered detector of the matching kind and opens whatever
// issues they raise.
type Engine struct {
	issues storage.IssueRepo
	events []EventDetector
	scans  []ScanDetector
	access []AccessDetector
	logger *zap.Logger
	bus    *events.Bus
}

// NewEngine returns an Engine with no detectors registered.
func NewEngine(issues storage.IssueRepo, logger *zap.Logger) *Engine {
	return &Engine{issues: issues, logger: logger}
}

// SetBus wires an event bus that newly opened issues are published to,
// letting the alert dispatcher subscribe without the detection engine
// importing it directly. Nil-safe when left unset (e.g. in tests).
func (e *Engine) SetBus(bus *events.Bus) {
	e.bus = bus
}

// Register adds a detector to every list its concrete type satisfies.
func (e *Engine) Register(d Detector) {
	if ed, ok := d.(EventDetector); ok {
		e.events = append(e.events, ed)
	}
	if sd, ok := d.(ScanDetector); ok {
		e.scans = append(e.scans, sd)
	}
	if ad, ok := d.(AccessDetector); ok {
		e.access = append(e.access, ad)
	}
}

// DetectEvent runs every event detector against ec and opens any
// issue raised. A detector error is logged and skipped, so one
// misbehaving detector can't block the rest from running.
func (e *Engine) DetectEvent(ctx context.Context, ec *EventContext) error {
	for _, d := range e.events {
		issue, err := d.DetectEvent(ctx, ec)
		if err != nil {
			e.logger.Error("event detector failed", zap.String("kind", string(d.Kind())), zap.Error(err))
			continue
		}
		if issue == nil {
			continue
		}
		if err := e.open(ctx, issue); err != nil {
			e.logger.Error("failed to open issue", zap.String("kind", string(d.Kind())), zap.Error(err))
		}
	}
	return nil
}

// DetectScan runs every scan detector for orgID, called periodically
// by the scheduler.
func (e *Engine) DetectScan(ctx context.Context, orgID uuid.UUID) error {
	for _, d := range e.scans {
		issues, err := d.DetectScan(ctx, orgID)
		if err != nil {
			e.logger.Error("scan detector failed", zap.String("kind", string(d.Kind())), zap.Error(err))
			continue
		}
		for i := range issues {
			if err := e.open(ctx, &issues[i]); err != nil {
				e.logger.Error("failed to open issue", zap.String("kind", string(d.Kind())), zap.Error(err))
			}
		}
	}
	return nil
}

// DetectAccess runs every access-check detector against ac.
func (e *Engine) DetectAccess(ctx context.Context, ac *AccessContext) error {
	for _, d := range e.access {
		issue, err := d.DetectAccess(ctx, ac)
		if err != nil {
			e.logger.Error("access detector failed", zap.String("kind", string(d.Kind())), zap.Error(err))
			continue
		}
		if issue == nil {
			continue
		}
		if err := e.open(ctx, issue); err != nil {
			e.logger.Error("failed to open issue", zap.String("kind", string(d.Kind())), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) open(ctx context.Context, issue *models.Issue) error {
	opened, err := e.issues.Open(ctx, issue)
	if err != nil {
		return fmt.Errorf("detect: open issue: %w", err)
	}
	if opened {
		e.logger.Warn("issue opened",
			zap.String("org_id", issue.OrgID.String()),
			zap.String("kind", string(issue.Kind)),
			zap.String("severity", string(issue.Severity)),
			zap.String("dedup_key", issue.DedupKey),
		)
		if e.bus != nil {
			_ = e.bus.Publish(ctx, events.NewEvent(events.EventIssueOpened, issue.OrgID.String(), map[string]interface{}{
				"issue": issue,
			}))
		}
	}
	return nil
}

package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/PagerDuty/go-pagerduty"

	"github.com/revguard/revguard/pkg/models"
)

// pagerdutyChannel triggers a PagerDuty Events API v2 incident.
// cfg.Target carries the per-org integration routing key; the dedup
// key is the issue's own DedupKey, so a resolved-then-reopened issue
// (unlikely but possible for non-sticky kinds) re-triggers cleanly.
type pagerdutyChannel struct{}

func newPagerDutyChannel() *pagerdutyChannel { return &pagerdutyChannel{} }

func (p *pagerdutyChannel) Send(ctx context.Context, cfg models.AlertConfig, issue *models.Issue) error {
	event := pagerduty.V2Event{
		RoutingKey: cfg.Target,
		Action:     "trigger",
		DedupKey:   issue.DedupKey,
		Payload: &pagerduty.V2Payload{
			Summary:   issue.Summary,
			Source:    "revguard",
			Severity:  pagerDutySeverity(issue.Severity),
			Timestamp: issue.OpenedAt.Format(time.RFC3339),
			Component: string(issue.Kind),
			Class:     string(issue.Tier),
			Details:   issue.Details,
		},
	}

	resp, err := pagerduty.ManageEventWithContext(ctx, event)
	if err != nil {
		return fmt.Errorf("alert: pagerduty manage event: %w", err)
	}
	if resp.Status != "success" {
		return fmt.Errorf("alert: pagerduty rejected event: %s", resp.Message)
	}
	return nil
}

func pagerDutySeverity(s models.IssueSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

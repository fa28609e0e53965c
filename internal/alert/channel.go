// Package alert is the C11 dispatcher: it turns a newly opened issue
// into outbound notifications on whatever channels an organization has
// configured above the issue's severity, fed by the pkg/events bus the
// detection engine publishes to rather than a direct import.
package alert

import (
	"context"

	"github.com/revguard/revguard/pkg/models"
)

// Channel delivers one issue to one configured destination.
type Channel interface {
	Send(ctx context.Context, cfg models.AlertConfig, issue *models.Issue) error
}

func severityLabel(s models.IssueSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "CRITICAL"
	case models.SeverityWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revguard/revguard/pkg/cache"
	"github.com/revguard/revguard/pkg/models"
)

// Phase tracks where a backfill run is in its lifecycle.
type Phase string

const (
	PhaseQueued                   Phase = "queued"
	PhaseCounting                 Phase = "counting"
	PhaseImportingSubscriptions   Phase = "importing_subscriptions"
	PhaseImportingEvents          Phase = "importing_events"
	PhaseCompleted                Phase = "completed"
	PhaseFailed                   Phase = "failed"
)

// progressTTL is generous enough to survive a slow run (it outlasts the
// one-hour lockTTL), short enough that a crashed run doesn't haunt the
// API forever.
const progressTTL = 24 * time.Hour

// Progress is the document clients poll via GET /api/v1/backfill/{source}/progress.
type Progress struct {
	RunID                    string    `json:"run_id"`
	Source                   models.Source `json:"source"`
	Status                   Phase     `json:"status"`
	TotalCustomers           int       `json:"total_customers"`
	ImportedCustomers        int       `json:"imported_customers"`
	TotalEvents              int       `json:"total_events"`
	ImportedEvents           int       `json:"imported_events"`
	EventsCreated            int       `json:"events_created"`
	IssuesFound              int       `json:"issues_found"`
	Errors                   []string  `json:"errors,omitempty"`
	StartedAt                time.Time `json:"started_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	CompletedAt              *time.Time `json:"completed_at,omitempty"`
	EstimatedSecondsRemaining int      `json:"estimated_seconds_remaining"`
	ProcessingRatePerSecond  float64   `json:"processing_rate_per_second"`
}

func progressKey(orgID, source string) string {
	return fmt.Sprintf("backfill:%s:%s", source, orgID)
}

func loadProgress(ctx context.Context, c *cache.Cache, orgID, source string) (*Progress, error) {
	raw, err := c.Get(ctx, progressKey(orgID, source))
	if err != nil {
		return nil, err
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("backfill: decode progress: %w", err)
	}
	return &p, nil
}

func saveProgress(ctx context.Context, c *cache.Cache, orgID string, p *Progress) error {
	p.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("backfill: encode progress: %w", err)
	}
	return c.Set(ctx, progressKey(orgID, string(p.Source)), encoded, progressTTL)
}

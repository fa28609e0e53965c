package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// IssueRepo persists detector output with dedup-on-open-status semantics.
type IssueRepo interface {
	// Open inserts a new open issue, or no-ops if one with the same
	// (org, kind, dedup_key) is already open. Returns opened=false on no-op.
	Open(ctx context.Context, issue *models.Issue) (opened bool, err error)
	Resolve(ctx context.Context, id uuid.UUID) error
	ListOpen(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error)
	CountOpenCritical(ctx context.Context, orgID uuid.UUID) (int, error)
}

type pgxIssueRepo struct {
	pool *pgxpool.Pool
}

// NewIssueRepo returns a pgx-backed IssueRepo.
func NewIssueRepo(pool *pgxpool.Pool) IssueRepo {
	return &pgxIssueRepo{pool: pool}
}

func (r *pgxIssueRepo) Open(ctx context.Context, issue *models.Issue) (bool, error) {
	details, err := json.Marshal(issue.Details)
	if err != nil {
		return false, fmt.Errorf("storage: marshal issue details: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO issues (org_id, kind, tier, severity, user_id, entitlement_id, dedup_key, summary, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (org_id, kind, dedup_key) WHERE status = 'open' DO NOTHING
		RETURNING id, opened_at
	`, issue.OrgID, issue.Kind, issue.Tier, issue.Severity, issue.UserID, issue.EntitlementID,
		issue.DedupKey, issue.Summary, details,
	).Scan(&issue.ID, &issue.OpenedAt)

	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: open issue: %w", err)
	}
	issue.Status = models.IssueOpen
	return true, nil
}

func (r *pgxIssueRepo) Resolve(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE issues SET status = 'resolved', resolved_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: resolve issue: %w", err)
	}
	return nil
}

func (r *pgxIssueRepo) ListOpen(ctx context.Context, orgID uuid.UUID) ([]models.Issue, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, kind, tier, severity, status, user_id, entitlement_id, dedup_key, summary, details, opened_at, resolved_at
		FROM issues WHERE org_id = $1 AND status = 'open' ORDER BY opened_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list open issues: %w", err)
	}
	defer rows.Close()

	var out []models.Issue
	for rows.Next() {
		var i models.Issue
		var details []byte
		if err := rows.Scan(&i.ID, &i.OrgID, &i.Kind, &i.Tier, &i.Severity, &i.Status, &i.UserID,
			&i.EntitlementID, &i.DedupKey, &i.Summary, &details, &i.OpenedAt, &i.ResolvedAt); err != nil {
			return nil, fmt.Errorf("storage: scan issue: %w", err)
		}
		if len(details) > 0 {
			json.Unmarshal(details, &i.Details)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r *pgxIssueRepo) CountOpenCritical(ctx context.Context, orgID uuid.UUID) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM issues WHERE org_id = $1 AND status = 'open' AND severity = 'critical'`,
		orgID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count open critical issues: %w", err)
	}
	return count, nil
}

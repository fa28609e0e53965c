package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// AlertConfigRepo binds organizations to outbound alert channels.
type AlertConfigRepo interface {
	ListEnabled(ctx context.Context, orgID uuid.UUID, minSeverity models.IssueSeverity) ([]models.AlertConfig, error)
	Upsert(ctx context.Context, cfg *models.AlertConfig) error
}

type pgxAlertConfigRepo struct {
	pool *pgxpool.Pool
}

// NewAlertConfigRepo returns a pgx-backed AlertConfigRepo.
func NewAlertConfigRepo(pool *pgxpool.Pool) AlertConfigRepo {
	return &pgxAlertConfigRepo{pool: pool}
}

var severityRank = map[models.IssueSeverity]int{
	models.SeverityInfo:     0,
	models.SeverityWarning:  1,
	models.SeverityCritical: 2,
}

func (r *pgxAlertConfigRepo) ListEnabled(ctx context.Context, orgID uuid.UUID, minSeverity models.IssueSeverity) ([]models.AlertConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, channel, target, signing_key, min_severity, enabled
		FROM alert_configs WHERE org_id = $1 AND enabled = true
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list alert configs: %w", err)
	}
	defer rows.Close()

	var out []models.AlertConfig
	for rows.Next() {
		var c models.AlertConfig
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Channel, &c.Target, &c.SigningKey, &c.MinSeverity, &c.Enabled); err != nil {
			return nil, fmt.Errorf("storage: scan alert config: %w", err)
		}
		if severityRank[minSeverity] >= severityRank[c.MinSeverity] {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (r *pgxAlertConfigRepo) Upsert(ctx context.Context, cfg *models.AlertConfig) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO alert_configs (org_id, channel, target, signing_key, min_severity, enabled)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (org_id, channel) DO UPDATE SET
			target = EXCLUDED.target, signing_key = EXCLUDED.signing_key,
			min_severity = EXCLUDED.min_severity, enabled = EXCLUDED.enabled
		RETURNING id
	`, cfg.OrgID, cfg.Channel, cfg.Target, cfg.SigningKey, cfg.MinSeverity, cfg.Enabled).Scan(&cfg.ID)
	if err != nil {
		return fmt.Errorf("storage: upsert alert config: %w", err)
	}
	return nil
}

// AuditLogRepo is the append-only sensitive-operation log.
type AuditLogRepo interface {
	Record(ctx context.Context, entry *models.AuditLogEntry) error
}

type pgxAuditLogRepo struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepo returns a pgx-backed AuditLogRepo.
func NewAuditLogRepo(pool *pgxpool.Pool) AuditLogRepo {
	return &pgxAuditLogRepo{pool: pool}
}

func (r *pgxAuditLogRepo) Record(ctx context.Context, entry *models.AuditLogEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_log (org_id, action, actor_ref, subject, detail)
		VALUES ($1,$2,$3,$4,$5)
	`, entry.OrgID, entry.Action, entry.ActorRef, entry.Subject, detail)
	if err != nil {
		return fmt.Errorf("storage: record audit log: %w", err)
	}
	return nil
}

// AccessCheckRepo persists C14 access/payment cross-reference snapshots.
type AccessCheckRepo interface {
	Record(ctx context.Context, c *models.AccessCheck) error
	Latest(ctx context.Context, orgID, userID uuid.UUID) (*models.AccessCheck, error)
}

type pgxAccessCheckRepo struct {
	pool *pgxpool.Pool
}

// NewAccessCheckRepo returns a pgx-backed AccessCheckRepo.
func NewAccessCheckRepo(pool *pgxpool.Pool) AccessCheckRepo {
	return &pgxAccessCheckRepo{pool: pool}
}

func (r *pgxAccessCheckRepo) Record(ctx context.Context, c *models.AccessCheck) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO access_checks (org_id, user_id, has_access, has_payment)
		VALUES ($1,$2,$3,$4)
		RETURNING id, checked_at
	`, c.OrgID, c.UserID, c.HasAccess, c.HasPayment).Scan(&c.ID, &c.CheckedAt)
	if err != nil {
		return fmt.Errorf("storage: record access check: %w", err)
	}
	return nil
}

func (r *pgxAccessCheckRepo) Latest(ctx context.Context, orgID, userID uuid.UUID) (*models.AccessCheck, error) {
	var c models.AccessCheck
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, user_id, has_access, has_payment, checked_at
		FROM access_checks WHERE org_id = $1 AND user_id = $2 ORDER BY checked_at DESC LIMIT 1
	`, orgID, userID).Scan(&c.ID, &c.OrgID, &c.UserID, &c.HasAccess, &c.HasPayment, &c.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: latest access check: %w", err)
	}
	return &c, nil
}

// BillingConnectionRepo reads connection health for C14.
type BillingConnectionRepo interface {
	Get(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.BillingConnection, error)
	UpdateStatus(ctx context.Context, orgID uuid.UUID, source models.Source, status models.ConnectionStatus) error
}

type pgxBillingConnectionRepo struct {
	pool *pgxpool.Pool
}

// NewBillingConnectionRepo returns a pgx-backed BillingConnectionRepo.
func NewBillingConnectionRepo(pool *pgxpool.Pool) BillingConnectionRepo {
	return &pgxBillingConnectionRepo{pool: pool}
}

func (r *pgxBillingConnectionRepo) Get(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.BillingConnection, error) {
	var c models.BillingConnection
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, source, encrypted_creds, webhook_signing_key, status, last_webhook_at, last_backfill_at, created_at, updated_at
		FROM billing_connections WHERE org_id = $1 AND source = $2
	`, orgID, source).Scan(&c.ID, &c.OrgID, &c.Source, &c.EncryptedCreds, &c.WebhookSigningKey,
		&c.Status, &c.LastWebhookAt, &c.LastBackfillAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: get billing connection: %w", err)
	}
	return &c, nil
}

func (r *pgxBillingConnectionRepo) UpdateStatus(ctx context.Context, orgID uuid.UUID, source models.Source, status models.ConnectionStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE billing_connections SET status = $1, updated_at = now() WHERE org_id = $2 AND source = $3`,
		status, orgID, source)
	if err != nil {
		return fmt.Errorf("storage: update billing connection status: %w", err)
	}
	return nil
}

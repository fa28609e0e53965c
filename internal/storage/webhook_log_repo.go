package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// WebhookLogRepo is the append-only record of every inbound delivery.
type WebhookLogRepo interface {
	Create(ctx context.Context, orgID uuid.UUID, source models.Source, headers map[string]string, body []byte) (uuid.UUID, error)
	MarkSignatureResult(ctx context.Context, id uuid.UUID, ok bool, statusCode int, errMsg *string) error
	MarkProcessed(ctx context.Context, id uuid.UUID, eventID *uuid.UUID) error
	LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.WebhookLog, error)
}

type pgxWebhookLogRepo struct {
	pool *pgxpool.Pool
}

// NewWebhookLogRepo returns a pgx-backed WebhookLogRepo.
func NewWebhookLogRepo(pool *pgxpool.Pool) WebhookLogRepo {
	return &pgxWebhookLogRepo{pool: pool}
}

func (r *pgxWebhookLogRepo) Create(ctx context.Context, orgID uuid.UUID, source models.Source, headers map[string]string, body []byte) (uuid.UUID, error) {
	headerJSON, _ := json.Marshal(headers)

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_logs (org_id, source, status, body_size, headers, body)
		VALUES ($1,$2,'received',$3,$4,$5)
		RETURNING id
	`, orgID, source, len(body), headerJSON, body).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create webhook log: %w", err)
	}
	return id, nil
}

func (r *pgxWebhookLogRepo) MarkSignatureResult(ctx context.Context, id uuid.UUID, ok bool, statusCode int, errMsg *string) error {
	status := "queued"
	if !ok {
		status = "failed"
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_logs SET signature_ok = $1, status_code = $2, status = $3, error = $4 WHERE id = $5
	`, ok, statusCode, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("storage: mark webhook log signature result: %w", err)
	}
	return nil
}

func (r *pgxWebhookLogRepo) MarkProcessed(ctx context.Context, id uuid.UUID, eventID *uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_logs SET status = 'processed', event_id = $1, processed_at = now() WHERE id = $2
	`, eventID, id)
	if err != nil {
		return fmt.Errorf("storage: mark webhook log processed: %w", err)
	}
	return nil
}

func (r *pgxWebhookLogRepo) LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.WebhookLog, error) {
	var w models.WebhookLog
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, source, received_at, signature_ok, status_code, event_id, error, body_size
		FROM webhook_logs WHERE org_id = $1 AND source = $2 ORDER BY received_at DESC LIMIT 1
	`, orgID, source).Scan(&w.ID, &w.OrgID, &w.Source, &w.ReceivedAt, &w.SignatureOK, &w.StatusCode, &w.EventID, &w.Error, &w.BodySize)
	if err != nil {
		return nil, fmt.Errorf("storage: last webhook log: %w", err)
	}
	return &w, nil
}

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

// CanonicalEventRepo persists the normalized event vocabulary and
// enforces the idempotency gate.
type CanonicalEventRepo interface {
	// Insert attempts the idempotency-gated insert. Returns ErrDuplicate
	// if (org_id, idempotency_key) already exists.
	Insert(ctx context.Context, e *models.CanonicalEvent) error
	SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	GetByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*models.CanonicalEvent, error)
	LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.CanonicalEvent, error)
}

type pgxEventRepo struct {
	pool *pgxpool.Pool
}

// NewCanonicalEventRepo returns a pgx-backed CanonicalEventRepo.
func NewCanonicalEventRepo(pool *pgxpool.Pool) CanonicalEventRepo {
	return &pgxEventRepo{pool: pool}
}

func (r *pgxEventRepo) Insert(ctx context.Context, e *models.CanonicalEvent) error {
	payload, err := json.Marshal(json.RawMessage(e.RawPayload))
	if err != nil {
		payload = e.RawPayload
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO canonical_events
			(org_id, source, provider_event_id, idempotency_key, type,
			 external_user_ref, external_product_ref, occurred_at, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, received_at
	`, e.OrgID, e.Source, e.ProviderEventID, e.IdempotencyKey, e.Type,
		e.ExternalUserRef, e.ExternalProductRef, e.OccurredAt, payload,
	).Scan(&e.ID, &e.ReceivedAt)

	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("storage: insert canonical event: %w", err)
	}
	return nil
}

func (r *pgxEventRepo) SetUser(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE canonical_events SET user_id = $1 WHERE id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("storage: set canonical event user: %w", err)
	}
	return nil
}

func (r *pgxEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE canonical_events SET processed = true, processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: mark canonical event processed: %w", err)
	}
	return nil
}

func (r *pgxEventRepo) GetByIdempotencyKey(ctx context.Context, orgID uuid.UUID, key string) (*models.CanonicalEvent, error) {
	var e models.CanonicalEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, source, provider_event_id, idempotency_key, type,
		       external_user_ref, external_product_ref, occurred_at, received_at,
		       processed, processed_at
		FROM canonical_events WHERE org_id = $1 AND idempotency_key = $2
	`, orgID, key).Scan(&e.ID, &e.OrgID, &e.Source, &e.ProviderEventID, &e.IdempotencyKey, &e.Type,
		&e.ExternalUserRef, &e.ExternalProductRef, &e.OccurredAt, &e.ReceivedAt,
		&e.Processed, &e.ProcessedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get canonical event: %w", err)
	}
	return &e, nil
}

func (r *pgxEventRepo) LastReceivedAt(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.CanonicalEvent, error) {
	var e models.CanonicalEvent
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, source, provider_event_id, idempotency_key, type, occurred_at, received_at
		FROM canonical_events WHERE org_id = $1 AND source = $2
		ORDER BY received_at DESC LIMIT 1
	`, orgID, source).Scan(&e.ID, &e.OrgID, &e.Source, &e.ProviderEventID, &e.IdempotencyKey, &e.Type, &e.OccurredAt, &e.ReceivedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: last received event: %w", err)
	}
	return &e, nil
}

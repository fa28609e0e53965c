package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// EntitlementRepo reads and transitions entitlement state. Transitions
// are optimistic-concurrency gated on Version so a concurrent worker
// retrying a job can never apply a transition twice or out of order.
type EntitlementRepo interface {
	Get(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source) (*models.Entitlement, error)
	GetOrCreate(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source, externalRef string) (*models.Entitlement, error)
	// Transition applies a CAS update keyed on e.Version; ok is false if
	// another writer raced ahead and the caller should reload and retry.
	Transition(ctx context.Context, e *models.Entitlement, newState models.EntitlementState, expiresAt *time.Time, causedBy *uuid.UUID) (ok bool, err error)
	RecordTransition(ctx context.Context, t *models.StateTransition) error
	// ListByUser returns every entitlement (any product, any source) a
	// user holds, for the cross-platform-conflict detector.
	ListByUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.Entitlement, error)
}

type pgxEntitlementRepo struct {
	pool *pgxpool.Pool
}

// NewEntitlementRepo returns a pgx-backed EntitlementRepo.
func NewEntitlementRepo(pool *pgxpool.Pool) EntitlementRepo {
	return &pgxEntitlementRepo{pool: pool}
}

func (r *pgxEntitlementRepo) Get(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source) (*models.Entitlement, error) {
	var e models.Entitlement
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, user_id, product_id, source, external_ref, state, expires_at, last_transition_at, version
		FROM entitlements WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	`, orgID, userID, productID, source).Scan(
		&e.ID, &e.OrgID, &e.UserID, &e.ProductID, &e.Source, &e.ExternalRef,
		&e.State, &e.ExpiresAt, &e.LastTransitionAt, &e.Version,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get entitlement: %w", err)
	}
	return &e, nil
}

func (r *pgxEntitlementRepo) GetOrCreate(ctx context.Context, orgID, userID, productID uuid.UUID, source models.Source, externalRef string) (*models.Entitlement, error) {
	e, err := r.Get(ctx, orgID, userID, productID, source)
	if err == nil {
		return e, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	var created models.Entitlement
	err = r.pool.QueryRow(ctx, `
		INSERT INTO entitlements (org_id, user_id, product_id, source, external_ref, state)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (org_id, user_id, product_id, source) DO UPDATE SET external_ref = EXCLUDED.external_ref
		RETURNING id, org_id, user_id, product_id, source, external_ref, state, expires_at, last_transition_at, version
	`, orgID, userID, productID, source, externalRef, models.StateInactive).Scan(
		&created.ID, &created.OrgID, &created.UserID, &created.ProductID, &created.Source, &created.ExternalRef,
		&created.State, &created.ExpiresAt, &created.LastTransitionAt, &created.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: create entitlement: %w", err)
	}
	return &created, nil
}

func (r *pgxEntitlementRepo) Transition(ctx context.Context, e *models.Entitlement, newState models.EntitlementState, expiresAt *time.Time, causedBy *uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE entitlements
		SET state = $1, expires_at = $2, last_transition_at = now(), version = version + 1
		WHERE id = $3 AND version = $4
	`, newState, expiresAt, e.ID, e.Version)
	if err != nil {
		return false, fmt.Errorf("storage: transition entitlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := r.RecordTransition(ctx, &models.StateTransition{
		EntitlementID: e.ID,
		FromState:     e.State,
		ToState:       newState,
		CausedByEvent: causedBy,
	}); err != nil {
		return true, err
	}

	e.State = newState
	e.ExpiresAt = expiresAt
	e.Version++
	return true, nil
}

func (r *pgxEntitlementRepo) ListByUser(ctx context.Context, orgID, userID uuid.UUID) ([]models.Entitlement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, user_id, product_id, source, external_ref, state, expires_at, last_transition_at, version
		FROM entitlements WHERE org_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list entitlements by user: %w", err)
	}
	defer rows.Close()

	var out []models.Entitlement
	for rows.Next() {
		var e models.Entitlement
		if err := rows.Scan(&e.ID, &e.OrgID, &e.UserID, &e.ProductID, &e.Source, &e.ExternalRef,
			&e.State, &e.ExpiresAt, &e.LastTransitionAt, &e.Version); err != nil {
			return nil, fmt.Errorf("storage: scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *pgxEntitlementRepo) RecordTransition(ctx context.Context, t *models.StateTransition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO state_transitions (entitlement_id, from_state, to_state, caused_by_event)
		VALUES ($1,$2,$3,$4)
	`, t.EntitlementID, t.FromState, t.ToState, t.CausedByEvent)
	if err != nil {
		return fmt.Errorf("storage: record state transition: %w", err)
	}
	return nil
}

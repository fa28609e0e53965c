package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// IdentityRepo resolves and merges user identities across providers.
type IdentityRepo interface {
	FindUserIDs(ctx context.Context, orgID uuid.UUID, source models.Source, idType, externalID string) ([]uuid.UUID, error)
	CreateUser(ctx context.Context, orgID uuid.UUID, email *string) (*models.User, error)
	LinkIdentity(ctx context.Context, userID, orgID uuid.UUID, source models.Source, idType, externalID string, email *string, method string) error
	// MergeUsers rewrites all FKs pointing at loserID to point at
	// survivorID and marks loser merged.
	MergeUsers(ctx context.Context, survivorID, loserID uuid.UUID) error
	FindByExternalIDAny(ctx context.Context, orgID uuid.UUID, externalID string) ([]uuid.UUID, error)
}

type pgxIdentityRepo struct {
	pool *pgxpool.Pool
}

// NewIdentityRepo returns a pgx-backed IdentityRepo.
func NewIdentityRepo(pool *pgxpool.Pool) IdentityRepo {
	return &pgxIdentityRepo{pool: pool}
}

func (r *pgxIdentityRepo) FindUserIDs(ctx context.Context, orgID uuid.UUID, source models.Source, idType, externalID string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT u.id FROM user_identities ui
		JOIN users u ON u.id = ui.user_id
		WHERE ui.org_id = $1 AND ui.source = $2 AND ui.id_type = $3 AND ui.external_id = $4
		  AND u.merged_into IS NULL
	`, orgID, source, idType, externalID)
	if err != nil {
		return nil, fmt.Errorf("storage: find user ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgxIdentityRepo) FindByExternalIDAny(ctx context.Context, orgID uuid.UUID, externalID string) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT u.id FROM user_identities ui
		JOIN users u ON u.id = ui.user_id
		WHERE ui.org_id = $1 AND ui.external_id = $2 AND u.merged_into IS NULL
		ORDER BY u.id
	`, orgID, externalID)
	if err != nil {
		return nil, fmt.Errorf("storage: find user ids by external id: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *pgxIdentityRepo) CreateUser(ctx context.Context, orgID uuid.UUID, email *string) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (org_id, email) VALUES ($1, $2) RETURNING id, org_id, email, created_at`,
		orgID, email,
	).Scan(&u.ID, &u.OrgID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: create user: %w", err)
	}
	return &u, nil
}

func (r *pgxIdentityRepo) LinkIdentity(ctx context.Context, userID, orgID uuid.UUID, source models.Source, idType, externalID string, email *string, method string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_identities (user_id, org_id, source, id_type, external_id, email, link_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (org_id, source, id_type, external_id)
		DO UPDATE SET user_id = EXCLUDED.user_id, email = EXCLUDED.email
	`, userID, orgID, source, idType, externalID, email, method)
	if err != nil {
		return fmt.Errorf("storage: link identity: %w", err)
	}
	return nil
}

func (r *pgxIdentityRepo) MergeUsers(ctx context.Context, survivorID, loserID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin merge: %w", err)
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		`UPDATE user_identities SET user_id = $1 WHERE user_id = $2`,
		`UPDATE entitlements SET user_id = $1 WHERE user_id = $2`,
		`UPDATE canonical_events SET user_id = $1 WHERE user_id = $2`,
		`UPDATE issues SET user_id = $1 WHERE user_id = $2`,
		`UPDATE access_checks SET user_id = $1 WHERE user_id = $2`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt, survivorID, loserID); err != nil {
			return fmt.Errorf("storage: merge rewrite (%s): %w", stmt, err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET merged_into = $1 WHERE id = $2`, survivorID, loserID); err != nil {
		return fmt.Errorf("storage: mark user merged: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit merge: %w", err)
	}
	return nil
}

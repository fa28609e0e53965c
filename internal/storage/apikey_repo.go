package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// APIKeyRepo manages org-scoped API credentials.
type APIKeyRepo interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, orgID uuid.UUID) ([]models.APIKey, error)
}

type pgxAPIKeyRepo struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepo returns a pgx-backed APIKeyRepo.
func NewAPIKeyRepo(pool *pgxpool.Pool) APIKeyRepo {
	return &pgxAPIKeyRepo{pool: pool}
}

func (r *pgxAPIKeyRepo) Create(ctx context.Context, key *models.APIKey) error {
	scopes := make([]string, len(key.Scopes))
	for i, s := range key.Scopes {
		scopes[i] = string(s)
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (org_id, prefix, hashed_key, scopes)
		VALUES ($1,$2,$3,$4)
		RETURNING id, created_at
	`, key.OrgID, key.Prefix, key.HashedKey, scopes).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create api key: %w", err)
	}
	return nil
}

func (r *pgxAPIKeyRepo) GetByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	var k models.APIKey
	var scopes []string
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, prefix, hashed_key, scopes, created_at, last_used_at, revoked_at
		FROM api_keys WHERE prefix = $1
	`, prefix).Scan(&k.ID, &k.OrgID, &k.Prefix, &k.HashedKey, &scopes, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get api key: %w", err)
	}
	k.Scopes = make([]models.APIKeyScope, len(scopes))
	for i, s := range scopes {
		k.Scopes[i] = models.APIKeyScope(s)
	}
	return &k, nil
}

func (r *pgxAPIKeyRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	return nil
}

func (r *pgxAPIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch api key last used: %w", err)
	}
	return nil
}

func (r *pgxAPIKeyRepo) List(ctx context.Context, orgID uuid.UUID) ([]models.APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, prefix, hashed_key, scopes, created_at, last_used_at, revoked_at
		FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: list api keys: %w", err)
	}
	defer rows.Close()

	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		var scopes []string
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Prefix, &k.HashedKey, &scopes, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("storage: scan api key: %w", err)
		}
		k.Scopes = make([]models.APIKeyScope, len(scopes))
		for i, s := range scopes {
			k.Scopes[i] = models.APIKeyScope(s)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

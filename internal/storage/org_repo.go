package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// OrgRepo resolves and creates organizations.
type OrgRepo interface {
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	Create(ctx context.Context, slug, name string) (*models.Organization, error)
	ListAll(ctx context.Context) ([]models.Organization, error)
}

type pgxOrgRepo struct {
	pool *pgxpool.Pool
}

// NewOrgRepo returns a pgx-backed OrgRepo.
func NewOrgRepo(pool *pgxpool.Pool) OrgRepo {
	return &pgxOrgRepo{pool: pool}
}

func (r *pgxOrgRepo) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var o models.Organization
	err := r.pool.QueryRow(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE slug = $1`, slug,
	).Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get org by slug: %w", err)
	}
	return &o, nil
}

func (r *pgxOrgRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := r.pool.QueryRow(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE id = $1`, id,
	).Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get org by id: %w", err)
	}
	return &o, nil
}

// ListAll returns every organization, for the reconciliation scheduler
// and backfill engine to fan work out per-tenant.
func (r *pgxOrgRepo) ListAll(ctx context.Context) ([]models.Organization, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug, name, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list orgs: %w", err)
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan org: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func (r *pgxOrgRepo) Create(ctx context.Context, slug, name string) (*models.Organization, error) {
	var o models.Organization
	err := r.pool.QueryRow(ctx,
		`INSERT INTO organizations (slug, name) VALUES ($1, $2) RETURNING id, slug, name, created_at`,
		slug, name,
	).Scan(&o.ID, &o.Slug, &o.Name, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: create org: %w", err)
	}
	return &o, nil
}

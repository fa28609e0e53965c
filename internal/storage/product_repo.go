package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revguard/revguard/pkg/models"
)

// ProductRepo maps provider-specific product/price ids to canonical plans.
type ProductRepo interface {
	GetOrCreate(ctx context.Context, orgID uuid.UUID, source models.Source, externalID string) (*models.Product, error)
}

type pgxProductRepo struct {
	pool *pgxpool.Pool
}

// NewProductRepo returns a pgx-backed ProductRepo.
func NewProductRepo(pool *pgxpool.Pool) ProductRepo {
	return &pgxProductRepo{pool: pool}
}

func (r *pgxProductRepo) GetOrCreate(ctx context.Context, orgID uuid.UUID, source models.Source, externalID string) (*models.Product, error) {
	var p models.Product
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, source, external_id, canonical_plan, entitled
		FROM products WHERE org_id = $1 AND source = $2 AND external_id = $3
	`, orgID, source, externalID).Scan(&p.ID, &p.OrgID, &p.Source, &p.ExternalID, &p.CanonicalPlan, &p.Entitled)
	if err == nil {
		return &p, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("storage: get product: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		INSERT INTO products (org_id, source, external_id, canonical_plan, entitled)
		VALUES ($1,$2,$3,$3,true)
		ON CONFLICT (org_id, source, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id, org_id, source, external_id, canonical_plan, entitled
	`, orgID, source, externalID).Scan(&p.ID, &p.OrgID, &p.Source, &p.ExternalID, &p.CanonicalPlan, &p.Entitled)
	if err != nil {
		return nil, fmt.Errorf("storage: create product: %w", err)
	}
	return &p, nil
}

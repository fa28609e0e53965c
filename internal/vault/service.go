package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/revguard/revguard/pkg/database"
	"github.com/revguard/revguard/pkg/models"
	"go.uber.org/zap"
)

// Service manages encrypted billing_connections rows: creation,
// decrypted retrieval, rotation, and deletion.
type Service struct {
	db     *database.Database
	vault  *Vault
	logger *zap.Logger
}

// NewService creates a new vault-backed credential service.
func NewService(db *database.Database, v *Vault, logger *zap.Logger) *Service {
	return &Service{db: db, vault: v, logger: logger}
}

// CreateConnectionInput is the input for registering a billing connection.
type CreateConnectionInput struct {
	OrgID       uuid.UUID
	Source      models.Source
	Credentials interface{}
}

// CreateConnection validates, encrypts, and stores a new billing connection.
func (s *Service) CreateConnection(ctx context.Context, input CreateConnectionInput) (*models.BillingConnection, error) {
	provider := string(input.Source)
	if !IsValidProvider(provider) {
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	if err := ValidateCredentialsStructure(provider, input.Credentials); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	encrypted, err := s.vault.Encrypt(input.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	var conn models.BillingConnection
	query := `
		INSERT INTO billing_connections (org_id, source, encrypted_creds, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, source, encrypted_creds, status, last_webhook_at, last_backfill_at, created_at, updated_at
	`
	err = s.db.Pool.QueryRow(ctx, query, input.OrgID, provider, encrypted, models.ConnectionHealthy).Scan(
		&conn.ID, &conn.OrgID, &conn.Source, &conn.EncryptedCreds, &conn.Status,
		&conn.LastWebhookAt, &conn.LastBackfillAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing connection: %w", err)
	}

	s.logger.Info("created billing connection",
		zap.String("connection_id", conn.ID.String()),
		zap.String("org_id", conn.OrgID.String()),
		zap.String("source", provider),
	)

	conn.EncryptedCreds = ""
	return &conn, nil
}

// GetDecryptedCredentials loads a connection and decrypts its credentials
// into the generic map the normalizers key off of.
func (s *Service) GetDecryptedCredentials(ctx context.Context, orgID uuid.UUID, source models.Source) (map[string]interface{}, error) {
	var encrypted string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT encrypted_creds FROM billing_connections WHERE org_id = $1 AND source = $2`,
		orgID, source,
	).Scan(&encrypted)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no billing connection for source %s", source)
		}
		return nil, fmt.Errorf("failed to load billing connection: %w", err)
	}

	decrypted, err := s.vault.DecryptToMap(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	go s.touchLastUsed(context.Background(), orgID, source)
	return decrypted, nil
}

// RotateConnectionKey re-encrypts a connection's stored credentials
// under the vault's current key.
func (s *Service) RotateConnectionKey(ctx context.Context, orgID uuid.UUID, source models.Source) error {
	var encrypted string
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT encrypted_creds FROM billing_connections WHERE org_id = $1 AND source = $2`,
		orgID, source,
	).Scan(&encrypted); err != nil {
		return fmt.Errorf("failed to load billing connection: %w", err)
	}

	rotated, err := s.vault.Rotate(encrypted)
	if err != nil {
		return fmt.Errorf("failed to rotate credentials: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`UPDATE billing_connections SET encrypted_creds = $1, updated_at = now() WHERE org_id = $2 AND source = $3`,
		rotated, orgID, source,
	)
	return err
}

// ListConnections lists connections for an org (without decrypted data).
func (s *Service) ListConnections(ctx context.Context, orgID uuid.UUID) ([]models.BillingConnection, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, org_id, source, status, last_webhook_at, last_backfill_at, created_at, updated_at
		FROM billing_connections WHERE org_id = $1 ORDER BY source
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing connections: %w", err)
	}
	defer rows.Close()

	var out []models.BillingConnection
	for rows.Next() {
		var c models.BillingConnection
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Source, &c.Status, &c.LastWebhookAt, &c.LastBackfillAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan billing connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a billing connection.
func (s *Service) DeleteConnection(ctx context.Context, orgID uuid.UUID, source models.Source) error {
	result, err := s.db.Pool.Exec(ctx,
		`DELETE FROM billing_connections WHERE org_id = $1 AND source = $2`,
		orgID, source,
	)
	if err != nil {
		return fmt.Errorf("failed to delete billing connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("connection not found")
	}
	s.logger.Info("deleted billing connection", zap.String("org_id", orgID.String()), zap.String("source", string(source)))
	return nil
}

func (s *Service) touchLastUsed(ctx context.Context, orgID uuid.UUID, source models.Source) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE billing_connections SET last_webhook_at = now() WHERE org_id = $1 AND source = $2`,
		orgID, source,
	)
	if err != nil {
		s.logger.Warn("failed to touch billing connection last-used", zap.Error(err))
	}
}

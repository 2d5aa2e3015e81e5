package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"go.uber.org/zap"
)

const credentialColumns = `id, tenant_id, provider_id, label, status, secret_path, key_fingerprint,
	rate_limit_rpm, created_at, revoked_at, expires_at`

// CredentialRepository implements repositories.CredentialRepository
type CredentialRepository struct {
	db     *DB
	tm     *TransactionManager
	logger *zap.Logger
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	cred := &models.Credential{}
	var rpm sql.NullInt64
	err := row.Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.ProviderID,
		&cred.Label,
		&cred.Status,
		&cred.SecretPath,
		&cred.KeyFingerprint,
		&rpm,
		&cred.CreatedAt,
		&cred.RevokedAt,
		&cred.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if rpm.Valid {
		v := int(rpm.Int64)
		cred.RateLimitRPM = &v
	}
	return cred, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Create inserts a new credential
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		cred.ID,
		cred.TenantID,
		cred.ProviderID,
		cred.Label,
		cred.Status,
		cred.SecretPath,
		cred.KeyFingerprint,
		cred.RateLimitRPM,
		cred.CreatedAt,
		cred.RevokedAt,
		cred.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("active credential exists for %s/%s: %w", cred.TenantID, cred.ProviderID, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	r.logger.Debug("credential created",
		zap.String("id", cred.ID.String()),
		zap.String("tenant_id", cred.TenantID),
		zap.String("provider_id", cred.ProviderID))
	return nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	cred, err := scanCredential(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential not found: %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetActive retrieves the active credential for a tenant and provider
func (r *CredentialRepository) GetActive(ctx context.Context, tenantID, providerID string) (*models.Credential, error) {
	return r.getActive(ctx, GetExecutor(ctx, r.db), tenantID, providerID, false)
}

func (r *CredentialRepository) getActive(ctx context.Context, exec Executor, tenantID, providerID string, lock bool) (*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE tenant_id = $1 AND provider_id = $2 AND status = 'active'
	`
	if lock {
		query += ` FOR UPDATE`
	}

	cred, err := scanCredential(exec.QueryRowContext(ctx, query, tenantID, providerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no active credential for %s/%s: %w", tenantID, providerID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active credential: %w", err)
	}
	return cred, nil
}

// ListByTenant retrieves every credential a tenant owns, newest first
func (r *CredentialRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE tenant_id = $1
		ORDER BY created_at DESC
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}
	return creds, nil
}

// Revoke marks a credential revoked. Revoking twice is not an error.
func (r *CredentialRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) (*models.Credential, bool, error) {
	query := `
		UPDATE credentials
		SET status = 'revoked', revoked_at = $2
		WHERE id = $1 AND status <> 'revoked'
		RETURNING ` + credentialColumns

	cred, err := scanCredential(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id, at))
	if err == nil {
		r.logger.Info("credential revoked", zap.String("id", id.String()))
		return cred, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to revoke credential: %w", err)
	}

	// Nothing updated: either unknown or already revoked
	cred, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return cred, false, nil
}

// Rotate swaps the active credential for next's (tenant, provider) in one transaction
func (r *CredentialRepository) Rotate(ctx context.Context, next *models.Credential, at time.Time) (*models.Credential, error) {
	var previous *models.Credential

	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		exec := GetExecutor(ctx, r.db)

		current, err := r.getActive(ctx, exec, next.TenantID, next.ProviderID, true)
		switch {
		case err == nil:
			_, err = exec.ExecContext(ctx,
				`UPDATE credentials SET status = 'revoked', revoked_at = $2 WHERE id = $1`,
				current.ID, at)
			if err != nil {
				return fmt.Errorf("failed to revoke previous credential: %w", err)
			}
			current.Status = models.CredentialRevoked
			current.RevokedAt = &at
			previous = current
		case errors.Is(err, repositories.ErrNotFound):
		default:
			return err
		}

		return r.Create(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("credential rotated",
		zap.String("tenant_id", next.TenantID),
		zap.String("provider_id", next.ProviderID),
		zap.String("id", next.ID.String()))
	return previous, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/provider-router/repositories"
	"go.uber.org/zap"
)

// SecretRepository stores vault ciphertext in the vault_secrets table
type SecretRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSecretRepository creates a new secret repository
func NewSecretRepository(db *DB, logger *zap.Logger) *SecretRepository {
	return &SecretRepository{db: db, logger: logger}
}

// Put writes or replaces the ciphertext at path
func (r *SecretRepository) Put(ctx context.Context, path string, ciphertext []byte) error {
	query := `
		INSERT INTO vault_secrets (path, ciphertext, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (path) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, updated_at = NOW()
	`
	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, path, ciphertext); err != nil {
		return fmt.Errorf("failed to put secret: %w", err)
	}
	return nil
}

// Get reads the ciphertext at path
func (r *SecretRepository) Get(ctx context.Context, path string) ([]byte, error) {
	var ciphertext []byte
	err := GetExecutor(ctx, r.db).
		QueryRowContext(ctx, `SELECT ciphertext FROM vault_secrets WHERE path = $1`, path).
		Scan(&ciphertext)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("secret not found: %s: %w", path, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return ciphertext, nil
}

// Delete removes the ciphertext at path. Missing paths are ignored.
func (r *SecretRepository) Delete(ctx context.Context, path string) error {
	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, `DELETE FROM vault_secrets WHERE path = $1`, path); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

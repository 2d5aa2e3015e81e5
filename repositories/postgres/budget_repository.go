package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"go.uber.org/zap"
)

// BudgetRepository implements repositories.BudgetRepository
type BudgetRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBudgetRepository creates a new budget repository
func NewBudgetRepository(db *DB, logger *zap.Logger) *BudgetRepository {
	return &BudgetRepository{db: db, logger: logger}
}

// Get retrieves a tenant's budget row
func (r *BudgetRepository) Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	query := `
		SELECT tenant_id, period, ceiling_amount, spent_amount, reserved_amount, currency, period_key, updated_at
		FROM budgets
		WHERE tenant_id = $1
	`

	cfg := &models.BudgetConfig{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tenantID).Scan(
		&cfg.TenantID,
		&cfg.Period,
		&cfg.Ceiling,
		&cfg.Spent,
		&cfg.Reserved,
		&cfg.Currency,
		&cfg.PeriodKey,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("budget not found: %s: %w", tenantID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return cfg, nil
}

// Upsert creates or updates the ceiling, period and currency.
// Running totals are left untouched unless the period changes.
func (r *BudgetRepository) Upsert(ctx context.Context, cfg *models.BudgetConfig) error {
	query := `
		INSERT INTO budgets (tenant_id, period, ceiling_amount, spent_amount, reserved_amount, currency, period_key, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6)
		ON CONFLICT (tenant_id) DO UPDATE SET
			ceiling_amount = EXCLUDED.ceiling_amount,
			currency = EXCLUDED.currency,
			spent_amount = CASE WHEN budgets.period = EXCLUDED.period THEN budgets.spent_amount ELSE 0 END,
			reserved_amount = CASE WHEN budgets.period = EXCLUDED.period THEN budgets.reserved_amount ELSE 0 END,
			period_key = CASE WHEN budgets.period = EXCLUDED.period THEN budgets.period_key ELSE EXCLUDED.period_key END,
			period = EXCLUDED.period,
			updated_at = EXCLUDED.updated_at
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		cfg.TenantID,
		cfg.Period,
		cfg.Ceiling,
		cfg.Currency,
		cfg.PeriodKey,
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert budget: %w", err)
	}

	r.logger.Debug("budget upserted",
		zap.String("tenant_id", cfg.TenantID),
		zap.String("ceiling", cfg.Ceiling.String()))
	return nil
}

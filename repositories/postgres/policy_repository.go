package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"go.uber.org/zap"
)

// PolicyRepository implements repositories.PolicyRepository
type PolicyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPolicyRepository creates a new policy repository
func NewPolicyRepository(db *DB, logger *zap.Logger) *PolicyRepository {
	return &PolicyRepository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves the policy for a key
func (r *PolicyRepository) Get(ctx context.Context, key models.PolicyKey) (*models.RoutingPolicy, error) {
	query := `
		SELECT tenant_id, budget_tier, task_type, providers, allow_platform_fallback, updated_at
		FROM routing_policies
		WHERE tenant_id = $1 AND budget_tier = $2 AND task_type = $3
	`

	policy, err := scanPolicy(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key.TenantID, key.BudgetTier, key.TaskType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("policy not found: %s: %w", key, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return policy, nil
}

// Upsert creates or replaces a policy
func (r *PolicyRepository) Upsert(ctx context.Context, policy *models.RoutingPolicy) error {
	providers, err := json.Marshal(policy.Providers)
	if err != nil {
		return fmt.Errorf("failed to encode providers: %w", err)
	}

	query := `
		INSERT INTO routing_policies (tenant_id, budget_tier, task_type, providers, allow_platform_fallback, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, budget_tier, task_type) DO UPDATE SET
			providers = EXCLUDED.providers,
			allow_platform_fallback = EXCLUDED.allow_platform_fallback,
			updated_at = EXCLUDED.updated_at
	`

	_, err = GetExecutor(ctx, r.db).ExecContext(ctx, query,
		policy.TenantID,
		policy.BudgetTier,
		policy.TaskType,
		providers,
		policy.AllowPlatformFallback,
		policy.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}

	r.logger.Debug("policy upserted", zap.Stringer("key", policy.Key()))
	return nil
}

// Delete removes a policy
func (r *PolicyRepository) Delete(ctx context.Context, key models.PolicyKey) error {
	query := `DELETE FROM routing_policies WHERE tenant_id = $1 AND budget_tier = $2 AND task_type = $3`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, key.TenantID, key.BudgetTier, key.TaskType)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("policy not found: %s: %w", key, repositories.ErrNotFound)
	}

	r.logger.Debug("policy deleted", zap.Stringer("key", key))
	return nil
}

// ListByTenant retrieves every policy of a tenant
func (r *PolicyRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.RoutingPolicy, error) {
	query := `
		SELECT tenant_id, budget_tier, task_type, providers, allow_platform_fallback, updated_at
		FROM routing_policies
		WHERE tenant_id = $1
		ORDER BY budget_tier, task_type
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []*models.RoutingPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy rows: %w", err)
	}
	return policies, nil
}

func scanPolicy(row rowScanner) (*models.RoutingPolicy, error) {
	policy := &models.RoutingPolicy{}
	var providers []byte
	err := row.Scan(
		&policy.TenantID,
		&policy.BudgetTier,
		&policy.TaskType,
		&providers,
		&policy.AllowPlatformFallback,
		&policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(providers, &policy.Providers); err != nil {
		return nil, fmt.Errorf("failed to decode providers: %w", err)
	}
	return policy, nil
}

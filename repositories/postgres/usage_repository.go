package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/upb/provider-router/models"
	"go.uber.org/zap"
)

const usageColumns = `id, tenant_id, request_id, correlation_id, provider_id, credential_id, task_type, attempt_index,
	outcome, failure_kind, estimated_cost, cost, tokens_in, tokens_out, latency_ms, timestamp`

// UsageRepository implements repositories.UsageRepository.
// The usage_records table is append-only: there is no update or delete.
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends a usage record
func (r *UsageRepository) Insert(ctx context.Context, rec *models.UsageRecord) error {
	query := `
		INSERT INTO usage_records (` + usageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		rec.ID,
		rec.TenantID,
		rec.RequestID,
		nullString(rec.CorrelationID),
		rec.ProviderID,
		rec.CredentialID,
		rec.TaskType,
		rec.AttemptIndex,
		rec.Outcome,
		nullString(rec.FailureKind),
		rec.EstimatedCost,
		rec.Cost,
		rec.TokensIn,
		rec.TokensOut,
		rec.LatencyMs,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	r.logger.Debug("usage record appended",
		zap.String("request_id", rec.RequestID),
		zap.Int("attempt", rec.AttemptIndex),
		zap.String("outcome", string(rec.Outcome)))
	return nil
}

// ListByRequest retrieves all attempts of one request in attempt order
func (r *UsageRepository) ListByRequest(ctx context.Context, requestID string) ([]*models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE request_id = $1 ORDER BY attempt_index`
	return r.queryRecords(ctx, query, requestID)
}

// Query retrieves a tenant's records in [From, To), newest first
func (r *UsageRepository) Query(ctx context.Context, q models.UsageQuery) ([]*models.UsageRecord, error) {
	var (
		where = []string{"tenant_id = $1"}
		args  = []interface{}{q.TenantID}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.ProviderID != "" {
		add("provider_id = $%d", q.ProviderID)
	}
	if !q.From.IsZero() {
		add("timestamp >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("timestamp < $%d", q.To)
	}

	query := `SELECT ` + usageColumns + ` FROM usage_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, attempt_index DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit, q.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	return r.queryRecords(ctx, query, args...)
}

// Recent retrieves the newest n records for a tenant and provider
func (r *UsageRepository) Recent(ctx context.Context, tenantID, providerID string, n int) ([]*models.UsageRecord, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM usage_records
		WHERE tenant_id = $1 AND provider_id = $2
		ORDER BY timestamp DESC, attempt_index DESC
		LIMIT $3
	`
	return r.queryRecords(ctx, query, tenantID, providerID, n)
}

// Summary aggregates a tenant's records per provider in [from, to)
func (r *UsageRepository) Summary(ctx context.Context, tenantID string, from, to time.Time) ([]*models.ProviderUsage, error) {
	query := `
		SELECT
			provider_id,
			COUNT(*) AS attempts,
			COUNT(CASE WHEN outcome = 'success' THEN 1 END) AS successes,
			COALESCE(SUM(cost), 0) AS cost,
			COALESCE(SUM(tokens_in), 0) AS tokens_in,
			COALESCE(SUM(tokens_out), 0) AS tokens_out
		FROM usage_records
		WHERE tenant_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY provider_id
		ORDER BY provider_id
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var out []*models.ProviderUsage
	for rows.Next() {
		u := &models.ProviderUsage{}
		if err := rows.Scan(&u.ProviderID, &u.Attempts, &u.Successes, &u.Cost, &u.TokensIn, &u.TokensOut); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage summary: %w", err)
	}
	return out, nil
}

func (r *UsageRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]*models.UsageRecord, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		rec := &models.UsageRecord{}
		var correlationID, failureKind sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.TenantID,
			&rec.RequestID,
			&correlationID,
			&rec.ProviderID,
			&rec.CredentialID,
			&rec.TaskType,
			&rec.AttemptIndex,
			&rec.Outcome,
			&failureKind,
			&rec.EstimatedCost,
			&rec.Cost,
			&rec.TokensIn,
			&rec.TokensOut,
			&rec.LatencyMs,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.CorrelationID = correlationID.String
		rec.FailureKind = failureKind.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

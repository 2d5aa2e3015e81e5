package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/provider-router/models"
	"go.uber.org/zap"
)

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, tenant_id, provider_id, credential_id, action, actor, request_id, details, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var details interface{}
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		event.ID,
		event.TenantID,
		nullString(event.ProviderID),
		event.CredentialID,
		event.Action,
		nullString(event.Actor),
		nullString(event.RequestID),
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListByTenant retrieves audit events for a tenant with pagination, newest first
func (r *AuditRepository) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, tenant_id, provider_id, credential_id, action, actor, request_id, details, timestamp
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event := &models.AuditEvent{}
		var providerID, actor, requestID sql.NullString
		var details []byte
		err := rows.Scan(
			&event.ID,
			&event.TenantID,
			&providerID,
			&event.CredentialID,
			&event.Action,
			&actor,
			&requestID,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.ProviderID = providerID.String
		event.Actor = actor.String
		event.RequestID = requestID.String
		event.Details = details
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/provider-router/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return Wrap(db, logger), nil
}

// Wrap adopts an already open pool, e.g. a sqlmock connection in tests
func Wrap(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		provider_id VARCHAR(100),
		credential_id UUID,
		action VARCHAR(100) NOT NULL,
		actor VARCHAR(255),
		request_id VARCHAR(255),
		details JSONB,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant ON audit_events(tenant_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Credential metadata. Key material lives in vault_secrets.
		CREATE TABLE IF NOT EXISTS credentials (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			provider_id VARCHAR(100) NOT NULL,
			label VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			secret_path TEXT NOT NULL UNIQUE,
			key_fingerprint VARCHAR(16) NOT NULL,
			rate_limit_rpm INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			revoked_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ
		);
		-- At most one active credential per (tenant, provider)
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_active
			ON credentials(tenant_id, provider_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON credentials(tenant_id);

		CREATE TABLE IF NOT EXISTS vault_secrets (
			path TEXT PRIMARY KEY,
			ciphertext BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS routing_policies (
			tenant_id VARCHAR(255) NOT NULL,
			budget_tier VARCHAR(50) NOT NULL,
			task_type VARCHAR(20) NOT NULL,
			providers JSONB NOT NULL,
			allow_platform_fallback BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant_id, budget_tier, task_type)
		);

		CREATE TABLE IF NOT EXISTS budgets (
			tenant_id VARCHAR(255) PRIMARY KEY,
			period VARCHAR(20) NOT NULL,
			ceiling_amount NUMERIC(18, 6) NOT NULL,
			spent_amount NUMERIC(18, 6) NOT NULL DEFAULT 0,
			reserved_amount NUMERIC(18, 6) NOT NULL DEFAULT 0,
			currency VARCHAR(3) NOT NULL DEFAULT 'USD',
			period_key VARCHAR(10) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		-- Outstanding budget holds; a row is deleted exactly once on commit or release
		CREATE TABLE IF NOT EXISTS budget_reservations (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL REFERENCES budgets(tenant_id) ON DELETE CASCADE,
			amount NUMERIC(18, 6) NOT NULL,
			period_key VARCHAR(10) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS usage_records (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			request_id VARCHAR(255) NOT NULL,
			correlation_id VARCHAR(255),
			provider_id VARCHAR(100) NOT NULL,
			credential_id UUID,
			task_type VARCHAR(20) NOT NULL,
			attempt_index INTEGER NOT NULL,
			outcome VARCHAR(20) NOT NULL,
			failure_kind VARCHAR(50),
			estimated_cost NUMERIC(18, 6) NOT NULL DEFAULT 0,
			cost NUMERIC(18, 6) NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (request_id, attempt_index)
		);
		ALTER TABLE usage_records ADD COLUMN IF NOT EXISTS correlation_id VARCHAR(255);
		CREATE INDEX IF NOT EXISTS idx_usage_tenant_ts ON usage_records(tenant_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_usage_tenant_provider ON usage_records(tenant_id, provider_id, timestamp DESC);
	` + auditSchema

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes only the audit table.
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}

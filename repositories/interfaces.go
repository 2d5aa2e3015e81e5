package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/provider-router/models"
)

var (
	// ErrNotFound is wrapped by every repository when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is wrapped when a write violates a uniqueness rule
	ErrConflict = errors.New("record conflicts with existing state")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// CredentialRepository handles credential metadata
type CredentialRepository interface {
	// Create inserts a new credential
	Create(ctx context.Context, cred *models.Credential) error

	// GetByID retrieves a credential by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)

	// GetActive retrieves the active credential for a tenant and provider
	GetActive(ctx context.Context, tenantID, providerID string) (*models.Credential, error)

	// ListByTenant retrieves every credential a tenant owns, newest first
	ListByTenant(ctx context.Context, tenantID string) ([]*models.Credential, error)

	// Revoke marks a credential revoked. changed is false when it already was.
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) (cred *models.Credential, changed bool, err error)

	// Rotate revokes the current active credential for next's (tenant, provider)
	// and inserts next as active, as one atomic step. previous is nil when
	// there was no active credential.
	Rotate(ctx context.Context, next *models.Credential, at time.Time) (previous *models.Credential, err error)
}

// SecretRepository is a path-addressed ciphertext store
type SecretRepository interface {
	Put(ctx context.Context, path string, ciphertext []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// PolicyRepository handles routing policy data operations
type PolicyRepository interface {
	// Get retrieves the policy for a key
	Get(ctx context.Context, key models.PolicyKey) (*models.RoutingPolicy, error)

	// Upsert creates or replaces a policy
	Upsert(ctx context.Context, policy *models.RoutingPolicy) error

	// Delete removes a policy
	Delete(ctx context.Context, key models.PolicyKey) error

	// ListByTenant retrieves every policy of a tenant
	ListByTenant(ctx context.Context, tenantID string) ([]*models.RoutingPolicy, error)
}

// BudgetRepository stores budget configuration (ceiling, period, currency)
type BudgetRepository interface {
	Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error)
	Upsert(ctx context.Context, cfg *models.BudgetConfig) error
}

// UsageRepository stores the append-only usage ledger
type UsageRepository interface {
	// Insert appends a record
	Insert(ctx context.Context, rec *models.UsageRecord) error

	// ListByRequest retrieves all attempts of one request
	ListByRequest(ctx context.Context, requestID string) ([]*models.UsageRecord, error)

	// Query retrieves a tenant's records in a time range, newest first
	Query(ctx context.Context, q models.UsageQuery) ([]*models.UsageRecord, error)

	// Recent retrieves the newest n records for a tenant and provider
	Recent(ctx context.Context, tenantID, providerID string, n int) ([]*models.UsageRecord, error)

	// Summary aggregates a tenant's records per provider in a time range
	Summary(ctx context.Context, tenantID string, from, to time.Time) ([]*models.ProviderUsage, error)
}

// AuditRepository handles audit event persistence
type AuditRepository interface {
	// Insert inserts a new audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// ListByTenant retrieves audit events for a tenant with pagination
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.AuditEvent, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Credentials CredentialRepository
	Secrets     SecretRepository
	Policies    PolicyRepository
	Budgets     BudgetRepository
	Usage       UsageRepository
	Audit       AuditRepository
}

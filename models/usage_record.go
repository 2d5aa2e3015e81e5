package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the result of a single dispatch attempt
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeError        Outcome = "error"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeAuthError    Outcome = "auth_error"
	OutcomeBudgetDenied Outcome = "budget_denied"
	OutcomeCancelled    Outcome = "cancelled"
)

// IsProviderFailure reports whether the outcome reflects provider health.
// Budget denials and cancellations say nothing about the provider.
func (o Outcome) IsProviderFailure() bool {
	switch o {
	case OutcomeTimeout, OutcomeError, OutcomeRateLimited, OutcomeAuthError:
		return true
	}
	return false
}

// UsageRecord is one immutable ledger entry per dispatch attempt
type UsageRecord struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	RequestID     string          `json:"request_id" db:"request_id"`
	CorrelationID string          `json:"correlation_id,omitempty" db:"correlation_id"`
	ProviderID    string          `json:"provider_id" db:"provider_id"`
	CredentialID  *uuid.UUID      `json:"credential_id,omitempty" db:"credential_id"`
	TaskType      TaskType        `json:"task_type" db:"task_type"`
	AttemptIndex  int             `json:"attempt_index" db:"attempt_index"`
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	FailureKind   string          `json:"failure_kind,omitempty" db:"failure_kind"`
	EstimatedCost decimal.Decimal `json:"estimated_cost" db:"estimated_cost"`
	Cost          decimal.Decimal `json:"cost" db:"cost"`
	TokensIn      int             `json:"tokens_in" db:"tokens_in"`
	TokensOut     int             `json:"tokens_out" db:"tokens_out"`
	LatencyMs     int64           `json:"latency_ms" db:"latency_ms"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the UsageRecord model
func (UsageRecord) TableName() string {
	return "usage_records"
}

// UsageQuery filters ledger reads for a tenant and time range
type UsageQuery struct {
	TenantID   string
	ProviderID string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// ProviderUsage aggregates ledger records for one provider
type ProviderUsage struct {
	ProviderID string          `json:"provider_id"`
	Attempts   int             `json:"attempts"`
	Successes  int             `json:"successes"`
	Cost       decimal.Decimal `json:"cost"`
	TokensIn   int64           `json:"tokens_in"`
	TokensOut  int64           `json:"tokens_out"`
}

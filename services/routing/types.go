package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/providers"
)

// Config holds configuration for the routing engine
type Config struct {
	// MaxAttemptTimeout caps the per-attempt timeout taken from a provider profile
	MaxAttemptTimeout time.Duration

	// RequestDeadline bounds the whole fallback chain
	RequestDeadline time.Duration

	// AdaptiveRanking demotes candidates by their recent failure streak
	AdaptiveRanking bool

	// RankingWindow is how many recent outcomes per provider are considered
	RankingWindow int
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		MaxAttemptTimeout: 30 * time.Second,
		RequestDeadline:   90 * time.Second,
		RankingWindow:     10,
	}
}

// Request is one caller request
type Request struct {
	// RequestID keys the ledger. Route and RouteStream assign a fresh one and
	// replace any caller value.
	RequestID string `json:"request_id"`
	// CorrelationID is the caller's own id, recorded alongside RequestID
	CorrelationID string             `json:"correlation_id,omitempty"`
	TenantID      string             `json:"tenant_id"`
	TaskType      models.TaskType    `json:"task_type"`
	BudgetTier    models.BudgetTier  `json:"budget_tier"`
	Payload       *providers.Payload `json:"payload"`
}

func (r *Request) validate() error {
	if r.TenantID == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "tenant_id is required", nil)
	}
	if !r.TaskType.Valid() {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidTaskType.Message, nil).
			WithDetail("task_type", string(r.TaskType))
	}
	if r.Payload == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "payload is required", nil)
	}
	r.RequestID = uuid.NewString()
	if r.BudgetTier == "" {
		r.BudgetTier = models.TierDefault
	}
	return nil
}

// Response is a successful route
type Response struct {
	RequestID     string            `json:"request_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ProviderID    string            `json:"provider_id"`
	CredentialID  uuid.UUID         `json:"credential_id"`
	PlatformKey   bool              `json:"platform_key"`
	Result        *providers.Result `json:"result"`
	EstimatedCost decimal.Decimal   `json:"estimated_cost"`
	Cost          decimal.Decimal   `json:"cost"`
	Attempts      []AttemptSummary  `json:"attempts"`
}

// AttemptSummary describes one dispatch attempt without provider messages
type AttemptSummary struct {
	Index       int            `json:"index"`
	ProviderID  string         `json:"provider_id"`
	Outcome     models.Outcome `json:"outcome"`
	FailureKind string         `json:"failure_kind,omitempty"`
}

// AggregatedFailure is returned when no attempt succeeded. It is wrapped in
// a DomainError of type budget or exhausted.
type AggregatedFailure struct {
	RequestID string           `json:"request_id"`
	Attempts  []AttemptSummary `json:"attempts"`
	// DeadlineExceeded is set when the request deadline cut the chain short
	DeadlineExceeded bool `json:"deadline_exceeded,omitempty"`
	// StreamInterrupted is set when a stream failed after its first chunk
	StreamInterrupted bool `json:"stream_interrupted,omitempty"`
}

// Error implements the error interface
func (a *AggregatedFailure) Error() string {
	if len(a.Attempts) == 0 {
		return "no attempts completed"
	}
	parts := make([]string, len(a.Attempts))
	for i, at := range a.Attempts {
		parts[i] = fmt.Sprintf("%s=%s", at.ProviderID, at.Outcome)
	}
	return fmt.Sprintf("%d attempts failed: %s", len(a.Attempts), strings.Join(parts, ", "))
}

// AllBudgetDenied reports whether every attempt was refused by the budget guard
func (a *AggregatedFailure) AllBudgetDenied() bool {
	if len(a.Attempts) == 0 {
		return false
	}
	for _, at := range a.Attempts {
		if at.Outcome != models.OutcomeBudgetDenied {
			return false
		}
	}
	return true
}

func (a *AggregatedFailure) asError() error {
	if a.StreamInterrupted {
		return services.NewDomainError(services.ErrorTypeExhausted, services.ErrStreamInterrupted.Message, a).
			WithDetail("attempts", a.Attempts)
	}
	if a.AllBudgetDenied() {
		return services.NewDomainError(services.ErrorTypeBudget, services.ErrBudgetExceeded.Message, a).
			WithDetail("attempts", a.Attempts)
	}
	return services.NewDomainError(services.ErrorTypeExhausted, services.ErrProvidersExhausted.Message, a).
		WithDetail("attempts", a.Attempts)
}

// candidate is a provider that survived RESOLVING
type candidate struct {
	providerID string
	adapter    providers.Adapter
	profile    models.ProviderProfile
	cred       *models.Credential
	platform   bool
	declared   int
	rank       int
	streak     int
}

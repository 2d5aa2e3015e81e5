package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/repositories/memory"
	"github.com/upb/provider-router/services"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Query filters ledger reads
type Query struct {
	TenantID   string
	ProviderID string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Ledger is the append-only usage record store. Records are never
// updated or deleted once appended.
type Ledger struct {
	repo   repositories.UsageRepository
	logger *zap.Logger
	now    func() time.Time
}

// New creates a ledger backed by a usage repository
func New(repo repositories.UsageRepository, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewMemory creates a ledger backed by process memory
func NewMemory(logger *zap.Logger) *Ledger {
	return New(memory.NewUsageRepository(), logger)
}

// Append records one attempt. The id and timestamp are assigned when empty.
func (l *Ledger) Append(ctx context.Context, rec *models.UsageRecord) error {
	if rec == nil || rec.TenantID == "" || rec.RequestID == "" || rec.ProviderID == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "usage record requires tenant, request and provider", nil)
	}
	if rec.AttemptIndex < 0 {
		return services.NewDomainError(services.ErrorTypeValidation, "attempt index must not be negative", nil)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}

	if err := l.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return services.NewDomainError(services.ErrorTypeConflict, "attempt already recorded", err)
		}
		return services.WrapInternal("failed to append usage record", err)
	}

	l.logger.Debug("usage recorded",
		zap.String("request_id", rec.RequestID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("provider_id", rec.ProviderID),
		zap.Int("attempt_index", rec.AttemptIndex),
		zap.String("outcome", string(rec.Outcome)))
	return nil
}

// ListByRequest returns every attempt of a request ordered by attempt index
func (l *Ledger) ListByRequest(ctx context.Context, requestID string) ([]*models.UsageRecord, error) {
	records, err := l.repo.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, services.WrapInternal("failed to list usage records", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AttemptIndex < records[j].AttemptIndex
	})
	return records, nil
}

// Query returns a tenant's records in [From, To), newest first
func (l *Ledger) Query(ctx context.Context, q Query) ([]*models.UsageRecord, error) {
	if q.TenantID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "tenant_id is required", nil)
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "from must be before to", nil)
	}
	if q.Limit <= 0 {
		q.Limit = defaultQueryLimit
	}
	if q.Limit > maxQueryLimit {
		q.Limit = maxQueryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	records, err := l.repo.Query(ctx, models.UsageQuery{
		TenantID:   q.TenantID,
		ProviderID: q.ProviderID,
		From:       q.From,
		To:         q.To,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, services.WrapInternal("failed to query usage records", err)
	}
	return records, nil
}

// RecentOutcomes returns the newest n outcomes for a tenant and provider
func (l *Ledger) RecentOutcomes(ctx context.Context, tenantID, providerID string, n int) ([]models.Outcome, error) {
	if n <= 0 {
		return nil, nil
	}
	records, err := l.repo.Recent(ctx, tenantID, providerID, n)
	if err != nil {
		return nil, services.WrapInternal("failed to read recent outcomes", err)
	}
	outcomes := make([]models.Outcome, len(records))
	for i, r := range records {
		outcomes[i] = r.Outcome
	}
	return outcomes, nil
}

// Summary totals a tenant's records per provider in [from, to)
func (l *Ledger) Summary(ctx context.Context, tenantID string, from, to time.Time) ([]*models.ProviderUsage, error) {
	if tenantID == "" {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "tenant_id is required", nil)
	}
	summary, err := l.repo.Summary(ctx, tenantID, from, to)
	if err != nil {
		return nil, services.WrapInternal(fmt.Sprintf("failed to summarize usage for %s", tenantID), err)
	}
	sort.Slice(summary, func(i, j int) bool { return summary[i].ProviderID < summary[j].ProviderID })
	return summary, nil
}

// FailureStreak counts the leading provider failures in newest-first
// outcomes. A success ends the streak; budget denials and cancellations
// are skipped.
func FailureStreak(outcomes []models.Outcome) int {
	streak := 0
	for _, o := range outcomes {
		switch {
		case o == models.OutcomeSuccess:
			return streak
		case o.IsProviderFailure():
			streak++
		}
	}
	return streak
}

// Package policy stores per-tenant routing policies and resolves the
// fallback chain for a request.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/services"
)

// ProviderCatalog answers which providers exist and what they can do
type ProviderCatalog interface {
	Has(id string) bool
	Supports(id string, task models.TaskType) bool
}

// AuditSink receives fire-and-forget audit events
type AuditSink interface {
	Emit(event *models.AuditEvent)
}

// Service manages routing policies with a read-through cache
type Service struct {
	repo     repositories.PolicyRepository
	cache    *Cache
	catalog  ProviderCatalog
	defaults map[models.TaskType][]string
	audit    AuditSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a policy store. defaults maps a task type to the
// platform chain used when a tenant has no policy; cache may be nil.
func NewService(repo repositories.PolicyRepository, cache *Cache, catalog ProviderCatalog, defaults map[models.TaskType][]string, audit AuditSink, logger *zap.Logger) *Service {
	d := make(map[models.TaskType][]string, len(defaults))
	for task, chain := range defaults {
		d[task] = append([]string(nil), chain...)
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		catalog:  catalog,
		defaults: d,
		audit:    audit,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func key(tenantID string, tier models.BudgetTier, task models.TaskType) models.PolicyKey {
	return models.PolicyKey{TenantID: tenantID, BudgetTier: tier, TaskType: task}
}

// lookup reads through the cache; a nil policy with nil error means absent
func (s *Service) lookup(ctx context.Context, k models.PolicyKey) (*models.RoutingPolicy, error) {
	if s.cache != nil {
		if p, ok := s.cache.Get(k); ok {
			return p, nil
		}
	}

	p, err := s.repo.Get(ctx, k)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		p = nil
	case err != nil:
		return nil, services.WrapInternal("failed to load routing policy", err)
	}

	if s.cache != nil {
		s.cache.Set(k, p)
	}
	return p, nil
}

// Get returns the tenant's own policy for a key
func (s *Service) Get(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType) (*models.RoutingPolicy, error) {
	p, err := s.lookup(ctx, key(tenantID, tier, task))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, services.ErrPolicyNotFound
	}
	return p, nil
}

// Resolve returns the policy for the exact tier, then the tenant's default
// tier, then the platform default chain for the task type
func (s *Service) Resolve(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType) (*models.RoutingPolicy, error) {
	if !task.Valid() {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidTaskType.Message, nil).
			WithDetail("task_type", string(task))
	}
	if tier == "" {
		tier = models.TierDefault
	}

	tiers := []models.BudgetTier{tier}
	if tier != models.TierDefault {
		tiers = append(tiers, models.TierDefault)
	}
	for _, t := range tiers {
		p, err := s.lookup(ctx, key(tenantID, t, task))
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	chain, ok := s.defaults[task]
	if !ok || len(chain) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeNoEligibleProvider, "no routing policy or default chain for task", nil).
			WithDetail("task_type", string(task))
	}
	return &models.RoutingPolicy{
		TenantID:              tenantID,
		BudgetTier:            tier,
		TaskType:              task,
		Providers:             append([]string(nil), chain...),
		AllowPlatformFallback: true,
		IsDefault:             true,
	}, nil
}

// Set validates and stores a policy, replacing any existing one
func (s *Service) Set(ctx context.Context, policy *models.RoutingPolicy, actor string) error {
	if err := s.validate(policy); err != nil {
		return err
	}
	policy.IsDefault = false
	policy.UpdatedAt = s.now()

	if err := s.repo.Upsert(ctx, policy); err != nil {
		return services.WrapInternal("failed to save routing policy", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(policy.Key())
	}

	s.logger.Info("routing policy updated",
		zap.String("tenant_id", policy.TenantID),
		zap.String("budget_tier", string(policy.BudgetTier)),
		zap.String("task_type", string(policy.TaskType)),
		zap.Strings("providers", policy.Providers))

	s.emit(models.NewAuditEvent(policy.TenantID, models.AuditActionPolicyUpdated).
		WithActor(actor).
		WithDetails(map[string]interface{}{
			"budget_tier": policy.BudgetTier,
			"task_type":   policy.TaskType,
			"providers":   policy.Providers,
		}))
	return nil
}

// Delete removes a tenant policy
func (s *Service) Delete(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType, actor string) error {
	k := key(tenantID, tier, task)
	err := s.repo.Delete(ctx, k)
	if s.cache != nil {
		s.cache.Invalidate(k)
	}
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return services.ErrPolicyNotFound
	case err != nil:
		return services.WrapInternal("failed to delete routing policy", err)
	}

	s.emit(models.NewAuditEvent(tenantID, models.AuditActionPolicyDeleted).
		WithActor(actor).
		WithDetails(map[string]interface{}{"budget_tier": tier, "task_type": task}))
	return nil
}

// List returns every policy of a tenant
func (s *Service) List(ctx context.Context, tenantID string) ([]*models.RoutingPolicy, error) {
	policies, err := s.repo.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, services.WrapInternal("failed to list routing policies", err)
	}
	return policies, nil
}

// Defaults returns the platform default chain per task type
func (s *Service) Defaults() map[models.TaskType][]string {
	out := make(map[models.TaskType][]string, len(s.defaults))
	for task, chain := range s.defaults {
		out[task] = append([]string(nil), chain...)
	}
	return out
}

func (s *Service) validate(policy *models.RoutingPolicy) error {
	if policy == nil {
		return services.ErrInvalidPolicy
	}
	if err := policy.Validate(); err != nil {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidPolicy.Message, err)
	}
	if s.catalog == nil {
		return nil
	}
	for _, id := range policy.Providers {
		if !s.catalog.Has(id) {
			return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidPolicy.Message,
				fmt.Errorf("provider %q is not registered", id)).WithDetail("provider_id", id)
		}
		if !s.catalog.Supports(id, policy.TaskType) {
			return services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidPolicy.Message,
				fmt.Errorf("provider %q does not support %s", id, policy.TaskType)).WithDetail("provider_id", id)
		}
	}
	return nil
}

func (s *Service) emit(event *models.AuditEvent) {
	if s.audit != nil {
		s.audit.Emit(event)
	}
}

package models

import (
	"fmt"
	"time"
)

// RoutingPolicy maps (tenant, budget tier, task type) to an ordered fallback chain
type RoutingPolicy struct {
	TenantID              string     `json:"tenant_id" db:"tenant_id"`
	BudgetTier            BudgetTier `json:"budget_tier" db:"budget_tier"`
	TaskType              TaskType   `json:"task_type" db:"task_type"`
	Providers             []string   `json:"providers" db:"providers"`
	AllowPlatformFallback bool       `json:"allow_platform_fallback" db:"allow_platform_fallback"`
	// IsDefault marks a platform-wide chain used when the tenant has no policy
	IsDefault bool      `json:"is_default" db:"-"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the RoutingPolicy model
func (RoutingPolicy) TableName() string {
	return "routing_policies"
}

// PolicyKey identifies a routing policy
type PolicyKey struct {
	TenantID   string
	BudgetTier BudgetTier
	TaskType   TaskType
}

// String returns a string representation of the key
func (k PolicyKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.TenantID, k.BudgetTier, k.TaskType)
}

// Key returns the policy's identifying key
func (p *RoutingPolicy) Key() PolicyKey {
	return PolicyKey{TenantID: p.TenantID, BudgetTier: p.BudgetTier, TaskType: p.TaskType}
}

// Validate checks structural invariants of the policy
func (p *RoutingPolicy) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if p.BudgetTier == "" {
		return fmt.Errorf("budget_tier is required")
	}
	if !p.TaskType.Valid() {
		return fmt.Errorf("unknown task type %q", p.TaskType)
	}
	if len(p.Providers) == 0 {
		return fmt.Errorf("providers must not be empty")
	}
	seen := make(map[string]struct{}, len(p.Providers))
	for _, id := range p.Providers {
		if id == "" {
			return fmt.Errorf("provider id must not be empty")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("provider %q listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

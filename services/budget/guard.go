// Package budget enforces per-tenant spend ceilings with reserve, commit
// and release steps around every dispatch attempt.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
)

// Reservation is a hold on budget for one attempt. It is settled exactly
// once by Commit or Release; settling it again is a no-op.
type Reservation struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Amount    decimal.Decimal `json:"amount"`
	PeriodKey string          `json:"period_key"`
	// Unlimited reservations belong to tenants without a budget
	Unlimited bool `json:"unlimited"`
}

// Verdict is the result of a Check
type Verdict struct {
	Allowed     bool
	Reservation *Reservation
	Remaining   decimal.Decimal
	Reason      string
}

// Guard is implemented by every budget backend. Check must reserve
// atomically: concurrent checks for one tenant never both succeed when
// only one fits under the ceiling.
type Guard interface {
	Check(ctx context.Context, tenantID string, estimate decimal.Decimal) (*Verdict, error)
	Commit(ctx context.Context, r *Reservation, actual decimal.Decimal) error
	Release(ctx context.Context, r *Reservation) error
	SetCeiling(ctx context.Context, cfg *models.BudgetConfig) (*models.BudgetConfig, error)
	Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error)
}

func unlimited(tenantID string) *Verdict {
	return &Verdict{
		Allowed:     true,
		Reservation: &Reservation{ID: uuid.New(), TenantID: tenantID, Unlimited: true},
		Reason:      "no budget configured",
	}
}

func denied(ceiling, spent, reserved, estimate decimal.Decimal) *Verdict {
	remaining := ceiling.Sub(spent).Sub(reserved)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &Verdict{
		Remaining: remaining,
		Reason:    fmt.Sprintf("estimate %s exceeds remaining budget %s", estimate.StringFixed(6), remaining.StringFixed(6)),
	}
}

func checkEstimate(estimate decimal.Decimal) error {
	if estimate.IsNegative() {
		return services.NewDomainError(services.ErrorTypeValidation, "estimate must not be negative", nil)
	}
	return nil
}

// normalize validates a ceiling update and fills defaults
func normalize(cfg *models.BudgetConfig, now time.Time) (*models.BudgetConfig, error) {
	if cfg == nil {
		return nil, services.ErrInvalidBudget
	}
	next := *cfg
	if next.Period == "" {
		next.Period = models.PeriodMonthly
	}
	if next.Currency == "" {
		next.Currency = "USD"
	}
	if err := next.Validate(); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, services.ErrInvalidBudget.Message, err)
	}
	next.PeriodKey = next.Period.Key(now)
	next.UpdatedAt = now
	return &next, nil
}

func settled(r *Reservation) bool {
	return r == nil || r.Unlimited
}

func unavailable(op string, err error) error {
	return services.NewDomainError(services.ErrorTypeUnavailable, services.ErrBudgetGuardUnavailable.Message, fmt.Errorf("%s: %w", op, err))
}

// rollover resets totals when now falls into a new period
func rollover(b *models.BudgetConfig, now time.Time) {
	key := b.Period.Key(now)
	if b.PeriodKey != key {
		b.PeriodKey = key
		b.Spent = decimal.Zero
		b.Reserved = decimal.Zero
	}
}

// settle drops a hold and charges actual to the period current at now.
// A hold from an earlier period was already cleared by rollover. The charge
// is capped at the headroom left after other holds, so spent never passes
// the ceiling; the ledger keeps the uncapped cost.
func settle(b *models.BudgetConfig, amount decimal.Decimal, periodKey string, actual decimal.Decimal, now time.Time) decimal.Decimal {
	rollover(b, now)
	if periodKey == b.PeriodKey {
		b.Reserved = b.Reserved.Sub(amount)
		if b.Reserved.IsNegative() {
			b.Reserved = decimal.Zero
		}
	}
	charge := capCharge(actual, b.Ceiling.Sub(b.Spent).Sub(b.Reserved))
	b.Spent = b.Spent.Add(charge)
	return charge
}

func capCharge(actual, headroom decimal.Decimal) decimal.Decimal {
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}
	return decimal.Min(actual, headroom)
}

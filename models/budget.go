package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetPeriod represents the time period for budget tracking
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Valid reports whether the period is known
func (p BudgetPeriod) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Key returns the bucket a timestamp falls into for this period
func (p BudgetPeriod) Key(now time.Time) string {
	now = now.UTC()
	switch p {
	case PeriodMonthly:
		return now.Format("2006-01")
	default:
		return now.Format("2006-01-02")
	}
}

// End returns the instant the bucket containing now rolls over
func (p BudgetPeriod) End(now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	}
}

// BudgetConfig is a tenant's spend ceiling and the running totals for the current period
type BudgetConfig struct {
	TenantID  string          `json:"tenant_id" db:"tenant_id"`
	Period    BudgetPeriod    `json:"period" db:"period"`
	Ceiling   decimal.Decimal `json:"ceiling_amount" db:"ceiling_amount"`
	Spent     decimal.Decimal `json:"spent_amount" db:"spent_amount"`
	Reserved  decimal.Decimal `json:"reserved_amount" db:"reserved_amount"`
	Currency  string          `json:"currency" db:"currency"`
	PeriodKey string          `json:"period_key" db:"period_key"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the BudgetConfig model
func (BudgetConfig) TableName() string {
	return "budgets"
}

// Remaining returns how much can still be reserved in the current period
func (b *BudgetConfig) Remaining() decimal.Decimal {
	r := b.Ceiling.Sub(b.Spent).Sub(b.Reserved)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Validate checks the ceiling and period
func (b *BudgetConfig) Validate() error {
	if b.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !b.Period.Valid() {
		return fmt.Errorf("unknown budget period %q", b.Period)
	}
	if b.Ceiling.IsNegative() {
		return fmt.Errorf("ceiling must not be negative")
	}
	return nil
}

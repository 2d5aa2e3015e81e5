package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
)

// MemoryGuard keeps budgets in process memory behind one mutex
type MemoryGuard struct {
	mu           sync.Mutex
	budgets      map[string]*models.BudgetConfig
	reservations map[uuid.UUID]*Reservation
	now          func() time.Time
}

// NewMemoryGuard creates an empty in-memory guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		budgets:      make(map[string]*models.BudgetConfig),
		reservations: make(map[uuid.UUID]*Reservation),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Check reserves estimate if it fits under the ceiling
func (g *MemoryGuard) Check(_ context.Context, tenantID string, estimate decimal.Decimal) (*Verdict, error) {
	if err := checkEstimate(estimate); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[tenantID]
	if !ok {
		return unlimited(tenantID), nil
	}
	rollover(b, g.now())

	if b.Spent.Add(b.Reserved).Add(estimate).GreaterThan(b.Ceiling) {
		return denied(b.Ceiling, b.Spent, b.Reserved, estimate), nil
	}

	b.Reserved = b.Reserved.Add(estimate)
	r := &Reservation{ID: uuid.New(), TenantID: tenantID, Amount: estimate, PeriodKey: b.PeriodKey}
	g.reservations[r.ID] = r
	return &Verdict{Allowed: true, Reservation: r, Remaining: b.Remaining()}, nil
}

// Commit replaces the reservation with the actual amount spent
func (g *MemoryGuard) Commit(_ context.Context, r *Reservation, actual decimal.Decimal) error {
	if settled(r) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.settleLocked(r, actual)
	return nil
}

// Release drops the reservation without spending
func (g *MemoryGuard) Release(_ context.Context, r *Reservation) error {
	if settled(r) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.settleLocked(r, decimal.Zero)
	return nil
}

func (g *MemoryGuard) settleLocked(r *Reservation, actual decimal.Decimal) {
	held, ok := g.reservations[r.ID]
	if !ok {
		return
	}
	delete(g.reservations, r.ID)

	if b, ok := g.budgets[r.TenantID]; ok {
		settle(b, held.Amount, held.PeriodKey, actual, g.now())
	}
}

// SetCeiling creates or updates a tenant budget. Totals survive unless the period changes.
func (g *MemoryGuard) SetCeiling(_ context.Context, cfg *models.BudgetConfig) (*models.BudgetConfig, error) {
	next, err := normalize(cfg, g.now())
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cur, ok := g.budgets[next.TenantID]; ok && cur.Period == next.Period {
		rollover(cur, g.now())
		next.Spent, next.Reserved, next.PeriodKey = cur.Spent, cur.Reserved, cur.PeriodKey
	}
	g.budgets[next.TenantID] = next
	out := *next
	return &out, nil
}

// Get returns the budget with current-period totals
func (g *MemoryGuard) Get(_ context.Context, tenantID string) (*models.BudgetConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.budgets[tenantID]
	if !ok {
		return nil, services.ErrBudgetNotFound
	}
	rollover(b, g.now())
	out := *b
	return &out, nil
}

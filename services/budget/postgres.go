package budget

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/repositories/postgres"
	"github.com/upb/provider-router/services"
)

// reserveQuery applies rollover and reserves in one statement. The row lock
// taken by UPDATE serializes concurrent checks for a tenant and the WHERE
// clause is re-evaluated against the latest row.
const reserveQuery = `
	UPDATE budgets SET
		spent_amount = CASE WHEN period_key = (CASE WHEN period = 'monthly' THEN $4 ELSE $3 END)
			THEN spent_amount ELSE 0 END,
		reserved_amount = CASE WHEN period_key = (CASE WHEN period = 'monthly' THEN $4 ELSE $3 END)
			THEN reserved_amount ELSE 0 END + $2::numeric,
		period_key = CASE WHEN period = 'monthly' THEN $4 ELSE $3 END,
		updated_at = $5
	WHERE tenant_id = $1
		AND CASE WHEN period_key = (CASE WHEN period = 'monthly' THEN $4 ELSE $3 END)
			THEN spent_amount + reserved_amount ELSE 0 END + $2::numeric <= ceiling_amount
	RETURNING ceiling_amount, spent_amount, reserved_amount, period_key
`

// PostgresGuard keeps totals on the budgets row and outstanding holds in
// budget_reservations
type PostgresGuard struct {
	db     *postgres.DB
	tx     *postgres.TransactionManager
	repo   *postgres.BudgetRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgresGuard creates a PostgreSQL-backed guard
func NewPostgresGuard(db *postgres.DB, logger *zap.Logger) *PostgresGuard {
	return &PostgresGuard{
		db:     db,
		tx:     postgres.NewTransactionManager(db, logger),
		repo:   postgres.NewBudgetRepository(db, logger),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Check reserves estimate if it fits under the ceiling
func (g *PostgresGuard) Check(ctx context.Context, tenantID string, estimate decimal.Decimal) (*Verdict, error) {
	if err := checkEstimate(estimate); err != nil {
		return nil, err
	}

	now := g.now()
	var verdict *Verdict
	err := g.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		exec := postgres.GetExecutor(ctx, g.db)

		b := &models.BudgetConfig{TenantID: tenantID}
		err := exec.QueryRowContext(ctx, reserveQuery,
			tenantID, estimate, models.PeriodDaily.Key(now), models.PeriodMonthly.Key(now), now,
		).Scan(&b.Ceiling, &b.Spent, &b.Reserved, &b.PeriodKey)

		if errors.Is(err, sql.ErrNoRows) {
			cfg, err := g.repo.Get(ctx, tenantID)
			if errors.Is(err, repositories.ErrNotFound) {
				verdict = unlimited(tenantID)
				return nil
			}
			if err != nil {
				return err
			}
			rollover(cfg, now)
			verdict = denied(cfg.Ceiling, cfg.Spent, cfg.Reserved, estimate)
			return nil
		}
		if err != nil {
			return err
		}

		r := &Reservation{ID: uuid.New(), TenantID: tenantID, Amount: estimate, PeriodKey: b.PeriodKey}
		_, err = exec.ExecContext(ctx,
			`INSERT INTO budget_reservations (id, tenant_id, amount, period_key, created_at) VALUES ($1, $2, $3, $4, $5)`,
			r.ID, r.TenantID, r.Amount, r.PeriodKey, now)
		if err != nil {
			return err
		}
		verdict = &Verdict{Allowed: true, Reservation: r, Remaining: b.Remaining()}
		return nil
	})
	if err != nil {
		return nil, unavailable("reserve", err)
	}
	return verdict, nil
}

// Commit moves the reservation into spent for the period current now
func (g *PostgresGuard) Commit(ctx context.Context, r *Reservation, actual decimal.Decimal) error {
	if settled(r) {
		return nil
	}
	return g.settle(ctx, r, actual)
}

// Release drops the reservation
func (g *PostgresGuard) Release(ctx context.Context, r *Reservation) error {
	if settled(r) {
		return nil
	}
	return g.settle(ctx, r, decimal.Zero)
}

func (g *PostgresGuard) settle(ctx context.Context, r *Reservation, actual decimal.Decimal) error {
	now := g.now()
	err := g.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		exec := postgres.GetExecutor(ctx, g.db)

		var amount decimal.Decimal
		var periodKey string
		err := exec.QueryRowContext(ctx,
			`DELETE FROM budget_reservations WHERE id = $1 RETURNING amount, period_key`, r.ID,
		).Scan(&amount, &periodKey)
		if errors.Is(err, sql.ErrNoRows) {
			// already settled
			return nil
		}
		if err != nil {
			return err
		}

		b := &models.BudgetConfig{TenantID: r.TenantID}
		err = exec.QueryRowContext(ctx,
			`SELECT period, ceiling_amount, spent_amount, reserved_amount, period_key FROM budgets WHERE tenant_id = $1 FOR UPDATE`,
			r.TenantID,
		).Scan(&b.Period, &b.Ceiling, &b.Spent, &b.Reserved, &b.PeriodKey)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if charged := settle(b, amount, periodKey, actual, now); charged.LessThan(actual) {
			g.logger.Warn("spend capped at budget ceiling",
				zap.String("tenant_id", r.TenantID),
				zap.String("actual", actual.String()),
				zap.String("charged", charged.String()))
		}
		_, err = exec.ExecContext(ctx,
			`UPDATE budgets SET spent_amount = $2, reserved_amount = $3, period_key = $4, updated_at = $5 WHERE tenant_id = $1`,
			r.TenantID, b.Spent, b.Reserved, b.PeriodKey, now)
		return err
	})
	if err != nil {
		return unavailable("settle", err)
	}
	return nil
}

// SetCeiling creates or updates a tenant budget
func (g *PostgresGuard) SetCeiling(ctx context.Context, cfg *models.BudgetConfig) (*models.BudgetConfig, error) {
	next, err := normalize(cfg, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.repo.Upsert(ctx, next); err != nil {
		return nil, unavailable("store budget config", err)
	}
	return g.Get(ctx, next.TenantID)
}

// Get returns the budget with current-period totals
func (g *PostgresGuard) Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	cfg, err := g.repo.Get(ctx, tenantID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, services.ErrBudgetNotFound
	}
	if err != nil {
		return nil, unavailable("load budget", err)
	}
	rollover(cfg, g.now())
	return cfg, nil
}

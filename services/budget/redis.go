package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/services"
)

// microUnits is the fixed-point scale used for amounts stored in Redis
const microUnits = 6

// keyRetention keeps period counters around after the period ends so late
// commits and reads still find them
const keyRetention = 7 * 24 * time.Hour

// KEYS: spent, reserved, reservations
// ARGV: ceiling, estimate, reservation id, ttl seconds
var reserveScript = redis.NewScript(`
local spent = tonumber(redis.call('GET', KEYS[1]) or '0')
local reserved = tonumber(redis.call('GET', KEYS[2]) or '0')
local ceiling = tonumber(ARGV[1])
local estimate = tonumber(ARGV[2])
if spent + reserved + estimate > ceiling then
	return {0, spent, reserved}
end
reserved = redis.call('INCRBY', KEYS[2], estimate)
redis.call('HSET', KEYS[3], ARGV[3], estimate)
for i = 1, 3 do
	redis.call('EXPIRE', KEYS[i], ARGV[4])
end
return {1, spent, reserved}
`)

// KEYS: reserved and reservations of the held period, spent and reserved of the current period
// ARGV: reservation id, actual, ttl seconds, ceiling (negative for none)
// Returns the charged amount, or -1 when the hold was already settled.
var commitScript = redis.NewScript(`
local held = redis.call('HGET', KEYS[2], ARGV[1])
if not held then
	return -1
end
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('DECRBY', KEYS[1], held) < 0 then
	redis.call('SET', KEYS[1], 0, 'KEEPTTL')
end
local charge = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[4])
if ceiling >= 0 then
	local headroom = ceiling - tonumber(redis.call('GET', KEYS[3]) or '0') - tonumber(redis.call('GET', KEYS[4]) or '0')
	if headroom < 0 then
		headroom = 0
	end
	if charge > headroom then
		charge = headroom
	end
end
redis.call('INCRBY', KEYS[3], charge)
redis.call('EXPIRE', KEYS[3], ARGV[3])
return charge
`)

// KEYS: reserved, reservations
// ARGV: reservation id
var releaseScript = redis.NewScript(`
local held = redis.call('HGET', KEYS[2], ARGV[1])
if not held then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
if redis.call('DECRBY', KEYS[1], held) < 0 then
	redis.call('SET', KEYS[1], 0, 'KEEPTTL')
end
return 1
`)

// RedisGuard keeps period counters in Redis and the ceiling in a BudgetRepository.
// Every reserve and settle step is a single Lua script.
type RedisGuard struct {
	rdb    redis.Cmdable
	repo   repositories.BudgetRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisGuard creates a Redis-backed guard
func NewRedisGuard(rdb redis.Cmdable, repo repositories.BudgetRepository, logger *zap.Logger) *RedisGuard {
	return &RedisGuard{
		rdb:    rdb,
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// keys share the {tenant} hash tag so scripts stay on one cluster slot
func counterKey(tenantID, periodKey, name string) string {
	return fmt.Sprintf("budget:{%s}:%s:%s", tenantID, periodKey, name)
}

func toMicros(d decimal.Decimal, up bool) int64 {
	shifted := d.Shift(microUnits)
	if up {
		return shifted.Ceil().IntPart()
	}
	return shifted.Round(0).IntPart()
}

func fromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -microUnits)
}

func (g *RedisGuard) ttl(period models.BudgetPeriod, now time.Time) int64 {
	return int64(period.End(now).Add(keyRetention).Sub(now).Seconds())
}

func (g *RedisGuard) config(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	cfg, err := g.repo.Get(ctx, tenantID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("load budget config", err)
	}
	return cfg, nil
}

// Check reserves estimate if it fits under the ceiling
func (g *RedisGuard) Check(ctx context.Context, tenantID string, estimate decimal.Decimal) (*Verdict, error) {
	if err := checkEstimate(estimate); err != nil {
		return nil, err
	}
	cfg, err := g.config(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return unlimited(tenantID), nil
	}

	now := g.now()
	periodKey := cfg.Period.Key(now)
	id := uuid.New()
	amount := toMicros(estimate, true)
	keys := []string{
		counterKey(tenantID, periodKey, "spent"),
		counterKey(tenantID, periodKey, "reserved"),
		counterKey(tenantID, periodKey, "reservations"),
	}

	res, err := reserveScript.Run(ctx, g.rdb, keys,
		toMicros(cfg.Ceiling, false), amount, id.String(), g.ttl(cfg.Period, now)).Int64Slice()
	if err != nil {
		return nil, unavailable("reserve", err)
	}
	spent, reserved := fromMicros(res[1]), fromMicros(res[2])

	if res[0] == 0 {
		g.logger.Debug("budget reservation denied",
			zap.String("tenant_id", tenantID),
			zap.String("estimate", estimate.String()))
		return denied(cfg.Ceiling, spent, reserved, estimate), nil
	}

	remaining := cfg.Ceiling.Sub(spent).Sub(reserved)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &Verdict{
		Allowed:     true,
		Reservation: &Reservation{ID: id, TenantID: tenantID, Amount: fromMicros(amount), PeriodKey: periodKey},
		Remaining:   remaining,
	}, nil
}

// Commit moves the reservation into spent for the period current now
func (g *RedisGuard) Commit(ctx context.Context, r *Reservation, actual decimal.Decimal) error {
	if settled(r) {
		return nil
	}
	cfg, err := g.config(ctx, r.TenantID)
	if err != nil {
		return err
	}

	now := g.now()
	period := models.PeriodMonthly
	ceiling := int64(-1)
	if cfg != nil {
		period = cfg.Period
		ceiling = toMicros(cfg.Ceiling, false)
	}
	keys := []string{
		counterKey(r.TenantID, r.PeriodKey, "reserved"),
		counterKey(r.TenantID, r.PeriodKey, "reservations"),
		counterKey(r.TenantID, period.Key(now), "spent"),
		counterKey(r.TenantID, period.Key(now), "reserved"),
	}

	amount := toMicros(actual, false)
	charged, err := commitScript.Run(ctx, g.rdb, keys, r.ID.String(), amount, g.ttl(period, now), ceiling).Int64()
	if err != nil {
		return unavailable("commit", err)
	}
	if charged >= 0 && charged < amount {
		g.logger.Warn("spend capped at budget ceiling",
			zap.String("tenant_id", r.TenantID),
			zap.String("actual", actual.String()),
			zap.String("charged", fromMicros(charged).String()))
	}
	return nil
}

// Release drops the reservation
func (g *RedisGuard) Release(ctx context.Context, r *Reservation) error {
	if settled(r) {
		return nil
	}
	keys := []string{
		counterKey(r.TenantID, r.PeriodKey, "reserved"),
		counterKey(r.TenantID, r.PeriodKey, "reservations"),
	}
	if err := releaseScript.Run(ctx, g.rdb, keys, r.ID.String()).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

// SetCeiling stores the config. Counters are keyed by period so a period
// change starts from zero.
func (g *RedisGuard) SetCeiling(ctx context.Context, cfg *models.BudgetConfig) (*models.BudgetConfig, error) {
	next, err := normalize(cfg, g.now())
	if err != nil {
		return nil, err
	}
	if err := g.repo.Upsert(ctx, next); err != nil {
		return nil, unavailable("store budget config", err)
	}
	return g.Get(ctx, next.TenantID)
}

// Get returns the config with current-period counters
func (g *RedisGuard) Get(ctx context.Context, tenantID string) (*models.BudgetConfig, error) {
	cfg, err := g.config(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, services.ErrBudgetNotFound
	}

	cfg.PeriodKey = cfg.Period.Key(g.now())
	vals, err := g.rdb.MGet(ctx,
		counterKey(tenantID, cfg.PeriodKey, "spent"),
		counterKey(tenantID, cfg.PeriodKey, "reserved"),
	).Result()
	if err != nil {
		return nil, unavailable("read counters", err)
	}

	cfg.Spent = fromMicros(parseCounter(vals[0]))
	cfg.Reserved = fromMicros(parseCounter(vals[1]))
	return cfg, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

package routing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/repositories/memory"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/budget"
	"github.com/upb/provider-router/services/ledger"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/stub"
	"github.com/upb/provider-router/services/vault"
)

const tenant = "tenant-a"

type recordingSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *recordingSink) Emit(e *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) count(action models.AuditAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	registry *providers.Registry
	vault    *vault.Service
	guard    *budget.MemoryGuard
	ledger   *ledger.Ledger
	policies *policy.Service
	sink     *recordingSink
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, adapters ...providers.Adapter) *fixture {
	t.Helper()

	registry := providers.NewRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}

	cipher, err := vault.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	sink := &recordingSink{}
	return &fixture{
		registry: registry,
		vault: vault.NewService(memory.NewCredentialRepository(), memory.NewSecretRepository(), cipher, zap.NewNop(),
			vault.WithAuditSink(sink), vault.WithKeyValidator(registry)),
		guard:  budget.NewMemoryGuard(),
		ledger: ledger.NewMemory(zap.NewNop()),
		policies: policy.NewService(memory.NewPolicyRepository(), policy.NewCache(100, time.Minute), registry,
			map[models.TaskType][]string{models.TaskEmbed: {"p1", "p2"}}, sink, zap.NewNop()),
		sink:    sink,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
}

func (f *fixture) engine(cfg Config) *Engine {
	return NewEngine(cfg, Dependencies{
		Policies: f.policies,
		Registry: f.registry,
		Vault:    f.vault,
		Guard:    f.guard,
		Ledger:   f.ledger,
		Metrics:  f.metrics,
	}, zap.NewNop())
}

func (f *fixture) storeKey(t *testing.T, tenantID, providerID string, opts vault.StoreOptions) *models.Credential {
	t.Helper()
	cred, err := f.vault.Store(context.Background(), tenantID, providerID, []byte("key-"+tenantID+"-"+providerID), opts)
	require.NoError(t, err)
	return cred
}

func (f *fixture) setPolicy(t *testing.T, allowPlatform bool, chain ...string) {
	t.Helper()
	require.NoError(t, f.policies.Set(context.Background(), &models.RoutingPolicy{
		TenantID:              tenant,
		BudgetTier:            models.TierDefault,
		TaskType:              models.TaskChat,
		Providers:             chain,
		AllowPlatformFallback: allowPlatform,
	}, "test"))
}

// records returns the attempts of the request a caller tagged with correlationID
func (f *fixture) records(t *testing.T, correlationID string) []*models.UsageRecord {
	t.Helper()
	all, err := f.ledger.Query(context.Background(), ledger.Query{TenantID: tenant, Limit: 1000})
	require.NoError(t, err)
	var recs []*models.UsageRecord
	for _, rec := range all {
		if rec.CorrelationID == correlationID {
			recs = append(recs, rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].AttemptIndex < recs[j].AttemptIndex })
	return recs
}

func chatRequest(correlationID string) *Request {
	return &Request{
		CorrelationID: correlationID,
		TenantID:      tenant,
		TaskType:  models.TaskChat,
		Payload:   &providers.Payload{Messages: []providers.Message{{Role: "user", Content: "hello"}}},
	}
}

func fail(provider string, kind providers.FailureKind) stub.Step {
	return stub.Step{Err: providers.NewFailure(provider, kind, 0, "scripted", nil)}
}

func outcomes(recs []*models.UsageRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ProviderID + ":" + string(r.Outcome)
	}
	return out
}

func aggregated(t *testing.T, err error) *AggregatedFailure {
	t.Helper()
	var agg *AggregatedFailure
	require.True(t, errors.As(err, &agg), "expected aggregated failure, got %v", err)
	return agg
}

func TestRoute_FallsBackAfterRateLimit(t *testing.T) {
	p1 := stub.New("p1").Always(fail("p1", providers.FailureRateLimited))
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	resp, err := f.engine(DefaultConfig()).Route(context.Background(), chatRequest("req-a"))
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, "p2 ok", resp.Result.Content)
	assert.False(t, resp.PlatformKey)

	assert.Equal(t, []string{"p1:rate_limited", "p2:success"}, outcomes(f.records(t, "req-a")))
	require.Len(t, resp.Attempts, 2)
	assert.Equal(t, string(providers.FailureRateLimited), resp.Attempts[0].FailureKind)

	// success commits the actual cost: 10 in, 20 out tokens
	recs := f.records(t, "req-a")
	assert.True(t, decimal.RequireFromString("0.00005").Equal(recs[1].Cost), "cost %s", recs[1].Cost)
	assert.True(t, recs[0].Cost.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RoutingRequestsTotal.WithLabelValues("chat", "success")))
}

func TestRoute_BudgetExceeded(t *testing.T) {
	ctx := context.Background()
	p1 := stub.New("p1").WithProfile(func(p *models.ProviderProfile) {
		p.CostTable[models.TaskChat] = models.UnitCost{Input: decimal.Zero, Output: decimal.RequireFromString("1.00")}
	})
	f := newFixture(t, p1)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.setPolicy(t, false, "p1")

	_, err := f.guard.SetCeiling(ctx, &models.BudgetConfig{TenantID: tenant, Period: models.PeriodMonthly, Ceiling: decimal.RequireFromString("1.00")})
	require.NoError(t, err)
	v, err := f.guard.Check(ctx, tenant, decimal.RequireFromString("0.95"))
	require.NoError(t, err)
	require.NoError(t, f.guard.Commit(ctx, v.Reservation, decimal.RequireFromString("0.95")))

	req := chatRequest("req-b")
	req.Payload.MaxTokens = 100 // estimate 0.10

	_, err = f.engine(DefaultConfig()).Route(ctx, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrBudgetExceeded))
	assert.False(t, services.IsExhaustedError(err))
	assert.True(t, aggregated(t, err).AllBudgetDenied())

	assert.Equal(t, 0, p1.CallCount())
	recs := f.records(t, "req-b")
	assert.Equal(t, []string{"p1:budget_denied"}, outcomes(recs))
	assert.True(t, decimal.RequireFromString("0.10").Equal(recs[0].EstimatedCost))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BudgetDenialsTotal))
}

func TestRoute_NoEligibleProvider(t *testing.T) {
	p1, p2 := stub.New("p1"), stub.New("p2")
	f := newFixture(t, p1, p2)
	// platform keys exist but the policy does not allow them
	f.storeKey(t, models.PlatformTenantID, "p1", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	_, err := f.engine(DefaultConfig()).Route(context.Background(), chatRequest("req-c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrNoEligibleProvider))
	assert.False(t, services.IsExhaustedError(err))
	assert.Empty(t, f.records(t, "req-c"))
	assert.Equal(t, 0, p1.CallCount()+p2.CallCount())
}

func TestRoute_CancelledMidDispatch(t *testing.T) {
	p1 := stub.New("p1").Always(stub.Step{Delay: 5 * time.Second})
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")
	_, err := f.guard.SetCeiling(context.Background(), &models.BudgetConfig{TenantID: tenant, Ceiling: decimal.RequireFromString("10")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = f.engine(DefaultConfig()).Route(ctx, chatRequest("req-d"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, services.IsCancelledError(err))
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, []string{"p1:cancelled"}, outcomes(f.records(t, "req-d")))
	assert.Equal(t, 0, p2.CallCount())

	b, err := f.guard.Get(context.Background(), tenant)
	require.NoError(t, err)
	assert.True(t, b.Spent.IsZero())
	assert.True(t, b.Reserved.IsZero())
}

func TestRoute_AtMostOneSuccess(t *testing.T) {
	p1, p2 := stub.New("p1"), stub.New("p2")
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")
	engine := f.engine(DefaultConfig())

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = "req-p1-" + string(rune('a'+i))
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := engine.Route(context.Background(), chatRequest(id))
			assert.NoError(t, err)
		}(ids[i])
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, []string{"p1:success"}, outcomes(f.records(t, id)))
	}
	assert.Equal(t, 20, p1.CallCount())
	assert.Equal(t, 0, p2.CallCount())
}

func TestRoute_ChainOrderAndExhaustion(t *testing.T) {
	p1 := stub.New("p1").Always(fail("p1", providers.FailureProviderError))
	p2 := stub.New("p2")
	p3 := stub.New("p3").Always(fail("p3", providers.FailureTimeout))
	p4 := stub.New("p4", models.TaskEmbed)
	p5 := stub.New("p5").Always(fail("p5", providers.FailureAuth))
	f := newFixture(t, p1, p2, p3, p4, p5)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p3", vault.StoreOptions{})
	f.storeKey(t, tenant, "p5", vault.StoreOptions{})
	// p2 has no credential and is skipped silently
	f.setPolicy(t, false, "p3", "p2", "p1", "p5")

	_, err := f.engine(DefaultConfig()).Route(context.Background(), chatRequest("req-p2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrProvidersExhausted))
	assert.False(t, services.IsBudgetError(err))

	agg := aggregated(t, err)
	require.Len(t, agg.Attempts, 3)
	for i, at := range agg.Attempts {
		assert.Equal(t, i, at.Index)
	}
	assert.Equal(t, []string{"p3:timeout", "p1:error", "p5:auth_error"}, outcomes(f.records(t, "req-p2")))
	assert.Equal(t, "auth_error", agg.Attempts[2].FailureKind)
	assert.NotContains(t, err.Error(), "scripted")
}

func TestRoute_PlatformFallback(t *testing.T) {
	p1 := stub.New("p1").Always(fail("p1", providers.FailureAuth))
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	platform := f.storeKey(t, models.PlatformTenantID, "p1", vault.StoreOptions{})
	f.storeKey(t, models.PlatformTenantID, "p2", vault.StoreOptions{})
	f.setPolicy(t, true, "p1", "p2")

	resp, err := f.engine(DefaultConfig()).Route(context.Background(), chatRequest("req-pf"))
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.True(t, resp.PlatformKey)

	recs := f.records(t, "req-pf")
	require.Len(t, recs, 2)
	assert.Equal(t, platform.ID, *recs[0].CredentialID)
	// platform credentials are not flagged on behalf of a tenant
	assert.Equal(t, 0, f.sink.count(models.AuditActionCredentialSuspectInvalid))
}

func TestRoute_DefaultChain(t *testing.T) {
	p1 := stub.New("p1", models.TaskEmbed)
	p2 := stub.New("p2", models.TaskEmbed)
	f := newFixture(t, p1, p2)
	f.storeKey(t, models.PlatformTenantID, "p2", vault.StoreOptions{})

	req := &Request{CorrelationID: "req-emb", TenantID: tenant, TaskType: models.TaskEmbed,
		Payload: &providers.Payload{Input: []string{"a", "b"}}}
	resp, err := f.engine(DefaultConfig()).Route(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Len(t, resp.Result.Embeddings, 2)
}

func TestRoute_AuthErrorFlagsTenantCredential(t *testing.T) {
	ctx := context.Background()
	p1 := stub.New("p1").Always(fail("p1", providers.FailureAuth))
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	cred := f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	resp, err := f.engine(DefaultConfig()).Route(ctx, chatRequest("req-auth"))
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, 1, f.sink.count(models.AuditActionCredentialSuspectInvalid))

	still, err := f.vault.ResolveActive(ctx, tenant, "p1")
	require.NoError(t, err)
	assert.Equal(t, cred.ID, still.ID)
	assert.Equal(t, models.CredentialActive, still.Status)
}

func TestRoute_RequestDeadline(t *testing.T) {
	p1 := stub.New("p1").Always(stub.Step{Delay: time.Second})
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	cfg := DefaultConfig()
	cfg.RequestDeadline = 100 * time.Millisecond

	_, err := f.engine(cfg).Route(context.Background(), chatRequest("req-dl"))
	require.Error(t, err)
	assert.True(t, services.IsExhaustedError(err))
	assert.True(t, aggregated(t, err).DeadlineExceeded)
	assert.Equal(t, []string{"p1:timeout"}, outcomes(f.records(t, "req-dl")))
	assert.Equal(t, 0, p2.CallCount())
}

func TestRoute_AttemptTimeoutIsCapped(t *testing.T) {
	p1 := stub.New("p1").Always(stub.Step{Delay: time.Second})
	p2 := stub.New("p2")
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	cfg := DefaultConfig()
	cfg.MaxAttemptTimeout = 50 * time.Millisecond

	resp, err := f.engine(cfg).Route(context.Background(), chatRequest("req-cap"))
	require.NoError(t, err)
	assert.Equal(t, "p2", resp.ProviderID)
	assert.Equal(t, []string{"p1:timeout", "p2:success"}, outcomes(f.records(t, "req-cap")))
}

func TestRoute_AdaptiveRankingOnePositionPerFailure(t *testing.T) {
	tests := []struct {
		name    string
		streaks map[string]int
		want    []string
	}{
		{"single failure", map[string]int{"p1": 1}, []string{"p2:error", "p1:error", "p3:error"}},
		{"two failures", map[string]int{"p1": 2}, []string{"p2:error", "p3:error", "p1:error"}},
		{"middle provider", map[string]int{"p2": 1}, []string{"p1:error", "p3:error", "p2:error"}},
		{"no history", nil, []string{"p1:error", "p2:error", "p3:error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var adapters []providers.Adapter
			for _, id := range []string{"p1", "p2", "p3"} {
				adapters = append(adapters, stub.New(id).Always(fail(id, providers.FailureProviderError)))
			}
			f := newFixture(t, adapters...)
			for _, id := range []string{"p1", "p2", "p3"} {
				f.storeKey(t, tenant, id, vault.StoreOptions{})
			}
			f.setPolicy(t, false, "p1", "p2", "p3")

			at := time.Now().Add(-time.Hour)
			for provider, n := range tt.streaks {
				for i := 0; i < n; i++ {
					at = at.Add(time.Second)
					require.NoError(t, f.ledger.Append(ctx, &models.UsageRecord{
						TenantID: tenant, RequestID: "hist-" + at.Format(time.RFC3339Nano), ProviderID: provider,
						TaskType: models.TaskChat, Outcome: models.OutcomeTimeout, Timestamp: at,
					}))
				}
			}

			cfg := DefaultConfig()
			cfg.AdaptiveRanking = true
			_, err := f.engine(cfg).Route(ctx, chatRequest("req-rank"))
			require.Error(t, err)
			assert.Equal(t, tt.want, outcomes(f.records(t, "req-rank")))
		})
	}
}

func TestRoute_AdaptiveRanking(t *testing.T) {
	ctx := context.Background()
	p1 := stub.New("p1").Always(fail("p1", providers.FailureProviderError))
	p2 := stub.New("p2").Always(fail("p2", providers.FailureProviderError))
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")

	history := func(provider string, outcome models.Outcome, at time.Time) {
		require.NoError(t, f.ledger.Append(ctx, &models.UsageRecord{
			TenantID: tenant, RequestID: "hist-" + at.Format(time.RFC3339Nano), ProviderID: provider,
			TaskType: models.TaskChat, Outcome: outcome, Timestamp: at,
		}))
	}
	base := time.Now().Add(-time.Hour)
	history("p1", models.OutcomeTimeout, base)
	history("p1", models.OutcomeBudgetDenied, base.Add(time.Second))
	history("p1", models.OutcomeError, base.Add(2*time.Second))

	cfg := DefaultConfig()
	cfg.AdaptiveRanking = true
	engine := f.engine(cfg)

	t.Run("failure streak demotes", func(t *testing.T) {
		_, err := engine.Route(ctx, chatRequest("req-rank-1"))
		require.Error(t, err)
		assert.Equal(t, []string{"p2:error", "p1:error"}, outcomes(f.records(t, "req-rank-1")))
	})

	t.Run("static order without ranking", func(t *testing.T) {
		_, err := f.engine(DefaultConfig()).Route(ctx, chatRequest("req-rank-2"))
		require.Error(t, err)
		assert.Equal(t, []string{"p1:error", "p2:error"}, outcomes(f.records(t, "req-rank-2")))
	})

	t.Run("one success recovers", func(t *testing.T) {
		history("p1", models.OutcomeSuccess, time.Now().Add(time.Hour))
		_, err := engine.Route(ctx, chatRequest("req-rank-3"))
		require.Error(t, err)
		assert.Equal(t, []string{"p1:error", "p2:error"}, outcomes(f.records(t, "req-rank-3")))
	})
}

func TestRoute_CredentialRateLimit(t *testing.T) {
	p1, p2 := stub.New("p1"), stub.New("p2")
	f := newFixture(t, p1, p2)
	rpm := 1
	f.storeKey(t, tenant, "p1", vault.StoreOptions{RateLimitRPM: &rpm})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")
	engine := f.engine(DefaultConfig())

	first, err := engine.Route(context.Background(), chatRequest("req-rl-1"))
	require.NoError(t, err)
	assert.Equal(t, "p1", first.ProviderID)

	second, err := engine.Route(context.Background(), chatRequest("req-rl-2"))
	require.NoError(t, err)
	assert.Equal(t, "p2", second.ProviderID)
	assert.Equal(t, []string{"p1:rate_limited", "p2:success"}, outcomes(f.records(t, "req-rl-2")))
	assert.Equal(t, 1, p1.CallCount())
}

func TestRoute_MixedDenialIsExhausted(t *testing.T) {
	ctx := context.Background()
	expensive := func(p *models.ProviderProfile) {
		p.CostTable[models.TaskChat] = models.UnitCost{Input: decimal.Zero, Output: decimal.RequireFromString("100")}
	}
	p1 := stub.New("p1").WithProfile(expensive)
	p2 := stub.New("p2").Always(fail("p2", providers.FailureProviderError))
	f := newFixture(t, p1, p2)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.storeKey(t, tenant, "p2", vault.StoreOptions{})
	f.setPolicy(t, false, "p1", "p2")
	_, err := f.guard.SetCeiling(ctx, &models.BudgetConfig{TenantID: tenant, Ceiling: decimal.RequireFromString("1")})
	require.NoError(t, err)

	_, err = f.engine(DefaultConfig()).Route(ctx, chatRequest("req-mix"))
	require.Error(t, err)
	assert.True(t, services.IsExhaustedError(err))
	assert.Equal(t, []string{"p1:budget_denied", "p2:error"}, outcomes(f.records(t, "req-mix")))

	b, err := f.guard.Get(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, b.Reserved.IsZero())
}

type brokenVault struct{}

func (brokenVault) ResolveActive(context.Context, string, string) (*models.Credential, error) {
	return nil, services.NewDomainError(services.ErrorTypeUnavailable, services.ErrVaultUnavailable.Message, errors.New("breaker open"))
}

func (brokenVault) Open(context.Context, *models.Credential) (string, error) { return "", nil }

func (brokenVault) FlagSuspectInvalid(context.Context, *models.Credential, string, string) {}

func TestRoute_VaultUnavailable(t *testing.T) {
	f := newFixture(t, stub.New("p1"))
	f.setPolicy(t, true, "p1")

	engine := NewEngine(DefaultConfig(), Dependencies{
		Policies: f.policies, Registry: f.registry, Vault: brokenVault{},
		Guard: f.guard, Ledger: f.ledger,
	}, zap.NewNop())

	_, err := engine.Route(context.Background(), chatRequest("req-vu"))
	assert.True(t, errors.Is(err, services.ErrVaultUnavailable))
	assert.Empty(t, f.records(t, "req-vu"))
}

type failingLedger struct{}

func (failingLedger) Append(context.Context, *models.UsageRecord) error {
	return errors.New("disk full")
}

func (failingLedger) RecentOutcomes(context.Context, string, string, int) ([]models.Outcome, error) {
	return nil, errors.New("disk full")
}

func TestRoute_LedgerFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, stub.New("p1"))
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.setPolicy(t, false, "p1")

	cfg := DefaultConfig()
	cfg.AdaptiveRanking = true
	engine := NewEngine(cfg, Dependencies{
		Policies: f.policies, Registry: f.registry, Vault: f.vault,
		Guard: f.guard, Ledger: failingLedger{}, Metrics: f.metrics,
	}, zap.NewNop())

	resp, err := engine.Route(context.Background(), chatRequest("req-lf"))
	require.NoError(t, err)
	assert.Equal(t, "p1", resp.ProviderID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LedgerFailuresTotal))
}

func TestRoute_Validation(t *testing.T) {
	engine := newFixture(t).engine(DefaultConfig())

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil request", nil},
		{"missing tenant", &Request{TaskType: models.TaskChat, Payload: &providers.Payload{}}},
		{"unknown task", &Request{TenantID: tenant, TaskType: "translate", Payload: &providers.Payload{}}},
		{"missing payload", &Request{TenantID: tenant, TaskType: models.TaskChat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Route(context.Background(), tt.req)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestRoute_AssignsRequestID(t *testing.T) {
	f := newFixture(t, stub.New("p1"))
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.setPolicy(t, false, "p1")

	req := chatRequest("")
	req.RequestID = "caller-chosen"
	resp, err := f.engine(DefaultConfig()).Route(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotEqual(t, "caller-chosen", resp.RequestID)

	recs, err := f.ledger.ListByRequest(context.Background(), resp.RequestID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRoute_ReusedCorrelationIDKeepsEveryRecord(t *testing.T) {
	ctx := context.Background()
	p1 := stub.New("p1")
	f := newFixture(t, p1)
	f.storeKey(t, tenant, "p1", vault.StoreOptions{})
	f.setPolicy(t, false, "p1")
	engine := f.engine(DefaultConfig())

	first, err := engine.Route(ctx, chatRequest("dup"))
	require.NoError(t, err)
	second, err := engine.Route(ctx, chatRequest("dup"))
	require.NoError(t, err)

	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, "dup", second.CorrelationID)
	assert.Equal(t, 2, p1.CallCount())
	assert.Equal(t, []string{"p1:success", "p1:success"}, outcomes(f.records(t, "dup")))

	for _, id := range []string{first.RequestID, second.RequestID} {
		recs, err := f.ledger.ListByRequest(ctx, id)
		require.NoError(t, err)
		assert.Len(t, recs, 1, id)
	}
}

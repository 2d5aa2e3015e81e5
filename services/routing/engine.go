// Package routing implements the smart routing engine: it resolves a fallback
// chain for a request and dispatches candidates one at a time until one
// succeeds or the chain is exhausted.
package routing

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services"
	"github.com/upb/provider-router/services/budget"
	"github.com/upb/provider-router/services/ledger"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/ratelimit"
)

// PolicyResolver returns the fallback chain for a request
type PolicyResolver interface {
	Resolve(ctx context.Context, tenantID string, tier models.BudgetTier, task models.TaskType) (*models.RoutingPolicy, error)
}

// CredentialVault resolves credential metadata and opens key material for one attempt
type CredentialVault interface {
	ResolveActive(ctx context.Context, tenantID, providerID string) (*models.Credential, error)
	Open(ctx context.Context, cred *models.Credential) (string, error)
	FlagSuspectInvalid(ctx context.Context, cred *models.Credential, requestID, reason string)
}

// UsageLedger records attempts and serves the history used for ranking
type UsageLedger interface {
	Append(ctx context.Context, rec *models.UsageRecord) error
	RecentOutcomes(ctx context.Context, tenantID, providerID string, n int) ([]models.Outcome, error)
}

// RateLimiter enforces per-credential request rates
type RateLimiter interface {
	CheckLimit(cred *models.Credential) *ratelimit.RateLimitResult
}

// Dependencies are the engine's collaborators
type Dependencies struct {
	Policies PolicyResolver
	Registry *providers.Registry
	Vault    CredentialVault
	Guard    budget.Guard
	Ledger   UsageLedger
	Limiter  RateLimiter
	Metrics  *observability.Metrics
}

// Engine routes requests across providers. It holds no per-request state;
// concurrent requests are independent.
type Engine struct {
	cfg      Config
	policies PolicyResolver
	registry *providers.Registry
	vault    CredentialVault
	guard    budget.Guard
	ledger   UsageLedger
	limiter  RateLimiter
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewEngine creates a routing engine
func NewEngine(cfg Config, deps Dependencies, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttemptTimeout <= 0 {
		cfg.MaxAttemptTimeout = def.MaxAttemptTimeout
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = def.RequestDeadline
	}
	if cfg.RankingWindow <= 0 {
		cfg.RankingWindow = def.RankingWindow
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewRateLimitService(logger)
	}

	return &Engine{
		cfg:      cfg,
		policies: deps.Policies,
		registry: deps.Registry,
		vault:    deps.Vault,
		guard:    deps.Guard,
		ledger:   deps.Ledger,
		limiter:  limiter,
		metrics:  deps.Metrics,
		tracer:   observability.Tracer(),
		logger:   logger,
	}
}

// Route dispatches a request through its fallback chain and returns the
// first successful result
func (e *Engine) Route(ctx context.Context, req *Request) (*Response, error) {
	return e.run(ctx, req, nil)
}

// RouteStream is Route restricted to streaming adapters. Chunks are passed
// to onChunk as they arrive; once one has been delivered no other provider
// is tried.
func (e *Engine) RouteStream(ctx context.Context, req *Request, onChunk providers.StreamCallback) (*Response, error) {
	if onChunk == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "stream callback is required", nil)
	}
	return e.run(ctx, req, onChunk)
}

func (e *Engine) run(ctx context.Context, req *Request, onChunk providers.StreamCallback) (*Response, error) {
	if req == nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "request is required", nil)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "routing.Route", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("correlation_id", req.CorrelationID),
		attribute.String("tenant_id", req.TenantID),
		attribute.String("task_type", string(req.TaskType)),
		attribute.Bool("stream", onChunk != nil),
	))
	defer span.End()

	logger := observability.FromContext(ctx, e.logger).With(
		zap.String("request_id", req.RequestID),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("tenant_id", req.TenantID))

	resp, err := e.route(ctx, req, onChunk, logger)

	terminal := terminalOf(err)
	e.metrics.ObserveRequest(string(req.TaskType), terminal)
	span.SetAttributes(attribute.String("routing.terminal", terminal))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, terminal)
		logger.Info("route failed", zap.String("terminal", terminal), zap.Error(err))
		return nil, err
	}

	logger.Info("route succeeded",
		zap.String("provider_id", resp.ProviderID),
		zap.Int("attempts", len(resp.Attempts)))
	return resp, nil
}

func (e *Engine) route(ctx context.Context, req *Request, onChunk providers.StreamCallback, logger *zap.Logger) (*Response, error) {
	cands, err := e.resolve(ctx, req, onChunk != nil)
	if err != nil {
		return nil, err
	}
	if e.cfg.AdaptiveRanking {
		e.rank(ctx, req.TenantID, cands, logger)
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.RequestDeadline)
	defer cancel()

	agg := &AggregatedFailure{RequestID: req.RequestID}
	for i, c := range cands {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if expired(dctx) {
			agg.DeadlineExceeded = true
			break
		}

		out := e.attempt(dctx, ctx, req, i, c, onChunk, logger)
		if out.summary != nil {
			agg.Attempts = append(agg.Attempts, *out.summary)
		}
		if out.err != nil {
			return nil, out.err
		}
		if out.resp != nil {
			out.resp.Attempts = agg.Attempts
			return out.resp, nil
		}
		if out.deadline {
			agg.DeadlineExceeded = true
			break
		}
		if out.interrupted {
			agg.StreamInterrupted = true
			break
		}
	}

	return nil, agg.asError()
}

// resolve turns the policy chain into candidates that have a usable
// credential, keeping declaration order
func (e *Engine) resolve(ctx context.Context, req *Request, streaming bool) ([]*candidate, error) {
	policy, err := e.policies.Resolve(ctx, req.TenantID, req.BudgetTier, req.TaskType)
	if err != nil {
		return nil, err
	}

	var cands []*candidate
	for _, id := range policy.Providers {
		if !e.registry.Supports(id, req.TaskType) {
			continue
		}
		adapter, err := e.registry.Get(id)
		if err != nil {
			continue
		}
		if _, ok := adapter.(providers.StreamingAdapter); streaming && !ok {
			continue
		}
		profile, err := e.registry.Profile(id)
		if err != nil {
			continue
		}

		cred, platform, err := e.credentialFor(ctx, req.TenantID, id, policy.AllowPlatformFallback)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			continue
		}

		cands = append(cands, &candidate{
			providerID: id,
			adapter:    adapter,
			profile:    profile,
			cred:       cred,
			platform:   platform,
			declared:   len(cands),
			rank:       len(cands),
		})
	}

	if len(cands) == 0 {
		return nil, services.NewDomainError(services.ErrorTypeNoEligibleProvider, services.ErrNoEligibleProvider.Message, nil).
			WithDetail("policy_chain", policy.Providers)
	}
	return cands, nil
}

// credentialFor returns the tenant's credential, else the platform's when
// allowed. A nil credential with a nil error means none is usable.
func (e *Engine) credentialFor(ctx context.Context, tenantID, providerID string, allowPlatform bool) (*models.Credential, bool, error) {
	cred, err := e.vault.ResolveActive(ctx, tenantID, providerID)
	if err == nil {
		return cred, false, nil
	}
	if !services.IsNotFoundError(err) {
		return nil, false, err
	}
	if !allowPlatform || tenantID == models.PlatformTenantID {
		return nil, false, nil
	}

	cred, err = e.vault.ResolveActive(ctx, models.PlatformTenantID, providerID)
	if err == nil {
		return cred, true, nil
	}
	if services.IsNotFoundError(err) {
		return nil, false, nil
	}
	return nil, false, err
}

// rank demotes each candidate one position per consecutive failure. On equal
// keys the shorter streak goes first, then declaration order, so the result
// depends only on ledger history.
func (e *Engine) rank(ctx context.Context, tenantID string, cands []*candidate, logger *zap.Logger) {
	for _, c := range cands {
		outcomes, err := e.ledger.RecentOutcomes(ctx, tenantID, c.providerID, e.cfg.RankingWindow)
		if err != nil {
			logger.Warn("failed to read recent outcomes, keeping declared position",
				zap.String("provider_id", c.providerID), zap.Error(err))
			continue
		}
		c.streak = ledger.FailureStreak(outcomes)
		c.rank = c.declared + c.streak
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rank != cands[j].rank {
			return cands[i].rank < cands[j].rank
		}
		if cands[i].streak != cands[j].streak {
			return cands[i].streak < cands[j].streak
		}
		return cands[i].declared < cands[j].declared
	})
}

func (e *Engine) attemptTimeout(ctx context.Context, profile models.ProviderProfile) time.Duration {
	timeout := e.cfg.MaxAttemptTimeout
	if profile.DefaultTimeout > 0 && profile.DefaultTimeout < timeout {
		timeout = profile.DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return timeout
}

// expired reports whether ctx is done or its deadline has passed; the
// latter can be observed before the context's own timer fires
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

func cancelled(ctx context.Context) error {
	return services.NewDomainError(services.ErrorTypeCancelled, services.ErrRequestCancelled.Message, ctx.Err())
}

func terminalOf(err error) string {
	if err == nil {
		return "success"
	}
	switch services.GetErrorType(err) {
	case services.ErrorTypeBudget:
		return "budget_exceeded"
	case services.ErrorTypeExhausted:
		return "exhausted"
	case services.ErrorTypeNoEligibleProvider:
		return "no_eligible_provider"
	case services.ErrorTypeCancelled:
		return "cancelled"
	case services.ErrorTypeUnavailable:
		return "unavailable"
	case services.ErrorTypeValidation:
		return "invalid"
	default:
		return "error"
	}
}

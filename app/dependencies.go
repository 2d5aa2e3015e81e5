package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/handlers"
	"github.com/upb/provider-router/internal/observability"
	"github.com/upb/provider-router/middleware"
	"github.com/upb/provider-router/repositories"
	"github.com/upb/provider-router/repositories/memory"
	"github.com/upb/provider-router/repositories/postgres"
	"github.com/upb/provider-router/services/audit"
	"github.com/upb/provider-router/services/budget"
	"github.com/upb/provider-router/services/ledger"
	"github.com/upb/provider-router/services/policy"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/providers/anthropic"
	"github.com/upb/provider-router/services/providers/bedrock"
	"github.com/upb/provider-router/services/providers/cohere"
	"github.com/upb/provider-router/services/providers/openai"
	"github.com/upb/provider-router/services/providers/stub"
	"github.com/upb/provider-router/services/ratelimit"
	"github.com/upb/provider-router/services/routing"
	"github.com/upb/provider-router/services/vault"
)

const (
	policyCacheSize      = 4096
	policyCacheTTL       = 30 * time.Second
	policyCacheSweep     = time.Minute
	limiterSweepInterval = 5 * time.Minute
	limiterRetention     = 30 * time.Minute
	auditDrainTimeout    = 5 * time.Second
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config          *config.Config
	Logger          *zap.Logger
	DB              *postgres.DB
	Redis           *redis.Client
	MetricsRegistry *prometheus.Registry
	Metrics         *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Services
	Providers   *providers.Registry
	Vault       *vault.Service
	SecretStore *vault.BreakerStore
	Budget      budget.Guard
	Ledger      *ledger.Ledger
	Policies    *policy.Service
	Audit       *audit.AuditService
	RateLimiter *ratelimit.RateLimitService
	Engine      *routing.Engine

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	stopLimiter context.CancelFunc
	stopCache   chan struct{}
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:          cfg,
		Logger:          logger,
		MetricsRegistry: prometheus.NewRegistry(),
	}
	deps.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = observability.NewMetrics(deps.MetricsRegistry)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"storage", deps.initStorage},
		{"redis", deps.initRedis},
		{"providers", deps.initProviders},
		{"audit", deps.initAudit},
		{"vault", deps.initVault},
		{"budget guard", deps.initBudget},
		{"routing", deps.initRouting},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}
	deps.initAuth()

	logger.Info("all dependencies initialized successfully",
		zap.String("vault_backend", cfg.Vault.Backend),
		zap.String("budget_backend", cfg.Budget.Backend),
		zap.Strings("providers", deps.Providers.IDs()))
	return deps, nil
}

// initStorage opens PostgreSQL when a backend needs it; otherwise every
// repository is in-memory
func (d *Dependencies) initStorage(ctx context.Context) error {
	if !d.Config.UsesPostgres() {
		d.Logger.Warn("no postgres backend configured, using in-memory repositories")
		d.Repos = memory.NewRepositories()
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	d.Repos = factory.NewRepositories()

	d.Logger.Info("repositories initialized",
		zap.String("connection", d.Config.Database.LogString()))
	return nil
}

func (d *Dependencies) initRedis(ctx context.Context) error {
	if !d.Config.UsesRedis() {
		return nil
	}
	d.Redis = redis.NewClient(&redis.Options{
		Addr:     d.Config.Redis.Addr,
		Password: d.Config.Redis.Password,
		DB:       d.Config.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	d.Logger.Info("redis connection established", zap.String("addr", d.Config.Redis.Addr))
	return nil
}

// adapterBuilders maps provider ids to their adapter constructors
var adapterBuilders = map[string]providers.AdapterBuilder{
	"openai":    openai.Builder,
	"anthropic": anthropic.Builder,
	"cohere":    cohere.Builder,
	"bedrock":   bedrock.Builder,
	"stub":      stub.Builder,
}

// initProviders builds the enabled adapters and overlays the profile catalog
func (d *Dependencies) initProviders(context.Context) error {
	pc := d.Config.Providers
	client := &http.Client{Timeout: d.Config.Routing.MaxAttemptTimeout + 5*time.Second}
	baseURLs := map[string]string{
		"openai":    pc.OpenAIBaseURL,
		"anthropic": pc.AnthropicBaseURL,
		"cohere":    pc.CohereBaseURL,
	}

	builder := providers.NewRegistryBuilder()
	configs := make(map[string]providers.AdapterConfig, len(pc.Enabled))
	for _, id := range pc.Enabled {
		fn, ok := adapterBuilders[id]
		if !ok {
			return fmt.Errorf("unknown provider %q", id)
		}
		builder.WithBuilder(id, fn)
		configs[id] = providers.AdapterConfig{
			BaseURL:    baseURLs[id],
			Region:     pc.BedrockRegion,
			HTTPClient: client,
			Logger:     d.Logger.With(zap.String("provider", id)),
		}
	}

	registry, err := builder.Build(configs)
	if err != nil {
		return err
	}

	catalog, err := config.LoadProfiles(pc.ProfilesFile)
	if err != nil {
		return err
	}
	merged, err := catalog.Merge(registry.Profiles())
	if err != nil {
		return err
	}
	for _, p := range merged {
		if err := registry.OverrideProfile(p); err != nil {
			return err
		}
	}
	if len(merged) > 0 {
		d.Logger.Info("provider profiles overridden", zap.Strings("providers", catalog.IDs()))
	}

	if len(registry.IDs()) == 0 {
		d.Logger.Warn("no providers enabled")
	}
	d.Providers = registry
	return nil
}

func (d *Dependencies) initAudit(context.Context) error {
	d.Audit = audit.NewAuditService(d.Repos.Audit, d.Logger, audit.Config{
		BufferSize:  d.Config.Audit.BufferSize,
		WorkerCount: d.Config.Audit.WorkerCount,
	}, d.Metrics)
	return d.Audit.Start()
}

// initVault selects the ciphertext store and wraps it in a circuit breaker
func (d *Dependencies) initVault(context.Context) error {
	cipher, err := d.cipher()
	if err != nil {
		return err
	}

	var store repositories.SecretRepository
	switch d.Config.Vault.Backend {
	case config.BackendRedis:
		store = vault.NewRedisStore(d.Redis)
	case config.BackendPostgres:
		store = d.Repos.Secrets
	default:
		store = memory.NewSecretRepository()
	}

	breaker := vault.DefaultBreakerConfig
	if d.Config.Vault.BreakerFailureThreshold > 0 {
		breaker.FailureThreshold = d.Config.Vault.BreakerFailureThreshold
	}
	if d.Config.Vault.BreakerTimeout > 0 {
		breaker.Timeout = d.Config.Vault.BreakerTimeout
	}
	d.SecretStore = vault.NewBreakerStore("vault-"+d.Config.Vault.Backend, store, breaker, d.Metrics, d.Logger)

	d.Vault = vault.NewService(d.Repos.Credentials, d.SecretStore, cipher, d.Logger,
		vault.WithKeyValidator(d.Providers),
		vault.WithAuditSink(d.Audit),
		vault.WithMetrics(d.Metrics))
	return nil
}

// cipher loads the master key. Outside production a missing key is
// replaced by an ephemeral one, so stored credentials do not survive a restart.
func (d *Dependencies) cipher() (*vault.Cipher, error) {
	if d.Config.Vault.MasterKey != "" {
		return vault.NewCipherFromBase64(d.Config.Vault.MasterKey)
	}
	if d.Config.IsProduction() {
		return nil, errors.New("vault master key is required in production")
	}
	d.Logger.Warn("VAULT_MASTER_KEY not set, using an ephemeral key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return vault.NewCipher(key)
}

func (d *Dependencies) initBudget(context.Context) error {
	switch d.Config.Budget.Backend {
	case config.BackendRedis:
		d.Budget = budget.NewRedisGuard(d.Redis, d.Repos.Budgets, d.Logger)
	case config.BackendPostgres:
		d.Budget = budget.NewPostgresGuard(d.DB, d.Logger)
	default:
		d.Budget = budget.NewMemoryGuard()
	}
	return nil
}

func (d *Dependencies) initRouting(ctx context.Context) error {
	d.Ledger = ledger.New(d.Repos.Usage, d.Logger)
	cache := policy.NewCache(policyCacheSize, policyCacheTTL)
	d.stopCache = make(chan struct{})
	go cache.StartCleanupWorker(policyCacheSweep, d.stopCache)
	d.Policies = policy.NewService(d.Repos.Policies, cache,
		d.Providers, d.Config.Routing.DefaultChains, d.Audit, d.Logger)

	d.RateLimiter = ratelimit.NewRateLimitService(d.Logger)
	limiterCtx, cancel := context.WithCancel(context.Background())
	d.stopLimiter = cancel
	go d.RateLimiter.StartCleanupWorker(limiterCtx, limiterSweepInterval, limiterRetention)

	rc := d.Config.Routing
	d.Engine = routing.NewEngine(routing.Config{
		MaxAttemptTimeout: rc.MaxAttemptTimeout,
		RequestDeadline:   rc.RequestDeadline,
		AdaptiveRanking:   rc.AdaptiveRanking,
		RankingWindow:     rc.RankingWindow,
	}, routing.Dependencies{
		Policies: d.Policies,
		Registry: d.Providers,
		Vault:    d.Vault,
		Guard:    d.Budget,
		Ledger:   d.Ledger,
		Limiter:  d.RateLimiter,
		Metrics:  d.Metrics,
	}, d.Logger)
	return nil
}

func (d *Dependencies) initAuth() {
	ac := d.Config.Auth
	switch {
	case ac.JWKSURL != "":
		d.Logger.Info("validating RS256 tokens against JWKS", zap.String("jwks_url", ac.JWKSURL))
		d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewJWKSValidator(middleware.JWKSConfig{
			URL:         ac.JWKSURL,
			Issuer:      ac.Issuer,
			Audience:    ac.Audience,
			TenantClaim: ac.TenantClaim,
			RoleClaim:   ac.RoleClaim,
		}), d.Logger)
	case ac.JWTSecret != "":
		d.AuthMiddleware = middleware.NewAuthMiddleware(
			middleware.NewJWTValidator(ac.JWTSecret, ac.Issuer), d.Logger)
	default:
		d.Logger.Warn("JWT_SECRET not set, protected endpoints reject every token")
		d.AuthMiddleware = middleware.NewAuthMiddleware(rejectAllValidator{}, d.Logger)
	}
}

// ReadinessChecks returns the probes for the backends in use
func (d *Dependencies) ReadinessChecks() []handlers.Check {
	var checks []handlers.Check
	if d.DB != nil {
		checks = append(checks, handlers.DatabaseCheck(d.DB.DB))
	}
	if d.Redis != nil {
		checks = append(checks, handlers.RedisCheck(d.Redis))
	}
	return checks
}

// rejectAllValidator rejects all tokens (used when no JWT secret is configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, errors.New("authentication not configured")
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopLimiter != nil {
		d.stopLimiter()
	}
	if d.stopCache != nil {
		close(d.stopCache)
		d.stopCache = nil
	}

	// Drain queued audit events before the database goes away
	if d.Audit != nil {
		if err := d.Audit.Stop(auditDrainTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

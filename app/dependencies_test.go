package app

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/provider-router/config"
	"github.com/upb/provider-router/models"
	"github.com/upb/provider-router/services/providers"
	"github.com/upb/provider-router/services/routing"
	"github.com/upb/provider-router/services/vault"
)

func TestNewDependencies(t *testing.T) {
	t.Run("memory backends route end to end", func(t *testing.T) {
		ctx := context.Background()
		deps, err := NewDependencies(ctx, testConfig(), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.Redis)
		assert.Empty(t, deps.ReadinessChecks())
		assert.Equal(t, []string{"stub"}, deps.Providers.IDs())

		_, err = deps.Vault.Store(ctx, "tenant-a", "stub", []byte("sk-tenant-a"), vault.StoreOptions{Actor: "test"})
		require.NoError(t, err)

		resp, err := deps.Engine.Route(ctx, &routing.Request{
			CorrelationID: "req-1",
			TenantID:      "tenant-a",
			TaskType:      models.TaskChat,
			BudgetTier:    models.TierDefault,
			Payload:       &providers.Payload{Messages: []providers.Message{{Role: "user", Content: "hi"}}},
		})
		require.NoError(t, err)
		assert.Equal(t, "stub", resp.ProviderID)
		assert.False(t, resp.PlatformKey)

		records, err := deps.Ledger.ListByRequest(ctx, resp.RequestID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, models.OutcomeSuccess, records[0].Outcome)
		assert.Equal(t, "req-1", records[0].CorrelationID)
	})

	t.Run("redis backends", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.Redis.Addr = mr.Addr()
		cfg.Vault.Backend = config.BackendRedis
		cfg.Budget.Backend = config.BackendRedis

		ctx := context.Background()
		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		require.NotNil(t, deps.Redis)
		assert.Len(t, deps.ReadinessChecks(), 1)

		cred, err := deps.Vault.Store(ctx, "tenant-a", "stub", []byte("sk-redis"), vault.StoreOptions{})
		require.NoError(t, err)
		assert.True(t, mr.Exists("vault:"+cred.SecretPath), "ciphertext should live in redis")

		got, err := deps.Budget.SetCeiling(ctx, &models.BudgetConfig{TenantID: "tenant-a", Ceiling: decimal.NewFromInt(5)})
		require.NoError(t, err)
		assert.Equal(t, models.PeriodMonthly, got.Period)
	})

	t.Run("redis unreachable", func(t *testing.T) {
		cfg := testConfig()
		cfg.Redis.Addr = "127.0.0.1:1"
		cfg.Budget.Backend = config.BackendRedis

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize redis")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := testConfig()
		cfg.Providers.Enabled = []string{"mistral"}

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown provider")
	})

	t.Run("profile catalog overrides built-in profile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "profiles.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
providers:
  stub:
    display_name: Local Stub
    default_timeout: 2s
`), 0o600))
		cfg := testConfig()
		cfg.Providers.ProfilesFile = path

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(context.Background())

		profile, err := deps.Providers.Profile("stub")
		require.NoError(t, err)
		assert.Equal(t, "Local Stub", profile.DisplayName)
		assert.Equal(t, 2*time.Second, profile.DefaultTimeout)
	})

	t.Run("production requires a master key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Environment = "production"
		cfg.Vault.MasterKey = ""

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "master key")
	})

	t.Run("malformed master key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Vault.MasterKey = "not-base64!"

		_, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestDependenciesAuth(t *testing.T) {
	ctx := context.Background()

	t.Run("missing secret rejects every token", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.JWTSecret = ""
		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		_, err = rejectAllValidator{}.ValidateToken(ctx, "anything")
		assert.Error(t, err)
		assert.NotNil(t, deps.AuthMiddleware)
	})
}

func TestDependenciesClose(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.NoError(t, deps.Close(ctx))
	// The audit service is already stopped
	assert.Error(t, deps.Close(ctx))
}

// Test helpers

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Vault: config.VaultConfig{
			MasterKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
			Backend:   config.BackendMemory,
		},
		Routing: config.RoutingConfig{
			MaxAttemptTimeout: 5 * time.Second,
			RequestDeadline:   10 * time.Second,
			RankingWindow:     10,
			DefaultChains:     map[models.TaskType][]string{models.TaskChat: {"stub"}},
		},
		Budget: config.BudgetConfig{
			Backend:       config.BackendMemory,
			DefaultPeriod: models.PeriodMonthly,
		},
		Providers: config.ProvidersConfig{Enabled: []string{"stub"}},
		Auth:      config.AuthConfig{JWTSecret: "test-secret", Issuer: "provider-router"},
		Audit:     config.AuditConfig{BufferSize: 16, WorkerCount: 1},
		Observability: config.ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

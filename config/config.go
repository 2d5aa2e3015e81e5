package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/upb/provider-router/models"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit events. When nil, audit uses main DB.
	Redis         RedisConfig
	Vault         VaultConfig
	Routing       RoutingConfig
	Budget        BudgetConfig
	Providers     ProvidersConfig
	Auth          AuthConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the Redis connection used by the budget guard and secret store
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Backends shared by the vault secret store and the budget guard
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// VaultConfig holds credential vault settings
type VaultConfig struct {
	// MasterKey is a base64 encoded 32 byte key. Never logged.
	MasterKey string
	Backend   string

	BreakerFailureThreshold uint32
	BreakerTimeout          time.Duration
}

// RoutingConfig holds routing engine settings
type RoutingConfig struct {
	MaxAttemptTimeout time.Duration
	RequestDeadline   time.Duration
	AdaptiveRanking   bool
	RankingWindow     int
	// DefaultChains is the platform chain per task when a tenant has no policy
	DefaultChains map[models.TaskType][]string
}

// BudgetConfig holds budget guard settings
type BudgetConfig struct {
	Backend       string
	DefaultPeriod models.BudgetPeriod
}

// ProvidersConfig holds provider endpoints. API keys are never configured
// here; they live in the vault.
type ProvidersConfig struct {
	Enabled          []string
	OpenAIBaseURL    string
	AnthropicBaseURL string
	CohereBaseURL    string
	BedrockRegion    string
	// ProfilesFile is an optional YAML catalog overriding built-in profiles
	ProfilesFile string
}

// AuthConfig holds bearer token validation settings. When JWKSURL is set,
// tokens are RS256 from an external identity provider and JWTSecret is unused.
type AuthConfig struct {
	JWTSecret   string
	Issuer      string
	JWKSURL     string
	Audience    string
	TenantClaim string
	RoleClaim   string
}

// AuditConfig holds async audit sink settings
type AuditConfig struct {
	BufferSize  int
	WorkerCount int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	TracingEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	chains, err := ParseChains(getEnv("ROUTING_DEFAULT_CHAINS", "chat=openai,anthropic;embed=openai,cohere;vision=openai,anthropic;rerank=cohere"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Vault: VaultConfig{
			MasterKey:               getEnv("VAULT_MASTER_KEY", ""),
			Backend:                 getEnv("VAULT_BACKEND", BackendPostgres),
			BreakerFailureThreshold: uint32(getEnvAsInt("VAULT_BREAKER_FAILURES", 5)),
			BreakerTimeout:          getEnvAsDuration("VAULT_BREAKER_TIMEOUT", 15*time.Second),
		},
		Routing: RoutingConfig{
			MaxAttemptTimeout: getEnvAsDuration("ROUTING_MAX_ATTEMPT_TIMEOUT", 30*time.Second),
			RequestDeadline:   getEnvAsDuration("ROUTING_REQUEST_DEADLINE", 90*time.Second),
			AdaptiveRanking:   getEnvAsBool("ROUTING_ADAPTIVE_RANKING", false),
			RankingWindow:     getEnvAsInt("ROUTING_RANKING_WINDOW", 10),
			DefaultChains:     chains,
		},
		Budget: BudgetConfig{
			Backend:       getEnv("BUDGET_BACKEND", BackendPostgres),
			DefaultPeriod: models.BudgetPeriod(getEnv("BUDGET_DEFAULT_PERIOD", string(models.PeriodMonthly))),
		},
		Providers: ProvidersConfig{
			Enabled:          getEnvAsList("PROVIDERS_ENABLED", []string{"openai", "anthropic", "cohere", "bedrock"}),
			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			CohereBaseURL:    getEnv("COHERE_BASE_URL", "https://api.cohere.com"),
			BedrockRegion:    getEnv("BEDROCK_REGION", "us-east-1"),
			ProfilesFile:     getEnv("PROVIDER_PROFILES_FILE", ""),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			Issuer:      getEnv("JWT_ISSUER", "provider-router"),
			JWKSURL:     getEnv("JWT_JWKS_URL", ""),
			Audience:    getEnv("JWT_AUDIENCE", ""),
			TenantClaim: getEnv("JWT_TENANT_CLAIM", "tenant_id"),
			RoleClaim:   getEnv("JWT_ROLE_CLAIM", "role"),
		},
		Audit: AuditConfig{
			BufferSize:  getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("AUDIT_WORKERS", 2),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.UsesPostgres() {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	if !validBackend(c.Vault.Backend) {
		return fmt.Errorf("unknown vault backend %q", c.Vault.Backend)
	}
	if !validBackend(c.Budget.Backend) {
		return fmt.Errorf("unknown budget backend %q", c.Budget.Backend)
	}
	if !c.Budget.DefaultPeriod.Valid() {
		return fmt.Errorf("unknown budget period %q", c.Budget.DefaultPeriod)
	}

	if c.Routing.MaxAttemptTimeout <= 0 || c.Routing.RequestDeadline <= 0 {
		return fmt.Errorf("routing timeouts must be positive")
	}
	if c.Routing.RankingWindow < 1 {
		return fmt.Errorf("ranking window must be at least 1")
	}

	if c.IsProduction() {
		if c.Vault.MasterKey == "" {
			return fmt.Errorf("vault master key is required in production")
		}
		if c.Vault.Backend == BackendMemory {
			return fmt.Errorf("memory vault backend is not allowed in production")
		}
		if c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
			return fmt.Errorf("jwt secret or jwks url is required in production")
		}
	}

	if c.Audit.BufferSize < 1 || c.Audit.WorkerCount < 1 {
		return fmt.Errorf("audit buffer size and worker count must be positive")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// UsesPostgres reports whether any backend needs the database
func (c *Config) UsesPostgres() bool {
	return c.Vault.Backend == BackendPostgres || c.Budget.Backend == BackendPostgres
}

// UsesRedis reports whether any backend needs Redis
func (c *Config) UsesRedis() bool {
	return c.Vault.Backend == BackendRedis || c.Budget.Backend == BackendRedis
}

func validBackend(b string) bool {
	return b == BackendMemory || b == BackendPostgres || b == BackendRedis
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// ParseChains parses "chat=openai,anthropic;embed=cohere" into default chains
func ParseChains(s string) (map[models.TaskType][]string, error) {
	chains := make(map[models.TaskType][]string)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, list, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("default chain %q: expected task=provider,...", entry)
		}
		task, err := models.ParseTaskType(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("default chain: %w", err)
		}
		var ids []string
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("default chain for %s is empty", task)
		}
		chains[task] = ids
	}
	return chains, nil
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "router"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "provider_router"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

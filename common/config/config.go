package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Sandbox  SandboxConfig
	Memory   MemoryConfig
	LLM      LLMConfig
	Cache    CacheConfig
	Auth     AuthConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings. Postgres is optional;
// when Host is empty the in-memory blueprint store is used.
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings. Redis is optional; when Addr
// is empty the in-memory execution store and episodic memory are used.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	MaxParallel     int
	TokenCeiling    int
	DepthCeiling    int
	BudgetCeiling   int
	NodeTimeout     time.Duration
	WorkflowTimeout time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	MaxNestedDepth  int
	AllowedModels   []string
	FailurePolicy   string
}

// SandboxConfig holds resource caps for code nodes
type SandboxConfig struct {
	CPUSeconds  int
	MemoryMB    int
	WallClock   time.Duration
	AllowNet    bool
	WorkDirRoot string
}

// MemoryConfig holds memory subsystem settings
type MemoryConfig struct {
	WorkingTTL      time.Duration
	EpisodicTTL     time.Duration
	SemanticTTLDays int
	VectorDimension int
	EmbeddingModel  string
	VectorBackend   string // "memory" or "chromem"
	ChromemPath     string
}

// LLMConfig holds provider settings
type LLMConfig struct {
	Provider       string // "stub" or "openai"
	APIKey         string
	BaseURL        string
	DefaultModel   string
	RequestTimeout time.Duration
}

// CacheConfig holds node result cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	Enabled bool
	Tokens  []string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", ""),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "praxis"),
			User:        getEnv("POSTGRES_USER", "praxis"),
			Password:    getEnv("POSTGRES_PASSWORD", "praxis"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			MaxParallel:     getEnvInt("MAX_PARALLEL", 5),
			TokenCeiling:    getEnvInt("TOKEN_CEILING", 100_000),
			DepthCeiling:    getEnvInt("DEPTH_CEILING", 32),
			BudgetCeiling:   getEnvInt("BUDGET_CEILING", 1000),
			NodeTimeout:     getEnvDuration("NODE_TIMEOUT", 5*time.Minute),
			WorkflowTimeout: getEnvDuration("WORKFLOW_TIMEOUT", time.Hour),
			RetryBaseDelay:  getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:   getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			MaxNestedDepth:  getEnvInt("MAX_NESTED_DEPTH", 8),
			AllowedModels:   getEnvSlice("ALLOWED_MODELS", nil),
			FailurePolicy:   getEnv("FAILURE_POLICY", "halt"),
		},
		Sandbox: SandboxConfig{
			CPUSeconds:  getEnvInt("SANDBOX_CPU_SECONDS", 10),
			MemoryMB:    getEnvInt("SANDBOX_MEMORY_MB", 256),
			WallClock:   getEnvDuration("SANDBOX_WALL_CLOCK", 30*time.Second),
			AllowNet:    getEnvBool("SANDBOX_ALLOW_NET", false),
			WorkDirRoot: getEnv("SANDBOX_WORKDIR", os.TempDir()),
		},
		Memory: MemoryConfig{
			WorkingTTL:      getEnvDuration("WORKING_MEMORY_TTL", 30*time.Minute),
			EpisodicTTL:     getEnvDuration("EPISODIC_MEMORY_TTL", 72*time.Hour),
			SemanticTTLDays: getEnvInt("SEMANTIC_TTL_DAYS", 90),
			VectorDimension: getEnvInt("VECTOR_DIMENSION", 1536),
			EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			VectorBackend:   getEnv("VECTOR_BACKEND", "memory"),
			ChromemPath:     getEnv("CHROMEM_PATH", ""),
		},
		LLM: LLMConfig{
			Provider:       getEnv("LLM_PROVIDER", "stub"),
			APIKey:         getEnv("LLM_API_KEY", ""),
			BaseURL:        getEnv("LLM_BASE_URL", ""),
			DefaultModel:   getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			RequestTimeout: getEnvDuration("LLM_REQUEST_TIMEOUT", 60*time.Second),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", time.Hour),
		},
		Auth: AuthConfig{
			Enabled: getEnvBool("AUTH_ENABLED", false),
			Tokens:  getEnvSlice("AUTH_TOKENS", nil),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("max_parallel must be >= 1")
	}

	if c.Memory.VectorDimension < 1 {
		return fmt.Errorf("vector_dimension must be >= 1")
	}

	if c.Database.Host != "" && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Engine.FailurePolicy {
	case "halt", "continue_possible", "continue_all":
	default:
		return fmt.Errorf("unknown failure policy: %s", c.Engine.FailurePolicy)
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// Package config loads indexwarden's typed configuration from the
// environment (with .env support), mirroring the teacher's env-driven
// Config/Load/Validate idiom rather than a string/number dictionary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
)

// EncryptionMode is the transport-encryption mode for the database
// connection.
type EncryptionMode string

const (
	EncryptionDisable EncryptionMode = "disable"
	EncryptionPrefer  EncryptionMode = "prefer"
	EncryptionRequire EncryptionMode = "require"
)

// DatabaseConfig groups §6 "database" options.
type DatabaseConfig struct {
	Host              string
	Port              int
	Name              string
	User              string
	Password          string // secret; never logged
	Encryption        EncryptionMode
	PoolMin           int
	PoolMax           int
	ConnectTimeout    time.Duration
	StatementTimeout  time.Duration
}

// DSN renders a libpq connection string. Password is included in clear
// text; DatabaseConfig has no String method that masks it.
func (d DatabaseConfig) DSN() string {
	sslmode := "prefer"
	switch d.Encryption {
	case EncryptionDisable:
		sslmode = "disable"
	case EncryptionRequire:
		sslmode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=%d",
		d.Host, d.Port, d.Name, d.User, d.Password, sslmode, int(d.ConnectTimeout.Seconds()))
}

// CatalogConfig groups §6 "catalog" options.
type CatalogConfig struct {
	BootstrapSource string // introspect-live | load-file
	SnapshotPath    string // used when BootstrapSource == load-file
	TenantColumn    string
}

// IngestionConfig groups §6 "ingestion" options.
type IngestionConfig struct {
	BufferSize     int
	FlushInterval  time.Duration
	FlushBatchSize int
	Flushers       int
}

// PlannerConfig groups §6 "planner" options.
type PlannerConfig struct {
	UseLivePlans  bool
	CacheSize     int
	CacheTTL      time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// SizeBucketThresholds holds the sample-count threshold below which a
// table/field falls into a given size bucket.
type SizeBucketThresholds struct {
	Small  int
	Medium int
}

// DecisionConfig groups §6 "decision" options.
type DecisionConfig struct {
	SizeBuckets             SizeBucketThresholds
	SmallWorkloadThreshold  int
	SmallWorkloadReduction  float64
	SmallWorkloadMaxPatterns int
	MinImprovementPct       float64
	WeightHeuristic         float64
	WeightUtility           float64
	WeightClassifier        float64
	WeightConstraint        float64
	MaxStoragePerTenantMB   int
	MaxIndexesPerTable      int
	MaxWriteOverheadPct     float64
	TestMode                bool
	TestModeReduction       float64
}

// SafetyConfig groups §6 "safety" options.
type SafetyConfig struct {
	MaintenanceWindowCron string // emergency override expression
	MaintenanceDays       []time.Weekday
	MaintenanceStartHour  int
	MaintenanceEndHour    int
	RateLimitTokens       float64
	RateLimitRefillPerSec float64
	CPUThresholdPct       float64
	CPUCooldown           time.Duration
	WriteLatencyCeilingMs float64
	CircuitBreakerN       uint32
	CircuitBreakerCooldown time.Duration
	CanaryPercent         float64
	CanarySuccessFloor    float64
	MaxConcurrentDDL      int
	RedisAddr             string
}

// LifecycleConfig groups §6 "lifecycle" options.
type LifecycleConfig struct {
	LightInterval        time.Duration
	StandardInterval     time.Duration
	HeavyInterval        time.Duration
	AutoReindex          bool
	BloatThresholdPct    float64
	UnusedIndexHorizon   time.Duration
	ConsolidationEnabled bool
	CoveringAnalysis     bool
	AutoCleanup          bool
	AllowBlockingDDLFallback bool
}

// InterceptorConfig groups §6 "interceptor" options.
type InterceptorConfig struct {
	Enabled         bool
	BlockOnMatch    bool // false = observe-only
	CostCeiling     float64
	RiskThreshold   float64
	MLScorerEnabled bool
	AllowListSize   int
	BlockListSize   int
	EntryTTL        time.Duration
}

// BypassConfig exposes the four bypass scopes of §4.12/§6.
type BypassConfig struct {
	FeatureAutoRecover time.Duration
	ModuleAutoRecover  time.Duration
	SystemAutoRecover  time.Duration
	StartupAutoRecover time.Duration
}

// ObservabilityConfig groups §6 "observability" options.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string // text|json
	HTTPAddr    string
	MetricsPath string
}

// Config is the complete typed configuration for one indexwarden process.
type Config struct {
	Env          string // development|testing|production
	Database     DatabaseConfig
	Catalog      CatalogConfig
	Ingestion    IngestionConfig
	Planner      PlannerConfig
	Decision     DecisionConfig
	Safety       SafetyConfig
	Lifecycle    LifecycleConfig
	Interceptor  InterceptorConfig
	Bypass       BypassConfig
	Observability ObservabilityConfig
}

// Load reads configuration from the environment, loading a .env file
// first when present (mirrors the teacher's Load()/godotenv pattern).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env: getEnv("INDEXWARDEN_ENV", "development"),
		Database: DatabaseConfig{
			Host:             getEnv("IDX_DB_HOST", "localhost"),
			Port:             getIntEnv("IDX_DB_PORT", 5432),
			Name:             getEnv("IDX_DB_NAME", "indexwarden"),
			User:             getEnv("IDX_DB_USER", "indexwarden"),
			Password:         getEnv("IDX_DB_PASSWORD", ""),
			Encryption:       EncryptionMode(getEnv("IDX_DB_SSLMODE", "prefer")),
			PoolMin:          getIntEnv("IDX_DB_POOL_MIN", 2),
			PoolMax:          getIntEnv("IDX_DB_POOL_MAX", 25),
			ConnectTimeout:   getDurationEnv("IDX_DB_CONNECT_TIMEOUT", 10*time.Second),
			StatementTimeout: getDurationEnv("IDX_DB_STATEMENT_TIMEOUT", 30*time.Second),
		},
		Catalog: CatalogConfig{
			BootstrapSource: getEnv("IDX_CATALOG_BOOTSTRAP_SOURCE", "introspect-live"),
			SnapshotPath:    getEnv("IDX_CATALOG_SNAPSHOT_PATH", ""),
			TenantColumn:    getEnv("IDX_CATALOG_TENANT_COLUMN", "tenant_id"),
		},
		Ingestion: IngestionConfig{
			BufferSize:     getIntEnv("IDX_INGESTION_BUFFER_SIZE", 10000),
			FlushInterval:  getDurationEnv("IDX_INGESTION_FLUSH_INTERVAL", 1*time.Second),
			FlushBatchSize: getIntEnv("IDX_INGESTION_FLUSH_BATCH_SIZE", 100),
			Flushers:       getIntEnv("IDX_INGESTION_FLUSHERS", 2),
		},
		Planner: PlannerConfig{
			UseLivePlans:  getBoolEnv("IDX_PLANNER_USE_LIVE_PLANS", true),
			CacheSize:     getIntEnv("IDX_PLANNER_CACHE_SIZE", 100),
			CacheTTL:      getDurationEnv("IDX_PLANNER_CACHE_TTL", 1*time.Hour),
			RetryAttempts: getIntEnv("IDX_PLANNER_RETRY_ATTEMPTS", 3),
			RetryBackoff:  getDurationEnv("IDX_PLANNER_RETRY_BACKOFF", 100*time.Millisecond),
		},
		Decision: DecisionConfig{
			SizeBuckets:             SizeBucketThresholds{Small: getIntEnv("IDX_DECISION_BUCKET_SMALL", 10000), Medium: getIntEnv("IDX_DECISION_BUCKET_MEDIUM", 1000000)},
			SmallWorkloadThreshold:  getIntEnv("IDX_DECISION_SMALL_WORKLOAD_THRESHOLD", 5000),
			SmallWorkloadReduction:  getFloatEnv("IDX_DECISION_SMALL_WORKLOAD_REDUCTION", 0.2),
			SmallWorkloadMaxPatterns: getIntEnv("IDX_DECISION_SMALL_WORKLOAD_MAX_PATTERNS", 50),
			MinImprovementPct:       getFloatEnv("IDX_DECISION_MIN_IMPROVEMENT_PCT", 0.2),
			WeightHeuristic:         getFloatEnv("IDX_DECISION_WEIGHT_HEURISTIC", 0.35),
			WeightUtility:           getFloatEnv("IDX_DECISION_WEIGHT_UTILITY", 0.2),
			WeightClassifier:        getFloatEnv("IDX_DECISION_WEIGHT_CLASSIFIER", 0.15),
			WeightConstraint:        getFloatEnv("IDX_DECISION_WEIGHT_CONSTRAINT", 0.3),
			MaxStoragePerTenantMB:   getIntEnv("IDX_DECISION_MAX_STORAGE_PER_TENANT_MB", 10240),
			MaxIndexesPerTable:      getIntEnv("IDX_DECISION_MAX_INDEXES_PER_TABLE", 12),
			MaxWriteOverheadPct:     getFloatEnv("IDX_DECISION_MAX_WRITE_OVERHEAD_PCT", 0.25),
			TestMode:                getBoolEnv("IDX_DECISION_TEST_MODE", false),
			TestModeReduction:       getFloatEnv("IDX_DECISION_TEST_MODE_REDUCTION", 0.5),
		},
		Safety: SafetyConfig{
			MaintenanceWindowCron:  getEnv("IDX_SAFETY_MAINTENANCE_CRON", "0 0 2 * * *"),
			MaintenanceDays:        parseWeekdays(getEnv("IDX_SAFETY_MAINTENANCE_DAYS", "0,1,2,3,4,5,6")),
			MaintenanceStartHour:   getIntEnv("IDX_SAFETY_MAINTENANCE_START_HOUR", 1),
			MaintenanceEndHour:     getIntEnv("IDX_SAFETY_MAINTENANCE_END_HOUR", 5),
			RateLimitTokens:        getFloatEnv("IDX_SAFETY_RATE_LIMIT_TOKENS", 10),
			RateLimitRefillPerSec:  getFloatEnv("IDX_SAFETY_RATE_LIMIT_REFILL", 0.1),
			CPUThresholdPct:        getFloatEnv("IDX_SAFETY_CPU_THRESHOLD_PCT", 80),
			CPUCooldown:            getDurationEnv("IDX_SAFETY_CPU_COOLDOWN", 2*time.Minute),
			WriteLatencyCeilingMs:  getFloatEnv("IDX_SAFETY_WRITE_LATENCY_CEILING_MS", 500),
			CircuitBreakerN:        uint32(getIntEnv("IDX_SAFETY_CIRCUIT_BREAKER_N", 5)),
			CircuitBreakerCooldown: getDurationEnv("IDX_SAFETY_CIRCUIT_BREAKER_COOLDOWN", 5*time.Minute),
			CanaryPercent:          getFloatEnv("IDX_SAFETY_CANARY_PERCENT", 0.1),
			CanarySuccessFloor:     getFloatEnv("IDX_SAFETY_CANARY_SUCCESS_FLOOR", 0.9),
			MaxConcurrentDDL:       getIntEnv("IDX_SAFETY_MAX_CONCURRENT_DDL", 4),
			RedisAddr:              getEnv("IDX_SAFETY_REDIS_ADDR", ""),
		},
		Lifecycle: LifecycleConfig{
			LightInterval:            getDurationEnv("IDX_LIFECYCLE_LIGHT_INTERVAL", 1*time.Hour),
			StandardInterval:         getDurationEnv("IDX_LIFECYCLE_STANDARD_INTERVAL", 24*time.Hour),
			HeavyInterval:            getDurationEnv("IDX_LIFECYCLE_HEAVY_INTERVAL", 7*24*time.Hour),
			AutoReindex:              getBoolEnv("IDX_LIFECYCLE_AUTO_REINDEX", false),
			BloatThresholdPct:        getFloatEnv("IDX_LIFECYCLE_BLOAT_THRESHOLD_PCT", 30),
			UnusedIndexHorizon:       getDurationEnv("IDX_LIFECYCLE_UNUSED_INDEX_HORIZON", 30*24*time.Hour),
			ConsolidationEnabled:     getBoolEnv("IDX_LIFECYCLE_CONSOLIDATION_ENABLED", true),
			CoveringAnalysis:         getBoolEnv("IDX_LIFECYCLE_COVERING_ANALYSIS", true),
			AutoCleanup:              getBoolEnv("IDX_LIFECYCLE_AUTO_CLEANUP", false),
			AllowBlockingDDLFallback: getBoolEnv("IDX_LIFECYCLE_ALLOW_BLOCKING_DDL_FALLBACK", false),
		},
		Interceptor: InterceptorConfig{
			Enabled:         getBoolEnv("IDX_INTERCEPTOR_ENABLED", false),
			BlockOnMatch:    getBoolEnv("IDX_INTERCEPTOR_BLOCK_ON_MATCH", false),
			CostCeiling:     getFloatEnv("IDX_INTERCEPTOR_COST_CEILING", 100000),
			RiskThreshold:   getFloatEnv("IDX_INTERCEPTOR_RISK_THRESHOLD", 0.7),
			MLScorerEnabled: getBoolEnv("IDX_INTERCEPTOR_ML_SCORER_ENABLED", false),
			AllowListSize:   getIntEnv("IDX_INTERCEPTOR_ALLOW_LIST_SIZE", 1000),
			BlockListSize:   getIntEnv("IDX_INTERCEPTOR_BLOCK_LIST_SIZE", 1000),
			EntryTTL:        getDurationEnv("IDX_INTERCEPTOR_ENTRY_TTL", 1*time.Hour),
		},
		Bypass: BypassConfig{
			FeatureAutoRecover: getDurationEnv("IDX_BYPASS_FEATURE_AUTO_RECOVER", 0),
			ModuleAutoRecover:  getDurationEnv("IDX_BYPASS_MODULE_AUTO_RECOVER", 0),
			SystemAutoRecover:  getDurationEnv("IDX_BYPASS_SYSTEM_AUTO_RECOVER", 0),
			StartupAutoRecover: getDurationEnv("IDX_BYPASS_STARTUP_AUTO_RECOVER", 0),
		},
		Observability: ObservabilityConfig{
			LogLevel:    getEnv("IDX_OBSERVABILITY_LOG_LEVEL", "info"),
			LogFormat:   getEnv("IDX_OBSERVABILITY_LOG_FORMAT", "text"),
			HTTPAddr:    getEnv("IDX_OBSERVABILITY_HTTP_ADDR", ":9090"),
			MetricsPath: getEnv("IDX_OBSERVABILITY_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that the daemon cannot safely run
// with, surfacing a *idxerrors.ConfigError.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return &idxerrors.ConfigError{Field: "database.host", Err: fmt.Errorf("must not be empty")}
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return &idxerrors.ConfigError{Field: "database.port", Err: fmt.Errorf("out of range: %d", c.Database.Port)}
	}
	switch c.Database.Encryption {
	case EncryptionDisable, EncryptionPrefer, EncryptionRequire:
	default:
		return &idxerrors.ConfigError{Field: "database.encryption", Err: fmt.Errorf("unknown mode %q", c.Database.Encryption)}
	}
	switch c.Catalog.BootstrapSource {
	case "introspect-live", "load-file":
	default:
		return &idxerrors.ConfigError{Field: "catalog.bootstrap_source", Err: fmt.Errorf("unknown source %q", c.Catalog.BootstrapSource)}
	}
	if c.Catalog.BootstrapSource == "load-file" && c.Catalog.SnapshotPath == "" {
		return &idxerrors.ConfigError{Field: "catalog.snapshot_path", Err: fmt.Errorf("required when bootstrap_source=load-file")}
	}
	if c.Ingestion.BufferSize <= 0 {
		return &idxerrors.ConfigError{Field: "ingestion.buffer_size", Err: fmt.Errorf("must be positive")}
	}
	if c.Ingestion.FlushBatchSize <= 0 {
		return &idxerrors.ConfigError{Field: "ingestion.flush_batch_size", Err: fmt.Errorf("must be positive")}
	}
	if c.Decision.MinImprovementPct < 0 || c.Decision.MinImprovementPct > 1 {
		return &idxerrors.ConfigError{Field: "decision.min_improvement_pct", Err: fmt.Errorf("must be in [0,1]")}
	}
	if c.Safety.CanaryPercent < 0 || c.Safety.CanaryPercent > 1 {
		return &idxerrors.ConfigError{Field: "safety.canary_percent", Err: fmt.Errorf("must be in [0,1]")}
	}
	if c.Safety.CircuitBreakerN == 0 {
		return &idxerrors.ConfigError{Field: "safety.circuit_breaker_n", Err: fmt.Errorf("must be > 0")}
	}
	if c.IsProduction() && c.Database.Password == "" {
		return &idxerrors.ConfigError{Field: "database.password", Err: fmt.Errorf("required in production")}
	}
	return nil
}

func (c *Config) IsProduction() bool  { return c.Env == "production" }
func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsTesting() bool     { return c.Env == "testing" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseWeekdays(csv string) []time.Weekday {
	parts := strings.Split(csv, ",")
	days := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if n, err := strconv.Atoi(p); err == nil && n >= 0 && n <= 6 {
			days = append(days, time.Weekday(n))
		}
	}
	return days
}

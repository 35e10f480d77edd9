package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/headcount-cli/internal/cost"
)

// Modes accepted by Validate.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
	ModeServe   = "serve"
)

// DefaultRegions is the region allow-list used when none is configured.
var DefaultRegions = []string{
	"Australia",
	"China",
	"Hong Kong",
	"India",
	"Indonesia",
	"Japan",
	"Malaysia",
	"New Zealand",
	"Philippines",
	"Singapore",
	"Thailand",
	"Vietnam",
}

// envOnlyKeys have no default value but may still come from HEADCOUNT_*
// variables or .env.
var envOnlyKeys = []string{
	"anthropic.key",
	"perplexity.key",
	"cache.dynamodb.endpoint",
	"cache.dynamodb.access_key_id",
	"cache.dynamodb.secret_access_key",
	"monitoring.webhook_url",
	"estimate.ranges_path",
	"estimate.denylist",
}

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Estimate   EstimateConfig   `yaml:"estimate" mapstructure:"estimate"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Regions    []string         `yaml:"regions" mapstructure:"regions"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the state store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory, sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// CacheConfig configures the estimate cache.
type CacheConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"` // store, dynamodb or none
	TTLHours int            `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" mapstructure:"dynamodb"`
}

// DynamoDBConfig locates the DynamoDB cache table.
type DynamoDBConfig struct {
	Table           string `yaml:"table" mapstructure:"table"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	PrimaryModel  string `yaml:"primary_model" mapstructure:"primary_model"`
	FallbackModel string `yaml:"fallback_model" mapstructure:"fallback_model"`
	ReviewModel   string `yaml:"review_model" mapstructure:"review_model"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// EstimateConfig configures single-entity resolution.
type EstimateConfig struct {
	// Backends is the fallback chain, highest priority first.
	Backends          []string `yaml:"backends" mapstructure:"backends"`
	MaxAttempts       int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs  int      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier        float64  `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter            float64  `yaml:"jitter" mapstructure:"jitter"`
	CallTimeoutSecs   int      `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	RequestsPerSecond float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Review            string   `yaml:"review" mapstructure:"review"` // none, range, llm or full
	RangesPath        string   `yaml:"ranges_path" mapstructure:"ranges_path"`
	ScaleSmallBelow   int      `yaml:"scale_small_below" mapstructure:"scale_small_below"`
	Denylist          []string `yaml:"denylist" mapstructure:"denylist"`
}

// CircuitConfig configures per-backend circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	ChunkSize      int  `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers        int  `yaml:"workers" mapstructure:"workers"`
	ShortCircuit   bool `yaml:"short_circuit" mapstructure:"short_circuit"`
	RetentionHours int  `yaml:"retention_hours" mapstructure:"retention_hours"`
	MaxEntities    int  `yaml:"max_entities" mapstructure:"max_entities"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// MonitoringConfig configures background health checks for the server.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// StallMinutes flags PROCESSING batches with no progress for this long.
	StallMinutes int `yaml:"stall_minutes" mapstructure:"stall_minutes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// A .env file is optional; variables already set in the environment win.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, eris.Wrap(err, "config: load .env")
		}
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HEADCOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only reaches keys viper already knows, so settings
	// without a default are bound explicitly.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "headcount.db")
	v.SetDefault("cache.driver", "store")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.dynamodb.table", "headcount_estimates")
	v.SetDefault("cache.dynamodb.region", "us-east-1")
	v.SetDefault("anthropic.primary_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.fallback_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.review_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("estimate.backends", []string{"claude-primary", "claude-fallback"})
	v.SetDefault("estimate.max_attempts", 3)
	v.SetDefault("estimate.initial_backoff_ms", 1000)
	v.SetDefault("estimate.max_backoff_ms", 60000)
	v.SetDefault("estimate.multiplier", 2.0)
	v.SetDefault("estimate.jitter", 0.25)
	v.SetDefault("estimate.call_timeout_secs", 60)
	v.SetDefault("estimate.requests_per_second", 2.0)
	v.SetDefault("estimate.review", "range")
	v.SetDefault("estimate.scale_small_below", 0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("batch.chunk_size", 10)
	v.SetDefault("batch.workers", 1)
	v.SetDefault("batch.short_circuit", true)
	v.SetDefault("batch.retention_hours", 24)
	v.SetDefault("batch.max_entities", 5000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.stall_minutes", 15)
	v.SetDefault("regions", DefaultRegions)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	def := cost.DefaultRates()
	if len(cfg.Pricing.Anthropic) == 0 {
		cfg.Pricing.Anthropic = def.Anthropic
	}
	if cfg.Pricing.Perplexity.PerQuery == 0 {
		cfg.Pricing.Perplexity = def.Perplexity
	}

	return &cfg, nil
}

// Validate reports missing or inconsistent settings for mode. Offline runs
// need no credentials; serve checks the online requirements plus the port.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case ModeOnline, ModeOffline, ModeServe:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for "+c.Store.Driver)
		}
	default:
		errs = append(errs, "store.driver must be memory, sqlite or postgres")
	}

	switch c.Cache.Driver {
	case "", "store", "none":
	case "dynamodb":
		if c.Cache.DynamoDB.Table == "" {
			errs = append(errs, "cache.dynamodb.table is required for dynamodb")
		}
	default:
		errs = append(errs, "cache.driver must be store, dynamodb or none")
	}

	switch c.Estimate.Review {
	case "", "none", "range", "llm", "full":
	default:
		errs = append(errs, "estimate.review must be none, range, llm or full")
	}

	if c.Batch.Workers < 1 || c.Batch.Workers > 5 {
		errs = append(errs, "batch.workers must be between 1 and 5")
	}

	if mode != ModeOffline {
		if len(c.Estimate.Backends) == 0 {
			errs = append(errs, "estimate.backends must name at least one backend")
		}
		if c.Anthropic.Key == "" && c.needsAnthropic() {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Perplexity.Key == "" && c.hasBackend("perplexity") {
			errs = append(errs, "perplexity.key is required by the perplexity backend")
		}
	}

	if mode == ModeServe && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) needsAnthropic() bool {
	if c.Estimate.Review == "llm" || c.Estimate.Review == "full" {
		return true
	}
	for _, b := range c.Estimate.Backends {
		if strings.HasPrefix(b, "claude") {
			return true
		}
	}
	return false
}

func (c *Config) hasBackend(name string) bool {
	for _, b := range c.Estimate.Backends {
		if b == name {
			return true
		}
	}
	return false
}

// KnownRegion reports whether region is on the allow-list, ignoring case.
// An empty allow-list accepts every region.
func (c *Config) KnownRegion(region string) bool {
	if len(c.Regions) == 0 {
		return true
	}
	region = strings.TrimSpace(region)
	for _, r := range c.Regions {
		if strings.EqualFold(r, region) {
			return true
		}
	}
	return false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

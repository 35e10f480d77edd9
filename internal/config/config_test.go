package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "headcount.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "store", cfg.Cache.Driver)
	assert.Equal(t, 24, cfg.Cache.TTLHours)
	assert.Equal(t, "headcount_estimates", cfg.Cache.DynamoDB.Table)
	assert.Equal(t, []string{"claude-primary", "claude-fallback"}, cfg.Estimate.Backends)
	assert.Equal(t, 3, cfg.Estimate.MaxAttempts)
	assert.Equal(t, 1000, cfg.Estimate.InitialBackoffMs)
	assert.Equal(t, 60000, cfg.Estimate.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Estimate.Multiplier, 0.001)
	assert.Equal(t, "range", cfg.Estimate.Review)
	assert.Zero(t, cfg.Estimate.ScaleSmallBelow)
	assert.Equal(t, 10, cfg.Batch.ChunkSize)
	assert.Equal(t, 1, cfg.Batch.Workers)
	assert.True(t, cfg.Batch.ShortCircuit)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultRegions, cfg.Regions)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, 15, cfg.Monitoring.StallMinutes)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.0001)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sonar-pro", cfg.Perplexity.Model)
	assert.Contains(t, cfg.Pricing.Anthropic, "claude-haiku-4-5-20251001")
	assert.InDelta(t, 0.005, cfg.Pricing.Perplexity.PerQuery, 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/headcount
batch:
  workers: 3
estimate:
  backends: [claude-primary]
  review: full
regions: [Singapore, Japan]
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Batch.Workers)
	assert.Equal(t, []string{"claude-primary"}, cfg.Estimate.Backends)
	assert.Equal(t, "full", cfg.Estimate.Review)
	assert.Equal(t, []string{"Singapore", "Japan"}, cfg.Regions)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Batch.ChunkSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store:\n  driver: postgres\n"), 0o644))
	t.Setenv("HEADCOUNT_STORE_DRIVER", "memory")
	t.Setenv("HEADCOUNT_BATCH_CHUNK_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 25, cfg.Batch.ChunkSize)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HEADCOUNT_ANTHROPIC_KEY=sk-ant-from-dotenv\n"), 0o600))
	t.Setenv("HEADCOUNT_ANTHROPIC_KEY", "")
	os.Unsetenv("HEADCOUNT_ANTHROPIC_KEY") //nolint

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-from-dotenv", cfg.Anthropic.Key)
}

func TestLoadEnvKeysWithoutDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("HEADCOUNT_ANTHROPIC_KEY", "sk-test")
	t.Setenv("HEADCOUNT_PERPLEXITY_KEY", "pplx-test")
	t.Setenv("HEADCOUNT_CACHE_DYNAMODB_ENDPOINT", "http://localhost:8000")
	t.Setenv("HEADCOUNT_CACHE_DYNAMODB_ACCESS_KEY_ID", "AKID")
	t.Setenv("HEADCOUNT_CACHE_DYNAMODB_SECRET_ACCESS_KEY", "secret")
	t.Setenv("HEADCOUNT_MONITORING_WEBHOOK_URL", "https://hooks.example.com/headcount")
	t.Setenv("HEADCOUNT_ESTIMATE_RANGES_PATH", "ranges.yaml")
	t.Setenv("HEADCOUNT_ESTIMATE_DENYLIST", "n/a,unknown")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
	assert.Equal(t, "pplx-test", cfg.Perplexity.Key)
	assert.Equal(t, "http://localhost:8000", cfg.Cache.DynamoDB.Endpoint)
	assert.Equal(t, "AKID", cfg.Cache.DynamoDB.AccessKeyID)
	assert.Equal(t, "secret", cfg.Cache.DynamoDB.SecretAccessKey)
	assert.Equal(t, "https://hooks.example.com/headcount", cfg.Monitoring.WebhookURL)
	assert.Equal(t, "ranges.yaml", cfg.Estimate.RangesPath)
	assert.Equal(t, []string{"n/a", "unknown"}, cfg.Estimate.Denylist)
	assert.NoError(t, cfg.Validate(ModeOnline))
}

func TestLoadDefaults_AnthropicOnlyIsValid(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HEADCOUNT_ANTHROPIC_KEY", "sk-ant-only")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Perplexity.Key)
	assert.NoError(t, cfg.Validate(ModeOnline))
	assert.NoError(t, cfg.Validate(ModeServe))
}

func TestLoadDotEnvDoesNotOverrideEnv(t *testing.T) {
	dir := chdirTemp(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HEADCOUNT_SERVER_PORT=7000\n"), 0o600))
	t.Setenv("HEADCOUNT_SERVER_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "headcount.db"
	cfg.Cache.Driver = "store"
	cfg.Estimate.Backends = []string{"claude-primary", "claude-fallback"}
	cfg.Estimate.Review = "range"
	cfg.Batch.Workers = 1
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateOffline_NoKeys(t *testing.T) {
	assert.NoError(t, validDefaults().Validate(ModeOffline))
}

func TestValidateOnline_AllPresent(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	assert.NoError(t, cfg.Validate(ModeOnline))
}

func TestValidateOnline_MissingKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Estimate.Backends = append(cfg.Estimate.Backends, "perplexity")

	err := cfg.Validate(ModeOnline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), "perplexity.key is required")
}

func TestValidateOnline_LLMReviewNeedsKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Estimate.Backends = []string{"perplexity"}
	cfg.Perplexity.Key = "pplx"
	assert.NoError(t, cfg.Validate(ModeOnline))

	cfg.Estimate.Review = "llm"
	err := cfg.Validate(ModeOnline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Server.Port = 0

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateDrivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Cache.Driver = "redis"
	cfg.Estimate.Review = "maybe"

	err := cfg.Validate(ModeOffline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
	assert.Contains(t, err.Error(), "cache.driver")
	assert.Contains(t, err.Error(), "estimate.review")

	cfg = validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Cache.Driver = "dynamodb"
	err = cfg.Validate(ModeOffline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "cache.dynamodb.table is required")
}

func TestValidateWorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.Workers = 0
	err := cfg.Validate(ModeOffline)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.workers must be between 1 and 5")

	cfg.Batch.Workers = 6
	assert.Error(t, cfg.Validate(ModeOffline))

	cfg.Batch.Workers = 5
	assert.NoError(t, cfg.Validate(ModeOffline))
}

func TestKnownRegion(t *testing.T) {
	cfg := &Config{Regions: DefaultRegions}
	assert.True(t, cfg.KnownRegion("singapore"))
	assert.True(t, cfg.KnownRegion(" New Zealand "))
	assert.False(t, cfg.KnownRegion("Atlantis"))

	assert.True(t, (&Config{}).KnownRegion("Atlantis"))
}

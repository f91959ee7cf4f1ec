package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.True(t, cfg.Engine.Enabled)
	assert.Equal(t, 0.05, cfg.Engine.DefaultSignificanceLevel)
	assert.Equal(t, 0.8, cfg.Engine.DefaultPower)
	assert.Equal(t, 100, cfg.Engine.DefaultMinimumSampleSize)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentTests)
	assert.Equal(t, time.Hour, cfg.Engine.AutoAnalysisInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.MinTestDuration)
	assert.Equal(t, 90, cfg.Engine.RetentionPeriodDays)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FromYAML(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  default_significance_level: 0.01
  max_concurrent_tests: 3
  auto_analysis_interval: 30m
  analysis_batch_size: 50
store:
  type: redis
  redis:
    addr: redis.internal:6380
    key_prefix: "team-x:"
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 0.01, cfg.Engine.DefaultSignificanceLevel)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentTests)
	assert.Equal(t, 30*time.Minute, cfg.Engine.AutoAnalysisInterval)
	assert.Equal(t, 50, cfg.Engine.AnalysisBatchSize)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.internal:6380", cfg.Store.Redis.Addr)
	assert.Equal(t, "team-x:", cfg.Store.Redis.KeyPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未覆盖的字段保持默认
	assert.Equal(t, 0.8, cfg.Engine.DefaultPower)
	assert.Equal(t, "localhost:6379", DefaultStoreSection().Redis.Addr)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentTests)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "engine: [not a map")
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EXPFLOW_ENGINE_MAX_CONCURRENT_TESTS", "7")
	t.Setenv("EXPFLOW_ENGINE_AUTO_ANALYSIS_INTERVAL", "15m")
	t.Setenv("EXPFLOW_ENGINE_ANONYMIZE_DATA", "true")
	t.Setenv("EXPFLOW_STORE_TYPE", "database")
	t.Setenv("EXPFLOW_STORE_DATABASE_DRIVER", "postgres")
	t.Setenv("EXPFLOW_STORE_DATABASE_PASSWORD", "secret")
	t.Setenv("EXPFLOW_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxConcurrentTests)
	assert.Equal(t, 15*time.Minute, cfg.Engine.AutoAnalysisInterval)
	assert.True(t, cfg.Engine.AnonymizeData)
	assert.Equal(t, "database", cfg.Store.Type)
	assert.Equal(t, "postgres", cfg.Store.Database.Driver)
	assert.Equal(t, "secret", cfg.Store.Database.Password)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  max_concurrent_tests: 3
`)
	t.Setenv("EXPFLOW_ENGINE_MAX_CONCURRENT_TESTS", "20")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Engine.MaxConcurrentTests)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_ENGINE_MAX_CONCURRENT_TESTS", "5")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrentTests)
}

func TestLoad_ValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "significance level out of range",
			yaml: "engine:\n  default_significance_level: 1.5\n",
		},
		{
			name: "zero max concurrent",
			yaml: "engine:\n  max_concurrent_tests: -1\n",
		},
		{
			name: "unknown store type",
			yaml: "store:\n  type: cassandra\n",
		},
		{
			name: "bad metrics port",
			yaml: "server:\n  metrics_port: 70000\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.yaml)
			_, err := NewLoader().WithConfigPath(path).Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_CustomValidator(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestConfig_Converters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.MaxConcurrentTests = 4
	cfg.Store.Type = "redis"
	cfg.Store.Redis.KeyPrefix = "conv:"

	engineCfg := cfg.EngineConfig()
	assert.Equal(t, 4, engineCfg.MaxConcurrentTests)
	assert.Equal(t, 0.05, engineCfg.DefaultSignificanceLevel)

	storeCfg := cfg.StoreConfig()
	assert.Equal(t, "redis", string(storeCfg.Type))
	assert.Equal(t, "conv:", storeCfg.Redis.KeyPrefix)
	assert.Equal(t, "sqlite", storeCfg.Database.Driver)
}

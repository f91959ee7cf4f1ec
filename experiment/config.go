package experiment

import "time"

// Config 引擎配置
type Config struct {
	// Enabled gates the whole engine; a disabled engine runs no scheduler.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// DefaultSignificanceLevel is the alpha applied when a test declares none.
	DefaultSignificanceLevel float64 `json:"default_significance_level" yaml:"default_significance_level"`
	// DefaultPower is the statistical power applied when a test declares none.
	DefaultPower float64 `json:"default_power" yaml:"default_power"`
	// DefaultMinimumSampleSize per variant before comparison.
	DefaultMinimumSampleSize int `json:"default_minimum_sample_size" yaml:"default_minimum_sample_size"`
	// MaxConcurrentTests bounds how many tests may run at once.
	MaxConcurrentTests int `json:"max_concurrent_tests" yaml:"max_concurrent_tests"`
	// AutoAnalysisInterval is the scheduler tick; <=0 disables the scheduler.
	AutoAnalysisInterval time.Duration `json:"auto_analysis_interval" yaml:"auto_analysis_interval"`
	// AnalysisBatchSize triggers an async re-analysis every N results per test.
	AnalysisBatchSize int `json:"analysis_batch_size" yaml:"analysis_batch_size"`
	// MinTestDuration is the floor before a no-winner stop is recommended.
	MinTestDuration time.Duration `json:"min_test_duration" yaml:"min_test_duration"`
	// RetentionPeriodDays keeps results of finished tests for this many days.
	RetentionPeriodDays int `json:"retention_period_days" yaml:"retention_period_days"`
	// AnonymizeData one-way hashes user identifiers in audit logs.
	AnonymizeData bool `json:"anonymize_data" yaml:"anonymize_data"`
	// AuditLogging toggles the audit log.
	AuditLogging bool `json:"audit_logging" yaml:"audit_logging"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		DefaultSignificanceLevel: 0.05,
		DefaultPower:             0.8,
		DefaultMinimumSampleSize: 100,
		MaxConcurrentTests:       10,
		AutoAnalysisInterval:     time.Hour,
		AnalysisBatchSize:        100,
		MinTestDuration:          7 * 24 * time.Hour,
		RetentionPeriodDays:      90,
		AnonymizeData:            false,
		AuditLogging:             true,
	}
}

// withDefaults fills unset statistical parameters from the engine defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultSignificanceLevel <= 0 {
		c.DefaultSignificanceLevel = d.DefaultSignificanceLevel
	}
	if c.DefaultPower <= 0 {
		c.DefaultPower = d.DefaultPower
	}
	if c.DefaultMinimumSampleSize <= 0 {
		c.DefaultMinimumSampleSize = d.DefaultMinimumSampleSize
	}
	if c.MaxConcurrentTests <= 0 {
		c.MaxConcurrentTests = d.MaxConcurrentTests
	}
	if c.AnalysisBatchSize <= 0 {
		c.AnalysisBatchSize = d.AnalysisBatchSize
	}
	if c.MinTestDuration <= 0 {
		c.MinTestDuration = d.MinTestDuration
	}
	return c
}

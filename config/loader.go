// =============================================================================
// 📦 expflow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("EXPFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/expflow/experiment"
	"github.com/BaSui01/expflow/experiment/persistence"
)

// Config 是 expflow 的完整配置结构
type Config struct {
	// Engine 实验引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Store 存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Server 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// EngineConfig 实验引擎配置（与 experiment.Config 兼容）
type EngineConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 默认显著性水平 α
	DefaultSignificanceLevel float64 `yaml:"default_significance_level" env:"DEFAULT_SIGNIFICANCE_LEVEL"`
	// 默认统计功效
	DefaultPower float64 `yaml:"default_power" env:"DEFAULT_POWER"`
	// 默认每变体最小样本量
	DefaultMinimumSampleSize int `yaml:"default_minimum_sample_size" env:"DEFAULT_MINIMUM_SAMPLE_SIZE"`
	// 最大并发运行测试数
	MaxConcurrentTests int `yaml:"max_concurrent_tests" env:"MAX_CONCURRENT_TESTS"`
	// 自动分析间隔
	AutoAnalysisInterval time.Duration `yaml:"auto_analysis_interval" env:"AUTO_ANALYSIS_INTERVAL"`
	// 每 N 条结果触发一次异步再分析
	AnalysisBatchSize int `yaml:"analysis_batch_size" env:"ANALYSIS_BATCH_SIZE"`
	// 最短测试时长
	MinTestDuration time.Duration `yaml:"min_test_duration" env:"MIN_TEST_DURATION"`
	// 结果保留天数
	RetentionPeriodDays int `yaml:"retention_period_days" env:"RETENTION_PERIOD_DAYS"`
	// 审计日志中匿名化用户标识
	AnonymizeData bool `yaml:"anonymize_data" env:"ANONYMIZE_DATA"`
	// 是否启用审计日志
	AuditLogging bool `yaml:"audit_logging" env:"AUDIT_LOGGING"`
}

// StoreConfig 存储配置
type StoreConfig struct {
	// 类型: memory, database, redis
	Type string `yaml:"type" env:"TYPE"`
	// 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// Redis 配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, mysql, postgres
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串（sqlite 必填）
	DSN string `yaml:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// EngineConfig converts the loaded section into the engine's own config type.
func (c *Config) EngineConfig() experiment.Config {
	return experiment.Config{
		Enabled:                  c.Engine.Enabled,
		DefaultSignificanceLevel: c.Engine.DefaultSignificanceLevel,
		DefaultPower:             c.Engine.DefaultPower,
		DefaultMinimumSampleSize: c.Engine.DefaultMinimumSampleSize,
		MaxConcurrentTests:       c.Engine.MaxConcurrentTests,
		AutoAnalysisInterval:     c.Engine.AutoAnalysisInterval,
		AnalysisBatchSize:        c.Engine.AnalysisBatchSize,
		MinTestDuration:          c.Engine.MinTestDuration,
		RetentionPeriodDays:      c.Engine.RetentionPeriodDays,
		AnonymizeData:            c.Engine.AnonymizeData,
		AuditLogging:             c.Engine.AuditLogging,
	}
}

// StoreConfig converts the loaded section into the persistence config type.
func (c *Config) StoreConfig() persistence.StoreConfig {
	return persistence.StoreConfig{
		Type: persistence.StoreType(c.Store.Type),
		Database: persistence.DatabaseConfig{
			Driver:          c.Store.Database.Driver,
			DSN:             c.Store.Database.DSN,
			Host:            c.Store.Database.Host,
			Port:            c.Store.Database.Port,
			User:            c.Store.Database.User,
			Password:        c.Store.Database.Password,
			Name:            c.Store.Database.Name,
			SSLMode:         c.Store.Database.SSLMode,
			MaxOpenConns:    c.Store.Database.MaxOpenConns,
			MaxIdleConns:    c.Store.Database.MaxIdleConns,
			ConnMaxLifetime: c.Store.Database.ConnMaxLifetime,
		},
		Redis: persistence.RedisConfig{
			Addr:      c.Store.Redis.Addr,
			Password:  c.Store.Redis.Password,
			DB:        c.Store.Redis.DB,
			PoolSize:  c.Store.Redis.PoolSize,
			KeyPrefix: c.Store.Redis.KeyPrefix,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Engine.DefaultSignificanceLevel <= 0 || c.Engine.DefaultSignificanceLevel >= 1 {
		errs = append(errs, "default_significance_level must be in (0, 1)")
	}
	if c.Engine.DefaultPower <= 0 || c.Engine.DefaultPower >= 1 {
		errs = append(errs, "default_power must be in (0, 1)")
	}
	if c.Engine.DefaultMinimumSampleSize <= 0 {
		errs = append(errs, "default_minimum_sample_size must be positive")
	}
	if c.Engine.MaxConcurrentTests <= 0 {
		errs = append(errs, "max_concurrent_tests must be positive")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	switch c.Store.Type {
	case "memory", "database", "redis", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "EXPFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

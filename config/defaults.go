package config

import "time"

// DefaultConfig 返回带默认值的完整配置
func DefaultConfig() *Config {
	return &Config{
		Engine: DefaultEngineConfig(),
		Store:  DefaultStoreSection(),
		Server: DefaultServerConfig(),
		Log:    DefaultLogConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enabled:                  true,
		DefaultSignificanceLevel: 0.05,
		DefaultPower:             0.8,
		DefaultMinimumSampleSize: 100,
		MaxConcurrentTests:       10,
		AutoAnalysisInterval:     time.Hour,
		AnalysisBatchSize:        100,
		MinTestDuration:          7 * 24 * time.Hour,
		RetentionPeriodDays:      90,
		AnonymizeData:            true,
		AuditLogging:             true,
	}
}

// DefaultStoreSection 返回默认存储配置
func DefaultStoreSection() StoreConfig {
	return StoreConfig{
		Type: "memory",
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:expflow.db?cache=shared",
			Port:            3306,
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "expflow:",
		},
	}
}

// DefaultServerConfig 返回默认服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9090,
		ShutdownTimeout: 10 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}

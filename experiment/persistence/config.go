package persistence

import "time"

// StoreType represents the type of storage backend.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeDatabase StoreType = "database"
	StoreTypeRedis    StoreType = "redis"
)

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	// Type of backend: memory, database, redis.
	Type StoreType `json:"type" yaml:"type"`

	// Database configuration, used when Type is database.
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Redis configuration, used when Type is redis.
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// Driver 驱动类型: sqlite, mysql, postgres
	Driver string `json:"driver" yaml:"driver"`
	// DSN overrides the assembled connection string; required for sqlite.
	DSN string `json:"dsn" yaml:"dsn"`
	// 主机
	Host string `json:"host" yaml:"host"`
	// 端口
	Port int `json:"port" yaml:"port"`
	// 用户名
	User string `json:"user" yaml:"user"`
	// 密码
	Password string `json:"password" yaml:"password"`
	// 数据库名
	Name string `json:"name" yaml:"name"`
	// SSL 模式 (postgres)
	SSLMode string `json:"ssl_mode" yaml:"ssl_mode"`
	// 最大连接数
	MaxOpenConns int `json:"max_open_conns" yaml:"max_open_conns"`
	// 最大空闲连接
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `json:"addr" yaml:"addr"`
	// 密码
	Password string `json:"password" yaml:"password"`
	// 数据库编号
	DB int `json:"db" yaml:"db"`
	// 连接池大小
	PoolSize int `json:"pool_size" yaml:"pool_size"`
	// 键前缀
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default (in-memory) store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:expflow.db",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "expflow:",
		},
	}
}

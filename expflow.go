// Package expflow provides a top-level convenience entry point for creating
// an experiment engine with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/expflow"
//
//	engine, err := expflow.New()
//	engine, err := expflow.New(expflow.WithRedis("localhost:6379"))
//	engine, err := expflow.New(expflow.WithDatabase("postgres", dsn))
//
// This is a thin wrapper around [experiment.NewEngine] plus the persistence
// factory. Use this package when you prefer the shorter import path; the
// experiment package remains the full API surface.
package expflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/expflow/experiment"
	"github.com/BaSui01/expflow/experiment/persistence"
)

// Option configures the engine created by [New].
type Option func(*builder)

type builder struct {
	cfg      experiment.Config
	storeCfg persistence.StoreConfig
	store    experiment.Store
	logger   *zap.Logger
	engOpts  []experiment.Option
}

// New creates an [experiment.Engine]. Without options it runs on defaults
// with an in-memory store.
func New(opts ...Option) (*experiment.Engine, error) {
	b := &builder{
		cfg:      experiment.DefaultConfig(),
		storeCfg: persistence.DefaultStoreConfig(),
	}
	for _, opt := range opts {
		opt(b)
	}

	store := b.store
	if store == nil {
		var err error
		store, err = persistence.NewStore(b.storeCfg)
		if err != nil {
			return nil, err
		}
	}

	return experiment.NewEngine(b.cfg, store, b.logger, b.engOpts...), nil
}

// WithConfig replaces the engine configuration.
func WithConfig(cfg experiment.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithStore sets a pre-built store, bypassing the persistence factory.
func WithStore(store experiment.Store) Option {
	return func(b *builder) { b.store = store }
}

// WithRedis backs the engine with a Redis store at the given address.
func WithRedis(addr string) Option {
	return func(b *builder) {
		b.storeCfg.Type = persistence.StoreTypeRedis
		b.storeCfg.Redis.Addr = addr
	}
}

// WithDatabase backs the engine with a SQL store. Driver is one of sqlite,
// mysql, postgres.
func WithDatabase(driver, dsn string) Option {
	return func(b *builder) {
		b.storeCfg.Type = persistence.StoreTypeDatabase
		b.storeCfg.Database.Driver = driver
		b.storeCfg.Database.DSN = dsn
	}
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *builder) { b.logger = logger }
}

// WithMetrics attaches a metrics recorder to the engine.
func WithMetrics(m experiment.MetricsRecorder) Option {
	return func(b *builder) { b.engOpts = append(b.engOpts, experiment.WithMetrics(m)) }
}

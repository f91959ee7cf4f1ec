package persistence

import (
	"fmt"

	"github.com/BaSui01/expflow/experiment"
)

// NewStore creates a Store based on the configuration.
func NewStore(cfg StoreConfig) (experiment.Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return experiment.NewMemoryStore(), nil
	case StoreTypeDatabase:
		return NewGormStore(cfg.Database)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}

// MustNewStore creates a Store or panics on error.
//
// WARNING: only use during application initialization (main or init). For
// runtime store creation, use NewStore instead.
func MustNewStore(cfg StoreConfig) experiment.Store {
	store, err := NewStore(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to create experiment store: %v", err))
	}
	return store
}

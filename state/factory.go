package state

import (
	"fmt"
	"sync"

	"github.com/BaSui01/agentcell/types"
)

// Factory builds a custom Store from the store configuration.
type Factory func(cfg StoreConfig) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a custom backend factory available under name. Registering
// the same name twice overwrites the previous factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Open constructs the Store selected by cfg.Type. Redis and SQLite backends
// are wrapped in a write-through Cached mirror so reads stay off the slow
// medium once warm; memory and file backends already read from memory.
func Open(cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case types.BackendInMemory, "":
		return NewMemoryStore(), nil
	case types.BackendFile:
		return NewFileStore(cfg.BaseDir)
	case types.BackendRedis:
		backing, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewCached(backing), nil
	case types.BackendSQLite:
		backing, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewCached(backing), nil
	case types.BackendCustom:
		registryMu.RLock()
		factory, ok := registry[cfg.Custom]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unknown custom backend %q", cfg.Custom)
		}
		return factory(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

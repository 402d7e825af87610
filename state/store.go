package state

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BaSui01/agentcell/types"
)

// Common errors
var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the uniform key/value contract every backend satisfies.
//
// All operations are idempotent except Store, which overwrites
// unconditionally (last-write-wins, no versioning). Retrieve reports absence
// through the found flag rather than an error. Delete returns false for an
// absent key and does not error.
type Store interface {
	// Store writes value under key, overwriting any previous value.
	Store(ctx context.Context, key string, value json.RawMessage) error

	// Retrieve reads the value for key. found is false when the key is absent.
	Retrieve(ctx context.Context, key string) (value json.RawMessage, found bool, err error)

	// Delete removes key. It returns false when the key was absent.
	Delete(ctx context.Context, key string) (bool, error)

	// ListKeys returns all keys with the given prefix, sorted ascending.
	// An empty prefix lists every key.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Clear removes all keys.
	Clear(ctx context.Context) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// Namespace returns the durable key prefix owned by one agent. Namespaces
// never overlap, so no cross-agent locking is needed on a shared backend.
func Namespace(id types.AgentID) string {
	return "agent:" + string(id) + ":"
}

// StoreConfig selects and configures a durable backend.
type StoreConfig struct {
	// Type is the storage backend type.
	Type types.BackendType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file-based storage.
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// SQLitePath is the database file for the sqlite backend
	// (":memory:" for an in-memory database).
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"`

	// Redis configuration (only used when Type is "redis").
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Custom names a registered backend factory when Type is "custom".
	Custom string `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// RedisConfig contains Redis-specific configuration.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       types.BackendInMemory,
		BaseDir:    "./data/state",
		SQLitePath: "./data/state/agentcell.db",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "agentcell:",
		},
	}
}

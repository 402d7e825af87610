package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// kvEntry is the GORM model backing the sqlite store.
type kvEntry struct {
	Key       string `gorm:"primaryKey;column:key"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt time.Time
}

// TableName keeps the table name stable regardless of GORM pluralization.
func (kvEntry) TableName() string { return "agent_state" }

// SQLiteStore is a single-file embedded Store using the pure-Go SQLite
// driver. Suitable for single-node deployments that outlive process restarts
// without an external service.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Store upserts value under key.
func (s *SQLiteStore) Store(ctx context.Context, key string, value json.RawMessage) error {
	if key == "" {
		return ErrInvalidInput
	}
	entry := kvEntry{Key: key, Value: []byte(value), UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
}

// Retrieve reads the value for key.
func (s *SQLiteStore) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var entry kvEntry
	err := s.db.WithContext(ctx).First(&entry, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(entry.Value), true, nil
}

// Delete removes key, reporting whether it existed.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	res := s.db.WithContext(ctx).Delete(&kvEntry{}, "key = ?", key)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListKeys returns all keys with the given prefix, sorted ascending.
func (s *SQLiteStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&kvEntry{}).
		Where("key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Order("key asc").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear removes all keys.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&kvEntry{}).Error
}

// Ping checks if the store is healthy.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// escapeLike escapes LIKE wildcards so prefixes containing % or _ match
// literally.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' || s[i] == '_' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// Package db owns the durable store client: gorm models for the two
// collections (conversations, turns) plus the open/migrate helper.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrMissingIndex marks a configuration error: a query the engine depends on
// has no supporting composite index in the store. Surfaced distinctly so it
// is never mistaken for a transient storage failure.
var ErrMissingIndex = errors.New("required composite index is missing")

// requiredIndexes back the two hot queries: turns-by-conversation ordered by
// creation time, and conversations-by-owner ordered by update time.
var requiredIndexes = []string{
	"idx_conversations_owner_updated",
	"idx_turns_conversation_created",
}

// Open opens (creating if needed) the sqlite store at path, migrates the
// schema and verifies the supporting indexes exist.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if err := gdb.AutoMigrate(&Conversation{}, &Turn{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	if err := VerifyIndexes(gdb); err != nil {
		return nil, err
	}

	return gdb, nil
}

// VerifyIndexes checks that every index the engine's queries rely on is
// present. A missing index is a configuration error, not a soft condition.
func VerifyIndexes(gdb *gorm.DB) error {
	for _, name := range requiredIndexes {
		var count int64
		if err := gdb.Raw(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", name,
		).Scan(&count).Error; err != nil {
			return fmt.Errorf("inspect store indexes: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrMissingIndex, name)
		}
	}
	return nil
}

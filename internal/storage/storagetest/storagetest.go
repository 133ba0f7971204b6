// Package storagetest provides a migrated in-memory database for tests.
package storagetest

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tg_shop_bot/internal/storage"
	"tg_shop_bot/internal/storage/migrations"
)

// NewPool opens a private in-memory SQLite database with the full schema
// applied. A single connection backs it, so callers must not use the pool
// handle while a session is open.
func NewPool(t testing.TB) *storage.Pool {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := migrations.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool := storage.NewPool(db, nil)
	t.Cleanup(func() {
		_ = pool.Close()
	})

	return pool
}

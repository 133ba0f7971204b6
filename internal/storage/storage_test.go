package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tg_shop_bot/internal/config"
	"tg_shop_bot/internal/storage/migrations"
)

func TestOpenAppliesPoolBounds(t *testing.T) {
	restore := stubOpen(t)
	t.Cleanup(restore)

	cfg := config.Postgres{Host: "stub", Port: 5432, Database: "shop", User: "shop", Password: "pw", PoolSize: 3, MaxOverflow: 4}

	pool, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("expected pool to open, got %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	sqlDB, err := pool.DB().DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}

	if got := sqlDB.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("expected max open connections 7, got %d", got)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("expected ping to succeed, got %v", err)
	}
}

func TestOpenGivesUpWhenContextCanceled(t *testing.T) {
	restore := stubOpen(t)
	t.Cleanup(restore)

	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, config.Postgres{PoolSize: 1}, logrus.NewEntry(logger))
	if err == nil {
		t.Fatalf("expected error when context is canceled")
	}

	if len(hook.AllEntries()) == 0 || hook.AllEntries()[0].Message != "database not ready" {
		t.Fatalf("expected a not-ready warning, got %v", hook.AllEntries())
	}
}

func TestOpenRequiresContext(t *testing.T) {
	if _, err := Open(nil, config.Postgres{}, nil); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestSessionCommitPersists(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := session.DB().Exec("INSERT INTO users (user_id, full_name) VALUES (?, ?)", 1, "Ann").Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := session.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if got := countUsers(t, pool); got != 1 {
		t.Fatalf("expected committed row, got %d rows", got)
	}
}

func TestSessionRollbackDiscards(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	session, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := session.DB().Exec("INSERT INTO users (user_id, full_name) VALUES (?, ?)", 1, "Ann").Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := session.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if got := countUsers(t, pool); got != 0 {
		t.Fatalf("expected no rows after rollback, got %d", got)
	}
}

func TestSessionClosesExactlyOnce(t *testing.T) {
	pool := newTestPool(t)

	session, err := pool.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if session.Closed() {
		t.Fatalf("new session must be open")
	}

	if err := session.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !session.Closed() {
		t.Fatalf("expected session to report closed")
	}

	if err := session.Commit(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on second commit, got %v", err)
	}
	if err := session.Rollback(); err != nil {
		t.Fatalf("rollback after commit should be a no-op, got %v", err)
	}
}

func TestBeginOnUninitializedPool(t *testing.T) {
	var pool *Pool
	if _, err := pool.Begin(context.Background()); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("closing nil pool should be a no-op, got %v", err)
	}
}

func TestGormLoggerReportsFailuresAndSlowQueries(t *testing.T) {
	logger, hook := test.NewNullLogger()
	gl := newGormLogger(logrus.NewEntry(logger))
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	gl.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("record not found must not be logged at warn level, got %v", hook.AllEntries())
	}

	gl.Trace(ctx, time.Now(), sql, errors.New("boom"))
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.ErrorLevel || last.Message != "query failed" {
		t.Fatalf("expected query failure at error level, got %v", last)
	}
	if last.Data["component"] != "gorm" {
		t.Fatalf("expected component field, got %v", last.Data)
	}

	gl.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	if last := hook.LastEntry(); last.Level != logrus.WarnLevel || last.Message != "slow query" {
		t.Fatalf("expected slow query warning, got %v", last)
	}

	hook.Reset()
	gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, errors.New("boom"))
	if len(hook.AllEntries()) != 0 {
		t.Fatalf("silent mode must not log, got %v", hook.AllEntries())
	}
}

func stubOpen(t *testing.T) func() {
	t.Helper()

	origOpen := openDialector
	origBackOff := pingBackOff

	openDialector = func(string) gorm.Dialector {
		return sqlite.Open(":memory:")
	}
	pingBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}

	return func() {
		openDialector = origOpen
		pingBackOff = origBackOff
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.Run(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool := NewPool(db, nil)
	t.Cleanup(func() { _ = pool.Close() })

	return pool
}

func countUsers(t *testing.T, pool *Pool) int64 {
	t.Helper()

	var count int64
	if err := pool.DB().Table("users").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}

	return count
}

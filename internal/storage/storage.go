// Package storage owns the relational connection pool and hands out one
// transactional session per update.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tg_shop_bot/internal/config"
)

// ErrSessionClosed is returned when a session is committed after it was
// already committed or rolled back.
var ErrSessionClosed = errors.New("session already closed")

const pingTimeout = 5 * time.Second

// openDialector is overridable for tests.
var openDialector = func(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

// pingBackOff bounds the startup connectivity retries; overridable for tests.
var pingBackOff = func() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	return policy
}

// Session is a unit of work bound to a single update. Exactly one of Commit or
// Rollback takes effect; Rollback after close is a no-op so it can be deferred.
type Session interface {
	DB() *gorm.DB
	Commit() error
	Rollback() error
	Closed() bool
}

// Pool wraps the shared gorm handle and its bounded connection pool.
type Pool struct {
	db     *gorm.DB
	logger *logrus.Entry
}

// Open connects to PostgreSQL, applies the pool bounds and waits until the
// database answers a ping.
func Open(ctx context.Context, cfg config.Postgres, logger *logrus.Entry) (*Pool, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	db, err := gorm.Open(openDialector(cfg.DSN()), &gorm.Config{
		Logger:               newGormLogger(logger),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns())
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	pool := NewPool(db, logger)

	attempt := 0
	operation := func() error {
		attempt++
		err := pool.Ping(ctx)
		if err != nil && pool.logger != nil {
			pool.logger.WithError(err).WithField("attempt", attempt).Warn("database not ready")
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(pingBackOff(), ctx)); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// NewPool wraps an already opened gorm handle.
func NewPool(db *gorm.DB, logger *logrus.Entry) *Pool {
	return &Pool{db: db, logger: logger}
}

// DB returns the shared handle for work outside an update.
func (p *Pool) DB() *gorm.DB {
	return p.db
}

// Begin opens a session. It blocks while the pool is exhausted.
func (p *Pool) Begin(ctx context.Context) (Session, error) {
	if p == nil || p.db == nil {
		return nil, errors.New("storage pool is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin session: %w", tx.Error)
	}

	return &txSession{tx: tx}, nil
}

// Ping verifies the database is reachable.
func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errors.New("storage pool is not initialized")
	}

	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return sqlDB.PingContext(pingCtx)
}

// Close releases every pooled connection.
func (p *Pool) Close() error {
	if p == nil || p.db == nil {
		return nil
	}

	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

type txSession struct {
	mu     sync.Mutex
	tx     *gorm.DB
	closed bool
}

func (s *txSession) DB() *gorm.DB {
	return s.tx
}

func (s *txSession) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true

	if err := s.tx.Commit().Error; err != nil {
		return fmt.Errorf("commit session: %w", err)
	}

	return nil
}

func (s *txSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.tx.Rollback().Error; err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}

	return nil
}

func (s *txSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

package db

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Opener creates a fresh, opened connection pool. Injected so tests can swap
// in sqlite and so the Manager never reads process-global state.
type Opener func(ctx context.Context) (*gorm.DB, error)

type Options struct {
	MinConns       int
	MaxConns       int
	ConnectTimeout time.Duration
	OpenTimeout    time.Duration
	MaxIdleTime    time.Duration
	MaxLifetime    time.Duration
}

// PostgresOpener returns an Opener that dials PostgreSQL with bounded pool
// sizing. Opening is verified with a ping under OpenTimeout; a pool that
// cannot be opened in time is a fatal error for the caller.
func PostgresOpener(dsn string, opts Options) Opener {
	if opts.MinConns <= 0 {
		opts.MinConns = 1
	}
	if opts.MaxConns < opts.MinConns {
		opts.MaxConns = opts.MinConns
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 60 * time.Second
	}
	if opts.MaxIdleTime <= 0 {
		opts.MaxIdleTime = 5 * time.Minute
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = 30 * time.Minute
	}
	dsn = withConnectTimeout(dsn, opts.ConnectTimeout)

	return func(ctx context.Context) (*gorm.DB, error) {
		gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}

		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(opts.MaxConns)
		sqlDB.SetMaxIdleConns(opts.MinConns)
		sqlDB.SetConnMaxLifetime(opts.MaxLifetime)
		sqlDB.SetConnMaxIdleTime(opts.MaxIdleTime)

		octx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
		defer cancel()
		if err := sqlDB.PingContext(octx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("open pool: %w", err)
		}
		return gdb, nil
	}
}

func withConnectTimeout(dsn string, d time.Duration) string {
	if d <= 0 || strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "connect_timeout=" + url.QueryEscape(fmt.Sprintf("%d", int(d.Seconds())))
}

// Manager owns the single live connection pool. All check-then-create steps
// run under one mutex so concurrent callers never race a second creation.
type Manager struct {
	open Opener

	mu sync.Mutex
	db *gorm.DB

	healthTimeout time.Duration
}

func NewManager(open Opener) *Manager {
	return &Manager{open: open, healthTimeout: 5 * time.Second}
}

// Healthy returns the current pool if it passes a round-trip probe, otherwise
// closes it best-effort and creates a replacement. Creation failures are not
// retried here; callers own retry policy.
func (m *Manager) Healthy(ctx context.Context) (*gorm.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil && m.probe(ctx, m.db) {
		return m.db, nil
	}

	if m.db != nil {
		log.Printf("[db] pool unhealthy, closing and recreating")
		closePool(m.db)
		m.db = nil
	}

	fresh, err := m.open(ctx)
	if err != nil {
		return nil, err
	}
	m.db = fresh
	return m.db, nil
}

// Invalidate discards the current pool so the next Healthy call recreates it.
// Used by the resilient store after ssl/connection failures.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		closePool(m.db)
		m.db = nil
	}
}

func (m *Manager) Close() {
	m.Invalidate()
}

func (m *Manager) probe(ctx context.Context, gdb *gorm.DB) bool {
	sqlDB, err := gdb.DB()
	if err != nil {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()
	if err := sqlDB.PingContext(hctx); err != nil {
		log.Printf("[db] pool health check failed: %v", err)
		return false
	}
	if err := gdb.WithContext(hctx).Exec("SELECT 1").Error; err != nil {
		log.Printf("[db] pool health query failed: %v", err)
		return false
	}
	return true
}

func closePool(gdb *gorm.DB) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Printf("[db] error closing old pool: %v", err)
	}
}

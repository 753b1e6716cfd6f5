// Package db provides the SQLite-backed persistence layer: conversations,
// messages, the analysis queue, learnings, workflow signatures, and
// suggestions. All access goes through GORM with the pure-Go sqlite driver
// so the binary stays CGO-free.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds database connection settings.
type Config struct {
	// Path is the SQLite database file location.
	Path string
	// MaxConns caps the connection pool. SQLite in WAL mode supports one
	// writer and many readers, so this bounds concurrent readers.
	MaxConns int
	// LogLevel controls GORM query logging.
	LogLevel logger.LogLevel
}

// Store wraps the GORM handle and owns schema migration.
type Store struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config Config
}

// NewStore opens (and migrates) the database at cfg.Path.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	dsn := cfg.Path + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}, "&")

	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(cfg.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetMaxIdleConns(cfg.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:     gormDB,
		sqlDB:  sqlDB,
		config: cfg,
	}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	log.Debug().Str("path", cfg.Path).Int("max_conns", cfg.MaxConns).Msg("database opened")
	return store, nil
}

// DB exposes the GORM handle for store composition.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Stats returns pool statistics for the health endpoint.
func (s *Store) Stats() sql.DBStats {
	return s.sqlDB.Stats()
}

// Optimize runs ANALYZE and a WAL checkpoint. Called by the retention job
// after large deletes.
func (s *Store) Optimize(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("ANALYZE").Error; err != nil {
		return fmt.Errorf("analyze failed: %w", err)
	}
	if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	return nil
}

// HealthInfo summarizes database health for /health.
type HealthInfo struct {
	Status    string `json:"status"`
	Latency   string `json:"latency"`
	OpenConns int    `json:"open_conns"`
	InUse     int    `json:"in_use"`
}

// HealthCheck pings the database and reports pool usage.
func (s *Store) HealthCheck(ctx context.Context) HealthInfo {
	start := time.Now()
	info := HealthInfo{Status: "healthy"}
	if err := s.Ping(ctx); err != nil {
		info.Status = "unhealthy"
	}
	info.Latency = time.Since(start).Round(time.Microsecond).String()
	stats := s.Stats()
	info.OpenConns = stats.OpenConnections
	info.InUse = stats.InUse
	return info
}

// WithTimeout runs fn with a derived deadline.
func (s *Store) WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(tctx)
}

// Transaction runs fn inside a single write transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. The driver does not expose a typed error for this.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

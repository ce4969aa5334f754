// Package store is the persistence layer. All state lives in Postgres;
// every multi-step mutation that must be atomic runs inside one
// transaction here, so the services above never see partial writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/corsarvpn/corsard/internal/log"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle. One instance is shared by the whole
// process.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger

	enumMu     sync.Mutex
	enumSynced bool
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle. Used by tests with a mock driver.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, logger: log.WithComponent("store")}
}

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Init applies the schema, extends the notification type enum and seeds
// the singleton settings row. Safe to run on every start.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	if err := s.EnsureNotificationTypes(ctx); err != nil {
		return err
	}
	if err := s.seedTextSettings(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("event", "store.init").Msg("schema ready")
	return nil
}

// EnsureNotificationTypes adds any missing enum values. ALTER TYPE ... ADD
// VALUE cannot run inside a transaction and is not concurrency safe, so the
// calls are serialized and performed at most once per process.
func (s *Store) EnsureNotificationTypes(ctx context.Context) error {
	s.enumMu.Lock()
	defer s.enumMu.Unlock()
	if s.enumSynced {
		return nil
	}
	for _, t := range AllNotificationTypes {
		q := fmt.Sprintf("ALTER TYPE notificationtype ADD VALUE IF NOT EXISTS '%s'", t)
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("store: extend notificationtype with %q: %w", t, err)
		}
	}
	s.enumSynced = true
	return nil
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error().Err(rbErr).Str("event", "store.rollback_failed").Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

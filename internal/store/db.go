// Package store provides SQLite-backed shared state for research sessions:
// session and agent lifecycle, the thought graph, the fact ledger, the
// entity graph and citations.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	"go.uber.org/zap"

	"github.com/kittclouds/researchstate/internal/metrics"
	"github.com/kittclouds/researchstate/pkg/novelty"
)

// MemoryPath opens a private in-memory database. Every connection to
// ":memory:" is a separate database, so the pool is pinned to one
// connection and Worker hands out the shared handle.
const MemoryPath = ":memory:"

// Options configures Open.
type Options struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	// MaxRetries bounds retries of a transaction that hit SQLITE_BUSY.
	MaxRetries int
	Logger     *zap.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
	// StopWords are ignored by entropy scoring on top of the English list.
	StopWords []string
}

func (o *Options) setDefaults() {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 16
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// DB owns the connection pool. It is safe for concurrent use; individual
// workers should take their own connection with Worker.
type DB struct {
	sql    *sql.DB
	opts   Options
	log    *zap.Logger
	memory bool

	// keywords is read-only after Open and shared by all stores.
	keywords *novelty.Tokenizer
}

// Open opens (creating if needed) the database at opts.Path in WAL mode
// with foreign keys enforced, and migrates the schema to the latest version.
func Open(ctx context.Context, opts Options) (*DB, error) {
	opts.setDefaults()
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidArgument)
	}

	memory := opts.Path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(opts.Path, opts.BusyTimeout, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}

	keywords := novelty.NewTokenizer()
	for _, w := range opts.StopWords {
		keywords.AddStopWord(w)
	}

	d := &DB{sql: db, opts: opts, log: opts.Logger, memory: memory, keywords: keywords}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	d.log.Info("store opened",
		zap.String("path", opts.Path),
		zap.Int("max_open_conns", opts.MaxOpenConns),
		zap.Duration("busy_timeout", opts.BusyTimeout))
	return d, nil
}

// dsn builds the driver DSN. Write transactions begin IMMEDIATE so a writer
// takes the lock up front instead of failing on upgrade.
func dsn(path string, busy time.Duration, memory bool) string {
	pragmas := fmt.Sprintf("_txlock=immediate&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", busy.Milliseconds())
	if memory {
		return "file::memory:?" + pragmas
	}
	return "file:" + filepath.ToSlash(path) + "?" + pragmas +
		"&_pragma=journal_mode(wal)&_pragma=synchronous(normal)"
}

// Close closes the pool. Outstanding worker stores must be released first.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// EngineInfo describes the embedded SQLite build.
type EngineInfo struct {
	SQLite string `json:"sqlite"`
	Vec    string `json:"vec"`
}

// Engine reports the SQLite and sqlite-vec versions compiled into the
// driver.
func (d *DB) Engine(ctx context.Context) (EngineInfo, error) {
	var info EngineInfo
	err := d.sql.QueryRowContext(ctx, `SELECT sqlite_version(), vec_version()`).Scan(&info.SQLite, &info.Vec)
	if err != nil {
		return info, fmt.Errorf("engine info: %w", err)
	}
	return info, nil
}

// Store returns a handle that draws connections from the shared pool.
// Suitable for short request-scoped use such as HTTP handlers.
func (d *DB) Store() *Store {
	return &Store{db: d, conn: d.sql}
}

// Worker checks out a dedicated connection for one worker goroutine. The
// returned Store must not be shared between goroutines and must be released
// with Release.
func (d *DB) Worker(ctx context.Context) (*Store, error) {
	if d.memory {
		return d.Store(), nil
	}
	c, err := d.sql.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire worker connection: %w", err)
	}
	metrics.WorkerConnections.Inc()
	return &Store{db: d, conn: c, owned: c}, nil
}

// Now reads the clock the store stamps rows with.
func (d *DB) Now() time.Time {
	return d.opts.Now()
}

func (d *DB) now() int64 {
	return d.opts.Now().UnixMilli()
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn is a querier that can start transactions: *sql.DB or *sql.Conn.
type conn interface {
	querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store exposes the research state operations over one connection source.
type Store struct {
	db    *DB
	conn  conn
	owned *sql.Conn
}

// Release returns a worker's dedicated connection to the pool. It is a
// no-op for pool-backed stores.
func (s *Store) Release() error {
	if s.owned == nil {
		return nil
	}
	c := s.owned
	s.owned = nil
	metrics.WorkerConnections.Dec()
	return c.Close()
}

// withTx runs fn in a transaction, rolling back on any error and retrying
// the whole transaction when SQLite reports the database busy. fn may run
// more than once, so it must only assign (never accumulate into) captured
// results.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	attempt := 0
	err := retryOnBusy(ctx, s.db.opts.MaxRetries, func() error {
		if attempt > 0 {
			metrics.BusyRetries.WithLabelValues(op).Inc()
		}
		attempt++

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%s: begin: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.db.log.Warn("rollback failed", zap.String("op", op), zap.Error(rbErr))
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		return nil
	})

	result := "ok"
	if err != nil {
		result = "error"
		if attempt > 1 {
			s.db.log.Debug("transaction failed after retries",
				zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
		}
	}
	metrics.TxDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	return err
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		// Exponential backoff capped at maxDelay, with ±25% jitter.
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

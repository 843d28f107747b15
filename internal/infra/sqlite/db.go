// Package sqlite is the single-writer embedded store behind the credit
// ledger. Concurrency safety comes from transaction-type discipline, not
// application locks: every money-moving operation runs inside an IMMEDIATE
// transaction (the write lock is taken up front, so contention surfaces at
// BEGIN rather than mid-transaction), reads use ordinary transactions, and
// batch operations are capped at 50 rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/observability"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// storageTimeFormat is the internal timestamp convention: lexicographically
	// sortable, no sub-second or timezone suffix, identical to what SQLite's
	// datetime('now') emits. API boundaries convert to RFC 3339; the two
	// formats must never meet in a single comparison.
	storageTimeFormat = "2006-01-02 15:04:05"

	// busyTimeoutMS is the driver-level wait before SQLITE_BUSY surfaces.
	// Application-level retry below is the second line of defense.
	busyTimeoutMS = 5000

	// maxBusyRetries bounds the application-level retry loop.
	maxBusyRetries = 3

	// busyBaseDelay is the first backoff step (then 2×, 4×, ±25% jitter).
	busyBaseDelay = 50 * time.Millisecond

	// BatchLimit caps rows touched per batch transaction, bounding how long
	// the write lock is held.
	BatchLimit = 50
)

// ─── DB ─────────────────────────────────────────────────────────────────────

// DB wraps two handles over the same SQLite file: a single-connection writer
// that begins every transaction in IMMEDIATE mode, and a read pool. The
// handle is explicitly owned — opened at startup, passed by reference into
// every service, closed at shutdown. No ambient global.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the billing database at path and applies
// all migrations.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, busyTimeoutMS)

	writer, err := sql.Open("sqlite", base+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	// One connection: SQLite has one write lock; queueing in the pool beats
	// queueing on SQLITE_BUSY.
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", base)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	if err := writer.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := &DB{
		writer: writer,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close releases both handles.
func (db *DB) Close() error {
	rerr := db.reader.Close()
	werr := db.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// SetClock overrides the time source. Tests pin this to fixed instants.
func (db *DB) SetClock(now func() time.Time) { db.now = now }

// migrate applies the schema. Each statement runs alone — SQLite executes
// one at a time.
func (db *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := db.writer.Exec(stmt); err != nil {
			return fmt.Errorf("migration %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		s = s[:i]
	}
	if len(s) > 60 {
		s = s[:60]
	}
	return s
}

// ─── Transaction Discipline ─────────────────────────────────────────────────

// withImmediate runs fn inside a write-locking transaction. On SQLITE_BUSY it
// retries with exponential backoff (50, 100, 200 ms) plus ±25% jitter, at
// most maxBusyRetries attempts, then surfaces domain.ErrBusy — no silent
// infinite retry.
func (db *DB) withImmediate(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		if attempt > 0 {
			observability.WriteRetries.Inc()
			delay := busyBaseDelay << (attempt - 1)
			// rand.N is safe for concurrent use; retries from concurrent
			// writers are exactly where this runs.
			delay += rand.N(delay/2) - delay/4
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := db.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		db.logger.Warn("write transaction busy, retrying",
			"attempt", attempt+1, "err", err)
	}
	db.logger.Error("write transaction exhausted busy retries", "err", lastErr)
	return fmt.Errorf("%w: %v", domain.ErrBusy, lastErr)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isBusy reports whether the error is SQLite lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// ─── Timestamp Helpers ──────────────────────────────────────────────────────

// formatTime renders a time in the internal storage convention (UTC).
func formatTime(t time.Time) string {
	return t.UTC().Format(storageTimeFormat)
}

// parseTime reads a storage-format timestamp back. Zero on empty.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(storageTimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

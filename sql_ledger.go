package relq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

const (
	sqlSweepEvery = 256
	sqlSweepBatch = 1024
)

// SQLLedger is a Claimer stored in a SQL table. The statements use the SQLite
// dialect (`?` placeholders, ON CONFLICT upserts); the daemon opens it with
// github.com/mattn/go-sqlite3.
type SQLLedger struct {
	db    *sql.DB
	table string
	now   func() time.Time

	writes atomic.Int64
}

// NewSQLLedger creates the ledger table if needed. An empty table name
// defaults to relq_ledger.
func NewSQLLedger(ctx context.Context, db *sql.DB, table string) (*SQLLedger, error) {
	if table == "" {
		table = "relq_ledger"
	}
	l := &SQLLedger{db: db, table: table, now: time.Now}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("relq: ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS `+l.table+` (
		id TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_`+l.table+`_expires ON `+l.table+`(expires_at);
	`)
	return err
}

func (l *SQLLedger) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return l.now().Add(ttl).UnixMilli()
}

func (l *SQLLedger) live(expiresAt int64) bool {
	return expiresAt == 0 || l.now().UnixMilli() < expiresAt
}

func (l *SQLLedger) lookup(ctx context.Context, id string) (string, bool, error) {
	var value string
	var exp int64
	err := l.db.QueryRowContext(ctx, `SELECT value, expires_at FROM `+l.table+` WHERE id = ?`, id).Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, l.live(exp), nil
}

// IsComplete reports whether id has an unexpired completion entry.
func (l *SQLLedger) IsComplete(ctx context.Context, id string) (bool, error) {
	v, live, err := l.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return live && v == ledgerDone, nil
}

// MarkComplete records id as done for ttl. Every sqlSweepEvery writes it
// also deletes up to sqlSweepBatch expired entries.
func (l *SQLLedger) MarkComplete(ctx context.Context, id string, ttl time.Duration) error {
	_, err := l.db.ExecContext(ctx, `
	INSERT INTO `+l.table+` (id, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		id, ledgerDone, l.expiresAt(ttl))
	if err != nil {
		return err
	}
	if l.writes.Add(1)%sqlSweepEvery == 0 {
		// a failed sweep is retried on the next round
		_, _ = l.sweep(ctx, sqlSweepBatch)
	}
	return nil
}

// Claim implements Claimer. The upsert only overwrites an expired entry or
// the caller's own claim, so concurrent claimers cannot both win.
func (l *SQLLedger) Claim(ctx context.Context, id, token string, lease time.Duration) (ClaimResult, error) {
	want := claimValue(token)
	res, err := l.db.ExecContext(ctx, `
	INSERT INTO `+l.table+` (id, value, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	WHERE (`+l.table+`.expires_at != 0 AND `+l.table+`.expires_at <= ?) OR `+l.table+`.value = excluded.value`,
		id, want, l.expiresAt(lease), l.now().UnixMilli())
	if err != nil {
		return ClaimAcquired, err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return ClaimAcquired, nil
	}

	v, live, err := l.lookup(ctx, id)
	if err != nil {
		return ClaimAcquired, err
	}
	switch {
	case !live:
		// expired between the upsert and the lookup
		return l.Claim(ctx, id, token, lease)
	case v == ledgerDone:
		return ClaimCompleted, nil
	case isClaimValue(v) && v != want:
		return ClaimHeld, nil
	default:
		return ClaimAcquired, nil
	}
}

// Release implements Claimer.
func (l *SQLLedger) Release(ctx context.Context, id, token string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM `+l.table+` WHERE id = ? AND value = ?`, id, claimValue(token))
	return err
}

// Sweep deletes expired entries and returns how many were removed.
func (l *SQLLedger) Sweep(ctx context.Context) (int64, error) {
	return l.sweep(ctx, -1)
}

// sweep deletes at most limit expired entries; a negative limit is unbounded.
func (l *SQLLedger) sweep(ctx context.Context, limit int) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
	DELETE FROM `+l.table+` WHERE id IN (
		SELECT id FROM `+l.table+` WHERE expires_at != 0 AND expires_at <= ? LIMIT ?
	)`, l.now().UnixMilli(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Package store persists the engine's durable state in SQLite: the
// append-only event streams, the optimistic-versioned snapshots, the
// idempotency markers, and the UPI history audit log.
//
// Two primitives carry the concurrency model:
//
//  1. events has PRIMARY KEY (position_key, event_ver); appending an
//     existing version is detected via INSERT OR IGNORE + RowsAffected and
//     surfaces as ErrConflict.
//  2. snapshot updates are compare-and-swap: UPDATE ... WHERE last_ver =
//     expected. Zero rows affected is the same ErrConflict.
//
// All writes of one hotpath or coldpath step (events, snapshots,
// idempotency) run in a single transaction; UPI history deliberately uses
// its own transactional boundary (see the upi package).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Sentinel errors. ErrConflict means an optimistic fence fired (event
// version collision or snapshot CAS failure) and the caller should refetch
// and retry.
var (
	ErrConflict = errors.New("store: optimistic concurrency conflict")
	ErrNotFound = errors.New("store: not found")
)

// DefaultPartitions is the fixed partition fan-out for events and
// snapshots. Partitioning is by hash of the position key and is independent
// of business logic.
const DefaultPartitions = 16

// DB wraps the SQLite database holding all four stores.
type DB struct {
	sql        *sql.DB
	partitions int
	logger     *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
// partitions fixes the partition fan-out; 0 means DefaultPartitions.
func Open(path string, partitions int, logger *slog.Logger) (*DB, error) {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	d := &DB{sql: sqlDB, partitions: partitions, logger: logger.With("component", "store")}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	d.logger.Info("store opened", "path", path, "partitions", partitions)
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Partitions returns the configured partition fan-out.
func (d *DB) Partitions() int { return d.partitions }

func (d *DB) migrate() error {
	version := 0
	d.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := d.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS events (
				position_key   TEXT    NOT NULL,
				event_ver      INTEGER NOT NULL,
				event_type     TEXT    NOT NULL,
				effective_date TEXT    NOT NULL,
				occurred_at    INTEGER NOT NULL,
				payload        TEXT    NOT NULL,
				meta_lots      TEXT    NOT NULL,
				correlation_id TEXT    NOT NULL DEFAULT '',
				causation_id   TEXT    NOT NULL DEFAULT '',
				partition      INTEGER NOT NULL,
				archived       INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (position_key, event_ver)
			);
			CREATE INDEX IF NOT EXISTS idx_events_canonical
				ON events(position_key, effective_date, occurred_at, event_ver);
			CREATE INDEX IF NOT EXISTS idx_events_partition ON events(partition);

			CREATE TABLE IF NOT EXISTS snapshots (
				position_key          TEXT PRIMARY KEY,
				last_ver              INTEGER NOT NULL,
				lots                  TEXT    NOT NULL,
				status                TEXT    NOT NULL,
				recon_status          TEXT    NOT NULL,
				upi                   TEXT    NOT NULL DEFAULT '',
				account               TEXT    NOT NULL DEFAULT '',
				instrument            TEXT    NOT NULL DEFAULT '',
				currency              TEXT    NOT NULL DEFAULT '',
				contract_id           TEXT    NOT NULL DEFAULT '',
				latest_effective_date TEXT    NOT NULL DEFAULT '',
				last_updated_at       INTEGER NOT NULL,
				partition             INTEGER NOT NULL,
				archived              INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_snapshots_upi ON snapshots(upi);
			CREATE INDEX IF NOT EXISTS idx_snapshots_account ON snapshots(account, instrument);
			CREATE INDEX IF NOT EXISTS idx_snapshots_contract ON snapshots(contract_id);
			CREATE INDEX IF NOT EXISTS idx_snapshots_partition ON snapshots(partition);

			CREATE TABLE IF NOT EXISTS idempotency (
				trade_id      TEXT PRIMARY KEY,
				position_key  TEXT    NOT NULL DEFAULT '',
				status        TEXT    NOT NULL,
				event_version INTEGER NOT NULL DEFAULT 0,
				processed_at  INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS upi_history (
				position_key    TEXT NOT NULL,
				upi             TEXT NOT NULL,
				previous_upi    TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL,
				previous_status TEXT NOT NULL DEFAULT '',
				change_type     TEXT NOT NULL,
				triggering_trade_id TEXT NOT NULL DEFAULT '',
				backdated_trade_id  TEXT NOT NULL DEFAULT '',
				occurred_at     INTEGER NOT NULL,
				effective_date  TEXT NOT NULL DEFAULT '',
				reason          TEXT NOT NULL DEFAULT '',
				merged_from_key TEXT NOT NULL DEFAULT '',
				UNIQUE (position_key, upi, occurred_at, change_type)
			);
			CREATE INDEX IF NOT EXISTS idx_upi_history_key ON upi_history(position_key, occurred_at);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		d.logger.Info("applied migration v1")
	}

	return nil
}

// ArchivePartition flips the archival flag on every event and snapshot in
// one partition, moving it out of hot storage. Rows are never deleted.
func (d *DB) ArchivePartition(ctx context.Context, partition int) (int64, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE events SET archived = 1 WHERE partition = ?`, partition)
	if err != nil {
		return 0, fmt.Errorf("archive events: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `UPDATE snapshots SET archived = 1 WHERE partition = ?`, partition)
	if err != nil {
		return 0, fmt.Errorf("archive snapshots: %w", err)
	}
	m, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n + m, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"swapledger/pkg/types"
)

// GetIdempotency fetches the idempotency record for a trade id. Returns
// (nil, nil) when the trade has never been recorded. The durable store is
// the source of truth; the redis tier in internal/cache is only a fast
// positive lookup in front of this.
func (d *DB) GetIdempotency(ctx context.Context, tradeID string) (*types.IdempotencyRecord, error) {
	var (
		rec         types.IdempotencyRecord
		status      string
		processedAt int64
	)
	err := d.sql.QueryRowContext(ctx, `
		SELECT trade_id, position_key, status, event_version, processed_at
		  FROM idempotency WHERE trade_id = ?
	`, tradeID).Scan(&rec.TradeID, &rec.PositionKey, &status, &rec.EventVersion, &processedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = types.IdempotencyStatus(status)
	rec.ProcessedAt = time.Unix(0, processedAt).UTC()
	return &rec, nil
}

// insertIdempotencyTx records a PROCESSED marker inside the commit
// transaction. A prior FAILED mark is upgraded in place so the trade can be
// replayed after manual intervention; an existing PROCESSED row surfaces as
// ErrConflict so the retry loop re-reads and returns the winner's result.
func (d *DB) insertIdempotencyTx(ctx context.Context, tx *sql.Tx, rec types.IdempotencyRecord) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency (trade_id, position_key, status, event_version, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			position_key = excluded.position_key,
			status = excluded.status,
			event_version = excluded.event_version,
			processed_at = excluded.processed_at
		WHERE idempotency.status != excluded.status
	`, rec.TradeID, rec.PositionKey, string(rec.Status), rec.EventVersion, rec.ProcessedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert idempotency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("trade %s already recorded: %w", rec.TradeID, ErrConflict)
	}
	return nil
}

// MarkFailed records a FAILED marker outside any commit, so a later manual
// retry is permitted. It never overwrites a PROCESSED record, and
// re-marking an already-FAILED trade refreshes the timestamp.
func (d *DB) MarkFailed(ctx context.Context, tradeID, positionKey string) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO idempotency (trade_id, position_key, status, event_version, processed_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(trade_id) DO UPDATE SET
			status = excluded.status,
			processed_at = excluded.processed_at
		WHERE idempotency.status != ?
	`, tradeID, positionKey, string(types.IdemFailed), time.Now().UnixNano(), string(types.IdemProcessed))
	return err
}

package store

import (
	"context"
	"time"

	"swapledger/pkg/types"
)

// WriteHistory records one UPI lifecycle transition. It runs in its own
// implicit transaction, outside the main commit, and is idempotent on
// (position_key, upi, occurred_at, change_type) so retries are harmless.
func (d *DB) WriteHistory(ctx context.Context, e types.UPIHistoryEntry) error {
	_, err := d.sql.ExecContext(ctx, `
		INSERT OR IGNORE INTO upi_history (
			position_key, upi, previous_upi, status, previous_status, change_type,
			triggering_trade_id, backdated_trade_id, occurred_at, effective_date,
			reason, merged_from_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.PositionKey, e.UPI, e.PreviousUPI, string(e.Status), string(e.PreviousStatus),
		string(e.ChangeType), e.TriggeringTradeID, e.BackdatedTradeID,
		e.OccurredAt.UnixNano(), e.EffectiveDate.String(), e.Reason, e.MergedFromPositionKey,
	)
	return err
}

// ListHistory returns a position's UPI transitions in occurrence order.
func (d *DB) ListHistory(ctx context.Context, positionKey string) ([]types.UPIHistoryEntry, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT position_key, upi, previous_upi, status, previous_status, change_type,
		       triggering_trade_id, backdated_trade_id, occurred_at, effective_date,
		       reason, merged_from_key
		  FROM upi_history
		 WHERE position_key = ?
		 ORDER BY occurred_at ASC, change_type ASC
	`, positionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.UPIHistoryEntry
	for rows.Next() {
		var (
			e          types.UPIHistoryEntry
			status     string
			prevStatus string
			changeType string
			occurredAt int64
			effDate    string
		)
		if err := rows.Scan(
			&e.PositionKey, &e.UPI, &e.PreviousUPI, &status, &prevStatus, &changeType,
			&e.TriggeringTradeID, &e.BackdatedTradeID, &occurredAt, &effDate,
			&e.Reason, &e.MergedFromPositionKey,
		); err != nil {
			return nil, err
		}
		e.Status = types.PositionStatus(status)
		e.PreviousStatus = types.PositionStatus(prevStatus)
		e.ChangeType = types.UPIChangeType(changeType)
		e.OccurredAt = time.Unix(0, occurredAt).UTC()
		if effDate != "" {
			if date, err := types.ParseDate(effDate); err == nil {
				e.EffectiveDate = date
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

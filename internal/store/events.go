package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"swapledger/internal/poskey"
	"swapledger/pkg/types"
)

// canonicalOrder is the read order for event streams: effective date first,
// then occurrence instant, then version as the final deterministic
// tiebreaker. Coldpath corrections carry occurredAt = start of their
// effective day, so they sort before same-day hotpath events.
const canonicalOrder = "ORDER BY effective_date ASC, occurred_at ASC, event_ver ASC"

// appendEventTx inserts one event inside an open transaction. The
// (position_key, event_ver) primary key is the optimistic fence: a
// collision comes back as ErrConflict.
func (d *DB) appendEventTx(ctx context.Context, tx *sql.Tx, ev types.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := json.Marshal(ev.MetaLots)
	if err != nil {
		return fmt.Errorf("marshal meta lots: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (
			position_key, event_ver, event_type, effective_date, occurred_at,
			payload, meta_lots, correlation_id, causation_id, partition, archived
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.PositionKey, ev.EventVer, string(ev.EventType), ev.EffectiveDate.String(),
		ev.OccurredAt.UnixNano(), string(payload), string(meta),
		ev.CorrelationID, ev.CausationID,
		poskey.Partition(ev.PositionKey, d.partitions), boolToInt(ev.ArchivalFlag),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("append event v%d for %s: %w", ev.EventVer, ev.PositionKey, ErrConflict)
	}
	return nil
}

// ListEvents returns the full event stream for a position in canonical
// order.
func (d *DB) ListEvents(ctx context.Context, positionKey string) ([]types.Event, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT position_key, event_ver, event_type, effective_date, occurred_at,
		       payload, meta_lots, correlation_id, causation_id, archived
		  FROM events
		 WHERE position_key = ?
		 `+canonicalOrder,
		positionKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestVersion returns the highest committed event version for a key, or
// 0 when the stream is empty.
func (d *DB) LatestVersion(ctx context.Context, positionKey string) (int64, error) {
	var ver sql.NullInt64
	err := d.sql.QueryRowContext(ctx,
		`SELECT MAX(event_ver) FROM events WHERE position_key = ?`, positionKey,
	).Scan(&ver)
	if err != nil {
		return 0, err
	}
	return ver.Int64, nil
}

// FindEventByTradeID looks up the committed event carrying a trade id, if
// any. Backs the trade lookup endpoint.
func (d *DB) FindEventByTradeID(ctx context.Context, tradeID string) (*types.Event, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT position_key, event_ver, event_type, effective_date, occurred_at,
		       payload, meta_lots, correlation_id, causation_id, archived
		  FROM events
		 WHERE json_extract(payload, '$.tradeId') = ?
		 LIMIT 1
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanEvent(rows *sql.Rows) (types.Event, error) {
	var (
		ev          types.Event
		eventType   string
		effDate     string
		occurredAt  int64
		payloadJSON string
		metaJSON    string
		archived    int
	)
	if err := rows.Scan(
		&ev.PositionKey, &ev.EventVer, &eventType, &effDate, &occurredAt,
		&payloadJSON, &metaJSON, &ev.CorrelationID, &ev.CausationID, &archived,
	); err != nil {
		return types.Event{}, err
	}
	ev.EventType = types.EventType(eventType)
	date, err := types.ParseDate(effDate)
	if err != nil {
		return types.Event{}, fmt.Errorf("event %s v%d: %w", ev.PositionKey, ev.EventVer, err)
	}
	ev.EffectiveDate = date
	ev.OccurredAt = time.Unix(0, occurredAt).UTC()
	ev.ArchivalFlag = archived != 0
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return types.Event{}, fmt.Errorf("event %s v%d payload: %w", ev.PositionKey, ev.EventVer, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &ev.MetaLots); err != nil {
		return types.Event{}, fmt.Errorf("event %s v%d meta: %w", ev.PositionKey, ev.EventVer, err)
	}
	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

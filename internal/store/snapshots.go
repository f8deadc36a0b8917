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

// GetSnapshot fetches the snapshot for a position key. Returns (nil, nil)
// when the position does not exist.
func (d *DB) GetSnapshot(ctx context.Context, positionKey string) (*types.Snapshot, error) {
	row := d.sql.QueryRowContext(ctx, snapshotSelect+` WHERE position_key = ?`, positionKey)
	return scanSnapshot(row)
}

// GetSnapshotByUPI fetches the most recently updated snapshot carrying a
// UPI. Returns (nil, nil) when no position carries it.
func (d *DB) GetSnapshotByUPI(ctx context.Context, upi string) (*types.Snapshot, error) {
	row := d.sql.QueryRowContext(ctx,
		snapshotSelect+` WHERE upi = ? ORDER BY last_updated_at DESC LIMIT 1`, upi)
	return scanSnapshot(row)
}

// ActiveSnapshotByUPI fetches an ACTIVE snapshot carrying a UPI on a key
// other than excludeKey. Coldpath merge detection uses this to spot a UPI
// concurrently live on two keys.
func (d *DB) ActiveSnapshotByUPI(ctx context.Context, upi, excludeKey string) (*types.Snapshot, error) {
	row := d.sql.QueryRowContext(ctx,
		snapshotSelect+` WHERE upi = ? AND status = ? AND position_key != ? LIMIT 1`,
		upi, string(types.StatusActive), excludeKey)
	return scanSnapshot(row)
}

// SnapshotFilter narrows ListSnapshots. Zero-valued fields are ignored.
type SnapshotFilter struct {
	Account    string
	Instrument string
	ContractID string
	Limit      int
	Offset     int
}

// ListSnapshots pages through snapshots by account, instrument or
// contract.
func (d *DB) ListSnapshots(ctx context.Context, f SnapshotFilter) ([]types.Snapshot, error) {
	query := snapshotSelect + ` WHERE 1=1`
	var args []any
	if f.Account != "" {
		query += ` AND account = ?`
		args = append(args, f.Account)
	}
	if f.Instrument != "" {
		query += ` AND instrument = ?`
		args = append(args, f.Instrument)
	}
	if f.ContractID != "" {
		query += ` AND contract_id = ?`
		args = append(args, f.ContractID)
	}
	query += ` ORDER BY position_key`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SetReconciliationStatus updates only the reconciliation marker. Coldpath
// uses this to flag a snapshot PROVISIONAL on entry; it is not part of the
// CAS protocol because it never moves last_ver.
func (d *DB) SetReconciliationStatus(ctx context.Context, positionKey string, status types.ReconciliationStatus) error {
	res, err := d.sql.ExecContext(ctx,
		`UPDATE snapshots SET recon_status = ?, last_updated_at = ? WHERE position_key = ?`,
		string(status), time.Now().UnixNano(), positionKey)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s: %w", positionKey, ErrNotFound)
	}
	return nil
}

// SnapshotWrite is one snapshot mutation inside a commit. ExpectedVer is
// the optimistic precondition: 0 means "the row must not exist yet"
// (insert), anything else means "the row must still be at this version"
// (CAS update).
type SnapshotWrite struct {
	Snapshot    types.Snapshot
	ExpectedVer int64
}

// writeSnapshotTx applies one snapshot write inside an open transaction.
func (d *DB) writeSnapshotTx(ctx context.Context, tx *sql.Tx, w SnapshotWrite) error {
	lotsJSON, err := json.Marshal(w.Snapshot.Lots)
	if err != nil {
		return fmt.Errorf("marshal lots: %w", err)
	}
	s := w.Snapshot

	if w.ExpectedVer == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO snapshots (
				position_key, last_ver, lots, status, recon_status, upi,
				account, instrument, currency, contract_id,
				latest_effective_date, last_updated_at, partition, archived
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			s.PositionKey, s.LastVer, string(lotsJSON), string(s.Status),
			string(s.ReconciliationStatus), s.UPI,
			s.Account, s.Instrument, s.Currency, s.ContractID,
			s.LatestEffectiveDate.String(), s.LastUpdatedAt.UnixNano(),
			poskey.Partition(s.PositionKey, d.partitions), boolToInt(s.ArchivalFlag),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("snapshot %s already exists: %w", s.PositionKey, ErrConflict)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE snapshots
		   SET last_ver = ?, lots = ?, status = ?, recon_status = ?, upi = ?,
		       latest_effective_date = ?, last_updated_at = ?, archived = ?
		 WHERE position_key = ? AND last_ver = ?
	`,
		s.LastVer, string(lotsJSON), string(s.Status), string(s.ReconciliationStatus), s.UPI,
		s.LatestEffectiveDate.String(), s.LastUpdatedAt.UnixNano(), boolToInt(s.ArchivalFlag),
		s.PositionKey, w.ExpectedVer,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("snapshot %s CAS at v%d: %w", s.PositionKey, w.ExpectedVer, ErrConflict)
	}
	return nil
}

const snapshotSelect = `
	SELECT position_key, last_ver, lots, status, recon_status, upi,
	       account, instrument, currency, contract_id,
	       latest_effective_date, last_updated_at, archived
	  FROM snapshots`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row *sql.Row) (*types.Snapshot, error) {
	snap, err := scanSnapshotRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func scanSnapshotRows(sc rowScanner) (types.Snapshot, error) {
	var (
		s             types.Snapshot
		lotsJSON      string
		status        string
		recon         string
		effDate       string
		lastUpdatedAt int64
		archived      int
	)
	if err := sc.Scan(
		&s.PositionKey, &s.LastVer, &lotsJSON, &status, &recon, &s.UPI,
		&s.Account, &s.Instrument, &s.Currency, &s.ContractID,
		&effDate, &lastUpdatedAt, &archived,
	); err != nil {
		return types.Snapshot{}, err
	}
	s.Status = types.PositionStatus(status)
	s.ReconciliationStatus = types.ReconciliationStatus(recon)
	if effDate != "" {
		date, err := types.ParseDate(effDate)
		if err != nil {
			return types.Snapshot{}, fmt.Errorf("snapshot %s: %w", s.PositionKey, err)
		}
		s.LatestEffectiveDate = date
	}
	s.LastUpdatedAt = time.Unix(0, lastUpdatedAt).UTC()
	s.ArchivalFlag = archived != 0
	if err := json.Unmarshal([]byte(lotsJSON), &s.Lots); err != nil {
		return types.Snapshot{}, fmt.Errorf("snapshot %s lots: %w", s.PositionKey, err)
	}
	return s, nil
}

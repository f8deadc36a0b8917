package store

import (
	"context"
	"fmt"

	"swapledger/pkg/types"
)

// CommitSet is everything one hotpath or coldpath step persists atomically:
// the appended events, the snapshot writes they imply, and the PROCESSED
// idempotency marker. A sign-change split commits two events on two keys in
// one set; both land or neither does.
//
// UPI history is deliberately absent: it has its own transactional boundary
// (see internal/upi) so a history failure cannot fail the main commit.
type CommitSet struct {
	Events      []types.Event
	Snapshots   []SnapshotWrite
	Idempotency *types.IdempotencyRecord
}

// Commit applies the set in a single transaction. Any optimistic fence
// firing (event version collision, snapshot CAS miss, duplicate trade id)
// rolls the whole set back and returns an error wrapping ErrConflict.
func (d *DB) Commit(ctx context.Context, set CommitSet) error {
	if len(set.Events) == 0 {
		return fmt.Errorf("store: commit with no events")
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range set.Events {
		if err := d.appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	for _, w := range set.Snapshots {
		if err := d.writeSnapshotTx(ctx, tx, w); err != nil {
			return err
		}
	}
	if set.Idempotency != nil {
		if err := d.insertIdempotencyTx(ctx, tx, *set.Idempotency); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

package upi

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"swapledger/internal/store"
	"swapledger/pkg/types"
)

// Writer persists UPI history entries. History has its own transactional
// boundary: it is written after the primary commit, retried on its own, and
// a final failure is logged, never propagated back into the commit path.
// The store's (key, upi, occurredAt, changeType) uniqueness makes retries
// harmless.
type Writer struct {
	db     *store.DB
	logger *slog.Logger
}

// NewWriter builds a history writer over the durable store.
func NewWriter(db *store.DB, logger *slog.Logger) *Writer {
	return &Writer{db: db, logger: logger.With("component", "upi-history")}
}

// Record writes history entries best-effort, in order, with a short retry
// per entry.
func (w *Writer) Record(ctx context.Context, entries ...types.UPIHistoryEntry) {
	for _, entry := range entries {
		backoff := retry.WithMaxRetries(3, retry.NewExponential(25*time.Millisecond))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := w.db.WriteHistory(ctx, entry); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			w.logger.Error("failed to persist UPI history entry",
				"position_key", entry.PositionKey,
				"upi", entry.UPI,
				"change_type", entry.ChangeType,
				"error", err,
			)
		}
	}
}

// Entry converts a tracker transition into its audit row.
func Entry(positionKey string, tr Transition, occurredAt time.Time, reason, backdatedTradeID string) types.UPIHistoryEntry {
	return types.UPIHistoryEntry{
		PositionKey:       positionKey,
		UPI:               tr.UPI,
		PreviousUPI:       tr.PreviousUPI,
		Status:            tr.Status,
		PreviousStatus:    tr.PreviousStatus,
		ChangeType:        tr.ChangeType,
		TriggeringTradeID: tr.TradeID,
		BackdatedTradeID:  backdatedTradeID,
		OccurredAt:        occurredAt,
		EffectiveDate:     tr.EffectiveDate,
		Reason:            reason,
	}
}

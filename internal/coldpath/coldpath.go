// Package coldpath repairs position history when a backdated trade
// arrives. It marks the snapshot PROVISIONAL, loads the full event stream,
// splices the backdated trade in at its canonical position, replays from a
// clean state, and commits a correction event plus the reconciled snapshot.
// UPI lives that disappear from the replayed timeline are invalidated and
// their trades fanned out as regulatory corrections.
package coldpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"swapledger/internal/cache"
	"swapledger/internal/emit"
	"swapledger/internal/lots"
	"swapledger/internal/poskey"
	"swapledger/internal/rules"
	"swapledger/internal/store"
	"swapledger/internal/upi"
	"swapledger/internal/validate"
	"swapledger/pkg/types"
)

// ErrReplayInconsistent marks a backdated trade whose insertion makes the
// timeline unplayable (a decrease outruns the lots that exist at its date).
// The snapshot stays PROVISIONAL and the trade goes to the DLQ.
var ErrReplayInconsistent = errors.New("coldpath: replay inconsistent")

// ErrDuplicateTrade marks a backdated trade whose reconciliation is already
// committed. The caller answers with the recorded result.
var ErrDuplicateTrade = errors.New("coldpath: trade already reconciled")

// commitRetries bounds re-reads when a hotpath trade lands mid-replay.
const commitRetries = 3

// Result reports a committed reconciliation.
type Result struct {
	PositionKey    string
	EventVer       int64
	UPI            string
	Status         types.PositionStatus
	NewTotalQty    decimal.Decimal
	InvalidatedUPI string
}

// Engine is the coldpath processor. Reconcile is safe to call from multiple
// workers as long as one positionKey is handled by one worker at a time; the
// store's fences catch any violation.
type Engine struct {
	db      *store.DB
	rules   *rules.Service
	bus     *emit.Bus
	history *upi.Writer
	cache   cache.Cache
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a coldpath engine.
func New(db *store.DB, r *rules.Service, bus *emit.Bus, history *upi.Writer, c cache.Cache, logger *slog.Logger) *Engine {
	return &Engine{
		db:      db,
		rules:   r,
		bus:     bus,
		history: history,
		cache:   c,
		logger:  logger.With("component", "coldpath"),
		now:     time.Now,
	}
}

// Reconcile processes one backdated trade end to end.
func (e *Engine) Reconcile(ctx context.Context, trade types.TradeEvent) (Result, error) {
	key := poskey.ForTrade(trade)

	// A PROCESSED trade answers with its recorded result before the snapshot
	// is touched: resubmitting a reconciled trade must not regress the
	// position to PROVISIONAL.
	rec, err := e.db.GetIdempotency(ctx, trade.TradeID)
	if err != nil {
		return Result{}, fmt.Errorf("coldpath: idempotency check: %w", err)
	}
	if rec != nil && rec.Status == types.IdemProcessed {
		res := e.recordedResult(ctx, key, rec)
		e.restoreReconciled(ctx, res.PositionKey, rec.EventVersion)
		return res, nil
	}

	if err := e.db.SetReconciliationStatus(ctx, key, types.ReconProvisional); err != nil {
		return Result{}, fmt.Errorf("coldpath: mark provisional: %w", err)
	}
	e.bus.Emit(types.StreamProvisionalTrade, key, types.ProvisionalTradeRecord{
		TradeID:       trade.TradeID,
		PositionKey:   key,
		Status:        string(types.ReconProvisional),
		OccurredAt:    e.now().UTC(),
		CorrelationID: trade.CorrelationID,
	})

	var out *outcome
	backoff := retry.WithMaxRetries(commitRetries, retry.NewExponential(50*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		o, err := e.replayAndCommit(ctx, key, trade)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				e.logger.Debug("coldpath commit conflict, re-replaying",
					"trade_id", trade.TradeID, "position_key", key)
				return retry.RetryableError(err)
			}
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		// A duplicate that lost the commit race: the winner already wrote the
		// RECONCILED snapshot, so undo the provisional mark and answer with
		// the winner's recorded result.
		if errors.Is(err, ErrDuplicateTrade) {
			rec, rerr := e.db.GetIdempotency(ctx, trade.TradeID)
			if rerr != nil || rec == nil {
				return Result{}, fmt.Errorf("coldpath: duplicate lookup for %s: %w", trade.TradeID, rerr)
			}
			res := e.recordedResult(ctx, key, rec)
			e.restoreReconciled(ctx, res.PositionKey, rec.EventVersion)
			return res, nil
		}
		e.reject(ctx, key, trade, err)
		return Result{}, err
	}

	e.afterCommit(ctx, key, trade, out)
	return out.result, nil
}

// recordedResult rebuilds the answer for an already-reconciled trade from
// its idempotency record and the current snapshot.
func (e *Engine) recordedResult(ctx context.Context, key string, rec *types.IdempotencyRecord) Result {
	res := Result{PositionKey: key, EventVer: rec.EventVersion}
	if rec.PositionKey != "" {
		res.PositionKey = rec.PositionKey
	}
	if snap, err := e.db.GetSnapshot(ctx, res.PositionKey); err == nil && snap != nil {
		res.UPI = snap.UPI
		res.Status = snap.Status
		if qty, err := lots.TotalQtyOf(snap.Lots); err == nil {
			res.NewTotalQty = qty
		}
	}
	return res
}

// restoreReconciled flips a snapshot back to RECONCILED when the recorded
// commit is still the head of its stream. A PROVISIONAL mark left behind by
// a duplicate must not outlive the duplicate's answer; a newer in-flight
// reconciliation on the key is left alone.
func (e *Engine) restoreReconciled(ctx context.Context, key string, recordedVer int64) {
	snap, err := e.db.GetSnapshot(ctx, key)
	if err != nil || snap == nil {
		return
	}
	if snap.ReconciliationStatus == types.ReconReconciled || snap.LastVer != recordedVer {
		return
	}
	if err := e.db.SetReconciliationStatus(ctx, key, types.ReconReconciled); err != nil {
		e.logger.Error("failed to restore reconciled status",
			"position_key", key, "error", err)
	}
}

// outcome carries everything one committed replay produced, for the outbox
// step.
type outcome struct {
	result       Result
	transitions  []upi.Transition
	invalidated  []types.Event // events of the invalidated UPI's life
	restored     bool
	restoredFrom string // previous UPI when a restoration happened
	mergedFrom   string
	occurredAt   time.Time
}

// replayAndCommit runs one full replay attempt against a fresh read of the
// stream and snapshot, and commits it.
func (e *Engine) replayAndCommit(ctx context.Context, key string, trade types.TradeEvent) (*outcome, error) {
	// Re-checked on every attempt: a concurrent copy of this trade that wins
	// the commit race surfaces here on the conflict retry, not as a
	// rejection.
	rec, err := e.db.GetIdempotency(ctx, trade.TradeID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check: %w", err)
	}
	if rec != nil && rec.Status == types.IdemProcessed {
		return nil, fmt.Errorf("trade %s: %w", trade.TradeID, ErrDuplicateTrade)
	}

	snap, err := e.db.GetSnapshot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot %s: %w", key, store.ErrNotFound)
	}
	events, err := e.db.ListEvents(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	// Correction events sort at the start of their effective day, before any
	// same-day hotpath event.
	occurredAt := e.now().UTC()
	payload := trade
	payload.PositionKey = key
	correction := types.Event{
		PositionKey:   key,
		EventVer:      snap.LastVer + 1,
		EventType:     types.CorrectionEventFor(trade.TradeType),
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    trade.EffectiveDate.StartOfDay(),
		Payload:       payload,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
	}

	isShort := poskey.IsShortKey(key, snap.Account, snap.Instrument, snap.Currency)

	// Pre-correction timeline: which trades lived under which UPI.
	before, err := e.replay(ctx, key, events, isShort)
	if err != nil {
		return nil, fmt.Errorf("%w: existing stream for %s: %v", ErrReplayInconsistent, key, err)
	}

	spliced := splice(events, correction)
	after, err := e.replay(ctx, key, spliced, isShort)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReplayInconsistent, err)
	}

	// The correction's lot effects are recorded on the event for audit.
	correction.MetaLots = after.metaFor[trade.TradeID]

	out := &outcome{occurredAt: occurredAt}
	preUPI, newUPI := snap.UPI, after.tracker.UPI

	if preUPI != "" && preUPI != newUPI {
		if _, stillExists := after.lives[preUPI]; !stillExists {
			out.invalidated = before.lives[preUPI]
			out.transitions = append(out.transitions, upi.Transition{
				ChangeType:     types.UPIInvalidated,
				UPI:            preUPI,
				Status:         after.tracker.Status,
				PreviousStatus: snap.Status,
				TradeID:        trade.TradeID,
				EffectiveDate:  trade.EffectiveDate,
			})
		}
		if _, existedBefore := before.lives[newUPI]; existedBefore {
			out.restored = true
			out.restoredFrom = preUPI
			out.transitions = append(out.transitions, upi.Transition{
				ChangeType:     types.UPIRestored,
				UPI:            newUPI,
				PreviousUPI:    preUPI,
				Status:         after.tracker.Status,
				PreviousStatus: snap.Status,
				TradeID:        trade.TradeID,
				EffectiveDate:  trade.EffectiveDate,
			})
		}
	}

	if newUPI != "" && after.tracker.Status == types.StatusActive {
		other, err := e.db.ActiveSnapshotByUPI(ctx, newUPI, key)
		if err != nil {
			return nil, fmt.Errorf("merge detection: %w", err)
		}
		if other != nil {
			out.mergedFrom = other.PositionKey
			out.transitions = append(out.transitions, upi.Transition{
				ChangeType:     types.UPIMerged,
				UPI:            newUPI,
				Status:         after.tracker.Status,
				PreviousStatus: snap.Status,
				TradeID:        trade.TradeID,
				EffectiveDate:  trade.EffectiveDate,
			})
		}
	}

	after.state.DropClosed()
	totalQty := after.state.TotalQty()
	newSnap := *snap
	newSnap.LastVer = correction.EventVer
	newSnap.Lots = lots.Compress(after.state)
	newSnap.Status = after.tracker.Status
	newSnap.ReconciliationStatus = types.ReconReconciled
	newSnap.UPI = newUPI
	if trade.EffectiveDate.After(snap.LatestEffectiveDate) {
		newSnap.LatestEffectiveDate = trade.EffectiveDate
	}
	newSnap.LastUpdatedAt = occurredAt

	set := store.CommitSet{
		Events:    []types.Event{correction},
		Snapshots: []store.SnapshotWrite{{Snapshot: newSnap, ExpectedVer: snap.LastVer}},
		Idempotency: &types.IdempotencyRecord{
			TradeID:      trade.TradeID,
			PositionKey:  key,
			Status:       types.IdemProcessed,
			EventVersion: correction.EventVer,
			ProcessedAt:  occurredAt,
		},
	}
	if err := e.db.Commit(ctx, set); err != nil {
		return nil, err
	}

	out.result = Result{
		PositionKey:    key,
		EventVer:       correction.EventVer,
		UPI:            newUPI,
		Status:         after.tracker.Status,
		NewTotalQty:    totalQty,
		InvalidatedUPI: invalidatedUPIOf(out),
	}
	return out, nil
}

func invalidatedUPIOf(out *outcome) string {
	for _, tr := range out.transitions {
		if tr.ChangeType == types.UPIInvalidated {
			return tr.UPI
		}
	}
	return ""
}

// replayed is the outcome of playing one event sequence from a clean state.
type replayed struct {
	state   *lots.PositionState
	tracker *upi.Tracker
	lives   map[string][]types.Event // UPI -> events applied during its life
	metaFor map[string]types.LotAllocationResult
}

// replay plays events in the given order through the lot engine and UPI
// tracker. Corrections replay as their base type. Determinism: lot IDs are
// derived from (key, tradeId), so the same event set always yields the same
// compressed lots.
func (e *Engine) replay(ctx context.Context, key string, events []types.Event, isShort bool) (*replayed, error) {
	r := &replayed{
		state:   lots.NewState(),
		tracker: &upi.Tracker{},
		lives:   make(map[string][]types.Event),
		metaFor: make(map[string]types.LotAllocationResult),
	}
	for _, ev := range events {
		action := ev.EventType.Base()
		method := e.rules.MethodFor(ctx, ev.Payload.ContractID)

		result, err := lots.Apply(r.state, action, key, ev.Payload.TradeID,
			ev.Payload.Quantity, ev.Payload.Price, ev.EffectiveDate, method, isShort)
		if err != nil {
			return nil, fmt.Errorf("event v%d (%s): %w", ev.EventVer, ev.Payload.TradeID, err)
		}
		// Excess on a decrease belongs to the opposite key's stream; this
		// key's replay treats the position as fully closed.
		if action == types.TradeDecrease && !r.state.HasOpenLots() {
			r.state.DropClosed()
		}
		r.metaFor[ev.Payload.TradeID] = result
		r.tracker.Apply(action, ev.Payload.TradeID, r.state.TotalQty(), ev.EffectiveDate)
		if r.tracker.UPI != "" {
			r.lives[r.tracker.UPI] = append(r.lives[r.tracker.UPI], ev)
		}
	}
	return r, nil
}

// splice inserts the correction into the stream at its canonical position.
func splice(events []types.Event, correction types.Event) []types.Event {
	out := make([]types.Event, 0, len(events)+1)
	out = append(out, events...)
	out = append(out, correction)
	sort.SliceStable(out, func(a, b int) bool {
		ea, eb := out[a], out[b]
		if !ea.EffectiveDate.Equal(eb.EffectiveDate) {
			return ea.EffectiveDate.Before(eb.EffectiveDate)
		}
		if !ea.OccurredAt.Equal(eb.OccurredAt) {
			return ea.OccurredAt.Before(eb.OccurredAt)
		}
		return ea.EventVer < eb.EventVer
	})
	return out
}

// afterCommit runs the outbox step: history rows, the corrected-position
// record, the backdated trade's report, and the invalidation fan-out. The
// UPI_INVALIDATION summary always precedes its TRADE_CORRECTION records.
func (e *Engine) afterCommit(ctx context.Context, key string, trade types.TradeEvent, out *outcome) {
	for _, tr := range out.transitions {
		entry := upi.Entry(key, tr, out.occurredAt, types.ReasonBackdatedRecalculation, trade.TradeID)
		if tr.ChangeType == types.UPIMerged {
			entry.MergedFromPositionKey = out.mergedFrom
		}
		e.history.Record(ctx, entry)
	}

	e.bus.Emit(types.StreamPositionCorrected, key, types.PositionCorrectedRecord{
		TradeID:          trade.TradeID,
		PositionKey:      key,
		EventVer:         out.result.EventVer,
		NewTotalQty:      out.result.NewTotalQty,
		Status:           out.result.Status,
		UPI:              out.result.UPI,
		OccurredAt:       out.occurredAt,
		CorrelationID:    trade.CorrelationID,
		Reason:           types.ReasonBackdatedRecalculation,
		BackdatedTradeID: trade.TradeID,
		AffectedSystems:  types.AffectedSystems,
	})

	e.bus.Emit(types.StreamRegulatory, key, types.TradeReportRecord{
		Type:          types.RegTradeReport,
		SubmissionID:  uuid.NewString(),
		TradeID:       trade.TradeID,
		PositionKey:   key,
		UPI:           out.result.UPI,
		TradeType:     trade.TradeType,
		Quantity:      trade.Quantity,
		Price:         trade.Price,
		EffectiveDate: trade.EffectiveDate,
		ContractID:    trade.ContractID,
		CorrelationID: trade.CorrelationID,
		SubmittedAt:   out.occurredAt,
	})

	if out.result.InvalidatedUPI != "" {
		ids := make([]string, 0, len(out.invalidated))
		for _, ev := range out.invalidated {
			ids = append(ids, ev.Payload.TradeID)
		}
		e.bus.Emit(types.StreamRegulatory, key, types.UPIInvalidationRecord{
			Type:                types.RegUPIInvalidation,
			PositionKey:         key,
			InvalidatedUPI:      out.result.InvalidatedUPI,
			NewUPI:              out.result.UPI,
			InvalidatedTradeIDs: ids,
			Reason:              types.ReasonBackdatedRecalculation,
			BackdatedTradeID:    trade.TradeID,
			EffectiveDate:       trade.EffectiveDate,
			OccurredAt:          out.occurredAt,
			ActionRequired:      types.ActionResubmitWithNewUPI,
		})
		for _, ev := range out.invalidated {
			e.bus.Emit(types.StreamRegulatory, key, types.TradeCorrectionRecord{
				Type:             types.RegTradeCorrection,
				TradeID:          ev.Payload.TradeID,
				PositionKey:      key,
				OriginalUPI:      out.result.InvalidatedUPI,
				CorrectedUPI:     out.result.UPI,
				TradeType:        ev.EventType.Base(),
				Quantity:         ev.Payload.Quantity,
				Price:            ev.Payload.Price,
				EffectiveDate:    ev.EffectiveDate,
				Reason:           types.RegUPIInvalidation,
				BackdatedTradeID: trade.TradeID,
				ActionRequired:   types.ActionCorrectWithNewUPI,
			})
		}
	}

	value := fmt.Sprintf("%s|%d", key, out.result.EventVer)
	if err := e.cache.Set(ctx, cache.IdempotencyKey(trade.TradeID), value, cache.IdempotencyTTL); err != nil {
		e.logger.Warn("failed to cache idempotency marker", "trade_id", trade.TradeID, "error", err)
	}

	e.logger.Info("position reconciled",
		"trade_id", trade.TradeID,
		"position_key", key,
		"event_ver", out.result.EventVer,
		"upi", out.result.UPI,
		"invalidated_upi", out.result.InvalidatedUPI,
	)
}

// reject leaves the snapshot PROVISIONAL, sends the trade to the DLQ, and
// marks it FAILED. Runs on a fresh context so cancellation cannot skip the
// bookkeeping.
func (e *Engine) reject(ctx context.Context, key string, trade types.TradeEvent, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.db.MarkFailed(ctx, trade.TradeID, key); err != nil {
		e.logger.Error("failed to mark backdated trade FAILED", "trade_id", trade.TradeID, "error", err)
	}
	category := validate.CategoryStateMachine
	if !errors.Is(cause, ErrReplayInconsistent) {
		category = "PERSISTENCE"
	}
	e.bus.Emit(types.StreamDLQ, key, types.DLQRecord{
		TradeID:     trade.TradeID,
		PositionKey: key,
		Payload:     trade,
		Category:    category,
		Errors:      []string{cause.Error()},
		OccurredAt:  e.now().UTC(),
	})
	e.logger.Error("backdated trade rejected, snapshot stays provisional",
		"trade_id", trade.TradeID, "position_key", key, "error", cause)
}

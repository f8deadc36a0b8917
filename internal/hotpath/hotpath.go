// Package hotpath is the synchronous apply path for CURRENT_DATED and
// FORWARD_DATED trades. One call loads the snapshot, applies the trade
// through the lot engine, and commits event + snapshot + idempotency marker
// atomically under the store's optimistic fences, retrying on conflict with
// jittered backoff. Emits happen strictly after the commit.
package hotpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
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

// ErrDuplicateTrade marks a trade whose id is already PROCESSED. The caller
// answers with the recorded event version instead of reprocessing.
var ErrDuplicateTrade = errors.New("hotpath: trade already processed")

// Config tunes the hotpath.
type Config struct {
	Retries  int           // optimistic retry budget after the first attempt
	Deadline time.Duration // per-trade wall-clock budget
}

// Result reports a committed trade. A sign-change split fills the Split
// fields with the opposite-direction key that received the excess.
type Result struct {
	PositionKey    string
	EventVer       int64
	UPI            string
	Status         types.PositionStatus
	NewTotalQty    decimal.Decimal
	SequenceStatus types.SequenceStatus
	SplitKey       string
	SplitEventVer  int64
}

// Engine is the hotpath processor. Callers must serialize trades per
// positionKey; the store's version fences catch any violation and the retry
// loop absorbs it.
type Engine struct {
	db      *store.DB
	rules   *rules.Service
	bus     *emit.Bus
	history *upi.Writer
	cache   cache.Cache
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	conflicts atomic.Int64
}

// New builds a hotpath engine.
func New(db *store.DB, r *rules.Service, bus *emit.Bus, history *upi.Writer, c cache.Cache, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 100 * time.Millisecond
	}
	return &Engine{
		db:      db,
		rules:   r,
		bus:     bus,
		history: history,
		cache:   c,
		cfg:     cfg,
		logger:  logger.With("component", "hotpath"),
		now:     time.Now,
	}
}

// ConflictCount reports how many optimistic conflicts the retry loop has
// absorbed.
func (e *Engine) ConflictCount() int64 {
	return e.conflicts.Load()
}

// plan is one fully-prepared attempt, built from a fresh snapshot read and
// committed as a unit.
type plan struct {
	set         store.CommitSet
	result      Result
	transitions []keyedTransition
	reports     []types.TradeReportRecord
	applied     []types.TradeAppliedRecord
}

type keyedTransition struct {
	key    string
	tr     upi.Transition
	reason string
}

// Process applies one classified trade. Validation rejections come back as
// *validate.Error; conflict exhaustion and persistence failures come back as
// plain errors after the idempotency record is marked FAILED and an
// error-retry record is emitted.
func (e *Engine) Process(ctx context.Context, trade types.TradeEvent) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	key := poskey.ForTrade(trade)

	var committed plan
	backoff := retry.WithMaxRetries(uint64(e.cfg.Retries),
		retry.WithJitter(5*time.Millisecond, retry.NewExponential(10*time.Millisecond)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := e.attempt(ctx, key, trade)
		if err != nil {
			return err
		}
		if err := e.db.Commit(ctx, p.set); err != nil {
			if errors.Is(err, store.ErrConflict) {
				e.conflicts.Add(1)
				e.logger.Debug("optimistic conflict, retrying",
					"trade_id", trade.TradeID, "position_key", key)
				return retry.RetryableError(err)
			}
			return err
		}
		committed = p
		return nil
	})
	if err != nil {
		var verr *validate.Error
		if errors.As(err, &verr) || errors.Is(err, ErrDuplicateTrade) {
			return Result{}, err
		}
		e.fail(ctx, key, trade, err)
		return Result{}, fmt.Errorf("hotpath: trade %s: %w", trade.TradeID, err)
	}

	e.afterCommit(ctx, trade, committed)
	return committed.result, nil
}

// attempt builds the commit set for one optimistic try from a fresh
// snapshot read. Steps follow the apply algorithm in order; nothing is
// persisted here.
func (e *Engine) attempt(ctx context.Context, key string, trade types.TradeEvent) (plan, error) {
	// Durable duplicate fence. The orchestrator prechecks too, but a
	// concurrent resubmit can slip past it; re-reading here means a retry
	// after losing the commit race sees the winner's record and stops.
	rec, err := e.db.GetIdempotency(ctx, trade.TradeID)
	if err != nil {
		return plan{}, fmt.Errorf("idempotency check: %w", err)
	}
	if rec != nil && rec.Status == types.IdemProcessed {
		return plan{}, fmt.Errorf("trade %s: %w", trade.TradeID, ErrDuplicateTrade)
	}

	snap, err := e.db.GetSnapshot(ctx, key)
	if err != nil {
		return plan{}, fmt.Errorf("load snapshot: %w", err)
	}

	if verr := validate.CheckTransition(trade.TradeType, snap); verr != nil {
		return plan{}, verr
	}

	state := lots.NewState()
	var expectedVer int64
	if snap != nil {
		state, err = lots.Inflate(snap.Lots)
		if err != nil {
			return plan{}, fmt.Errorf("inflate snapshot %s: %w", key, err)
		}
		expectedVer = snap.LastVer
	}
	qBefore := state.TotalQty()
	wasShort := poskey.IsShortKey(key, trade.Account, trade.Instrument, trade.Currency)

	method := e.rules.MethodFor(ctx, trade.ContractID)

	result, err := lots.Apply(state, trade.TradeType, key, trade.TradeID,
		trade.Quantity, trade.Price, trade.EffectiveDate, method, wasShort)
	if err != nil {
		if errors.Is(err, lots.ErrNoOpenLots) {
			return plan{}, &validate.Error{
				Category: validate.CategoryStateMachine,
				Messages: []string{fmt.Sprintf("%s against a position with no open lots", trade.TradeType)},
			}
		}
		return plan{}, err
	}
	state.DropClosed()
	qAfter := state.TotalQty()

	occurredAt := e.now().UTC()
	tracker := upi.FromSnapshot(snap)
	tracker.Apply(trade.TradeType, trade.TradeID, qAfter, trade.EffectiveDate)

	p := plan{}
	payload := trade
	payload.PositionKey = key
	ev := types.Event{
		PositionKey:   key,
		EventVer:      expectedVer + 1,
		EventType:     types.EventTypeFor(trade.TradeType),
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    occurredAt,
		Payload:       payload,
		MetaLots:      result,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.CausationID,
	}
	p.set.Events = append(p.set.Events, ev)

	primary := e.snapshotAfter(snap, key, trade, state, ev.EventVer, tracker, occurredAt)
	p.set.Snapshots = append(p.set.Snapshots, store.SnapshotWrite{
		Snapshot:    primary,
		ExpectedVer: expectedVer,
	})
	for _, tr := range tracker.Transitions {
		p.transitions = append(p.transitions, keyedTransition{key: key, tr: tr, reason: string(trade.TradeType)})
	}

	p.result = Result{
		PositionKey:    key,
		EventVer:       ev.EventVer,
		UPI:            primary.UPI,
		Status:         primary.Status,
		NewTotalQty:    qAfter,
		SequenceStatus: trade.SequenceStatus,
	}
	p.applied = append(p.applied, types.TradeAppliedRecord{
		TradeID:        trade.TradeID,
		PositionKey:    key,
		EventVer:       ev.EventVer,
		NewTotalQty:    qAfter,
		Status:         primary.Status,
		UPI:            primary.UPI,
		OccurredAt:     occurredAt,
		CorrelationID:  trade.CorrelationID,
		SequenceStatus: trade.SequenceStatus,
	})
	p.reports = append(p.reports, e.report(trade, key, primary.UPI, occurredAt))

	// A decrease that outruns the open lots crosses zero. Signs never mix
	// within one key: the excess opens the opposite-direction key instead.
	if trade.TradeType == types.TradeDecrease && result.ExcessQty.IsPositive() && !qBefore.IsZero() {
		if err := e.split(ctx, &p, trade, key, wasShort, result.ExcessQty, method, occurredAt); err != nil {
			return plan{}, err
		}
	}

	eventVer := p.result.EventVer
	p.set.Idempotency = &types.IdempotencyRecord{
		TradeID:      trade.TradeID,
		PositionKey:  key,
		Status:       types.IdemProcessed,
		EventVersion: eventVer,
		ProcessedAt:  occurredAt,
	}
	return p, nil
}

// split extends the plan with the opposite-direction leg of a sign change:
// a NEW_TRADE event carrying the excess, causation-chained to the original
// trade. Both legs commit in one transaction, old key first.
func (e *Engine) split(ctx context.Context, p *plan, trade types.TradeEvent, oldKey string, wasShort bool, excess decimal.Decimal, method types.TaxLotMethod, occurredAt time.Time) error {
	newKey := poskey.Opposite(trade.Account, trade.Instrument, trade.Currency, wasShort)

	oppSnap, err := e.db.GetSnapshot(ctx, newKey)
	if err != nil {
		return fmt.Errorf("load opposite snapshot: %w", err)
	}
	oppState := lots.NewState()
	var oppVer int64
	if oppSnap != nil {
		oppState, err = lots.Inflate(oppSnap.Lots)
		if err != nil {
			return fmt.Errorf("inflate opposite snapshot %s: %w", newKey, err)
		}
		oppVer = oppSnap.LastVer
	}

	legTrade := trade
	legTrade.PositionKey = newKey
	legTrade.TradeType = types.TradeNew
	legTrade.Quantity = excess
	legTrade.CausationID = trade.TradeID

	result, err := lots.Apply(oppState, types.TradeNew, newKey, trade.TradeID,
		excess, trade.Price, trade.EffectiveDate, method, !wasShort)
	if err != nil {
		return err
	}
	oppState.DropClosed()
	qAfter := oppState.TotalQty()

	tracker := upi.FromSnapshot(oppSnap)
	tracker.Apply(types.TradeNew, trade.TradeID, qAfter, trade.EffectiveDate)

	ev := types.Event{
		PositionKey:   newKey,
		EventVer:      oppVer + 1,
		EventType:     types.EventNew,
		EffectiveDate: trade.EffectiveDate,
		OccurredAt:    occurredAt,
		Payload:       legTrade,
		MetaLots:      result,
		CorrelationID: trade.CorrelationID,
		CausationID:   trade.TradeID,
	}
	p.set.Events = append(p.set.Events, ev)

	snap := e.snapshotAfter(oppSnap, newKey, legTrade, oppState, ev.EventVer, tracker, occurredAt)
	p.set.Snapshots = append(p.set.Snapshots, store.SnapshotWrite{
		Snapshot:    snap,
		ExpectedVer: oppVer,
	})
	for _, tr := range tracker.Transitions {
		p.transitions = append(p.transitions, keyedTransition{key: newKey, tr: tr, reason: "SIGN_CHANGE"})
	}

	p.result.SplitKey = newKey
	p.result.SplitEventVer = ev.EventVer
	p.applied = append(p.applied, types.TradeAppliedRecord{
		TradeID:        trade.TradeID,
		PositionKey:    newKey,
		EventVer:       ev.EventVer,
		NewTotalQty:    qAfter,
		Status:         snap.Status,
		UPI:            snap.UPI,
		OccurredAt:     occurredAt,
		CorrelationID:  trade.CorrelationID,
		SequenceStatus: trade.SequenceStatus,
	})
	return nil
}

// snapshotAfter builds the post-apply snapshot for a key.
func (e *Engine) snapshotAfter(prev *types.Snapshot, key string, trade types.TradeEvent, state *lots.PositionState, lastVer int64, tracker *upi.Tracker, occurredAt time.Time) types.Snapshot {
	snap := types.Snapshot{
		PositionKey:          key,
		LastVer:              lastVer,
		Lots:                 lots.Compress(state),
		Status:               tracker.Status,
		ReconciliationStatus: types.ReconReconciled,
		UPI:                  tracker.UPI,
		Account:              trade.Account,
		Instrument:           trade.Instrument,
		Currency:             trade.Currency,
		ContractID:           trade.ContractID,
		LatestEffectiveDate:  trade.EffectiveDate,
		LastUpdatedAt:        occurredAt,
	}
	if prev != nil {
		snap.Account = prev.Account
		snap.Instrument = prev.Instrument
		snap.Currency = prev.Currency
		if prev.ContractID != "" {
			snap.ContractID = prev.ContractID
		}
		if prev.LatestEffectiveDate.After(trade.EffectiveDate) {
			snap.LatestEffectiveDate = prev.LatestEffectiveDate
		}
	}
	return snap
}

func (e *Engine) report(trade types.TradeEvent, key, upiVal string, submittedAt time.Time) types.TradeReportRecord {
	return types.TradeReportRecord{
		Type:          types.RegTradeReport,
		SubmissionID:  uuid.NewString(),
		TradeID:       trade.TradeID,
		PositionKey:   key,
		UPI:           upiVal,
		TradeType:     trade.TradeType,
		Quantity:      trade.Quantity,
		Price:         trade.Price,
		EffectiveDate: trade.EffectiveDate,
		ContractID:    trade.ContractID,
		CorrelationID: trade.CorrelationID,
		SubmittedAt:   submittedAt,
	}
}

// afterCommit runs the outbox step: UPI history, outbound records, and the
// fast-tier idempotency marker. Failures here are logged only.
func (e *Engine) afterCommit(ctx context.Context, trade types.TradeEvent, p plan) {
	for _, kt := range p.transitions {
		entry := upi.Entry(kt.key, kt.tr, e.now().UTC(), kt.reason, "")
		e.history.Record(ctx, entry)
	}
	for _, rec := range p.applied {
		e.bus.Emit(types.StreamTradeApplied, rec.PositionKey, rec)
	}
	for _, rep := range p.reports {
		e.bus.Emit(types.StreamRegulatory, rep.PositionKey, rep)
	}

	value := fmt.Sprintf("%s|%d", p.result.PositionKey, p.result.EventVer)
	if err := e.cache.Set(ctx, cache.IdempotencyKey(trade.TradeID), value, cache.IdempotencyTTL); err != nil {
		e.logger.Warn("failed to cache idempotency marker", "trade_id", trade.TradeID, "error", err)
	}

	e.logger.Info("trade applied",
		"trade_id", trade.TradeID,
		"position_key", p.result.PositionKey,
		"event_ver", p.result.EventVer,
		"status", p.result.Status,
		"split_key", p.result.SplitKey,
	)
}

// fail marks the trade FAILED durably and hands it to the error-retry
// stream. Runs on a fresh context so a blown deadline cannot also block the
// failure bookkeeping.
func (e *Engine) fail(ctx context.Context, key string, trade types.TradeEvent, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.db.MarkFailed(ctx, trade.TradeID, key); err != nil {
		e.logger.Error("failed to mark trade FAILED", "trade_id", trade.TradeID, "error", err)
	}
	e.bus.Emit(types.StreamErrorRetry, key, types.ErrorRetryRecord{
		TradeID:     trade.TradeID,
		PositionKey: key,
		Payload:     trade,
		Error:       cause.Error(),
		Attempts:    e.cfg.Retries + 1,
		OccurredAt:  e.now().UTC(),
	})
	e.logger.Error("trade failed after retry budget",
		"trade_id", trade.TradeID, "position_key", key, "error", cause)
}

package coldpath

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapledger/internal/cache"
	"swapledger/internal/emit"
	"swapledger/internal/hotpath"
	"swapledger/internal/poskey"
	"swapledger/internal/rules"
	"swapledger/internal/store"
	"swapledger/internal/upi"
	"swapledger/pkg/types"
)

type fixture struct {
	cold *Engine
	hot  *hotpath.Engine
	db   *store.DB
	bus  *emit.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 16, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := cache.NewMemory()
	rulesSvc := rules.New(rules.Config{}, c, logger)
	bus := emit.NewBus(logger)
	t.Cleanup(bus.Close)
	history := upi.NewWriter(db, logger)

	return &fixture{
		cold: New(db, rulesSvc, bus, history, c, logger),
		hot:  hotpath.New(db, rulesSvc, bus, history, c, hotpath.Config{Deadline: 5 * time.Second}, logger),
		db:   db,
		bus:  bus,
	}
}

func trade(id string, tt types.TradeType, qty, price, eff string) types.TradeEvent {
	return types.TradeEvent{
		TradeID:       id,
		Account:       "ACC-C",
		Instrument:    "SWAP.XYZ",
		Currency:      "USD",
		TradeType:     tt,
		Quantity:      decimal.RequireFromString(qty),
		Price:         decimal.RequireFromString(price),
		EffectiveDate: types.MustParseDate(eff),
		CorrelationID: "corr-" + id,
	}
}

// seedCloseReopen commits the S-shaped history: open, full close, reopen.
func seedCloseReopen(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	_, err := f.hot.Process(ctx, trade("T1", types.TradeNew, "1000", "50", "2025-01-10"))
	require.NoError(t, err)
	_, err = f.hot.Process(ctx, trade("T2", types.TradeDecrease, "1000", "60", "2025-01-20"))
	require.NoError(t, err)
	_, err = f.hot.Process(ctx, trade("T3", types.TradeNew, "500", "70", "2025-01-25"))
	require.NoError(t, err)
}

func TestBackdatedCorrectionInvalidatesUPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := poskey.Key("ACC-C", "SWAP.XYZ", "USD", false)

	regulatory, err := f.bus.Subscribe(types.StreamRegulatory)
	require.NoError(t, err)
	corrected, err := f.bus.Subscribe(types.StreamPositionCorrected)
	require.NoError(t, err)
	provisional, err := f.bus.Subscribe(types.StreamProvisionalTrade)
	require.NoError(t, err)

	seedCloseReopen(t, f)

	// Drain the seed trades' own reports before watching the correction.
	for i := 0; i < 3; i++ {
		select {
		case <-regulatory:
		case <-time.After(time.Second):
			t.Fatalf("timed out draining seed report %d", i)
		}
	}

	backdated := trade("T0", types.TradeIncrease, "300", "45", "2025-01-15")
	res, err := f.cold.Reconcile(ctx, backdated)
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.EventVer)
	assert.Equal(t, "T1", res.UPI, "replay keeps the original UPI alive")
	assert.Equal(t, types.StatusActive, res.Status)
	assert.True(t, res.NewTotalQty.Equal(decimal.RequireFromString("800")))
	assert.Equal(t, "T3", res.InvalidatedUPI)

	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.ReconReconciled, snap.ReconciliationStatus)
	assert.Equal(t, "T1", snap.UPI)
	assert.Equal(t, int64(4), snap.LastVer)
	// FIFO replay: T2's 1000 consumes the T1 lot fully, leaving the
	// backdated 300 @45 and the 500 @70.
	require.Equal(t, 2, snap.Lots.Len())
	assert.Equal(t, "300", snap.Lots.Qtys[0])
	assert.Equal(t, "45", snap.Lots.Prices[0])
	assert.Equal(t, "500", snap.Lots.Qtys[1])

	// The correction event is appended, never a rewrite.
	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, types.EventCorrectionIncrease, events[1].EventType, "correction sorts at its effective date")
	assert.Equal(t, "T0", events[1].Payload.TradeID)

	// Provisional marker went out when the coldpath took over.
	select {
	case rec := <-provisional:
		assert.Equal(t, "T0", rec.Payload.(types.ProvisionalTradeRecord).TradeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for provisional record")
	}

	select {
	case rec := <-corrected:
		pc := rec.Payload.(types.PositionCorrectedRecord)
		assert.Equal(t, types.ReasonBackdatedRecalculation, pc.Reason)
		assert.Equal(t, "T0", pc.BackdatedTradeID)
		assert.Equal(t, types.AffectedSystems, pc.AffectedSystems)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for corrected record")
	}

	// Regulatory order: the trade's own report, then the invalidation
	// summary, then the per-trade corrections.
	var regs []emit.Record
	for i := 0; i < 3; i++ {
		select {
		case rec := <-regulatory:
			regs = append(regs, rec)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for regulatory record %d", i)
		}
	}
	report := regs[0].Payload.(types.TradeReportRecord)
	assert.Equal(t, "T0", report.TradeID)

	invalidation := regs[1].Payload.(types.UPIInvalidationRecord)
	assert.Equal(t, "T3", invalidation.InvalidatedUPI)
	assert.Equal(t, "T1", invalidation.NewUPI)
	assert.Equal(t, []string{"T3"}, invalidation.InvalidatedTradeIDs)
	assert.Equal(t, types.ActionResubmitWithNewUPI, invalidation.ActionRequired)

	correction := regs[2].Payload.(types.TradeCorrectionRecord)
	assert.Equal(t, "T3", correction.TradeID)
	assert.Equal(t, "T3", correction.OriginalUPI)
	assert.Equal(t, "T1", correction.CorrectedUPI)
	assert.Equal(t, types.ActionCorrectWithNewUPI, correction.ActionRequired)

	// History carries both the invalidation and the restoration.
	history, err := f.db.ListHistory(ctx, key)
	require.NoError(t, err)
	changes := map[types.UPIChangeType]bool{}
	for _, h := range history {
		changes[h.ChangeType] = true
		if h.ChangeType == types.UPIInvalidated || h.ChangeType == types.UPIRestored {
			assert.Equal(t, "T0", h.BackdatedTradeID)
		}
	}
	assert.True(t, changes[types.UPIInvalidated])
	assert.True(t, changes[types.UPIRestored])

	rec, err := f.db.GetIdempotency(ctx, "T0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, types.IdemProcessed, rec.Status)
	assert.Equal(t, int64(4), rec.EventVersion)
}

// Replay determinism: two independent runs of the same scenario produce
// byte-identical compressed lots.
func TestReplayDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := poskey.Key("ACC-C", "SWAP.XYZ", "USD", false)

	run := func() []byte {
		f := newFixture(t)
		seedCloseReopen(t, f)
		_, err := f.cold.Reconcile(ctx, trade("T0", types.TradeIncrease, "300", "45", "2025-01-15"))
		require.NoError(t, err)

		snap, err := f.db.GetSnapshot(ctx, key)
		require.NoError(t, err)
		data, err := json.Marshal(snap.Lots)
		require.NoError(t, err)
		return data
	}

	assert.Equal(t, string(run()), string(run()))
}

// The committed snapshot's UPI and status are always reconstructible from
// the event stream alone.
func TestUPIReconstructedFromStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := poskey.Key("ACC-C", "SWAP.XYZ", "USD", false)

	seedCloseReopen(t, f)

	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)

	r, err := f.cold.replay(ctx, key, events, false)
	require.NoError(t, err)
	assert.Equal(t, snap.UPI, r.tracker.UPI)
	assert.Equal(t, snap.Status, r.tracker.Status)
}

// Resubmitting a reconciled backdated trade answers with the recorded
// result and never regresses the snapshot to PROVISIONAL.
func TestDuplicateBackdatedStaysReconciled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := poskey.Key("ACC-C", "SWAP.XYZ", "USD", false)

	seedCloseReopen(t, f)

	backdated := trade("T0", types.TradeIncrease, "300", "45", "2025-01-15")
	first, err := f.cold.Reconcile(ctx, backdated)
	require.NoError(t, err)
	require.Equal(t, int64(4), first.EventVer)

	again, err := f.cold.Reconcile(ctx, backdated)
	require.NoError(t, err)
	assert.Equal(t, first.EventVer, again.EventVer)
	assert.Equal(t, key, again.PositionKey)
	assert.Equal(t, "T1", again.UPI)
	assert.True(t, again.NewTotalQty.Equal(decimal.RequireFromString("800")))

	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.ReconReconciled, snap.ReconciliationStatus)
	assert.Equal(t, int64(4), snap.LastVer)

	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	assert.Len(t, events, 4, "no second correction committed")

	// The commit-time fence catches a copy that slipped past the entry
	// check, and the duplicate answer restores RECONCILED afterwards.
	_, err = f.cold.replayAndCommit(ctx, key, backdated)
	require.ErrorIs(t, err, ErrDuplicateTrade)
	require.NoError(t, f.db.SetReconciliationStatus(ctx, key, types.ReconProvisional))
	res, err := f.cold.Reconcile(ctx, backdated)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.EventVer)
	snap, err = f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.ReconReconciled, snap.ReconciliationStatus)
}

func TestReplayInconsistencyStaysProvisional(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	key := poskey.Key("ACC-C", "SWAP.XYZ", "USD", false)

	_, err := f.hot.Process(ctx, trade("T1", types.TradeNew, "100", "50", "2025-01-10"))
	require.NoError(t, err)

	dlq, err := f.bus.Subscribe(types.StreamDLQ)
	require.NoError(t, err)

	// A decrease dated before the position existed cannot replay.
	_, err = f.cold.Reconcile(ctx, trade("T0", types.TradeDecrease, "500", "60", "2025-01-05"))
	require.ErrorIs(t, err, ErrReplayInconsistent)

	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.ReconProvisional, snap.ReconciliationStatus)
	assert.Equal(t, int64(1), snap.LastVer, "no correction committed")

	select {
	case rec := <-dlq:
		d := rec.Payload.(types.DLQRecord)
		assert.Equal(t, "T0", d.TradeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for DLQ record")
	}

	idem, err := f.db.GetIdempotency(ctx, "T0")
	require.NoError(t, err)
	require.NotNil(t, idem)
	assert.Equal(t, types.IdemFailed, idem.Status)
}

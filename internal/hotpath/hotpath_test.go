package hotpath

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapledger/internal/cache"
	"swapledger/internal/emit"
	"swapledger/internal/poskey"
	"swapledger/internal/rules"
	"swapledger/internal/store"
	"swapledger/internal/upi"
	"swapledger/internal/validate"
	"swapledger/pkg/types"
)

type fixture struct {
	engine *Engine
	db     *store.DB
	bus    *emit.Bus
}

func newFixture(t *testing.T, rulesURL string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 16, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := cache.NewMemory()
	rulesSvc := rules.New(rules.Config{BaseURL: rulesURL, Timeout: time.Second}, c, logger)
	bus := emit.NewBus(logger)
	t.Cleanup(bus.Close)
	history := upi.NewWriter(db, logger)

	eng := New(db, rulesSvc, bus, history, c, Config{Retries: 3, Deadline: 5 * time.Second}, logger)
	return &fixture{engine: eng, db: db, bus: bus}
}

func trade(id string, tt types.TradeType, qty, price, eff string) types.TradeEvent {
	return types.TradeEvent{
		TradeID:        id,
		Account:        "ACC-H",
		Instrument:     "SWAP.XYZ",
		Currency:       "USD",
		TradeType:      tt,
		Quantity:       decimal.RequireFromString(qty),
		Price:          decimal.RequireFromString(price),
		EffectiveDate:  types.MustParseDate(eff),
		CorrelationID:  "corr-" + id,
		SequenceStatus: types.SeqCurrentDated,
	}
}

func TestOpenIncreaseDecrease(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	applied, err := f.bus.Subscribe(types.StreamTradeApplied)
	require.NoError(t, err)

	_, err = f.engine.Process(ctx, trade("T1", types.TradeNew, "1000", "50", "2025-01-10"))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, trade("T2", types.TradeIncrease, "500", "55", "2025-01-11"))
	require.NoError(t, err)
	res, err := f.engine.Process(ctx, trade("T3", types.TradeDecrease, "200", "60", "2025-01-12"))
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.EventVer)
	assert.Equal(t, "T1", res.UPI)
	assert.Equal(t, types.StatusActive, res.Status)
	assert.True(t, res.NewTotalQty.Equal(decimal.RequireFromString("1300")))

	key := poskey.Key("ACC-H", "SWAP.XYZ", "USD", false)
	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.LastVer)
	assert.Equal(t, types.ReconReconciled, snap.ReconciliationStatus)
	require.Equal(t, 2, snap.Lots.Len())
	assert.Equal(t, "800", snap.Lots.Qtys[0])
	assert.Equal(t, "50", snap.Lots.Prices[0])
	assert.Equal(t, "500", snap.Lots.Qtys[1])

	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[2].MetaLots.RealizedPnL.Equal(decimal.RequireFromString("2000")))

	// Three applied records in commit order.
	for _, want := range []string{"T1", "T2", "T3"} {
		select {
		case rec := <-applied:
			assert.Equal(t, want, rec.Payload.(types.TradeAppliedRecord).TradeID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for applied record %s", want)
		}
	}
}

func TestFullCloseThenReopen(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	key := poskey.Key("ACC-H", "SWAP.XYZ", "USD", false)

	_, err := f.engine.Process(ctx, trade("T1", types.TradeNew, "1000", "50", "2025-01-10"))
	require.NoError(t, err)
	res, err := f.engine.Process(ctx, trade("T2", types.TradeDecrease, "1000", "60", "2025-01-11"))
	require.NoError(t, err)

	assert.Equal(t, types.StatusTerminated, res.Status)
	assert.Equal(t, "T1", res.UPI, "UPI retained on the terminated snapshot")
	assert.True(t, res.NewTotalQty.IsZero())

	snap, err := f.db.GetSnapshot(ctx, key)
	require.NoError(t, err)
	assert.True(t, snap.Lots.Empty())

	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	assert.True(t, events[1].MetaLots.RealizedPnL.Equal(decimal.RequireFromString("10000")))

	res, err = f.engine.Process(ctx, trade("T3", types.TradeNew, "200", "70", "2025-01-12"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.EventVer)
	assert.Equal(t, "T3", res.UPI, "reopen starts a new UPI")
	assert.Equal(t, types.StatusActive, res.Status)

	history, err := f.db.ListHistory(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.UPICreated, history[0].ChangeType)
	assert.Equal(t, types.UPITerminated, history[1].ChangeType)
	assert.Equal(t, types.UPIReopened, history[2].ChangeType)
	assert.Equal(t, "T1", history[2].PreviousUPI)
}

func TestSignChangeSplit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	longKey := poskey.Key("ACC-H", "SWAP.XYZ", "USD", false)
	shortKey := poskey.Key("ACC-H", "SWAP.XYZ", "USD", true)

	_, err := f.engine.Process(ctx, trade("T1", types.TradeNew, "100", "50", "2025-01-10"))
	require.NoError(t, err)
	res, err := f.engine.Process(ctx, trade("T2", types.TradeDecrease, "150", "55", "2025-01-11"))
	require.NoError(t, err)

	assert.Equal(t, longKey, res.PositionKey)
	assert.Equal(t, int64(2), res.EventVer)
	assert.Equal(t, types.StatusTerminated, res.Status)
	assert.Equal(t, shortKey, res.SplitKey)
	assert.Equal(t, int64(1), res.SplitEventVer)

	longSnap, err := f.db.GetSnapshot(ctx, longKey)
	require.NoError(t, err)
	assert.Equal(t, types.StatusTerminated, longSnap.Status)
	assert.True(t, longSnap.Lots.Empty())

	longEvents, err := f.db.ListEvents(ctx, longKey)
	require.NoError(t, err)
	require.Len(t, longEvents, 2)
	assert.True(t, longEvents[1].MetaLots.RealizedPnL.Equal(decimal.RequireFromString("500")))
	assert.True(t, longEvents[1].MetaLots.ExcessQty.Equal(decimal.RequireFromString("50")))

	shortSnap, err := f.db.GetSnapshot(ctx, shortKey)
	require.NoError(t, err)
	require.NotNil(t, shortSnap)
	assert.Equal(t, types.StatusActive, shortSnap.Status)
	assert.Equal(t, "T2", shortSnap.UPI, "new direction opens a new UPI")
	require.Equal(t, 1, shortSnap.Lots.Len())
	assert.Equal(t, "-50", shortSnap.Lots.Qtys[0])
	assert.Equal(t, "55", shortSnap.Lots.Prices[0])

	shortEvents, err := f.db.ListEvents(ctx, shortKey)
	require.NoError(t, err)
	require.Len(t, shortEvents, 1)
	assert.Equal(t, types.EventNew, shortEvents[0].EventType)
	assert.True(t, shortEvents[0].Payload.Quantity.Equal(decimal.RequireFromString("50")))
	assert.Equal(t, "T2", shortEvents[0].CausationID, "split leg is causation-chained to the trade")
	assert.Equal(t, "corr-T2", shortEvents[0].CorrelationID)
}

func TestHIFOMethodFromContractRules(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"taxLotMethod":"HIFO"}`))
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, srv.URL)
	ctx := context.Background()
	key := poskey.Key("ACC-H", "SWAP.XYZ", "USD", false)

	withContract := func(tr types.TradeEvent) types.TradeEvent {
		tr.ContractID = "C-HIFO"
		return tr
	}

	_, err := f.engine.Process(ctx, withContract(trade("T1", types.TradeNew, "100", "50", "2025-02-01")))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, withContract(trade("T2", types.TradeIncrease, "100", "60", "2025-02-02")))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, withContract(trade("T3", types.TradeIncrease, "100", "55", "2025-02-03")))
	require.NoError(t, err)
	res, err := f.engine.Process(ctx, withContract(trade("T4", types.TradeDecrease, "120", "65", "2025-02-04")))
	require.NoError(t, err)

	assert.True(t, res.NewTotalQty.Equal(decimal.RequireFromString("180")))

	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.True(t, events[3].MetaLots.RealizedPnL.Equal(decimal.RequireFromString("700")))
	require.Len(t, events[3].MetaLots.Allocations, 2)
	assert.True(t, events[3].MetaLots.Allocations[0].LotPrice.Equal(decimal.RequireFromString("60")))
}

func TestFailedTradeCanBeReprocessed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	// A trade that previously blew its retry budget sits as FAILED; a
	// resubmission must commit and upgrade the marker.
	require.NoError(t, f.db.MarkFailed(ctx, "T1", ""))

	res, err := f.engine.Process(ctx, trade("T1", types.TradeNew, "100", "50", "2025-01-10"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.EventVer)

	rec, err := f.db.GetIdempotency(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, types.IdemProcessed, rec.Status)
	assert.Equal(t, int64(1), rec.EventVersion)
}

func TestStateMachineRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	_, err := f.engine.Process(context.Background(), trade("T1", types.TradeDecrease, "10", "50", "2025-01-10"))
	var verr *validate.Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validate.CategoryStateMachine, verr.Category)
}

func TestDuplicateTradeFenced(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()
	key := poskey.Key("ACC-H", "SWAP.XYZ", "USD", false)

	_, err := f.engine.Process(ctx, trade("T1", types.TradeNew, "100", "50", "2025-01-10"))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, trade("T2", types.TradeIncrease, "40", "52", "2025-01-11"))
	require.NoError(t, err)

	// Same trade id straight into the hotpath (bypassing the orchestrator's
	// idempotency precheck): the durable fence stops it before any apply.
	_, err = f.engine.Process(ctx, trade("T2", types.TradeIncrease, "40", "52", "2025-01-11"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateTrade))

	events, err := f.db.ListEvents(ctx, key)
	require.NoError(t, err)
	assert.Len(t, events, 2, "exactly one committed event per trade id")

	rec, err := f.db.GetIdempotency(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, types.IdemProcessed, rec.Status, "duplicate must not be re-marked")
}

package validate

import (
	"testing"

	"github.com/shopspring/decimal"

	"swapledger/internal/poskey"
	"swapledger/pkg/types"
)

var today = types.MustParseDate("2025-06-15")

func validTrade() types.TradeEvent {
	return types.TradeEvent{
		TradeID:       "T1",
		Account:       "ACC-1",
		Instrument:    "SWAP.XYZ",
		Currency:      "USD",
		TradeType:     types.TradeNew,
		Quantity:      decimal.NewFromInt(100),
		Price:         decimal.NewFromInt(50),
		EffectiveDate: types.MustParseDate("2025-06-15"),
	}
}

func TestCheckTradeAccepts(t *testing.T) {
	t.Parallel()
	if err := CheckTrade(validTrade(), today); err != nil {
		t.Errorf("valid trade rejected: %v", err)
	}
}

func TestCheckTradeSchema(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*types.TradeEvent)
	}{
		{"missing tradeId", func(tr *types.TradeEvent) { tr.TradeID = " " }},
		{"missing account", func(tr *types.TradeEvent) { tr.Account = "" }},
		{"missing instrument", func(tr *types.TradeEvent) { tr.Instrument = "" }},
		{"missing currency", func(tr *types.TradeEvent) { tr.Currency = "" }},
		{"zero quantity", func(tr *types.TradeEvent) { tr.Quantity = decimal.Zero }},
		{"negative quantity", func(tr *types.TradeEvent) { tr.Quantity = decimal.NewFromInt(-5) }},
		{"zero price", func(tr *types.TradeEvent) { tr.Price = decimal.Zero }},
		{"missing effective date", func(tr *types.TradeEvent) { tr.EffectiveDate = types.Date{} }},
		{"too far in the future", func(tr *types.TradeEvent) { tr.EffectiveDate = today.AddDate(1, 0, 1) }},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			trade := validTrade()
			tc.mutate(&trade)
			err := CheckTrade(trade, today)
			if err == nil {
				t.Fatal("expected schema rejection")
			}
			if err.Category != CategorySchema {
				t.Errorf("category = %s, want %s", err.Category, CategorySchema)
			}
		})
	}
}

func TestCheckTradeDerivablesNotRequiredWithKey(t *testing.T) {
	t.Parallel()
	trade := validTrade()
	trade.PositionKey = poskey.Key("ACC-1", "SWAP.XYZ", "USD", false)
	trade.Account, trade.Instrument, trade.Currency = "", "", ""
	if err := CheckTrade(trade, today); err != nil {
		t.Errorf("trade with explicit key rejected: %v", err)
	}
}

func TestCheckTradeFormat(t *testing.T) {
	t.Parallel()

	trade := validTrade()
	trade.PositionKey = "not-a-key"
	err := CheckTrade(trade, today)
	if err == nil || err.Category != CategoryFormat {
		t.Errorf("malformed key: err = %v, want FORMAT rejection", err)
	}

	trade = validTrade()
	trade.TradeType = "CANCEL"
	err = CheckTrade(trade, today)
	if err == nil || err.Category != CategoryFormat {
		t.Errorf("unknown trade type: err = %v, want FORMAT rejection", err)
	}
}

func TestCheckTransition(t *testing.T) {
	t.Parallel()
	active := &types.Snapshot{Status: types.StatusActive}
	terminated := &types.Snapshot{Status: types.StatusTerminated}

	cases := []struct {
		name      string
		tradeType types.TradeType
		snap      *types.Snapshot
		ok        bool
	}{
		{"new on non-existent", types.TradeNew, nil, true},
		{"new on terminated (reopen)", types.TradeNew, terminated, true},
		{"new on active", types.TradeNew, active, false},
		{"increase on active", types.TradeIncrease, active, true},
		{"increase on non-existent", types.TradeIncrease, nil, false},
		{"increase on terminated", types.TradeIncrease, terminated, false},
		{"decrease on active", types.TradeDecrease, active, true},
		{"decrease on non-existent", types.TradeDecrease, nil, false},
		{"decrease on terminated", types.TradeDecrease, terminated, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckTransition(tc.tradeType, tc.snap)
			if tc.ok && err != nil {
				t.Errorf("unexpected rejection: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected state-machine rejection")
				}
				if err.Category != CategoryStateMachine {
					t.Errorf("category = %s, want %s", err.Category, CategoryStateMachine)
				}
			}
		})
	}
}

// Package lots implements the tax-lot engine: an ordered sequence of tax
// lots per position, allocation of decreases by FIFO/LIFO/HIFO, realized
// P&L computation, and the parallel-array compressed form stored on
// snapshots.
//
// Everything here is a pure function over in-memory state. All arithmetic
// is arbitrary-precision decimal; nothing is rounded internally.
package lots

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"swapledger/pkg/types"
)

// PositionState is the inflated, mutable view of one position's lots.
// Insertion order is trade-date order with ties broken by arrival order;
// replay preserves this by applying events in canonical order.
type PositionState struct {
	Lots []types.TaxLot
}

// NewState returns an empty position state.
func NewState() *PositionState {
	return &PositionState{}
}

// TotalQty is the signed sum of remaining quantity across all lots.
func (s *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Lots {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// IsShort reports whether the open lots are short. False for a flat state.
func (s *PositionState) IsShort() bool {
	for _, l := range s.Lots {
		if l.Open() {
			return l.RemainingQty.IsNegative()
		}
	}
	return false
}

// HasOpenLots reports whether any lot still has remaining quantity.
func (s *PositionState) HasOpenLots() bool {
	for _, l := range s.Lots {
		if l.Open() {
			return true
		}
	}
	return false
}

// DropClosed removes fully-consumed lots. Called at commit time so the
// active sequence holds open lots only.
func (s *PositionState) DropClosed() {
	open := s.Lots[:0]
	for _, l := range s.Lots {
		if l.Open() {
			open = append(open, l)
		}
	}
	s.Lots = open
}

// lotIDNamespace scopes deterministic lot IDs. Lot IDs are derived from
// (positionKey, tradeID) so that replaying the same event stream yields
// byte-identical compressed lots no matter when or where it runs.
var lotIDNamespace = uuid.MustParse("8c9e4bfa-51a7-45f0-9e51-2f6a7c0d9b3e")

// LotID derives the deterministic lot id for the lot a trade opens on a key.
func LotID(positionKey, tradeID string) string {
	return uuid.NewSHA1(lotIDNamespace, []byte(positionKey+"|"+tradeID)).String()
}

// Apply applies one trade action to the state and returns the allocation
// result. isShort is the direction of the position key: adds on a short key
// create negative lots. The caller owns sign-change policy; a decrease that
// outruns the open lots comes back with a positive ExcessQty, never an
// error.
func Apply(s *PositionState, action types.TradeType, positionKey, tradeID string, qty, price decimal.Decimal, date types.Date, method types.TaxLotMethod, isShort bool) (types.LotAllocationResult, error) {
	switch action {
	case types.TradeNew, types.TradeIncrease:
		signed := qty
		// Open lots dictate the sign while any exist; the key's direction
		// only matters for the first lot of a (re)opened position.
		short := isShort
		if s.HasOpenLots() {
			short = s.IsShort()
		}
		if short {
			signed = qty.Neg()
		}
		lot := AddLot(s, LotID(positionKey, tradeID), signed, price, date)
		return types.LotAllocationResult{
			RealizedPnL:  decimal.Zero,
			ExcessQty:    decimal.Zero,
			CreatedLotID: lot.LotID,
		}, nil
	case types.TradeDecrease:
		return ReduceLots(s, qty, method, price, date)
	default:
		return types.LotAllocationResult{}, fmt.Errorf("apply: unknown trade type %q", action)
	}
}

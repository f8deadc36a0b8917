package lots

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"swapledger/pkg/types"
)

// ErrNoOpenLots is returned by ReduceLots when the position has nothing to
// allocate against. The validator normally rejects such trades before they
// reach the engine; during coldpath replay it signals a replay
// inconsistency.
var ErrNoOpenLots = errors.New("lots: reduce against position with no open lots")

// AddLot appends a new lot with originalQty = remainingQty = qty. Negative
// qty opens a short lot. Insertion order is preserved; the caller is
// responsible for feeding events in canonical order.
func AddLot(s *PositionState, lotID string, qty, price decimal.Decimal, date types.Date) types.TaxLot {
	lot := types.TaxLot{
		LotID:        lotID,
		TradeDate:    date,
		Price:        price,
		OriginalQty:  qty,
		RemainingQty: qty,
		SettledQty:   decimal.Zero,
	}
	s.Lots = append(s.Lots, lot)
	return lot
}

// ReduceLots allocates reduceQty (positive) against the open lots in the
// order the method dictates:
//
//	FIFO: ascending trade date, ties by insertion order.
//	LIFO: descending trade date, ties by reverse insertion order.
//	HIFO: descending price, ties fall back to FIFO order.
//
// Each selected lot gives up min(reduceQty, |remaining|); realized P&L is
// (closePrice − lotPrice)·closed for long lots and (lotPrice − closePrice)·closed
// for short lots. Quantity left over after all open lots are consumed is
// returned as ExcessQty, never discarded: the caller's sign-change policy
// decides its fate. Consumed lots stay in the sequence with zero remaining
// until DropClosed.
func ReduceLots(s *PositionState, reduceQty decimal.Decimal, method types.TaxLotMethod, closePrice decimal.Decimal, closeDate types.Date) (types.LotAllocationResult, error) {
	result := types.LotAllocationResult{
		RealizedPnL: decimal.Zero,
		ExcessQty:   decimal.Zero,
	}
	if !s.HasOpenLots() {
		return result, ErrNoOpenLots
	}

	short := s.IsShort()
	order := selectionOrder(s, method)

	remaining := reduceQty
	for _, idx := range order {
		if remaining.IsZero() {
			break
		}
		lot := &s.Lots[idx]
		if !lot.Open() {
			continue
		}
		available := lot.RemainingQty.Abs()
		closed := decimal.Min(remaining, available)

		// Move remaining toward zero, preserving the lot's sign.
		if short {
			lot.RemainingQty = lot.RemainingQty.Add(closed)
		} else {
			lot.RemainingQty = lot.RemainingQty.Sub(closed)
		}

		var pnl decimal.Decimal
		if short {
			pnl = lot.Price.Sub(closePrice).Mul(closed)
		} else {
			pnl = closePrice.Sub(lot.Price).Mul(closed)
		}

		result.Allocations = append(result.Allocations, types.LotAllocation{
			LotID:       lot.LotID,
			LotPrice:    lot.Price,
			ClosedQty:   closed,
			RealizedPnL: pnl,
		})
		result.RealizedPnL = result.RealizedPnL.Add(pnl)
		remaining = remaining.Sub(closed)
	}

	result.ExcessQty = remaining
	return result, nil
}

// selectionOrder returns lot indices in the allocation order for the
// method. Only open lots are listed.
func selectionOrder(s *PositionState, method types.TaxLotMethod) []int {
	order := make([]int, 0, len(s.Lots))
	for i, l := range s.Lots {
		if l.Open() {
			order = append(order, i)
		}
	}

	switch method {
	case types.MethodLIFO:
		sort.SliceStable(order, func(a, b int) bool {
			da, db := s.Lots[order[a]].TradeDate, s.Lots[order[b]].TradeDate
			if !da.Equal(db) {
				return db.Before(da)
			}
			return order[b] < order[a]
		})
	case types.MethodHIFO:
		sort.SliceStable(order, func(a, b int) bool {
			pa, pb := s.Lots[order[a]].Price, s.Lots[order[b]].Price
			if !pa.Equal(pb) {
				return pa.GreaterThan(pb)
			}
			// Equal prices fall back to FIFO.
			da, db := s.Lots[order[a]].TradeDate, s.Lots[order[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			return order[a] < order[b]
		})
	default: // FIFO
		sort.SliceStable(order, func(a, b int) bool {
			da, db := s.Lots[order[a]].TradeDate, s.Lots[order[b]].TradeDate
			if !da.Equal(db) {
				return da.Before(db)
			}
			return order[a] < order[b]
		})
	}
	return order
}

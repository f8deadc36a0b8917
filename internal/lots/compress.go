package lots

import (
	"fmt"

	"github.com/shopspring/decimal"

	"swapledger/pkg/types"
)

// Compress serializes the open lots into the parallel-array snapshot form.
// Closed lots are dropped; order is preserved. Original quantities are not
// stored: inflation reconstructs lots with originalQty = remainingQty,
// which is the normal form for snapshot state.
func Compress(s *PositionState) types.CompressedLots {
	c := types.CompressedLots{
		IDs:        []string{},
		TradeDates: []string{},
		Prices:     []string{},
		Qtys:       []string{},
	}
	for _, l := range s.Lots {
		if !l.Open() {
			continue
		}
		c.IDs = append(c.IDs, l.LotID)
		c.TradeDates = append(c.TradeDates, l.TradeDate.String())
		c.Prices = append(c.Prices, l.Price.String())
		c.Qtys = append(c.Qtys, l.RemainingQty.String())
	}
	return c
}

// Inflate reconstructs a position state from its compressed form,
// preserving lot order.
func Inflate(c types.CompressedLots) (*PositionState, error) {
	n := len(c.IDs)
	if len(c.TradeDates) != n || len(c.Prices) != n || len(c.Qtys) != n {
		return nil, fmt.Errorf("lots: ragged compressed arrays (ids=%d dates=%d prices=%d qtys=%d)",
			len(c.IDs), len(c.TradeDates), len(c.Prices), len(c.Qtys))
	}

	s := NewState()
	for i := 0; i < n; i++ {
		date, err := types.ParseDate(c.TradeDates[i])
		if err != nil {
			return nil, fmt.Errorf("lots: inflate lot %d: %w", i, err)
		}
		price, err := decimal.NewFromString(c.Prices[i])
		if err != nil {
			return nil, fmt.Errorf("lots: inflate lot %d price: %w", i, err)
		}
		qty, err := decimal.NewFromString(c.Qtys[i])
		if err != nil {
			return nil, fmt.Errorf("lots: inflate lot %d qty: %w", i, err)
		}
		s.Lots = append(s.Lots, types.TaxLot{
			LotID:        c.IDs[i],
			TradeDate:    date,
			Price:        price,
			OriginalQty:  qty,
			RemainingQty: qty,
			SettledQty:   decimal.Zero,
		})
	}
	return s, nil
}

// TotalQtyOf sums the compressed quantities without full inflation.
func TotalQtyOf(c types.CompressedLots) (decimal.Decimal, error) {
	total := decimal.Zero
	for i, q := range c.Qtys {
		d, err := decimal.NewFromString(q)
		if err != nil {
			return decimal.Zero, fmt.Errorf("lots: qty %d: %w", i, err)
		}
		total = total.Add(d)
	}
	return total, nil
}

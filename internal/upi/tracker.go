// Package upi manages Unique Position Identifier lifecycles. A UPI names
// one "life" of a position: it begins at the first NEW_TRADE or at a reopen
// after termination, and the identifier is the trade id that began it.
//
// Tracker is the pure state machine both paths share: the hotpath applies
// it incrementally, the coldpath applies it while replaying a full event
// stream, and property 8 (UPI reconstructibility) holds exactly because the
// two run the same code.
package upi

import (
	"github.com/shopspring/decimal"

	"swapledger/pkg/types"
)

// Transition is one observed UPI lifecycle change.
type Transition struct {
	ChangeType     types.UPIChangeType
	UPI            string
	PreviousUPI    string
	Status         types.PositionStatus
	PreviousStatus types.PositionStatus
	TradeID        string
	EffectiveDate  types.Date
}

// Tracker follows (currentUPI, currentStatus) across a sequence of applied
// trades. The zero value represents a non-existent position.
type Tracker struct {
	UPI         string
	Status      types.PositionStatus // "" while non-existent
	Transitions []Transition
}

// FromSnapshot seeds a tracker with a position's current identity.
func FromSnapshot(snap *types.Snapshot) *Tracker {
	if snap == nil {
		return &Tracker{}
	}
	return &Tracker{UPI: snap.UPI, Status: snap.Status}
}

// Apply advances the tracker for one applied trade. totalAfter is the
// position's total quantity after the trade's lot effects. Transitions are
// appended in occurrence order; one trade can produce two (a reopen records
// REOPENED, a closing decrease records TERMINATED).
func (t *Tracker) Apply(action types.TradeType, tradeID string, totalAfter decimal.Decimal, date types.Date) {
	switch action {
	case types.TradeNew:
		switch t.Status {
		case "":
			t.record(types.UPICreated, tradeID, "", types.StatusActive, date, tradeID)
		case types.StatusTerminated:
			t.record(types.UPIReopened, tradeID, t.UPI, types.StatusActive, date, tradeID)
		}
	case types.TradeIncrease, types.TradeDecrease:
		// Identity unchanged; only a close below moves it.
	}

	if t.Status == types.StatusActive && totalAfter.IsZero() {
		t.record(types.UPITerminated, t.UPI, "", types.StatusTerminated, date, tradeID)
	}
}

func (t *Tracker) record(change types.UPIChangeType, upi, previousUPI string, status types.PositionStatus, date types.Date, tradeID string) {
	tr := Transition{
		ChangeType:     change,
		UPI:            upi,
		PreviousUPI:    previousUPI,
		Status:         status,
		PreviousStatus: t.Status,
		TradeID:        tradeID,
		EffectiveDate:  date,
	}
	t.Transitions = append(t.Transitions, tr)
	t.UPI = upi
	t.Status = status
}

// ChangeTypes flattens the transition sequence for comparisons in tests.
func (t *Tracker) ChangeTypes() []types.UPIChangeType {
	out := make([]types.UPIChangeType, len(t.Transitions))
	for i, tr := range t.Transitions {
		out[i] = tr.ChangeType
	}
	return out
}

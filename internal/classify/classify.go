// Package classify decides the temporal class of an incoming trade:
// CURRENT_DATED, FORWARD_DATED, or BACKDATED. Backdated trades are routed
// to the coldpath for chronological replay; everything else stays on the
// hotpath.
package classify

import (
	"swapledger/pkg/types"
)

// Classify assigns the sequence status for a trade given the position's
// current snapshot (nil when the position does not exist yet) and today's
// date, which is injected for testability.
//
// A trade is BACKDATED when its effective date falls before history the
// snapshot already reflects, either by effective date or by the snapshot's
// last update date. A trade dated after today is FORWARD_DATED. Everything
// else, including a trade whose effective date equals the snapshot's latest
// but which arrives later in wall-clock, is CURRENT_DATED.
func Classify(trade types.TradeEvent, snap *types.Snapshot, today types.Date) types.SequenceStatus {
	if snap != nil {
		if !snap.LatestEffectiveDate.IsZero() && trade.EffectiveDate.Before(snap.LatestEffectiveDate) {
			return types.SeqBackdated
		}
		if !snap.LastUpdatedAt.IsZero() && trade.EffectiveDate.Before(types.DateOf(snap.LastUpdatedAt)) {
			return types.SeqBackdated
		}
	}
	if trade.EffectiveDate.After(today) {
		return types.SeqForwardDated
	}
	return types.SeqCurrentDated
}

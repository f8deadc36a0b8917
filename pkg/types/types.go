// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — trade events,
// tax lots, position snapshots, stored events, and the outbound record
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TradeType enumerates the supported inbound trade actions.
type TradeType string

const (
	TradeNew      TradeType = "NEW_TRADE"
	TradeIncrease TradeType = "INCREASE"
	TradeDecrease TradeType = "DECREASE"
)

// Valid reports whether t is one of the allowed trade types.
func (t TradeType) Valid() bool {
	switch t {
	case TradeNew, TradeIncrease, TradeDecrease:
		return true
	}
	return false
}

// EventType is the type of a stored position event. Hotpath commits use the
// trade type directly; coldpath corrections are appended as CORRECTION_*
// events that replay exactly like their base type at their effective date.
type EventType string

const (
	EventNew                EventType = "NEW_TRADE"
	EventIncrease           EventType = "INCREASE"
	EventDecrease           EventType = "DECREASE"
	EventCorrectionNew      EventType = "CORRECTION_NEW_TRADE"
	EventCorrectionIncrease EventType = "CORRECTION_INCREASE"
	EventCorrectionDecrease EventType = "CORRECTION_DECREASE"
)

// EventTypeFor converts a trade type to its plain event type.
func EventTypeFor(t TradeType) EventType {
	return EventType(t)
}

// CorrectionEventFor converts a trade type to its correction event type.
func CorrectionEventFor(t TradeType) EventType {
	return EventType("CORRECTION_" + string(t))
}

// Base strips any CORRECTION_ prefix and returns the underlying trade type.
func (e EventType) Base() TradeType {
	switch e {
	case EventCorrectionNew:
		return TradeNew
	case EventCorrectionIncrease:
		return TradeIncrease
	case EventCorrectionDecrease:
		return TradeDecrease
	}
	return TradeType(e)
}

// IsCorrection reports whether the event was appended by the coldpath.
func (e EventType) IsCorrection() bool {
	return string(e) != string(e.Base())
}

// SequenceStatus is the temporal class assigned by the classifier.
type SequenceStatus string

const (
	SeqCurrentDated SequenceStatus = "CURRENT_DATED"
	SeqForwardDated SequenceStatus = "FORWARD_DATED"
	SeqBackdated    SequenceStatus = "BACKDATED"
)

// PositionStatus is the lifecycle status of a position snapshot.
type PositionStatus string

const (
	StatusActive     PositionStatus = "ACTIVE"
	StatusTerminated PositionStatus = "TERMINATED"
)

// ReconciliationStatus indicates whether a snapshot reflects a full
// chronological replay of its event stream.
type ReconciliationStatus string

const (
	ReconReconciled  ReconciliationStatus = "RECONCILED"
	ReconProvisional ReconciliationStatus = "PROVISIONAL"
	ReconPending     ReconciliationStatus = "PENDING"
)

// TaxLotMethod selects the lot allocation order for decreases.
type TaxLotMethod string

const (
	MethodFIFO TaxLotMethod = "FIFO"
	MethodLIFO TaxLotMethod = "LIFO"
	MethodHIFO TaxLotMethod = "HIFO"
)

// Valid reports whether m is a known allocation method.
func (m TaxLotMethod) Valid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodHIFO:
		return true
	}
	return false
}

// UPIChangeType classifies a UPI lifecycle transition.
type UPIChangeType string

const (
	UPICreated     UPIChangeType = "CREATED"
	UPITerminated  UPIChangeType = "TERMINATED"
	UPIReopened    UPIChangeType = "REOPENED"
	UPIInvalidated UPIChangeType = "INVALIDATED"
	UPIMerged      UPIChangeType = "MERGED"
	UPIRestored    UPIChangeType = "RESTORED"
)

// IdempotencyStatus is the terminal state of one trade's processing attempt.
type IdempotencyStatus string

const (
	IdemProcessed IdempotencyStatus = "PROCESSED"
	IdemFailed    IdempotencyStatus = "FAILED"
)

// ————————————————————————————————————————————————————————————————————————
// Trade events
// ————————————————————————————————————————————————————————————————————————

// TradeEvent is the inbound trade message. PositionKey may be empty, in
// which case it is derived from (account, instrument, currency, direction).
// SequenceStatus is assigned by the classifier, never by the caller.
type TradeEvent struct {
	TradeID        string          `json:"tradeId"`
	PositionKey    string          `json:"positionKey,omitempty"`
	Account        string          `json:"account"`
	Instrument     string          `json:"instrument"`
	Currency       string          `json:"currency"`
	TradeType      TradeType       `json:"tradeType"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	EffectiveDate  Date            `json:"effectiveDate"`
	ContractID     string          `json:"contractId"`
	CorrelationID  string          `json:"correlationId"`
	CausationID    string          `json:"causationId"`
	UserID         string          `json:"userId"`
	SequenceStatus SequenceStatus  `json:"sequenceStatus,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Tax lots and compression
// ————————————————————————————————————————————————————————————————————————

// TaxLot is an open parcel of a position. RemainingQty carries the same
// sign as OriginalQty (negative for short lots) and never exceeds it in
// magnitude. A lot is open while RemainingQty is non-zero.
type TaxLot struct {
	LotID          string          `json:"lotId"`
	TradeDate      Date            `json:"tradeDate"`
	Price          decimal.Decimal `json:"price"`
	OriginalQty    decimal.Decimal `json:"originalQty"`
	RemainingQty   decimal.Decimal `json:"remainingQty"`
	SettlementDate *Date           `json:"settlementDate,omitempty"`
	SettledQty     decimal.Decimal `json:"settledQty"`
}

// Open reports whether the lot still has unconsumed quantity.
func (l TaxLot) Open() bool {
	return !l.RemainingQty.IsZero()
}

// CompressedLots is the struct-of-arrays serialized form of a position's
// open lots. Arrays are parallel: index i across all four slices describes
// one lot. Field order is fixed, so normalized JSON of two equal values is
// byte-identical.
type CompressedLots struct {
	IDs        []string `json:"ids"`
	TradeDates []string `json:"tradeDates"`
	Prices     []string `json:"prices"`
	Qtys       []string `json:"qtys"`
}

// Len returns the number of compressed lots.
func (c CompressedLots) Len() int { return len(c.IDs) }

// Empty reports whether no open lots are stored.
func (c CompressedLots) Empty() bool { return len(c.IDs) == 0 }

// ————————————————————————————————————————————————————————————————————————
// Allocation results
// ————————————————————————————————————————————————————————————————————————

// LotAllocation records how much of one lot a decrease consumed, and the
// realized P&L on the consumed slice.
type LotAllocation struct {
	LotID       string          `json:"lotId"`
	LotPrice    decimal.Decimal `json:"lotPrice"`
	ClosedQty   decimal.Decimal `json:"closedQty"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
}

// LotAllocationResult is the outcome of applying one trade to a position's
// lots. For decreases, Allocations holds the per-lot breakdown and
// ExcessQty any quantity left over after every open lot was consumed; the
// hotpath's sign-change policy decides what happens to the excess. For
// adds, Allocations is empty and CreatedLotID names the lot opened.
type LotAllocationResult struct {
	Allocations  []LotAllocation `json:"allocations,omitempty"`
	RealizedPnL  decimal.Decimal `json:"realizedPnL"`
	ExcessQty    decimal.Decimal `json:"excessQty"`
	CreatedLotID string          `json:"createdLotId,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Persisted records
// ————————————————————————————————————————————————————————————————————————

// Event is one immutable, versioned record on a position's event stream.
// (PositionKey, EventVer) is the primary identity; versions are dense
// integers starting at 1. Canonical read order is
// (EffectiveDate, OccurredAt, EventVer).
type Event struct {
	PositionKey   string              `json:"positionKey"`
	EventVer      int64               `json:"eventVer"`
	EventType     EventType           `json:"eventType"`
	EffectiveDate Date                `json:"effectiveDate"`
	OccurredAt    time.Time           `json:"occurredAt"`
	Payload       TradeEvent          `json:"payload"`
	MetaLots      LotAllocationResult `json:"metaLots"`
	CorrelationID string              `json:"correlationId"`
	CausationID   string              `json:"causationId"`
	ArchivalFlag  bool                `json:"archivalFlag,omitempty"`
}

// Snapshot is the compressed current state of a position plus the
// optimistic-concurrency metadata. LastVer equals the highest committed
// event version for the key. A terminated snapshot keeps its key and UPI
// for audit but carries no open lots.
type Snapshot struct {
	PositionKey          string               `json:"positionKey"`
	LastVer              int64                `json:"lastVer"`
	Lots                 CompressedLots       `json:"compressedLots"`
	Status               PositionStatus       `json:"status"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliationStatus"`
	UPI                  string               `json:"upi"`
	Account              string               `json:"account"`
	Instrument           string               `json:"instrument"`
	Currency             string               `json:"currency"`
	ContractID           string               `json:"contractId"`
	LatestEffectiveDate  Date                 `json:"latestEffectiveDate"`
	LastUpdatedAt        time.Time            `json:"lastUpdatedAt"`
	ArchivalFlag         bool                 `json:"archivalFlag,omitempty"`
}

// IdempotencyRecord is the at-most-once marker for one trade id.
type IdempotencyRecord struct {
	TradeID      string            `json:"tradeId"`
	PositionKey  string            `json:"positionKey"`
	Status       IdempotencyStatus `json:"status"`
	EventVersion int64             `json:"eventVersion,omitempty"`
	ProcessedAt  time.Time         `json:"processedAt"`
}

// UPIHistoryEntry is one audit row per UPI lifecycle transition.
type UPIHistoryEntry struct {
	PositionKey           string         `json:"positionKey"`
	UPI                   string         `json:"upi"`
	PreviousUPI           string         `json:"previousUpi,omitempty"`
	Status                PositionStatus `json:"status"`
	PreviousStatus        PositionStatus `json:"previousStatus,omitempty"`
	ChangeType            UPIChangeType  `json:"changeType"`
	TriggeringTradeID     string         `json:"triggeringTradeId"`
	BackdatedTradeID      string         `json:"backdatedTradeId,omitempty"`
	OccurredAt            time.Time      `json:"occurredAt"`
	EffectiveDate         Date           `json:"effectiveDate"`
	Reason                string         `json:"reason"`
	MergedFromPositionKey string         `json:"mergedFromPositionKey,omitempty"`
}

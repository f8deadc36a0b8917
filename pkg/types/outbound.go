package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Logical outbound stream names. Each stream is partitioned by positionKey
// so per-key ordering is preserved end to end.
const (
	StreamTradeApplied      = "trade-applied"
	StreamProvisionalTrade  = "provisional-trade"
	StreamPositionCorrected = "position-corrected"
	StreamRegulatory        = "regulatory"
	StreamDLQ               = "dlq"
	StreamErrorRetry        = "error-retry"
)

// Regulatory record type discriminators.
const (
	RegTradeReport     = "TRADE_REPORT"
	RegUPIInvalidation = "UPI_INVALIDATION"
	RegTradeCorrection = "TRADE_CORRECTION"
)

// Fixed action strings carried on regulatory records.
const (
	ActionResubmitWithNewUPI = "RESUBMIT_TRADES_WITH_NEW_UPI"
	ActionCorrectWithNewUPI  = "CORRECT_TRADE_WITH_NEW_UPI"
)

// ReasonBackdatedRecalculation is the reason attached to every
// position-corrected record.
const ReasonBackdatedRecalculation = "BACKDATED_TRADE_RECALCULATION"

// AffectedSystems lists the downstream consumers of a position correction.
var AffectedSystems = []string{"RISK", "P_AND_L", "REPORTING", "SETTLEMENT"}

// TradeAppliedRecord is emitted once per successful hotpath commit.
type TradeAppliedRecord struct {
	TradeID        string          `json:"tradeId"`
	PositionKey    string          `json:"positionKey"`
	EventVer       int64           `json:"eventVer"`
	NewTotalQty    decimal.Decimal `json:"newTotalQty"`
	Status         PositionStatus  `json:"status"`
	UPI            string          `json:"upi"`
	OccurredAt     time.Time       `json:"occurredAt"`
	CorrelationID  string          `json:"correlationId"`
	SequenceStatus SequenceStatus  `json:"sequenceStatus,omitempty"`
}

// ProvisionalTradeRecord marks a backdated trade entering the coldpath.
type ProvisionalTradeRecord struct {
	TradeID       string    `json:"tradeId"`
	PositionKey   string    `json:"positionKey"`
	Status        string    `json:"status"` // always PROVISIONAL
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
}

// PositionCorrectedRecord is emitted once per coldpath commit.
type PositionCorrectedRecord struct {
	TradeID          string          `json:"tradeId"`
	PositionKey      string          `json:"positionKey"`
	EventVer         int64           `json:"eventVer"`
	NewTotalQty      decimal.Decimal `json:"newTotalQty"`
	Status           PositionStatus  `json:"status"`
	UPI              string          `json:"upi"`
	OccurredAt       time.Time       `json:"occurredAt"`
	CorrelationID    string          `json:"correlationId"`
	Reason           string          `json:"reason"` // BACKDATED_TRADE_RECALCULATION
	BackdatedTradeID string          `json:"backdatedTradeId"`
	AffectedSystems  []string        `json:"affectedSystems"`
}

// TradeReportRecord is the per-trade regulatory submission.
type TradeReportRecord struct {
	Type          string          `json:"type"` // TRADE_REPORT
	SubmissionID  string          `json:"submissionId"`
	TradeID       string          `json:"tradeId"`
	PositionKey   string          `json:"positionKey"`
	UPI           string          `json:"upi"`
	TradeType     TradeType       `json:"tradeType"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	EffectiveDate Date            `json:"effectiveDate"`
	ContractID    string          `json:"contractId"`
	CorrelationID string          `json:"correlationId"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// UPIInvalidationRecord summarizes a UPI that a backdated replay removed
// from the timeline. It is always produced before its fan-out
// TradeCorrectionRecords on the regulatory stream.
type UPIInvalidationRecord struct {
	Type                string    `json:"type"` // UPI_INVALIDATION
	PositionKey         string    `json:"positionKey"`
	InvalidatedUPI      string    `json:"invalidatedUPI"`
	NewUPI              string    `json:"newUPI"`
	InvalidatedTradeIDs []string  `json:"invalidatedTradeIds"`
	Reason              string    `json:"reason"`
	BackdatedTradeID    string    `json:"backdatedTradeId"`
	EffectiveDate       Date      `json:"effectiveDate"`
	OccurredAt          time.Time `json:"occurredAt"`
	ActionRequired      string    `json:"actionRequired"` // RESUBMIT_TRADES_WITH_NEW_UPI
}

// TradeCorrectionRecord instructs downstream reporting to re-file one trade
// under its corrected UPI.
type TradeCorrectionRecord struct {
	Type             string          `json:"type"` // TRADE_CORRECTION
	TradeID          string          `json:"tradeId"`
	PositionKey      string          `json:"positionKey"`
	OriginalUPI      string          `json:"originalUPI"`
	CorrectedUPI     string          `json:"correctedUPI"`
	TradeType        TradeType       `json:"tradeType"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	EffectiveDate    Date            `json:"effectiveDate"`
	Reason           string          `json:"reason"` // UPI_INVALIDATION
	BackdatedTradeID string          `json:"backdatedTradeId"`
	ActionRequired   string          `json:"actionRequired"` // CORRECT_TRADE_WITH_NEW_UPI
}

// DLQRecord carries a rejected trade with its rejection reasons.
type DLQRecord struct {
	TradeID     string     `json:"tradeId"`
	PositionKey string     `json:"positionKey,omitempty"`
	Payload     TradeEvent `json:"payload"`
	Category    string     `json:"category"`
	Errors      []string   `json:"errors"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// ErrorRetryRecord carries a trade that failed on transient infrastructure
// and is safe to replay.
type ErrorRetryRecord struct {
	TradeID     string     `json:"tradeId"`
	PositionKey string     `json:"positionKey,omitempty"`
	Payload     TradeEvent `json:"payload"`
	Error       string     `json:"error"`
	Attempts    int        `json:"attempts"`
	OccurredAt  time.Time  `json:"occurredAt"`
}

// Package validate gates incoming trades before processing. Three layers
// of checks run in order: schema (required fields and value ranges), format
// (well-formed keys and enums), and the position state machine (which
// trade types a position in a given status accepts). Rejections carry a
// category and the full message list so the DLQ record can reproduce them.
package validate

import (
	"fmt"
	"strings"

	"swapledger/internal/poskey"
	"swapledger/pkg/types"
)

// Error categories, used on DLQ records and in the synchronous error body.
const (
	CategorySchema       = "SCHEMA"
	CategoryFormat       = "FORMAT"
	CategoryStateMachine = "STATE_MACHINE"
)

// Error is a categorized validation rejection.
type Error struct {
	Category string
	Messages []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Category, strings.Join(e.Messages, "; "))
}

// maxFutureYears bounds how far forward an effective date may be.
const maxFutureYears = 1

// CheckTrade runs the schema and format layers. today is injected so the
// effective-date horizon is testable.
func CheckTrade(t types.TradeEvent, today types.Date) *Error {
	var schema []string

	if strings.TrimSpace(t.TradeID) == "" {
		schema = append(schema, "tradeId is required")
	}
	if t.PositionKey == "" {
		// Without an explicit key the tuple must be derivable.
		if strings.TrimSpace(t.Account) == "" {
			schema = append(schema, "account is required when positionKey is absent")
		}
		if strings.TrimSpace(t.Instrument) == "" {
			schema = append(schema, "instrument is required when positionKey is absent")
		}
		if strings.TrimSpace(t.Currency) == "" {
			schema = append(schema, "currency is required when positionKey is absent")
		}
	}
	if t.Quantity.IsZero() || t.Quantity.IsNegative() {
		schema = append(schema, "quantity must be a positive decimal")
	}
	if t.Price.IsZero() || t.Price.IsNegative() {
		schema = append(schema, "price must be a positive decimal")
	}
	if t.EffectiveDate.IsZero() {
		schema = append(schema, "effectiveDate is required")
	} else if t.EffectiveDate.After(today.AddDate(maxFutureYears, 0, 0)) {
		schema = append(schema, fmt.Sprintf("effectiveDate %s is more than %d year(s) in the future", t.EffectiveDate, maxFutureYears))
	}
	if len(schema) > 0 {
		return &Error{Category: CategorySchema, Messages: schema}
	}

	var format []string
	if t.PositionKey != "" && !poskey.WellFormed(t.PositionKey) {
		format = append(format, "positionKey must be 64 lowercase hex characters")
	}
	if !t.TradeType.Valid() {
		format = append(format, fmt.Sprintf("tradeType %q is not one of NEW_TRADE, INCREASE, DECREASE", t.TradeType))
	}
	if len(format) > 0 {
		return &Error{Category: CategoryFormat, Messages: format}
	}

	return nil
}

// transition is one allowed (position status, trade type) pairing. A nil
// from-status means the position does not exist yet.
type transition struct {
	exists    bool
	from      types.PositionStatus
	tradeType types.TradeType
}

// validTransitions is the explicit state machine: a NEW_TRADE opens a
// non-existent position or reopens a terminated one; increases and
// decreases require an active position. Everything else is rejected.
var validTransitions = []transition{
	{exists: false, tradeType: types.TradeNew},
	{exists: true, from: types.StatusActive, tradeType: types.TradeIncrease},
	{exists: true, from: types.StatusActive, tradeType: types.TradeDecrease},
	{exists: true, from: types.StatusTerminated, tradeType: types.TradeNew},
}

// CheckTransition runs the state-machine layer against the current
// snapshot (nil when the position does not exist).
func CheckTransition(tradeType types.TradeType, snap *types.Snapshot) *Error {
	for _, tr := range validTransitions {
		if tr.tradeType != tradeType {
			continue
		}
		if !tr.exists && snap == nil {
			return nil
		}
		if tr.exists && snap != nil && snap.Status == tr.from {
			return nil
		}
	}

	current := "NON_EXISTENT"
	if snap != nil {
		current = string(snap.Status)
	}
	return &Error{
		Category: CategoryStateMachine,
		Messages: []string{fmt.Sprintf("%s is not allowed on a %s position", tradeType, current)},
	}
}

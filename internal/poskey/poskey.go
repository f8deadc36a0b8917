// Package poskey derives deterministic position keys.
//
// A position key is the hex SHA-256 of the normalized
// account|instrument|currency|direction tuple. Long and short positions on
// the same underlying tuple hash to distinct keys, which is how the engine
// models sign changes: a crossover closes the long key and opens the short
// key rather than mixing signs under one key.
package poskey

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"swapledger/pkg/types"
)

// Direction labels used in the hash input.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Key derives the position key for a (account, instrument, currency,
// direction) tuple. Inputs are trimmed and upper-cased so caller-side
// formatting differences cannot split a position.
func Key(account, instrument, currency string, isShort bool) string {
	direction := DirectionLong
	if isShort {
		direction = DirectionShort
	}
	input := strings.Join([]string{
		strings.ToUpper(strings.TrimSpace(account)),
		strings.ToUpper(strings.TrimSpace(instrument)),
		strings.ToUpper(strings.TrimSpace(currency)),
		direction,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ForTrade returns the trade's position key, deriving a long-direction key
// when the trade does not carry one. New trades enter on the long key; the
// hotpath's sign-change split is the only producer of short keys.
func ForTrade(t types.TradeEvent) string {
	if t.PositionKey != "" {
		return t.PositionKey
	}
	return Key(t.Account, t.Instrument, t.Currency, false)
}

// Opposite derives the key for the reverse direction of the same tuple.
func Opposite(account, instrument, currency string, wasShort bool) string {
	return Key(account, instrument, currency, !wasShort)
}

// IsShortKey reports whether key is the short-direction key for the tuple.
// Replay uses this to decide the sign of lots it creates: the key itself is
// the only durable record of a position's direction.
func IsShortKey(key, account, instrument, currency string) bool {
	return key == Key(account, instrument, currency, true)
}

// WellFormed reports whether s looks like a derived key (64 hex chars).
func WellFormed(s string) bool {
	return keyPattern.MatchString(s)
}

// Partition maps a position key onto one of n storage partitions. The
// mapping uses the key's leading bytes only; it is independent of business
// logic and stable across restarts.
func Partition(key string, n int) int {
	if n <= 0 {
		n = 1
	}
	b, err := hex.DecodeString(key)
	if err != nil || len(b) < 2 {
		// Non-derived keys still need a stable home.
		h := sha256.Sum256([]byte(key))
		b = h[:]
	}
	return int(uint16(b[0])<<8|uint16(b[1])) % n
}

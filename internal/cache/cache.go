// Package cache provides the fast lookup tier in front of the durable
// stores: positive idempotency hits and contract rules. The durable store
// is always the source of truth — a cache miss or an unreachable cache only
// costs a database read, never correctness.
package cache

import (
	"context"
	"time"
)

// IdempotencyTTL bounds how long a positive idempotency marker stays in the
// fast tier. The durable record outlives it.
const IdempotencyTTL = 90 * 24 * time.Hour

// Cache is a string key/value store with per-key TTL. Get reports presence
// explicitly: (false, "", nil) is a miss, not an error.
type Cache interface {
	Get(ctx context.Context, key string) (bool, string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// IdempotencyKey is the fast-tier key for a trade's processed marker.
func IdempotencyKey(tradeID string) string {
	return "idempotency:trade:" + tradeID
}

// RulesKey is the fast-tier key for a contract's tax-lot rules.
func RulesKey(contractID string) string {
	return "rules:contract:" + contractID
}

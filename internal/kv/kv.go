// Package kv abstracts the TTL-capable key-value store that backs the shared
// health and quota state. Two implementations exist: a Redis store for
// multi-instance deployments and an in-process sharded store for single-node
// setups and tests.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with TTL, atomic counters and compare-and-set.
//
// Keys are namespaced by the caller (health:{provider}, quota:{provider}:{window}).
type Store interface {
	// Get returns the value for key, reporting whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key with the given TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// CompareAndSet writes value only when the current value equals old.
	// old == "" means set-if-absent. Returns whether the write happened.
	CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)

	// IncrWithLimit atomically increments the counter at key when its current
	// value is below limit, setting ttl on first increment. limit <= 0 means
	// unlimited. Returns the counter value after the call and whether the
	// increment happened.
	IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// Peek returns the current counter value, 0 when absent.
	Peek(ctx context.Context, key string) (int64, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources.
	Close() error
}

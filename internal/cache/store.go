// Package cache provides the TTL-bounded key-value stores the gateway relies
// on: the content-addressed input cache written before payment submission,
// the short-lived response cache polled by callers, and the local receipt
// store. Stores are pluggable; a Redis backend serves shared deployments and
// an in-memory backend serves single-instance and test deployments.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is absent or its entry has expired.
// Expired entries are indistinguishable from ones that were never written.
var ErrNotFound = errors.New("cache: entry not found")

// ErrHashMismatch is returned by InputCache.Put when the supplied hash does
// not match the payload, rejecting tampered writes at the boundary.
var ErrHashMismatch = errors.New("cache: hash does not match payload")

// Store is a TTL key-value store safe for concurrent use. Any number of
// gateway instances may read and write the same backend without coordination
// because writes for a given key are idempotent or write-once-by-content.
type Store interface {
	// Set stores val under key with the given TTL, overwriting any
	// existing entry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Get returns the value for key, or ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
}

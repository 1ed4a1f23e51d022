package cache

import (
	"context"
	"time"

	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/metrics"
)

// DefaultInputTTL bounds how long a stored payload stays retrievable. The
// window must comfortably cover on-chain confirmation latency; payloads that
// outlive it surface later as a missing-input drop in the pipeline.
const DefaultInputTTL = time.Hour

const inputKeyPrefix = "input:"

// InputCache is the content-addressed store mapping a payload's hash to the
// raw payload. The submission path writes it before the payment transaction
// is sent; the execution pipeline reads it once the payment confirms.
type InputCache struct {
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewInputCache wraps store with input-cache semantics. A non-positive ttl
// falls back to DefaultInputTTL; m may be nil.
func NewInputCache(store Store, ttl time.Duration, m *metrics.Metrics) *InputCache {
	if ttl <= 0 {
		ttl = DefaultInputTTL
	}
	return &InputCache{store: store, ttl: ttl, metrics: m}
}

// Put stores payload under hash after re-hashing it. A mismatch between the
// claimed hash and the payload's actual digest is rejected with
// ErrHashMismatch; this is a tamper check applied to the writer, not just
// the reader. Writing the same hash twice is an idempotent overwrite since
// the content is identical by construction.
func (c *InputCache) Put(ctx context.Context, hash string, payload []byte) error {
	parsed, err := hashutil.ParseHex(hash)
	if err != nil {
		return ErrHashMismatch
	}
	if hashutil.Sum(payload) != parsed {
		return ErrHashMismatch
	}
	return c.store.Set(ctx, inputKeyPrefix+parsed.Hex(), payload, c.ttl)
}

// Get returns the payload stored under hash, or ErrNotFound if it was never
// stored or has expired.
func (c *InputCache) Get(ctx context.Context, hash string) ([]byte, error) {
	parsed, err := hashutil.ParseHex(hash)
	if err != nil {
		c.metrics.ObserveCache("input", metrics.CacheMiss)
		return nil, ErrNotFound
	}
	payload, err := c.store.Get(ctx, inputKeyPrefix+parsed.Hex())
	observeLookup(c.metrics, "input", err)
	return payload, err
}

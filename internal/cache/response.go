package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/models"
)

// DefaultResponseTTL is how long a client-visible result stays pollable.
const DefaultResponseTTL = time.Hour

// DefaultReceiptTTL is how long receipts are held locally. Receipts anchored
// on-chain outlive this; local-only receipts expire with it.
const DefaultReceiptTTL = 24 * time.Hour

const (
	responseKeyPrefix = "response:"
	receiptKeyPrefix  = "receipt:"
)

// observeLookup classifies one backend read as a hit or miss. Backend
// failures count as neither.
func observeLookup(m *metrics.Metrics, cacheName string, err error) {
	switch {
	case err == nil:
		m.ObserveCache(cacheName, metrics.CacheHit)
	case errors.Is(err, ErrNotFound):
		m.ObserveCache(cacheName, metrics.CacheMiss)
	}
}

// ResponseCache holds the short-lived CachedResponse for each transaction,
// keyed by txHash and polled by the original caller.
type ResponseCache struct {
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewResponseCache wraps store with response-cache semantics; m may be nil.
func NewResponseCache(store Store, ttl time.Duration, m *metrics.Metrics) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultResponseTTL
	}
	return &ResponseCache{store: store, ttl: ttl, metrics: m}
}

// Put stores resp under txHash. Overwrites are acceptable: a redelivered
// event produces the same outcome, so the second write is a no-op in effect.
func (c *ResponseCache) Put(ctx context.Context, txHash string, resp *models.CachedResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	return c.store.Set(ctx, responseKeyPrefix+txHash, raw, c.ttl)
}

// Get returns the CachedResponse for txHash, or ErrNotFound.
func (c *ResponseCache) Get(ctx context.Context, txHash string) (*models.CachedResponse, error) {
	raw, err := c.store.Get(ctx, responseKeyPrefix+txHash)
	observeLookup(c.metrics, "response", err)
	if err != nil {
		return nil, err
	}
	var resp models.CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal cached response %s: %w", txHash, err)
	}
	return &resp, nil
}

// ReceiptStore holds execution receipts locally, keyed by txHash.
type ReceiptStore struct {
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewReceiptStore wraps store with receipt-store semantics; m may be nil.
func NewReceiptStore(store Store, ttl time.Duration, m *metrics.Metrics) *ReceiptStore {
	if ttl <= 0 {
		ttl = DefaultReceiptTTL
	}
	return &ReceiptStore{store: store, ttl: ttl, metrics: m}
}

// Put stores rcpt under its txHash.
func (s *ReceiptStore) Put(ctx context.Context, rcpt *models.ExecutionReceipt) error {
	raw, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	return s.store.Set(ctx, receiptKeyPrefix+rcpt.TxHash, raw, s.ttl)
}

// Get returns the receipt for txHash, or ErrNotFound.
func (s *ReceiptStore) Get(ctx context.Context, txHash string) (*models.ExecutionReceipt, error) {
	raw, err := s.store.Get(ctx, receiptKeyPrefix+txHash)
	observeLookup(s.metrics, "receipt", err)
	if err != nil {
		return nil, err
	}
	var rcpt models.ExecutionReceipt
	if err := json.Unmarshal(raw, &rcpt); err != nil {
		return nil, fmt.Errorf("unmarshal receipt %s: %w", txHash, err)
	}
	return &rcpt, nil
}

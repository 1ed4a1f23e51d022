package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/models"
)

func TestMemoryStoreSetGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Hour))

	_, err := store.Get(ctx, "k")
	require.NoError(t, err, "entry must be retrievable before expiry")

	// Advance past the TTL; the entry must look like it never existed.
	store.SetClock(func() time.Time { return now.Add(time.Hour + time.Second) })

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreOverwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("old"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("new"), time.Minute))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestInputCachePutRejectsHashMismatch(t *testing.T) {
	ic := NewInputCache(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	payload := []byte(`{"city":"NYC"}`)
	wrong := hashutil.Hex([]byte(`{"city":"LA"}`))

	err := ic.Put(ctx, wrong, payload)
	assert.ErrorIs(t, err, ErrHashMismatch)

	// The rejected write must not leave anything behind.
	_, err = ic.Get(ctx, wrong)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInputCachePutRejectsMalformedHash(t *testing.T) {
	ic := NewInputCache(NewMemoryStore(), time.Hour, nil)

	err := ic.Put(context.Background(), "0x1234", []byte("payload"))
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestInputCacheRoundTrip(t *testing.T) {
	ic := NewInputCache(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	payload := []byte(`{"city":"NYC"}`)
	hash := hashutil.Hex(payload)

	require.NoError(t, ic.Put(ctx, hash, payload))

	got, err := ic.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Same content, same hash: overwrite is idempotent.
	require.NoError(t, ic.Put(ctx, hash, payload))
}

func TestInputCacheTTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	ic := NewInputCache(store, time.Hour, nil)
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	payload := []byte(`{"q":"forecast"}`)
	hash := hashutil.Hex(payload)
	require.NoError(t, ic.Put(ctx, hash, payload))

	_, err := ic.Get(ctx, hash)
	require.NoError(t, err)

	store.SetClock(func() time.Time { return now.Add(61 * time.Minute) })

	_, err = ic.Get(ctx, hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResponseCacheRoundTrip(t *testing.T) {
	rc := NewResponseCache(NewMemoryStore(), time.Hour, nil)
	ctx := context.Background()

	resp := &models.CachedResponse{
		Data:       `{"temp":72}`,
		HTTPStatus: 200,
		Timestamp:  1700000000,
		Receipt:    &models.ExecutionReceipt{TxHash: "0x01", Success: true},
	}
	require.NoError(t, rc.Put(ctx, "0x01", resp))

	got, err := rc.Get(ctx, "0x01")
	require.NoError(t, err)
	assert.Equal(t, resp.Data, got.Data)
	assert.Equal(t, resp.HTTPStatus, got.HTTPStatus)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "0x01", got.Receipt.TxHash)

	_, err = rc.Get(ctx, "0x02")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReceiptStoreRoundTrip(t *testing.T) {
	rs := NewReceiptStore(NewMemoryStore(), 24*time.Hour, nil)
	ctx := context.Background()

	rcpt := &models.ExecutionReceipt{
		TxHash:     "0xaa",
		ModelID:    "weather-v1",
		Success:    true,
		HTTPStatus: 200,
	}
	require.NoError(t, rs.Put(ctx, rcpt))

	got, err := rs.Get(ctx, "0xaa")
	require.NoError(t, err)
	assert.Equal(t, rcpt.ModelID, got.ModelID)

	_, err = rs.Get(ctx, "0xbb")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheLookupsAreCounted(t *testing.T) {
	m := metrics.New()
	store := NewMemoryStore()
	ic := NewInputCache(store, time.Hour, m)
	rc := NewResponseCache(store, time.Hour, m)
	rs := NewReceiptStore(store, 24*time.Hour, m)
	ctx := context.Background()

	payload := []byte(`{"city":"NYC"}`)
	hash := hashutil.Hex(payload)
	require.NoError(t, ic.Put(ctx, hash, payload))

	_, err := ic.Get(ctx, hash)
	require.NoError(t, err)
	_, err = ic.Get(ctx, hashutil.Hex([]byte("other")))
	require.ErrorIs(t, err, ErrNotFound)
	// A malformed hash can never have been stored: that lookup is a miss.
	_, err = ic.Get(ctx, "0x1234")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rc.Put(ctx, "0x01", &models.CachedResponse{HTTPStatus: 200}))
	_, err = rc.Get(ctx, "0x01")
	require.NoError(t, err)
	_, err = rc.Get(ctx, "0x02")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = rs.Get(ctx, "0x01")
	require.ErrorIs(t, err, ErrNotFound)

	hit := func(cache string) float64 {
		return testutil.ToFloat64(m.CacheRequests.WithLabelValues(cache, metrics.CacheHit))
	}
	miss := func(cache string) float64 {
		return testutil.ToFloat64(m.CacheRequests.WithLabelValues(cache, metrics.CacheMiss))
	}
	assert.Equal(t, 1.0, hit("input"))
	assert.Equal(t, 2.0, miss("input"))
	assert.Equal(t, 1.0, hit("response"))
	assert.Equal(t, 1.0, miss("response"))
	assert.Equal(t, 0.0, hit("receipt"))
	assert.Equal(t, 1.0, miss("receipt"))
}

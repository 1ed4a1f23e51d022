package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpayy/gateway/internal/chain/chaintest"
	"github.com/agentpayy/gateway/internal/models"
)

type captureProcessor struct {
	mu     sync.Mutex
	seen   []models.PaymentEvent
	signal chan struct{}
}

func newCaptureProcessor(expected int) *captureProcessor {
	return &captureProcessor{signal: make(chan struct{}, expected)}
}

func (p *captureProcessor) Process(_ context.Context, event models.PaymentEvent) {
	p.mu.Lock()
	p.seen = append(p.seen, event)
	p.mu.Unlock()
	p.signal <- struct{}{}
}

func (p *captureProcessor) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func (p *captureProcessor) events() []models.PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PaymentEvent, len(p.seen))
	copy(out, p.seen)
	return out
}

func TestListenerDispatchesEvents(t *testing.T) {
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{
			"base": {},
		},
		Events: []models.PaymentEvent{
			{TxHash: "0x01", Network: "base", ModelID: "weather-v1"},
			{TxHash: "0x02", Network: "base", ModelID: "weather-v1"},
		},
	}
	processor := newCaptureProcessor(2)

	l := New(DefaultConfig(), registry, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	processor.wait(t, 2)

	seen := processor.events()
	require.Len(t, seen, 2)
	hashes := map[string]bool{seen[0].TxHash: true, seen[1].TxHash: true}
	assert.True(t, hashes["0x01"])
	assert.True(t, hashes["0x02"])

	cancel()
	l.Wait()
}

func TestListenerMultipleNetworks(t *testing.T) {
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{
			"base":    {},
			"polygon": {},
		},
		Events: []models.PaymentEvent{
			{TxHash: "0x01", Network: "base"},
			{TxHash: "0x02", Network: "polygon"},
		},
	}
	processor := newCaptureProcessor(2)

	l := New(DefaultConfig(), registry, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	processor.wait(t, 2)

	networks := map[string]bool{}
	for _, event := range processor.events() {
		networks[event.Network] = true
	}
	assert.True(t, networks["base"])
	assert.True(t, networks["polygon"])

	cancel()
	l.Wait()
}

// blockingProcessor holds each event until released, then reports the
// context error it observed at completion time.
type blockingProcessor struct {
	started chan struct{}
	release chan struct{}
	ctxErrs chan error
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		ctxErrs: make(chan error, 1),
	}
}

func (p *blockingProcessor) Process(ctx context.Context, _ models.PaymentEvent) {
	p.started <- struct{}{}
	<-p.release
	p.ctxErrs <- ctx.Err()
}

func TestListenerShutdownDoesNotCancelAcceptedEvent(t *testing.T) {
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{"base": {}},
		Events: []models.PaymentEvent{
			{TxHash: "0x01", Network: "base", ModelID: "weather-v1"},
		},
	}
	processor := newBlockingProcessor()

	l := New(DefaultConfig(), registry, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	select {
	case <-processor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("event was never dispatched")
	}

	// Shutdown arrives while the event is mid-flight.
	cancel()
	close(processor.release)

	select {
	case err := <-processor.ctxErrs:
		assert.NoError(t, err, "in-flight event saw a cancelled context")
	case <-time.After(2 * time.Second):
		t.Fatal("event never completed")
	}
	l.Wait()
}

func TestListenerReconnectsAfterSubscriptionDrop(t *testing.T) {
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{"base": {}},
		Events: []models.PaymentEvent{
			{TxHash: "0x01", Network: "base", ModelID: "weather-v1"},
		},
		SubscribeErrs: []error{errors.New("websocket closed")},
	}
	processor := newCaptureProcessor(1)

	cfg := DefaultConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectMax = 4 * time.Millisecond
	l := New(cfg, registry, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	processor.wait(t, 1)

	require.Len(t, processor.events(), 1)
	assert.GreaterOrEqual(t, len(registry.SubscribeCallTimes()), 2,
		"expected a reconnect after the dropped subscription")

	cancel()
	l.Wait()
}

func TestListenerReconnectBackoffIsCapped(t *testing.T) {
	drops := make([]error, 6)
	for i := range drops {
		drops[i] = errors.New("subscription dropped")
	}
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{"base": {}},
		Events: []models.PaymentEvent{
			{TxHash: "0x01", Network: "base", ModelID: "weather-v1"},
		},
		SubscribeErrs: drops,
	}
	processor := newCaptureProcessor(1)

	cfg := DefaultConfig()
	cfg.ReconnectBase = 5 * time.Millisecond
	cfg.ReconnectMax = 10 * time.Millisecond
	l := New(cfg, registry, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)

	processor.wait(t, 1)

	calls := registry.SubscribeCallTimes()
	require.Len(t, calls, 7)
	// Uncapped doubling from 5ms would sleep 315ms across six retries;
	// capped at 10ms the total stays near 55ms.
	elapsed := calls[len(calls)-1].Sub(calls[0])
	assert.Less(t, elapsed, 250*time.Millisecond,
		"reconnect delays kept doubling past ReconnectMax")

	cancel()
	l.Wait()
}

func TestListenerShutdownWithoutEvents(t *testing.T) {
	registry := &chaintest.Registry{
		Models: map[string]map[string]models.Model{"base": {}},
	}
	l := New(DefaultConfig(), registry, newCaptureProcessor(0), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not shut down")
	}
}

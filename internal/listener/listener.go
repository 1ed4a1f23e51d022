// Package listener runs one payment-event subscription per serviced network
// and dispatches each event to the execution pipeline on its own goroutine,
// bounded by a concurrency semaphore so a slow model endpoint cannot starve
// unrelated events. Delivery is at-least-once; the receipt layer's
// idempotency contract is the correctness backstop.
package listener

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/models"
)

// Config tunes the listener's queueing and reconnect behaviour.
type Config struct {
	// QueueSize buffers events between the subscription and the workers.
	QueueSize int
	// Concurrency caps in-flight pipeline executions per gateway.
	Concurrency int
	// ReconnectBase is the initial delay after a subscription failure;
	// it doubles per consecutive failure up to ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultConfig returns the production listener settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		Concurrency:   32,
		ReconnectBase: time.Second,
		ReconnectMax:  time.Minute,
	}
}

// Processor consumes payment events. Satisfied by pipeline.Executor.
type Processor interface {
	Process(ctx context.Context, event models.PaymentEvent)
}

// Listener owns the per-network subscription goroutines.
type Listener struct {
	cfg       Config
	registry  chain.Registry
	processor Processor
	logger    zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New constructs a listener over every network the registry services.
func New(cfg Config, registry chain.Registry, processor Processor, logger zerolog.Logger) *Listener {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectBase {
		cfg.ReconnectMax = cfg.ReconnectBase
	}
	return &Listener{
		cfg:       cfg,
		registry:  registry,
		processor: processor,
		logger:    logger.With().Str("component", "event_listener").Logger(),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Start launches one subscription loop per network and returns immediately.
// Use Wait to block until all loops and in-flight events drain after the
// context is cancelled.
func (l *Listener) Start(ctx context.Context) {
	for _, network := range l.registry.Networks() {
		l.wg.Add(1)
		go func(network string) {
			defer l.wg.Done()
			l.run(ctx, network)
		}(network)
	}
}

// Wait blocks until all subscription loops and dispatched events finish.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// run owns one network: a buffered event queue fed by the chain
// subscription, drained by the bounded dispatcher, reconnecting with capped
// exponential backoff whenever the subscription drops.
func (l *Listener) run(ctx context.Context, network string) {
	log := l.logger.With().Str("network", network).Logger()
	events := make(chan models.PaymentEvent, l.cfg.QueueSize)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.dispatch(ctx, events)
	}()
	defer close(events)

	backoff := l.cfg.ReconnectBase
	for {
		err := l.registry.Subscribe(ctx, network, func(event models.PaymentEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		})

		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		if errors.Is(err, chain.ErrNoSubscription) {
			log.Warn().Msg("network has no subscription endpoint, listener disabled")
			return
		}

		log.Warn().
			Err(err).
			Dur("retry_in", backoff).
			Msg("payment event subscription dropped, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.cfg.ReconnectMax {
			backoff = l.cfg.ReconnectMax
		}
	}
}

// dispatch hands each queued event to the processor on its own goroutine,
// bounded by the shared semaphore. Failures inside Process are that event's
// problem alone.
func (l *Listener) dispatch(ctx context.Context, events <-chan models.PaymentEvent) {
	for event := range events {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		l.wg.Add(1)
		go func(event models.PaymentEvent) {
			defer l.wg.Done()
			defer l.sem.Release(1)
			// An accepted event runs to completion or final failure even
			// across shutdown; the pipeline's per-attempt timeouts bound
			// the work, and Wait holds the process open until it's done.
			l.processor.Process(context.WithoutCancel(ctx), event)
		}(event)
	}
}

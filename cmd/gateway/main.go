// Command gateway runs the payment-event-to-execution-receipt pipeline: it
// listens for on-chain micropayment events, forwards the paid request to the
// registered model endpoint, and produces signed execution receipts.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentpayy/gateway/internal/cache"
	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/config"
	"github.com/agentpayy/gateway/internal/listener"
	"github.com/agentpayy/gateway/internal/logger"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/mock"
	"github.com/agentpayy/gateway/internal/pipeline"
	"github.com/agentpayy/gateway/internal/receipt"
	"github.com/agentpayy/gateway/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return err
	}

	signer, err := chain.NewSignerFromPrivateKey(cfg.Gateway.PrivateKey)
	if err != nil {
		return fmt.Errorf("gateway signing identity: %w", err)
	}
	log.Info().Str("gateway", signer.Address().Hex()).Msg("gateway identity loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store cache.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := cache.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("cache backend: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cache backend")
	} else {
		store = cache.NewMemoryStore()
		log.Warn().Msg("no redis configured, using in-memory cache backend")
	}

	m := metrics.New()

	inputs := cache.NewInputCache(store, cfg.TTL.Input, m)
	responses := cache.NewResponseCache(store, cfg.TTL.Response, m)
	receipts := cache.NewReceiptStore(store, cfg.TTL.Receipt, m)

	registry, err := chain.NewEVMRegistry(ctx, cfg.Networks, signer, log)
	if err != nil {
		return fmt.Errorf("network registry: %w", err)
	}

	receiptSvc := receipt.NewService(signer, registry, receipts, responses, m, log)

	executor := pipeline.NewExecutor(pipeline.Config{
		AttemptTimeout: cfg.Execute.AttemptTimeout,
		MaxAttempts:    cfg.Execute.MaxAttempts,
		BackoffStep:    cfg.Execute.BackoffStep,
	}, inputs, responses, registry, receiptSvc, m, log)

	eventListener := listener.New(listener.Config{
		QueueSize:     cfg.Listener.QueueSize,
		Concurrency:   cfg.Listener.Concurrency,
		ReconnectBase: time.Second,
		ReconnectMax:  time.Minute,
	}, registry, executor, log)
	eventListener.Start(ctx)

	responder := mock.NewResponder(registry, receiptSvc, cfg.Execute.AttemptTimeout, log)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: server.New(inputs, responses, receipts, responder, m, log).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.App.Port).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	eventListener.Wait()
	receiptSvc.Wait()
	log.Info().Msg("gateway stopped")
	return nil
}

// Package pipeline turns a confirmed payment event into an execution
// outcome: look up the cached input, resolve the model's route, forward the
// payload with bounded retries, and hand the result to the receipt service.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentpayy/gateway/internal/cache"
	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/models"
)

// Correlation headers attached to forwarded requests so the model endpoint
// can tie an execution back to its payment.
const (
	HeaderTx    = "x-agentpay-tx"
	HeaderPayer = "x-agentpay-payer"
	HeaderModel = "x-agentpay-model"
	HeaderMock  = "x-agentpay-mock"
)

// Config bounds the outbound execution policy. Endpoints owned by model
// registrants are not idempotent in general; retrying accepts the risk of
// duplicate external execution in exchange for availability.
type Config struct {
	// AttemptTimeout bounds each individual forward attempt.
	AttemptTimeout time.Duration
	// MaxAttempts is the total number of tries, first attempt included.
	MaxAttempts int
	// BackoffStep is multiplied by the attempt number between attempts.
	BackoffStep time.Duration
}

// DefaultConfig mirrors the production policy: 30s per attempt, one try plus
// two retries, linear 1s backoff.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 30 * time.Second,
		MaxAttempts:    3,
		BackoffStep:    time.Second,
	}
}

// Recorder consumes execution outcomes. Satisfied by receipt.Service.
type Recorder interface {
	Record(ctx context.Context, event models.PaymentEvent, outcome models.ExecutionOutcome) (*models.ExecutionReceipt, error)
}

// Executor runs the per-event pipeline. Events are independent; any number
// may be processed concurrently.
type Executor struct {
	cfg       Config
	inputs    *cache.InputCache
	responses *cache.ResponseCache
	registry  chain.Registry
	recorder  Recorder
	client    *http.Client
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewExecutor builds an executor with the given policy and collaborators.
func NewExecutor(
	cfg Config,
	inputs *cache.InputCache,
	responses *cache.ResponseCache,
	registry chain.Registry,
	recorder Recorder,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Executor{
		cfg:       cfg,
		inputs:    inputs,
		responses: responses,
		registry:  registry,
		recorder:  recorder,
		client:    &http.Client{Timeout: cfg.AttemptTimeout},
		metrics:   m,
		logger:    logger.With().Str("component", "execution_pipeline").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides the executor's clock. Intended for tests.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Process runs one payment event to completion or final failure. Errors are
// confined to this event: the pipeline logs and returns, it never panics or
// propagates into sibling events.
func (e *Executor) Process(ctx context.Context, event models.PaymentEvent) {
	log := e.logger.With().
		Str("tx", event.TxHash).
		Str("network", event.Network).
		Str("model", event.ModelID).
		Logger()

	started := e.now()

	payload, err := e.inputs.Get(ctx, event.InputHash)
	if err != nil {
		// The payment is settled on-chain but the payload is gone
		// (never stored, or TTL elapsed before confirmation). Record a
		// terminal error response so pollers get resolution instead of
		// an indefinite 404.
		log.Warn().Err(err).Msg("no input data for payment event, dropping")
		e.metrics.PaymentEvents.WithLabelValues(event.Network, metrics.EventDroppedInput).Inc()
		e.recordDrop(ctx, event, http.StatusGone, "input payload unavailable or expired")
		return
	}

	model, err := e.registry.GetModel(ctx, event.Network, event.ModelID)
	if err != nil {
		log.Warn().Err(err).Msg("model lookup failed, dropping event")
		e.metrics.PaymentEvents.WithLabelValues(event.Network, metrics.EventDroppedLookup).Inc()
		return
	}
	if !model.Active {
		log.Warn().Msg("model is inactive, skipping execution")
		e.metrics.PaymentEvents.WithLabelValues(event.Network, metrics.EventDroppedModel).Inc()
		return
	}

	status, body := e.forward(ctx, model.Endpoint, payload, map[string]string{
		HeaderTx:    event.TxHash,
		HeaderPayer: event.Payer,
		HeaderModel: event.ModelID,
	})

	outcome := models.ExecutionOutcome{
		InputHash:    event.InputHash,
		OutputHash:   hashutil.Hex(body),
		Success:      status >= 200 && status < 300,
		HTTPStatus:   status,
		ResponseSize: len(body),
		ExecutedAt:   e.now(),
		ResponseBody: body,
	}

	e.metrics.PaymentEvents.WithLabelValues(event.Network, metrics.EventProcessed).Inc()
	e.metrics.ExecutionDuration.Observe(e.now().Sub(started).Seconds())

	if _, err := e.recorder.Record(ctx, event, outcome); err != nil {
		log.Error().Err(err).Msg("failed to record execution receipt")
		return
	}

	log.Info().
		Bool("success", outcome.Success).
		Int("status", outcome.HTTPStatus).
		Int("response_size", outcome.ResponseSize).
		Msg("payment event executed")
}

// forward posts payload to the endpoint with the given correlation headers,
// applying the retry policy. It always returns the status and exact bytes of
// the last attempt; when no HTTP response was obtained at all, the status is
// 502 and the body is a serialized error object, so failures are still
// hashable and receiptable.
func (e *Executor) forward(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (int, []byte) {
	var (
		lastStatus int
		lastBody   []byte
		lastErr    error
	)

attempts:
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				if lastErr == nil && lastStatus == 0 {
					lastErr = ctx.Err()
				}
				break attempts
			case <-time.After(e.cfg.BackoffStep * time.Duration(attempt-1)):
			}
		}

		status, body, err := e.attempt(ctx, endpoint, payload, headers)
		if err != nil {
			lastErr = err
			lastStatus = 0
			lastBody = nil
			e.metrics.ExecutionAttempts.WithLabelValues("error").Inc()
			e.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Err(err).
				Msg("execution attempt failed")
			continue
		}

		lastErr = nil
		lastStatus = status
		lastBody = body

		if status >= 500 {
			e.metrics.ExecutionAttempts.WithLabelValues("server_error").Inc()
			e.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Int("status", status).
				Msg("endpoint returned server error")
			continue
		}

		e.metrics.ExecutionAttempts.WithLabelValues("completed").Inc()
		return status, body
	}

	if lastErr != nil {
		raw, _ := json.Marshal(map[string]string{"error": lastErr.Error()})
		return http.StatusBadGateway, raw
	}
	return lastStatus, lastBody
}

func (e *Executor) attempt(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// recordDrop leaves a terminal error response for pollers of an event that
// was dropped before execution. No receipt exists because nothing ran.
func (e *Executor) recordDrop(ctx context.Context, event models.PaymentEvent, status int, reason string) {
	resp := &models.CachedResponse{
		Error:      reason,
		HTTPStatus: status,
		Timestamp:  e.now().Unix(),
	}
	if err := e.responses.Put(ctx, event.TxHash, resp); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().
			Str("tx", event.TxHash).
			Err(err).
			Msg("failed to record drop response")
	}
}

// Package mock synthesizes execution results for a model without requiring
// an on-chain payment, exercising the full receipt-construction machinery
// for development and testing. Mock results share the real outcome's data
// shape; only the explicit mock flag differs, and they are never anchored
// on-chain.
package mock

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

	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/models"
	"github.com/agentpayy/gateway/internal/pipeline"
)

// Builder signs receipts for mock outcomes. Satisfied by receipt.Service.
type Builder interface {
	Build(event models.PaymentEvent, outcome models.ExecutionOutcome) (*models.ExecutionReceipt, error)
}

// Result is the client-visible mock response: the payload plus the same
// receipt fields a real execution produces.
type Result struct {
	Data    string                   `json:"data"`
	Mock    bool                     `json:"mock"`
	Receipt *models.ExecutionReceipt `json:"receipt"`
}

// Responder serves mock executions.
type Responder struct {
	registry chain.Registry
	builder  Builder
	client   *http.Client
	logger   zerolog.Logger
	now      func() time.Time
}

// NewResponder builds a mock responder. The registry is consulted for a
// forwardable route; when none resolves, responses are synthesized.
func NewResponder(registry chain.Registry, builder Builder, timeout time.Duration, logger zerolog.Logger) *Responder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Responder{
		registry: registry,
		builder:  builder,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "mock_responder").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the responder's clock. Intended for tests.
func (r *Responder) SetClock(now func() time.Time) {
	r.now = now
}

// Respond executes a mock call for modelID with the given input. If a
// mock-capable route is configured on any serviced network the input is
// forwarded once, tagged as a mock call; otherwise a deterministic fake
// response keyed by the model id is synthesized.
func (r *Responder) Respond(ctx context.Context, modelID string, input []byte) (*Result, error) {
	status, body := r.execute(ctx, modelID, input)

	outcome := models.ExecutionOutcome{
		InputHash:    hashutil.Hex(input),
		OutputHash:   hashutil.Hex(body),
		Success:      status >= 200 && status < 300,
		HTTPStatus:   status,
		ResponseSize: len(body),
		ExecutedAt:   r.now(),
		ResponseBody: body,
		Mock:         true,
	}

	// Mock calls have no payment transaction; a synthetic identifier keyed
	// by model and input keeps receipts deterministic and collision-free.
	event := models.PaymentEvent{
		ModelID:   modelID,
		TxHash:    hashutil.Hex(append([]byte("mock:"+modelID+":"), input...)),
		InputHash: outcome.InputHash,
		Network:   "mock",
	}

	rcpt, err := r.builder.Build(event, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to build mock receipt: %w", err)
	}

	return &Result{
		Data:    string(body),
		Mock:    true,
		Receipt: rcpt,
	}, nil
}

func (r *Responder) execute(ctx context.Context, modelID string, input []byte) (int, []byte) {
	if endpoint := r.resolveEndpoint(ctx, modelID); endpoint != "" {
		status, body, err := r.forward(ctx, endpoint, modelID, input)
		if err == nil {
			return status, body
		}
		r.logger.Warn().
			Str("model", modelID).
			Str("endpoint", endpoint).
			Err(err).
			Msg("mock forward failed, synthesizing response")
	}
	return http.StatusOK, synthesize(modelID)
}

// resolveEndpoint finds an active route for the model on any serviced
// network. Registry errors just mean no forwardable route.
func (r *Responder) resolveEndpoint(ctx context.Context, modelID string) string {
	for _, network := range r.registry.Networks() {
		model, err := r.registry.GetModel(ctx, network, modelID)
		if err != nil || !model.Active || model.Endpoint == "" {
			continue
		}
		return model.Endpoint
	}
	return ""
}

func (r *Responder) forward(ctx context.Context, endpoint, modelID string, input []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(input))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(pipeline.HeaderModel, modelID)
	req.Header.Set(pipeline.HeaderMock, "true")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return 0, nil, errors.New("mock endpoint returned " + resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// synthesize fabricates a deterministic response for a model, stable across
// calls so mock receipts for the same model and input are reproducible.
func synthesize(modelID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"model":  modelID,
		"result": "mock response for " + modelID,
		"mock":   true,
	})
	return raw
}

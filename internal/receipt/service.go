// Package receipt builds, signs, verifies, persists, and anchors execution
// receipts: the tamper-evident proof that a paid API call happened, whether
// it succeeded or failed.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/agentpayy/gateway/internal/cache"
	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/models"
)

// Verification errors. Mismatches are reported, never panicked: a failed
// verification is a dispute-resolution outcome, not a crash.
var (
	// ErrInputMismatch means the supplied input bytes do not hash to the
	// receipt's input hash.
	ErrInputMismatch = errors.New("receipt: input does not match receipt input hash")
	// ErrOutputMismatch means the supplied output bytes do not hash to the
	// receipt's output hash.
	ErrOutputMismatch = errors.New("receipt: output does not match receipt output hash")
	// ErrProofMismatch means the execution proof was not produced by the
	// gateway identity named in the receipt.
	ErrProofMismatch = errors.New("receipt: execution proof signer does not match gateway")
)

const submitTimeout = 60 * time.Second

// Service assembles receipts from execution outcomes, signs them with the
// gateway identity, persists them locally, and anchors them on-chain when
// the gateway is an authorized submitter.
type Service struct {
	signer    *chain.Signer
	registry  chain.Registry
	receipts  *cache.ReceiptStore
	responses *cache.ResponseCache
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	submissions sync.WaitGroup
}

// NewService wires the receipt service. All collaborators are required.
func NewService(
	signer *chain.Signer,
	registry chain.Registry,
	receipts *cache.ReceiptStore,
	responses *cache.ResponseCache,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Service {
	return &Service{
		signer:    signer,
		registry:  registry,
		receipts:  receipts,
		responses: responses,
		metrics:   m,
		logger:    logger.With().Str("component", "receipt_service").Logger(),
	}
}

// Build assembles and signs a receipt for the given event and outcome. It is
// deterministic: identical inputs produce byte-identical receipts, which is
// what makes redelivered events harmless.
func (s *Service) Build(event models.PaymentEvent, outcome models.ExecutionOutcome) (*models.ExecutionReceipt, error) {
	rcpt := &models.ExecutionReceipt{
		TxHash:       event.TxHash,
		ModelID:      event.ModelID,
		Payer:        event.Payer,
		InputHash:    outcome.InputHash,
		OutputHash:   outcome.OutputHash,
		ExecutedAt:   outcome.ExecutedAt.Unix(),
		ResponseSize: outcome.ResponseSize,
		Success:      outcome.Success,
		HTTPStatus:   outcome.HTTPStatus,
		Gateway:      s.signer.Address().Hex(),
		Mock:         outcome.Mock,
	}

	proof, err := s.signer.SignDigest(SigningDigest(rcpt))
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt for %s: %w", event.TxHash, err)
	}
	rcpt.ExecutionProof = hexutil.Encode(proof)

	return rcpt, nil
}

// Verify checks a receipt against externally supplied input and output bytes
// and validates the execution proof. Hash mismatches are reported as
// ErrInputMismatch / ErrOutputMismatch so callers can distinguish which side
// was tampered with.
func Verify(rcpt *models.ExecutionReceipt, input, output []byte) error {
	if hashutil.Hex(input) != rcpt.InputHash {
		return ErrInputMismatch
	}
	if hashutil.Hex(output) != rcpt.OutputHash {
		return ErrOutputMismatch
	}

	proof, err := hexutil.Decode(rcpt.ExecutionProof)
	if err != nil {
		return fmt.Errorf("receipt: invalid proof encoding: %w", err)
	}
	signer, err := chain.RecoverSigner(SigningDigest(rcpt), proof)
	if err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	// Receipts from external callers may carry the gateway address in any
	// hex casing; compare addresses, not strings.
	if signer != common.HexToAddress(rcpt.Gateway) {
		return ErrProofMismatch
	}
	return nil
}

// Record builds the receipt for an execution outcome, persists it and the
// client-visible response, and kicks off asynchronous on-chain submission.
// Calling it twice for the same transaction overwrites local state with
// identical values; replay protection for the chain lives in the settlement
// contract.
func (s *Service) Record(ctx context.Context, event models.PaymentEvent, outcome models.ExecutionOutcome) (*models.ExecutionReceipt, error) {
	rcpt, err := s.Build(event, outcome)
	if err != nil {
		return nil, err
	}

	if err := s.receipts.Put(ctx, rcpt); err != nil {
		return nil, fmt.Errorf("failed to persist receipt %s: %w", rcpt.TxHash, err)
	}

	resp := &models.CachedResponse{
		HTTPStatus: outcome.HTTPStatus,
		Timestamp:  outcome.ExecutedAt.Unix(),
		Receipt:    rcpt,
	}
	if outcome.Success {
		resp.Data = string(outcome.ResponseBody)
	} else {
		resp.Error = string(outcome.ResponseBody)
	}
	if err := s.responses.Put(ctx, rcpt.TxHash, resp); err != nil {
		// The receipt is already durable; a missing poll result is
		// recoverable via GET /receipt, so log and continue.
		s.logger.Error().
			Str("tx", rcpt.TxHash).
			Err(err).
			Msg("failed to persist cached response")
	}

	s.submitAsync(event.Network, rcpt)

	return rcpt, nil
}

// submitAsync anchors the receipt on-chain without blocking the pipeline.
// The submission runs on its own deadline, detached from the event's
// context, and its outcome is always recorded.
func (s *Service) submitAsync(network string, rcpt *models.ExecutionReceipt) {
	s.submissions.Add(1)
	go func() {
		defer s.submissions.Done()

		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()

		outcome := s.Submit(ctx, network, rcpt)
		s.metrics.ReceiptSubmissions.WithLabelValues(string(outcome.State)).Inc()

		evt := s.logger.Info()
		if outcome.State == models.SubmissionRejected {
			evt = s.logger.Error()
		}
		evt.Str("tx", rcpt.TxHash).
			Str("network", network).
			Str("state", string(outcome.State)).
			Str("submit_tx", outcome.SubmitTx).
			Str("error", outcome.Error).
			Msg("receipt submission finished")
	}()
}

// Submit performs one on-chain submission attempt and classifies the result.
func (s *Service) Submit(ctx context.Context, network string, rcpt *models.ExecutionReceipt) models.SubmissionOutcome {
	outcome := models.SubmissionOutcome{
		Network:    network,
		ReceiptTx:  rcpt.TxHash,
		FinishedAt: time.Now(),
	}

	if rcpt.Mock {
		outcome.State = models.SubmissionSkippedMock
		return outcome
	}

	authorized, err := s.registry.IsAuthorizedGateway(ctx, network, rcpt.Gateway)
	if err != nil {
		outcome.State = models.SubmissionRejected
		outcome.Error = err.Error()
		return outcome
	}
	if !authorized {
		// Not fatal: local receipts remain valid evidence without
		// on-chain anchoring.
		outcome.State = models.SubmissionSkippedUnauthorized
		return outcome
	}

	submitTx, err := s.registry.SubmitReceipt(ctx, network, rcpt)
	if err != nil {
		outcome.State = models.SubmissionRejected
		outcome.Error = err.Error()
		return outcome
	}

	outcome.State = models.SubmissionSubmitted
	outcome.SubmitTx = submitTx
	outcome.FinishedAt = time.Now()
	return outcome
}

// Wait blocks until all in-flight submissions finish. Used during shutdown.
func (s *Service) Wait() {
	s.submissions.Wait()
}

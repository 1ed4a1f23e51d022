package receipt

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpayy/gateway/internal/cache"
	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/chain/chaintest"
	"github.com/agentpayy/gateway/internal/hashutil"
	"github.com/agentpayy/gateway/internal/metrics"
	"github.com/agentpayy/gateway/internal/models"
)

const testPrivateKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fixture struct {
	svc      *Service
	signer   *chain.Signer
	registry *chaintest.Registry
	receipts *cache.ReceiptStore
	responses *cache.ResponseCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := chain.NewSignerFromPrivateKey(testPrivateKey)
	require.NoError(t, err)

	registry := &chaintest.Registry{
		Gateway:    signer.Address().Hex(),
		Authorized: map[string]bool{signer.Address().Hex(): true},
	}

	store := cache.NewMemoryStore()
	receipts := cache.NewReceiptStore(store, 24*time.Hour, nil)
	responses := cache.NewResponseCache(store, time.Hour, nil)

	return &fixture{
		svc:      NewService(signer, registry, receipts, responses, metrics.New(), zerolog.Nop()),
		signer:   signer,
		registry: registry,
		receipts: receipts,
		responses: responses,
	}
}

func testEventOutcome() (models.PaymentEvent, models.ExecutionOutcome) {
	input := []byte(`{"city":"NYC"}`)
	output := []byte(`{"temp":72}`)
	event := models.PaymentEvent{
		ModelID:   "weather-v1",
		Payer:     "0x1111111111111111111111111111111111111111",
		Amount:    "10000",
		InputHash: hashutil.Hex(input),
		Timestamp: 1700000000,
		TxHash:    "0x0101010101010101010101010101010101010101010101010101010101010101",
		Network:   "base",
	}
	outcome := models.ExecutionOutcome{
		InputHash:    event.InputHash,
		OutputHash:   hashutil.Hex(output),
		Success:      true,
		HTTPStatus:   200,
		ResponseSize: len(output),
		ExecutedAt:   time.Unix(1700000100, 0),
		ResponseBody: output,
	}
	return event, outcome
}

func TestBuildDeterministic(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	first, err := f.svc.Build(event, outcome)
	require.NoError(t, err)
	second, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	// Redelivered events with identical outcomes yield byte-identical
	// receipts, signature included.
	assert.Equal(t, first, second)
	assert.Equal(t, f.signer.Address().Hex(), first.Gateway)
	assert.NotEmpty(t, first.ExecutionProof)
}

func TestVerifyRoundTrip(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	input := []byte(`{"city":"NYC"}`)
	output := []byte(`{"temp":72}`)
	assert.NoError(t, Verify(rcpt, input, output))
}

func TestVerifyTamperDetection(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	input := []byte(`{"city":"NYC"}`)
	output := []byte(`{"temp":72}`)

	err = Verify(rcpt, []byte(`{"city":"LA"}`), output)
	assert.ErrorIs(t, err, ErrInputMismatch)

	err = Verify(rcpt, input, []byte(`{"temp":-40}`))
	assert.ErrorIs(t, err, ErrOutputMismatch)
}

func TestVerifyProofSignerMismatch(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	// A receipt claiming a different gateway than the proof's signer must
	// fail verification.
	forged := *rcpt
	forged.Gateway = "0x2222222222222222222222222222222222222222"
	assert.ErrorIs(t, Verify(&forged, []byte(`{"city":"NYC"}`), []byte(`{"temp":72}`)), ErrProofMismatch)
}

func TestVerifyGatewayAddressCasing(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	// External verifiers may hand us the gateway address without EIP-55
	// checksum casing; the proof is still valid.
	relaxed := *rcpt
	relaxed.Gateway = strings.ToLower(rcpt.Gateway)
	assert.NoError(t, Verify(&relaxed, []byte(`{"city":"NYC"}`), []byte(`{"temp":72}`)))
}

func TestRecordPersistsReceiptAndResponse(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()
	ctx := context.Background()

	rcpt, err := f.svc.Record(ctx, event, outcome)
	require.NoError(t, err)
	f.svc.Wait()

	stored, err := f.receipts.Get(ctx, event.TxHash)
	require.NoError(t, err)
	assert.Equal(t, rcpt.ExecutionProof, stored.ExecutionProof)

	resp, err := f.responses.Get(ctx, event.TxHash)
	require.NoError(t, err)
	assert.Equal(t, `{"temp":72}`, resp.Data)
	assert.Empty(t, resp.Error)
	assert.Equal(t, 200, resp.HTTPStatus)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, event.TxHash, resp.Receipt.TxHash)

	assert.Equal(t, 1, f.registry.SubmittedCount())
}

func TestRecordFailureOutcome(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()
	outcome.Success = false
	outcome.HTTPStatus = 500
	outcome.ResponseBody = []byte(`{"error":"upstream exploded"}`)
	outcome.OutputHash = hashutil.Hex(outcome.ResponseBody)
	ctx := context.Background()

	rcpt, err := f.svc.Record(ctx, event, outcome)
	require.NoError(t, err)
	f.svc.Wait()

	// A failed execution is still signed evidence.
	assert.False(t, rcpt.Success)
	assert.Equal(t, 500, rcpt.HTTPStatus)

	resp, err := f.responses.Get(ctx, event.TxHash)
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Equal(t, `{"error":"upstream exploded"}`, resp.Error)
}

func TestRecordRedeliveryIdempotent(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()
	ctx := context.Background()

	first, err := f.svc.Record(ctx, event, outcome)
	require.NoError(t, err)
	second, err := f.svc.Record(ctx, event, outcome)
	require.NoError(t, err)
	f.svc.Wait()

	// Local overwrite is a no-op in effect, and the collaborator rejects
	// the second on-chain submission.
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.registry.SubmittedCount())
}

func TestSubmitSkippedWhenUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.registry.Authorized = map[string]bool{}
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	result := f.svc.Submit(context.Background(), event.Network, rcpt)
	assert.Equal(t, models.SubmissionSkippedUnauthorized, result.State)
	assert.Equal(t, 0, f.registry.SubmittedCount())
}

func TestSubmitSkipsMockReceipts(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()
	outcome.Mock = true

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	result := f.svc.Submit(context.Background(), event.Network, rcpt)
	assert.Equal(t, models.SubmissionSkippedMock, result.State)
	assert.Equal(t, 0, f.registry.SubmittedCount())
}

func TestSubmitRejectedRecorded(t *testing.T) {
	f := newFixture(t)
	event, outcome := testEventOutcome()

	rcpt, err := f.svc.Build(event, outcome)
	require.NoError(t, err)

	first := f.svc.Submit(context.Background(), event.Network, rcpt)
	assert.Equal(t, models.SubmissionSubmitted, first.State)
	assert.NotEmpty(t, first.SubmitTx)

	second := f.svc.Submit(context.Background(), event.Network, rcpt)
	assert.Equal(t, models.SubmissionRejected, second.State)
	assert.Contains(t, second.Error, "already exists")
}

// Package models defines the domain entities shared across the gateway:
// payment events observed on-chain, model route metadata, execution outcomes,
// and the signed execution receipts that anchor them.
package models

import "time"

// PaymentEvent is an immutable fact observed from a network: a payer settled
// a micropayment for a model call, carrying the content hash of the intended
// request payload. TxHash together with Network forms the natural idempotency
// key; the same event may be redelivered (reorgs, subscription replay,
// restarts) and downstream layers must tolerate that.
type PaymentEvent struct {
	ModelID   string `json:"modelId"`
	Payer     string `json:"payer"`
	Amount    string `json:"amount"`
	InputHash string `json:"inputHash"`
	Timestamp int64  `json:"timestamp"`
	TxHash    string `json:"txHash"`
	Network   string `json:"network"`
}

// Model is the route metadata the settlement contract holds for a registered
// model. The gateway only reads it, never mutates it.
type Model struct {
	Owner    string `json:"owner"`
	Endpoint string `json:"endpoint"`
	Price    string `json:"price"`
	Token    string `json:"token"`
	Active   bool   `json:"active"`
}

// ExecutionOutcome captures what happened when the cached payload was
// forwarded to the model endpoint. ResponseBody holds the exact bytes of the
// last attempt's response (or a serialized error object when every attempt
// failed); OutputHash is the content hash of those bytes.
type ExecutionOutcome struct {
	InputHash    string
	OutputHash   string
	Success      bool
	HTTPStatus   int
	ResponseSize int
	ExecutedAt   time.Time
	ResponseBody []byte
	Mock         bool
}

// ExecutionReceipt is signed, hash-anchored proof that a specific payment
// event resulted in a specific API execution, successful or not. A receipt is
// uniquely identified by TxHash; ExecutionProof is the gateway's signature
// over the canonical encoding of the remaining fields.
type ExecutionReceipt struct {
	TxHash         string `json:"txHash"`
	ModelID        string `json:"modelId"`
	Payer          string `json:"payer"`
	InputHash      string `json:"inputHash"`
	OutputHash     string `json:"outputHash"`
	ExecutionProof string `json:"executionProof"`
	ExecutedAt     int64  `json:"executedAt"`
	ResponseSize   int    `json:"responseSize"`
	Success        bool   `json:"success"`
	HTTPStatus     int    `json:"httpStatus"`
	Gateway        string `json:"gateway"`
	Mock           bool   `json:"mock,omitempty"`
}

// CachedResponse is the short-lived, client-visible view of an execution
// outcome, polled by the original caller. It is derived from the receipt plus
// the raw response payload and is not authoritative; the receipt is the
// source of truth for disputes.
type CachedResponse struct {
	Data       string            `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	HTTPStatus int               `json:"httpStatus"`
	Timestamp  int64             `json:"timestamp"`
	Receipt    *ExecutionReceipt `json:"receipt,omitempty"`
}

// SubmissionState classifies the result of anchoring a receipt on-chain.
type SubmissionState string

const (
	// SubmissionSubmitted means the receipt transaction was sent; the hash
	// is recorded without waiting for confirmation.
	SubmissionSubmitted SubmissionState = "submitted"
	// SubmissionRejected means the collaborator refused the receipt
	// (duplicate txHash, bad proof, future timestamp) or the send failed.
	SubmissionRejected SubmissionState = "rejected"
	// SubmissionSkippedUnauthorized means the gateway identity is not an
	// authorized submitter on that network; the local receipt stands alone.
	SubmissionSkippedUnauthorized SubmissionState = "skipped_unauthorized"
	// SubmissionSkippedMock means mock executions are never anchored.
	SubmissionSkippedMock SubmissionState = "skipped_mock"
)

// SubmissionOutcome records how an attempt to anchor a receipt on-chain
// ended, so operators can observe and alert on it instead of relying on
// fire-and-forget logging.
type SubmissionOutcome struct {
	State      SubmissionState `json:"state"`
	Network    string          `json:"network"`
	ReceiptTx  string          `json:"receiptTx,omitempty"`
	SubmitTx   string          `json:"submitTx,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finishedAt"`
}

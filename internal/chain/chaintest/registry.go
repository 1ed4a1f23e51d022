// Package chaintest provides an in-memory chain.Registry fake for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentpayy/gateway/internal/chain"
	"github.com/agentpayy/gateway/internal/models"
)

// Registry is a configurable chain.Registry fake. The zero value services no
// networks; populate the public fields before use.
type Registry struct {
	mu sync.Mutex

	// Models maps network -> modelID -> metadata.
	Models map[string]map[string]models.Model
	// Authorized maps gateway addresses allowed to submit receipts.
	Authorized map[string]bool
	// Gateway is the address reported by GatewayAddress.
	Gateway string
	// Events holds the events Subscribe replays before blocking.
	Events []models.PaymentEvent
	// SubscribeErrs queues errors returned by successive Subscribe calls
	// before any events are replayed. Once drained, Subscribe behaves
	// normally, simulating a subscription that recovers.
	SubscribeErrs []error
	// SubmitErr, when set, fails every submission.
	SubmitErr error

	// SubscribeTimes records when each Subscribe call arrived.
	SubscribeTimes []time.Time

	// Submitted records every receipt accepted by SubmitReceipt.
	Submitted []*models.ExecutionReceipt
}

var _ chain.Registry = (*Registry)(nil)

// Networks lists the networks with configured models.
func (r *Registry) Networks() []string {
	names := make([]string, 0, len(r.Models))
	for name := range r.Models {
		names = append(names, name)
	}
	return names
}

// Subscribe fails with the next queued SubscribeErr if any; otherwise it
// replays the configured events, then blocks until the context is cancelled,
// mimicking an open subscription.
func (r *Registry) Subscribe(ctx context.Context, network string, handler chain.Handler) error {
	r.mu.Lock()
	r.SubscribeTimes = append(r.SubscribeTimes, time.Now())
	if len(r.SubscribeErrs) > 0 {
		err := r.SubscribeErrs[0]
		r.SubscribeErrs = r.SubscribeErrs[1:]
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	for _, event := range r.Events {
		if event.Network == network {
			handler(event)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

// GetModel resolves model metadata or fails like an unknown-model call.
func (r *Registry) GetModel(_ context.Context, network, modelID string) (models.Model, error) {
	byNetwork, ok := r.Models[network]
	if !ok {
		return models.Model{}, fmt.Errorf("%w: %s", chain.ErrUnknownNetwork, network)
	}
	model, ok := byNetwork[modelID]
	if !ok {
		return models.Model{}, fmt.Errorf("model %s not registered on %s", modelID, network)
	}
	return model, nil
}

// IsAuthorizedGateway consults the Authorized map.
func (r *Registry) IsAuthorizedGateway(_ context.Context, _ string, addr string) (bool, error) {
	return r.Authorized[addr], nil
}

// SubmitReceipt records the receipt, enforcing the collaborator's replay
// protection: one receipt per payment transaction.
func (r *Registry) SubmitReceipt(_ context.Context, _ string, rcpt *models.ExecutionReceipt) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.SubmitErr != nil {
		return "", r.SubmitErr
	}
	for _, existing := range r.Submitted {
		if existing.TxHash == rcpt.TxHash {
			return "", errors.New("receipt already exists for transaction")
		}
	}
	r.Submitted = append(r.Submitted, rcpt)
	return fmt.Sprintf("0xsubmit%d", len(r.Submitted)), nil
}

// SubscribeCallTimes returns when each Subscribe call arrived.
func (r *Registry) SubscribeCallTimes() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Time, len(r.SubscribeTimes))
	copy(out, r.SubscribeTimes)
	return out
}

// SubmittedCount returns how many receipts were accepted.
func (r *Registry) SubmittedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Submitted)
}

// GatewayAddress returns the configured gateway address.
func (r *Registry) GatewayAddress() string {
	return r.Gateway
}

// Package chain binds the gateway to the settlement contract on each
// configured network: payment event subscriptions, model metadata reads,
// gateway authorization checks, and receipt submission. The registry is
// constructed once at startup and injected into every component that needs
// chain access.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/agentpayy/gateway/internal/models"
)

// ErrUnknownNetwork is returned for operations against a network the
// registry was not configured with.
var ErrUnknownNetwork = errors.New("chain: network not configured")

// ErrNoSubscription is returned by Subscribe when a network has no WebSocket
// endpoint configured; such a network is read/write only.
var ErrNoSubscription = errors.New("chain: network has no subscription endpoint")

// settlementABI is the read/write boundary of the settlement contract. Only
// the operations the gateway performs are bound; contract internals are out
// of scope.
const settlementABI = `[
	{"type":"event","name":"PaymentProcessed","anonymous":false,"inputs":[
		{"name":"modelId","type":"string","indexed":false},
		{"name":"payer","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"inputHash","type":"bytes32","indexed":false},
		{"name":"timestamp","type":"uint256","indexed":false}]},
	{"type":"function","name":"getModel","stateMutability":"view","inputs":[
		{"name":"modelId","type":"string"}],"outputs":[
		{"name":"owner","type":"address"},
		{"name":"endpoint","type":"string"},
		{"name":"price","type":"uint256"},
		{"name":"token","type":"address"},
		{"name":"active","type":"bool"}]},
	{"type":"function","name":"isAuthorizedGateway","stateMutability":"view","inputs":[
		{"name":"gateway","type":"address"}],"outputs":[
		{"name":"","type":"bool"}]},
	{"type":"function","name":"submitExecutionReceipt","stateMutability":"nonpayable","inputs":[
		{"name":"paymentTx","type":"bytes32"},
		{"name":"modelId","type":"string"},
		{"name":"payer","type":"address"},
		{"name":"inputHash","type":"bytes32"},
		{"name":"outputHash","type":"bytes32"},
		{"name":"executionProof","type":"bytes"},
		{"name":"executedAt","type":"uint256"},
		{"name":"responseSize","type":"uint256"},
		{"name":"success","type":"bool"},
		{"name":"httpStatus","type":"uint256"}],"outputs":[]}
]`

// Handler receives payment events observed on a network.
type Handler func(event models.PaymentEvent)

// Registry exposes the settlement-contract boundary per network. It is an
// interface so the pipeline, receipt service, and mock responder can be
// tested against fakes without a running chain.
type Registry interface {
	// Networks lists the networks the registry can service.
	Networks() []string

	// Subscribe runs one subscription session for payment events on the
	// given network, invoking handler for each confirmed event. It blocks
	// until the context is cancelled or the subscription fails; callers
	// own the reconnect policy.
	Subscribe(ctx context.Context, network string, handler Handler) error

	// GetModel reads the route metadata for a model.
	GetModel(ctx context.Context, network, modelID string) (models.Model, error)

	// IsAuthorizedGateway reports whether addr may submit receipts.
	IsAuthorizedGateway(ctx context.Context, network, addr string) (bool, error)

	// SubmitReceipt sends a receipt transaction and returns its hash
	// without waiting for confirmation.
	SubmitReceipt(ctx context.Context, network string, rcpt *models.ExecutionReceipt) (string, error)

	// GatewayAddress is the submitting identity's address.
	GatewayAddress() string
}

// NetworkConfig describes one serviced network.
type NetworkConfig struct {
	Name     string
	RPCURL   string
	WSURL    string
	Contract string
}

type networkClient struct {
	name       string
	chainID    *big.Int
	contract   *bind.BoundContract
	wsContract *bind.BoundContract
}

// paymentProcessedEvent mirrors the non-indexed fields of the
// PaymentProcessed log.
type paymentProcessedEvent struct {
	ModelId   string
	Payer     common.Address
	Amount    *big.Int
	InputHash [32]byte
	Timestamp *big.Int
}

// EVMRegistry is the go-ethereum backed Registry implementation.
type EVMRegistry struct {
	networks map[string]*networkClient
	abi      abi.ABI
	signer   *Signer
	logger   zerolog.Logger
}

// NewEVMRegistry dials each configured network and binds the settlement
// contract. Networks with incomplete configuration or failing dials are
// logged and skipped rather than failing startup; a gateway with zero
// serviceable networks is still useful for mock calls.
func NewEVMRegistry(ctx context.Context, configs []NetworkConfig, signer *Signer, logger zerolog.Logger) (*EVMRegistry, error) {
	if signer == nil {
		return nil, errors.New("chain: signer is required")
	}

	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement ABI: %w", err)
	}

	logger = logger.With().Str("component", "chain_registry").Logger()

	r := &EVMRegistry{
		networks: make(map[string]*networkClient),
		abi:      parsed,
		signer:   signer,
		logger:   logger,
	}

	for _, cfg := range configs {
		if cfg.Name == "" || cfg.RPCURL == "" || cfg.Contract == "" {
			logger.Warn().
				Str("network", cfg.Name).
				Msg("incomplete network configuration, network will not be serviced")
			continue
		}

		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			logger.Warn().
				Str("network", cfg.Name).
				Err(err).
				Msg("failed to dial network, network will not be serviced")
			continue
		}

		chainID, err := client.ChainID(ctx)
		if err != nil {
			logger.Warn().
				Str("network", cfg.Name).
				Err(err).
				Msg("failed to read chain id, network will not be serviced")
			client.Close()
			continue
		}

		address := common.HexToAddress(cfg.Contract)
		nc := &networkClient{
			name:     cfg.Name,
			chainID:  chainID,
			contract: bind.NewBoundContract(address, parsed, client, client, client),
		}

		if cfg.WSURL != "" {
			wsClient, err := ethclient.DialContext(ctx, cfg.WSURL)
			if err != nil {
				logger.Warn().
					Str("network", cfg.Name).
					Err(err).
					Msg("failed to dial websocket endpoint, network is read/write only")
			} else {
				nc.wsContract = bind.NewBoundContract(address, parsed, wsClient, wsClient, wsClient)
			}
		} else {
			logger.Warn().
				Str("network", cfg.Name).
				Msg("no websocket endpoint configured, network is read/write only")
		}

		r.networks[cfg.Name] = nc
		logger.Info().
			Str("network", cfg.Name).
			Str("contract", address.Hex()).
			Str("chain_id", chainID.String()).
			Msg("network registered")
	}

	return r, nil
}

// Networks lists configured network names.
func (r *EVMRegistry) Networks() []string {
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	return names
}

// GatewayAddress returns the signing identity's address.
func (r *EVMRegistry) GatewayAddress() string {
	return r.signer.Address().Hex()
}

func (r *EVMRegistry) network(name string) (*networkClient, error) {
	nc, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return nc, nil
}

// Subscribe watches PaymentProcessed logs until the context is cancelled or
// the subscription errors. Removed logs (reorged-out blocks) are skipped;
// redelivery after a reconnect is expected and handled downstream by the
// receipt idempotency contract.
func (r *EVMRegistry) Subscribe(ctx context.Context, network string, handler Handler) error {
	nc, err := r.network(network)
	if err != nil {
		return err
	}
	if nc.wsContract == nil {
		return fmt.Errorf("%w: %s", ErrNoSubscription, network)
	}

	logs, sub, err := nc.wsContract.WatchLogs(&bind.WatchOpts{Context: ctx}, "PaymentProcessed")
	if err != nil {
		return fmt.Errorf("failed to watch payment events on %s: %w", network, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return fmt.Errorf("payment event subscription on %s failed: %w", network, err)
		case lg := <-logs:
			if lg.Removed {
				continue
			}
			var ev paymentProcessedEvent
			if err := nc.wsContract.UnpackLog(&ev, "PaymentProcessed", lg); err != nil {
				r.logger.Warn().
					Str("network", network).
					Str("tx", lg.TxHash.Hex()).
					Err(err).
					Msg("failed to unpack payment event, skipping")
				continue
			}
			handler(models.PaymentEvent{
				ModelID:   ev.ModelId,
				Payer:     ev.Payer.Hex(),
				Amount:    ev.Amount.String(),
				InputHash: common.Hash(ev.InputHash).Hex(),
				Timestamp: ev.Timestamp.Int64(),
				TxHash:    lg.TxHash.Hex(),
				Network:   network,
			})
		}
	}
}

// GetModel reads model route metadata from the settlement contract.
func (r *EVMRegistry) GetModel(ctx context.Context, network, modelID string) (models.Model, error) {
	nc, err := r.network(network)
	if err != nil {
		return models.Model{}, err
	}

	var out []interface{}
	if err := nc.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getModel", modelID); err != nil {
		return models.Model{}, fmt.Errorf("getModel(%s) on %s failed: %w", modelID, network, err)
	}
	if len(out) != 5 {
		return models.Model{}, fmt.Errorf("getModel(%s) on %s returned %d values, want 5", modelID, network, len(out))
	}

	return models.Model{
		Owner:    out[0].(common.Address).Hex(),
		Endpoint: out[1].(string),
		Price:    out[2].(*big.Int).String(),
		Token:    out[3].(common.Address).Hex(),
		Active:   out[4].(bool),
	}, nil
}

// IsAuthorizedGateway reports whether addr is an authorized receipt
// submitter on the network.
func (r *EVMRegistry) IsAuthorizedGateway(ctx context.Context, network, addr string) (bool, error) {
	nc, err := r.network(network)
	if err != nil {
		return false, err
	}

	var out []interface{}
	if err := nc.contract.Call(&bind.CallOpts{Context: ctx}, &out, "isAuthorizedGateway", common.HexToAddress(addr)); err != nil {
		return false, fmt.Errorf("isAuthorizedGateway on %s failed: %w", network, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("isAuthorizedGateway on %s returned %d values, want 1", network, len(out))
	}
	return out[0].(bool), nil
}

// SubmitReceipt sends the receipt to the settlement contract. The contract
// rejects duplicates for the same payment transaction, proofs from
// unauthorized signers, and future execution timestamps; rejection here is
// surfaced as an error for the caller to record.
func (r *EVMRegistry) SubmitReceipt(ctx context.Context, network string, rcpt *models.ExecutionReceipt) (string, error) {
	nc, err := r.network(network)
	if err != nil {
		return "", err
	}

	proof, err := hexutil.Decode(rcpt.ExecutionProof)
	if err != nil {
		return "", fmt.Errorf("invalid execution proof encoding: %w", err)
	}

	opts, err := r.signer.TransactOpts(nc.chainID)
	if err != nil {
		return "", err
	}
	opts.Context = ctx

	tx, err := nc.contract.Transact(opts, "submitExecutionReceipt",
		common.HexToHash(rcpt.TxHash),
		rcpt.ModelID,
		common.HexToAddress(rcpt.Payer),
		common.HexToHash(rcpt.InputHash),
		common.HexToHash(rcpt.OutputHash),
		proof,
		big.NewInt(rcpt.ExecutedAt),
		big.NewInt(int64(rcpt.ResponseSize)),
		rcpt.Success,
		big.NewInt(int64(rcpt.HTTPStatus)),
	)
	if err != nil {
		return "", fmt.Errorf("submitExecutionReceipt on %s failed: %w", network, err)
	}
	return tx.Hash().Hex(), nil
}

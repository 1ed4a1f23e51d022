package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the gateway's signing identity: the ECDSA key that produces
// execution proofs and submits receipt transactions. A gateway cannot run
// without one, so construction failures are fatal at startup.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromPrivateKey creates a signer from a hex-encoded private key,
// with or without the "0x" prefix.
func NewSignerFromPrivateKey(privateKeyHex string) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest with ECDSA, returning the 65-byte
// (r, s, v) signature with v adjusted to 27/28 so external verifiers can
// recover the signer with standard Ethereum tooling.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	signature[64] += 27
	return signature, nil
}

// TransactOpts returns transaction options bound to this key for the given
// chain, used when submitting receipts to the settlement contract.
func (s *Signer) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor for chain %s: %w", chainID, err)
	}
	return opts, nil
}

// RecoverSigner recovers the address that produced signature over digest.
// The signature must be the 65-byte (r, s, v) form with v in {27, 28}.
func RecoverSigner(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: got %d, want %d", len(signature), crypto.SignatureLength)
	}

	// crypto.SigToPub expects the recovery id in {0, 1}.
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

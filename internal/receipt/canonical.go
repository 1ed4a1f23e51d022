package receipt

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentpayy/gateway/internal/models"
)

// canonicalBytes produces the fixed, order-preserving encoding of a receipt's
// signed fields. Every field occupies a fixed width (the variable-length
// model id is folded to its Keccak-256 digest) so any verifier, in any
// language, can reconstruct the exact message:
//
//	txHash(32) || keccak(modelId)(32) || payer(20) ||
//	inputHash(32) || outputHash(32) ||
//	executedAt(8, BE) || responseSize(8, BE) || success(1) || httpStatus(4, BE)
//
// ExecutionProof and Gateway are excluded: the proof is computed over these
// bytes and the gateway is recovered from the proof.
func canonicalBytes(r *models.ExecutionReceipt) []byte {
	buf := make([]byte, 0, 32+32+20+32+32+8+8+1+4)

	buf = append(buf, common.HexToHash(r.TxHash).Bytes()...)
	buf = append(buf, crypto.Keccak256([]byte(r.ModelID))...)
	buf = append(buf, common.HexToAddress(r.Payer).Bytes()...)
	buf = append(buf, common.HexToHash(r.InputHash).Bytes()...)
	buf = append(buf, common.HexToHash(r.OutputHash).Bytes()...)

	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ExecutedAt))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.ResponseSize))
	if r.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.HTTPStatus))

	return buf
}

// SigningDigest returns the Keccak-256 digest of the receipt's canonical
// encoding, the message the execution proof signs.
func SigningDigest(r *models.ExecutionReceipt) []byte {
	return crypto.Keccak256(canonicalBytes(r))
}

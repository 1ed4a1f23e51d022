// Package hashutil provides the content hashing used for cache keys, tamper
// detection, and proof construction. Digests are Keccak-256 over the exact
// byte sequence being protected, never over a re-serialization, so producers
// and verifiers in any language can recompute identical values.
package hashutil

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sum returns the Keccak-256 digest of b.
func Sum(b []byte) common.Hash {
	return crypto.Keccak256Hash(b)
}

// Hex returns the 0x-prefixed hex digest of b.
func Hex(b []byte) string {
	return Sum(b).Hex()
}

// ParseHex validates a 0x-prefixed 32-byte hex digest and returns it as a
// Hash. It rejects anything that is not exactly 64 hex characters so that
// malformed hashes are caught at the boundary rather than silently truncated
// by common.HexToHash.
func ParseHex(s string) (common.Hash, error) {
	h := strings.TrimPrefix(s, "0x")
	if len(h) != common.HashLength*2 {
		return common.Hash{}, fmt.Errorf("invalid hash length: got %d hex chars, want %d", len(h), common.HashLength*2)
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return common.Hash{}, fmt.Errorf("invalid hash character %q", c)
		}
	}
	return common.HexToHash(s), nil
}

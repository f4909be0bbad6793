package types

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Digest is a 32-byte state or content hash.
type Digest = common.Hash

// HashAddr is the raw 32-byte address of an entity or package record.
type HashAddr [32]byte

func (h HashAddr) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

// HashRLP encodes v with RLP and returns the keccak256 digest of the
// encoding. It panics if v is not RLP-encodable, which is a programming
// error rather than a runtime condition.
func HashRLP(v interface{}) Digest {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("types: value not rlp-encodable: " + err.Error())
	}
	return crypto.Keccak256Hash(encoded)
}

package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
)

// AddressGenerator yields a deterministic stream of 32-byte addresses seeded
// from an execution context. Two runs over the same context produce the same
// addresses in the same order, which keeps purse and entity allocation
// reproducible across every node executing a block.
type AddressGenerator struct {
	seed    [32]byte
	counter uint64
}

// NewAddressGenerator seeds a generator from a context hash (typically a
// deploy hash) and a phase discriminant so that payment, session and
// finalization phases draw from disjoint streams.
func NewAddressGenerator(context []byte, phase uint8) *AddressGenerator {
	var seed [32]byte
	copy(seed[:], crypto.Keccak256(context, []byte{phase}))
	return &AddressGenerator{seed: seed}
}

// NextAddress returns the next address in the stream.
func (g *AddressGenerator) NextAddress() [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], g.counter)
	g.counter++
	var out [32]byte
	copy(out[:], crypto.Keccak256(g.seed[:], buf[:]))
	return out
}

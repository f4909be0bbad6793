package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 display address.
type AddressPrefix string

const (
	// AccountPrefix is used when rendering account hashes for operators.
	AccountPrefix AddressPrefix = "mer"
)

// AccountHashLength is the byte length of an account hash.
const AccountHashLength = 32

// AccountHash identifies an account in global state. It is derived from a
// public key and never stored alongside the key material itself.
type AccountHash [AccountHashLength]byte

// SystemAccountHash is the account hash of the virtual system account that
// authorizes system-phase execution (genesis, upgrades, step).
var SystemAccountHash = AccountHash(crypto.Keccak256Hash([]byte("system")))

func (h AccountHash) Bytes() []byte {
	out := make([]byte, AccountHashLength)
	copy(out, h[:])
	return out
}

// String renders the hash bech32-encoded with the account prefix.
func (h AccountHash) String() string {
	conv, err := bech32.ConvertBits(h[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(AccountPrefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeAccountHash parses a bech32 display address back into an account hash.
func DecodeAccountHash(s string) (AccountHash, error) {
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return AccountHash{}, fmt.Errorf("crypto: invalid bech32 string: %w", err)
	}
	if prefix != string(AccountPrefix) {
		return AccountHash{}, fmt.Errorf("crypto: unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return AccountHash{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	if len(conv) != AccountHashLength {
		return AccountHash{}, fmt.Errorf("crypto: account hash must be %d bytes, got %d", AccountHashLength, len(conv))
	}
	var h AccountHash
	copy(h[:], conv)
	return h, nil
}

// PublicKey is the serialized identity of a validator or account owner.
// The zero value is the system public key, which belongs to no real party.
// PublicKey is comparable and usable as a map key.
type PublicKey struct {
	raw string
}

// SystemPublicKey returns the virtual key that signs nothing and owns the
// system account.
func SystemPublicKey() PublicKey {
	return PublicKey{}
}

// NewPublicKey wraps serialized public key bytes. Empty input is rejected;
// the system key is obtained via SystemPublicKey instead.
func NewPublicKey(b []byte) (PublicKey, error) {
	if len(b) == 0 {
		return PublicKey{}, fmt.Errorf("crypto: empty public key")
	}
	return PublicKey{raw: string(b)}, nil
}

func (p PublicKey) IsSystem() bool {
	return p.raw == ""
}

func (p PublicKey) Bytes() []byte {
	return []byte(p.raw)
}

func (p PublicKey) Equal(other PublicKey) bool {
	return p.raw == other.raw
}

// AccountHash derives the account hash owned by this key.
func (p PublicKey) AccountHash() AccountHash {
	if p.IsSystem() {
		return SystemAccountHash
	}
	return AccountHash(crypto.Keccak256Hash([]byte(p.raw)))
}

func (p PublicKey) String() string {
	if p.IsSystem() {
		return "system"
	}
	return hex.EncodeToString([]byte(p.raw))
}

// Compare orders keys by their serialized bytes. The system key sorts first.
func (p PublicKey) Compare(other PublicKey) int {
	return bytes.Compare([]byte(p.raw), []byte(other.raw))
}

// --- Key material (used by tooling and tests) ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the compressed public key identity for this private key.
func (k *PrivateKey) PubKey() PublicKey {
	return PublicKey{raw: string(crypto.CompressPubkey(&k.PrivateKey.PublicKey))}
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

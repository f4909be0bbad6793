package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"

	"meridian/crypto"
)

// KeyTag discriminates the address space a Key lives in. Every key in global
// state carries exactly one tag, and every tag admits exactly one stored
// value variant.
type KeyTag uint8

const (
	KeyTagAccount KeyTag = iota
	KeyTagHash
	KeyTagURef
	KeyTagBalance
	KeyTagNamedKey
	KeyTagBid
	KeyTagDeployInfo
	KeyTagEraInfo
	KeyTagEraSummary
	KeyTagSystemRegistry
	KeyTagChecksumRegistry
	KeyTagChainspecRegistry
)

func (t KeyTag) String() string {
	switch t {
	case KeyTagAccount:
		return "account"
	case KeyTagHash:
		return "hash"
	case KeyTagURef:
		return "uref"
	case KeyTagBalance:
		return "balance"
	case KeyTagNamedKey:
		return "named-key"
	case KeyTagBid:
		return "bid"
	case KeyTagDeployInfo:
		return "deploy-info"
	case KeyTagEraInfo:
		return "era-info"
	case KeyTagEraSummary:
		return "era-summary"
	case KeyTagSystemRegistry:
		return "system-registry"
	case KeyTagChecksumRegistry:
		return "checksum-registry"
	case KeyTagChainspecRegistry:
		return "chainspec-registry"
	default:
		return fmt.Sprintf("key-tag(%d)", uint8(t))
	}
}

// URef is an unforgeable reference to a purse or a stored register. URefs
// are only ever minted by the address generator during execution; holding
// one is the capability to name it.
type URef [32]byte

func (u URef) Bytes() []byte {
	out := make([]byte, len(u))
	copy(out, u[:])
	return out
}

func (u URef) IsZero() bool {
	return u == URef{}
}

func (u URef) String() string {
	return "uref-" + hex.EncodeToString(u[:])
}

// BidAddr addresses either a validator bid or one of its delegator bids.
type BidAddr struct {
	Validator crypto.AccountHash
	Delegator *crypto.AccountHash
}

func (b BidAddr) IsDelegator() bool {
	return b.Delegator != nil
}

// Key is an immutable, comparable global-state address. The zero value is
// not a valid key.
type Key struct {
	tag  KeyTag
	data string
}

func newKey(tag KeyTag, payload []byte) Key {
	return Key{tag: tag, data: string(payload)}
}

func AccountKey(h crypto.AccountHash) Key {
	return newKey(KeyTagAccount, h[:])
}

func HashKey(h HashAddr) Key {
	return newKey(KeyTagHash, h[:])
}

func URefKey(u URef) Key {
	return newKey(KeyTagURef, u[:])
}

// BalanceKey addresses the motes held by a purse.
func BalanceKey(u URef) Key {
	return newKey(KeyTagBalance, u[:])
}

// NamedKeyKey addresses one named-key record of an entity. The name is
// hashed so arbitrary-length names produce fixed-size addresses.
func NamedKeyKey(entity HashAddr, name string) Key {
	nameHash := HashRLP([]byte(name))
	payload := make([]byte, 0, 64)
	payload = append(payload, entity[:]...)
	payload = append(payload, nameHash[:]...)
	return newKey(KeyTagNamedKey, payload)
}

func BidKey(addr BidAddr) Key {
	payload := make([]byte, 0, 65)
	if addr.Delegator == nil {
		payload = append(payload, 0x00)
		payload = append(payload, addr.Validator[:]...)
	} else {
		payload = append(payload, 0x01)
		payload = append(payload, addr.Validator[:]...)
		payload = append(payload, addr.Delegator[:]...)
	}
	return newKey(KeyTagBid, payload)
}

func ValidatorBidKey(validator crypto.AccountHash) Key {
	return BidKey(BidAddr{Validator: validator})
}

func DelegatorBidKey(validator, delegator crypto.AccountHash) Key {
	return BidKey(BidAddr{Validator: validator, Delegator: &delegator})
}

func DeployInfoKey(h DeployHash) Key {
	return newKey(KeyTagDeployInfo, h[:])
}

func EraInfoKey(era EraID) Key {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(era))
	return newKey(KeyTagEraInfo, payload[:])
}

// EraSummaryKey is the stable singleton address holding the most recent
// era's seigniorage allocations.
func EraSummaryKey() Key {
	return newKey(KeyTagEraSummary, nil)
}

func SystemRegistryKey() Key {
	return newKey(KeyTagSystemRegistry, nil)
}

func ChecksumRegistryKey() Key {
	return newKey(KeyTagChecksumRegistry, nil)
}

func ChainspecRegistryKey() Key {
	return newKey(KeyTagChainspecRegistry, nil)
}

func (k Key) Tag() KeyTag {
	return k.tag
}

// Bytes returns the canonical serialized form: one tag byte followed by the
// tag-specific payload.
func (k Key) Bytes() []byte {
	out := make([]byte, 0, 1+len(k.data))
	out = append(out, byte(k.tag))
	out = append(out, k.data...)
	return out
}

// KeyFromBytes parses the canonical serialized form produced by Bytes.
func KeyFromBytes(b []byte) (Key, error) {
	if len(b) == 0 {
		return Key{}, fmt.Errorf("types: empty key bytes")
	}
	tag := KeyTag(b[0])
	payload := b[1:]
	var want int
	switch tag {
	case KeyTagAccount, KeyTagHash, KeyTagURef, KeyTagBalance, KeyTagDeployInfo:
		want = 32
	case KeyTagNamedKey:
		want = 64
	case KeyTagEraInfo:
		want = 8
	case KeyTagEraSummary, KeyTagSystemRegistry, KeyTagChecksumRegistry, KeyTagChainspecRegistry:
		want = 0
	case KeyTagBid:
		if len(payload) != 33 && len(payload) != 65 {
			return Key{}, fmt.Errorf("types: bid key payload must be 33 or 65 bytes, got %d", len(payload))
		}
		return newKey(tag, payload), nil
	default:
		return Key{}, fmt.Errorf("types: unknown key tag %d", b[0])
	}
	if len(payload) != want {
		return Key{}, fmt.Errorf("types: %s key payload must be %d bytes, got %d", tag, want, len(payload))
	}
	return newKey(tag, payload), nil
}

// Compare orders keys by tag, then by payload bytes.
func (k Key) Compare(other Key) int {
	if k.tag != other.tag {
		if k.tag < other.tag {
			return -1
		}
		return 1
	}
	return bytes.Compare([]byte(k.data), []byte(other.data))
}

func (k Key) String() string {
	if len(k.data) == 0 {
		return k.tag.String()
	}
	return k.tag.String() + "-" + hex.EncodeToString([]byte(k.data))
}

func (k Key) AsAccount() (crypto.AccountHash, bool) {
	if k.tag != KeyTagAccount {
		return crypto.AccountHash{}, false
	}
	var h crypto.AccountHash
	copy(h[:], k.data)
	return h, true
}

func (k Key) AsHash() (HashAddr, bool) {
	if k.tag != KeyTagHash {
		return HashAddr{}, false
	}
	var h HashAddr
	copy(h[:], k.data)
	return h, true
}

func (k Key) AsURef() (URef, bool) {
	if k.tag != KeyTagURef {
		return URef{}, false
	}
	var u URef
	copy(u[:], k.data)
	return u, true
}

func (k Key) AsBalance() (URef, bool) {
	if k.tag != KeyTagBalance {
		return URef{}, false
	}
	var u URef
	copy(u[:], k.data)
	return u, true
}

func (k Key) AsBid() (BidAddr, bool) {
	if k.tag != KeyTagBid {
		return BidAddr{}, false
	}
	payload := []byte(k.data)
	var addr BidAddr
	copy(addr.Validator[:], payload[1:33])
	if payload[0] == 0x01 {
		var delegator crypto.AccountHash
		copy(delegator[:], payload[33:65])
		addr.Delegator = &delegator
	}
	return addr, true
}

func (k Key) AsEraInfo() (EraID, bool) {
	if k.tag != KeyTagEraInfo {
		return 0, false
	}
	return EraID(binary.BigEndian.Uint64([]byte(k.data))), true
}

// EncodeRLP implements rlp.Encoder using the canonical byte form.
func (k Key) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, k.Bytes())
}

// DecodeRLP implements rlp.Decoder.
func (k *Key) DecodeRLP(s *rlp.Stream) error {
	var raw []byte
	if err := s.Decode(&raw); err != nil {
		return err
	}
	decoded, err := KeyFromBytes(raw)
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}

package types

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// StoredValueKind discriminates the variants of StoredValue.
type StoredValueKind uint8

const (
	KindRawValue StoredValueKind = iota
	KindKeyRef
	KindAccount
	KindEntity
	KindPackage
	KindBalance
	KindNamedKey
	KindDeployInfo
	KindBid
	KindEraInfo
	KindSystemRegistry
	KindChecksumRegistry
)

func (k StoredValueKind) String() string {
	switch k {
	case KindRawValue:
		return "raw-value"
	case KindKeyRef:
		return "key-ref"
	case KindAccount:
		return "account"
	case KindEntity:
		return "entity"
	case KindPackage:
		return "package"
	case KindBalance:
		return "balance"
	case KindNamedKey:
		return "named-key"
	case KindDeployInfo:
		return "deploy-info"
	case KindBid:
		return "bid"
	case KindEraInfo:
		return "era-info"
	case KindSystemRegistry:
		return "system-registry"
	case KindChecksumRegistry:
		return "checksum-registry"
	default:
		return fmt.Sprintf("stored-value(%d)", uint8(k))
	}
}

// StoredValue is the tagged union of everything global state can hold.
// Accessors return false rather than coercing across variants; a caller
// that needs a balance where an entity lives has hit a type mismatch.
type StoredValue struct {
	kind             StoredValueKind
	raw              []byte
	keyRef           Key
	account          *Account
	entity           *AddressableEntity
	pkg              *Package
	balance          *uint256.Int
	namedKey         *NamedKeyValue
	deployInfo       *DeployInfo
	bid              *BidKind
	eraInfo          *EraInfo
	systemRegistry   SystemRegistry
	checksumRegistry ChecksumRegistry
}

func NewRawValue(b []byte) *StoredValue {
	return &StoredValue{kind: KindRawValue, raw: append([]byte(nil), b...)}
}

// NewRawU256Value stores an unsigned 256-bit register as a raw value.
func NewRawU256Value(v *uint256.Int) *StoredValue {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("types: uint256 not encodable: " + err.Error())
	}
	return &StoredValue{kind: KindRawValue, raw: encoded}
}

// NewRawU64Value stores an unsigned 64-bit register as a raw value.
func NewRawU64Value(v uint64) *StoredValue {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic("types: uint64 not encodable: " + err.Error())
	}
	return &StoredValue{kind: KindRawValue, raw: encoded}
}

func NewKeyRefValue(k Key) *StoredValue {
	return &StoredValue{kind: KindKeyRef, keyRef: k}
}

func NewAccountValue(a *Account) *StoredValue {
	return &StoredValue{kind: KindAccount, account: a}
}

func NewEntityValue(e *AddressableEntity) *StoredValue {
	return &StoredValue{kind: KindEntity, entity: e}
}

func NewPackageValue(p *Package) *StoredValue {
	return &StoredValue{kind: KindPackage, pkg: p}
}

func NewBalanceValue(v *uint256.Int) *StoredValue {
	return &StoredValue{kind: KindBalance, balance: new(uint256.Int).Set(v)}
}

func NewNamedKeyValueRecord(n *NamedKeyValue) *StoredValue {
	return &StoredValue{kind: KindNamedKey, namedKey: n}
}

func NewDeployInfoValue(d *DeployInfo) *StoredValue {
	return &StoredValue{kind: KindDeployInfo, deployInfo: d}
}

func NewBidValue(b *BidKind) *StoredValue {
	return &StoredValue{kind: KindBid, bid: b}
}

func NewEraInfoValue(e *EraInfo) *StoredValue {
	return &StoredValue{kind: KindEraInfo, eraInfo: e}
}

func NewSystemRegistryValue(r SystemRegistry) *StoredValue {
	return &StoredValue{kind: KindSystemRegistry, systemRegistry: r}
}

func NewChecksumRegistryValue(r ChecksumRegistry) *StoredValue {
	return &StoredValue{kind: KindChecksumRegistry, checksumRegistry: r}
}

func (v *StoredValue) Kind() StoredValueKind {
	return v.kind
}

func (v *StoredValue) AsRawValue() ([]byte, bool) {
	if v.kind != KindRawValue {
		return nil, false
	}
	return v.raw, true
}

// AsRawU256 decodes a raw value written by NewRawU256Value.
func (v *StoredValue) AsRawU256() (*uint256.Int, bool) {
	if v.kind != KindRawValue {
		return nil, false
	}
	out := new(uint256.Int)
	if err := rlp.DecodeBytes(v.raw, out); err != nil {
		return nil, false
	}
	return out, true
}

// AsRawU64 decodes a raw value written by NewRawU64Value.
func (v *StoredValue) AsRawU64() (uint64, bool) {
	if v.kind != KindRawValue {
		return 0, false
	}
	var out uint64
	if err := rlp.DecodeBytes(v.raw, &out); err != nil {
		return 0, false
	}
	return out, true
}

func (v *StoredValue) AsKeyRef() (Key, bool) {
	if v.kind != KindKeyRef {
		return Key{}, false
	}
	return v.keyRef, true
}

func (v *StoredValue) AsAccount() (*Account, bool) {
	if v.kind != KindAccount {
		return nil, false
	}
	return v.account, true
}

func (v *StoredValue) AsEntity() (*AddressableEntity, bool) {
	if v.kind != KindEntity {
		return nil, false
	}
	return v.entity, true
}

func (v *StoredValue) AsPackage() (*Package, bool) {
	if v.kind != KindPackage {
		return nil, false
	}
	return v.pkg, true
}

func (v *StoredValue) AsBalance() (*uint256.Int, bool) {
	if v.kind != KindBalance {
		return nil, false
	}
	return new(uint256.Int).Set(v.balance), true
}

func (v *StoredValue) AsNamedKey() (*NamedKeyValue, bool) {
	if v.kind != KindNamedKey {
		return nil, false
	}
	return v.namedKey, true
}

func (v *StoredValue) AsDeployInfo() (*DeployInfo, bool) {
	if v.kind != KindDeployInfo {
		return nil, false
	}
	return v.deployInfo, true
}

func (v *StoredValue) AsBid() (*BidKind, bool) {
	if v.kind != KindBid {
		return nil, false
	}
	return v.bid, true
}

func (v *StoredValue) AsEraInfo() (*EraInfo, bool) {
	if v.kind != KindEraInfo {
		return nil, false
	}
	return v.eraInfo, true
}

func (v *StoredValue) AsSystemRegistry() (SystemRegistry, bool) {
	if v.kind != KindSystemRegistry {
		return nil, false
	}
	return v.systemRegistry, true
}

func (v *StoredValue) AsChecksumRegistry() (ChecksumRegistry, bool) {
	if v.kind != KindChecksumRegistry {
		return nil, false
	}
	return v.checksumRegistry, true
}

// Clone returns a deep copy safe for independent mutation.
func (v *StoredValue) Clone() *StoredValue {
	if v == nil {
		return nil
	}
	out := &StoredValue{kind: v.kind, keyRef: v.keyRef}
	switch v.kind {
	case KindRawValue:
		out.raw = append([]byte(nil), v.raw...)
	case KindAccount:
		if v.account != nil {
			cp := *v.account
			cp.NamedKeys = v.account.NamedKeys.Clone()
			cp.AssociatedKeys = v.account.AssociatedKeys.Clone()
			out.account = &cp
		}
	case KindEntity:
		out.entity = v.entity.Clone()
	case KindPackage:
		out.pkg = v.pkg.Clone()
	case KindBalance:
		out.balance = new(uint256.Int).Set(v.balance)
	case KindNamedKey:
		if v.namedKey != nil {
			cp := *v.namedKey
			out.namedKey = &cp
		}
	case KindDeployInfo:
		out.deployInfo = v.deployInfo.Clone()
	case KindBid:
		out.bid = v.bid.Clone()
	case KindEraInfo:
		out.eraInfo = v.eraInfo.Clone()
	case KindSystemRegistry:
		out.systemRegistry = v.systemRegistry.Clone()
	case KindChecksumRegistry:
		out.checksumRegistry = v.checksumRegistry.Clone()
	}
	return out
}

type storedValueEnvelope struct {
	Tag     uint8
	Payload []byte
}

// EncodeRLP implements rlp.Encoder as a (tag, payload) envelope so that the
// snapshot layer can hash and persist values without knowing their variant.
func (v *StoredValue) EncodeRLP(w io.Writer) error {
	var payload interface{}
	switch v.kind {
	case KindRawValue:
		payload = v.raw
	case KindKeyRef:
		payload = v.keyRef
	case KindAccount:
		payload = v.account
	case KindEntity:
		payload = v.entity
	case KindPackage:
		payload = v.pkg
	case KindBalance:
		payload = v.balance
	case KindNamedKey:
		payload = v.namedKey
	case KindDeployInfo:
		payload = v.deployInfo
	case KindBid:
		payload = v.bid
	case KindEraInfo:
		payload = v.eraInfo
	case KindSystemRegistry:
		payload = v.systemRegistry
	case KindChecksumRegistry:
		payload = v.checksumRegistry
	default:
		return fmt.Errorf("types: cannot encode stored value kind %d", v.kind)
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return err
	}
	return rlp.Encode(w, storedValueEnvelope{Tag: uint8(v.kind), Payload: encoded})
}

// DecodeRLP implements rlp.Decoder.
func (v *StoredValue) DecodeRLP(s *rlp.Stream) error {
	var envelope storedValueEnvelope
	if err := s.Decode(&envelope); err != nil {
		return err
	}
	out := StoredValue{kind: StoredValueKind(envelope.Tag)}
	var err error
	switch out.kind {
	case KindRawValue:
		err = rlp.DecodeBytes(envelope.Payload, &out.raw)
	case KindKeyRef:
		err = rlp.DecodeBytes(envelope.Payload, &out.keyRef)
	case KindAccount:
		out.account = new(Account)
		err = rlp.DecodeBytes(envelope.Payload, out.account)
	case KindEntity:
		out.entity = new(AddressableEntity)
		err = rlp.DecodeBytes(envelope.Payload, out.entity)
	case KindPackage:
		out.pkg = new(Package)
		err = rlp.DecodeBytes(envelope.Payload, out.pkg)
	case KindBalance:
		out.balance = new(uint256.Int)
		err = rlp.DecodeBytes(envelope.Payload, out.balance)
	case KindNamedKey:
		out.namedKey = new(NamedKeyValue)
		err = rlp.DecodeBytes(envelope.Payload, out.namedKey)
	case KindDeployInfo:
		out.deployInfo = new(DeployInfo)
		err = rlp.DecodeBytes(envelope.Payload, out.deployInfo)
	case KindBid:
		out.bid = new(BidKind)
		err = rlp.DecodeBytes(envelope.Payload, out.bid)
	case KindEraInfo:
		out.eraInfo = new(EraInfo)
		err = rlp.DecodeBytes(envelope.Payload, out.eraInfo)
	case KindSystemRegistry:
		err = rlp.DecodeBytes(envelope.Payload, &out.systemRegistry)
	case KindChecksumRegistry:
		err = rlp.DecodeBytes(envelope.Payload, &out.checksumRegistry)
	default:
		return fmt.Errorf("types: unknown stored value tag %d", envelope.Tag)
	}
	if err != nil {
		return err
	}
	*v = out
	return nil
}

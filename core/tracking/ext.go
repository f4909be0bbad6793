package tracking

import (
	"errors"
	"fmt"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"meridian/core/types"
	"meridian/crypto"
)

var (
	// ErrMissingSystemRegistry means genesis never ran against this root.
	ErrMissingSystemRegistry = errors.New("tracking: system registry not found")
	// ErrPurseNotFound is returned when a balance read targets a purse
	// that does not exist.
	ErrPurseNotFound = errors.New("tracking: purse not found")
)

// AccountNotFoundError is returned when an account hash resolves to
// nothing.
type AccountNotFoundError struct {
	Hash crypto.AccountHash
}

func (e AccountNotFoundError) Error() string {
	return fmt.Sprintf("tracking: account not found: %s", e.Hash)
}

// MissingSystemContractError is returned when the registry lacks an entry
// for a required system contract.
type MissingSystemContractError struct {
	Name string
}

func (e MissingSystemContractError) Error() string {
	return fmt.Sprintf("tracking: system contract %q not in registry", e.Name)
}

// EntityAddrForAccount derives the stable entity address an account record
// migrates to. The derivation is pure so migration is deterministic across
// all nodes regardless of when the lazy migration happens.
func EntityAddrForAccount(h crypto.AccountHash) types.HashAddr {
	return types.HashAddr(gethcrypto.Keccak256Hash([]byte("entity"), h[:]))
}

// PackageAddrForAccount derives the package address for a migrated account.
func PackageAddrForAccount(h crypto.AccountHash) types.HashAddr {
	return types.HashAddr(gethcrypto.Keccak256Hash([]byte("package"), h[:]))
}

// GetSystemRegistry reads the system contract registry.
func (tc *TrackingCopy) GetSystemRegistry() (types.SystemRegistry, error) {
	value, err := tc.Read(types.SystemRegistryKey())
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrMissingSystemRegistry
	}
	registry, ok := value.AsSystemRegistry()
	if !ok {
		return nil, fmt.Errorf("tracking: corrupt system registry: found %s", value.Kind())
	}
	return registry, nil
}

// GetSystemEntityAddr resolves a system contract name to its entity
// address.
func (tc *TrackingCopy) GetSystemEntityAddr(name string) (types.HashAddr, error) {
	registry, err := tc.GetSystemRegistry()
	if err != nil {
		return types.HashAddr{}, err
	}
	addr, ok := registry[name]
	if !ok {
		return types.HashAddr{}, MissingSystemContractError{Name: name}
	}
	return addr, nil
}

// GetChecksumRegistry reads the checksum registry, returning an empty one
// when none has been written yet.
func (tc *TrackingCopy) GetChecksumRegistry() (types.ChecksumRegistry, error) {
	value, err := tc.Read(types.ChecksumRegistryKey())
	if err != nil {
		return nil, err
	}
	if value == nil {
		return types.ChecksumRegistry{}, nil
	}
	registry, ok := value.AsChecksumRegistry()
	if !ok {
		return nil, fmt.Errorf("tracking: corrupt checksum registry: found %s", value.Kind())
	}
	return registry, nil
}

// GetAddressableEntity reads the entity stored at addr.
func (tc *TrackingCopy) GetAddressableEntity(addr types.HashAddr) (*types.AddressableEntity, error) {
	value, err := tc.Read(types.HashKey(addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("tracking: no entity under %s", types.HashKey(addr))
	}
	entity, ok := value.AsEntity()
	if !ok {
		return nil, fmt.Errorf("tracking: value under %s is %s, not an entity", types.HashKey(addr), value.Kind())
	}
	return entity, nil
}

// GetEntityByAccountHash resolves an account hash to its addressable
// entity, lazily migrating legacy account records on first touch. The
// migration writes the entity, its package, its named-key records and an
// indirection in place of the old account record.
func (tc *TrackingCopy) GetEntityByAccountHash(h crypto.AccountHash) (*types.AddressableEntity, types.HashAddr, error) {
	value, err := tc.Read(types.AccountKey(h))
	if err != nil {
		return nil, types.HashAddr{}, err
	}
	if value == nil {
		return nil, types.HashAddr{}, AccountNotFoundError{Hash: h}
	}
	if ref, ok := value.AsKeyRef(); ok {
		addr, ok := ref.AsHash()
		if !ok {
			return nil, types.HashAddr{}, fmt.Errorf("tracking: account %s points at non-entity key %s", h, ref)
		}
		entity, err := tc.GetAddressableEntity(addr)
		if err != nil {
			return nil, types.HashAddr{}, err
		}
		return entity, addr, nil
	}
	account, ok := value.AsAccount()
	if !ok {
		return nil, types.HashAddr{}, fmt.Errorf("tracking: value under account %s is %s", h, value.Kind())
	}
	return tc.migrateAccount(h, account)
}

func (tc *TrackingCopy) migrateAccount(h crypto.AccountHash, account *types.Account) (*types.AddressableEntity, types.HashAddr, error) {
	entityAddr := EntityAddrForAccount(h)
	packageAddr := PackageAddrForAccount(h)
	entity := &types.AddressableEntity{
		Kind:             types.EntityKindAccount,
		PackageHash:      packageAddr,
		MainPurse:        account.MainPurse,
		AssociatedKeys:   account.AssociatedKeys.Clone(),
		ActionThresholds: account.ActionThresholds,
	}
	tc.Write(types.HashKey(packageAddr), types.NewPackageValue(&types.Package{
		Entities: []types.HashAddr{entityAddr},
	}))
	tc.Write(types.HashKey(entityAddr), types.NewEntityValue(entity))
	for name, target := range account.NamedKeys {
		tc.Write(types.NamedKeyKey(entityAddr, name), types.NewNamedKeyValueRecord(&types.NamedKeyValue{
			Name:   name,
			Target: target,
		}))
	}
	tc.Write(types.AccountKey(h), types.NewKeyRefValue(types.HashKey(entityAddr)))
	return entity, entityAddr, nil
}

// GetPurseBalance reads the motes held by a purse.
func (tc *TrackingCopy) GetPurseBalance(purse types.URef) (types.Motes, error) {
	value, err := tc.Read(types.BalanceKey(purse))
	if err != nil {
		return types.Motes{}, err
	}
	if value == nil {
		return types.Motes{}, fmt.Errorf("%w: %s", ErrPurseNotFound, purse)
	}
	balance, ok := value.AsBalance()
	if !ok {
		return types.Motes{}, fmt.Errorf("tracking: value under %s is %s, not a balance", types.BalanceKey(purse), value.Kind())
	}
	return types.MotesFromValue(balance), nil
}

// GetNamedKey resolves one named key of an entity.
func (tc *TrackingCopy) GetNamedKey(entityAddr types.HashAddr, name string) (types.Key, error) {
	value, err := tc.Read(types.NamedKeyKey(entityAddr, name))
	if err != nil {
		return types.Key{}, err
	}
	if value == nil {
		return types.Key{}, fmt.Errorf("tracking: no named key %q under %s", name, types.HashKey(entityAddr))
	}
	record, ok := value.AsNamedKey()
	if !ok {
		return types.Key{}, fmt.Errorf("tracking: corrupt named key %q under %s", name, types.HashKey(entityAddr))
	}
	return record.Target, nil
}

// WriteNamedKey writes one named-key record of an entity.
func (tc *TrackingCopy) WriteNamedKey(entityAddr types.HashAddr, name string, target types.Key) {
	tc.Write(types.NamedKeyKey(entityAddr, name), types.NewNamedKeyValueRecord(&types.NamedKeyValue{
		Name:   name,
		Target: target,
	}))
}

package types

import (
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"meridian/crypto"
)

// Weight is the voting weight of one associated key.
type Weight uint8

// ActionThresholds gate what a set of authorization keys may do on behalf
// of an entity.
type ActionThresholds struct {
	Deployment    Weight
	KeyManagement Weight
}

// AssociatedKeys maps account hashes to their weights for an entity.
type AssociatedKeys map[crypto.AccountHash]Weight

func (ak AssociatedKeys) Clone() AssociatedKeys {
	out := make(AssociatedKeys, len(ak))
	for k, v := range ak {
		out[k] = v
	}
	return out
}

// TotalWeight sums the weights of the given keys that are associated with
// the entity. Unknown keys contribute nothing.
func (ak AssociatedKeys) TotalWeight(keys []crypto.AccountHash) uint32 {
	seen := make(map[crypto.AccountHash]struct{}, len(keys))
	var total uint32
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if w, ok := ak[k]; ok {
			total += uint32(w)
		}
	}
	return total
}

type associatedKeyPair struct {
	Hash   crypto.AccountHash
	Weight Weight
}

func (ak AssociatedKeys) EncodeRLP(w io.Writer) error {
	pairs := make([]associatedKeyPair, 0, len(ak))
	for k, v := range ak {
		pairs = append(pairs, associatedKeyPair{Hash: k, Weight: v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return string(pairs[i].Hash[:]) < string(pairs[j].Hash[:])
	})
	return rlp.Encode(w, pairs)
}

func (ak *AssociatedKeys) DecodeRLP(s *rlp.Stream) error {
	var pairs []associatedKeyPair
	if err := s.Decode(&pairs); err != nil {
		return err
	}
	out := make(AssociatedKeys, len(pairs))
	for _, p := range pairs {
		out[p.Hash] = p.Weight
	}
	*ak = out
	return nil
}

// NamedKeys maps human-readable names to global-state keys.
type NamedKeys map[string]Key

func (nk NamedKeys) Clone() NamedKeys {
	out := make(NamedKeys, len(nk))
	for k, v := range nk {
		out[k] = v
	}
	return out
}

type namedKeyPair struct {
	Name string
	Key  Key
}

func (nk NamedKeys) EncodeRLP(w io.Writer) error {
	pairs := make([]namedKeyPair, 0, len(nk))
	for k, v := range nk {
		pairs = append(pairs, namedKeyPair{Name: k, Key: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return rlp.Encode(w, pairs)
}

func (nk *NamedKeys) DecodeRLP(s *rlp.Stream) error {
	var pairs []namedKeyPair
	if err := s.Decode(&pairs); err != nil {
		return err
	}
	out := make(NamedKeys, len(pairs))
	for _, p := range pairs {
		out[p.Name] = p.Key
	}
	*nk = out
	return nil
}

// NamedKeyValue is one named-key record of an entity, stored under a
// NamedKey-tagged key.
type NamedKeyValue struct {
	Name   string
	Target Key
}

// Account is the legacy account record layout. Reads migrate it lazily to
// an AddressableEntity plus indirection; no new Accounts are ever written.
type Account struct {
	AccountHash      crypto.AccountHash
	NamedKeys        NamedKeys
	MainPurse        URef
	AssociatedKeys   AssociatedKeys
	ActionThresholds ActionThresholds
}

// EntityKind classifies an addressable entity.
type EntityKind uint8

const (
	EntityKindSystem EntityKind = iota
	EntityKindAccount
	EntityKindContract
)

// AddressableEntity is the unified record for accounts, system contracts
// and user contracts.
type AddressableEntity struct {
	Kind             EntityKind
	PackageHash      HashAddr
	MainPurse        URef
	AssociatedKeys   AssociatedKeys
	ActionThresholds ActionThresholds
}

func (e *AddressableEntity) Clone() *AddressableEntity {
	if e == nil {
		return nil
	}
	out := *e
	out.AssociatedKeys = e.AssociatedKeys.Clone()
	return &out
}

// CanDeployWith reports whether the given authorization keys clear the
// entity's deployment threshold.
func (e *AddressableEntity) CanDeployWith(keys []crypto.AccountHash) bool {
	return e.AssociatedKeys.TotalWeight(keys) >= uint32(e.ActionThresholds.Deployment)
}

// CanManageKeysWith reports whether the given authorization keys clear the
// entity's key-management threshold.
func (e *AddressableEntity) CanManageKeysWith(keys []crypto.AccountHash) bool {
	return e.AssociatedKeys.TotalWeight(keys) >= uint32(e.ActionThresholds.KeyManagement)
}

// Package groups the versions of an entity under a stable address.
type Package struct {
	Entities []HashAddr
}

func (p *Package) Clone() *Package {
	if p == nil {
		return nil
	}
	out := Package{Entities: make([]HashAddr, len(p.Entities))}
	copy(out.Entities, p.Entities)
	return &out
}

package types

import (
	"errors"

	"github.com/holiman/uint256"

	"meridian/crypto"
)

// ErrMalformedBid is returned when a bid record does not hold exactly one
// variant.
var ErrMalformedBid = errors.New("types: malformed bid record")

// ValidatorBid is a validator's stake position in the auction.
type ValidatorBid struct {
	PublicKey      []byte
	BondingPurse   URef
	Staked         *uint256.Int
	DelegationRate uint8
	Inactive       bool
	// LockedUntil is a timestamp in milliseconds before which the stake
	// cannot be withdrawn. Zero means unlocked.
	LockedUntil uint64
}

func (b *ValidatorBid) Validator() (crypto.PublicKey, error) {
	return crypto.NewPublicKey(b.PublicKey)
}

func (b *ValidatorBid) Clone() *ValidatorBid {
	if b == nil {
		return nil
	}
	out := *b
	out.PublicKey = append([]byte(nil), b.PublicKey...)
	out.Staked = new(uint256.Int).Set(b.Staked)
	return &out
}

// DelegatorBid is stake delegated to a validator by a third party.
type DelegatorBid struct {
	DelegatorPublicKey []byte
	ValidatorPublicKey []byte
	BondingPurse       URef
	Staked             *uint256.Int
}

func (b *DelegatorBid) Delegator() (crypto.PublicKey, error) {
	return crypto.NewPublicKey(b.DelegatorPublicKey)
}

func (b *DelegatorBid) Clone() *DelegatorBid {
	if b == nil {
		return nil
	}
	out := *b
	out.DelegatorPublicKey = append([]byte(nil), b.DelegatorPublicKey...)
	out.ValidatorPublicKey = append([]byte(nil), b.ValidatorPublicKey...)
	out.Staked = new(uint256.Int).Set(b.Staked)
	return &out
}

// BidKind holds exactly one bid variant. Which variant is populated matches
// the BidAddr shape of the key it is stored under.
type BidKind struct {
	ValidatorBid *ValidatorBid `rlp:"nil"`
	DelegatorBid *DelegatorBid `rlp:"nil"`
}

func (b *BidKind) Validate() error {
	if (b.ValidatorBid == nil) == (b.DelegatorBid == nil) {
		return ErrMalformedBid
	}
	return nil
}

func (b *BidKind) IsValidator() bool {
	return b.ValidatorBid != nil
}

func (b *BidKind) Clone() *BidKind {
	if b == nil {
		return nil
	}
	return &BidKind{
		ValidatorBid: b.ValidatorBid.Clone(),
		DelegatorBid: b.DelegatorBid.Clone(),
	}
}

// SeigniorageAllocation records one reward payout made during an era.
type SeigniorageAllocation struct {
	ValidatorPublicKey []byte
	// DelegatorPublicKey is empty for validator allocations.
	DelegatorPublicKey []byte
	Amount             *uint256.Int
}

// EraInfo is the per-era summary of reward allocations. It is written under
// the stable era-summary key at each era end and historically lived under
// per-era keys that are pruned over time.
type EraInfo struct {
	Era         EraID
	Allocations []SeigniorageAllocation
}

func (e *EraInfo) Clone() *EraInfo {
	if e == nil {
		return nil
	}
	out := EraInfo{Era: e.Era, Allocations: make([]SeigniorageAllocation, len(e.Allocations))}
	for i, a := range e.Allocations {
		out.Allocations[i] = SeigniorageAllocation{
			ValidatorPublicKey: append([]byte(nil), a.ValidatorPublicKey...),
			DelegatorPublicKey: append([]byte(nil), a.DelegatorPublicKey...),
			Amount:             new(uint256.Int).Set(a.Amount),
		}
	}
	return &out
}

// Package auction implements the native staking contract: validator bids,
// delegations, era rotation, slashing and seigniorage distribution.
package auction

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/mint"
)

// Named keys of the auction entity.
const (
	EraIDNamedKey    = "era_id"
	SnapshotNamedKey = "seigniorage_recipients_snapshot"
)

var (
	ErrBidNotFound         = errors.New("auction: bid not found")
	ErrValidatorNotFound   = errors.New("auction: validator not found")
	ErrBidsDisabled        = errors.New("auction: public bidding is disabled")
	ErrDelegationTooSmall  = errors.New("auction: delegation below minimum")
	ErrStakeLocked         = errors.New("auction: stake is locked")
	ErrInsufficientStake   = errors.New("auction: withdrawal exceeds stake")
	ErrSelfDelegation      = errors.New("auction: validators cannot delegate to themselves")
	ErrInactiveValidator   = errors.New("auction: validator bid is inactive")
	ErrInvalidStakeAmount  = errors.New("auction: stake amount must be positive")
	ErrDelegationRateRange = errors.New("auction: delegation rate must be at most 100")
)

// Runtime executes auction operations against one tracking copy.
type Runtime struct {
	tc   *tracking.TrackingCopy
	mint *mint.Runtime
	cfg  config.EngineConfig
}

func NewRuntime(tc *tracking.TrackingCopy, mintRuntime *mint.Runtime, cfg config.EngineConfig) *Runtime {
	return &Runtime{tc: tc, mint: mintRuntime, cfg: cfg}
}

// --- registers ---

func (r *Runtime) registerKey(name string) (types.Key, error) {
	addr, err := r.tc.GetSystemEntityAddr(types.SystemContractAuction)
	if err != nil {
		return types.Key{}, err
	}
	return r.tc.GetNamedKey(addr, name)
}

// EraID reads the current era register.
func (r *Runtime) EraID() (types.EraID, error) {
	key, err := r.registerKey(EraIDNamedKey)
	if err != nil {
		return 0, err
	}
	value, err := r.tc.Read(key)
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, fmt.Errorf("auction: era register missing under %s", key)
	}
	era, ok := value.AsRawU64()
	if !ok {
		return 0, fmt.Errorf("auction: corrupt era register under %s", key)
	}
	return types.EraID(era), nil
}

func (r *Runtime) writeEraID(era types.EraID) error {
	key, err := r.registerKey(EraIDNamedKey)
	if err != nil {
		return err
	}
	r.tc.Write(key, types.NewRawU64Value(uint64(era)))
	return nil
}

// ReadSnapshot reads the seigniorage snapshot register.
func (r *Runtime) ReadSnapshot() (*Snapshot, error) {
	key, err := r.registerKey(SnapshotNamedKey)
	if err != nil {
		return nil, err
	}
	value, err := r.tc.Read(key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, fmt.Errorf("auction: snapshot register missing under %s", key)
	}
	raw, ok := value.AsRawValue()
	if !ok {
		return nil, fmt.Errorf("auction: corrupt snapshot register under %s", key)
	}
	return DecodeSnapshot(raw)
}

func (r *Runtime) writeSnapshot(s *Snapshot) error {
	key, err := r.registerKey(SnapshotNamedKey)
	if err != nil {
		return err
	}
	encoded, err := EncodeSnapshot(s)
	if err != nil {
		return err
	}
	r.tc.Write(key, types.NewRawValue(encoded))
	return nil
}

// --- bids ---

// BidRecord pairs a bid with the address it is stored under.
type BidRecord struct {
	Addr types.BidAddr
	Bid  *types.BidKind
}

// Bids lists every bid in state, validator and delegator alike, in
// canonical key order.
func (r *Runtime) Bids() ([]BidRecord, error) {
	keys, err := r.tc.Keys(types.KeyTagBid)
	if err != nil {
		return nil, err
	}
	out := make([]BidRecord, 0, len(keys))
	for _, key := range keys {
		addr, _ := key.AsBid()
		value, err := r.tc.Read(key)
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		bid, ok := value.AsBid()
		if !ok {
			return nil, fmt.Errorf("auction: value under %s is %s, not a bid", key, value.Kind())
		}
		out = append(out, BidRecord{Addr: addr, Bid: bid})
	}
	return out, nil
}

func (r *Runtime) validatorBid(validator crypto.AccountHash) (*types.ValidatorBid, error) {
	value, err := r.tc.Read(types.ValidatorBidKey(validator))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	bid, ok := value.AsBid()
	if !ok || bid.ValidatorBid == nil {
		return nil, fmt.Errorf("auction: corrupt validator bid under %s", types.ValidatorBidKey(validator))
	}
	return bid.ValidatorBid, nil
}

func (r *Runtime) writeValidatorBid(validator crypto.AccountHash, bid *types.ValidatorBid) {
	r.tc.Write(types.ValidatorBidKey(validator), types.NewBidValue(&types.BidKind{ValidatorBid: bid}))
}

func (r *Runtime) delegatorBids(validator crypto.AccountHash) ([]BidRecord, error) {
	all, err := r.Bids()
	if err != nil {
		return nil, err
	}
	out := make([]BidRecord, 0)
	for _, record := range all {
		if record.Addr.IsDelegator() && record.Addr.Validator == validator {
			out = append(out, record)
		}
	}
	return out, nil
}

func (r *Runtime) checkBiddingAllowed(caller crypto.AccountHash) error {
	if r.cfg.AllowAuctionBids || r.cfg.IsAdministrator(caller) {
		return nil
	}
	return ErrBidsDisabled
}

// AddBid creates or tops up a validator bid, funding it from source.
func (r *Runtime) AddBid(validator crypto.PublicKey, source types.URef, delegationRate uint8, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidStakeAmount
	}
	if delegationRate > 100 {
		return ErrDelegationRateRange
	}
	validatorHash := validator.AccountHash()
	if err := r.checkBiddingAllowed(validatorHash); err != nil {
		return err
	}
	bid, err := r.validatorBid(validatorHash)
	if err != nil {
		return err
	}
	if bid == nil {
		bondingPurse, err := r.mint.CreatePurse()
		if err != nil {
			return err
		}
		bid = &types.ValidatorBid{
			PublicKey:      validator.Bytes(),
			BondingPurse:   bondingPurse,
			Staked:         uint256.NewInt(0),
			DelegationRate: delegationRate,
		}
	}
	if err := r.mint.Transfer(source, bid.BondingPurse, amount); err != nil {
		return err
	}
	bid.Staked = new(uint256.Int).Add(bid.Staked, amount)
	bid.DelegationRate = delegationRate
	bid.Inactive = false
	r.writeValidatorBid(validatorHash, bid)
	return nil
}

// WithdrawBid unstakes amount back to target. Locked stakes cannot be
// withdrawn before their vesting timestamp.
func (r *Runtime) WithdrawBid(validator crypto.PublicKey, target types.URef, amount *uint256.Int, blockTime uint64) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidStakeAmount
	}
	validatorHash := validator.AccountHash()
	bid, err := r.validatorBid(validatorHash)
	if err != nil {
		return err
	}
	if bid == nil {
		return fmt.Errorf("%w: %s", ErrBidNotFound, validatorHash)
	}
	if bid.LockedUntil > blockTime {
		return fmt.Errorf("%w until %d", ErrStakeLocked, bid.LockedUntil)
	}
	if bid.Staked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: staked %s, requested %s", ErrInsufficientStake, bid.Staked, amount)
	}
	if err := r.mint.Transfer(bid.BondingPurse, target, amount); err != nil {
		return err
	}
	bid.Staked = new(uint256.Int).Sub(bid.Staked, amount)
	if bid.Staked.IsZero() {
		delegators, err := r.delegatorBids(validatorHash)
		if err != nil {
			return err
		}
		if len(delegators) == 0 {
			r.tc.Prune(types.ValidatorBidKey(validatorHash))
			return nil
		}
	}
	r.writeValidatorBid(validatorHash, bid)
	return nil
}

// ActivateBid clears the inactive flag after an eviction.
func (r *Runtime) ActivateBid(validator crypto.PublicKey) error {
	validatorHash := validator.AccountHash()
	bid, err := r.validatorBid(validatorHash)
	if err != nil {
		return err
	}
	if bid == nil {
		return fmt.Errorf("%w: %s", ErrBidNotFound, validatorHash)
	}
	bid.Inactive = false
	r.writeValidatorBid(validatorHash, bid)
	return nil
}

// Delegate stakes amount from source behind a validator.
func (r *Runtime) Delegate(delegator, validator crypto.PublicKey, source types.URef, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidStakeAmount
	}
	if amount.CmpUint64(r.cfg.MinimumDelegationAmount) < 0 {
		return fmt.Errorf("%w: %s < %d", ErrDelegationTooSmall, amount, r.cfg.MinimumDelegationAmount)
	}
	delegatorHash := delegator.AccountHash()
	validatorHash := validator.AccountHash()
	if delegatorHash == validatorHash {
		return ErrSelfDelegation
	}
	if err := r.checkBiddingAllowed(delegatorHash); err != nil {
		return err
	}
	validatorBid, err := r.validatorBid(validatorHash)
	if err != nil {
		return err
	}
	if validatorBid == nil {
		return fmt.Errorf("%w: %s", ErrValidatorNotFound, validatorHash)
	}
	if validatorBid.Inactive {
		return ErrInactiveValidator
	}
	key := types.DelegatorBidKey(validatorHash, delegatorHash)
	value, err := r.tc.Read(key)
	if err != nil {
		return err
	}
	var bid *types.DelegatorBid
	if value != nil {
		record, ok := value.AsBid()
		if !ok || record.DelegatorBid == nil {
			return fmt.Errorf("auction: corrupt delegator bid under %s", key)
		}
		bid = record.DelegatorBid
	} else {
		bondingPurse, err := r.mint.CreatePurse()
		if err != nil {
			return err
		}
		bid = &types.DelegatorBid{
			DelegatorPublicKey: delegator.Bytes(),
			ValidatorPublicKey: validator.Bytes(),
			BondingPurse:       bondingPurse,
			Staked:             uint256.NewInt(0),
		}
	}
	if err := r.mint.Transfer(source, bid.BondingPurse, amount); err != nil {
		return err
	}
	bid.Staked = new(uint256.Int).Add(bid.Staked, amount)
	r.tc.Write(key, types.NewBidValue(&types.BidKind{DelegatorBid: bid}))
	return nil
}

// Undelegate unstakes amount back to target.
func (r *Runtime) Undelegate(delegator, validator crypto.PublicKey, target types.URef, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidStakeAmount
	}
	delegatorHash := delegator.AccountHash()
	validatorHash := validator.AccountHash()
	key := types.DelegatorBidKey(validatorHash, delegatorHash)
	value, err := r.tc.Read(key)
	if err != nil {
		return err
	}
	if value == nil {
		return fmt.Errorf("%w: delegator %s on %s", ErrBidNotFound, delegatorHash, validatorHash)
	}
	record, ok := value.AsBid()
	if !ok || record.DelegatorBid == nil {
		return fmt.Errorf("auction: corrupt delegator bid under %s", key)
	}
	bid := record.DelegatorBid
	if bid.Staked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: staked %s, requested %s", ErrInsufficientStake, bid.Staked, amount)
	}
	if err := r.mint.Transfer(bid.BondingPurse, target, amount); err != nil {
		return err
	}
	bid.Staked = new(uint256.Int).Sub(bid.Staked, amount)
	if bid.Staked.IsZero() {
		r.tc.Prune(key)
		return nil
	}
	r.tc.Write(key, types.NewBidValue(&types.BidKind{DelegatorBid: bid}))
	return nil
}

// --- step operations ---

// Slash seizes the full bonded stake of each validator and of every
// delegator behind it, destroying the motes. Bids are pruned.
func (r *Runtime) Slash(validators []crypto.PublicKey) error {
	for _, validator := range validators {
		validatorHash := validator.AccountHash()
		bid, err := r.validatorBid(validatorHash)
		if err != nil {
			return err
		}
		if bid == nil {
			return fmt.Errorf("%w: %s", ErrValidatorNotFound, validatorHash)
		}
		if err := r.seizePurse(bid.BondingPurse); err != nil {
			return err
		}
		r.tc.Prune(types.ValidatorBidKey(validatorHash))
		delegators, err := r.delegatorBids(validatorHash)
		if err != nil {
			return err
		}
		for _, record := range delegators {
			if err := r.seizePurse(record.Bid.DelegatorBid.BondingPurse); err != nil {
				return err
			}
			r.tc.Prune(types.BidKey(record.Addr))
		}
	}
	return nil
}

func (r *Runtime) seizePurse(purse types.URef) error {
	balance, err := r.tc.GetPurseBalance(purse)
	if err != nil {
		if errors.Is(err, tracking.ErrPurseNotFound) {
			return nil
		}
		return err
	}
	if !balance.IsZero() {
		if err := r.mint.ReduceTotalSupply(balance.Value()); err != nil {
			return err
		}
	}
	r.tc.Prune(types.BalanceKey(purse))
	return nil
}

// RunAuction closes the current era: evicted validators are deactivated,
// the auction is re-run over the remaining bids, and the winner set for
// era + delay enters the snapshot. The era register advances by one.
func (r *Runtime) RunAuction(evicted []crypto.PublicKey) error {
	for _, validator := range evicted {
		validatorHash := validator.AccountHash()
		bid, err := r.validatorBid(validatorHash)
		if err != nil {
			return err
		}
		if bid == nil {
			continue
		}
		bid.Inactive = true
		r.writeValidatorBid(validatorHash, bid)
	}

	era, err := r.EraID()
	if err != nil {
		return err
	}
	newEra := era + 1

	winners, err := r.computeWinners()
	if err != nil {
		return err
	}
	snapshot, err := r.ReadSnapshot()
	if err != nil {
		return err
	}
	snapshot.DropBefore(newEra)
	snapshot.Insert(newEra+types.EraID(r.cfg.AuctionDelay), winners)

	if err := r.writeEraID(newEra); err != nil {
		return err
	}
	return r.writeSnapshot(snapshot)
}

// computeWinners ranks active validator bids by total stake and takes the
// configured number of slots. Ties break toward the lower public key so
// the outcome is identical on every node.
func (r *Runtime) computeWinners() ([]RecipientEntry, error) {
	all, err := r.Bids()
	if err != nil {
		return nil, err
	}
	entries := make([]RecipientEntry, 0)
	for _, record := range all {
		if record.Addr.IsDelegator() {
			continue
		}
		bid := record.Bid.ValidatorBid
		if bid.Inactive || bid.Staked.IsZero() {
			continue
		}
		delegators, err := r.delegatorBids(record.Addr.Validator)
		if err != nil {
			return nil, err
		}
		stakes := make([]DelegatorStake, 0, len(delegators))
		for _, d := range delegators {
			stakes = append(stakes, DelegatorStake{
				PublicKey: append([]byte(nil), d.Bid.DelegatorBid.DelegatorPublicKey...),
				Stake:     new(uint256.Int).Set(d.Bid.DelegatorBid.Staked),
			})
		}
		sort.Slice(stakes, func(i, j int) bool {
			return bytes.Compare(stakes[i].PublicKey, stakes[j].PublicKey) < 0
		})
		entries = append(entries, RecipientEntry{
			PublicKey: append([]byte(nil), bid.PublicKey...),
			Recipient: SeigniorageRecipient{
				Stake:           new(uint256.Int).Set(bid.Staked),
				DelegationRate:  bid.DelegationRate,
				DelegatorStakes: stakes,
			},
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entries[i].Recipient.TotalStake(), entries[j].Recipient.TotalStake()
		if c := ti.Cmp(tj); c != 0 {
			return c > 0
		}
		return bytes.Compare(entries[i].PublicKey, entries[j].PublicKey) < 0
	})
	if uint32(len(entries)) > r.cfg.ValidatorSlots {
		entries = entries[:r.cfg.ValidatorSlots]
	}
	return entries, nil
}

// ValidatorWeight is one validator's consensus weight for an era.
type ValidatorWeight struct {
	PublicKey []byte
	Weight    *uint256.Int
}

// EraValidatorSet is the weighted validator set of one era.
type EraValidatorSet struct {
	Era        types.EraID
	Validators []ValidatorWeight
}

// EraValidators derives the upcoming validator sets from the snapshot.
func (r *Runtime) EraValidators() ([]EraValidatorSet, error) {
	snapshot, err := r.ReadSnapshot()
	if err != nil {
		return nil, err
	}
	out := make([]EraValidatorSet, 0, len(snapshot.Eras))
	for _, era := range snapshot.Eras {
		set := EraValidatorSet{Era: era.Era}
		for _, entry := range era.Recipients {
			set.Validators = append(set.Validators, ValidatorWeight{
				PublicKey: append([]byte(nil), entry.PublicKey...),
				Weight:    entry.Recipient.TotalStake(),
			})
		}
		out = append(out, set)
	}
	return out, nil
}

// RewardItem is one validator's seigniorage for an era.
type RewardItem struct {
	PublicKey crypto.PublicKey
	Amount    *uint256.Int
}

// DistributeRewards mints each validator's reward into the bonded stakes:
// delegators receive their pro-rata share net of the validator's
// commission, the validator receives the rest. Every payout is recorded in
// the era summary.
func (r *Runtime) DistributeRewards(era types.EraID, rewards []RewardItem) error {
	sorted := append([]RewardItem(nil), rewards...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PublicKey.Compare(sorted[j].PublicKey) < 0
	})

	allocations := make([]types.SeigniorageAllocation, 0, len(sorted))
	for _, item := range sorted {
		if item.Amount == nil || item.Amount.IsZero() {
			continue
		}
		validatorHash := item.PublicKey.AccountHash()
		bid, err := r.validatorBid(validatorHash)
		if err != nil {
			return err
		}
		if bid == nil {
			return fmt.Errorf("%w: %s", ErrValidatorNotFound, validatorHash)
		}
		delegators, err := r.delegatorBids(validatorHash)
		if err != nil {
			return err
		}
		totalStake := new(uint256.Int).Set(bid.Staked)
		for _, d := range delegators {
			totalStake.Add(totalStake, d.Bid.DelegatorBid.Staked)
		}
		if totalStake.IsZero() {
			continue
		}

		distributed := uint256.NewInt(0)
		rate := uint256.NewInt(uint64(bid.DelegationRate))
		hundred := uint256.NewInt(100)
		for _, d := range delegators {
			dBid := d.Bid.DelegatorBid
			share := new(uint256.Int).Mul(item.Amount, dBid.Staked)
			share.Div(share, totalStake)
			commission := new(uint256.Int).Mul(share, rate)
			commission.Div(commission, hundred)
			net := new(uint256.Int).Sub(share, commission)
			if net.IsZero() {
				continue
			}
			if err := r.mint.Mint(dBid.BondingPurse, net); err != nil {
				return err
			}
			dBid.Staked = new(uint256.Int).Add(dBid.Staked, net)
			r.tc.Write(types.BidKey(d.Addr), types.NewBidValue(&types.BidKind{DelegatorBid: dBid}))
			distributed.Add(distributed, net)
			allocations = append(allocations, types.SeigniorageAllocation{
				ValidatorPublicKey: append([]byte(nil), bid.PublicKey...),
				DelegatorPublicKey: append([]byte(nil), dBid.DelegatorPublicKey...),
				Amount:             net,
			})
		}

		validatorPortion := new(uint256.Int).Sub(item.Amount, distributed)
		if !validatorPortion.IsZero() {
			if err := r.mint.Mint(bid.BondingPurse, validatorPortion); err != nil {
				return err
			}
			bid.Staked = new(uint256.Int).Add(bid.Staked, validatorPortion)
			r.writeValidatorBid(validatorHash, bid)
			allocations = append(allocations, types.SeigniorageAllocation{
				ValidatorPublicKey: append([]byte(nil), bid.PublicKey...),
				Amount:             validatorPortion,
			})
		}
	}

	r.tc.Write(types.EraSummaryKey(), types.NewEraInfoValue(&types.EraInfo{
		Era:         era,
		Allocations: allocations,
	}))
	return nil
}

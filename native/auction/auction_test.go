package auction

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/mint"
	"meridian/storage"
	"meridian/storage/globalstate"
)

type fixture struct {
	tc      *tracking.TrackingCopy
	mint    *mint.Runtime
	auction *Runtime
	cfg     config.EngineConfig
}

func testConfig() config.EngineConfig {
	cfg := config.DefaultConfig()
	cfg.ValidatorSlots = 2
	cfg.AuctionDelay = 1
	cfg.MinimumDelegationAmount = 100
	cfg.AllowAuctionBids = true
	return cfg
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	gs, err := globalstate.NewGlobalState(storage.NewMemDB())
	require.NoError(t, err)
	reader, err := gs.Checkout(gs.EmptyRoot())
	require.NoError(t, err)
	tc := tracking.New(reader, 0)

	var mintAddr, auctionAddr types.HashAddr
	mintAddr[0] = 0x01
	auctionAddr[0] = 0x02
	tc.Write(types.SystemRegistryKey(), types.NewSystemRegistryValue(types.SystemRegistry{
		types.SystemContractMint:    mintAddr,
		types.SystemContractAuction: auctionAddr,
	}))
	var supplyURef, eraURef, snapshotURef types.URef
	supplyURef[0] = 0x03
	eraURef[0] = 0x04
	snapshotURef[0] = 0x05
	tc.WriteNamedKey(mintAddr, mint.TotalSupplyNamedKey, types.URefKey(supplyURef))
	tc.Write(types.URefKey(supplyURef), types.NewRawU256Value(uint256.NewInt(0)))
	tc.WriteNamedKey(auctionAddr, EraIDNamedKey, types.URefKey(eraURef))
	tc.Write(types.URefKey(eraURef), types.NewRawU64Value(0))
	tc.WriteNamedKey(auctionAddr, SnapshotNamedKey, types.URefKey(snapshotURef))
	encoded, err := EncodeSnapshot(&Snapshot{})
	require.NoError(t, err)
	tc.Write(types.URefKey(snapshotURef), types.NewRawValue(encoded))

	mintRuntime := mint.NewRuntime(tc, crypto.NewAddressGenerator([]byte("auction-test"), 0))
	return &fixture{
		tc:      tc,
		mint:    mintRuntime,
		auction: NewRuntime(tc, mintRuntime, cfg),
		cfg:     cfg,
	}
}

func publicKey(t *testing.T, seed string) crypto.PublicKey {
	t.Helper()
	key, err := crypto.NewPublicKey([]byte(seed))
	require.NoError(t, err)
	return key
}

// fundedPurse mints amount into a fresh purse.
func (f *fixture) fundedPurse(t *testing.T, amount uint64) types.URef {
	t.Helper()
	purse, err := f.mint.CreatePurse()
	require.NoError(t, err)
	if amount > 0 {
		require.NoError(t, f.mint.Mint(purse, uint256.NewInt(amount)))
	}
	return purse
}

func (f *fixture) stake(t *testing.T, validator crypto.PublicKey) *uint256.Int {
	t.Helper()
	value, err := f.tc.Read(types.ValidatorBidKey(validator.AccountHash()))
	require.NoError(t, err)
	require.NotNil(t, value)
	bid, ok := value.AsBid()
	require.True(t, ok)
	return bid.ValidatorBid.Staked
}

func TestAddBidAndWithdraw(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	purse := f.fundedPurse(t, 1000)

	require.NoError(t, f.auction.AddBid(validator, purse, 10, uint256.NewInt(600)))
	require.Equal(t, uint64(600), f.stake(t, validator).Uint64())

	// Topping up keeps the existing bonding purse and adds stake.
	require.NoError(t, f.auction.AddBid(validator, purse, 15, uint256.NewInt(100)))
	require.Equal(t, uint64(700), f.stake(t, validator).Uint64())

	target, err := f.mint.CreatePurse()
	require.NoError(t, err)
	require.NoError(t, f.auction.WithdrawBid(validator, target, uint256.NewInt(200), 0))
	require.Equal(t, uint64(500), f.stake(t, validator).Uint64())
	balance, err := f.mint.ReadBalance(target)
	require.NoError(t, err)
	require.Equal(t, uint64(200), balance.Value().Uint64())

	// Draining the stake with no delegators removes the bid entirely.
	require.NoError(t, f.auction.WithdrawBid(validator, target, uint256.NewInt(500), 0))
	value, err := f.tc.Read(types.ValidatorBidKey(validator.AccountHash()))
	require.NoError(t, err)
	require.Nil(t, value)

	err = f.auction.WithdrawBid(validator, target, uint256.NewInt(1), 0)
	require.ErrorIs(t, err, ErrBidNotFound)
}

func TestAddBidValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	purse := f.fundedPurse(t, 1000)

	require.ErrorIs(t, f.auction.AddBid(validator, purse, 10, uint256.NewInt(0)), ErrInvalidStakeAmount)
	require.ErrorIs(t, f.auction.AddBid(validator, purse, 10, nil), ErrInvalidStakeAmount)
	require.ErrorIs(t, f.auction.AddBid(validator, purse, 101, uint256.NewInt(100)), ErrDelegationRateRange)
}

func TestWithdrawBidRespectsVesting(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	purse := f.fundedPurse(t, 1000)
	require.NoError(t, f.auction.AddBid(validator, purse, 10, uint256.NewInt(600)))

	// Lock the stake the way genesis does for bonded validators.
	hash := validator.AccountHash()
	value, err := f.tc.Read(types.ValidatorBidKey(hash))
	require.NoError(t, err)
	bid, _ := value.AsBid()
	bid.ValidatorBid.LockedUntil = 5_000
	f.tc.Write(types.ValidatorBidKey(hash), types.NewBidValue(bid))

	err = f.auction.WithdrawBid(validator, purse, uint256.NewInt(100), 4_999)
	require.ErrorIs(t, err, ErrStakeLocked)
	require.NoError(t, f.auction.WithdrawBid(validator, purse, uint256.NewInt(100), 5_000))
}

func TestBiddingDisabledForNonAdmins(t *testing.T) {
	admin := crypto.AccountHash{0x42}
	cfg := testConfig()
	cfg.AllowAuctionBids = false
	cfg.AdministrativeAccounts = []string{admin.String()}
	f := newFixture(t, cfg)
	purse := f.fundedPurse(t, 1000)

	outsider := publicKey(t, "outsider")
	require.ErrorIs(t, f.auction.AddBid(outsider, purse, 10, uint256.NewInt(100)), ErrBidsDisabled)
}

func TestDelegateAndUndelegate(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	delegator := publicKey(t, "delegator-1")
	validatorPurse := f.fundedPurse(t, 1000)
	delegatorPurse := f.fundedPurse(t, 1000)

	require.NoError(t, f.auction.AddBid(validator, validatorPurse, 10, uint256.NewInt(500)))

	err := f.auction.Delegate(delegator, validator, delegatorPurse, uint256.NewInt(50))
	require.ErrorIs(t, err, ErrDelegationTooSmall)
	err = f.auction.Delegate(validator, validator, validatorPurse, uint256.NewInt(200))
	require.ErrorIs(t, err, ErrSelfDelegation)

	require.NoError(t, f.auction.Delegate(delegator, validator, delegatorPurse, uint256.NewInt(300)))

	key := types.DelegatorBidKey(validator.AccountHash(), delegator.AccountHash())
	value, err := f.tc.Read(key)
	require.NoError(t, err)
	require.NotNil(t, value)
	bid, _ := value.AsBid()
	require.Equal(t, uint64(300), bid.DelegatorBid.Staked.Uint64())

	require.NoError(t, f.auction.Undelegate(delegator, validator, delegatorPurse, uint256.NewInt(100)))
	require.NoError(t, f.auction.Undelegate(delegator, validator, delegatorPurse, uint256.NewInt(200)))

	// Fully unstaked delegations disappear.
	value, err = f.tc.Read(key)
	require.NoError(t, err)
	require.Nil(t, value)

	err = f.auction.Delegate(delegator, publicKey(t, "ghost"), delegatorPurse, uint256.NewInt(200))
	require.ErrorIs(t, err, ErrValidatorNotFound)
}

func TestSlashSeizesStakeAndSupply(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	delegator := publicKey(t, "delegator-1")
	require.NoError(t, f.auction.AddBid(validator, f.fundedPurse(t, 1000), 10, uint256.NewInt(1000)))
	require.NoError(t, f.auction.Delegate(delegator, validator, f.fundedPurse(t, 400), uint256.NewInt(400)))

	before, err := f.mint.TotalSupply()
	require.NoError(t, err)

	require.NoError(t, f.auction.Slash([]crypto.PublicKey{validator}))

	after, err := f.mint.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, uint64(1400), before.Value().Uint64()-after.Value().Uint64())

	bids, err := f.auction.Bids()
	require.NoError(t, err)
	require.Empty(t, bids)

	err = f.auction.Slash([]crypto.PublicKey{validator})
	require.ErrorIs(t, err, ErrValidatorNotFound)
}

func TestRunAuctionRotatesEraAndSnapshot(t *testing.T) {
	f := newFixture(t, testConfig())
	a := publicKey(t, "validator-a")
	b := publicKey(t, "validator-b")
	c := publicKey(t, "validator-c")
	require.NoError(t, f.auction.AddBid(a, f.fundedPurse(t, 1000), 10, uint256.NewInt(1000)))
	require.NoError(t, f.auction.AddBid(b, f.fundedPurse(t, 600), 10, uint256.NewInt(600)))
	require.NoError(t, f.auction.AddBid(c, f.fundedPurse(t, 300), 10, uint256.NewInt(300)))

	require.NoError(t, f.auction.RunAuction(nil))

	era, err := f.auction.EraID()
	require.NoError(t, err)
	require.Equal(t, types.EraID(1), era)

	snapshot, err := f.auction.ReadSnapshot()
	require.NoError(t, err)
	recipients, ok := snapshot.EraRecipients(types.EraID(1) + types.EraID(f.cfg.AuctionDelay))
	require.True(t, ok)

	// Two slots, so the smallest stake misses out.
	require.Len(t, recipients, 2)
	winners := map[string]bool{}
	for _, entry := range recipients {
		winners[string(entry.PublicKey)] = true
	}
	require.True(t, winners[string(a.Bytes())])
	require.True(t, winners[string(b.Bytes())])
	require.False(t, winners[string(c.Bytes())])
}

func TestRunAuctionEvictsValidators(t *testing.T) {
	f := newFixture(t, testConfig())
	a := publicKey(t, "validator-a")
	b := publicKey(t, "validator-b")
	require.NoError(t, f.auction.AddBid(a, f.fundedPurse(t, 1000), 10, uint256.NewInt(1000)))
	require.NoError(t, f.auction.AddBid(b, f.fundedPurse(t, 600), 10, uint256.NewInt(600)))

	require.NoError(t, f.auction.RunAuction([]crypto.PublicKey{a}))

	snapshot, err := f.auction.ReadSnapshot()
	require.NoError(t, err)
	recipients, ok := snapshot.EraRecipients(types.EraID(1) + types.EraID(f.cfg.AuctionDelay))
	require.True(t, ok)
	require.Len(t, recipients, 1)
	require.Equal(t, b.Bytes(), recipients[0].PublicKey)

	// Delegating to the evicted validator now fails until it reactivates.
	err = f.auction.Delegate(publicKey(t, "delegator"), a, f.fundedPurse(t, 200), uint256.NewInt(200))
	require.ErrorIs(t, err, ErrInactiveValidator)

	require.NoError(t, f.auction.ActivateBid(a))
	require.NoError(t, f.auction.Delegate(publicKey(t, "delegator"), a, f.fundedPurse(t, 200), uint256.NewInt(200)))
}

func TestDistributeRewardsSplitsCommission(t *testing.T) {
	f := newFixture(t, testConfig())
	validator := publicKey(t, "validator-1")
	delegator := publicKey(t, "delegator-1")
	require.NoError(t, f.auction.AddBid(validator, f.fundedPurse(t, 600), 20, uint256.NewInt(600)))
	require.NoError(t, f.auction.Delegate(delegator, validator, f.fundedPurse(t, 400), uint256.NewInt(400)))

	before, err := f.mint.TotalSupply()
	require.NoError(t, err)

	require.NoError(t, f.auction.DistributeRewards(3, []RewardItem{
		{PublicKey: validator, Amount: uint256.NewInt(1000)},
	}))

	// Delegator share: 1000 * 400/1000 = 400, minus 20% commission = 320.
	key := types.DelegatorBidKey(validator.AccountHash(), delegator.AccountHash())
	value, err := f.tc.Read(key)
	require.NoError(t, err)
	bid, _ := value.AsBid()
	require.Equal(t, uint64(720), bid.DelegatorBid.Staked.Uint64())

	// Validator keeps the rest, commission included.
	require.Equal(t, uint64(1280), f.stake(t, validator).Uint64())

	after, err := f.mint.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), after.Value().Uint64()-before.Value().Uint64())

	summary, err := f.tc.Read(types.EraSummaryKey())
	require.NoError(t, err)
	require.NotNil(t, summary)
	info, ok := summary.AsEraInfo()
	require.True(t, ok)
	require.Equal(t, types.EraID(3), info.Era)
	require.Len(t, info.Allocations, 2)
}

func TestEraValidatorsFollowSnapshot(t *testing.T) {
	f := newFixture(t, testConfig())
	a := publicKey(t, "validator-a")
	require.NoError(t, f.auction.AddBid(a, f.fundedPurse(t, 900), 10, uint256.NewInt(900)))
	require.NoError(t, f.auction.RunAuction(nil))

	sets, err := f.auction.EraValidators()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	require.Equal(t, types.EraID(2), sets[0].Era)
	require.Len(t, sets[0].Validators, 1)
	require.Equal(t, a.Bytes(), sets[0].Validators[0].PublicKey)
	require.Equal(t, uint64(900), sets[0].Validators[0].Weight.Uint64())
}

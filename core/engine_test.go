package core

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"meridian/config"
	"meridian/core/execution"
	"meridian/core/genesis"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
	"meridian/storage"
	"meridian/storage/globalstate"
)

// Small denominations keep the arithmetic in the assertions readable.
func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultConfig()
	cfg.MaxPaymentCost = 2_500
	cfg.WasmlessTransferCost = 100
	cfg.AuctionEntryPointCost = 1_000
	cfg.MinimumDelegationAmount = 100
	cfg.ValidatorSlots = 10
	cfg.AuctionDelay = 1
	return cfg
}

type engineFixture struct {
	gs        *globalstate.GlobalState
	engine    *EngineState
	root      types.Digest
	cfg       config.EngineConfig
	validator crypto.PublicKey
	user      crypto.PublicKey
}

const genesisBalance = 100_000

func newEngineFixture(t *testing.T, cfg config.EngineConfig) *engineFixture {
	t.Helper()
	gs, err := globalstate.NewGlobalState(storage.NewMemDB())
	require.NoError(t, err)
	engine := NewEngineState(cfg, gs, nil, nil)

	validator := publicKey(t, "genesis-validator")
	user := publicKey(t, "genesis-user")
	root, err := engine.CommitGenesis(genesis.Request{
		ProtocolVersion: types.ProtocolVersion{Major: 1},
		ChainspecHash:   types.Digest{0xc5},
		TimestampMillis: 0,
		Accounts: []genesis.Account{
			{PublicKey: validator, Balance: uint256.NewInt(genesisBalance), Stake: uint256.NewInt(5_000), DelegationRate: 10},
			{PublicKey: user, Balance: uint256.NewInt(genesisBalance), Stake: uint256.NewInt(0)},
		},
	})
	require.NoError(t, err)
	return &engineFixture{gs: gs, engine: engine, root: root, cfg: cfg, validator: validator, user: user}
}

func publicKey(t *testing.T, seed string) crypto.PublicKey {
	t.Helper()
	key, err := crypto.NewPublicKey([]byte(seed))
	require.NoError(t, err)
	return key
}

func deployHash(seed byte) types.DeployHash {
	return types.DeployHash{seed}
}

// apply commits a result's effects and advances the fixture root.
func (f *engineFixture) apply(t *testing.T, result types.ExecutionResult) {
	t.Helper()
	root, err := f.gs.Commit(f.root, result.Effects())
	require.NoError(t, err)
	f.root = root
}

func (f *engineFixture) balance(t *testing.T, account crypto.AccountHash) uint64 {
	t.Helper()
	balance, err := f.engine.GetBalance(f.root, account)
	require.NoError(t, err)
	return balance.Value().Uint64()
}

func (f *engineFixture) deployInfo(t *testing.T, hash types.DeployHash) *types.DeployInfo {
	t.Helper()
	result, err := f.engine.QueryState(f.root, types.DeployInfoKey(hash), nil)
	require.NoError(t, err)
	require.True(t, result.Found())
	info, ok := result.Value.AsDeployInfo()
	require.True(t, ok)
	return info
}

func transferDeploy(from crypto.PublicKey, hash types.DeployHash, target types.TransferTarget, amount uint64) types.DeployItem {
	return types.DeployItem{
		Address:           from.AccountHash(),
		Session:           types.TransferItem(types.TransferArgs{Target: target, Amount: uint256.NewInt(amount)}),
		Payment:           types.ExecutableItem{Kind: types.ExecutableTransfer},
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{from.AccountHash()},
		DeployHash:        hash,
	}
}

func TestCommitGenesisBootstrapsChain(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	require.Equal(t, uint64(genesisBalance), f.balance(t, f.user.AccountHash()))

	supply, err := f.engine.GetTotalSupply(f.root)
	require.NoError(t, err)
	require.Equal(t, uint64(2*genesisBalance+5_000), supply.Value().Uint64())

	era, err := f.engine.GetEraID(f.root)
	require.NoError(t, err)
	require.Equal(t, types.EraID(0), era)

	sets, err := f.engine.GetEraValidators(f.root)
	require.NoError(t, err)
	require.Len(t, sets, 2)

	result, err := f.engine.QueryState(f.root, types.AccountKey(f.user.AccountHash()), nil)
	require.NoError(t, err)
	require.True(t, result.Found())
	_, ok := result.Value.AsEntity()
	require.True(t, ok)
}

func TestTransferMovesFundsAndPaysFee(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	stranger := crypto.AccountHash{0x77}
	hash := deployHash(1)

	result, err := f.engine.Deploy(f.root, 1_000, f.validator,
		transferDeploy(f.user, hash, types.TransferTarget{AccountHash: &stranger}, 4_000))
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	f.apply(t, result)

	// The unknown target got an account created on the fly.
	require.Equal(t, uint64(4_000), f.balance(t, stranger))
	require.Equal(t, uint64(genesisBalance-4_000-f.cfg.WasmlessTransferCost), f.balance(t, f.user.AccountHash()))
	// Fees go to the proposer under pay-to-proposer handling.
	require.Equal(t, uint64(genesisBalance+f.cfg.WasmlessTransferCost), f.balance(t, f.validator.AccountHash()))

	info := f.deployInfo(t, hash)
	require.Equal(t, f.user.AccountHash(), info.From)
	require.Equal(t, f.cfg.WasmlessTransferCost, info.Cost.Uint64())
	require.Len(t, info.Transfers, 1)
}

func TestTransferFailureStillCostsTheFee(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	stranger := crypto.AccountHash{0x77}

	result, err := f.engine.Deploy(f.root, 1_000, f.validator,
		transferDeploy(f.user, deployHash(2), types.TransferTarget{AccountHash: &stranger}, 10*genesisBalance))
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	f.apply(t, result)

	// Session writes vanished; only the fee moved.
	require.Equal(t, uint64(genesisBalance-f.cfg.WasmlessTransferCost), f.balance(t, f.user.AccountHash()))
	_, err = f.engine.GetBalance(f.root, stranger)
	require.Error(t, err)
}

func TestTransferRejectsForeignSourcePurse(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	stranger := crypto.AccountHash{0x77}
	item := transferDeploy(f.user, deployHash(3), types.TransferTarget{AccountHash: &stranger}, 100)
	foreign := types.URef{0x99}
	item.Session.Transfer.Source = &foreign

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), ErrInvalidSourcePurse)
	require.Empty(t, result.Effects())
}

func TestModuleSessionWithoutLoaderIsChargedNothing(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	item := types.DeployItem{
		Address:           f.user.AccountHash(),
		Session:           types.ModuleItem([]byte{0x00}, "call", nil),
		Payment:           types.StandardPaymentItem(uint256.NewInt(5_000)),
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
		DeployHash:        deployHash(4),
	}

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), execution.ErrNoVM)
	f.apply(t, result)

	// Nothing consumed gas, so the whole deposit came back.
	require.Equal(t, uint64(genesisBalance), f.balance(t, f.user.AccountHash()))
	require.Equal(t, uint64(genesisBalance), f.balance(t, f.validator.AccountHash()))
}

func TestCustomPaymentWithoutLoaderIsPrecondition(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	item := types.DeployItem{
		Address:           f.user.AccountHash(),
		Session:           types.ModuleItem([]byte{0x00}, "call", nil),
		Payment:           types.ModuleItem([]byte{0x00}, "pay", nil),
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
		DeployHash:        deployHash(5),
	}

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), execution.ErrNoVM)
	require.True(t, result.Cost().IsZero())
	require.Empty(t, result.Effects())
}

func TestUnderfundedPaymentForcesThePenalty(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	hash := deployHash(6)
	item := types.DeployItem{
		Address:           f.user.AccountHash(),
		Session:           types.ModuleItem([]byte{0x00}, "call", nil),
		Payment:           types.StandardPaymentItem(uint256.NewInt(1_000)),
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
		DeployHash:        hash,
	}

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.Equal(t, f.cfg.MaxPaymentCost, result.Cost().Value().Uint64())
	f.apply(t, result)

	require.Equal(t, uint64(genesisBalance-f.cfg.MaxPaymentCost), f.balance(t, f.user.AccountHash()))
	require.Equal(t, uint64(genesisBalance+f.cfg.MaxPaymentCost), f.balance(t, f.validator.AccountHash()))
	require.Equal(t, f.cfg.MaxPaymentCost, f.deployInfo(t, hash).Cost.Uint64())
}

func TestForcedPenaltyBurnsUnderBurnHandling(t *testing.T) {
	cfg := testEngineConfig()
	cfg.FeeHandling = config.FeeBurn
	f := newEngineFixture(t, cfg)

	before, err := f.engine.GetTotalSupply(f.root)
	require.NoError(t, err)

	item := types.DeployItem{
		Address:           f.user.AccountHash(),
		Session:           types.ModuleItem([]byte{0x00}, "call", nil),
		Payment:           types.StandardPaymentItem(uint256.NewInt(1_000)),
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
		DeployHash:        deployHash(7),
	}
	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	f.apply(t, result)

	require.Equal(t, uint64(genesisBalance-f.cfg.MaxPaymentCost), f.balance(t, f.user.AccountHash()))
	after, err := f.engine.GetTotalSupply(f.root)
	require.NoError(t, err)
	require.Equal(t, f.cfg.MaxPaymentCost, before.Value().Uint64()-after.Value().Uint64())
}

func TestDirectContractLanes(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	var contract types.HashAddr
	contract[0] = 0xcd

	t.Run("custom payment is penalized up front", func(t *testing.T) {
		item := types.DeployItem{
			Address:           f.user.AccountHash(),
			Session:           types.StoredContractItem(contract, "call", nil),
			Payment:           types.ModuleItem([]byte{0x00}, "pay", nil),
			GasPrice:          1,
			AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
			DeployHash:        deployHash(8),
		}
		result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
		require.NoError(t, err)
		require.False(t, result.IsSuccess())
		require.ErrorIs(t, result.Err(), ErrDirectContractUnsupported)
		require.Equal(t, f.cfg.MaxPaymentCost, result.Cost().Value().Uint64())
	})

	t.Run("standard payment runs and the session fails charged", func(t *testing.T) {
		item := types.DeployItem{
			Address:           f.user.AccountHash(),
			Session:           types.StoredContractItem(contract, "call", nil),
			Payment:           types.StandardPaymentItem(uint256.NewInt(3_000)),
			GasPrice:          1,
			AuthorizationKeys: []crypto.AccountHash{f.user.AccountHash()},
			DeployHash:        deployHash(9),
		}
		result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
		require.NoError(t, err)
		require.False(t, result.IsSuccess())
		require.ErrorIs(t, result.Err(), ErrDirectContractUnsupported)
		require.NotEmpty(t, result.Effects())
	})
}

func TestUnauthorizedDeployFailsPrecondition(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	stranger := crypto.AccountHash{0x77}
	item := transferDeploy(f.user, deployHash(10), types.TransferTarget{AccountHash: &stranger}, 100)
	item.AuthorizationKeys = []crypto.AccountHash{stranger}

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, item)
	require.NoError(t, err)
	require.ErrorIs(t, result.Err(), ErrAuthorizationFailure)
	require.Empty(t, result.Effects())
}

func biddingDeploy(from crypto.PublicKey, hash types.DeployHash, args types.AuctionArgs, payment uint64) types.DeployItem {
	return types.DeployItem{
		Address:           from.AccountHash(),
		Session:           types.AuctionItem(args),
		Payment:           types.StandardPaymentItem(uint256.NewInt(payment)),
		GasPrice:          1,
		AuthorizationKeys: []crypto.AccountHash{from.AccountHash()},
		DeployHash:        hash,
	}
}

func TestBiddingDeployAddsStake(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, biddingDeploy(f.validator, deployHash(11), types.AuctionArgs{
		Method:         types.AuctionMethodAddBid,
		Validator:      f.validator,
		DelegationRate: 10,
		Amount:         uint256.NewInt(2_000),
	}, 4_000))
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.Equal(t, f.cfg.AuctionEntryPointCost, result.Cost().Value().Uint64())
	f.apply(t, result)

	bids, err := f.engine.GetBids(f.root)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, uint64(7_000), bids[0].Bid.ValidatorBid.Staked.Uint64())

	// Balance dropped by the staked amount plus the fixed session fee.
	// The fee came straight back as the proposer reward.
	require.Equal(t, uint64(genesisBalance-2_000), f.balance(t, f.validator.AccountHash()))
}

func TestBiddingForSomeoneElseIsCharged(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	result, err := f.engine.Deploy(f.root, 1_000, f.validator, biddingDeploy(f.user, deployHash(12), types.AuctionArgs{
		Method:    types.AuctionMethodAddBid,
		Validator: f.validator,
		Amount:    uint256.NewInt(500),
	}, 4_000))
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), ErrUnauthorizedBid)
	f.apply(t, result)

	// The fixed entry point cost was consumed even though the bid failed.
	require.Equal(t, uint64(genesisBalance-f.cfg.AuctionEntryPointCost), f.balance(t, f.user.AccountHash()))
}

func TestBiddingRunsOutOfGas(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AuctionEntryPointCost = 5_000
	f := newEngineFixture(t, cfg)

	// The deposit covers the collateral but not the entry point.
	result, err := f.engine.Deploy(f.root, 1_000, f.validator, biddingDeploy(f.validator, deployHash(13), types.AuctionArgs{
		Method:    types.AuctionMethodAddBid,
		Validator: f.validator,
		Amount:    uint256.NewInt(500),
	}, 2_500))
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), execution.ErrGasLimit)
}

func TestCommitStepAdvancesEra(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	step, err := f.engine.CommitStep(StepRequest{
		PreStateHash: f.root,
		NextEraID:    1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, step.Effects)

	era, err := f.engine.GetEraID(step.PostStateHash)
	require.NoError(t, err)
	require.Equal(t, types.EraID(1), era)
}

func TestCommitStepSlashesEquivocators(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	before, err := f.engine.GetTotalSupply(f.root)
	require.NoError(t, err)

	step, err := f.engine.CommitStep(StepRequest{
		PreStateHash: f.root,
		SlashItems:   []crypto.PublicKey{f.validator},
		EvictItems:   []crypto.PublicKey{f.validator},
		NextEraID:    1,
	})
	require.NoError(t, err)

	bids, err := f.engine.GetBids(step.PostStateHash)
	require.NoError(t, err)
	require.Empty(t, bids)

	after, err := f.engine.GetTotalSupply(step.PostStateHash)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), before.Value().Uint64()-after.Value().Uint64())
}

func TestDistributeBlockRewardsMintsIntoStake(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	root, err := f.engine.DistributeBlockRewards(f.root, 0, []auction.RewardItem{
		{PublicKey: f.validator, Amount: uint256.NewInt(1_000)},
	})
	require.NoError(t, err)
	require.NotEqual(t, f.root, root)

	bids, err := f.engine.GetBids(root)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	require.Equal(t, uint64(6_000), bids[0].Bid.ValidatorBid.Staked.Uint64())

	supply, err := f.engine.GetTotalSupply(root)
	require.NoError(t, err)
	require.Equal(t, uint64(2*genesisBalance+6_000), supply.Value().Uint64())

	// No rewards means no new root.
	same, err := f.engine.DistributeBlockRewards(root, 0, nil)
	require.NoError(t, err)
	require.Equal(t, root, same)
}

func TestCommitUpgrade(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	slots := uint32(5)

	success, err := f.engine.CommitUpgrade(UpgradeRequest{
		PreStateHash:           f.root,
		CurrentProtocolVersion: types.ProtocolVersion{Major: 1},
		NewProtocolVersion:     types.ProtocolVersion{Major: 1, Minor: 1},
		ChainspecHash:          types.Digest{0xd1},
		NewValidatorSlots:      &slots,
	})
	require.NoError(t, err)
	require.NotEqual(t, f.root, success.PostStateHash)

	result, err := f.engine.QueryState(success.PostStateHash,
		types.HashKey(genesis.SystemEntityAddr(types.SystemContractAuction)), []string{"validator_slots"})
	require.NoError(t, err)
	require.True(t, result.Found())
	value, ok := result.Value.AsRawU64()
	require.True(t, ok)
	require.Equal(t, uint64(5), value)
}

func TestCommitUpgradeRejectsBadVersionJump(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	for _, next := range []types.ProtocolVersion{
		{Major: 1},
		{Major: 3},
	} {
		_, err := f.engine.CommitUpgrade(UpgradeRequest{
			PreStateHash:           f.root,
			CurrentProtocolVersion: types.ProtocolVersion{Major: 1},
			NewProtocolVersion:     next,
		})
		var invalid InvalidProtocolVersionError
		require.ErrorAs(t, err, &invalid)
	}
}

func TestQueryUnknownRoot(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	_, err := f.engine.QueryState(types.Digest{0xff}, types.AccountKey(f.user.AccountHash()), nil)
	var notFound globalstate.RootNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRestrictedTransfersRequireAnAdministrator(t *testing.T) {
	cfg := testEngineConfig()
	cfg.AllowUnrestrictedTransfers = false
	cfg.AdministrativeAccounts = []string{publicKey(t, "genesis-validator").AccountHash().String()}
	f := newEngineFixture(t, cfg)
	stranger := crypto.AccountHash{0x77}
	admin := f.validator.AccountHash()

	result, err := f.engine.Deploy(f.root, 1_000, f.validator,
		transferDeploy(f.user, deployHash(1), types.TransferTarget{AccountHash: &stranger}, 1_000))
	require.NoError(t, err)
	require.False(t, result.IsSuccess())
	require.ErrorIs(t, result.Err(), ErrDisabledUnrestrictedTransfers)
	require.True(t, result.Cost().IsZero())

	t.Run("to an administrator", func(t *testing.T) {
		result, err := f.engine.Deploy(f.root, 1_000, f.validator,
			transferDeploy(f.user, deployHash(2), types.TransferTarget{AccountHash: &admin}, 1_000))
		require.NoError(t, err)
		require.True(t, result.IsSuccess())
	})
	t.Run("from an administrator", func(t *testing.T) {
		result, err := f.engine.Deploy(f.root, 1_000, f.validator,
			transferDeploy(f.validator, deployHash(3), types.TransferTarget{AccountHash: &stranger}, 1_000))
		require.NoError(t, err)
		require.True(t, result.IsSuccess())
	})
}

func TestRunExecuteBatchesAgainstOneRoot(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	stranger := crypto.AccountHash{0x77}

	results, err := f.engine.RunExecute(ExecuteRequest{
		PreStateHash: f.root,
		BlockTime:    1_000,
		Proposer:     f.validator,
		Deploys: []types.DeployItem{
			transferDeploy(f.user, deployHash(1), types.TransferTarget{AccountHash: &stranger}, 4_000),
			transferDeploy(f.user, deployHash(2), types.TransferTarget{AccountHash: &stranger}, 5_000),
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Both ran against the same pre-state; neither saw the other's writes.
	require.True(t, results[0].IsSuccess())
	require.True(t, results[1].IsSuccess())

	_, err = f.engine.RunExecute(ExecuteRequest{
		PreStateHash: types.Digest{0xff},
		Proposer:     f.validator,
		Deploys: []types.DeployItem{
			transferDeploy(f.user, deployHash(3), types.TransferTarget{AccountHash: &stranger}, 1),
		},
	})
	var notFound globalstate.RootNotFoundError
	require.ErrorAs(t, err, &notFound)

	root, err := f.engine.CommitEffects(f.root, results[0].Effects())
	require.NoError(t, err)
	f.root = root
	require.Equal(t, uint64(4_000), f.balance(t, stranger))
}

func TestSystemContractHashesResolve(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	registry, err := f.engine.GetSystemRegistry(f.root)
	require.NoError(t, err)

	mintHash, err := f.engine.GetSystemMintHash(f.root)
	require.NoError(t, err)
	require.Equal(t, registry[types.SystemContractMint], mintHash)

	auctionHash, err := f.engine.GetSystemAuctionHash(f.root)
	require.NoError(t, err)
	require.Equal(t, registry[types.SystemContractAuction], auctionHash)

	paymentHash, err := f.engine.GetHandlePaymentHash(f.root)
	require.NoError(t, err)
	require.Equal(t, registry[types.SystemContractHandlePayment], paymentHash)
	require.NotEqual(t, mintHash, paymentHash)

	checksums, err := f.engine.GetChecksumRegistry(f.root)
	require.NoError(t, err)
	require.Empty(t, checksums)
}

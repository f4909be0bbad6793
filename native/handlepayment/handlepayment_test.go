package handlepayment

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
	tc           *tracking.TrackingCopy
	mint         *mint.Runtime
	payments     *Runtime
	payer        crypto.AccountHash
	payerPurse   types.URef
	paymentPurse types.URef
	proposer     types.URef
	accumulation types.URef
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	gs, err := globalstate.NewGlobalState(storage.NewMemDB())
	require.NoError(t, err)
	reader, err := gs.Checkout(gs.EmptyRoot())
	require.NoError(t, err)
	tc := tracking.New(reader, 0)
	gen := crypto.NewAddressGenerator([]byte("payment-test"), 0)

	var mintAddr, paymentsAddr types.HashAddr
	mintAddr[0] = 0x01
	paymentsAddr[0] = 0x02
	tc.Write(types.SystemRegistryKey(), types.NewSystemRegistryValue(types.SystemRegistry{
		types.SystemContractMint:          mintAddr,
		types.SystemContractHandlePayment: paymentsAddr,
	}))
	var supplyURef types.URef
	supplyURef[0] = 0x03
	tc.WriteNamedKey(mintAddr, mint.TotalSupplyNamedKey, types.URefKey(supplyURef))
	tc.Write(types.URefKey(supplyURef), types.NewRawU256Value(uint256.NewInt(0)))

	mintRuntime := mint.NewRuntime(tc, gen)
	paymentPurse, err := mintRuntime.CreatePurse()
	require.NoError(t, err)
	tc.WriteNamedKey(paymentsAddr, PaymentPurseNamedKey, types.URefKey(paymentPurse))
	accumulation, err := mintRuntime.CreatePurse()
	require.NoError(t, err)
	tc.WriteNamedKey(paymentsAddr, AccumulationPurseNamedKey, types.URefKey(accumulation))

	proposer, err := mintRuntime.CreatePurse()
	require.NoError(t, err)

	payer := crypto.AccountHash{0x10}
	payerPurse, err := mintRuntime.CreatePurse()
	require.NoError(t, err)
	entityAddr := tracking.EntityAddrForAccount(payer)
	tc.Write(types.HashKey(entityAddr), types.NewEntityValue(&types.AddressableEntity{
		Kind:             types.EntityKindAccount,
		MainPurse:        payerPurse,
		AssociatedKeys:   types.AssociatedKeys{payer: 1},
		ActionThresholds: types.ActionThresholds{Deployment: 1, KeyManagement: 1},
	}))
	tc.Write(types.AccountKey(payer), types.NewKeyRefValue(types.HashKey(entityAddr)))

	return &fixture{
		tc:           tc,
		mint:         mintRuntime,
		payments:     NewRuntime(tc, mintRuntime, cfg),
		payer:        payer,
		payerPurse:   payerPurse,
		paymentPurse: paymentPurse,
		proposer:     proposer,
		accumulation: accumulation,
	}
}

func (f *fixture) deposit(t *testing.T, amount uint64) {
	t.Helper()
	require.NoError(t, f.mint.Mint(f.paymentPurse, uint256.NewInt(amount)))
}

func (f *fixture) balance(t *testing.T, purse types.URef) uint64 {
	t.Helper()
	balance, err := f.mint.ReadBalance(purse)
	require.NoError(t, err)
	return balance.Value().Uint64()
}

func TestFinalizePaymentPayToProposer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FeeHandling = config.FeePayToProposer
	f := newFixture(t, cfg)
	f.deposit(t, 1000)

	require.NoError(t, f.payments.FinalizePayment(types.NewMotes(300), f.payer, f.proposer))

	require.Equal(t, uint64(0), f.balance(t, f.paymentPurse))
	require.Equal(t, uint64(700), f.balance(t, f.payerPurse))
	require.Equal(t, uint64(300), f.balance(t, f.proposer))
}

func TestFinalizePaymentNoFeeRefundsEverything(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FeeHandling = config.FeeNoFee
	f := newFixture(t, cfg)
	f.deposit(t, 1000)

	require.NoError(t, f.payments.FinalizePayment(types.NewMotes(300), f.payer, f.proposer))

	require.Equal(t, uint64(0), f.balance(t, f.paymentPurse))
	require.Equal(t, uint64(1000), f.balance(t, f.payerPurse))
	require.Equal(t, uint64(0), f.balance(t, f.proposer))
}

func TestFinalizePaymentAccumulate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FeeHandling = config.FeeAccumulate
	f := newFixture(t, cfg)
	f.deposit(t, 1000)

	require.NoError(t, f.payments.FinalizePayment(types.NewMotes(300), f.payer, f.proposer))

	require.Equal(t, uint64(0), f.balance(t, f.paymentPurse))
	require.Equal(t, uint64(700), f.balance(t, f.payerPurse))
	require.Equal(t, uint64(300), f.balance(t, f.accumulation))
	require.Equal(t, uint64(0), f.balance(t, f.proposer))
}

func TestFinalizePaymentBurnReducesSupply(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.FeeHandling = config.FeeBurn
	f := newFixture(t, cfg)
	f.deposit(t, 1000)

	before, err := f.mint.TotalSupply()
	require.NoError(t, err)

	require.NoError(t, f.payments.FinalizePayment(types.NewMotes(300), f.payer, types.URef{}))

	require.Equal(t, uint64(0), f.balance(t, f.paymentPurse))
	require.Equal(t, uint64(700), f.balance(t, f.payerPurse))

	after, err := f.mint.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, uint64(300), before.Value().Uint64()-after.Value().Uint64())
}

func TestFinalizePaymentRejectsOverspend(t *testing.T) {
	f := newFixture(t, config.DefaultConfig())
	f.deposit(t, 100)
	err := f.payments.FinalizePayment(types.NewMotes(300), f.payer, f.proposer)
	require.ErrorIs(t, err, ErrInsufficientPayment)
}

func TestDistributeAccumulatedFees(t *testing.T) {
	admins := []crypto.AccountHash{{0x21}, {0x22}, {0x23}}
	cfg := config.DefaultConfig()
	cfg.FeeHandling = config.FeeAccumulate
	for _, admin := range admins {
		cfg.AdministrativeAccounts = append(cfg.AdministrativeAccounts, admin.String())
	}
	f := newFixture(t, cfg)

	adminPurses := make([]types.URef, 0, len(admins))
	for _, admin := range admins {
		purse, err := f.mint.CreatePurse()
		require.NoError(t, err)
		entityAddr := tracking.EntityAddrForAccount(admin)
		f.tc.Write(types.HashKey(entityAddr), types.NewEntityValue(&types.AddressableEntity{
			Kind:             types.EntityKindAccount,
			MainPurse:        purse,
			AssociatedKeys:   types.AssociatedKeys{admin: 1},
			ActionThresholds: types.ActionThresholds{Deployment: 1, KeyManagement: 1},
		}))
		f.tc.Write(types.AccountKey(admin), types.NewKeyRefValue(types.HashKey(entityAddr)))
		adminPurses = append(adminPurses, purse)
	}
	require.NoError(t, f.mint.Mint(f.accumulation, uint256.NewInt(100)))

	require.NoError(t, f.payments.DistributeAccumulatedFees())

	for _, purse := range adminPurses {
		require.Equal(t, uint64(33), f.balance(t, purse))
	}
	// The indivisible remainder stays put for the next round.
	require.Equal(t, uint64(1), f.balance(t, f.accumulation))
}

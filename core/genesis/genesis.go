// Package genesis installs the initial global state: system contracts,
// their registries and purses, the configured accounts, and the first
// validator snapshot.
package genesis

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
	"meridian/native/handlepayment"
	"meridian/native/mint"
)

var (
	ErrNoAccounts    = errors.New("genesis: at least one account required")
	ErrNoValidators  = errors.New("genesis: at least one staked account required")
	ErrDuplicateKey  = errors.New("genesis: duplicate account public key")
	errMissingAmount = errors.New("genesis: account balance and stake must be set")
)

// Account seeds one account at genesis. A positive stake makes it a
// genesis validator with its stake bonded and vesting-locked.
type Account struct {
	PublicKey      crypto.PublicKey
	Balance        *uint256.Int
	Stake          *uint256.Int
	DelegationRate uint8
}

// Request carries everything genesis needs beyond the engine config.
type Request struct {
	ProtocolVersion types.ProtocolVersion
	// ChainspecHash is the digest of the launch configuration, recorded in
	// the chainspec registry for auditability.
	ChainspecHash types.Digest
	// TimestampMillis anchors the vesting lock of genesis stakes.
	TimestampMillis uint64
	Accounts        []Account
}

func (r Request) validate() error {
	if len(r.Accounts) == 0 {
		return ErrNoAccounts
	}
	seen := make(map[crypto.AccountHash]struct{}, len(r.Accounts))
	staked := false
	for _, account := range r.Accounts {
		if account.Balance == nil || account.Stake == nil {
			return errMissingAmount
		}
		hash := account.PublicKey.AccountHash()
		if _, dup := seen[hash]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, account.PublicKey)
		}
		seen[hash] = struct{}{}
		if !account.Stake.IsZero() {
			staked = true
		}
	}
	if !staked {
		return ErrNoValidators
	}
	return nil
}

// SystemEntityAddr derives the stable address of a system contract entity.
func SystemEntityAddr(name string) types.HashAddr {
	return types.HashAddr(gethcrypto.Keccak256Hash([]byte("system-entity"), []byte(name)))
}

// SystemPackageAddr derives the package address of a system contract.
func SystemPackageAddr(name string) types.HashAddr {
	return types.HashAddr(gethcrypto.Keccak256Hash([]byte("system-package"), []byte(name)))
}

// Installer writes the genesis state into one tracking copy. The caller
// commits the resulting effects against the empty root.
type Installer struct {
	tc  *tracking.TrackingCopy
	cfg config.EngineConfig
	gen *crypto.AddressGenerator
}

func NewInstaller(tc *tracking.TrackingCopy, cfg config.EngineConfig) *Installer {
	return &Installer{
		tc:  tc,
		cfg: cfg,
		gen: crypto.NewAddressGenerator([]byte("genesis"), uint8(types.PhaseSystem)),
	}
}

// Run performs the installation. It is not idempotent: running it against
// a state that already holds a system registry is a caller bug and panics.
func (i *Installer) Run(req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if existing, err := i.tc.Read(types.SystemRegistryKey()); err == nil && existing != nil {
		panic("genesis: system registry already installed")
	}
	if err := i.installSystemContracts(); err != nil {
		return err
	}
	mintRuntime := mint.NewRuntime(i.tc, i.gen)
	if err := i.installAccounts(req, mintRuntime); err != nil {
		return err
	}
	if err := i.installInitialSnapshot(req); err != nil {
		return err
	}
	i.tc.Write(types.ChainspecRegistryKey(), types.NewChecksumRegistryValue(types.ChecksumRegistry{
		"chainspec_raw": req.ChainspecHash,
	}))
	return nil
}

func (i *Installer) installSystemContracts() error {
	registry := types.SystemRegistry{}
	for _, name := range []string{
		types.SystemContractMint,
		types.SystemContractHandlePayment,
		types.SystemContractAuction,
	} {
		entityAddr := SystemEntityAddr(name)
		packageAddr := SystemPackageAddr(name)
		mainPurse := types.URef(i.gen.NextAddress())
		i.tc.Write(types.BalanceKey(mainPurse), types.NewBalanceValue(uint256.NewInt(0)))
		i.tc.Write(types.HashKey(packageAddr), types.NewPackageValue(&types.Package{
			Entities: []types.HashAddr{entityAddr},
		}))
		i.tc.Write(types.HashKey(entityAddr), types.NewEntityValue(&types.AddressableEntity{
			Kind:        types.EntityKindSystem,
			PackageHash: packageAddr,
			MainPurse:   mainPurse,
			AssociatedKeys: types.AssociatedKeys{
				crypto.SystemAccountHash: 1,
			},
			ActionThresholds: types.ActionThresholds{Deployment: 1, KeyManagement: 1},
		}))
		registry[name] = entityAddr
	}
	i.tc.Write(types.SystemRegistryKey(), types.NewSystemRegistryValue(registry))

	// Mint: the supply register starts at zero; account funding mints into
	// it below.
	supplyURef := types.URef(i.gen.NextAddress())
	i.tc.WriteNamedKey(SystemEntityAddr(types.SystemContractMint), mint.TotalSupplyNamedKey, types.URefKey(supplyURef))
	i.tc.Write(types.URefKey(supplyURef), types.NewRawU256Value(uint256.NewInt(0)))

	// Handle payment: the payment purse, plus the accumulation purse when
	// fees accumulate.
	paymentPurse := types.URef(i.gen.NextAddress())
	i.tc.Write(types.BalanceKey(paymentPurse), types.NewBalanceValue(uint256.NewInt(0)))
	i.tc.WriteNamedKey(SystemEntityAddr(types.SystemContractHandlePayment), handlepayment.PaymentPurseNamedKey, types.URefKey(paymentPurse))
	if i.cfg.FeeHandling == config.FeeAccumulate {
		accumulationPurse := types.URef(i.gen.NextAddress())
		i.tc.Write(types.BalanceKey(accumulationPurse), types.NewBalanceValue(uint256.NewInt(0)))
		i.tc.WriteNamedKey(SystemEntityAddr(types.SystemContractHandlePayment), handlepayment.AccumulationPurseNamedKey, types.URefKey(accumulationPurse))
	}

	// Auction: the era register and an empty snapshot, filled in once
	// accounts exist.
	eraURef := types.URef(i.gen.NextAddress())
	i.tc.WriteNamedKey(SystemEntityAddr(types.SystemContractAuction), auction.EraIDNamedKey, types.URefKey(eraURef))
	i.tc.Write(types.URefKey(eraURef), types.NewRawU64Value(0))
	snapshotURef := types.URef(i.gen.NextAddress())
	i.tc.WriteNamedKey(SystemEntityAddr(types.SystemContractAuction), auction.SnapshotNamedKey, types.URefKey(snapshotURef))
	return nil
}

func (i *Installer) installAccounts(req Request, mintRuntime *mint.Runtime) error {
	lockedUntil := req.TimestampMillis + i.cfg.LockedFundsPeriodMillis
	for _, account := range req.Accounts {
		hash := account.PublicKey.AccountHash()
		mainPurse, err := mintRuntime.CreatePurse()
		if err != nil {
			return err
		}
		if !account.Balance.IsZero() {
			if err := mintRuntime.Mint(mainPurse, account.Balance); err != nil {
				return err
			}
		}
		entityAddr := tracking.EntityAddrForAccount(hash)
		packageAddr := tracking.PackageAddrForAccount(hash)
		i.tc.Write(types.HashKey(packageAddr), types.NewPackageValue(&types.Package{
			Entities: []types.HashAddr{entityAddr},
		}))
		i.tc.Write(types.HashKey(entityAddr), types.NewEntityValue(&types.AddressableEntity{
			Kind:        types.EntityKindAccount,
			PackageHash: packageAddr,
			MainPurse:   mainPurse,
			AssociatedKeys: types.AssociatedKeys{
				hash: 1,
			},
			ActionThresholds: types.ActionThresholds{Deployment: 1, KeyManagement: 1},
		}))
		i.tc.Write(types.AccountKey(hash), types.NewKeyRefValue(types.HashKey(entityAddr)))

		if account.Stake.IsZero() {
			continue
		}
		bondingPurse, err := mintRuntime.CreatePurse()
		if err != nil {
			return err
		}
		if err := mintRuntime.Mint(bondingPurse, account.Stake); err != nil {
			return err
		}
		i.tc.Write(types.ValidatorBidKey(hash), types.NewBidValue(&types.BidKind{
			ValidatorBid: &types.ValidatorBid{
				PublicKey:      account.PublicKey.Bytes(),
				BondingPurse:   bondingPurse,
				Staked:         new(uint256.Int).Set(account.Stake),
				DelegationRate: account.DelegationRate,
				LockedUntil:    lockedUntil,
			},
		}))
	}
	return nil
}

// installInitialSnapshot seeds the winner sets for eras zero through the
// auction delay with the genesis validators, so consensus has validators
// before the first auction runs.
func (i *Installer) installInitialSnapshot(req Request) error {
	entries := make([]auction.RecipientEntry, 0)
	for _, account := range req.Accounts {
		if account.Stake.IsZero() {
			continue
		}
		entries = append(entries, auction.RecipientEntry{
			PublicKey: account.PublicKey.Bytes(),
			Recipient: auction.SeigniorageRecipient{
				Stake:          new(uint256.Int).Set(account.Stake),
				DelegationRate: account.DelegationRate,
			},
		})
	}
	sort.Slice(entries, func(a, b int) bool {
		ta, tb := entries[a].Recipient.TotalStake(), entries[b].Recipient.TotalStake()
		if c := ta.Cmp(tb); c != 0 {
			return c > 0
		}
		return bytes.Compare(entries[a].PublicKey, entries[b].PublicKey) < 0
	})
	if uint32(len(entries)) > i.cfg.ValidatorSlots {
		entries = entries[:i.cfg.ValidatorSlots]
	}
	snapshot := &auction.Snapshot{}
	for era := types.EraID(0); era <= types.EraID(i.cfg.AuctionDelay); era++ {
		snapshot.Insert(era, append([]auction.RecipientEntry(nil), entries...))
	}
	key, err := i.snapshotKey()
	if err != nil {
		return err
	}
	encoded, err := auction.EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	i.tc.Write(key, types.NewRawValue(encoded))
	return nil
}

func (i *Installer) snapshotKey() (types.Key, error) {
	return i.tc.GetNamedKey(SystemEntityAddr(types.SystemContractAuction), auction.SnapshotNamedKey)
}

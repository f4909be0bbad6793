// Package config holds the engine's chain-level configuration. Values are
// consensus-critical: every node must run with the same configuration or
// state roots diverge.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"

	"meridian/crypto"
)

// FeeHandling selects what happens to transaction fees at finalization.
type FeeHandling uint8

const (
	// FeeNoFee refunds everything to the payer; fees are a hold, not a
	// charge.
	FeeNoFee FeeHandling = iota
	// FeePayToProposer pays consumed fees to the block proposer.
	FeePayToProposer
	// FeeAccumulate collects fees in a system purse for periodic
	// distribution to administrators.
	FeeAccumulate
	// FeeBurn destroys consumed fees, reducing total supply.
	FeeBurn
)

func (f FeeHandling) String() string {
	switch f {
	case FeeNoFee:
		return "no_fee"
	case FeePayToProposer:
		return "pay_to_proposer"
	case FeeAccumulate:
		return "accumulate"
	case FeeBurn:
		return "burn"
	default:
		return fmt.Sprintf("fee-handling(%d)", uint8(f))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (f *FeeHandling) UnmarshalText(text []byte) error {
	switch string(text) {
	case "no_fee":
		*f = FeeNoFee
	case "pay_to_proposer":
		*f = FeePayToProposer
	case "accumulate":
		*f = FeeAccumulate
	case "burn":
		*f = FeeBurn
	default:
		return fmt.Errorf("config: unknown fee handling %q", string(text))
	}
	return nil
}

func (f FeeHandling) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// EngineConfig parameterizes the state-transition engine.
type EngineConfig struct {
	// MaxPaymentCost is the collateral every non-transfer transaction must
	// be able to cover, in motes. Failed payment forces this charge.
	MaxPaymentCost uint64 `toml:"max_payment_cost"`
	// WasmlessTransferCost is the fixed gas cost of a native transfer.
	WasmlessTransferCost uint64 `toml:"wasmless_transfer_cost"`
	// AuctionEntryPointCost is the fixed gas cost of a native auction
	// session (add bid, delegate, and the rest).
	AuctionEntryPointCost uint64 `toml:"auction_entry_point_cost"`
	// MaxQueryDepth bounds named-key traversal in queries.
	MaxQueryDepth uint64 `toml:"max_query_depth"`
	// MaxRuntimeStackHeight bounds nested call frames during execution.
	MaxRuntimeStackHeight uint64 `toml:"max_runtime_stack_height"`

	FeeHandling FeeHandling `toml:"fee_handling"`
	// BalanceHoldIntervalMillis is how long a no-fee hold stays against the
	// payer's balance before the node releases it.
	BalanceHoldIntervalMillis uint64 `toml:"balance_hold_interval_millis"`
	// AdministrativeAccounts receive accumulated fees under the
	// accumulate fee mode, bech32-encoded.
	AdministrativeAccounts []string `toml:"administrative_accounts"`
	// AllowUnrestrictedTransfers gates native transfers between arbitrary
	// accounts. When false, an administrator must be on one end.
	AllowUnrestrictedTransfers bool `toml:"allow_unrestricted_transfers"`

	// ValidatorSlots is the number of winners per auction round.
	ValidatorSlots uint32 `toml:"validator_slots"`
	// AuctionDelay is the number of eras between winning the auction and
	// entering the validator set.
	AuctionDelay uint64 `toml:"auction_delay"`
	// LockedFundsPeriodMillis vests genesis validator stakes.
	LockedFundsPeriodMillis uint64 `toml:"locked_funds_period_millis"`
	// MinimumDelegationAmount floors delegations, in motes.
	MinimumDelegationAmount uint64 `toml:"minimum_delegation_amount"`
	// AllowAuctionBids gates public bidding; administrators can always bid.
	AllowAuctionBids bool `toml:"allow_auction_bids"`

	// PruneBatchSize is how many legacy era-info keys each block prunes
	// after an upgrade. Zero disables pruning.
	PruneBatchSize uint64 `toml:"prune_batch_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		MaxPaymentCost:             2_500_000_000,
		WasmlessTransferCost:       100_000_000,
		AuctionEntryPointCost:      1_000_000_000,
		MaxQueryDepth:              5,
		MaxRuntimeStackHeight:      12,
		FeeHandling:                FeePayToProposer,
		BalanceHoldIntervalMillis:  86_400_000,
		AllowUnrestrictedTransfers: true,
		ValidatorSlots:             100,
		AuctionDelay:               1,
		MinimumDelegationAmount:    500_000_000_000,
		AllowAuctionBids:           true,
		PruneBatchSize:             0,
	}
}

// Load reads an engine configuration from a TOML chainspec file.
func Load(path string) (EngineConfig, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, err
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working chain.
func (c EngineConfig) Validate() error {
	if c.MaxPaymentCost == 0 {
		return fmt.Errorf("config: max_payment_cost must be positive")
	}
	if c.WasmlessTransferCost == 0 {
		return fmt.Errorf("config: wasmless_transfer_cost must be positive")
	}
	if c.AuctionEntryPointCost == 0 {
		return fmt.Errorf("config: auction_entry_point_cost must be positive")
	}
	if c.MaxQueryDepth == 0 {
		return fmt.Errorf("config: max_query_depth must be positive")
	}
	if c.MaxRuntimeStackHeight == 0 {
		return fmt.Errorf("config: max_runtime_stack_height must be positive")
	}
	if c.FeeHandling > FeeBurn {
		return fmt.Errorf("config: unknown fee handling %d", c.FeeHandling)
	}
	if c.FeeHandling == FeeNoFee && c.BalanceHoldIntervalMillis == 0 {
		return fmt.Errorf("config: no-fee handling requires a balance hold interval")
	}
	if !c.AllowUnrestrictedTransfers && len(c.AdministrativeAccounts) == 0 {
		return fmt.Errorf("config: restricted transfers require administrative accounts")
	}
	if c.ValidatorSlots == 0 {
		return fmt.Errorf("config: validator_slots must be positive")
	}
	if c.FeeHandling == FeeAccumulate && len(c.AdministrativeAccounts) == 0 {
		return fmt.Errorf("config: accumulate fee handling requires administrative accounts")
	}
	for _, addr := range c.AdministrativeAccounts {
		if _, err := crypto.DecodeAccountHash(addr); err != nil {
			return fmt.Errorf("config: administrative account %q: %w", addr, err)
		}
	}
	return nil
}

// MaxPayment returns the collateral as a 256-bit amount.
func (c EngineConfig) MaxPayment() *uint256.Int {
	return uint256.NewInt(c.MaxPaymentCost)
}

// AdminHashes decodes the administrative account list. Validate has already
// checked the encoding.
func (c EngineConfig) AdminHashes() []crypto.AccountHash {
	out := make([]crypto.AccountHash, 0, len(c.AdministrativeAccounts))
	for _, addr := range c.AdministrativeAccounts {
		h, err := crypto.DecodeAccountHash(addr)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// IsAdministrator reports whether the account is in the administrative set.
func (c EngineConfig) IsAdministrator(h crypto.AccountHash) bool {
	for _, admin := range c.AdminHashes() {
		if admin == h {
			return true
		}
	}
	return false
}

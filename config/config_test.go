package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"meridian/crypto"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	admin := crypto.AccountHash{0x01}
	path := filepath.Join(t.TempDir(), "chainspec.toml")
	raw := `
fee_handling = "accumulate"
administrative_accounts = ["` + admin.String() + `"]
validator_slots = 7
auction_delay = 3
prune_batch_size = 16
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, FeeAccumulate, cfg.FeeHandling)
	require.Equal(t, uint32(7), cfg.ValidatorSlots)
	require.Equal(t, uint64(3), cfg.AuctionDelay)
	require.Equal(t, uint64(16), cfg.PruneBatchSize)
	// Untouched knobs keep their defaults.
	require.Equal(t, DefaultConfig().MaxPaymentCost, cfg.MaxPaymentCost)
	require.Equal(t, DefaultConfig().WasmlessTransferCost, cfg.WasmlessTransferCost)
}

func TestLoadRejectsBadFeeHandling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainspec.toml")
	require.NoError(t, os.WriteFile(path, []byte(`fee_handling = "bonfire"`), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero max payment", func(c *EngineConfig) { c.MaxPaymentCost = 0 }},
		{"zero transfer cost", func(c *EngineConfig) { c.WasmlessTransferCost = 0 }},
		{"zero auction cost", func(c *EngineConfig) { c.AuctionEntryPointCost = 0 }},
		{"zero query depth", func(c *EngineConfig) { c.MaxQueryDepth = 0 }},
		{"zero stack height", func(c *EngineConfig) { c.MaxRuntimeStackHeight = 0 }},
		{"zero validator slots", func(c *EngineConfig) { c.ValidatorSlots = 0 }},
		{"unknown fee handling", func(c *EngineConfig) { c.FeeHandling = FeeHandling(9) }},
		{"accumulate without admins", func(c *EngineConfig) { c.FeeHandling = FeeAccumulate }},
		{"bad admin address", func(c *EngineConfig) { c.AdministrativeAccounts = []string{"nonsense"} }},
		{"no-fee without hold interval", func(c *EngineConfig) {
			c.FeeHandling = FeeNoFee
			c.BalanceHoldIntervalMillis = 0
		}},
		{"restricted transfers without admins", func(c *EngineConfig) { c.AllowUnrestrictedTransfers = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFeeHandlingTextRoundTrip(t *testing.T) {
	for _, mode := range []FeeHandling{FeeNoFee, FeePayToProposer, FeeAccumulate, FeeBurn} {
		text, err := mode.MarshalText()
		require.NoError(t, err)
		var back FeeHandling
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, mode, back)
	}
	var f FeeHandling
	require.Error(t, f.UnmarshalText([]byte("bonfire")))
}

func TestIsAdministrator(t *testing.T) {
	admin := crypto.AccountHash{0xaa}
	other := crypto.AccountHash{0xbb}
	cfg := DefaultConfig()
	cfg.AdministrativeAccounts = []string{admin.String()}

	require.True(t, cfg.IsAdministrator(admin))
	require.False(t, cfg.IsAdministrator(other))
	require.Equal(t, []crypto.AccountHash{admin}, cfg.AdminHashes())
}

package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"meridian/config"
	"meridian/core"
	"meridian/core/genesis"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/observability/logging"
	"meridian/storage"
	"meridian/storage/globalstate"
)

// latestRootKey tracks the most recently committed post-state root.
var latestRootKey = []byte("engine:latest-root")

func main() {
	configFile := flag.String("config", "./chainspec.toml", "Path to the chainspec configuration file")
	dataDir := flag.String("data", "./data", "Path to the state database")
	genesisFile := flag.String("genesis", "", "Run genesis from the given accounts file")
	queryKey := flag.String("query", "", "Query a state key (hex) at the latest root")
	queryPath := flag.String("path", "", "Comma-separated named-key path for -query")
	balanceAddr := flag.String("balance", "", "Show the main-purse balance of an account (bech32)")
	keygenPath := flag.String("keygen", "", "Generate a validator key into the given keystore file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MERIDIAN_ENV"))
	logger := logging.Setup("meridian", env)

	if *keygenPath != "" {
		if err := runKeygen(*keygenPath); err != nil {
			logger.Error("keygen failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load chainspec", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(*dataDir)
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	state, err := globalstate.NewGlobalState(db)
	if err != nil {
		logger.Error("failed to initialize global state", slog.Any("error", err))
		os.Exit(1)
	}
	engine := core.NewEngineState(cfg, state, nil, logger)

	switch {
	case *genesisFile != "":
		err = runGenesis(engine, db, *genesisFile)
	case *queryKey != "":
		err = runQuery(engine, db, *queryKey, *queryPath)
	case *balanceAddr != "":
		err = runBalance(engine, db, *balanceAddr)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// genesisSpec is the on-disk genesis accounts file.
type genesisSpec struct {
	ProtocolVersion types.ProtocolVersion `json:"protocol_version"`
	ChainspecHash   string                `json:"chainspec_hash"`
	TimestampMillis uint64                `json:"timestamp_millis"`
	Accounts        []genesisAccount      `json:"accounts"`
}

type genesisAccount struct {
	PublicKey      string `json:"public_key"`
	Balance        string `json:"balance"`
	Stake          string `json:"stake"`
	DelegationRate uint8  `json:"delegation_rate"`
}

func runGenesis(engine *core.EngineState, db storage.Database, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var spec genesisSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("parse genesis file: %w", err)
	}
	req := genesis.Request{
		ProtocolVersion: spec.ProtocolVersion,
		ChainspecHash:   common.HexToHash(spec.ChainspecHash),
		TimestampMillis: spec.TimestampMillis,
	}
	for _, account := range spec.Accounts {
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(account.PublicKey, "0x"))
		if err != nil {
			return fmt.Errorf("account public key: %w", err)
		}
		publicKey, err := crypto.NewPublicKey(keyBytes)
		if err != nil {
			return err
		}
		balance, err := parseAmount(account.Balance)
		if err != nil {
			return fmt.Errorf("account balance: %w", err)
		}
		stake, err := parseAmount(account.Stake)
		if err != nil {
			return fmt.Errorf("account stake: %w", err)
		}
		req.Accounts = append(req.Accounts, genesis.Account{
			PublicKey:      publicKey,
			Balance:        balance,
			Stake:          stake,
			DelegationRate: account.DelegationRate,
		})
	}
	root, err := engine.CommitGenesis(req)
	if err != nil {
		return err
	}
	if err := db.Put(latestRootKey, root.Bytes()); err != nil {
		return err
	}
	fmt.Println(root.Hex())
	return nil
}

func runQuery(engine *core.EngineState, db storage.Database, keyHex, path string) error {
	root, err := latestRoot(db)
	if err != nil {
		return err
	}
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("query key: %w", err)
	}
	key, err := types.KeyFromBytes(keyBytes)
	if err != nil {
		return err
	}
	var names []string
	if path != "" {
		names = strings.Split(path, ",")
	}
	result, err := engine.QueryState(root, key, names)
	if err != nil {
		return err
	}
	if !result.Found() {
		return fmt.Errorf("key not found: missing %s", result.Missing)
	}
	fmt.Println(result.Value.Kind())
	return nil
}

func runBalance(engine *core.EngineState, db storage.Database, addr string) error {
	root, err := latestRoot(db)
	if err != nil {
		return err
	}
	hash, err := crypto.DecodeAccountHash(addr)
	if err != nil {
		return err
	}
	balance, err := engine.GetBalance(root, hash)
	if err != nil {
		return err
	}
	fmt.Println(balance.String())
	return nil
}

// runKeygen creates a fresh validator key, encrypts it into an Ethereum v3
// keystore file and prints the public identity. The passphrase comes from
// MERIDIAN_KEYSTORE_PASSPHRASE so it never lands in shell history.
func runKeygen(path string) error {
	passphrase := os.Getenv("MERIDIAN_KEYSTORE_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("MERIDIAN_KEYSTORE_PASSPHRASE is not set")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveOperatorKey(path, key, passphrase); err != nil {
		return err
	}
	publicKey := key.PubKey()
	fmt.Printf("public key:   %s\n", publicKey)
	fmt.Printf("account hash: %s\n", publicKey.AccountHash())
	return nil
}

func latestRoot(db storage.Database) (types.Digest, error) {
	raw, err := db.Get(latestRootKey)
	if err != nil {
		return types.Digest{}, fmt.Errorf("no committed state: %w", err)
	}
	return common.BytesToHash(raw), nil
}

func parseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	value, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, err
	}
	return value, nil
}

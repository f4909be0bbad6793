// Package core implements the deterministic state-transition engine: the
// per-transaction payment/session/finalization pipeline, the era-boundary
// step, and the block execution orchestrator that ties them to durable
// state.
package core

import (
	"fmt"
	"log/slog"
	"time"

	"meridian/config"
	"meridian/core/execution"
	"meridian/core/genesis"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
	"meridian/native/handlepayment"
	"meridian/native/mint"
	"meridian/observability"
	"meridian/storage/globalstate"
)

// EngineState is the engine facade. It is stateless between calls; every
// operation names the pre-state root it runs against and returns either a
// result with effects or a committed post-state root.
type EngineState struct {
	cfg      config.EngineConfig
	state    globalstate.Provider
	executor *execution.Executor
	log      *slog.Logger
	metrics  *observability.EngineMetrics
}

// NewEngineState builds an engine over the given state provider. loader may
// be nil when no bytecode lanes are served.
func NewEngineState(cfg config.EngineConfig, state globalstate.Provider, loader execution.Loader, log *slog.Logger) *EngineState {
	if log == nil {
		log = slog.Default()
	}
	return &EngineState{
		cfg:      cfg,
		state:    state,
		executor: execution.NewExecutor(cfg, loader),
		log:      log.With("component", "engine"),
		metrics:  observability.Engine(),
	}
}

// Config returns the engine's chainspec-derived configuration.
func (e *EngineState) Config() config.EngineConfig {
	return e.cfg
}

// trackingCopy checks out root and wraps it in a fresh tracking copy.
func (e *EngineState) trackingCopy(root types.Digest) (*tracking.TrackingCopy, error) {
	reader, err := e.state.Checkout(root)
	if err != nil {
		return nil, err
	}
	if reader == nil {
		return nil, globalstate.RootNotFoundError{Root: root}
	}
	return tracking.New(reader, e.cfg.MaxQueryDepth), nil
}

// CommitGenesis installs the system contracts, the configured accounts and
// the initial validator snapshot into an empty state, committing the result
// and returning the genesis post-state root.
func (e *EngineState) CommitGenesis(req genesis.Request) (types.Digest, error) {
	tc, err := e.trackingCopy(e.state.EmptyRoot())
	if err != nil {
		return types.Digest{}, err
	}
	if err := genesis.NewInstaller(tc, e.cfg).Run(req); err != nil {
		return types.Digest{}, err
	}
	root, err := e.state.Commit(e.state.EmptyRoot(), tc.Effects())
	if err != nil {
		return types.Digest{}, err
	}
	e.log.Info("genesis committed",
		"post_state_hash", root.Hex(),
		"accounts", len(req.Accounts),
		"protocol_version", req.ProtocolVersion.String())
	return root, nil
}

// QueryState resolves key under root and walks the named-key path from it.
func (e *EngineState) QueryState(root types.Digest, key types.Key, path []string) (tracking.QueryResult, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery(time.Since(start)) }()

	tc, err := e.trackingCopy(root)
	if err != nil {
		return tracking.QueryResult{}, err
	}
	return tc.Query(key, path)
}

// GetPurseBalance reads the balance of a purse at root.
func (e *EngineState) GetPurseBalance(root types.Digest, purse types.URef) (types.Motes, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return types.Motes{}, err
	}
	return tc.GetPurseBalance(purse)
}

// GetBalance reads the main-purse balance of an account at root.
func (e *EngineState) GetBalance(root types.Digest, account crypto.AccountHash) (types.Motes, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return types.Motes{}, err
	}
	entity, _, err := tc.GetEntityByAccountHash(account)
	if err != nil {
		return types.Motes{}, err
	}
	return tc.GetPurseBalance(entity.MainPurse)
}

// GetTotalSupply reads the mint's total supply register at root.
func (e *EngineState) GetTotalSupply(root types.Digest) (types.Motes, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return types.Motes{}, err
	}
	return mint.NewRuntime(tc, nil).TotalSupply()
}

// GetEraValidators derives the upcoming validator sets from the
// seigniorage snapshot at root.
func (e *EngineState) GetEraValidators(root types.Digest) ([]auction.EraValidatorSet, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return nil, err
	}
	return e.executor.Auction(tc, nil).EraValidators()
}

// GetBids lists every validator and delegator bid at root.
func (e *EngineState) GetBids(root types.Digest) ([]auction.BidRecord, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return nil, err
	}
	return e.executor.Auction(tc, nil).Bids()
}

// GetEraID reads the auction's current era register at root.
func (e *EngineState) GetEraID(root types.Digest) (types.EraID, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return 0, err
	}
	return e.executor.Auction(tc, nil).EraID()
}

// CommitPrune removes keys from the state at root and returns the new root.
func (e *EngineState) CommitPrune(root types.Digest, keys []types.Key) (types.Digest, error) {
	result, err := e.state.PruneKeys(root, keys)
	if err != nil {
		return types.Digest{}, err
	}
	switch result.Status {
	case globalstate.PruneStatusRootNotFound:
		return types.Digest{}, globalstate.RootNotFoundError{Root: root}
	case globalstate.PruneStatusDoesNotExist:
		return root, nil
	}
	return result.PostStateHash, nil
}

// ExecuteRequest is a batch of transactions to run against one root without
// committing anything.
type ExecuteRequest struct {
	PreStateHash types.Digest
	BlockTime    uint64
	Proposer     crypto.PublicKey
	Deploys      []types.DeployItem
}

// RunExecute runs every transaction in the request against its pre-state,
// returning one result per transaction in order. Nothing is committed; a
// missing pre-state root aborts the whole batch.
func (e *EngineState) RunExecute(req ExecuteRequest) ([]types.ExecutionResult, error) {
	results := make([]types.ExecutionResult, 0, len(req.Deploys))
	for _, item := range req.Deploys {
		result, err := e.Deploy(req.PreStateHash, req.BlockTime, req.Proposer, item)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

// CommitEffects applies an effect set on top of root and returns the new
// root.
func (e *EngineState) CommitEffects(root types.Digest, effects types.Effects) (types.Digest, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveCommit(time.Since(start)) }()
	return e.state.Commit(root, effects)
}

// GetSystemRegistry reads the system contract registry at root.
func (e *EngineState) GetSystemRegistry(root types.Digest) (types.SystemRegistry, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return nil, err
	}
	return tc.GetSystemRegistry()
}

// GetChecksumRegistry reads the checksum registry at root.
func (e *EngineState) GetChecksumRegistry(root types.Digest) (types.ChecksumRegistry, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return nil, err
	}
	return tc.GetChecksumRegistry()
}

// GetSystemMintHash resolves the mint's entity address at root.
func (e *EngineState) GetSystemMintHash(root types.Digest) (types.HashAddr, error) {
	return e.systemEntityAddr(root, types.SystemContractMint)
}

// GetSystemAuctionHash resolves the auction's entity address at root.
func (e *EngineState) GetSystemAuctionHash(root types.Digest) (types.HashAddr, error) {
	return e.systemEntityAddr(root, types.SystemContractAuction)
}

// GetHandlePaymentHash resolves handle-payment's entity address at root.
func (e *EngineState) GetHandlePaymentHash(root types.Digest) (types.HashAddr, error) {
	return e.systemEntityAddr(root, types.SystemContractHandlePayment)
}

func (e *EngineState) systemEntityAddr(root types.Digest, name string) (types.HashAddr, error) {
	tc, err := e.trackingCopy(root)
	if err != nil {
		return types.HashAddr{}, err
	}
	return tc.GetSystemEntityAddr(name)
}

// trieStore exposes the raw snapshot records when the backing provider is
// durable. A scratch overlay does not serve state sync.
func (e *EngineState) trieStore() (globalstate.TrieStore, error) {
	store, ok := e.state.(globalstate.TrieStore)
	if !ok {
		return nil, fmt.Errorf("core: state provider does not serve trie records")
	}
	return store, nil
}

// GetTrieFull fetches the raw snapshot record for a root, for state sync.
func (e *EngineState) GetTrieFull(root types.Digest) ([]byte, error) {
	store, err := e.trieStore()
	if err != nil {
		return nil, err
	}
	return store.GetTrieFull(root)
}

// PutTrie stores a synced snapshot record once all its children are
// present, returning the digest it landed under.
func (e *EngineState) PutTrie(record []byte) (types.Digest, error) {
	store, err := e.trieStore()
	if err != nil {
		return types.Digest{}, err
	}
	return store.PutTrieIfAllChildrenPresent(record)
}

// MissingTrieNodes lists the child digests a synced record still needs.
func (e *EngineState) MissingTrieNodes(record []byte) ([]types.Digest, error) {
	store, err := e.trieStore()
	if err != nil {
		return nil, err
	}
	return store.MissingChildren(record)
}

// rewardsPurse resolves where transaction fees go under the configured fee
// handling. A zero purse means fees are burned.
func (e *EngineState) rewardsPurse(tc *tracking.TrackingCopy, proposer *types.AddressableEntity) (types.URef, error) {
	switch e.cfg.FeeHandling {
	case config.FeeBurn:
		return types.URef{}, nil
	case config.FeeAccumulate:
		return e.accumulationPurse(tc)
	default:
		// NoFee still names the proposer purse; finalization computes a
		// zero fee and refunds everything.
		return proposer.MainPurse, nil
	}
}

func (e *EngineState) accumulationPurse(tc *tracking.TrackingCopy) (types.URef, error) {
	addr, err := tc.GetSystemEntityAddr(types.SystemContractHandlePayment)
	if err != nil {
		return types.URef{}, err
	}
	key, err := tc.GetNamedKey(addr, handlepayment.AccumulationPurseNamedKey)
	if err != nil {
		return types.URef{}, err
	}
	purse, ok := key.AsURef()
	if !ok {
		return types.URef{}, fmt.Errorf("core: accumulation purse named key is not a purse")
	}
	return purse, nil
}

func (e *EngineState) paymentPurse(tc *tracking.TrackingCopy) (types.URef, error) {
	result, err := e.executor.CallSystem(tc, nil, execution.GetPaymentPurseCall{})
	if err != nil {
		return types.URef{}, err
	}
	return result.Purse, nil
}

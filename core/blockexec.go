package core

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"meridian/config"
	"meridian/core/execution"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
	"meridian/observability"
	"meridian/storage/globalstate"
)

// EraReport closes an era: who equivocated, who went inactive, and what
// each validator earned. It rides on the last block of the era.
type EraReport struct {
	Equivocators       []crypto.PublicKey
	InactiveValidators []crypto.PublicKey
	Rewards            []auction.RewardItem
}

// ExecutableBlock is one finalized block handed down for execution.
type ExecutableBlock struct {
	Height          uint64
	EraID           types.EraID
	TimestampMillis uint64
	Proposer        crypto.PublicKey
	Deploys         []types.DeployItem
	// EraReport is non-nil on the era's last block.
	EraReport *EraReport
}

// BlockExecutionResult is everything execution produced for one block.
type BlockExecutionResult struct {
	PostStateHash            types.Digest
	Results                  []types.ExecutionResult
	ApprovalsChecksum        types.Digest
	ExecutionResultsChecksum types.Digest
	// UpcomingEraValidators is populated on era-end blocks.
	UpcomingEraValidators []auction.EraValidatorSet
}

// BlockExecutor drives whole blocks against durable state. Per-transaction
// commits land on a scratch overlay; the database sees exactly one write
// batch per block, after everything in it succeeded.
type BlockExecutor struct {
	cfg     config.EngineConfig
	durable *globalstate.GlobalState
	loader  execution.Loader
	log     *slog.Logger
	metrics *observability.EngineMetrics
}

// NewBlockExecutor builds a block executor over durable state.
func NewBlockExecutor(cfg config.EngineConfig, durable *globalstate.GlobalState, loader execution.Loader, log *slog.Logger) *BlockExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &BlockExecutor{
		cfg:     cfg,
		durable: durable,
		loader:  loader,
		log:     log.With("component", "block-executor"),
		metrics: observability.Engine(),
	}
}

// ExecuteBlock runs every transaction in the block, writes the checksum
// registry, closes the era when the block carries a report, prunes a batch
// of legacy era records, and flushes the accumulated state in one batch.
func (x *BlockExecutor) ExecuteBlock(preState types.Digest, block ExecutableBlock) (*BlockExecutionResult, error) {
	start := time.Now()
	scratch, err := x.durable.CreateScratch(preState)
	if err != nil {
		return nil, err
	}
	engine := NewEngineState(x.cfg, scratch, x.loader, x.log)

	root := preState
	results := make([]types.ExecutionResult, 0, len(block.Deploys))
	for _, item := range block.Deploys {
		result, err := engine.Deploy(root, block.TimestampMillis, block.Proposer, item)
		if err != nil {
			return nil, fmt.Errorf("core: deploy %s: %w", item.DeployHash, err)
		}
		if effects := result.Effects(); len(effects) > 0 {
			if root, err = scratch.Commit(root, effects); err != nil {
				return nil, err
			}
		}
		results = append(results, result)
	}

	approvals, err := approvalsChecksum(block.Deploys)
	if err != nil {
		return nil, err
	}
	execResults, err := resultsChecksum(results)
	if err != nil {
		return nil, err
	}
	if root, err = x.writeChecksumRegistry(engine, root, approvals, execResults); err != nil {
		return nil, err
	}

	var upcoming []auction.EraValidatorSet
	if block.EraReport != nil {
		if root, upcoming, err = x.closeEra(engine, root, block); err != nil {
			return nil, err
		}
	}

	if root, err = x.pruneLegacyEraInfo(engine, root); err != nil {
		return nil, err
	}

	flushed, err := x.durable.WriteScratchToDB(scratch)
	if err != nil {
		return nil, err
	}
	if flushed != root {
		return nil, fmt.Errorf("core: scratch flushed root %x, expected %x", flushed, root)
	}
	x.metrics.ObserveBlockExecution(time.Since(start), len(block.Deploys))
	x.log.Info("block executed",
		"height", block.Height,
		"era", uint64(block.EraID),
		"deploys", len(block.Deploys),
		"switch_block", block.EraReport != nil,
		"post_state_hash", root.Hex())
	return &BlockExecutionResult{
		PostStateHash:            root,
		Results:                  results,
		ApprovalsChecksum:        approvals,
		ExecutionResultsChecksum: execResults,
		UpcomingEraValidators:    upcoming,
	}, nil
}

// SpeculativeExecute runs one transaction against committed state without
// touching it.
func (x *BlockExecutor) SpeculativeExecute(preState types.Digest, blockTime uint64, proposer crypto.PublicKey, item types.DeployItem) (types.ExecutionResult, error) {
	engine := NewEngineState(x.cfg, x.durable, x.loader, x.log)
	return engine.SpeculativeExecute(preState, blockTime, proposer, item)
}

// closeEra settles fees, pays rewards and steps the auction, in that
// order: fees first so accumulated balances reach the administrators
// before slashing can touch anything, the step last so seized stakes never
// reach the next winner set.
func (x *BlockExecutor) closeEra(engine *EngineState, root types.Digest, block ExecutableBlock) (types.Digest, []auction.EraValidatorSet, error) {
	report := block.EraReport
	root, err := engine.DistributeAccumulatedFees(root)
	if err != nil {
		return types.Digest{}, nil, err
	}
	root, err = engine.DistributeBlockRewards(root, block.EraID, report.Rewards)
	if err != nil {
		return types.Digest{}, nil, err
	}
	step, err := engine.CommitStep(StepRequest{
		PreStateHash:          root,
		SlashItems:            report.Equivocators,
		EvictItems:            dedupValidators(report.InactiveValidators, report.Equivocators),
		EraEndTimestampMillis: block.TimestampMillis,
		NextEraID:             block.EraID + 1,
	})
	if err != nil {
		return types.Digest{}, nil, err
	}
	upcoming, err := engine.GetEraValidators(step.PostStateHash)
	if err != nil {
		return types.Digest{}, nil, err
	}
	return step.PostStateHash, upcoming, nil
}

// writeChecksumRegistry records both block checksums under the registry
// key.
func (x *BlockExecutor) writeChecksumRegistry(engine *EngineState, root types.Digest, approvals, execResults types.Digest) (types.Digest, error) {
	tc, err := engine.trackingCopy(root)
	if err != nil {
		return types.Digest{}, err
	}
	registry, err := tc.GetChecksumRegistry()
	if err != nil {
		return types.Digest{}, err
	}
	registry[types.ChecksumNameApprovals] = approvals
	registry[types.ChecksumNameExecutionResults] = execResults
	tc.Write(types.ChecksumRegistryKey(), types.NewChecksumRegistryValue(registry))
	return engine.state.Commit(root, tc.Effects())
}

// pruneLegacyEraInfo removes up to one batch of per-era records left over
// from before the stable era summary existed.
func (x *BlockExecutor) pruneLegacyEraInfo(engine *EngineState, root types.Digest) (types.Digest, error) {
	if x.cfg.PruneBatchSize == 0 {
		return root, nil
	}
	tc, err := engine.trackingCopy(root)
	if err != nil {
		return types.Digest{}, err
	}
	keys, err := tc.Keys(types.KeyTagEraInfo)
	if err != nil {
		return types.Digest{}, err
	}
	if len(keys) == 0 {
		return root, nil
	}
	if uint64(len(keys)) > x.cfg.PruneBatchSize {
		keys = keys[:x.cfg.PruneBatchSize]
	}
	return engine.CommitPrune(root, keys)
}

func dedupValidators(groups ...[]crypto.PublicKey) []crypto.PublicKey {
	seen := make(map[crypto.PublicKey]struct{})
	var out []crypto.PublicKey
	for _, group := range groups {
		for _, v := range group {
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

type approvalRecord struct {
	DeployHash types.DeployHash
	Approvals  []crypto.AccountHash
}

// approvalsChecksum digests who signed off on each transaction in the
// block, with approvals in canonical order so equal sets hash equally.
func approvalsChecksum(deploys []types.DeployItem) (types.Digest, error) {
	records := make([]approvalRecord, 0, len(deploys))
	for _, d := range deploys {
		approvals := append([]crypto.AccountHash(nil), d.AuthorizationKeys...)
		sort.Slice(approvals, func(i, j int) bool {
			return bytes.Compare(approvals[i].Bytes(), approvals[j].Bytes()) < 0
		})
		records = append(records, approvalRecord{DeployHash: d.DeployHash, Approvals: approvals})
	}
	raw, err := rlp.EncodeToBytes(records)
	if err != nil {
		return types.Digest{}, err
	}
	return types.Digest(blake3.Sum256(raw)), nil
}

type resultRecord struct {
	Failed  bool
	Message string
	Cost    *uint256.Int
}

// resultsChecksum digests the observable outcome of each transaction.
func resultsChecksum(results []types.ExecutionResult) (types.Digest, error) {
	records := make([]resultRecord, 0, len(results))
	for _, r := range results {
		record := resultRecord{Cost: r.Cost().Value()}
		if !r.IsSuccess() {
			record.Failed = true
			record.Message = r.Err().Error()
		}
		records = append(records, record)
	}
	raw, err := rlp.EncodeToBytes(records)
	if err != nil {
		return types.Digest{}, err
	}
	return types.Digest(blake3.Sum256(raw)), nil
}

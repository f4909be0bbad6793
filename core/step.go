package core

import (
	"meridian/config"
	"meridian/core/execution"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
)

// StepRequest closes an era: equivocators are slashed, evicted validators
// deactivated, and the auction rotates the winner snapshot forward.
type StepRequest struct {
	PreStateHash          types.Digest
	ProtocolVersion       types.ProtocolVersion
	SlashItems            []crypto.PublicKey
	EvictItems            []crypto.PublicKey
	EraEndTimestampMillis uint64
	NextEraID             types.EraID
}

// StepSuccess is the committed outcome of an era-boundary step.
type StepSuccess struct {
	PostStateHash types.Digest
	Effects       types.Effects
}

// CommitStep runs slashing and the auction at an era boundary and commits
// the outcome. Slashing always precedes the auction so seized stakes never
// count toward the next winner set.
func (e *EngineState) CommitStep(req StepRequest) (StepSuccess, error) {
	tc, err := e.trackingCopy(req.PreStateHash)
	if err != nil {
		return StepSuccess{}, err
	}
	gen := crypto.NewAddressGenerator(req.PreStateHash.Bytes(), uint8(types.PhaseSystem))

	if len(req.SlashItems) > 0 {
		if _, err := e.executor.CallSystem(tc, gen, execution.SlashCall{Validators: req.SlashItems}); err != nil {
			return StepSuccess{}, err
		}
	}
	if _, err := e.executor.CallSystem(tc, gen, execution.RunAuctionCall{Evicted: req.EvictItems}); err != nil {
		return StepSuccess{}, err
	}

	effects := tc.Effects()
	root, err := e.state.Commit(req.PreStateHash, effects)
	if err != nil {
		return StepSuccess{}, err
	}
	e.metrics.IncEraTransition()
	e.log.Info("era step committed",
		"next_era", uint64(req.NextEraID),
		"slashed", len(req.SlashItems),
		"evicted", len(req.EvictItems),
		"post_state_hash", root.Hex())
	return StepSuccess{PostStateHash: root, Effects: effects}, nil
}

// DistributeBlockRewards mints the era's seigniorage into the bonded
// stakes and commits the payouts.
func (e *EngineState) DistributeBlockRewards(prestate types.Digest, era types.EraID, rewards []auction.RewardItem) (types.Digest, error) {
	if len(rewards) == 0 {
		return prestate, nil
	}
	tc, err := e.trackingCopy(prestate)
	if err != nil {
		return types.Digest{}, err
	}
	gen := crypto.NewAddressGenerator(prestate.Bytes(), uint8(types.PhaseSystem))
	call := execution.DistributeRewardsCall{Era: era, Rewards: rewards}
	if _, err := e.executor.CallSystem(tc, gen, call); err != nil {
		return types.Digest{}, err
	}
	return e.state.Commit(prestate, tc.Effects())
}

// DistributeAccumulatedFees splits the accumulation purse among the
// administrative accounts and commits the result. It is a no-op under any
// other fee handling.
func (e *EngineState) DistributeAccumulatedFees(prestate types.Digest) (types.Digest, error) {
	if e.cfg.FeeHandling != config.FeeAccumulate {
		return prestate, nil
	}
	tc, err := e.trackingCopy(prestate)
	if err != nil {
		return types.Digest{}, err
	}
	gen := crypto.NewAddressGenerator(prestate.Bytes(), uint8(types.PhaseSystem))
	if _, err := e.executor.CallSystem(tc, gen, execution.DistributeAccumulatedFeesCall{}); err != nil {
		return types.Digest{}, err
	}
	return e.state.Commit(prestate, tc.Effects())
}

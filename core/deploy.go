package core

import (
	"fmt"

	"meridian/core/execution"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/mint"
)

// Deploy executes one transaction against prestate and returns its result
// without committing anything. The caller decides which effects to persist.
//
// The pipeline has three stages. Payment runs first and must leave the
// payment purse holding at least the collateral; otherwise the sender is
// force-charged the penalty and the session never runs. The session runs on
// a fork so its writes vanish on failure. Finalization settles the payment
// purse and writes the receipt, and runs win or lose.
func (e *EngineState) Deploy(prestate types.Digest, blockTime uint64, proposer crypto.PublicKey, item types.DeployItem) (types.ExecutionResult, error) {
	if err := item.Validate(); err != nil {
		return types.PreconditionFailureResult(err), nil
	}
	if item.Session.Kind == types.ExecutableTransfer {
		return e.transfer(prestate, proposer, item)
	}

	tc, err := e.trackingCopy(prestate)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	entity, entityAddr, err := tc.GetEntityByAccountHash(item.Address)
	if err != nil {
		return types.PreconditionFailureResult(err), nil
	}
	if !entity.CanDeployWith(item.AuthorizationKeys) {
		return types.PreconditionFailureResult(ErrAuthorizationFailure), nil
	}
	proposerEntity, _, err := tc.GetEntityByAccountHash(proposer.AccountHash())
	if err != nil {
		return types.ExecutionResult{}, fmt.Errorf("core: proposer account: %w", err)
	}
	rewardsTarget, err := e.rewardsPurse(tc, proposerEntity)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	paymentPurse, err := e.paymentPurse(tc)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	collateral := types.MotesFromValue(e.cfg.MaxPayment())
	penaltyGas, err := types.GasFromMotes(collateral, item.GasPrice)
	if err != nil {
		return types.PreconditionFailureResult(err), nil
	}

	// The direct stored-contract lane with custom payment cannot even
	// establish a payment context; charge the penalty up front.
	if !item.Session.IsAccountSession() && !item.Payment.IsStandardPayment() {
		return e.forcedCharge(tc, ErrDirectContractUnsupported, entity, penaltyGas, rewardsTarget, item)
	}

	gen := crypto.NewAddressGenerator(item.DeployHash.Bytes(), uint8(types.PhasePayment))
	paymentResult := e.runPayment(tc, entity, entityAddr, paymentPurse, gen, blockTime, penaltyGas, item)
	paymentResult = paymentResult.WithEffects(tc.Effects())

	purseBalance, err := tc.GetPurseBalance(paymentPurse)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	if reason := paymentResult.CheckForcedTransfer(purseBalance, collateral); reason != 0 {
		if reason == types.ForcedTransferPaymentFailure && !execution.ShouldCharge(paymentResult.Err()) {
			return types.PreconditionFailureResult(paymentResult.Err()), nil
		}
		cause := paymentResult.Err()
		if cause == nil {
			cause = fmt.Errorf("core: payment deposited %s, collateral is %s", purseBalance, collateral)
		}
		// The forced charge is built against the pre-payment state; the
		// payment stage's own writes are discarded.
		base, err := e.trackingCopy(prestate)
		if err != nil {
			return types.ExecutionResult{}, err
		}
		baseEntity, _, err := base.GetEntityByAccountHash(item.Address)
		if err != nil {
			return types.PreconditionFailureResult(err), nil
		}
		return e.forcedCharge(base, cause, baseEntity, penaltyGas, rewardsTarget, item)
	}

	// Session gas is bounded by what the payment purse can actually fund
	// beyond what payment already consumed.
	holdGas, err := types.GasFromMotes(purseBalance, item.GasPrice)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	sessionGasLimit, err := holdGas.Sub(paymentResult.Cost())
	if err != nil {
		sessionGasLimit = types.NewGas(0)
	}

	sessionTC := tc.Fork()
	sessionResult := e.runSession(sessionTC, entity, entityAddr, blockTime, sessionGasLimit, item)
	if sessionResult.IsSuccess() {
		sessionResult = sessionResult.WithEffects(sessionTC.Effects())
	} else {
		// A reverted session keeps its cost; its writes are discarded
		// wholesale.
		sessionResult = sessionResult.WithEffects(nil)
	}

	postSession := tc
	if sessionResult.IsSuccess() {
		postSession = sessionTC
	}
	return e.finalize(postSession, entity.MainPurse, paymentResult, sessionResult, rewardsTarget, item)
}

// SpeculativeExecute runs a transaction for inspection. It is Deploy by
// another name; nothing is committed either way.
func (e *EngineState) SpeculativeExecute(prestate types.Digest, blockTime uint64, proposer crypto.PublicKey, item types.DeployItem) (types.ExecutionResult, error) {
	return e.Deploy(prestate, blockTime, proposer, item)
}

// runPayment executes the payment stage on tc and returns its result
// without effects attached; the caller snapshots the journal.
func (e *EngineState) runPayment(
	tc *tracking.TrackingCopy,
	entity *types.AddressableEntity,
	entityAddr types.HashAddr,
	paymentPurse types.URef,
	gen *crypto.AddressGenerator,
	blockTime uint64,
	paymentGasLimit types.Gas,
	item types.DeployItem,
) types.ExecutionResult {
	if item.Payment.IsStandardPayment() {
		if item.Payment.Amount == nil || item.Payment.Amount.IsZero() {
			return types.FailureResult(execution.UserError{Err: ErrMissingPaymentAmount}, types.NewGas(0), nil)
		}
		call := execution.TransferCall{
			Source: entity.MainPurse,
			Target: paymentPurse,
			Amount: item.Payment.Amount,
		}
		if _, err := e.executor.CallSystem(tc, gen, call); err != nil {
			return types.FailureResult(execution.UserError{Err: err}, types.NewGas(0), nil)
		}
		return types.SuccessResult(types.NewGas(0), nil)
	}
	ctx := execution.Context{
		TC:            tc,
		Entity:        entity,
		EntityAddr:    entityAddr,
		Authorization: item.AuthorizationKeys,
		DeployHash:    item.DeployHash,
		BlockTime:     blockTime,
		GasLimit:      paymentGasLimit,
		Phase:         types.PhasePayment,
		Gen:           gen,
		Stack:         execution.NewRuntimeStack(e.cfg.MaxRuntimeStackHeight),
	}
	return e.executor.ExecModule(item.Payment, ctx)
}

// runSession executes the session stage on its fork.
func (e *EngineState) runSession(
	tc *tracking.TrackingCopy,
	entity *types.AddressableEntity,
	entityAddr types.HashAddr,
	blockTime uint64,
	gasLimit types.Gas,
	item types.DeployItem,
) types.ExecutionResult {
	gen := crypto.NewAddressGenerator(item.DeployHash.Bytes(), uint8(types.PhaseSession))
	switch item.Session.Kind {
	case types.ExecutableStoredContract:
		return types.FailureResult(execution.UserError{Err: ErrDirectContractUnsupported}, types.NewGas(0), nil)
	case types.ExecutableAuction:
		return e.runBidding(tc, entity, gen, blockTime, gasLimit, item)
	default:
		ctx := execution.Context{
			TC:            tc,
			Entity:        entity,
			EntityAddr:    entityAddr,
			Authorization: item.AuthorizationKeys,
			DeployHash:    item.DeployHash,
			BlockTime:     blockTime,
			GasLimit:      gasLimit,
			Phase:         types.PhaseSession,
			Gen:           gen,
			Stack:         execution.NewRuntimeStack(e.cfg.MaxRuntimeStackHeight),
		}
		return e.executor.ExecModule(item.Session, ctx)
	}
}

// finalize writes the receipt, settles the payment purse and assembles the
// final result. It runs on a fork of whichever stage state survived.
func (e *EngineState) finalize(
	postSession *tracking.TrackingCopy,
	sourcePurse types.URef,
	paymentResult, sessionResult types.ExecutionResult,
	rewardsTarget types.URef,
	item types.DeployItem,
) (types.ExecutionResult, error) {
	builder := types.NewExecutionResultBuilder().
		SetPayment(paymentResult).
		SetSession(sessionResult)

	totalCost, err := builder.TotalCost()
	if err != nil {
		return types.ExecutionResult{}, err
	}
	amountSpent, err := totalCost.ToMotes(item.GasPrice)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	finalizeTC := postSession.Fork()
	writeDeployInfo(finalizeTC, item, sourcePurse, amountSpent, sessionResult.Transfers())

	gen := crypto.NewAddressGenerator(item.DeployHash.Bytes(), uint8(types.PhaseFinalize))
	call := execution.FinalizePaymentCall{
		AmountSpent: amountSpent,
		Payer:       item.Address,
		Target:      rewardsTarget,
	}
	var finalizeResult types.ExecutionResult
	if _, err := e.executor.CallSystem(finalizeTC, gen, call); err != nil {
		finalizeResult = types.FailureResult(err, types.NewGas(0), nil)
	} else {
		finalizeResult = types.SuccessResult(types.NewGas(0), finalizeTC.Effects())
	}
	result, err := builder.SetFinalize(finalizeResult).Build()
	if err != nil {
		return types.ExecutionResult{}, err
	}
	e.observeResult(result)
	return result, nil
}

// forcedCharge debits the penalty from the sender's main purse with no
// session execution. Under burn fee handling the penalty leaves the supply;
// otherwise it lands on the rewards purse. An account that cannot cover the
// penalty fails the precondition instead.
func (e *EngineState) forcedCharge(
	tc *tracking.TrackingCopy,
	cause error,
	entity *types.AddressableEntity,
	penaltyGas types.Gas,
	rewardsTarget types.URef,
	item types.DeployItem,
) (types.ExecutionResult, error) {
	penalty, err := penaltyGas.ToMotes(item.GasPrice)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	if rewardsTarget.IsZero() {
		fork := tc.Fork()
		if err := mint.NewRuntime(fork, nil).Burn(entity.MainPurse, penalty.Value()); err != nil {
			return types.PreconditionFailureResult(fmt.Errorf("%w: %v", types.ErrInsufficientAccountBalance, err)), nil
		}
		writeDeployInfo(fork, item, entity.MainPurse, penalty, nil)
		result := types.FailureResult(cause, penaltyGas, fork.Effects())
		e.observeResult(result)
		return result, nil
	}

	balance, err := tc.GetPurseBalance(entity.MainPurse)
	if err != nil {
		return types.PreconditionFailureResult(err), nil
	}
	result, err := types.NewPaymentCodeError(
		cause,
		penalty,
		balance,
		penaltyGas,
		types.BalanceKey(entity.MainPurse),
		types.BalanceKey(rewardsTarget),
	)
	if err != nil {
		return types.PreconditionFailureResult(err), nil
	}
	info := &types.DeployInfo{
		DeployHash: item.DeployHash,
		From:       item.Address,
		Source:     entity.MainPurse,
		Cost:       penalty.Value(),
	}
	effects := result.Effects().Append(types.Effects{{
		Key:   types.DeployInfoKey(item.DeployHash),
		Kind:  types.TransformWrite,
		Value: types.NewDeployInfoValue(info),
	}})
	result = result.WithEffects(effects)
	e.observeResult(result)
	return result, nil
}

// writeDeployInfo records the receipt for item under its deploy-info key.
func writeDeployInfo(tc *tracking.TrackingCopy, item types.DeployItem, source types.URef, cost types.Motes, transfers []types.TransferRecord) {
	info := &types.DeployInfo{
		DeployHash: item.DeployHash,
		From:       item.Address,
		Source:     source,
		Cost:       cost.Value(),
	}
	for _, t := range transfers {
		info.Transfers = append(info.Transfers, t.Target)
	}
	tc.Write(types.DeployInfoKey(item.DeployHash), types.NewDeployInfoValue(info))
}

func (e *EngineState) observeResult(result types.ExecutionResult) {
	outcome := "success"
	if !result.IsSuccess() {
		outcome = "failure"
		e.log.Debug("transaction failed", "error", result.Err(), "cost", result.Cost().String())
	}
	e.metrics.IncTransaction(outcome)
}

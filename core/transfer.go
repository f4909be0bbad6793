package core

import (
	"errors"
	"fmt"

	"meridian/core/execution"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/mint"
)

// transfer runs the wasmless transfer lane: a fixed-cost native purse move
// with no bytecode anywhere near it. The fee is charged at gas price one
// regardless of what the deploy asked for, and the collateral rule does not
// apply; the only payment is the fixed fee itself.
func (e *EngineState) transfer(prestate types.Digest, proposer crypto.PublicKey, item types.DeployItem) (types.ExecutionResult, error) {
	item.GasPrice = 1

	tc, err := e.trackingCopy(prestate)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	entity, _, err := tc.GetEntityByAccountHash(item.Address)
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

	args := item.Session.Transfer
	if !e.cfg.AllowUnrestrictedTransfers && !e.transferInvolvesAdmin(item.Address, args.Target) {
		return types.PreconditionFailureResult(ErrDisabledUnrestrictedTransfers), nil
	}
	source := entity.MainPurse
	if args.Source != nil {
		if *args.Source != entity.MainPurse {
			return types.PreconditionFailureResult(ErrInvalidSourcePurse), nil
		}
		source = *args.Source
	}

	// Payment: the fixed fee moves into the payment purse. An account that
	// cannot cover it has nothing to charge.
	fee := types.NewMotes(e.cfg.WasmlessTransferCost)
	gen := crypto.NewAddressGenerator(item.DeployHash.Bytes(), uint8(types.PhasePayment))
	call := execution.TransferCall{Source: source, Target: paymentPurse, Amount: fee.Value()}
	if _, err := e.executor.CallSystem(tc, gen, call); err != nil {
		return types.PreconditionFailureResult(err), nil
	}
	paymentResult := types.SuccessResult(types.NewGas(e.cfg.WasmlessTransferCost), tc.Effects())

	sessionTC := tc.Fork()
	sessionGen := crypto.NewAddressGenerator(item.DeployHash.Bytes(), uint8(types.PhaseSession))
	sessionResult := e.runTransferSession(sessionTC, source, sessionGen, item)
	if sessionResult.IsSuccess() {
		sessionResult = sessionResult.WithEffects(sessionTC.Effects())
	}

	postSession := tc
	if sessionResult.IsSuccess() {
		postSession = sessionTC
	}
	return e.finalize(postSession, source, paymentResult, sessionResult, rewardsTarget, item)
}

// transferInvolvesAdmin reports whether the sender or the named target is
// an administrator. A raw purse target cannot be attributed to an account,
// so it only passes when the sender is an administrator.
func (e *EngineState) transferInvolvesAdmin(sender crypto.AccountHash, target types.TransferTarget) bool {
	if e.cfg.IsAdministrator(sender) {
		return true
	}
	switch {
	case target.AccountHash != nil:
		return e.cfg.IsAdministrator(*target.AccountHash)
	case target.PublicKey != nil:
		return e.cfg.IsAdministrator(target.PublicKey.AccountHash())
	default:
		return false
	}
}

// runTransferSession moves the amount and records the audit trail. The
// session itself is free; the fee was the payment stage.
func (e *EngineState) runTransferSession(
	tc *tracking.TrackingCopy,
	source types.URef,
	gen *crypto.AddressGenerator,
	item types.DeployItem,
) types.ExecutionResult {
	args := item.Session.Transfer

	targetPurse, targetAccount, err := e.resolveTransferTarget(tc, gen, args.Target)
	if err != nil {
		return types.FailureResult(execution.UserError{Err: err}, types.NewGas(0), nil)
	}
	if err := mint.NewRuntime(tc, gen).Transfer(source, targetPurse, args.Amount); err != nil {
		return types.FailureResult(execution.UserError{Err: err}, types.NewGas(0), nil)
	}
	record := types.TransferRecord{
		DeployHash: item.DeployHash,
		From:       item.Address,
		To:         targetAccount,
		Source:     source,
		Target:     targetPurse,
		Amount:     args.Amount,
		ID:         args.ID,
	}
	return types.SuccessResult(types.NewGas(0), nil).WithTransfers([]types.TransferRecord{record})
}

// resolveTransferTarget turns a transfer target into a concrete purse,
// creating a fresh account for hashes that have never been seen.
func (e *EngineState) resolveTransferTarget(
	tc *tracking.TrackingCopy,
	gen *crypto.AddressGenerator,
	target types.TransferTarget,
) (types.URef, *crypto.AccountHash, error) {
	if target.URef != nil {
		return *target.URef, nil, nil
	}
	var hash crypto.AccountHash
	switch {
	case target.AccountHash != nil:
		hash = *target.AccountHash
	case target.PublicKey != nil:
		hash = target.PublicKey.AccountHash()
	default:
		return types.URef{}, nil, errors.New("core: transfer target is empty")
	}

	entity, _, err := tc.GetEntityByAccountHash(hash)
	if err == nil {
		return entity.MainPurse, &hash, nil
	}
	var notFound tracking.AccountNotFoundError
	if !errors.As(err, &notFound) {
		return types.URef{}, nil, err
	}
	purse, err := e.createAccount(tc, gen, hash)
	if err != nil {
		return types.URef{}, nil, err
	}
	return purse, &hash, nil
}

// createAccount installs a minimal single-key account and returns its main
// purse.
func (e *EngineState) createAccount(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator, hash crypto.AccountHash) (types.URef, error) {
	purse, err := mint.NewRuntime(tc, gen).CreatePurse()
	if err != nil {
		return types.URef{}, err
	}
	entityAddr := tracking.EntityAddrForAccount(hash)
	packageAddr := tracking.PackageAddrForAccount(hash)
	tc.Write(types.HashKey(packageAddr), types.NewPackageValue(&types.Package{
		Entities: []types.HashAddr{entityAddr},
	}))
	tc.Write(types.HashKey(entityAddr), types.NewEntityValue(&types.AddressableEntity{
		Kind:        types.EntityKindAccount,
		PackageHash: packageAddr,
		MainPurse:   purse,
		AssociatedKeys: types.AssociatedKeys{
			hash: 1,
		},
		ActionThresholds: types.ActionThresholds{Deployment: 1, KeyManagement: 1},
	}))
	tc.Write(types.AccountKey(hash), types.NewKeyRefValue(types.HashKey(entityAddr)))
	return purse, nil
}

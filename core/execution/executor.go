// Package execution hosts the executor: the single dispatch point through
// which payment code, session code and system contracts run. All state
// access flows through the tracking copy handed to each call.
package execution

import (
	"fmt"

	"github.com/holiman/uint256"

	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/auction"
	"meridian/native/handlepayment"
	"meridian/native/mint"
)

// SystemCall is the sealed set of native operations the engine can invoke.
// Adding a variant without teaching the executor about it panics at
// dispatch, never silently no-ops.
type SystemCall interface {
	isSystemCall()
}

// CreatePurseCall mints a fresh empty purse.
type CreatePurseCall struct{}

// GetPaymentPurseCall resolves the payment purse.
type GetPaymentPurseCall struct{}

// TransferCall moves motes between two existing purses.
type TransferCall struct {
	Source types.URef
	Target types.URef
	Amount *uint256.Int
}

// FinalizePaymentCall settles the payment purse after a transaction.
type FinalizePaymentCall struct {
	AmountSpent types.Motes
	Payer       crypto.AccountHash
	Target      types.URef
}

// DistributeAccumulatedFeesCall splits accumulated fees among admins.
type DistributeAccumulatedFeesCall struct{}

// DistributeRewardsCall pays era seigniorage into bonded stakes.
type DistributeRewardsCall struct {
	Era     types.EraID
	Rewards []auction.RewardItem
}

// SlashCall seizes the stakes of equivocating validators.
type SlashCall struct {
	Validators []crypto.PublicKey
}

// RunAuctionCall closes the era and rotates the winner snapshot.
type RunAuctionCall struct {
	Evicted []crypto.PublicKey
}

func (CreatePurseCall) isSystemCall()               {}
func (GetPaymentPurseCall) isSystemCall()           {}
func (TransferCall) isSystemCall()                  {}
func (FinalizePaymentCall) isSystemCall()           {}
func (DistributeAccumulatedFeesCall) isSystemCall() {}
func (DistributeRewardsCall) isSystemCall()         {}
func (SlashCall) isSystemCall()                     {}
func (RunAuctionCall) isSystemCall()                {}

// SystemCallResult carries the return value of calls that produce one.
type SystemCallResult struct {
	Purse types.URef
}

// Executor dispatches execution lanes. It holds no state of its own; every
// call operates on the tracking copy it is given.
type Executor struct {
	cfg    config.EngineConfig
	loader Loader
}

// NewExecutor builds an executor. loader may be nil, in which case bytecode
// lanes fail with ErrNoVM.
func NewExecutor(cfg config.EngineConfig, loader Loader) *Executor {
	return &Executor{cfg: cfg, loader: loader}
}

// CallSystem runs one native operation. System calls are not gas-metered;
// they run during system phases or on the engine's own behalf.
func (e *Executor) CallSystem(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator, call SystemCall) (SystemCallResult, error) {
	mintRuntime := mint.NewRuntime(tc, gen)
	switch c := call.(type) {
	case CreatePurseCall:
		purse, err := mintRuntime.CreatePurse()
		return SystemCallResult{Purse: purse}, err
	case GetPaymentPurseCall:
		payments := handlepayment.NewRuntime(tc, mintRuntime, e.cfg)
		purse, err := payments.PaymentPurse()
		return SystemCallResult{Purse: purse}, err
	case TransferCall:
		return SystemCallResult{}, mintRuntime.Transfer(c.Source, c.Target, c.Amount)
	case FinalizePaymentCall:
		payments := handlepayment.NewRuntime(tc, mintRuntime, e.cfg)
		return SystemCallResult{}, payments.FinalizePayment(c.AmountSpent, c.Payer, c.Target)
	case DistributeAccumulatedFeesCall:
		payments := handlepayment.NewRuntime(tc, mintRuntime, e.cfg)
		return SystemCallResult{}, payments.DistributeAccumulatedFees()
	case DistributeRewardsCall:
		auctionRuntime := auction.NewRuntime(tc, mintRuntime, e.cfg)
		return SystemCallResult{}, auctionRuntime.DistributeRewards(c.Era, c.Rewards)
	case SlashCall:
		auctionRuntime := auction.NewRuntime(tc, mintRuntime, e.cfg)
		return SystemCallResult{}, auctionRuntime.Slash(c.Validators)
	case RunAuctionCall:
		auctionRuntime := auction.NewRuntime(tc, mintRuntime, e.cfg)
		return SystemCallResult{}, auctionRuntime.RunAuction(c.Evicted)
	default:
		panic(fmt.Sprintf("execution: unhandled system call %T", call))
	}
}

// Auction returns an auction runtime bound to tc, for session-lane bidding
// and read-only queries.
func (e *Executor) Auction(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator) *auction.Runtime {
	return auction.NewRuntime(tc, mint.NewRuntime(tc, gen), e.cfg)
}

// ExecModule runs a bytecode item to completion against ctx.TC. The
// returned result carries the consumed gas but no effects; the pipeline
// extracts effects from the tracking copy it supplied.
func (e *Executor) ExecModule(item types.ExecutableItem, ctx Context) types.ExecutionResult {
	if e.loader == nil {
		return types.FailureResult(ErrNoVM, types.NewGas(0), nil)
	}
	mod, err := e.loader.Load(item.Module)
	if err != nil {
		// Malformed bytecode is the sender's fault; the failure is charged.
		return types.FailureResult(UserError{Err: err}, types.NewGas(0), nil)
	}
	if err := ctx.Stack.Push(ctx.EntityAddr); err != nil {
		return types.FailureResult(err, types.NewGas(0), nil)
	}
	defer ctx.Stack.Pop()

	ctx.EntryPoint = item.EntryPoint
	ctx.Args = item.Args
	outcome := mod.Execute(ctx)
	consumed := outcome.Consumed
	if consumed.Cmp(ctx.GasLimit) > 0 {
		return types.FailureResult(ErrGasLimit, ctx.GasLimit, nil)
	}
	if outcome.Err != nil {
		return types.FailureResult(UserError{Err: outcome.Err}, consumed, nil)
	}
	return types.SuccessResult(consumed, nil)
}

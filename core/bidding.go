package core

import (
	"fmt"

	"meridian/core/execution"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
)

// runBidding dispatches a native auction session. Bids are funded from and
// withdrawn to the sender's main purse; acting on someone else's bid is a
// charged failure. The whole entry point costs a fixed amount of gas.
func (e *EngineState) runBidding(
	tc *tracking.TrackingCopy,
	entity *types.AddressableEntity,
	gen *crypto.AddressGenerator,
	blockTime uint64,
	gasLimit types.Gas,
	item types.DeployItem,
) types.ExecutionResult {
	cost := types.NewGas(e.cfg.AuctionEntryPointCost)
	if cost.Cmp(gasLimit) > 0 {
		return types.FailureResult(execution.ErrGasLimit, gasLimit, nil)
	}

	args := item.Session.Auction
	actor := args.Validator
	if args.Method == types.AuctionMethodDelegate || args.Method == types.AuctionMethodUndelegate {
		actor = args.Delegator
	}
	if actor.AccountHash() != item.Address {
		return types.FailureResult(execution.UserError{Err: ErrUnauthorizedBid}, cost, nil)
	}

	runtime := e.executor.Auction(tc, gen)
	var err error
	switch args.Method {
	case types.AuctionMethodActivateBid:
		err = runtime.ActivateBid(args.Validator)
	case types.AuctionMethodAddBid:
		err = runtime.AddBid(args.Validator, entity.MainPurse, args.DelegationRate, args.Amount)
	case types.AuctionMethodWithdrawBid:
		err = runtime.WithdrawBid(args.Validator, entity.MainPurse, args.Amount, blockTime)
	case types.AuctionMethodDelegate:
		err = runtime.Delegate(args.Delegator, args.Validator, entity.MainPurse, args.Amount)
	case types.AuctionMethodUndelegate:
		err = runtime.Undelegate(args.Delegator, args.Validator, entity.MainPurse, args.Amount)
	default:
		err = fmt.Errorf("core: unknown auction method %d", args.Method)
	}
	if err != nil {
		return types.FailureResult(execution.UserError{Err: err}, cost, nil)
	}
	return types.SuccessResult(cost, nil)
}

package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"meridian/crypto"
)

var (
	// ErrInsufficientAccountBalance is returned when an account cannot
	// cover even the forced penalty charge.
	ErrInsufficientAccountBalance = errors.New("types: account balance below penalty charge")
	// ErrFinalization is returned when payment finalization itself fails,
	// which is a systemic fault rather than a user error.
	ErrFinalization = errors.New("types: payment finalization failed")
)

// TransferRecord is the audit record of one completed native transfer.
type TransferRecord struct {
	DeployHash DeployHash
	From       crypto.AccountHash
	To         *crypto.AccountHash `rlp:"nil"`
	Source     URef
	Target     URef
	Amount     *uint256.Int
	ID         *uint64 `rlp:"nil"`
}

// DeployInfo is the per-transaction receipt persisted in global state. It
// is written for every executed transaction, successful or not.
type DeployInfo struct {
	DeployHash DeployHash
	Transfers  []URef
	From       crypto.AccountHash
	Source     URef
	// Cost is the total motes charged for the transaction.
	Cost *uint256.Int
}

func (d *DeployInfo) Clone() *DeployInfo {
	if d == nil {
		return nil
	}
	out := *d
	out.Transfers = append([]URef(nil), d.Transfers...)
	out.Cost = new(uint256.Int).Set(d.Cost)
	return &out
}

// ExecutionResult is the outcome of one execution stage, or of a whole
// transaction once the stages are combined.
type ExecutionResult struct {
	err       error
	cost      Gas
	effects   Effects
	transfers []TransferRecord
}

// SuccessResult builds a successful outcome.
func SuccessResult(cost Gas, effects Effects) ExecutionResult {
	return ExecutionResult{cost: cost, effects: effects}
}

// FailureResult builds a charged failure: the transaction reverts but its
// cost stands.
func FailureResult(err error, cost Gas, effects Effects) ExecutionResult {
	if err == nil {
		panic("types: failure result requires an error")
	}
	return ExecutionResult{err: err, cost: cost, effects: effects}
}

// PreconditionFailureResult builds an uncharged failure produced before any
// state was touched.
func PreconditionFailureResult(err error) ExecutionResult {
	if err == nil {
		panic("types: precondition failure requires an error")
	}
	return ExecutionResult{err: err}
}

func (r ExecutionResult) IsSuccess() bool {
	return r.err == nil
}

func (r ExecutionResult) Err() error {
	return r.err
}

func (r ExecutionResult) Cost() Gas {
	return r.cost
}

func (r ExecutionResult) Effects() Effects {
	return r.effects
}

func (r ExecutionResult) Transfers() []TransferRecord {
	return r.transfers
}

func (r ExecutionResult) WithCost(cost Gas) ExecutionResult {
	r.cost = cost
	return r
}

func (r ExecutionResult) WithEffects(effects Effects) ExecutionResult {
	r.effects = effects
	return r
}

func (r ExecutionResult) WithTransfers(transfers []TransferRecord) ExecutionResult {
	r.transfers = transfers
	return r
}

// ForcedTransferReason says why a transaction is being force-charged the
// penalty amount instead of running its session.
type ForcedTransferReason uint8

const (
	// ForcedTransferPaymentFailure: the payment stage errored.
	ForcedTransferPaymentFailure ForcedTransferReason = iota + 1
	// ForcedTransferInsufficientPayment: payment succeeded but deposited
	// less than the required collateral.
	ForcedTransferInsufficientPayment
)

// CheckForcedTransfer decides whether the payment stage outcome triggers
// the forced penalty charge. It returns zero when payment is adequate.
func (r ExecutionResult) CheckForcedTransfer(paymentPurseBalance, collateral Motes) ForcedTransferReason {
	if !r.IsSuccess() {
		return ForcedTransferPaymentFailure
	}
	if paymentPurseBalance.Cmp(collateral) < 0 {
		return ForcedTransferInsufficientPayment
	}
	return 0
}

// NewPaymentCodeError builds the forced-charge failure result: the sender's
// main purse is debited the penalty and the rewards target credited, with
// no session execution. It fails when the account cannot cover the penalty,
// which callers surface as a precondition failure.
func NewPaymentCodeError(
	cause error,
	penalty Motes,
	accountBalance Motes,
	gasCost Gas,
	accountBalanceKey Key,
	rewardsBalanceKey Key,
) (ExecutionResult, error) {
	remaining, err := accountBalance.Sub(penalty)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("%w: balance %s, penalty %s", ErrInsufficientAccountBalance, accountBalance, penalty)
	}
	effects := Effects{
		{Key: accountBalanceKey, Kind: TransformWrite, Value: NewBalanceValue(remaining.Value())},
		{Key: rewardsBalanceKey, Kind: TransformAddUInt, Delta: penalty.Value()},
	}
	return FailureResult(cause, gasCost, effects), nil
}

// ExecutionResultBuilder combines the three pipeline stages into the final
// transaction result. All three stages must be supplied; forgetting one is
// a programming error and panics.
type ExecutionResultBuilder struct {
	payment  *ExecutionResult
	session  *ExecutionResult
	finalize *ExecutionResult
}

func NewExecutionResultBuilder() *ExecutionResultBuilder {
	return &ExecutionResultBuilder{}
}

func (b *ExecutionResultBuilder) SetPayment(r ExecutionResult) *ExecutionResultBuilder {
	b.payment = &r
	return b
}

func (b *ExecutionResultBuilder) SetSession(r ExecutionResult) *ExecutionResultBuilder {
	b.session = &r
	return b
}

func (b *ExecutionResultBuilder) SetFinalize(r ExecutionResult) *ExecutionResultBuilder {
	b.finalize = &r
	return b
}

// TotalCost is the gas charged across payment and session.
func (b *ExecutionResultBuilder) TotalCost() (Gas, error) {
	var total Gas
	var err error
	if b.payment != nil {
		if total, err = total.Add(b.payment.cost); err != nil {
			return Gas{}, err
		}
	}
	if b.session != nil {
		if total, err = total.Add(b.session.cost); err != nil {
			return Gas{}, err
		}
	}
	return total, nil
}

// Build merges the stages. Session effects are included only on session
// success; payment and finalization effects always apply. A finalization
// failure aborts the whole transaction with ErrFinalization.
func (b *ExecutionResultBuilder) Build() (ExecutionResult, error) {
	switch {
	case b.payment == nil:
		panic("types: execution result builder missing payment stage")
	case b.session == nil:
		panic("types: execution result builder missing session stage")
	case b.finalize == nil:
		panic("types: execution result builder missing finalization stage")
	}
	if !b.finalize.IsSuccess() {
		return ExecutionResult{}, fmt.Errorf("%w: %v", ErrFinalization, b.finalize.err)
	}
	cost, err := b.TotalCost()
	if err != nil {
		return ExecutionResult{}, err
	}
	effects := b.payment.effects.Clone()
	if b.session.IsSuccess() {
		effects = effects.Append(b.session.effects)
	}
	effects = effects.Append(b.finalize.effects)
	if !b.session.IsSuccess() {
		return FailureResult(b.session.err, cost, effects), nil
	}
	if !b.payment.IsSuccess() {
		return FailureResult(b.payment.err, cost, effects), nil
	}
	return SuccessResult(cost, effects).WithTransfers(b.session.transfers), nil
}

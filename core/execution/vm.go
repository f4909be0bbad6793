package execution

import (
	"errors"
	"fmt"

	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
)

// ErrNoVM is returned for bytecode lanes when no module loader is wired.
var ErrNoVM = errors.New("execution: no module loader configured")

// Context is everything a loaded module sees while executing.
type Context struct {
	TC            *tracking.TrackingCopy
	EntryPoint    string
	Args          []byte
	Entity        *types.AddressableEntity
	EntityAddr    types.HashAddr
	Authorization []crypto.AccountHash
	DeployHash    types.DeployHash
	BlockTime     uint64
	GasLimit      types.Gas
	Phase         types.Phase
	Gen           *crypto.AddressGenerator
	Stack         *RuntimeStack
}

// Outcome is what a module execution produced. Err set means the module
// failed; its writes are discarded by the pipeline.
type Outcome struct {
	Consumed types.Gas
	Err      error
}

// Module is a loaded, executable unit of code. The engine treats module
// internals as opaque; determinism is the loader's contract.
type Module interface {
	Execute(ctx Context) Outcome
}

// Loader turns stored bytecode into executable modules. A load failure
// means the bytecode is malformed, which is attributable to the sender and
// therefore charged.
type Loader interface {
	Load(module []byte) (Module, error)
}

// UserError marks a failure attributable to the transaction's own code:
// traps, reverts, malformed bytecode. User errors are charged; everything
// else is a precondition failure and costs nothing.
type UserError struct {
	Err error
}

func (e UserError) Error() string {
	return fmt.Sprintf("execution: user error: %v", e.Err)
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ErrGasLimit is returned when a module consumes more than its limit.
var ErrGasLimit = errors.New("execution: gas limit exceeded")

// ShouldCharge reports whether a failed execution still costs the sender.
// The decision drives the forced-transfer path: payment-stage user errors
// seize the penalty, precondition failures do not.
func ShouldCharge(err error) bool {
	if err == nil {
		return false
	}
	var userErr UserError
	if errors.As(err, &userErr) {
		return true
	}
	return errors.Is(err, ErrGasLimit) || errors.Is(err, ErrStackOverflow)
}

package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"meridian/crypto"
)

// ExecutableKind names the lanes a payment or session item can take.
type ExecutableKind uint8

const (
	// ExecutableModule runs compiled bytecode through the VM.
	ExecutableModule ExecutableKind = iota
	// ExecutableStoredContract invokes an already-stored contract by hash.
	ExecutableStoredContract
	// ExecutableTransfer is the wasmless native transfer lane.
	ExecutableTransfer
	// ExecutableStandardPayment deposits a fixed amount into the payment
	// purse without running any code.
	ExecutableStandardPayment
	// ExecutableAuction invokes a native auction entry point.
	ExecutableAuction
)

// AuctionMethod names the native auction entry points callable from a
// session item.
type AuctionMethod uint8

const (
	AuctionMethodActivateBid AuctionMethod = iota
	AuctionMethodAddBid
	AuctionMethodWithdrawBid
	AuctionMethodDelegate
	AuctionMethodUndelegate
)

func (m AuctionMethod) String() string {
	switch m {
	case AuctionMethodActivateBid:
		return "activate_bid"
	case AuctionMethodAddBid:
		return "add_bid"
	case AuctionMethodWithdrawBid:
		return "withdraw_bid"
	case AuctionMethodDelegate:
		return "delegate"
	case AuctionMethodUndelegate:
		return "undelegate"
	default:
		return fmt.Sprintf("auction-method(%d)", uint8(m))
	}
}

// TransferTarget designates where a native transfer lands. Exactly one
// field must be set.
type TransferTarget struct {
	AccountHash *crypto.AccountHash
	URef        *URef
	PublicKey   *crypto.PublicKey
}

func (t TransferTarget) Validate() error {
	n := 0
	if t.AccountHash != nil {
		n++
	}
	if t.URef != nil {
		n++
	}
	if t.PublicKey != nil {
		n++
	}
	if n != 1 {
		return errors.New("types: transfer target must set exactly one variant")
	}
	return nil
}

// TransferArgs are the arguments of the wasmless transfer lane.
type TransferArgs struct {
	// Source is the purse debited. Nil means the sender's main purse.
	Source *URef
	Target TransferTarget
	Amount *uint256.Int
	// ID is an optional user-supplied memo.
	ID *uint64
}

// AuctionArgs are the arguments of a native auction session.
type AuctionArgs struct {
	Method         AuctionMethod
	Validator      crypto.PublicKey
	Delegator      crypto.PublicKey
	Amount         *uint256.Int
	DelegationRate uint8
}

// ExecutableItem is one payment or session payload.
type ExecutableItem struct {
	Kind ExecutableKind

	// Module and EntryPoint drive the VM lane.
	Module     []byte
	EntryPoint string
	Args       []byte

	// ContractHash targets the stored-contract lane.
	ContractHash HashAddr

	// Amount funds the standard-payment lane, in motes.
	Amount *uint256.Int

	Transfer *TransferArgs
	Auction  *AuctionArgs
}

func ModuleItem(module []byte, entryPoint string, args []byte) ExecutableItem {
	return ExecutableItem{Kind: ExecutableModule, Module: module, EntryPoint: entryPoint, Args: args}
}

func StoredContractItem(hash HashAddr, entryPoint string, args []byte) ExecutableItem {
	return ExecutableItem{Kind: ExecutableStoredContract, ContractHash: hash, EntryPoint: entryPoint, Args: args}
}

func TransferItem(args TransferArgs) ExecutableItem {
	return ExecutableItem{Kind: ExecutableTransfer, Transfer: &args}
}

func StandardPaymentItem(amount *uint256.Int) ExecutableItem {
	return ExecutableItem{Kind: ExecutableStandardPayment, Amount: new(uint256.Int).Set(amount)}
}

func AuctionItem(args AuctionArgs) ExecutableItem {
	return ExecutableItem{Kind: ExecutableAuction, Auction: &args}
}

// IsStandardPayment reports whether the item is the fixed-deposit payment
// lane rather than custom payment code.
func (i ExecutableItem) IsStandardPayment() bool {
	return i.Kind == ExecutableStandardPayment
}

// IsAccountSession reports whether the item executes in the calling
// account's context. Direct stored-contract targets do not.
func (i ExecutableItem) IsAccountSession() bool {
	return i.Kind != ExecutableStoredContract
}

// DeployItem is one fully-specified transaction handed to the engine.
type DeployItem struct {
	Address           crypto.AccountHash
	Session           ExecutableItem
	Payment           ExecutableItem
	GasPrice          uint64
	AuthorizationKeys []crypto.AccountHash
	DeployHash        DeployHash
}

// Validate performs the structural checks that precede any state access.
func (d DeployItem) Validate() error {
	if len(d.AuthorizationKeys) == 0 {
		return errors.New("types: deploy has no authorization keys")
	}
	if d.GasPrice == 0 {
		return errors.New("types: deploy gas price must be positive")
	}
	if d.Session.Kind == ExecutableStandardPayment {
		return errors.New("types: standard payment is not a session lane")
	}
	switch d.Payment.Kind {
	case ExecutableStandardPayment:
		if d.Payment.Amount == nil || d.Payment.Amount.IsZero() {
			return errors.New("types: standard payment amount must be positive")
		}
	case ExecutableModule:
	case ExecutableTransfer:
		// The wasmless lane charges its fixed fee itself; the payment item
		// carries no payload and only pairs with a transfer session.
		if d.Session.Kind != ExecutableTransfer {
			return errors.New("types: transfer payment requires a transfer session")
		}
	default:
		return errors.New("types: payment must be standard payment or a module")
	}
	if d.Session.Kind == ExecutableTransfer {
		if d.Session.Transfer == nil {
			return errors.New("types: transfer session missing arguments")
		}
		if err := d.Session.Transfer.Target.Validate(); err != nil {
			return err
		}
		if d.Session.Transfer.Amount == nil || d.Session.Transfer.Amount.IsZero() {
			return errors.New("types: transfer amount must be positive")
		}
	}
	if d.Session.Kind == ExecutableAuction && d.Session.Auction == nil {
		return errors.New("types: auction session missing arguments")
	}
	return nil
}

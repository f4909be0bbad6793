// Package handlepayment implements the native payment contract: the purse
// transaction fees flow through, and their routing at finalization.
package handlepayment

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/mint"
)

// Named keys of the handle-payment entity.
const (
	PaymentPurseNamedKey      = "payment_purse"
	AccumulationPurseNamedKey = "accumulation_purse"
)

var (
	// ErrInsufficientPayment means the payment purse holds less than the
	// amount being finalized.
	ErrInsufficientPayment = errors.New("handlepayment: payment purse below amount spent")
)

// Runtime executes payment operations against one tracking copy.
type Runtime struct {
	tc   *tracking.TrackingCopy
	mint *mint.Runtime
	cfg  config.EngineConfig
}

func NewRuntime(tc *tracking.TrackingCopy, mintRuntime *mint.Runtime, cfg config.EngineConfig) *Runtime {
	return &Runtime{tc: tc, mint: mintRuntime, cfg: cfg}
}

func (r *Runtime) entityAddr() (types.HashAddr, error) {
	return r.tc.GetSystemEntityAddr(types.SystemContractHandlePayment)
}

func (r *Runtime) namedPurse(name string) (types.URef, error) {
	addr, err := r.entityAddr()
	if err != nil {
		return types.URef{}, err
	}
	key, err := r.tc.GetNamedKey(addr, name)
	if err != nil {
		return types.URef{}, err
	}
	purse, ok := key.AsURef()
	if !ok {
		return types.URef{}, fmt.Errorf("handlepayment: named key %q is not a purse", name)
	}
	return purse, nil
}

// PaymentPurse returns the purse payment deposits land in.
func (r *Runtime) PaymentPurse() (types.URef, error) {
	return r.namedPurse(PaymentPurseNamedKey)
}

// AccumulationPurse returns the fee accumulation purse. It only exists
// under the accumulate fee mode.
func (r *Runtime) AccumulationPurse() (types.URef, error) {
	return r.namedPurse(AccumulationPurseNamedKey)
}

// FinalizePayment settles the payment purse after a transaction: the spent
// amount goes to the fee destination for the configured mode, the rest is
// refunded to the payer. A zero target purse burns the fee regardless of
// mode. The payment purse is always empty afterwards.
func (r *Runtime) FinalizePayment(amountSpent types.Motes, payer crypto.AccountHash, target types.URef) error {
	paymentPurse, err := r.PaymentPurse()
	if err != nil {
		return err
	}
	balance, err := r.tc.GetPurseBalance(paymentPurse)
	if err != nil {
		return err
	}
	if balance.Cmp(amountSpent) < 0 {
		return fmt.Errorf("%w: hold %s, spent %s", ErrInsufficientPayment, balance, amountSpent)
	}

	fee := amountSpent
	if r.cfg.FeeHandling == config.FeeNoFee {
		fee = types.NewMotes(0)
	}
	refund, err := balance.Sub(fee)
	if err != nil {
		return err
	}

	if !refund.IsZero() {
		entity, _, err := r.tc.GetEntityByAccountHash(payer)
		if err != nil {
			return err
		}
		if err := r.mint.Transfer(paymentPurse, entity.MainPurse, refund.Value()); err != nil {
			return fmt.Errorf("handlepayment: refund: %w", err)
		}
	}
	if fee.IsZero() {
		return nil
	}

	switch {
	case r.cfg.FeeHandling == config.FeeBurn || target.IsZero():
		if err := r.mint.Burn(paymentPurse, fee.Value()); err != nil {
			return fmt.Errorf("handlepayment: burn fee: %w", err)
		}
	case r.cfg.FeeHandling == config.FeeAccumulate:
		accumulation, err := r.AccumulationPurse()
		if err != nil {
			return err
		}
		if err := r.mint.Transfer(paymentPurse, accumulation, fee.Value()); err != nil {
			return fmt.Errorf("handlepayment: accumulate fee: %w", err)
		}
	default:
		if err := r.mint.Transfer(paymentPurse, target, fee.Value()); err != nil {
			return fmt.Errorf("handlepayment: pay fee: %w", err)
		}
	}
	return nil
}

// DistributeAccumulatedFees splits the accumulation purse evenly among the
// administrative accounts. Any indivisible remainder stays in the purse for
// the next round.
func (r *Runtime) DistributeAccumulatedFees() error {
	admins := r.cfg.AdminHashes()
	if len(admins) == 0 {
		return nil
	}
	purse, err := r.AccumulationPurse()
	if err != nil {
		return err
	}
	balance, err := r.tc.GetPurseBalance(purse)
	if err != nil {
		return err
	}
	portion := new(uint256.Int).Div(balance.Value(), uint256.NewInt(uint64(len(admins))))
	if portion.IsZero() {
		return nil
	}
	for _, admin := range admins {
		entity, _, err := r.tc.GetEntityByAccountHash(admin)
		if err != nil {
			return err
		}
		if err := r.mint.Transfer(purse, entity.MainPurse, portion); err != nil {
			return fmt.Errorf("handlepayment: distribute to %s: %w", admin, err)
		}
	}
	return nil
}

// Package mint implements the native token contract: purse creation,
// transfers between purses, and supply changes. It is the only code that
// may alter total supply.
package mint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
)

// TotalSupplyNamedKey is the mint entity's named key holding the supply
// register.
const TotalSupplyNamedKey = "total_supply"

var (
	ErrInvalidAmount     = errors.New("mint: amount must be positive")
	ErrInsufficientFunds = errors.New("mint: insufficient funds")
	ErrSourceNotFound    = errors.New("mint: source purse not found")
	ErrTargetNotFound    = errors.New("mint: target purse not found")
)

// Runtime executes mint operations against one tracking copy.
type Runtime struct {
	tc  *tracking.TrackingCopy
	gen *crypto.AddressGenerator
}

func NewRuntime(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator) *Runtime {
	return &Runtime{tc: tc, gen: gen}
}

// CreatePurse mints a new empty purse at the next generated address.
func (r *Runtime) CreatePurse() (types.URef, error) {
	purse := types.URef(r.gen.NextAddress())
	r.tc.Write(types.BalanceKey(purse), types.NewBalanceValue(uint256.NewInt(0)))
	return purse, nil
}

// ReadBalance returns the motes held by a purse.
func (r *Runtime) ReadBalance(purse types.URef) (types.Motes, error) {
	return r.tc.GetPurseBalance(purse)
}

// Transfer moves amount from source to target. Both purses must exist. The
// optional account hash and memo id are recorded for auditing by the
// caller.
func (r *Runtime) Transfer(source, target types.URef, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	sourceBalance, err := r.tc.GetPurseBalance(source)
	if err != nil {
		if errors.Is(err, tracking.ErrPurseNotFound) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return err
	}
	if sourceBalance.Value().Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, sourceBalance, amount)
	}
	targetBalance, err := r.tc.GetPurseBalance(target)
	if err != nil {
		if errors.Is(err, tracking.ErrPurseNotFound) {
			return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}
		return err
	}
	newSource := new(uint256.Int).Sub(sourceBalance.Value(), amount)
	newTarget := new(uint256.Int)
	if _, overflow := newTarget.AddOverflow(targetBalance.Value(), amount); overflow {
		return fmt.Errorf("mint: target balance overflow: %s", target)
	}
	r.tc.Write(types.BalanceKey(source), types.NewBalanceValue(newSource))
	r.tc.Write(types.BalanceKey(target), types.NewBalanceValue(newTarget))
	return nil
}

// Mint credits target with newly created motes, increasing total supply.
// Only system-phase callers reach this; the executor enforces that.
func (r *Runtime) Mint(target types.URef, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	balance, err := r.tc.GetPurseBalance(target)
	if err != nil {
		if errors.Is(err, tracking.ErrPurseNotFound) {
			return fmt.Errorf("%w: %s", ErrTargetNotFound, target)
		}
		return err
	}
	newBalance := new(uint256.Int)
	if _, overflow := newBalance.AddOverflow(balance.Value(), amount); overflow {
		return fmt.Errorf("mint: balance overflow: %s", target)
	}
	if err := r.addTotalSupply(amount); err != nil {
		return err
	}
	r.tc.Write(types.BalanceKey(target), types.NewBalanceValue(newBalance))
	return nil
}

// Burn debits source and destroys the motes, reducing total supply.
func (r *Runtime) Burn(source types.URef, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	balance, err := r.tc.GetPurseBalance(source)
	if err != nil {
		if errors.Is(err, tracking.ErrPurseNotFound) {
			return fmt.Errorf("%w: %s", ErrSourceNotFound, source)
		}
		return err
	}
	if balance.Value().Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, burn %s", ErrInsufficientFunds, balance, amount)
	}
	if err := r.ReduceTotalSupply(amount); err != nil {
		return err
	}
	r.tc.Write(types.BalanceKey(source), types.NewBalanceValue(new(uint256.Int).Sub(balance.Value(), amount)))
	return nil
}

// TotalSupply reads the supply register.
func (r *Runtime) TotalSupply() (types.Motes, error) {
	supply, _, err := r.readSupply()
	if err != nil {
		return types.Motes{}, err
	}
	return types.MotesFromValue(supply), nil
}

// ReduceTotalSupply lowers the supply register without touching a purse.
// Slashing uses this after seizing whole bonding purses.
func (r *Runtime) ReduceTotalSupply(amount *uint256.Int) error {
	supply, key, err := r.readSupply()
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return fmt.Errorf("mint: supply underflow: supply %s, reduce %s", supply, amount)
	}
	r.tc.Write(key, types.NewRawU256Value(new(uint256.Int).Sub(supply, amount)))
	return nil
}

func (r *Runtime) addTotalSupply(amount *uint256.Int) error {
	supply, key, err := r.readSupply()
	if err != nil {
		return err
	}
	newSupply := new(uint256.Int)
	if _, overflow := newSupply.AddOverflow(supply, amount); overflow {
		return errors.New("mint: total supply overflow")
	}
	r.tc.Write(key, types.NewRawU256Value(newSupply))
	return nil
}

func (r *Runtime) readSupply() (*uint256.Int, types.Key, error) {
	mintAddr, err := r.tc.GetSystemEntityAddr(types.SystemContractMint)
	if err != nil {
		return nil, types.Key{}, err
	}
	key, err := r.tc.GetNamedKey(mintAddr, TotalSupplyNamedKey)
	if err != nil {
		return nil, types.Key{}, err
	}
	value, err := r.tc.Read(key)
	if err != nil {
		return nil, types.Key{}, err
	}
	if value == nil {
		return nil, types.Key{}, fmt.Errorf("mint: supply register missing under %s", key)
	}
	supply, ok := value.AsRawU256()
	if !ok {
		return nil, types.Key{}, fmt.Errorf("mint: corrupt supply register under %s", key)
	}
	return supply, key, nil
}

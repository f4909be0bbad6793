package types

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	// ErrArithmeticOverflow is returned by checked gas and mote arithmetic.
	ErrArithmeticOverflow = errors.New("types: arithmetic overflow")
	// ErrZeroGasPrice is returned when converting between gas and motes
	// with a zero price.
	ErrZeroGasPrice = errors.New("types: zero gas price")
)

// Gas is an abstract measure of computation. It converts to Motes only
// through an explicit gas price; the two units never mix implicitly.
type Gas struct {
	v uint256.Int
}

func NewGas(v uint64) Gas {
	var g Gas
	g.v.SetUint64(v)
	return g
}

func GasFromValue(v *uint256.Int) Gas {
	var g Gas
	if v != nil {
		g.v.Set(v)
	}
	return g
}

// GasFromMotes divides motes by the gas price, discarding the remainder.
func GasFromMotes(m Motes, price uint64) (Gas, error) {
	if price == 0 {
		return Gas{}, ErrZeroGasPrice
	}
	var g Gas
	g.v.Div(&m.v, uint256.NewInt(price))
	return g, nil
}

// Value returns a copy of the underlying integer.
func (g Gas) Value() *uint256.Int {
	return new(uint256.Int).Set(&g.v)
}

func (g Gas) IsZero() bool {
	return g.v.IsZero()
}

func (g Gas) Cmp(other Gas) int {
	return g.v.Cmp(&other.v)
}

func (g Gas) Add(other Gas) (Gas, error) {
	var out Gas
	if _, overflow := out.v.AddOverflow(&g.v, &other.v); overflow {
		return Gas{}, ErrArithmeticOverflow
	}
	return out, nil
}

func (g Gas) Sub(other Gas) (Gas, error) {
	if g.v.Cmp(&other.v) < 0 {
		return Gas{}, ErrArithmeticOverflow
	}
	var out Gas
	out.v.Sub(&g.v, &other.v)
	return out, nil
}

// ToMotes multiplies by the gas price, failing on overflow.
func (g Gas) ToMotes(price uint64) (Motes, error) {
	if price == 0 {
		return Motes{}, ErrZeroGasPrice
	}
	var out Motes
	if _, overflow := out.v.MulOverflow(&g.v, uint256.NewInt(price)); overflow {
		return Motes{}, ErrArithmeticOverflow
	}
	return out, nil
}

func (g Gas) String() string {
	return g.v.Dec()
}

// Motes is the chain's native token unit.
type Motes struct {
	v uint256.Int
}

func NewMotes(v uint64) Motes {
	var m Motes
	m.v.SetUint64(v)
	return m
}

func MotesFromValue(v *uint256.Int) Motes {
	var m Motes
	if v != nil {
		m.v.Set(v)
	}
	return m
}

func (m Motes) Value() *uint256.Int {
	return new(uint256.Int).Set(&m.v)
}

func (m Motes) IsZero() bool {
	return m.v.IsZero()
}

func (m Motes) Cmp(other Motes) int {
	return m.v.Cmp(&other.v)
}

func (m Motes) Add(other Motes) (Motes, error) {
	var out Motes
	if _, overflow := out.v.AddOverflow(&m.v, &other.v); overflow {
		return Motes{}, ErrArithmeticOverflow
	}
	return out, nil
}

func (m Motes) Sub(other Motes) (Motes, error) {
	if m.v.Cmp(&other.v) < 0 {
		return Motes{}, ErrArithmeticOverflow
	}
	var out Motes
	out.v.Sub(&m.v, &other.v)
	return out, nil
}

// Min returns the smaller of the two amounts.
func (m Motes) Min(other Motes) Motes {
	if m.Cmp(other) <= 0 {
		return m
	}
	return other
}

func (m Motes) String() string {
	return m.v.Dec()
}

package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// TransformKind names what a transform does to the value under its key.
type TransformKind uint8

const (
	// TransformIdentity records a read with no mutation.
	TransformIdentity TransformKind = iota
	// TransformWrite replaces the value wholesale.
	TransformWrite
	// TransformAddUInt adds to a numeric balance in place.
	TransformAddUInt
	// TransformPrune removes the key.
	TransformPrune
)

func (k TransformKind) String() string {
	switch k {
	case TransformIdentity:
		return "identity"
	case TransformWrite:
		return "write"
	case TransformAddUInt:
		return "add-uint"
	case TransformPrune:
		return "prune"
	default:
		return fmt.Sprintf("transform(%d)", uint8(k))
	}
}

// Transform is one recorded state mutation. Value is set for writes, Delta
// for additions.
type Transform struct {
	Key   Key
	Kind  TransformKind
	Value *StoredValue
	Delta *uint256.Int
}

func (t Transform) Clone() Transform {
	out := Transform{Key: t.Key, Kind: t.Kind, Value: t.Value.Clone()}
	if t.Delta != nil {
		out.Delta = new(uint256.Int).Set(t.Delta)
	}
	return out
}

// Effects is the ordered journal of transforms produced by executing
// against a tracking copy. Applying the same effects to the same base
// state always yields the same post-state.
type Effects []Transform

func (e Effects) Clone() Effects {
	out := make(Effects, len(e))
	for i, t := range e {
		out[i] = t.Clone()
	}
	return out
}

// Append concatenates journals, preserving order.
func (e Effects) Append(more Effects) Effects {
	out := make(Effects, 0, len(e)+len(more))
	out = append(out, e...)
	out = append(out, more...)
	return out
}

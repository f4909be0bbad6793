// Package tracking provides the buffered state view every execution runs
// against. All reads and writes go through a TrackingCopy; nothing touches
// the underlying store until the recorded effects are committed.
package tracking

import (
	"errors"
	"fmt"

	"meridian/core/types"
	"meridian/storage/globalstate"
)

// ErrQueryDepthExceeded is returned when a query walks more steps than the
// configured bound, which also breaks indirection cycles.
var ErrQueryDepthExceeded = errors.New("tracking: query depth exceeded")

// DefaultMaxQueryDepth bounds named-key traversal and indirection chains.
const DefaultMaxQueryDepth = 5

type mutEntry struct {
	kind  types.TransformKind
	value *types.StoredValue
}

// TrackingCopy buffers reads and writes over a state reader. Reads are
// cached and recorded as identity transforms; writes and prunes shadow the
// underlying state without mutating it. Effects returns the journal in
// first-touch order.
//
// A TrackingCopy is not safe for concurrent use.
type TrackingCopy struct {
	reader globalstate.StateReader
	// base holds entries inherited from the parent at fork time. It is
	// never mutated and never re-journaled.
	base          map[types.Key]*mutEntry
	muts          map[types.Key]*mutEntry
	order         []types.Key
	maxQueryDepth uint64
}

func New(reader globalstate.StateReader, maxQueryDepth uint64) *TrackingCopy {
	if maxQueryDepth == 0 {
		maxQueryDepth = DefaultMaxQueryDepth
	}
	return &TrackingCopy{
		reader:        reader,
		base:          make(map[types.Key]*mutEntry),
		muts:          make(map[types.Key]*mutEntry),
		maxQueryDepth: maxQueryDepth,
	}
}

// Fork returns an independent copy that sees everything written so far.
// The fork's journal starts empty, so its Effects reflect only what happens
// after the fork; discarding the fork discards those effects.
func (tc *TrackingCopy) Fork() *TrackingCopy {
	base := make(map[types.Key]*mutEntry, len(tc.base)+len(tc.muts))
	for k, v := range tc.base {
		base[k] = v
	}
	for k, v := range tc.muts {
		base[k] = v
	}
	return &TrackingCopy{
		reader:        tc.reader,
		base:          base,
		muts:          make(map[types.Key]*mutEntry),
		maxQueryDepth: tc.maxQueryDepth,
	}
}

func materialize(e *mutEntry) *types.StoredValue {
	if e.kind == types.TransformPrune {
		return nil
	}
	return e.value.Clone()
}

// Read returns the value under key, or nil when absent. First reads from
// the underlying store are journaled as identity transforms.
func (tc *TrackingCopy) Read(key types.Key) (*types.StoredValue, error) {
	if e, ok := tc.muts[key]; ok {
		return materialize(e), nil
	}
	if e, ok := tc.base[key]; ok {
		return materialize(e), nil
	}
	value, err := tc.reader.Read(key)
	if err != nil {
		return nil, err
	}
	if value != nil {
		tc.record(key, &mutEntry{kind: types.TransformIdentity, value: value})
	}
	return value.Clone(), nil
}

// Write replaces the value under key.
func (tc *TrackingCopy) Write(key types.Key, value *types.StoredValue) {
	if value == nil {
		panic("tracking: write of nil value, use Prune")
	}
	tc.record(key, &mutEntry{kind: types.TransformWrite, value: value.Clone()})
}

// Prune removes the key. Subsequent reads see it as absent.
func (tc *TrackingCopy) Prune(key types.Key) {
	tc.record(key, &mutEntry{kind: types.TransformPrune})
}

func (tc *TrackingCopy) record(key types.Key, e *mutEntry) {
	if _, seen := tc.muts[key]; !seen {
		tc.order = append(tc.order, key)
	}
	tc.muts[key] = e
}

// Keys lists all live keys with the given tag, merging the underlying state
// with this copy's journal and any forked-in entries.
func (tc *TrackingCopy) Keys(tag types.KeyTag) ([]types.Key, error) {
	underlying, err := tc.reader.Keys(tag)
	if err != nil {
		return nil, err
	}
	include := make(map[types.Key]bool, len(underlying))
	for _, k := range underlying {
		include[k] = true
	}
	overlay := func(entries map[types.Key]*mutEntry) {
		for k, e := range entries {
			if k.Tag() != tag {
				continue
			}
			include[k] = e.kind != types.TransformPrune
		}
	}
	overlay(tc.base)
	overlay(tc.muts)
	keys := make([]types.Key, 0, len(include))
	for k, live := range include {
		if live {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []types.Key) {
	// Insertion sort keeps this dependency-free; key sets here are small.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j].Compare(keys[j-1]) < 0; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

// Effects returns the journal recorded so far, in first-touch order. It can
// be called repeatedly; each call reflects the state up to that point.
func (tc *TrackingCopy) Effects() types.Effects {
	out := make(types.Effects, 0, len(tc.order))
	for _, key := range tc.order {
		e := tc.muts[key]
		t := types.Transform{Key: key, Kind: e.kind}
		if e.kind == types.TransformWrite {
			t.Value = e.value.Clone()
		}
		out = append(out, t)
	}
	return out
}

// QueryResult is the outcome of a query: either a value, or a description
// of where traversal stopped.
type QueryResult struct {
	Value   *types.StoredValue
	Missing string
}

func (r QueryResult) Found() bool {
	return r.Value != nil
}

// Query resolves key, follows any indirections, then walks the named-key
// path. Traversal is bounded by the configured depth.
func (tc *TrackingCopy) Query(key types.Key, path []string) (QueryResult, error) {
	var steps uint64
	step := func() error {
		steps++
		if steps > tc.maxQueryDepth {
			return fmt.Errorf("%w: more than %d steps", ErrQueryDepthExceeded, tc.maxQueryDepth)
		}
		return nil
	}
	current, currentKey, err := tc.readResolved(key, step)
	if err != nil {
		return QueryResult{}, err
	}
	if current == nil {
		return QueryResult{Missing: fmt.Sprintf("nothing under %s", key)}, nil
	}
	for _, name := range path {
		if err := step(); err != nil {
			return QueryResult{}, err
		}
		entityAddr, ok := currentKey.AsHash()
		if !ok {
			return QueryResult{Missing: fmt.Sprintf("%s is not traversable", currentKey)}, nil
		}
		if _, isEntity := current.AsEntity(); !isEntity {
			return QueryResult{Missing: fmt.Sprintf("value under %s has no named keys", currentKey)}, nil
		}
		record, err := tc.Read(types.NamedKeyKey(entityAddr, name))
		if err != nil {
			return QueryResult{}, err
		}
		if record == nil {
			return QueryResult{Missing: fmt.Sprintf("no named key %q under %s", name, currentKey)}, nil
		}
		namedKey, ok := record.AsNamedKey()
		if !ok {
			return QueryResult{Missing: fmt.Sprintf("corrupt named key %q under %s", name, currentKey)}, nil
		}
		current, currentKey, err = tc.readResolved(namedKey.Target, step)
		if err != nil {
			return QueryResult{}, err
		}
		if current == nil {
			return QueryResult{Missing: fmt.Sprintf("nothing under %s (via %q)", namedKey.Target, name)}, nil
		}
	}
	return QueryResult{Value: current}, nil
}

// readResolved reads key and chases key-ref indirections.
func (tc *TrackingCopy) readResolved(key types.Key, step func() error) (*types.StoredValue, types.Key, error) {
	if err := step(); err != nil {
		return nil, types.Key{}, err
	}
	value, err := tc.Read(key)
	if err != nil {
		return nil, types.Key{}, err
	}
	for value != nil {
		ref, ok := value.AsKeyRef()
		if !ok {
			break
		}
		if err := step(); err != nil {
			return nil, types.Key{}, err
		}
		key = ref
		value, err = tc.Read(key)
		if err != nil {
			return nil, types.Key{}, err
		}
	}
	return value, key, nil
}

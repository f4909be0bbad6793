package globalstate

import (
	"github.com/ethereum/go-ethereum/crypto"

	"meridian/storage"

	"meridian/core/types"
)

// Scratch is an in-memory overlay used for block execution. Commits advance
// roots without touching the database; WriteScratchToDB flushes the final
// snapshot in a single atomic batch once the block is fully executed.
//
// Scratch is not safe for concurrent use. Block execution is strictly
// sequential.
type Scratch struct {
	base    *GlobalState
	entries map[string]types.Digest
	values  map[types.Digest]*types.StoredValue
	root    types.Digest
}

// CreateScratch forks an in-memory overlay from the durable state at root.
func (gs *GlobalState) CreateScratch(root types.Digest) (*Scratch, error) {
	entries, err := gs.loadSnapshot(root)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, RootNotFoundError{Root: root}
	}
	return &Scratch{
		base:    gs,
		entries: entries,
		values:  make(map[types.Digest]*types.StoredValue),
		root:    root,
	}, nil
}

// Root is the current overlay root, advanced by each Commit.
func (s *Scratch) Root() types.Digest {
	return s.root
}

func (s *Scratch) EmptyRoot() types.Digest {
	return s.base.EmptyRoot()
}

func (s *Scratch) loadValue(digest types.Digest) (*types.StoredValue, error) {
	if v, ok := s.values[digest]; ok {
		return v.Clone(), nil
	}
	return s.base.loadValue(digest)
}

// Checkout returns a reader over the overlay when root matches the current
// overlay root, falling back to the durable store for older roots.
func (s *Scratch) Checkout(root types.Digest) (StateReader, error) {
	if root != s.root {
		return s.base.Checkout(root)
	}
	snapshot := make(map[string]types.Digest, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	return &snapshotReader{entries: snapshot, load: s.loadValue}, nil
}

// Commit applies effects to the overlay and returns the new root. Only the
// current overlay root can be committed against.
func (s *Scratch) Commit(root types.Digest, effects types.Effects) (types.Digest, error) {
	if root != s.root {
		return types.Digest{}, RootNotFoundError{Root: root}
	}
	store := func(v *types.StoredValue) (types.Digest, error) {
		digest, _, err := hashValue(v)
		if err != nil {
			return types.Digest{}, err
		}
		s.values[digest] = v.Clone()
		return digest, nil
	}
	if err := applyEffects(s.entries, effects, s.loadValue, store); err != nil {
		return types.Digest{}, err
	}
	newRoot, _, err := rootOf(s.entries)
	if err != nil {
		return types.Digest{}, err
	}
	s.root = newRoot
	return newRoot, nil
}

// PruneKeys removes keys from the overlay.
func (s *Scratch) PruneKeys(root types.Digest, keys []types.Key) (PruneResult, error) {
	if root != s.root {
		return PruneResult{Status: PruneStatusRootNotFound}, nil
	}
	for _, k := range keys {
		if _, ok := s.entries[string(k.Bytes())]; !ok {
			return PruneResult{Status: PruneStatusDoesNotExist}, nil
		}
	}
	for _, k := range keys {
		delete(s.entries, string(k.Bytes()))
	}
	newRoot, _, err := rootOf(s.entries)
	if err != nil {
		return PruneResult{}, err
	}
	s.root = newRoot
	return PruneResult{Status: PruneStatusPruned, PostStateHash: newRoot}, nil
}

// WriteScratchToDB flushes the overlay's final snapshot and all values it
// introduced to the durable store in one atomic batch. This is the only
// durable write block execution performs.
func (gs *GlobalState) WriteScratchToDB(s *Scratch) (types.Digest, error) {
	batch := storage.NewBatch()
	for digest, value := range s.values {
		_, encoded, err := hashValue(value)
		if err != nil {
			return types.Digest{}, err
		}
		batch.Put(valueKey(digest), encoded)
	}
	encoded, err := encodeSnapshot(s.entries)
	if err != nil {
		return types.Digest{}, err
	}
	root := crypto.Keccak256Hash(encoded)
	if root != s.root {
		// The overlay root is recomputed on every commit; divergence here
		// means the overlay was mutated outside Commit.
		panic("globalstate: scratch root out of sync with entries")
	}
	batch.Put(snapshotKey(root), encoded)
	if err := gs.db.Write(batch); err != nil {
		return types.Digest{}, err
	}
	return root, nil
}

package globalstate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"meridian/core/types"
	"meridian/storage"
)

var (
	snapshotPrefix = []byte("gs:s:")
	valuePrefix    = []byte("gs:v:")
)

type snapshotEntry struct {
	Key   []byte
	Value types.Digest
}

// GlobalState is the durable state store. Each committed root maps to a
// snapshot record listing every live key together with the digest of its
// value; values are stored once, content-addressed.
type GlobalState struct {
	db        storage.Database
	emptyRoot types.Digest
}

// NewGlobalState opens a state store over db, installing the empty root
// snapshot if it is not already present.
func NewGlobalState(db storage.Database) (*GlobalState, error) {
	gs := &GlobalState{db: db}
	empty, err := encodeSnapshot(map[string]types.Digest{})
	if err != nil {
		return nil, err
	}
	gs.emptyRoot = crypto.Keccak256Hash(empty)
	ok, err := db.Has(snapshotKey(gs.emptyRoot))
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := db.Put(snapshotKey(gs.emptyRoot), empty); err != nil {
			return nil, err
		}
	}
	return gs, nil
}

func snapshotKey(root types.Digest) []byte {
	return append(append([]byte(nil), snapshotPrefix...), root[:]...)
}

func valueKey(digest types.Digest) []byte {
	return append(append([]byte(nil), valuePrefix...), digest[:]...)
}

func encodeSnapshot(entries map[string]types.Digest) ([]byte, error) {
	sorted := make([]snapshotEntry, 0, len(entries))
	for k, v := range entries {
		sorted = append(sorted, snapshotEntry{Key: []byte(k), Value: v})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return string(sorted[i].Key) < string(sorted[j].Key)
	})
	return rlp.EncodeToBytes(sorted)
}

func decodeSnapshot(raw []byte) (map[string]types.Digest, error) {
	var sorted []snapshotEntry
	if err := rlp.DecodeBytes(raw, &sorted); err != nil {
		return nil, err
	}
	entries := make(map[string]types.Digest, len(sorted))
	for _, e := range sorted {
		entries[string(e.Key)] = e.Value
	}
	return entries, nil
}

// rootOf hashes the canonical snapshot encoding.
func rootOf(entries map[string]types.Digest) (types.Digest, []byte, error) {
	encoded, err := encodeSnapshot(entries)
	if err != nil {
		return types.Digest{}, nil, err
	}
	return crypto.Keccak256Hash(encoded), encoded, nil
}

func hashValue(v *types.StoredValue) (types.Digest, []byte, error) {
	encoded, err := rlp.EncodeToBytes(v)
	if err != nil {
		return types.Digest{}, nil, err
	}
	return crypto.Keccak256Hash(encoded), encoded, nil
}

func (gs *GlobalState) EmptyRoot() types.Digest {
	return gs.emptyRoot
}

// Database exposes the underlying store for the scratch flush path.
func (gs *GlobalState) Database() storage.Database {
	return gs.db
}

func (gs *GlobalState) loadSnapshot(root types.Digest) (map[string]types.Digest, error) {
	raw, err := gs.db.Get(snapshotKey(root))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(raw)
}

func (gs *GlobalState) loadValue(digest types.Digest) (*types.StoredValue, error) {
	raw, err := gs.db.Get(valueKey(digest))
	if err != nil {
		return nil, err
	}
	value := new(types.StoredValue)
	if err := rlp.DecodeBytes(raw, value); err != nil {
		return nil, err
	}
	return value, nil
}

// Checkout returns a reader at root, or nil when the root is unknown.
func (gs *GlobalState) Checkout(root types.Digest) (StateReader, error) {
	entries, err := gs.loadSnapshot(root)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return nil, nil
	}
	return &snapshotReader{entries: entries, load: gs.loadValue}, nil
}

// Commit applies effects on top of root and persists the resulting
// snapshot, returning its digest.
func (gs *GlobalState) Commit(root types.Digest, effects types.Effects) (types.Digest, error) {
	entries, err := gs.loadSnapshot(root)
	if err != nil {
		return types.Digest{}, err
	}
	if entries == nil {
		return types.Digest{}, RootNotFoundError{Root: root}
	}
	batch := storage.NewBatch()
	store := func(v *types.StoredValue) (types.Digest, error) {
		digest, encoded, err := hashValue(v)
		if err != nil {
			return types.Digest{}, err
		}
		batch.Put(valueKey(digest), encoded)
		return digest, nil
	}
	if err := applyEffects(entries, effects, gs.loadValue, store); err != nil {
		return types.Digest{}, err
	}
	newRoot, encoded, err := rootOf(entries)
	if err != nil {
		return types.Digest{}, err
	}
	batch.Put(snapshotKey(newRoot), encoded)
	if err := gs.db.Write(batch); err != nil {
		return types.Digest{}, err
	}
	return newRoot, nil
}

// PruneKeys removes keys from the state at root.
func (gs *GlobalState) PruneKeys(root types.Digest, keys []types.Key) (PruneResult, error) {
	entries, err := gs.loadSnapshot(root)
	if err != nil {
		return PruneResult{}, err
	}
	if entries == nil {
		return PruneResult{Status: PruneStatusRootNotFound}, nil
	}
	for _, k := range keys {
		if _, ok := entries[string(k.Bytes())]; !ok {
			return PruneResult{Status: PruneStatusDoesNotExist}, nil
		}
	}
	for _, k := range keys {
		delete(entries, string(k.Bytes()))
	}
	newRoot, encoded, err := rootOf(entries)
	if err != nil {
		return PruneResult{}, err
	}
	if err := gs.db.Put(snapshotKey(newRoot), encoded); err != nil {
		return PruneResult{}, err
	}
	return PruneResult{Status: PruneStatusPruned, PostStateHash: newRoot}, nil
}

// GetTrieFull returns the serialized snapshot record for root, or nil when
// unknown.
func (gs *GlobalState) GetTrieFull(root types.Digest) ([]byte, error) {
	raw, err := gs.db.Get(snapshotKey(root))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return raw, err
}

// MissingChildren lists value digests referenced by the record that are not
// yet stored locally.
func (gs *GlobalState) MissingChildren(record []byte) ([]types.Digest, error) {
	entries, err := decodeSnapshot(record)
	if err != nil {
		return nil, err
	}
	seen := make(map[types.Digest]struct{}, len(entries))
	missing := make([]types.Digest, 0)
	for _, digest := range entries {
		if _, dup := seen[digest]; dup {
			continue
		}
		seen[digest] = struct{}{}
		ok, err := gs.db.Has(valueKey(digest))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, digest)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return string(missing[i][:]) < string(missing[j][:])
	})
	return missing, nil
}

// PutTrieIfAllChildrenPresent stores a snapshot record once every value it
// references is present, returning its root digest.
func (gs *GlobalState) PutTrieIfAllChildrenPresent(record []byte) (types.Digest, error) {
	missing, err := gs.MissingChildren(record)
	if err != nil {
		return types.Digest{}, err
	}
	if len(missing) > 0 {
		return types.Digest{}, fmt.Errorf("globalstate: record has %d missing children", len(missing))
	}
	root := crypto.Keccak256Hash(record)
	if err := gs.db.Put(snapshotKey(root), record); err != nil {
		return types.Digest{}, err
	}
	return root, nil
}

// PutValue stores one content-addressed value, used when replicating state
// from a peer.
func (gs *GlobalState) PutValue(v *types.StoredValue) (types.Digest, error) {
	digest, encoded, err := hashValue(v)
	if err != nil {
		return types.Digest{}, err
	}
	if err := gs.db.Put(valueKey(digest), encoded); err != nil {
		return types.Digest{}, err
	}
	return digest, nil
}

// applyEffects folds a journal into a snapshot entry map. Identity
// transforms are no-ops; additive transforms require an existing balance.
func applyEffects(
	entries map[string]types.Digest,
	effects types.Effects,
	load func(types.Digest) (*types.StoredValue, error),
	store func(*types.StoredValue) (types.Digest, error),
) error {
	for _, t := range effects {
		keyBytes := string(t.Key.Bytes())
		switch t.Kind {
		case types.TransformIdentity:
			// Reads do not change state.
		case types.TransformWrite:
			digest, err := store(t.Value)
			if err != nil {
				return err
			}
			entries[keyBytes] = digest
		case types.TransformAddUInt:
			current, ok := entries[keyBytes]
			if !ok {
				return MissingKeyError{Key: t.Key}
			}
			value, err := load(current)
			if err != nil {
				return err
			}
			balance, ok := value.AsBalance()
			if !ok {
				return TypeMismatchError{Key: t.Key, Found: value.Kind()}
			}
			if _, overflow := balance.AddOverflow(balance, t.Delta); overflow {
				return fmt.Errorf("globalstate: balance overflow under %s", t.Key)
			}
			digest, err := store(types.NewBalanceValue(balance))
			if err != nil {
				return err
			}
			entries[keyBytes] = digest
		case types.TransformPrune:
			delete(entries, keyBytes)
		default:
			return fmt.Errorf("globalstate: unknown transform kind %d", t.Kind)
		}
	}
	return nil
}

// snapshotReader reads one immutable snapshot.
type snapshotReader struct {
	entries map[string]types.Digest
	load    func(types.Digest) (*types.StoredValue, error)
}

func (r *snapshotReader) Read(key types.Key) (*types.StoredValue, error) {
	digest, ok := r.entries[string(key.Bytes())]
	if !ok {
		return nil, nil
	}
	return r.load(digest)
}

func (r *snapshotReader) Keys(tag types.KeyTag) ([]types.Key, error) {
	return keysByTag(r.entries, tag)
}

func keysByTag(entries map[string]types.Digest, tag types.KeyTag) ([]types.Key, error) {
	raw := make([]string, 0)
	for k := range entries {
		if len(k) > 0 && types.KeyTag(k[0]) == tag {
			raw = append(raw, k)
		}
	}
	sort.Strings(raw)
	keys := make([]types.Key, 0, len(raw))
	for _, k := range raw {
		parsed, err := types.KeyFromBytes([]byte(k))
		if err != nil {
			return nil, err
		}
		keys = append(keys, parsed)
	}
	return keys, nil
}

// Package globalstate implements the versioned key-value state the engine
// executes against. Every post-state is addressed by a root digest computed
// over the full sorted key set, so equal contents always produce equal
// roots regardless of the path taken to reach them.
package globalstate

import (
	"fmt"

	"meridian/core/types"
)

// StateReader is a read-only view of one committed root.
type StateReader interface {
	// Read returns the value under key, or nil when the key is absent.
	Read(key types.Key) (*types.StoredValue, error)
	// Keys lists all keys carrying the given tag, in canonical byte order.
	Keys(tag types.KeyTag) ([]types.Key, error)
}

// Provider checks out readers and commits effects, yielding new roots.
type Provider interface {
	EmptyRoot() types.Digest
	// Checkout returns a reader at root, or nil when the root is unknown.
	Checkout(root types.Digest) (StateReader, error)
	// Commit applies effects on top of root and returns the new root.
	Commit(root types.Digest, effects types.Effects) (types.Digest, error)
	// PruneKeys removes keys from the state at root.
	PruneKeys(root types.Digest, keys []types.Key) (PruneResult, error)
}

// TrieStore exposes the raw snapshot records for state synchronization.
// Only durable stores serve these; the scratch overlay does not.
type TrieStore interface {
	// GetTrieFull returns the serialized snapshot record for root, or nil
	// when unknown.
	GetTrieFull(root types.Digest) ([]byte, error)
	// PutTrieIfAllChildrenPresent stores a snapshot record if every value
	// it references is already present, returning the stored root.
	PutTrieIfAllChildrenPresent(record []byte) (types.Digest, error)
	// MissingChildren lists the value digests referenced by the record
	// that are not yet present locally.
	MissingChildren(record []byte) ([]types.Digest, error)
}

// PruneStatus reports how a prune request resolved.
type PruneStatus uint8

const (
	PruneStatusPruned PruneStatus = iota
	PruneStatusDoesNotExist
	PruneStatusRootNotFound
)

func (s PruneStatus) String() string {
	switch s {
	case PruneStatusPruned:
		return "pruned"
	case PruneStatusDoesNotExist:
		return "does-not-exist"
	case PruneStatusRootNotFound:
		return "root-not-found"
	default:
		return fmt.Sprintf("prune-status(%d)", uint8(s))
	}
}

// PruneResult carries the status and, on success, the post-state root.
type PruneResult struct {
	Status        PruneStatus
	PostStateHash types.Digest
}

// RootNotFoundError is returned when a commit or checkout names a root this
// store has never produced.
type RootNotFoundError struct {
	Root types.Digest
}

func (e RootNotFoundError) Error() string {
	return fmt.Sprintf("globalstate: root not found: %x", e.Root)
}

// TypeMismatchError is returned when an additive transform targets a value
// that is not a balance.
type TypeMismatchError struct {
	Key   types.Key
	Found types.StoredValueKind
}

func (e TypeMismatchError) Error() string {
	return fmt.Sprintf("globalstate: add transform on %s requires a balance, found %s", e.Key, e.Found)
}

// MissingKeyError is returned when an additive transform targets an absent
// key.
type MissingKeyError struct {
	Key types.Key
}

func (e MissingKeyError) Error() string {
	return fmt.Sprintf("globalstate: add transform on absent key %s", e.Key)
}

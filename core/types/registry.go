package types

import (
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// SystemRegistry maps system contract names to their entity addresses. It
// lives under the system-registry key and is written once at genesis (and
// rewritten by upgrades).
type SystemRegistry map[string]HashAddr

func (r SystemRegistry) Clone() SystemRegistry {
	out := make(SystemRegistry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type registryPair struct {
	Name string
	Addr HashAddr
}

func (r SystemRegistry) EncodeRLP(w io.Writer) error {
	pairs := make([]registryPair, 0, len(r))
	for k, v := range r {
		pairs = append(pairs, registryPair{Name: k, Addr: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return rlp.Encode(w, pairs)
}

func (r *SystemRegistry) DecodeRLP(s *rlp.Stream) error {
	var pairs []registryPair
	if err := s.Decode(&pairs); err != nil {
		return err
	}
	out := make(SystemRegistry, len(pairs))
	for _, p := range pairs {
		out[p.Name] = p.Addr
	}
	*r = out
	return nil
}

// ChecksumRegistry maps checksum names to digests. One instance per block
// lives under the checksum-registry key; a structurally identical instance
// under the chainspec-registry key records the configuration digests the
// chain was launched or upgraded with.
type ChecksumRegistry map[string]Digest

func (r ChecksumRegistry) Clone() ChecksumRegistry {
	out := make(ChecksumRegistry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type checksumPair struct {
	Name   string
	Digest Digest
}

func (r ChecksumRegistry) EncodeRLP(w io.Writer) error {
	pairs := make([]checksumPair, 0, len(r))
	for k, v := range r {
		pairs = append(pairs, checksumPair{Name: k, Digest: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Name < pairs[j].Name })
	return rlp.Encode(w, pairs)
}

func (r *ChecksumRegistry) DecodeRLP(s *rlp.Stream) error {
	var pairs []checksumPair
	if err := s.Decode(&pairs); err != nil {
		return err
	}
	out := make(ChecksumRegistry, len(pairs))
	for _, p := range pairs {
		out[p.Name] = p.Digest
	}
	*r = out
	return nil
}

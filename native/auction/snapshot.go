package auction

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"meridian/core/types"
)

// DelegatorStake is one delegator's contribution inside a snapshot record.
type DelegatorStake struct {
	PublicKey []byte
	Stake     *uint256.Int
}

// SeigniorageRecipient is one auction winner's reward weighting for an era.
type SeigniorageRecipient struct {
	Stake           *uint256.Int
	DelegationRate  uint8
	DelegatorStakes []DelegatorStake
}

// TotalStake is the recipient's own stake plus all delegated stake.
func (r SeigniorageRecipient) TotalStake() *uint256.Int {
	total := new(uint256.Int).Set(r.Stake)
	for _, d := range r.DelegatorStakes {
		total.Add(total, d.Stake)
	}
	return total
}

// RecipientEntry pairs a validator public key with its recipient record.
// Entries are kept sorted by public key so the snapshot encoding is
// canonical.
type RecipientEntry struct {
	PublicKey []byte
	Recipient SeigniorageRecipient
}

// SnapshotEra is the winner set for one era.
type SnapshotEra struct {
	Era        types.EraID
	Recipients []RecipientEntry
}

// Snapshot is the rolling window of upcoming winner sets, covering the
// current era through current + auction delay. It is stored whole under
// the auction's snapshot register.
type Snapshot struct {
	Eras []SnapshotEra
}

// EraRecipients returns the winner set for era.
func (s *Snapshot) EraRecipients(era types.EraID) ([]RecipientEntry, bool) {
	for _, e := range s.Eras {
		if e.Era == era {
			return e.Recipients, true
		}
	}
	return nil, false
}

// Insert adds or replaces the winner set for era, keeping eras sorted and
// recipients in canonical order.
func (s *Snapshot) Insert(era types.EraID, recipients []RecipientEntry) {
	sort.Slice(recipients, func(i, j int) bool {
		return bytes.Compare(recipients[i].PublicKey, recipients[j].PublicKey) < 0
	})
	for i, e := range s.Eras {
		if e.Era == era {
			s.Eras[i].Recipients = recipients
			return
		}
	}
	s.Eras = append(s.Eras, SnapshotEra{Era: era, Recipients: recipients})
	sort.Slice(s.Eras, func(i, j int) bool { return s.Eras[i].Era < s.Eras[j].Era })
}

// DropBefore removes winner sets for eras older than era.
func (s *Snapshot) DropBefore(era types.EraID) {
	kept := s.Eras[:0]
	for _, e := range s.Eras {
		if e.Era >= era {
			kept = append(kept, e)
		}
	}
	s.Eras = kept
}

// EncodeSnapshot serializes a snapshot into its canonical register form.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSnapshot parses the canonical register form.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	out := new(Snapshot)
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

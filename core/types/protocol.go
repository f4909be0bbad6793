package types

import (
	"encoding/hex"
	"fmt"
)

// EraID numbers consensus eras from genesis.
type EraID uint64

// DeployHash identifies one transaction.
type DeployHash [32]byte

func (h DeployHash) Bytes() []byte {
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}

func (h DeployHash) String() string {
	return hex.EncodeToString(h[:])
}

// Phase names the stage of the per-transaction pipeline that is currently
// executing. System-contract behavior differs by phase: the payment purse
// only accepts deposits during payment, and refunds only happen during
// finalization.
type Phase uint8

const (
	PhaseSystem Phase = iota
	PhasePayment
	PhaseSession
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseSystem:
		return "system"
	case PhasePayment:
		return "payment"
	case PhaseSession:
		return "session"
	case PhaseFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// ProtocolVersion is a semver triple gating upgrades.
type ProtocolVersion struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v ProtocolVersion) Cmp(other ProtocolVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	case v.Patch != other.Patch:
		if v.Patch < other.Patch {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// IsValidSuccessor reports whether upgrading from v to next is a legal
// single step: any strictly greater version with at most one major bump.
func (v ProtocolVersion) IsValidSuccessor(next ProtocolVersion) bool {
	if next.Cmp(v) <= 0 {
		return false
	}
	return next.Major <= v.Major+1
}

// Names of the system contracts in the system registry.
const (
	SystemContractMint          = "mint"
	SystemContractAuction       = "auction"
	SystemContractHandlePayment = "handle_payment"
)

// Names of the checksums recorded per block in the checksum registry.
const (
	ChecksumNameApprovals        = "approvals_checksum"
	ChecksumNameExecutionResults = "execution_results_checksum"
)

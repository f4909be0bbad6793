package core

import (
	"errors"
	"fmt"

	"meridian/core/types"
)

var (
	// ErrAuthorizationFailure is returned when a deploy's authorization
	// keys do not reach the account's deployment threshold.
	ErrAuthorizationFailure = errors.New("core: authorization keys below deployment threshold")
	// ErrDirectContractUnsupported is returned for the stored-contract
	// session lane, which this engine does not execute. The sender is
	// still charged so the lane cannot be used to spam for free.
	ErrDirectContractUnsupported = errors.New("core: direct stored-contract sessions are not supported")
	// ErrMissingPaymentAmount is returned when a standard payment carries
	// no amount.
	ErrMissingPaymentAmount = errors.New("core: standard payment requires an amount")
	// ErrInvalidSourcePurse is returned when a transfer names a source
	// purse the sending account does not own.
	ErrInvalidSourcePurse = errors.New("core: source purse is not held by the sender")
	// ErrUnauthorizedBid is returned when an auction session acts on a
	// bid that does not belong to the sending account.
	ErrUnauthorizedBid = errors.New("core: bid does not belong to the sender")
	// ErrDisabledUnrestrictedTransfers is returned when transfers are
	// restricted and neither end of the transfer is an administrator.
	ErrDisabledUnrestrictedTransfers = errors.New("core: transfers between arbitrary accounts are disabled")
)

// InvalidProtocolVersionError rejects upgrades that do not strictly follow
// the currently active protocol version.
type InvalidProtocolVersionError struct {
	Current  types.ProtocolVersion
	Proposed types.ProtocolVersion
}

func (e InvalidProtocolVersionError) Error() string {
	return fmt.Sprintf("core: protocol version %s is not a valid successor of %s", e.Proposed, e.Current)
}

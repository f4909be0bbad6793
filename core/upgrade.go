package core

import (
	"meridian/config"
	"meridian/core/tracking"
	"meridian/core/types"
	"meridian/crypto"
	"meridian/native/handlepayment"
	"meridian/native/mint"
)

// StateUpdate is one raw key write applied during an upgrade.
type StateUpdate struct {
	Key   types.Key
	Value *types.StoredValue
}

// UpgradeRequest migrates global state to a new protocol version. Optional
// fields change the corresponding auction register in state; nil leaves it
// alone.
type UpgradeRequest struct {
	PreStateHash           types.Digest
	CurrentProtocolVersion types.ProtocolVersion
	NewProtocolVersion     types.ProtocolVersion
	ChainspecHash          types.Digest

	NewValidatorSlots          *uint32
	NewAuctionDelay            *uint64
	NewLockedFundsPeriodMillis *uint64
	NewMinimumDelegationAmount *uint64

	GlobalStateUpdates []StateUpdate
}

// UpgradeSuccess is the committed outcome of an upgrade.
type UpgradeSuccess struct {
	PostStateHash types.Digest
	Effects       types.Effects
}

// CommitUpgrade applies a protocol upgrade on top of PreStateHash and
// commits the migrated state. The new version must strictly succeed the
// current one, and the state must have been through genesis.
func (e *EngineState) CommitUpgrade(req UpgradeRequest) (UpgradeSuccess, error) {
	if !req.CurrentProtocolVersion.IsValidSuccessor(req.NewProtocolVersion) {
		return UpgradeSuccess{}, InvalidProtocolVersionError{
			Current:  req.CurrentProtocolVersion,
			Proposed: req.NewProtocolVersion,
		}
	}
	tc, err := e.trackingCopy(req.PreStateHash)
	if err != nil {
		return UpgradeSuccess{}, err
	}
	if _, err := tc.GetSystemRegistry(); err != nil {
		return UpgradeSuccess{}, err
	}

	for _, update := range req.GlobalStateUpdates {
		tc.Write(update.Key, update.Value)
	}

	gen := crypto.NewAddressGenerator(req.PreStateHash.Bytes(), uint8(types.PhaseSystem))
	auctionAddr, err := tc.GetSystemEntityAddr(types.SystemContractAuction)
	if err != nil {
		return UpgradeSuccess{}, err
	}
	if req.NewValidatorSlots != nil {
		writeRegister(tc, gen, auctionAddr, "validator_slots", uint64(*req.NewValidatorSlots))
	}
	if req.NewAuctionDelay != nil {
		writeRegister(tc, gen, auctionAddr, "auction_delay", *req.NewAuctionDelay)
	}
	if req.NewLockedFundsPeriodMillis != nil {
		writeRegister(tc, gen, auctionAddr, "locked_funds_period", *req.NewLockedFundsPeriodMillis)
	}
	if req.NewMinimumDelegationAmount != nil {
		writeRegister(tc, gen, auctionAddr, "minimum_delegation_amount", *req.NewMinimumDelegationAmount)
	}

	if err := e.ensureAccumulationPurse(tc, gen); err != nil {
		return UpgradeSuccess{}, err
	}
	if err := migrateEraSummary(tc); err != nil {
		return UpgradeSuccess{}, err
	}

	tc.Write(types.ChainspecRegistryKey(), types.NewChecksumRegistryValue(types.ChecksumRegistry{
		"chainspec_raw": req.ChainspecHash,
	}))

	effects := tc.Effects()
	root, err := e.state.Commit(req.PreStateHash, effects)
	if err != nil {
		return UpgradeSuccess{}, err
	}
	e.log.Info("upgrade committed",
		"from", req.CurrentProtocolVersion.String(),
		"to", req.NewProtocolVersion.String(),
		"post_state_hash", root.Hex())
	return UpgradeSuccess{PostStateHash: root, Effects: effects}, nil
}

// writeRegister updates a named numeric register on entity, creating the
// backing address on first use.
func writeRegister(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator, entity types.HashAddr, name string, value uint64) {
	key, err := tc.GetNamedKey(entity, name)
	if err != nil {
		key = types.URefKey(types.URef(gen.NextAddress()))
		tc.WriteNamedKey(entity, name, key)
	}
	tc.Write(key, types.NewRawU64Value(value))
}

// ensureAccumulationPurse creates the accumulation purse when an upgrade
// switches fee handling to accumulate on a chain launched without it.
func (e *EngineState) ensureAccumulationPurse(tc *tracking.TrackingCopy, gen *crypto.AddressGenerator) error {
	if e.cfg.FeeHandling != config.FeeAccumulate {
		return nil
	}
	addr, err := tc.GetSystemEntityAddr(types.SystemContractHandlePayment)
	if err != nil {
		return err
	}
	if _, err := tc.GetNamedKey(addr, handlepayment.AccumulationPurseNamedKey); err == nil {
		return nil
	}
	purse, err := mint.NewRuntime(tc, gen).CreatePurse()
	if err != nil {
		return err
	}
	tc.WriteNamedKey(addr, handlepayment.AccumulationPurseNamedKey, types.URefKey(purse))
	return nil
}

// migrateEraSummary moves the latest per-era summary under the stable
// era-summary key. Upgraded chains stop writing per-era records; the old
// ones are pruned batch by batch as blocks execute.
func migrateEraSummary(tc *tracking.TrackingCopy) error {
	if v, err := tc.Read(types.EraSummaryKey()); err == nil && v != nil {
		return nil
	} else if err != nil {
		return err
	}
	keys, err := tc.Keys(types.KeyTagEraInfo)
	if err != nil || len(keys) == 0 {
		return err
	}
	latest := keys[len(keys)-1]
	value, err := tc.Read(latest)
	if err != nil || value == nil {
		return err
	}
	tc.Write(types.EraSummaryKey(), value)
	return nil
}

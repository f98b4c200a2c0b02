// Package apptypes holds the domain types shared by every rrelayer
// component: relayer identities, transaction intents, the queue's
// Transaction record, and the webhook event envelope. None of these types
// carry behavior that belongs to a single component — methods here are
// limited to simple derivations (Active, GasCapExceeded, Status.Terminal) that every caller
// needs regardless of which package they live in.
package apptypes

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// RelayerIdentity is a named, chain-bound wallet identity owned by the
// service. See spec §3: (chain_id, wallet_index) is unique, the address is
// immutable once assigned, and deletion is always a soft tombstone.
type RelayerIdentity struct {
	ID                uuid.UUID
	Name              string
	ChainID           uint64
	WalletIndex       uint32
	Address           common.Address
	Paused            bool
	AllowlistedOnly   bool
	MaxGasPriceCap    *big.Int // nil means uncapped
	EIP1559Enabled    bool
	Deleted           bool
	CreatedAt         time.Time
}

// Active reports whether the relayer may accept new submissions.
func (r *RelayerIdentity) Active() bool {
	return r != nil && !r.Deleted && !r.Paused
}

// GasCapExceeded reports whether price would exceed this relayer's
// configured maximum, if any.
func (r *RelayerIdentity) GasCapExceeded(price *big.Int) bool {
	if r.MaxGasPriceCap == nil {
		return false
	}
	return price.Cmp(r.MaxGasPriceCap) > 0
}

// AllowlistEntry is a (relayer, address) pair permitted as a recipient when
// the owning relayer has AllowlistedOnly set.
type AllowlistEntry struct {
	RelayerID uuid.UUID
	Address   common.Address
}

package apptypes

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SpeedTier selects which of the estimator's four fee tiers to price a
// transaction at. See spec §4.2.
type SpeedTier string

const (
	SpeedSlow      SpeedTier = "slow"
	SpeedMedium    SpeedTier = "medium"
	SpeedFast      SpeedTier = "fast"
	SpeedSuperFast SpeedTier = "superFast"
)

// Status is the lifecycle state of a Transaction. Transitions are
// monotonic except for the re-org rollback (Mined -> InMempool) and the
// replacement regressions documented in spec §4.3 / §4.5. A Confirmed
// transaction is no longer re-checked, so it never rolls back.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInMempool  Status = "inMempool"
	StatusMined      Status = "mined"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusReplaced   Status = "replaced"
	StatusDropped    Status = "dropped"
)

// Terminal reports whether status is an end state the queue will never
// advance past. Confirmed is not counted here, although the mined worker
// stops tracking a transaction once it is Confirmed and a later re-org
// does not move it back to InMempool.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusExpired, StatusCancelled, StatusReplaced, StatusDropped:
		return true
	default:
		return false
	}
}

// GasPrice is the signed broadcast pricing for a transaction: either an
// EIP-1559 priority/max-fee pair or a legacy single gas price.
type GasPrice struct {
	IsLegacy     bool
	GasPrice     *big.Int // legacy only
	MaxPriority  *big.Int // EIP-1559 tip
	MaxFee       *big.Int // EIP-1559 cap
	BlobGasPrice *big.Int // nil unless the tx carries blobs
}

// Blob is a single EIP-4844 blob payload attached to an intent.
type Blob struct {
	Data       []byte
	Commitment [48]byte
	Proof      [48]byte
}

// TransactionIntent is the caller-supplied input to Submit/Replace.
type TransactionIntent struct {
	To         common.Address
	Value      *big.Int
	Data       []byte
	Speed      SpeedTier // empty means "use the relayer's default"
	ExternalID string    // opaque webhook-correlation id, caller supplied
	Blobs      []Blob
}

// CompetitionKind distinguishes a cancel twin from a replace twin. Both
// share the nonce of the transaction they compete against.
type CompetitionKind string

const (
	CompetitionCancel  CompetitionKind = "cancel"
	CompetitionReplace CompetitionKind = "replace"
)

// Transaction is the queue's owned record, mirrored in the persistence
// store. It is mutated exclusively by the three workers of its owning
// relayer's queue (spec §3, "Lifecycle ownership").
type Transaction struct {
	ID         uuid.UUID
	RelayerID  uuid.UUID
	ChainID    uint64
	Sender     common.Address
	To         common.Address
	Value      *big.Int
	Data       []byte
	Nonce      uint64
	NonceSet   bool // false until the pending worker assigns a nonce

	Status Status
	Speed  SpeedTier

	SentGasPrice GasPrice
	GasLimit     uint64

	KnownTxHash common.Hash // prospective hash at submit, rewritten on re-broadcast
	BlockHash   common.Hash
	BlockNumber uint64

	QueuedAt    time.Time
	SentAt      time.Time
	MinedAt     time.Time
	ConfirmedAt time.Time
	ExpiresAt   time.Time
	ExpiredAt   time.Time
	FailedAt    time.Time

	FailedReason string // truncated to 2000 chars, spec §3

	IsNoop     bool
	ExternalID string
	Blobs      []Blob
}

// TruncateFailedReason applies the 2000-char cap from spec §3.
func TruncateFailedReason(reason string) string {
	const max = 2000
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}

// CompetitiveTransaction pairs an in-mempool transaction with its
// replace/cancel twin, if any. In-memory only (spec §3); never persisted
// as a single row, though both Original and Competitor mirror their own
// Transaction rows. internal/queue's tracker owns the operations on this
// pair (which side is active, lookup by id); this type is deliberately a
// bare data holder.
type CompetitiveTransaction struct {
	Original   *Transaction
	Competitor *Transaction
	Kind       CompetitionKind // zero value when Competitor is nil
}

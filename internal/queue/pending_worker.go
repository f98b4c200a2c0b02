package queue

import (
	"context"
	"math/big"
	"time"

	glog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/gas"
)

// pendingTickInterval is how often the pending worker drains the
// sub-queue. Kept short since broadcast is usually the critical-path
// latency a caller of Submit is waiting on.
const pendingTickInterval = 1 * time.Second

// runPending implements spec §4.3.2: broadcast every transaction
// sitting in the pending sub-queue, promoting successes to inmempool
// and handling RPC failures per the classified-error recovery table.
func (q *Queue) runPending(ctx context.Context) {
	ticker := time.NewTicker(pendingTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tickPending(ctx)
		}
	}
}

func (q *Queue) tickPending(ctx context.Context) {
	q.mu.Lock()
	batch := make([]*apptypes.Transaction, len(q.pending))
	copy(batch, q.pending)
	relayer := q.relayer
	q.mu.Unlock()

	defer q.reportDepths()

	if relayer == nil || len(batch) == 0 {
		return
	}

	for _, tx := range batch {
		q.broadcastPending(ctx, tx)
	}
}

func (q *Queue) broadcastPending(ctx context.Context, tx *apptypes.Transaction) {
	if !tx.ExpiresAt.IsZero() && time.Now().After(tx.ExpiresAt) {
		q.expirePending(ctx, tx)
		return
	}

	tier := gas.Tier{MaxPriorityFee: tx.SentGasPrice.MaxPriority, MaxFee: tx.SentGasPrice.MaxFee}
	if tx.SentGasPrice.IsLegacy {
		tier = gas.Tier{MaxFee: tx.SentGasPrice.GasPrice}
	}
	skeleton, _, err := buildSkeleton(tx, tx.Nonce, tier, !tx.SentGasPrice.IsLegacy, tx.SentGasPrice.BlobGasPrice)
	if err != nil {
		glog.Error("pending worker: rebuild skeleton failed", "tx", tx.ID, "err", err)
		return
	}
	signed, err := q.signer.SignTransaction(ctx, q.relayer.WalletIndex, q.network.ChainID, skeleton)
	if err != nil {
		glog.Error("pending worker: sign failed", "tx", tx.ID, "err", err)
		return
	}
	tx.KnownTxHash = signed.Hash()

	err = q.broadcast(ctx, signed)
	if err == nil {
		q.promoteToMempool(ctx, tx)
		return
	}

	classified := apperrors.Classify(err)
	switch classified.Kind {
	case apperrors.KindUnderpriced:
		q.bumpAndRetryPending(ctx, tx)
	case apperrors.KindInsufficientFunds:
		q.failPendingAndFreeNonce(ctx, tx, classified.Error())
	case apperrors.KindPermanent:
		q.failPending(ctx, tx, classified.Error())
	default:
		glog.Warn("pending worker: transient broadcast failure, will retry", "tx", tx.ID, "err", err)
	}
}

// bumpAndRetryPending raises tx's stored gas price by 12.5% (failing tx
// if that would exceed the relayer's cap) and persists it. It does not
// rebroadcast: tx stays in pending, and the next tick signs and sends it
// at the bumped price.
func (q *Queue) bumpAndRetryPending(ctx context.Context, tx *apptypes.Transaction) {
	bumped := bumpTier(tx.SentGasPrice)
	if exceedsCap(q.relayer.MaxGasPriceCap, apptypes.GasPrice{MaxFee: bumped.MaxFee, IsLegacy: tx.SentGasPrice.IsLegacy, GasPrice: bumpLegacy(tx.SentGasPrice.GasPrice)}) {
		q.failPending(ctx, tx, "gas bump would exceed relayer cap")
		return
	}
	if tx.SentGasPrice.IsLegacy {
		tx.SentGasPrice.GasPrice = bumpLegacy(tx.SentGasPrice.GasPrice)
	} else {
		tx.SentGasPrice.MaxPriority = bumped.MaxPriorityFee
		tx.SentGasPrice.MaxFee = bumped.MaxFee
	}
	if err := q.store.UpdateTransaction(ctx, tx, "bumped gas price after underpriced rejection"); err != nil {
		glog.Error("pending worker: persist gas bump failed", "tx", tx.ID, "err", err)
	}
}

func (q *Queue) promoteToMempool(ctx context.Context, tx *apptypes.Transaction) {
	tx.Status = apptypes.StatusInMempool
	tx.SentAt = time.Now()
	if err := q.store.UpdateTransaction(ctx, tx, "broadcast succeeded"); err != nil {
		glog.Error("pending worker: persist promotion failed", "tx", tx.ID, "err", err)
		return
	}

	q.mu.Lock()
	for i, p := range q.pending {
		if p.ID == tx.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.inmempool = append(q.inmempool, &apptypes.CompetitiveTransaction{Original: tx})
	q.mu.Unlock()

	q.emit(ctx, apptypes.EventTransactionSent, tx, nil, nil)
}

func (q *Queue) failPending(ctx context.Context, tx *apptypes.Transaction, reason string) {
	tx.Status = apptypes.StatusFailed
	tx.FailedAt = time.Now()
	tx.FailedReason = apptypes.TruncateFailedReason(reason)
	if err := q.store.UpdateTransaction(ctx, tx, reason); err != nil {
		glog.Error("pending worker: persist failure failed", "tx", tx.ID, "err", err)
	}

	q.mu.Lock()
	for i, p := range q.pending {
		if p.ID == tx.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.emit(ctx, apptypes.EventTransactionFailed, tx, nil, nil)
}

// failPendingAndFreeNonce implements spec §4.3.2 step 6 / §7's
// InsufficientFunds recovery: tx is marked Failed like any other
// permanent broadcast failure, but unlike the others its nonce was never
// successfully claimed by anything else, so it would dangle and block
// every higher-nonce transaction queued behind it. A no-op (to=self,
// value=0, data=empty, spec §4.3.5's shape) is built at the same nonce,
// signed, and broadcast directly, entering the inmempool sub-queue in
// tx's place so the relayer's nonce sequence keeps advancing.
func (q *Queue) failPendingAndFreeNonce(ctx context.Context, tx *apptypes.Transaction, reason string) {
	q.failPending(ctx, tx, reason)
	q.submitNoopForNonce(ctx, tx)
}

func (q *Queue) submitNoopForNonce(ctx context.Context, tx *apptypes.Transaction) {
	q.mu.Lock()
	relayer := q.relayer
	q.mu.Unlock()
	if relayer == nil {
		return
	}

	tier, err := q.priceTier(ctx, tx.Speed)
	if err != nil {
		glog.Error("pending worker: price no-op replacement failed", "tx", tx.ID, "nonce", tx.Nonce, "err", err)
		return
	}

	noop := &apptypes.Transaction{
		ID:        uuid.New(),
		RelayerID: tx.RelayerID,
		ChainID:   tx.ChainID,
		Sender:    relayer.Address,
		To:        relayer.Address,
		Value:     big.NewInt(0),
		Nonce:     tx.Nonce,
		NonceSet:  true,
		Status:    apptypes.StatusInMempool,
		Speed:     tx.Speed,
		GasLimit:  tx.GasLimit,
		QueuedAt:  time.Now(),
		IsNoop:    true,
	}

	signed, price, err := q.signAt(ctx, relayer, noop, noop.Nonce, tier)
	if err != nil {
		glog.Error("pending worker: sign no-op replacement failed", "tx", tx.ID, "nonce", tx.Nonce, "err", err)
		return
	}
	noop.SentGasPrice = price
	noop.KnownTxHash = signed.Hash()
	noop.SentAt = time.Now()

	if err := q.store.InsertTransaction(ctx, noop); err != nil {
		glog.Error("pending worker: persist no-op replacement failed", "tx", tx.ID, "nonce", tx.Nonce, "err", err)
		return
	}
	if err := q.broadcast(ctx, signed); err != nil {
		glog.Error("pending worker: broadcast no-op replacement failed", "tx", tx.ID, "nonce", tx.Nonce, "err", err)
		return
	}

	q.mu.Lock()
	q.inmempool = append(q.inmempool, &apptypes.CompetitiveTransaction{Original: noop})
	q.mu.Unlock()
}

func (q *Queue) expirePending(ctx context.Context, tx *apptypes.Transaction) {
	tx.Status = apptypes.StatusExpired
	tx.ExpiredAt = time.Now()
	if err := q.store.UpdateTransaction(ctx, tx, "expired before broadcast"); err != nil {
		glog.Error("pending worker: persist expiry failed", "tx", tx.ID, "err", err)
	}

	q.mu.Lock()
	for i, p := range q.pending {
		if p.ID == tx.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	q.emit(ctx, apptypes.EventTransactionExpired, tx, nil, nil)
}

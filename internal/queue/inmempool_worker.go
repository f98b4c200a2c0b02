package queue

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	glog "github.com/ethereum/go-ethereum/log"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

const inmempoolTickInterval = 2 * time.Second

// runInMempool implements spec §4.3.3: poll for receipts on every
// in-mempool pair's active side (and its original, if a competitor
// exists), resolve competitive pairs (C9) when one side mines, bump gas
// on the active side at the network's configured interval, and expire
// stuck transactions into a no-op replacement.
func (q *Queue) runInMempool(ctx context.Context) {
	ticker := time.NewTicker(inmempoolTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tickInMempool(ctx)
		}
	}
}

func (q *Queue) tickInMempool(ctx context.Context) {
	q.mu.Lock()
	batch := make([]*apptypes.CompetitiveTransaction, len(q.inmempool))
	copy(batch, q.inmempool)
	q.mu.Unlock()

	for _, c := range batch {
		q.checkCompetitivePair(ctx, c)
	}
}

func (q *Queue) checkCompetitivePair(ctx context.Context, c *apptypes.CompetitiveTransaction) {
	if receipt, ok := q.tryReceipt(ctx, c.Original); ok {
		q.resolveMined(ctx, c, c.Original, receipt)
		return
	}
	if c.Competitor != nil {
		if receipt, ok := q.tryReceipt(ctx, c.Competitor); ok {
			q.resolveMined(ctx, c, c.Competitor, receipt)
			return
		}
	}

	active := activeTransaction(c)
	if !active.ExpiresAt.IsZero() && time.Now().After(active.ExpiresAt) {
		q.expireInMempool(ctx, c)
		return
	}

	if time.Since(active.SentAt) >= q.network.GasBumpInterval {
		q.bumpInMempool(ctx, c, active)
	}
}

func (q *Queue) tryReceipt(ctx context.Context, tx *apptypes.Transaction) (*types.Receipt, bool) {
	receipt, err := q.provider.Receipt(ctx, tx.KnownTxHash)
	if err != nil {
		glog.Warn("inmempool worker: receipt lookup failed", "tx", tx.ID, "err", err)
		return nil, false
	}
	if receipt == nil {
		return nil, false
	}
	return receipt, true
}

func (q *Queue) resolveMined(ctx context.Context, c *apptypes.CompetitiveTransaction, minedSide *apptypes.Transaction, receipt *types.Receipt) {
	resolution := checkMinedHash(c, minedSide.KnownTxHash)

	if receipt.Status == 0 {
		q.failMined(ctx, minedSide, receipt, "transaction reverted on-chain")
	} else {
		minedSide.Status = apptypes.StatusMined
		minedSide.BlockHash = receipt.BlockHash
		minedSide.BlockNumber = receipt.BlockNumber.Uint64()
		minedSide.MinedAt = time.Now()
		if err := q.store.UpdateTransaction(ctx, minedSide, "mined"); err != nil {
			glog.Error("inmempool worker: persist mined failed", "tx", minedSide.ID, "err", err)
		}
	}

	// spec §4.3.3 step 3: if the original mined, the competitor is
	// Dropped (no webhook of its own — TransactionMined already fired
	// for the original); if the competitor mined, the original is
	// Cancelled, with the event type keyed on the competition kind.
	losing := q.losingSide(c, minedSide)
	if losing != nil {
		switch resolution {
		case OriginalWon:
			losing.Status = apptypes.StatusDropped
			if err := q.store.UpdateTransaction(ctx, losing, "dropped: competitor lost to original"); err != nil {
				glog.Error("inmempool worker: persist dropped competitor failed", "tx", losing.ID, "err", err)
			}
		case CompetitorWon:
			losing.Status = apptypes.StatusCancelled
			eventType := apptypes.EventTransactionReplaced
			if c.Kind == apptypes.CompetitionCancel {
				eventType = apptypes.EventTransactionCancelled
			}
			if err := q.store.UpdateTransaction(ctx, losing, "superseded by competing transaction"); err != nil {
				glog.Error("inmempool worker: persist superseded side failed", "tx", losing.ID, "err", err)
			}
			q.emit(ctx, eventType, losing, minedSide, nil)
		}
	}

	q.mu.Lock()
	for i, p := range q.inmempool {
		if p == c {
			q.inmempool = append(q.inmempool[:i], q.inmempool[i+1:]...)
			break
		}
	}
	if receipt.Status != 0 {
		q.mined[minedSide.ID] = minedSide
	}
	q.mu.Unlock()

	if receipt.Status != 0 {
		q.emit(ctx, apptypes.EventTransactionMined, minedSide, nil, &apptypes.Receipt{
			TransactionHash: minedSide.KnownTxHash.Hex(),
			BlockHash:       minedSide.BlockHash.Hex(),
			BlockNumber:     minedSide.BlockNumber,
			Status:          receipt.Status,
		})
	}
}

func (q *Queue) losingSide(c *apptypes.CompetitiveTransaction, winner *apptypes.Transaction) *apptypes.Transaction {
	if c.Competitor == nil {
		return nil
	}
	if c.Original.ID == winner.ID {
		return c.Competitor
	}
	return c.Original
}

func (q *Queue) failMined(ctx context.Context, tx *apptypes.Transaction, receipt *types.Receipt, reason string) {
	tx.Status = apptypes.StatusFailed
	tx.FailedAt = time.Now()
	tx.FailedReason = apptypes.TruncateFailedReason(reason)
	tx.BlockHash = receipt.BlockHash
	tx.BlockNumber = receipt.BlockNumber.Uint64()
	if err := q.store.UpdateTransaction(ctx, tx, reason); err != nil {
		glog.Error("inmempool worker: persist revert failed", "tx", tx.ID, "err", err)
	}
	q.emit(ctx, apptypes.EventTransactionFailed, tx, nil, nil)
}

// bumpInMempool implements the gas-bump policy: price the active side
// up by 12.5% in place (same nonce, same hash slot, new signed payload
// and prospective hash), keeping it a genuine replacement rather than a
// second competitive pair.
func (q *Queue) bumpInMempool(ctx context.Context, c *apptypes.CompetitiveTransaction, active *apptypes.Transaction) {
	bumped := bumpTier(active.SentGasPrice)
	if exceedsCap(q.relayer.MaxGasPriceCap, apptypes.GasPrice{MaxFee: bumped.MaxFee}) {
		return
	}
	skeleton, price, err := buildSkeleton(active, active.Nonce, bumped, !active.SentGasPrice.IsLegacy, active.SentGasPrice.BlobGasPrice)
	if err != nil {
		glog.Error("inmempool worker: rebuild skeleton for bump failed", "tx", active.ID, "err", err)
		return
	}
	signed, err := q.signer.SignTransaction(ctx, q.relayer.WalletIndex, q.network.ChainID, skeleton)
	if err != nil {
		glog.Error("inmempool worker: sign bump failed", "tx", active.ID, "err", err)
		return
	}
	if err := q.broadcast(ctx, signed); err != nil {
		glog.Warn("inmempool worker: bump broadcast failed", "tx", active.ID, "err", err)
		return
	}
	active.SentGasPrice = price
	active.KnownTxHash = signed.Hash()
	active.SentAt = time.Now()
	if err := q.store.UpdateTransaction(ctx, active, "gas bumped while stuck in mempool"); err != nil {
		glog.Error("inmempool worker: persist bump failed", "tx", active.ID, "err", err)
	}
	if q.metrics != nil {
		q.metrics.ObserveGasBump(q.relayerID.String())
	}
}

// expireInMempool implements spec §4.3.3 step 5's expiry handling: mark
// the original Expired, then replace it at its own nonce with a no-op
// priced at the super-fast tier, so the nonce is freed without waiting
// for the original to ever mine.
func (q *Queue) expireInMempool(ctx context.Context, c *apptypes.CompetitiveTransaction) {
	if c.Competitor != nil {
		return
	}

	c.Original.Status = apptypes.StatusExpired
	c.Original.ExpiredAt = time.Now()
	if err := q.store.UpdateTransaction(ctx, c.Original, "expired while stuck in mempool"); err != nil {
		glog.Error("inmempool worker: persist expiry failed", "tx", c.Original.ID, "err", err)
	}
	q.emit(ctx, apptypes.EventTransactionExpired, c.Original, nil, nil)

	twin, err := q.buildCompetitorLocked(ctx, c.Original, apptypes.CompetitionCancel, apptypes.TransactionIntent{
		To:    q.relayer.Address,
		Value: cloneBig(nil),
		Speed: apptypes.SpeedSuperFast,
	})
	if err != nil {
		glog.Error("inmempool worker: expiry no-op replacement failed", "tx", c.Original.ID, "err", err)
		return
	}
	c.Competitor = twin
	c.Kind = apptypes.CompetitionCancel
}

// buildCompetitorLocked locks the queue and delegates to buildCompetitor,
// for callers (the worker ticks) that don't already hold q.mu.
func (q *Queue) buildCompetitorLocked(ctx context.Context, original *apptypes.Transaction, kind apptypes.CompetitionKind, intent apptypes.TransactionIntent) (*apptypes.Transaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buildCompetitor(ctx, original, kind, intent)
}

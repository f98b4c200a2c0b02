package queue

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	glog "github.com/ethereum/go-ethereum/log"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

const minedTickInterval = 3 * time.Second

// runMined implements spec §4.3.4: for every mined transaction, re-fetch
// its receipt to detect a re-org (receipt gone or block hash changed —
// push silently back to inmempool) and otherwise check confirmation
// depth, promoting to Confirmed once the network's required number of
// confirmations has passed.
func (q *Queue) runMined(ctx context.Context) {
	ticker := time.NewTicker(minedTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.tickMined(ctx)
		case _, ok := <-q.newHeads:
			if !ok {
				q.newHeads = nil
				continue
			}
			q.tickMined(ctx)
		}
	}
}

func (q *Queue) tickMined(ctx context.Context) {
	q.mu.Lock()
	batch := make([]*apptypes.Transaction, 0, len(q.mined))
	for _, tx := range q.mined {
		batch = append(batch, tx)
	}
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	head, err := q.provider.BlockNumber(ctx)
	if err != nil {
		glog.Warn("mined worker: fetch head failed", "err", err)
		return
	}

	for _, tx := range batch {
		q.checkMinedTransaction(ctx, tx, head)
	}
}

func (q *Queue) checkMinedTransaction(ctx context.Context, tx *apptypes.Transaction, head uint64) {
	receipt, err := q.provider.Receipt(ctx, tx.KnownTxHash)
	if err != nil {
		glog.Warn("mined worker: receipt re-check failed", "tx", tx.ID, "err", err)
		return
	}
	if receipt == nil || receipt.BlockHash != tx.BlockHash {
		q.rollbackReorg(ctx, tx)
		return
	}

	if head < tx.BlockNumber {
		return
	}
	depth := head - tx.BlockNumber
	if depth < q.network.ConfirmationsRequired {
		return
	}

	tx.Status = apptypes.StatusConfirmed
	tx.ConfirmedAt = time.Now()
	if err := q.store.UpdateTransaction(ctx, tx, "reached required confirmation depth"); err != nil {
		glog.Error("mined worker: persist confirmation failed", "tx", tx.ID, "err", err)
		return
	}

	q.mu.Lock()
	delete(q.mined, tx.ID)
	q.mu.Unlock()

	q.emit(ctx, apptypes.EventTransactionConfirmed, tx, nil, &apptypes.Receipt{
		TransactionHash: tx.KnownTxHash.Hex(),
		BlockHash:       tx.BlockHash.Hex(),
		BlockNumber:     tx.BlockNumber,
		Status:          1,
	})
}

// rollbackReorg implements the re-org path of spec §4.3.4: the receipt
// that was mined is no longer visible at the hash we recorded, so the
// transaction goes back to the front of its relayer's inmempool
// sub-queue to be re-tracked, with no webhook emitted — confirmation
// depth exists precisely so this is rare and silent.
func (q *Queue) rollbackReorg(ctx context.Context, tx *apptypes.Transaction) {
	tx.Status = apptypes.StatusInMempool
	tx.BlockHash = common.Hash{}
	tx.BlockNumber = 0
	tx.MinedAt = time.Time{}
	if err := q.store.UpdateTransaction(ctx, tx, "re-org detected, rolled back to inmempool"); err != nil {
		glog.Error("mined worker: persist rollback failed", "tx", tx.ID, "err", err)
		return
	}

	q.mu.Lock()
	delete(q.mined, tx.ID)
	q.inmempool = append([]*apptypes.CompetitiveTransaction{{Original: tx}}, q.inmempool...)
	q.mu.Unlock()
}

// Package queue implements the Relayer Transaction Queue (C7), the
// Competitive Transaction Tracker (C9), and the Queue Supervisor (C8) —
// the core of rrelayer. Grounded throughout in the teacher's concurrency
// idiom (16-concurrency's worker-pool-over-a-channel shape, generalized
// from "fetch block headers" to "drive one relayer's pending/inmempool/
// mined pipeline") and its nonce/fee-construction modules (05-tx-nonces,
// 06-eip1559) for the actual transaction-building logic each worker
// drives.
package queue

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	glog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/gas"
)

// Signer is the slice of internal/signer.Manager the queue drives.
type Signer interface {
	SignTransaction(ctx context.Context, index uint32, chainID uint64, tx *types.Transaction) (*types.Transaction, error)
}

// Provider is the slice of internal/provider.Provider the queue drives.
type Provider interface {
	ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	Broadcast(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	InMempool(ctx context.Context, hash common.Hash) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlobBaseFee(ctx context.Context) (*big.Int, error)
}

// Store is the slice of internal/store.Store the queue drives.
type Store interface {
	GetRelayer(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error)
	IsAllowlisted(ctx context.Context, relayerID uuid.UUID, addr common.Address) (bool, error)
	InsertTransaction(ctx context.Context, tx *apptypes.Transaction) error
	UpdateTransaction(ctx context.Context, tx *apptypes.Transaction, detail string) error
	ListByRelayerAndStatus(ctx context.Context, relayerID uuid.UUID, status apptypes.Status, limit, offset int) ([]*apptypes.Transaction, error)
}

// EventSink is the slice of internal/webhook.Dispatcher the queue drives.
type EventSink interface {
	Enqueue(ctx context.Context, ev apptypes.Event) error
}

// Metrics is the slice of internal/metrics.Registry the queue updates.
// Kept as a minimal interface so this package doesn't need to import
// prometheus directly.
type Metrics interface {
	ObserveQueueDepths(relayerID string, pending, inmempool, mined int)
	ObserveBroadcast(relayerID, outcome string)
	ObserveGasBump(relayerID string)
	ObserveStatusTransition(status string)
}

// Network carries the per-chain tuning spec §3/§4.3 reference:
// confirmations required before Confirmed, the gas-bump interval, and
// whether this chain supports EIP-4844 blob transactions.
type Network struct {
	ChainID               uint64
	ConfirmationsRequired uint64
	GasBumpInterval       time.Duration
	SupportsBlobs         bool
}

// Queue is one relayer's owned state machine: three sub-queues (spec
// §4.3) plus the collaborators every transition needs.
type Queue struct {
	relayerID uuid.UUID
	network   Network

	signer   Signer
	gas      gas.Estimator
	provider Provider
	store    Store
	events   EventSink
	metrics  Metrics

	mu        sync.Mutex
	relayer   *apptypes.RelayerIdentity
	pending   []*apptypes.Transaction
	inmempool []*apptypes.CompetitiveTransaction
	mined     map[uuid.UUID]*apptypes.Transaction

	shuttingDown bool

	// newHeads, if non-nil, delivers a block number every time the
	// chain's head advances (spec §4.3.4's re-org check, driven by a
	// websocket subscription instead of the mined worker's own ticker
	// alone — see internal/provider.NewHeadWatcher). Left nil by
	// default; a nil channel is never selected, so runMined degrades to
	// ticker-only polling when no watcher is configured.
	newHeads <-chan uint64
}

// New constructs an empty queue for relayerID. Supervisor.rehydrate
// (supervisor.go) fills it from the store before starting workers.
func New(relayerID uuid.UUID, network Network, signer Signer, estimator gas.Estimator, provider Provider, store Store, events EventSink) *Queue {
	return &Queue{
		relayerID: relayerID,
		network:   network,
		signer:    signer,
		gas:       estimator,
		provider:  provider,
		store:     store,
		events:    events,
		mined:     make(map[uuid.UUID]*apptypes.Transaction),
	}
}

// WithMetrics attaches a metrics recorder, returning q for chaining at
// construction time.
func (q *Queue) WithMetrics(m Metrics) *Queue {
	q.metrics = m
	return q
}

// WithNewHeadWatcher attaches a channel of new block-number
// notifications, returning q for chaining at construction time. The
// mined worker selects on this channel alongside its own ticker so a
// re-org is caught as soon as a new head arrives (spec §4.3.4).
func (q *Queue) WithNewHeadWatcher(heads <-chan uint64) *Queue {
	q.newHeads = heads
	return q
}

func (q *Queue) observeStatus(status apptypes.Status) {
	if q.metrics != nil {
		q.metrics.ObserveStatusTransition(string(status))
	}
}

// Submit implements spec §4.3.1: validate, assign a nonce, price gas,
// sign locally to compute the prospective hash, persist, and enqueue.
// Broadcast happens asynchronously in the pending worker.
func (q *Queue) Submit(ctx context.Context, intent apptypes.TransactionIntent) (*apptypes.Transaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuttingDown {
		return nil, fmt.Errorf("queue: %w", apperrors.ErrRelayerPaused)
	}

	relayer, err := q.loadRelayer(ctx)
	if err != nil {
		return nil, err
	}
	if !relayer.Active() {
		if relayer.Deleted {
			return nil, apperrors.ErrRelayerNotFound
		}
		return nil, apperrors.ErrRelayerPaused
	}

	if relayer.AllowlistedOnly {
		ok, err := q.store.IsAllowlisted(ctx, relayer.ID, intent.To)
		if err != nil {
			return nil, fmt.Errorf("queue: allowlist check: %w", err)
		}
		if !ok {
			return nil, apperrors.ErrNotAllowlisted
		}
	}

	if len(intent.Blobs) > 0 && !q.network.SupportsBlobs {
		return nil, fmt.Errorf("queue: %w: chain %d does not support blobs", apperrors.ErrInvalidBlob, q.network.ChainID)
	}

	nonce, err := q.nextNonce(ctx, relayer.Address)
	if err != nil {
		return nil, err
	}

	gasLimit, err := q.provider.EstimateGas(ctx, ethereum.CallMsg{
		From:  relayer.Address,
		To:    &intent.To,
		Value: intent.Value,
		Data:  intent.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("queue: estimate gas: %w", err)
	}

	speed := intent.Speed
	if speed == "" {
		speed = apptypes.SpeedMedium
	}

	tx := &apptypes.Transaction{
		ID:         uuid.New(),
		RelayerID:  relayer.ID,
		ChainID:    q.network.ChainID,
		Sender:     relayer.Address,
		To:         intent.To,
		Value:      intent.Value,
		Data:       intent.Data,
		Nonce:      nonce,
		NonceSet:   true,
		Status:     apptypes.StatusPending,
		Speed:      speed,
		GasLimit:   gasLimit,
		QueuedAt:   time.Now(),
		ExternalID: intent.ExternalID,
		Blobs:      intent.Blobs,
	}

	tier, err := q.priceTier(ctx, speed)
	if err != nil {
		return nil, err
	}
	if exceedsCap(relayer.MaxGasPriceCap, apptypes.GasPrice{MaxFee: tier.MaxFee, IsLegacy: !relayer.EIP1559Enabled, GasPrice: tier.LegacyGasPrice()}) {
		return nil, apperrors.ErrGasCapExceeded
	}

	signed, price, err := q.signAt(ctx, relayer, tx, nonce, tier)
	if err != nil {
		return nil, fmt.Errorf("queue: sign: %w", err)
	}
	tx.SentGasPrice = price
	tx.KnownTxHash = signed.Hash()

	if err := q.store.InsertTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("queue: persist submission: %w", err)
	}
	q.pending = append(q.pending, tx)

	q.emit(ctx, apptypes.EventTransactionQueued, tx, nil, nil)
	return tx, nil
}

// Cancel implements spec §4.3.5.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (bool, *uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, tx := range q.pending {
		if tx.ID == id {
			tx.Status = apptypes.StatusCancelled
			if err := q.store.UpdateTransaction(ctx, tx, "cancelled while pending"); err != nil {
				return false, nil, fmt.Errorf("queue: cancel pending: %w", err)
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.emit(ctx, apptypes.EventTransactionCancelled, tx, nil, nil)
			return true, nil, nil
		}
	}

	for _, c := range q.inmempool {
		if transactionByID(c, id) != c.Original || c.Competitor != nil {
			continue
		}
		twin, err := q.buildCompetitor(ctx, c.Original, apptypes.CompetitionCancel, apptypes.TransactionIntent{
			To: q.relayer.Address, Value: big.NewInt(0),
		})
		if err != nil {
			return false, nil, err
		}
		c.Competitor = twin
		c.Kind = apptypes.CompetitionCancel
		twinID := twin.ID
		return true, &twinID, nil
	}

	return false, nil, apperrors.ErrNotCancellable
}

// Replace implements spec §4.3.6.
func (q *Queue) Replace(ctx context.Context, id uuid.UUID, intent apptypes.TransactionIntent) (*apptypes.Transaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tx := range q.pending {
		if tx.ID != id {
			continue
		}
		tx.To = intent.To
		tx.Value = intent.Value
		tx.Data = intent.Data
		if intent.Speed != "" {
			tx.Speed = intent.Speed
		}
		gasLimit, err := q.provider.EstimateGas(ctx, ethereum.CallMsg{From: tx.Sender, To: &tx.To, Value: tx.Value, Data: tx.Data})
		if err != nil {
			return nil, fmt.Errorf("queue: replace: estimate gas: %w", err)
		}
		tx.GasLimit = gasLimit
		tier, err := q.priceTier(ctx, tx.Speed)
		if err != nil {
			return nil, err
		}
		signed, price, err := q.signAt(ctx, q.relayer, tx, tx.Nonce, tier)
		if err != nil {
			return nil, fmt.Errorf("queue: replace: sign: %w", err)
		}
		tx.SentGasPrice = price
		tx.KnownTxHash = signed.Hash()
		if err := q.store.UpdateTransaction(ctx, tx, "replaced while pending"); err != nil {
			return nil, fmt.Errorf("queue: replace: persist: %w", err)
		}
		return tx, nil
	}

	for _, c := range q.inmempool {
		if transactionByID(c, id) != c.Original || c.Competitor != nil {
			continue
		}
		twin, err := q.buildCompetitor(ctx, c.Original, apptypes.CompetitionReplace, intent)
		if err != nil {
			return nil, err
		}
		c.Competitor = twin
		c.Kind = apptypes.CompetitionReplace
		return twin, nil
	}

	return nil, apperrors.ErrNotCancellable
}

// buildCompetitor prices, signs, and broadcasts a cancel/replace twin at
// the original's nonce, priced at >= current x1.125 (spec §4.3.5/4.3.6)
// and at least at intent.Speed's tier, or at the tier above the
// original's speed when intent.Speed is empty.
// Caller must hold q.mu.
func (q *Queue) buildCompetitor(ctx context.Context, original *apptypes.Transaction, kind apptypes.CompetitionKind, intent apptypes.TransactionIntent) (*apptypes.Transaction, error) {
	bumped := bumpTier(original.SentGasPrice)
	speed := nextSpeedTier(original.Speed)
	if intent.Speed != "" {
		speed = intent.Speed
	}
	nextTier, err := q.priceTier(ctx, speed)
	if err == nil {
		bumped = higherOf(bumped, nextTier)
	}
	if exceedsCap(q.relayer.MaxGasPriceCap, apptypes.GasPrice{MaxFee: bumped.MaxFee}) {
		return nil, apperrors.ErrGasCapExceeded
	}

	twin := &apptypes.Transaction{
		ID:        uuid.New(),
		RelayerID: original.RelayerID,
		ChainID:   original.ChainID,
		Sender:    original.Sender,
		To:        intent.To,
		Value:     intent.Value,
		Data:      intent.Data,
		Nonce:     original.Nonce,
		NonceSet:  true,
		Status:    apptypes.StatusInMempool,
		Speed:     original.Speed,
		GasLimit:  original.GasLimit,
		QueuedAt:  time.Now(),
		IsNoop:    kind == apptypes.CompetitionCancel,
	}

	signed, price, err := q.signAt(ctx, q.relayer, twin, twin.Nonce, bumped)
	if err != nil {
		return nil, fmt.Errorf("queue: competitor sign: %w", err)
	}
	twin.SentGasPrice = price
	twin.KnownTxHash = signed.Hash()
	twin.SentAt = time.Now()

	if err := q.store.InsertTransaction(ctx, twin); err != nil {
		return nil, fmt.Errorf("queue: competitor persist: %w", err)
	}
	if err := q.broadcast(ctx, signed); err != nil {
		return nil, fmt.Errorf("queue: competitor broadcast: %w", err)
	}
	return twin, nil
}

func nextSpeedTier(s apptypes.SpeedTier) apptypes.SpeedTier {
	switch s {
	case apptypes.SpeedSlow:
		return apptypes.SpeedMedium
	case apptypes.SpeedMedium:
		return apptypes.SpeedFast
	default:
		return apptypes.SpeedSuperFast
	}
}

// loadRelayer fetches and memoizes the relayer identity. Caller must
// hold q.mu.
func (q *Queue) loadRelayer(ctx context.Context) (*apptypes.RelayerIdentity, error) {
	if q.relayer != nil {
		return q.relayer, nil
	}
	r, err := q.store.GetRelayer(ctx, q.relayerID)
	if err != nil {
		return nil, err
	}
	q.relayer = r
	return r, nil
}

// nextNonce implements spec §4.3.1 step 3: max(last_in_flight_nonce+1,
// current_on_chain_nonce). Caller must hold q.mu.
func (q *Queue) nextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	chainNonce, err := q.provider.ConfirmedNonce(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("queue: fetch chain nonce: %w", err)
	}
	if last, ok := q.lastInFlightNonce(); ok {
		if last+1 > chainNonce {
			return last + 1, nil
		}
	}
	return chainNonce, nil
}

// lastInFlightNonce scans pending+inmempool+mined for the highest nonce
// currently tracked for this relayer.
func (q *Queue) lastInFlightNonce() (uint64, bool) {
	var max uint64
	found := false
	consider := func(n uint64) {
		if !found || n > max {
			max = n
			found = true
		}
	}
	for _, tx := range q.pending {
		consider(tx.Nonce)
	}
	for _, c := range q.inmempool {
		consider(c.Original.Nonce)
	}
	for _, tx := range q.mined {
		consider(tx.Nonce)
	}
	return max, found
}

// priceTier resolves a speed tier to concrete gas prices via C2.
func (q *Queue) priceTier(ctx context.Context, speed apptypes.SpeedTier) (gas.Tier, error) {
	prices, err := q.gas.GetGasPrices(ctx, q.network.ChainID)
	if err != nil {
		return gas.Tier{}, fmt.Errorf("queue: gas prices: %w", err)
	}
	return prices.Tier(string(speed)), nil
}

// signAt builds the typed transaction skeleton and signs it via C1.
func (q *Queue) signAt(ctx context.Context, relayer *apptypes.RelayerIdentity, tx *apptypes.Transaction, nonce uint64, tier gas.Tier) (*types.Transaction, apptypes.GasPrice, error) {
	var blobFeeCap *big.Int
	if len(tx.Blobs) > 0 {
		base, err := q.provider.BlobBaseFee(ctx)
		if err != nil {
			return nil, apptypes.GasPrice{}, fmt.Errorf("blob base fee: %w", err)
		}
		blobFeeCap = base
	}

	skeleton, price, err := buildSkeleton(tx, nonce, tier, relayer.EIP1559Enabled, blobFeeCap)
	if err != nil {
		return nil, apptypes.GasPrice{}, err
	}
	signed, err := q.signer.SignTransaction(ctx, relayer.WalletIndex, q.network.ChainID, skeleton)
	if err != nil {
		classified := apperrors.Classify(err)
		return nil, apptypes.GasPrice{}, fmt.Errorf("sign: %w", classified)
	}
	return signed, price, nil
}

// broadcast sends signed via C3 and classifies any failure so callers
// can apply spec §4.3.2's recovery table. KnownTransaction is treated as
// success (idempotent broadcast, spec §7).
func (q *Queue) broadcast(ctx context.Context, signed *types.Transaction) error {
	err := q.provider.Broadcast(ctx, signed)
	if err == nil {
		if q.metrics != nil {
			q.metrics.ObserveBroadcast(q.relayerID.String(), "success")
		}
		return nil
	}
	classified := apperrors.Classify(err)
	if classified.Kind == apperrors.KindKnownTransaction {
		if q.metrics != nil {
			q.metrics.ObserveBroadcast(q.relayerID.String(), "known")
		}
		return nil
	}
	if q.metrics != nil {
		q.metrics.ObserveBroadcast(q.relayerID.String(), "failure")
	}
	return classified
}

func (q *Queue) emit(ctx context.Context, eventType apptypes.EventType, tx, original *apptypes.Transaction, receipt *apptypes.Receipt) {
	if tx != nil {
		q.observeStatus(tx.Status)
	}
	if q.events == nil {
		return
	}
	payload := apptypes.EventPayload{Transaction: tx, Receipt: receipt}
	if original != nil {
		payload.OriginalTransaction = original
	}
	ev := apptypes.Event{
		RelayerID: q.relayerID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := q.events.Enqueue(ctx, ev); err != nil {
		glog.Warn("queue: webhook enqueue failed", "relayer", q.relayerID, "event", eventType, "err", err)
	}
}

// Shutdown flips the rejection flag so new submissions fail fast (spec
// §4.5's graceful shutdown); in-flight worker ticks are left to finish
// on their own, per the supervisor's timeout.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.shuttingDown = true
}

// Depths reports the current length of each sub-queue, for metrics.
func (q *Queue) Depths() (pending, inmempool, mined int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inmempool), len(q.mined)
}

// reportDepths pushes the current sub-queue lengths to the metrics
// registry, if one is attached. Called at the end of every worker tick
// so QueueDepth stays current without a dedicated timer.
func (q *Queue) reportDepths() {
	if q.metrics == nil {
		return
	}
	pending, inmempool, mined := q.Depths()
	q.metrics.ObserveQueueDepths(q.relayerID.String(), pending, inmempool, mined)
}

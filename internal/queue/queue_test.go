package queue

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/gas"
)

// testKey is a well-known go-ethereum test vector, not a real wallet.
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f29"

func testRelayer(t *testing.T, opts ...func(*apptypes.RelayerIdentity)) (*apptypes.RelayerIdentity, *fakeSigner) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	r := &apptypes.RelayerIdentity{
		ID:             uuid.New(),
		ChainID:        1,
		WalletIndex:    0,
		Address:        addr,
		EIP1559Enabled: true,
	}
	for _, o := range opts {
		o(r)
	}
	return r, &fakeSigner{}
}

// fakeSigner re-derives the well-known test key on every call rather than
// holding it, since *ecdsa.PrivateKey isn't needed anywhere else in the
// fake's state.
type fakeSigner struct{}

func (f *fakeSigner) SignTransaction(ctx context.Context, index uint32, chainID uint64, tx *types.Transaction) (*types.Transaction, error) {
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(chainID))
	return types.SignTx(tx, signer, key)
}

type fakeProvider struct {
	mu sync.Mutex

	nonce       uint64
	gasLimit    uint64
	broadcastFn func(tx *types.Transaction) error
	receipts    map[common.Hash]*types.Receipt
	blockNumber uint64
	blobFee     *big.Int
	broadcasts  []*types.Transaction
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		gasLimit:    21000,
		receipts:    make(map[common.Hash]*types.Receipt),
		blockNumber: 100,
		blobFee:     big.NewInt(1),
	}
}

func (p *fakeProvider) ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonce, nil
}

func (p *fakeProvider) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return p.gasLimit, nil
}

func (p *fakeProvider) Broadcast(ctx context.Context, tx *types.Transaction) error {
	p.mu.Lock()
	p.broadcasts = append(p.broadcasts, tx)
	fn := p.broadcastFn
	p.mu.Unlock()
	if fn != nil {
		return fn(tx)
	}
	return nil
}

func (p *fakeProvider) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receipts[hash], nil
}

func (p *fakeProvider) InMempool(ctx context.Context, hash common.Hash) (bool, error) {
	return true, nil
}

func (p *fakeProvider) BlockNumber(ctx context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockNumber, nil
}

func (p *fakeProvider) BlobBaseFee(ctx context.Context) (*big.Int, error) {
	return p.blobFee, nil
}

func (p *fakeProvider) setReceipt(hash common.Hash, r *types.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[hash] = r
}

type fakeStore struct {
	mu           sync.Mutex
	relayer      *apptypes.RelayerIdentity
	allowlisted  map[common.Address]bool
	inserted     []*apptypes.Transaction
	updated      []*apptypes.Transaction
	updateDetail []string
}

func newFakeStore(relayer *apptypes.RelayerIdentity) *fakeStore {
	return &fakeStore{relayer: relayer, allowlisted: make(map[common.Address]bool)}
}

func (s *fakeStore) GetRelayer(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
	return s.relayer, nil
}

func (s *fakeStore) IsAllowlisted(ctx context.Context, relayerID uuid.UUID, addr common.Address) (bool, error) {
	return s.allowlisted[addr], nil
}

func (s *fakeStore) InsertTransaction(ctx context.Context, tx *apptypes.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, tx)
	return nil
}

func (s *fakeStore) UpdateTransaction(ctx context.Context, tx *apptypes.Transaction, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, tx)
	s.updateDetail = append(s.updateDetail, detail)
	return nil
}

func (s *fakeStore) ListByRelayerAndStatus(ctx context.Context, relayerID uuid.UUID, status apptypes.Status, limit, offset int) ([]*apptypes.Transaction, error) {
	return nil, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []apptypes.Event
}

func (e *fakeEvents) Enqueue(ctx context.Context, ev apptypes.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEvents) of(t apptypes.EventType) []apptypes.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []apptypes.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeEstimator struct{}

func (fakeEstimator) GetGasPrices(ctx context.Context, chainID uint64) (*gas.Prices, error) {
	tier := func(gwei int64) gas.Tier {
		return gas.Tier{
			MaxPriorityFee: big.NewInt(gwei * 1_000_000_000),
			MaxFee:         big.NewInt(gwei * 2 * 1_000_000_000),
		}
	}
	return &gas.Prices{
		Slow:      tier(1),
		Medium:    tier(2),
		Fast:      tier(3),
		SuperFast: tier(5),
	}, nil
}

func (fakeEstimator) IsChainSupported(chainID uint64) bool    { return true }
func (fakeEstimator) SupportsBlobPricing(chainID uint64) bool { return false }

func testQueue(t *testing.T, relayer *apptypes.RelayerIdentity, signer Signer, provider *fakeProvider, store *fakeStore, events *fakeEvents) *Queue {
	t.Helper()
	network := Network{ChainID: relayer.ChainID, ConfirmationsRequired: 3, GasBumpInterval: time.Hour}
	q := New(relayer.ID, network, signer, fakeEstimator{}, provider, store, events)
	q.relayer = relayer
	return q
}

func basicIntent(to common.Address) apptypes.TransactionIntent {
	return apptypes.TransactionIntent{To: to, Value: big.NewInt(1), Speed: apptypes.SpeedMedium}
}

func TestSubmitAssignsNonceAndQueues(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.nonce = 7
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)
	require.EqualValues(t, 7, tx.Nonce)
	require.Equal(t, apptypes.StatusPending, tx.Status)
	require.NotEqual(t, common.Hash{}, tx.KnownTxHash)
	require.Len(t, store.inserted, 1)
	require.Len(t, events.of(apptypes.EventTransactionQueued), 1)

	pending, inmempool, mined := q.Depths()
	require.Equal(t, 1, pending)
	require.Equal(t, 0, inmempool)
	require.Equal(t, 0, mined)
}

func TestSubmitNonceMonotonicAcrossPending(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.nonce = 3
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	first, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0x1")))
	require.NoError(t, err)
	second, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0x2")))
	require.NoError(t, err)

	require.EqualValues(t, 3, first.Nonce)
	require.EqualValues(t, 4, second.Nonce)
}

func TestSubmitRejectsWhenRelayerPaused(t *testing.T) {
	relayer, signer := testRelayer(t, func(r *apptypes.RelayerIdentity) { r.Paused = true })
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	_, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.Error(t, err)
}

func TestSubmitRejectsWhenNotAllowlisted(t *testing.T) {
	relayer, signer := testRelayer(t, func(r *apptypes.RelayerIdentity) { r.AllowlistedOnly = true })
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	_, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xdead")))
	require.Error(t, err)

	store.allowlisted[common.HexToAddress("0xdead")] = true
	_, err = q.Submit(context.Background(), basicIntent(common.HexToAddress("0xdead")))
	require.NoError(t, err)
}

func TestSubmitRejectsBlobsOnUnsupportedChain(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	intent := basicIntent(common.HexToAddress("0xabc"))
	intent.Blobs = []apptypes.Blob{{Data: []byte{1, 2, 3}}}
	_, err := q.Submit(context.Background(), intent)
	require.Error(t, err)
}

func TestSubmitRejectsExceedingGasCap(t *testing.T) {
	relayer, signer := testRelayer(t, func(r *apptypes.RelayerIdentity) {
		r.MaxGasPriceCap = big.NewInt(1) // far below even the slow tier
	})
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	_, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.ErrorIs(t, err, apperrors.ErrGasCapExceeded)
}

func TestCancelPendingRemovesDirectly(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)

	cancelled, competitorID, err := q.Cancel(context.Background(), tx.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.Nil(t, competitorID)
	require.Equal(t, apptypes.StatusCancelled, tx.Status)

	pending, _, _ := q.Depths()
	require.Equal(t, 0, pending)
	require.Len(t, events.of(apptypes.EventTransactionCancelled), 1)
}

func TestCancelInMempoolBuildsCompetitor(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, To: common.HexToAddress("0x1"), Value: big.NewInt(1),
		Nonce: 5, NonceSet: true, Status: apptypes.StatusInMempool, Speed: apptypes.SpeedMedium,
		GasLimit: 21000, SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(2e9), MaxFee: big.NewInt(4e9)},
	}
	q.inmempool = append(q.inmempool, &apptypes.CompetitiveTransaction{Original: original})

	cancelled, competitorID, err := q.Cancel(context.Background(), original.ID)
	require.NoError(t, err)
	require.True(t, cancelled)
	require.NotNil(t, competitorID)
	require.Len(t, provider.broadcasts, 1)

	require.Len(t, q.inmempool, 1)
	pair := q.inmempool[0]
	require.NotNil(t, pair.Competitor)
	require.True(t, pair.Competitor.IsNoop)
	require.Equal(t, original.Nonce, pair.Competitor.Nonce)
	require.True(t, pair.Competitor.SentGasPrice.MaxFee.Cmp(original.SentGasPrice.MaxFee) > 0)
}

func TestReplaceInMempoolBuildsCompetitor(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, To: common.HexToAddress("0x1"), Value: big.NewInt(1),
		Nonce: 9, NonceSet: true, Status: apptypes.StatusInMempool, Speed: apptypes.SpeedMedium,
		GasLimit: 21000, SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(2e9), MaxFee: big.NewInt(4e9)},
	}
	q.inmempool = append(q.inmempool, &apptypes.CompetitiveTransaction{Original: original})

	newTo := common.HexToAddress("0x2")
	twin, err := q.Replace(context.Background(), original.ID, apptypes.TransactionIntent{To: newTo, Value: big.NewInt(2)})
	require.NoError(t, err)
	require.Equal(t, newTo, twin.To)
	require.False(t, twin.IsNoop)
	require.Equal(t, original.Nonce, twin.Nonce)
}

func TestBroadcastPendingPromotesToMempool(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)

	q.broadcastPending(context.Background(), tx)

	require.Equal(t, apptypes.StatusInMempool, tx.Status)
	pending, inmempool, _ := q.Depths()
	require.Equal(t, 0, pending)
	require.Equal(t, 1, inmempool)
	require.Len(t, events.of(apptypes.EventTransactionSent), 1)
}

func TestBroadcastPendingUnderpricedBumpsGas(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.broadcastFn = func(tx *types.Transaction) error {
		return fmt.Errorf("transaction underpriced")
	}
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)
	before := new(big.Int).Set(tx.SentGasPrice.MaxFee)

	q.broadcastPending(context.Background(), tx)

	require.Equal(t, apptypes.StatusPending, tx.Status)
	require.True(t, tx.SentGasPrice.MaxFee.Cmp(before) > 0)
	pending, _, _ := q.Depths()
	require.Equal(t, 1, pending)
}

func TestBroadcastPendingInsufficientFundsFails(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.broadcastFn = func(tx *types.Transaction) error {
		return fmt.Errorf("insufficient funds for gas * price + value")
	}
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)

	q.broadcastPending(context.Background(), tx)

	require.Equal(t, apptypes.StatusFailed, tx.Status)
	pending, _, _ := q.Depths()
	require.Equal(t, 0, pending)
	require.Len(t, events.of(apptypes.EventTransactionFailed), 1)
}

func TestBroadcastPendingInsufficientFundsFreesNonceWithNoop(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	var calls int
	provider.broadcastFn = func(tx *types.Transaction) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("insufficient funds for gas * price + value")
		}
		return nil
	}
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)
	stuckNonce := tx.Nonce

	q.broadcastPending(context.Background(), tx)

	require.Equal(t, apptypes.StatusFailed, tx.Status)
	pending, inmempool, _ := q.Depths()
	require.Equal(t, 0, pending)
	require.Equal(t, 1, inmempool)
	require.Equal(t, 2, calls, "expected both the original broadcast and the no-op replacement to be attempted")

	noop := q.inmempool[0].Original
	require.True(t, noop.IsNoop)
	require.Equal(t, stuckNonce, noop.Nonce)
	require.Equal(t, apptypes.StatusInMempool, noop.Status)
}

func TestBroadcastIdempotentOnKnownTransaction(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.broadcastFn = func(tx *types.Transaction) error {
		return fmt.Errorf("already known")
	}
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	tx, err := q.Submit(context.Background(), basicIntent(common.HexToAddress("0xabc")))
	require.NoError(t, err)

	q.broadcastPending(context.Background(), tx)

	require.Equal(t, apptypes.StatusInMempool, tx.Status)
}

func TestCompetitivePairReplaceOriginalWins(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, To: common.HexToAddress("0x1"), Value: big.NewInt(1),
		Nonce: 1, NonceSet: true, Status: apptypes.StatusInMempool, Speed: apptypes.SpeedMedium,
		GasLimit: 21000, KnownTxHash: common.HexToHash("0x01"),
		SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(1e9), MaxFee: big.NewInt(2e9)},
		SentAt:       time.Now(),
	}
	competitor := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, Nonce: 1, NonceSet: true, Status: apptypes.StatusInMempool,
		KnownTxHash: common.HexToHash("0x02"),
		SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(3e9), MaxFee: big.NewInt(6e9)},
		SentAt:       time.Now(),
	}
	// Original mines despite the replace attempt: the replace twin lost.
	pair := &apptypes.CompetitiveTransaction{Original: original, Competitor: competitor, Kind: apptypes.CompetitionReplace}
	q.inmempool = append(q.inmempool, pair)

	provider.setReceipt(original.KnownTxHash, &types.Receipt{
		Status: 1, BlockHash: common.HexToHash("0xblk"), BlockNumber: big.NewInt(50),
	})

	q.checkCompetitivePair(context.Background(), pair)

	require.Equal(t, apptypes.StatusMined, original.Status)
	require.Equal(t, apptypes.StatusDropped, competitor.Status)
	require.Len(t, q.inmempool, 0)
	require.Len(t, q.mined, 1)
	require.Len(t, events.of(apptypes.EventTransactionMined), 1)
	require.Len(t, events.of(apptypes.EventTransactionReplaced), 0)
}

func TestCompetitivePairCancelSucceeds(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, To: common.HexToAddress("0x1"), Value: big.NewInt(1),
		Nonce: 1, NonceSet: true, Status: apptypes.StatusInMempool, Speed: apptypes.SpeedMedium,
		GasLimit: 21000, KnownTxHash: common.HexToHash("0x01"),
		SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(1e9), MaxFee: big.NewInt(2e9)},
		SentAt:       time.Now(),
	}
	competitor := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, Nonce: 1, NonceSet: true, Status: apptypes.StatusInMempool,
		KnownTxHash: common.HexToHash("0x02"), IsNoop: true,
		SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(3e9), MaxFee: big.NewInt(6e9)},
		SentAt:       time.Now(),
	}
	// The cancel no-op mines instead of the original: the cancel succeeded.
	pair := &apptypes.CompetitiveTransaction{Original: original, Competitor: competitor, Kind: apptypes.CompetitionCancel}
	q.inmempool = append(q.inmempool, pair)

	provider.setReceipt(competitor.KnownTxHash, &types.Receipt{
		Status: 1, BlockHash: common.HexToHash("0xblk"), BlockNumber: big.NewInt(50),
	})

	q.checkCompetitivePair(context.Background(), pair)

	require.Equal(t, apptypes.StatusMined, competitor.Status)
	require.Equal(t, apptypes.StatusCancelled, original.Status)
	require.Len(t, q.inmempool, 0)
	require.Len(t, q.mined, 1)
	require.Len(t, events.of(apptypes.EventTransactionCancelled), 1)
}

func TestCompetitivePairRevertedMarksFailed(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, Nonce: 1, NonceSet: true,
		Status: apptypes.StatusInMempool, KnownTxHash: common.HexToHash("0x01"), SentAt: time.Now(),
	}
	pair := &apptypes.CompetitiveTransaction{Original: original}
	q.inmempool = append(q.inmempool, pair)

	provider.setReceipt(original.KnownTxHash, &types.Receipt{
		Status: 0, BlockHash: common.HexToHash("0xblk"), BlockNumber: big.NewInt(50),
	})

	q.checkCompetitivePair(context.Background(), pair)

	require.Equal(t, apptypes.StatusFailed, original.Status)
	require.Len(t, q.inmempool, 0)
}

func TestExpireInMempoolMarksOriginalExpiredAndFreesNonce(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)

	original := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, ChainID: relayer.ChainID,
		Sender: relayer.Address, To: common.HexToAddress("0x1"), Value: big.NewInt(1),
		Nonce: 1, NonceSet: true, Status: apptypes.StatusInMempool, Speed: apptypes.SpeedMedium,
		GasLimit: 21000, KnownTxHash: common.HexToHash("0x01"),
		SentGasPrice: apptypes.GasPrice{MaxPriority: big.NewInt(1e9), MaxFee: big.NewInt(2e9)},
		SentAt:       time.Now().Add(-time.Hour),
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	pair := &apptypes.CompetitiveTransaction{Original: original}
	q.inmempool = append(q.inmempool, pair)

	// No receipt registered for original: it's still stuck, past its
	// expiry deadline.
	q.checkCompetitivePair(context.Background(), pair)

	require.Equal(t, apptypes.StatusExpired, original.Status)
	require.False(t, original.ExpiredAt.IsZero())
	require.Len(t, events.of(apptypes.EventTransactionExpired), 1)

	require.NotNil(t, pair.Competitor)
	require.True(t, pair.Competitor.IsNoop)
	require.Equal(t, original.Nonce, pair.Competitor.Nonce)
	require.Equal(t, apptypes.CompetitionCancel, pair.Kind)
	require.Len(t, q.inmempool, 1, "the pair stays in inmempool tracking the no-op replacement")
}

func TestMinedWorkerConfirmsAfterDepth(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.blockNumber = 110
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)
	q.network.ConfirmationsRequired = 3

	tx := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, KnownTxHash: common.HexToHash("0x01"),
		BlockHash: common.HexToHash("0xblk"), BlockNumber: 100, Status: apptypes.StatusMined,
	}
	q.mined[tx.ID] = tx
	provider.setReceipt(tx.KnownTxHash, &types.Receipt{BlockHash: tx.BlockHash, BlockNumber: big.NewInt(100), Status: 1})

	q.checkMinedTransaction(context.Background(), tx, provider.blockNumber)

	require.Equal(t, apptypes.StatusConfirmed, tx.Status)
	require.Len(t, q.mined, 0)
	require.Len(t, events.of(apptypes.EventTransactionConfirmed), 1)
}

func TestMinedWorkerNotYetConfirmedAtDepthBoundary(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.blockNumber = 102
	store := newFakeStore(relayer)
	events := &fakeEvents{}
	q := testQueue(t, relayer, signer, provider, store, events)
	q.network.ConfirmationsRequired = 3

	tx := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, KnownTxHash: common.HexToHash("0x01"),
		BlockHash: common.HexToHash("0xblk"), BlockNumber: 100, Status: apptypes.StatusMined,
	}
	q.mined[tx.ID] = tx
	provider.setReceipt(tx.KnownTxHash, &types.Receipt{BlockHash: tx.BlockHash, BlockNumber: big.NewInt(100), Status: 1})

	// head - blockNumber == 2, one short of ConfirmationsRequired == 3:
	// must not confirm yet (spec's depth formula has no +1).
	q.checkMinedTransaction(context.Background(), tx, provider.blockNumber)

	require.Equal(t, apptypes.StatusMined, tx.Status)
	require.Len(t, q.mined, 1)
	require.Len(t, events.of(apptypes.EventTransactionConfirmed), 0)
}

func TestMinedWorkerRollsBackOnReorg(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	tx := &apptypes.Transaction{
		ID: uuid.New(), RelayerID: relayer.ID, KnownTxHash: common.HexToHash("0x01"),
		BlockHash: common.HexToHash("0xblk"), BlockNumber: 100, Status: apptypes.StatusMined,
	}
	q.mined[tx.ID] = tx
	// No receipt registered: simulates the block disappearing in a re-org.

	q.checkMinedTransaction(context.Background(), tx, 105)

	require.Equal(t, apptypes.StatusInMempool, tx.Status)
	require.Equal(t, common.Hash{}, tx.BlockHash)
	require.Len(t, q.mined, 0)
	require.Len(t, q.inmempool, 1)
	require.Equal(t, tx.ID, q.inmempool[0].Original.ID)
}

func TestNextNonceUsesMaxOfChainAndInFlight(t *testing.T) {
	relayer, signer := testRelayer(t)
	provider := newFakeProvider()
	provider.nonce = 5
	store := newFakeStore(relayer)
	q := testQueue(t, relayer, signer, provider, store, &fakeEvents{})

	q.pending = append(q.pending, &apptypes.Transaction{Nonce: 8})

	nonce, err := q.nextNonce(context.Background(), relayer.Address)
	require.NoError(t, err)
	require.EqualValues(t, 9, nonce)
}

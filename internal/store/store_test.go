package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRelayer() *apptypes.RelayerIdentity {
	return &apptypes.RelayerIdentity{
		ID:          uuid.New(),
		Name:        "test-relayer",
		ChainID:     11155111,
		WalletIndex: 0,
		Address:     common.HexToAddress("0x000000000000000000000000000000000000aa"),
		CreatedAt:   time.Now(),
	}
}

func TestCreateAndGetRelayer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	got, err := s.GetRelayer(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, r.Address, got.Address)
	require.Equal(t, r.ChainID, got.ChainID)
	require.False(t, got.Deleted)
}

func TestGetRelayerNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRelayer(context.Background(), uuid.New())
	require.ErrorIs(t, err, apperrors.ErrRelayerNotFound)
}

func TestSoftDeleteExcludesFromList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	require.NoError(t, s.SoftDelete(ctx, r.ID))

	list, err := s.ListRelayers(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	got, err := s.GetRelayer(ctx, r.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
}

func TestNextWalletIndexIncrementsPerChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idx, err := s.NextWalletIndex(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx)

	r := testRelayer()
	r.ChainID = 1
	r.WalletIndex = 0
	require.NoError(t, s.CreateRelayer(ctx, r))

	idx, err = s.NextWalletIndex(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), idx)

	idx, err = s.NextWalletIndex(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(0), idx, "different chain must have its own sequence")
}

func TestAllowlistMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	addr := common.HexToAddress("0x000000000000000000000000000000000000bb")
	ok, err := s.IsAllowlisted(ctx, r.ID, addr)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.AddAllowlistEntry(ctx, r.ID, addr))
	ok, err = s.IsAllowlisted(ctx, r.ID, addr)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RemoveAllowlistEntry(ctx, r.ID, addr))
	ok, err = s.IsAllowlisted(ctx, r.ID, addr)
	require.NoError(t, err)
	require.False(t, ok)
}

func testTransaction(relayerID uuid.UUID) *apptypes.Transaction {
	return &apptypes.Transaction{
		ID:        uuid.New(),
		RelayerID: relayerID,
		ChainID:   11155111,
		Sender:    common.HexToAddress("0x000000000000000000000000000000000000aa"),
		To:        common.HexToAddress("0x000000000000000000000000000000000000cc"),
		Value:     big.NewInt(1000),
		Status:    apptypes.StatusPending,
		Speed:     apptypes.SpeedMedium,
		GasLimit:  21000,
		QueuedAt:  time.Now(),
	}
}

func TestInsertAndGetTransactionWritesAuditRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	tx := testTransaction(r.ID)
	require.NoError(t, s.InsertTransaction(ctx, tx))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, tx.Value, got.Value)
	require.Equal(t, apptypes.StatusPending, got.Status)

	log, err := s.AuditLog(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, apptypes.StatusPending, log[0].Status)
}

func TestUpdateTransactionAppendsAuditRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	tx := testTransaction(r.ID)
	require.NoError(t, s.InsertTransaction(ctx, tx))

	tx.Status = apptypes.StatusInMempool
	tx.NonceSet = true
	tx.Nonce = 4
	tx.SentAt = time.Now()
	require.NoError(t, s.UpdateTransaction(ctx, tx, "broadcast"))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, apptypes.StatusInMempool, got.Status)
	require.Equal(t, uint64(4), got.Nonce)

	log, err := s.AuditLog(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, "broadcast", log[1].Detail)
}

func TestListByRelayerAndStatusOrdersByQueuedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	first := testTransaction(r.ID)
	first.QueuedAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.InsertTransaction(ctx, first))

	second := testTransaction(r.ID)
	second.QueuedAt = time.Now()
	require.NoError(t, s.InsertTransaction(ctx, second))

	list, err := s.ListByRelayerAndStatus(ctx, r.ID, apptypes.StatusPending, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)
}

func TestSignedMessageHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := testRelayer()
	require.NoError(t, s.CreateRelayer(ctx, r))

	require.NoError(t, s.RecordSignedMessage(ctx, r.ID, []byte("hello"), []byte{1, 2, 3}))
	list, err := s.ListSignedMessages(ctx, r.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []byte("hello"), list[0].Message)
}

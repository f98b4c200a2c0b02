package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

func TestRelayerCacheHitAvoidsLoad(t *testing.T) {
	c := New()
	id := uuid.New()
	var loads int32

	load := func(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
		atomic.AddInt32(&loads, 1)
		return &apptypes.RelayerIdentity{ID: id}, nil
	}

	_, err := c.Relayer(context.Background(), id, load)
	require.NoError(t, err)
	_, err = c.Relayer(context.Background(), id, load)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&loads))
}

func TestRelayerCacheInvalidate(t *testing.T) {
	c := New()
	id := uuid.New()
	var loads int32
	load := func(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
		atomic.AddInt32(&loads, 1)
		return &apptypes.RelayerIdentity{ID: id}, nil
	}

	_, _ = c.Relayer(context.Background(), id, load)
	c.InvalidateRelayer(id)
	_, _ = c.Relayer(context.Background(), id, load)

	require.EqualValues(t, 2, atomic.LoadInt32(&loads))
}

func TestConcurrentMissesCollapseIntoOneLoad(t *testing.T) {
	c := New()
	id := uuid.New()
	var loads int32
	load := func(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
		atomic.AddInt32(&loads, 1)
		time.Sleep(20 * time.Millisecond)
		return &apptypes.RelayerIdentity{ID: id}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Relayer(context.Background(), id, load)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&loads))
}

func TestTransactionCacheSetAndGet(t *testing.T) {
	c := New()
	tx := &apptypes.Transaction{ID: uuid.New(), Status: apptypes.StatusPending}
	c.SetTransaction(tx)

	got, err := c.Transaction(context.Background(), tx.ID, func(ctx context.Context, id uuid.UUID) (*apptypes.Transaction, error) {
		t.Fatal("load should not be called on a warm cache")
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, apptypes.StatusPending, got.Status)
}

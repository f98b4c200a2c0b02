package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

type fakeStore struct {
	mu        sync.Mutex
	saved     map[uuid.UUID]*apptypes.WebhookDelivery
	saveCalls int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[uuid.UUID]*apptypes.WebhookDelivery)}
}

func (f *fakeStore) SaveWebhookDelivery(ctx context.Context, d *apptypes.WebhookDelivery) error {
	atomic.AddInt32(&f.saveCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.saved[d.ID] = &cp
	return nil
}

func (f *fakeStore) DuePendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*apptypes.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*apptypes.WebhookDelivery
	for _, d := range f.saved {
		if !d.Completed && !d.Abandoned && (d.NextRetryAt.IsZero() || !d.NextRetryAt.After(now)) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) PruneCompleted(ctx context.Context, before time.Time) (int64, error) { return 0, nil }

func testConfig() Config {
	return Config{
		InitialDelay:    time.Millisecond,
		Multiplier:      2,
		MaxDelay:        time.Second,
		MaxRetries:      3,
		RetryTick:       10 * time.Millisecond,
		CleanupTick:     time.Hour,
		DBPruneTick:     time.Hour,
		RetentionWindow: 24 * time.Hour,
	}
}

func TestEnqueueDeliversSuccessfully(t *testing.T) {
	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(sharedSecretHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newFakeStore()
	relayerID := uuid.New()
	d := New(testConfig(), st, func(id uuid.UUID) (string, string, bool) {
		return srv.URL, "s3cr3t", true
	})

	err := d.Enqueue(context.Background(), apptypes.Event{
		RelayerID: relayerID,
		Type:      apptypes.EventTransactionSent,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", gotSecret)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.saved, 1)
	for _, rec := range st.saved {
		require.True(t, rec.Completed)
	}
}

func TestEnqueueRetriesOnFailureThenAbandons(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newFakeStore()
	cfg := testConfig()
	d := New(cfg, st, func(id uuid.UUID) (string, string, bool) {
		return srv.URL, "", true
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	err := d.Enqueue(context.Background(), apptypes.Event{
		RelayerID: uuid.New(),
		Type:      apptypes.EventTransactionFailed,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		for _, rec := range st.saved {
			if rec.Abandoned {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
	require.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), cfg.MaxRetries)
}

func TestEnqueueSkipsWhenNoEndpointConfigured(t *testing.T) {
	st := newFakeStore()
	d := New(testConfig(), st, func(id uuid.UUID) (string, string, bool) {
		return "", "", false
	})

	err := d.Enqueue(context.Background(), apptypes.Event{RelayerID: uuid.New(), Timestamp: time.Now()})
	require.NoError(t, err)
	require.Empty(t, st.saved)
}

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	glog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/gas"
)

// ProviderSet resolves a chain id to the Provider driving it. One
// process may serve several chains at once (spec §3); the supervisor
// looks up each relayer's provider by its chain id at boot.
type ProviderSet interface {
	ForChain(chainID uint64) (Provider, bool)
}

// SupervisorStore is the slice of internal/store.Store the supervisor
// needs beyond what Queue itself uses: enumerating relayers and
// rehydrating their sub-queues at boot.
type SupervisorStore interface {
	Store
	ListRelayers(ctx context.Context) ([]*apptypes.RelayerIdentity, error)
	ListByRelayerAndStatus(ctx context.Context, relayerID uuid.UUID, status apptypes.Status, limit, offset int) ([]*apptypes.Transaction, error)
}

// NewHeadSource resolves a chain id to a live channel of new
// block-number notifications, if that chain's network configures a
// websocket endpoint for it (see internal/provider.NewHeadWatcher).
type NewHeadSource func(chainID uint64) (<-chan uint64, bool)

// Supervisor is the Queue Supervisor (C8): it owns one Queue per active
// relayer, spawns that queue's three workers, and coordinates graceful
// shutdown across all of them.
type Supervisor struct {
	store     SupervisorStore
	providers ProviderSet
	estimator gas.Estimator
	signer    Signer
	events    EventSink
	networks  map[uint64]Network
	metrics   Metrics
	newHeads  NewHeadSource

	mu     sync.Mutex
	queues map[uuid.UUID]*Queue
	wg     sync.WaitGroup
}

func NewSupervisor(store SupervisorStore, providers ProviderSet, estimator gas.Estimator, signer Signer, events EventSink, networks map[uint64]Network) *Supervisor {
	return &Supervisor{
		store:     store,
		providers: providers,
		estimator: estimator,
		signer:    signer,
		events:    events,
		networks:  networks,
		queues:    make(map[uuid.UUID]*Queue),
	}
}

// WithMetrics attaches a metrics recorder applied to every queue this
// supervisor boots from this point on.
func (s *Supervisor) WithMetrics(m Metrics) *Supervisor {
	s.metrics = m
	return s
}

// WithNewHeadSource attaches a resolver applied to every queue this
// supervisor boots from this point on, wiring each relayer's mined
// worker to its chain's new-head websocket subscription when one is
// configured (spec §4.3.4).
func (s *Supervisor) WithNewHeadSource(src NewHeadSource) *Supervisor {
	s.newHeads = src
	return s
}

// Queue returns the running queue for relayerID, if any. Used by the
// HTTP API to route Submit/Cancel/Replace to the right relayer.
func (s *Supervisor) Queue(relayerID uuid.UUID) (*Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[relayerID]
	return q, ok
}

// Start implements spec §4.5's boot sequence: load every non-deleted
// relayer, resolve its chain's provider, rehydrate its sub-queues from
// persisted rows ordered by nonce, and spawn its three workers.
func (s *Supervisor) Start(ctx context.Context) error {
	relayers, err := s.store.ListRelayers(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: list relayers: %w", err)
	}

	for _, relayer := range relayers {
		if err := s.bootRelayer(ctx, relayer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) bootRelayer(ctx context.Context, relayer *apptypes.RelayerIdentity) error {
	network, ok := s.networks[relayer.ChainID]
	if !ok {
		return fmt.Errorf("supervisor: relayer %s: %w: chain %d", relayer.ID, apperrors.ErrProviderMissing, relayer.ChainID)
	}
	provider, ok := s.providers.ForChain(relayer.ChainID)
	if !ok {
		return fmt.Errorf("supervisor: relayer %s: %w: chain %d", relayer.ID, apperrors.ErrProviderMissing, relayer.ChainID)
	}

	q := New(relayer.ID, network, s.signer, s.estimator, provider, s.store, s.events)
	q.relayer = relayer
	if s.metrics != nil {
		q.WithMetrics(s.metrics)
	}
	if s.newHeads != nil {
		if heads, ok := s.newHeads(relayer.ChainID); ok {
			q.WithNewHeadWatcher(heads)
		}
	}

	if err := s.rehydrate(ctx, q, relayer.ID); err != nil {
		return fmt.Errorf("supervisor: rehydrate relayer %s: %w", relayer.ID, err)
	}

	s.mu.Lock()
	s.queues[relayer.ID] = q
	s.mu.Unlock()

	s.spawnWorkers(ctx, q)
	return nil
}

// rehydrate implements spec §4.5's recovery: Pending rows return to the
// pending sub-queue, InMempool rows return to inmempool with no
// competitor (a cancel/replace twin that was in flight is itself an
// InMempool row, so it comes back as a separate entry and is not paired
// with its original again), and Mined rows return to the mined map to
// keep being checked for confirmation depth. Pending and inmempool rows
// are sorted by nonce ascending so the workers process them in
// submission order.
func (s *Supervisor) rehydrate(ctx context.Context, q *Queue, relayerID uuid.UUID) error {
	const pageSize = 500

	pending, err := s.store.ListByRelayerAndStatus(ctx, relayerID, apptypes.StatusPending, pageSize, 0)
	if err != nil {
		return err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Nonce < pending[j].Nonce })
	q.pending = append(q.pending, pending...)

	inMempool, err := s.store.ListByRelayerAndStatus(ctx, relayerID, apptypes.StatusInMempool, pageSize, 0)
	if err != nil {
		return err
	}
	sort.SliceStable(inMempool, func(i, j int) bool { return inMempool[i].Nonce < inMempool[j].Nonce })
	for _, tx := range inMempool {
		q.inmempool = append(q.inmempool, &apptypes.CompetitiveTransaction{Original: tx})
	}

	mined, err := s.store.ListByRelayerAndStatus(ctx, relayerID, apptypes.StatusMined, pageSize, 0)
	if err != nil {
		return err
	}
	for _, tx := range mined {
		q.mined[tx.ID] = tx
	}

	glog.Info("supervisor: rehydrated relayer", "relayer", relayerID, "pending", len(pending), "inmempool", len(inMempool), "mined", len(mined))
	return nil
}

func (s *Supervisor) spawnWorkers(ctx context.Context, q *Queue) {
	s.wg.Add(3)
	go func() { defer s.wg.Done(); q.runPending(ctx) }()
	go func() { defer s.wg.Done(); q.runInMempool(ctx) }()
	go func() { defer s.wg.Done(); q.runMined(ctx) }()
}

// Shutdown implements spec §4.5's graceful shutdown: stop accepting new
// submissions on every queue, then wait up to timeout for in-flight
// worker ticks to finish before returning.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	for _, q := range s.queues {
		q.Shutdown()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		glog.Warn("supervisor: shutdown timeout exceeded, abandoning remaining worker ticks")
	}
}

// Package webhook implements the Webhook Dispatcher (spec §4.6):
// durable, retried delivery of queue events to operator-configured HTTP
// endpoints. Grounded in the teacher's goroutine-plus-channel shape from
// 16-concurrency (a worker loop driven by a channel of jobs) generalized
// from "block-header fetch jobs" to "delivery attempts", with three
// independent time.Ticker loops standing in for the single worker pool
// the teacher demonstrates.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	glog "github.com/ethereum/go-ethereum/log"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

const (
	sharedSecretHeader = "x-rrelayer-shared-secret"
	userAgent          = "RRelayer-Webhooks/1.0"
	deliveryTimeout    = 10 * time.Second
)

// Config tunes the dispatcher's backoff and timer cadence (spec §4.6,
// mirrored from internal/config.WebhookConfig so this package doesn't
// import the config package directly — it takes plain values instead).
type Config struct {
	InitialDelay    time.Duration
	Multiplier      float64
	MaxDelay        time.Duration
	MaxRetries      int
	RetryTick       time.Duration
	CleanupTick     time.Duration
	DBPruneTick     time.Duration
	RetentionWindow time.Duration
}

// Store is the persistence surface the dispatcher needs; satisfied by
// *internal/store.Store.
type Store interface {
	SaveWebhookDelivery(ctx context.Context, d *apptypes.WebhookDelivery) error
	DuePendingDeliveries(ctx context.Context, now time.Time, limit int) ([]*apptypes.WebhookDelivery, error)
	PruneCompleted(ctx context.Context, before time.Time) (int64, error)
}

// EndpointResolver maps a relayer to its webhook endpoint and shared
// secret. Left abstract because endpoint/secret management lives with
// relayer configuration, outside this package's scope.
type EndpointResolver func(relayerID uuid.UUID) (endpoint, sharedSecret string, ok bool)

// Metrics is the slice of internal/metrics.Registry the dispatcher
// updates. Kept as a minimal interface so this package doesn't need to
// import prometheus directly.
type Metrics interface {
	ObserveWebhookAttempt(eventType, outcome string)
}

// Dispatcher owns the pending-deliveries map and its three timers.
type Dispatcher struct {
	cfg     Config
	store   Store
	resolve EndpointResolver
	client  *http.Client
	metrics Metrics

	mu      sync.Mutex
	pending map[uuid.UUID]*apptypes.WebhookDelivery

	stop chan struct{}
}

func New(cfg Config, store Store, resolve EndpointResolver) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		resolve: resolve,
		client:  &http.Client{Timeout: deliveryTimeout},
		pending: make(map[uuid.UUID]*apptypes.WebhookDelivery),
		stop:    make(chan struct{}),
	}
}

// WithMetrics attaches a metrics recorder, returning d for chaining at
// construction time.
func (d *Dispatcher) WithMetrics(m Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Enqueue registers a new event for delivery, persists it immediately
// (spec §4.6: a delivery must survive a crash before its first attempt),
// and attempts delivery inline so well-behaved endpoints see near-instant
// webhooks rather than waiting for the next retry tick.
func (d *Dispatcher) Enqueue(ctx context.Context, ev apptypes.Event) error {
	endpoint, secret, ok := d.resolve(ev.RelayerID)
	if !ok {
		glog.Debug("webhook: no endpoint configured, skipping", "relayer", ev.RelayerID)
		return nil
	}

	delivery := &apptypes.WebhookDelivery{
		ID:         uuid.New(),
		RelayerID:  ev.RelayerID,
		Endpoint:   endpoint,
		EventType:  ev.Type,
		Payload:    ev.Payload,
		MaxRetries: d.cfg.MaxRetries,
		CreatedAt:  ev.Timestamp,
	}
	if err := d.store.SaveWebhookDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("webhook: enqueue: %w", err)
	}

	d.mu.Lock()
	d.pending[delivery.ID] = delivery
	d.mu.Unlock()

	d.attempt(ctx, delivery, secret)
	return nil
}

// attempt POSTs the envelope once, updating delivery's retry state
// according to the exponential backoff of spec §4.6 regardless of
// outcome, and persists the result.
func (d *Dispatcher) attempt(ctx context.Context, delivery *apptypes.WebhookDelivery, sharedSecret string) {
	delivery.Attempts++
	delivery.LastAttemptAt = time.Now()

	envelope := apptypes.Envelope{
		DeliveryID: delivery.ID,
		EventType:  delivery.EventType,
		Timestamp:  delivery.LastAttemptAt.Unix(),
		Attempt:    delivery.Attempts,
		Payload:    delivery.Payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		delivery.LastError = err.Error()
		d.scheduleRetryOrAbandon(ctx, delivery)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Endpoint, bytes.NewReader(body))
	if err != nil {
		delivery.LastError = err.Error()
		d.scheduleRetryOrAbandon(ctx, delivery)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if sharedSecret != "" {
		req.Header.Set(sharedSecretHeader, sharedSecret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		delivery.LastError = err.Error()
		d.scheduleRetryOrAbandon(ctx, delivery)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Completed = true
		d.observe(delivery.EventType, "success")
		d.finish(ctx, delivery)
		return
	}

	delivery.LastError = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	d.observe(delivery.EventType, "failure")
	d.scheduleRetryOrAbandon(ctx, delivery)
}

func (d *Dispatcher) observe(eventType apptypes.EventType, outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveWebhookAttempt(string(eventType), outcome)
}

// scheduleRetryOrAbandon computes the next backoff delay (InitialDelay *
// Multiplier^attempts, capped at MaxDelay) or marks the delivery
// abandoned once MaxRetries is exhausted.
func (d *Dispatcher) scheduleRetryOrAbandon(ctx context.Context, delivery *apptypes.WebhookDelivery) {
	if delivery.Attempts >= delivery.MaxRetries {
		delivery.Abandoned = true
		d.finish(ctx, delivery)
		return
	}

	delay := d.cfg.InitialDelay
	for i := 0; i < delivery.Attempts; i++ {
		delay = time.Duration(float64(delay) * d.cfg.Multiplier)
		if delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
			break
		}
	}
	delivery.NextRetryAt = time.Now().Add(delay)

	if err := d.store.SaveWebhookDelivery(ctx, delivery); err != nil {
		glog.Error("webhook: persist retry state failed", "delivery", delivery.ID, "err", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, delivery *apptypes.WebhookDelivery) {
	if err := d.store.SaveWebhookDelivery(ctx, delivery); err != nil {
		glog.Error("webhook: persist final state failed", "delivery", delivery.ID, "err", err)
	}
	d.mu.Lock()
	delete(d.pending, delivery.ID)
	d.mu.Unlock()
}

// Run starts the three timer loops of spec §4.6: a 30s retry tick that
// re-attempts due deliveries, a 5-minute cleanup tick that drops
// finished entries from the in-memory map (the DB row is the durable
// record), and an hourly DB-prune tick that deletes old completed/
// abandoned rows past the retention window. It blocks until ctx is
// cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	retryTicker := time.NewTicker(d.cfg.RetryTick)
	cleanupTicker := time.NewTicker(d.cfg.CleanupTick)
	pruneTicker := time.NewTicker(d.cfg.DBPruneTick)
	defer retryTicker.Stop()
	defer cleanupTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-retryTicker.C:
			d.retryDue(ctx)
		case <-cleanupTicker.C:
			d.cleanupMemory()
		case <-pruneTicker.C:
			d.pruneDB(ctx)
		}
	}
}

func (d *Dispatcher) Stop() { close(d.stop) }

func (d *Dispatcher) retryDue(ctx context.Context) {
	due, err := d.store.DuePendingDeliveries(ctx, time.Now(), 100)
	if err != nil {
		glog.Error("webhook: load due deliveries failed", "err", err)
		return
	}
	for _, delivery := range due {
		_, secret, ok := d.resolve(delivery.RelayerID)
		if !ok {
			continue
		}
		d.mu.Lock()
		d.pending[delivery.ID] = delivery
		d.mu.Unlock()
		d.attempt(ctx, delivery, secret)
	}
}

func (d *Dispatcher) cleanupMemory() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, delivery := range d.pending {
		if delivery.Completed || delivery.Abandoned {
			delete(d.pending, id)
		}
	}
}

func (d *Dispatcher) pruneDB(ctx context.Context) {
	before := time.Now().Add(-d.cfg.RetentionWindow)
	n, err := d.store.PruneCompleted(ctx, before)
	if err != nil {
		glog.Error("webhook: prune failed", "err", err)
		return
	}
	if n > 0 {
		glog.Info("webhook: pruned old deliveries", "count", n)
	}
}

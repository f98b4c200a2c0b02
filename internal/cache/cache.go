// Package cache implements rrelayer's in-memory read cache: relayer
// identities, the network list, and individual transactions, each with a
// short TTL so the REST API doesn't round-trip to sqlite
// on every lookup. Grounded in the teacher's habit of keeping state in a
// single guarded struct (e.g. 16-concurrency's worker pool closing over
// shared state) rather than reaching for a cache library, generalized
// here to three independent TTL maps behind one lock each plus
// golang.org/x/sync/singleflight to collapse concurrent misses into one
// store round-trip.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

const defaultTTL = 5 * time.Second

type entry[T any] struct {
	value   T
	expires time.Time
}

// ttlMap is a generic, lock-guarded cache with per-entry expiry. It does
// not evict proactively; a stale entry is simply treated as a miss on its
// next read and overwritten.
type ttlMap[K comparable, V any] struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[K]entry[V]
	sf   singleflight.Group
}

func newTTLMap[K comparable, V any](ttl time.Duration) *ttlMap[K, V] {
	return &ttlMap[K, V]{ttl: ttl, data: make(map[K]entry[V])}
}

func (m *ttlMap[K, V]) get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	if !ok || time.Now().After(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *ttlMap[K, V]) set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry[V]{value: value, expires: time.Now().Add(m.ttl)}
}

func (m *ttlMap[K, V]) invalidate(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Cache is the composed read cache the REST API hands its relayer and
// transaction lookups that would otherwise hit the store directly.
type Cache struct {
	relayers     *ttlMap[uuid.UUID, *apptypes.RelayerIdentity]
	transactions *ttlMap[uuid.UUID, *apptypes.Transaction]
	networks     *ttlMap[string, []uint64] // single key "all"
}

func New() *Cache {
	return &Cache{
		relayers:     newTTLMap[uuid.UUID, *apptypes.RelayerIdentity](defaultTTL),
		transactions: newTTLMap[uuid.UUID, *apptypes.Transaction](defaultTTL),
		networks:     newTTLMap[string, []uint64](30 * time.Second),
	}
}

// Relayer returns a cached identity, or calls load on a miss. Concurrent
// misses for the same id are collapsed into a single call to load via
// singleflight, so a burst of requests for a relayer that just expired
// doesn't stampede the store.
func (c *Cache) Relayer(ctx context.Context, id uuid.UUID, load func(context.Context, uuid.UUID) (*apptypes.RelayerIdentity, error)) (*apptypes.RelayerIdentity, error) {
	if v, ok := c.relayers.get(id); ok {
		return v, nil
	}
	v, err, _ := c.relayers.sf.Do(id.String(), func() (any, error) {
		if cached, ok := c.relayers.get(id); ok {
			return cached, nil
		}
		loaded, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.relayers.set(id, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*apptypes.RelayerIdentity), nil
}

func (c *Cache) InvalidateRelayer(id uuid.UUID) { c.relayers.invalidate(id) }

func (c *Cache) Transaction(ctx context.Context, id uuid.UUID, load func(context.Context, uuid.UUID) (*apptypes.Transaction, error)) (*apptypes.Transaction, error) {
	if v, ok := c.transactions.get(id); ok {
		return v, nil
	}
	v, err, _ := c.transactions.sf.Do(id.String(), func() (any, error) {
		if cached, ok := c.transactions.get(id); ok {
			return cached, nil
		}
		loaded, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.transactions.set(id, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*apptypes.Transaction), nil
}

func (c *Cache) InvalidateTransaction(id uuid.UUID) { c.transactions.invalidate(id) }

// SetTransaction writes tx straight into the cache, replacing any entry
// and restarting its TTL. The queue does not call it, so a cached
// transaction can show an older status until its entry expires.
func (c *Cache) SetTransaction(tx *apptypes.Transaction) { c.transactions.set(tx.ID, tx) }

const networksKey = "all"

func (c *Cache) Networks(ctx context.Context, load func(context.Context) ([]uint64, error)) ([]uint64, error) {
	if v, ok := c.networks.get(networksKey); ok {
		return v, nil
	}
	v, err, _ := c.networks.sf.Do(networksKey, func() (any, error) {
		if cached, ok := c.networks.get(networksKey); ok {
			return cached, nil
		}
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.networks.set(networksKey, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]uint64), nil
}

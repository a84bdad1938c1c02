package db

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/coordinator"
	"github.com/waterlinehq/waterline/order"
	"github.com/waterlinehq/waterline/telemetry"
)

const (
	// Cuckoo filter configuration.
	// capacity = bucketSize x numBuckets = 4 x 250000 = 1M events
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 16
	cuckooNumBuckets      = 250000
)

// hashBufPool reduces allocations for hash-to-bytes conversion.
var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// CachedOracle wraps the event index with an LRU of resolved order keys
// and an optional known-event Cuckoo filter.
//
// The filter holds a fingerprint of every indexed event, so a filter miss
// means the event is definitely unknown and the index query can be
// skipped. A filter hit still goes to the index; false positives resolve
// there.
type CachedOracle struct {
	index *EventIndex
	cache *lru.Cache[string, order.Key]

	mu     sync.RWMutex
	filter *cuckoo.Filter // nil when the fast path is disabled
}

var _ coordinator.OrderingOracle = (*CachedOracle)(nil)

// NewCachedOracle builds the oracle and, when the fast path is enabled,
// rebuilds the known-event filter from the index.
func NewCachedOracle(index *EventIndex, cacheSize int, fastPath bool) (*CachedOracle, error) {
	cache, err := lru.New[string, order.Key](cacheSize)
	if err != nil {
		return nil, err
	}

	o := &CachedOracle{
		index: index,
		cache: cache,
	}

	if fastPath {
		o.filter = cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			cuckooNumBuckets, cuckoo.TableTypePacked)
		if err := o.rebuildFilter(); err != nil {
			return nil, fmt.Errorf("failed to rebuild event filter: %w", err)
		}
	}

	return o, nil
}

// rebuildFilter scans the index and populates the filter. Called on
// startup to restore filter state after restart.
func (o *CachedOracle) rebuildFilter() error {
	count := 0
	err := o.index.ForEachEventID(context.Background(), func(event string) error {
		o.addToFilter(event)
		count++
		return nil
	})
	if err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("events", count).Msg("Rebuilt known-event filter from index")
	}
	return nil
}

func eventHash(event string) uint64 {
	return xxhash.Sum64String(event)
}

func (o *CachedOracle) addToFilter(event string) {
	if o.filter == nil {
		return
	}
	o.mu.Lock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, eventHash(event))
	o.filter.Add(buf)
	hashBufPool.Put(buf)
	o.mu.Unlock()
}

// mightKnow returns false only when the event is definitely not indexed.
func (o *CachedOracle) mightKnow(event string) bool {
	if o.filter == nil {
		return true
	}
	o.mu.RLock()
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, eventHash(event))
	result := o.filter.Contain(buf)
	hashBufPool.Put(buf)
	o.mu.RUnlock()
	return result
}

// NoteEvent records a freshly indexed event so later lookups stay off the
// index. Call after EventIndex.InsertEvent succeeds.
func (o *CachedOracle) NoteEvent(event string, key order.Key) {
	o.cache.Add(event, key)
	o.addToFilter(event)
}

// resolve returns the order key for one event, from cache when possible.
func (o *CachedOracle) resolve(ctx context.Context, event string) (order.Key, error) {
	if key, ok := o.cache.Get(event); ok {
		telemetry.OracleLookupsTotal.With("cache").Inc()
		return key, nil
	}

	if !o.mightKnow(event) {
		telemetry.OracleLookupsTotal.With("filter_reject").Inc()
		return order.Key{}, fmt.Errorf("event %s: %w", event, coordinator.ErrUnknownEvent)
	}

	telemetry.OracleLookupsTotal.With("index").Inc()
	key, err := o.index.OrderKeyFor(ctx, event)
	if err != nil {
		return order.Key{}, err
	}
	o.cache.Add(event, key)
	return key, nil
}

// IsAfter reports whether event a is strictly later than event b.
func (o *CachedOracle) IsAfter(ctx context.Context, a, b string) (bool, error) {
	ka, err := o.resolve(ctx, a)
	if err != nil {
		return false, err
	}
	kb, err := o.resolve(ctx, b)
	if err != nil {
		return false, err
	}
	return order.After(ka, kb), nil
}

// OrderKeysFor resolves keys for every event, batching cache misses into
// a single index query.
func (o *CachedOracle) OrderKeysFor(ctx context.Context, events []string) (map[string]order.Key, error) {
	keys := make(map[string]order.Key, len(events))
	var misses []string

	for _, event := range events {
		if key, ok := o.cache.Get(event); ok {
			telemetry.OracleLookupsTotal.With("cache").Inc()
			keys[event] = key
			continue
		}
		if !o.mightKnow(event) {
			telemetry.OracleLookupsTotal.With("filter_reject").Inc()
			return nil, fmt.Errorf("event %s: %w", event, coordinator.ErrUnknownEvent)
		}
		misses = append(misses, event)
	}

	if len(misses) > 0 {
		telemetry.OracleLookupsTotal.With("index").Inc()
		resolved, err := o.index.OrderKeysFor(ctx, misses)
		if err != nil {
			return nil, err
		}
		for event, key := range resolved {
			o.cache.Add(event, key)
			keys[event] = key
		}
	}

	return keys, nil
}

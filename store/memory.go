package store

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avhttpcache/config"
	"github.com/vyrodovalexey/avhttpcache/observability"
)

// tracerName is the OpenTelemetry tracer name for store operations.
const tracerName = "avhttpcache/store"

// memoryStore implements an in-memory LRU store bounded by entry count
// and total payload bytes.
type memoryStore struct {
	logger     observability.Logger
	maxEntries int
	maxBytes   int64

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
	bytes    int64
	onEvict  func(key string)

	hits   int64
	misses int64

	// stopCh signals the sweep goroutine to stop
	stopCh   chan struct{}
	stopOnce sync.Once
}

// memoryEntry is an entry in the memory store.
type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// newMemoryStore creates a new in-memory store.
func newMemoryStore(cfg *config.StoreConfig, logger observability.Logger) *memoryStore {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultMaxEntries
	}

	s := &memoryStore{
		logger:     logger,
		maxEntries: maxEntries,
		maxBytes:   cfg.MaxBytes,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
	}

	if interval := cfg.SweepInterval.Duration(); interval > 0 {
		go s.sweepLoop(interval)
	}

	logger.Info("memory store initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Int64("maxBytes", s.maxBytes))

	return s
}

// SetEvictionHook implements EvictionNotifier. Must be called before
// the store is shared between goroutines.
func (s *memoryStore) SetEvictionHook(hook func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = hook
}

// Get retrieves a value from the store. Expired entries are removed
// opportunistically as they are encountered.
func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(tracerName).Start(ctx, "store.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("store.backend", "memory"),
			attribute.String("store.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"memory", "get",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("memory").Inc()
		span.SetAttributes(attribute.Bool("store.hit", false))
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)

	if entry.expired(time.Now()) {
		s.removeElement(elem)
		atomic.AddInt64(&s.misses, 1)
		GetMetrics().missesTotal.WithLabelValues("memory").Inc()
		span.SetAttributes(attribute.Bool("store.hit", false))
		return nil, ErrCacheMiss
	}

	// Move to front (most recently used)
	s.eviction.MoveToFront(elem)

	atomic.AddInt64(&s.hits, 1)
	GetMetrics().hitsTotal.WithLabelValues("memory").Inc()

	span.SetAttributes(
		attribute.Bool("store.hit", true),
		attribute.Int("store.value_size", len(entry.value)),
	)

	return entry.value, nil
}

// Set stores a value. Writes are last-write-wins per key; when the
// store exceeds its entry or byte bound, least-recently-used entries
// are evicted.
func (s *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "store.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("store.backend", "memory"),
			attribute.String("store.key", key),
			attribute.Int("store.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"memory", "set",
		).Observe(time.Since(start).Seconds())
	}()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		old := elem.Value.(*memoryEntry)
		s.bytes += int64(len(value)) - int64(len(old.value))
		s.eviction.MoveToFront(elem)
		elem.Value = entry
	} else {
		elem := s.eviction.PushFront(entry)
		s.items[key] = elem
		s.bytes += int64(len(value))
	}

	for s.eviction.Len() > s.maxEntries || (s.maxBytes > 0 && s.bytes > s.maxBytes) {
		if !s.evictOldest() {
			break
		}
	}

	s.updateGauges()

	s.logger.Debug("store set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", s.eviction.Len()))

	return nil
}

// Delete removes a value from the store.
func (s *memoryStore) Delete(ctx context.Context, key string) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "store.Delete",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("store.backend", "memory"),
			attribute.String("store.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetMetrics().operationDuration.WithLabelValues(
			"memory", "delete",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.removeElement(elem)
		s.updateGauges()
		s.logger.Debug("store deleted",
			observability.String("key", key))
	}

	return nil
}

// Clear removes all values from the store.
func (s *memoryStore) Clear(ctx context.Context) error {
	_, span := otel.Tracer(tracerName).Start(ctx, "store.Clear",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("store.backend", "memory")),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.eviction.Init()
	s.bytes = 0
	s.updateGauges()

	return nil
}

// Close closes the store and stops the sweep goroutine.
func (s *memoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.eviction.Init()
	s.bytes = 0

	return nil
}

// Stats returns store statistics.
func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	size := int64(s.eviction.Len())
	bytes := s.bytes
	s.mu.Unlock()

	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
		Size:   size,
		Bytes:  bytes,
	}
}

// evictOldest removes the least-recently-used entry and reports it to
// the eviction hook. Must be called with lock held.
func (s *memoryStore) evictOldest() bool {
	elem := s.eviction.Back()
	if elem == nil {
		return false
	}
	entry := elem.Value.(*memoryEntry)
	s.removeElement(elem)
	GetMetrics().evictionsTotal.WithLabelValues("memory").Inc()
	if s.onEvict != nil {
		s.onEvict(entry.key)
	}
	return true
}

// removeElement removes an element. Must be called with lock held.
func (s *memoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	s.bytes -= int64(len(entry.value))
	delete(s.items, entry.key)
}

// updateGauges refreshes size gauges. Must be called with lock held.
func (s *memoryStore) updateGauges() {
	GetMetrics().sizeGauge.WithLabelValues("memory").Set(float64(s.eviction.Len()))
	GetMetrics().bytesGauge.WithLabelValues("memory").Set(float64(s.bytes))
}

// sweepLoop periodically removes entries whose hard expiry has elapsed.
func (s *memoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes expired entries under a single write lock so entries
// cannot change between being identified and being removed.
func (s *memoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*memoryEntry).expired(now) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		entry := elem.Value.(*memoryEntry)
		s.removeElement(elem)
		GetMetrics().evictionsTotal.WithLabelValues("memory").Inc()
		if s.onEvict != nil {
			s.onEvict(entry.key)
		}
	}

	if len(toRemove) > 0 {
		s.updateGauges()
		s.logger.Debug("store sweep completed",
			observability.Int("removed", len(toRemove)))
	}
}

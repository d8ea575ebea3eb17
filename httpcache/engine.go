package httpcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avhttpcache/cachecontrol"
	"github.com/vyrodovalexey/avhttpcache/config"
	"github.com/vyrodovalexey/avhttpcache/observability"
	"github.com/vyrodovalexey/avhttpcache/store"
)

// maxCacheableBodyBytes bounds how large a response body the engine
// will buffer for storage. Larger bodies are streamed through
// unmodified and never cached.
const maxCacheableBodyBytes = 10 << 20

// headerXCache reports the engine's decision on served responses.
const headerXCache = "X-Cache"

// unsafeMethods trigger invalidation of the matching GET/HEAD entries
// when InvalidateOnUnsafe is enabled.
var unsafeMethods = map[string]struct{}{
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// Engine is the caching layer in front of an upstream RoundTripper. It
// decides per request whether to serve from the store, revalidate, or
// forward, per the response's Cache-Control directives.
type Engine struct {
	cfg    *config.CacheConfig
	store  store.Store
	next   http.RoundTripper
	logger observability.Logger
	bus    *Bus
	reval  *revalidator

	methods  map[string]struct{}
	statuses map[int]struct{}

	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	missGroup *missCoalescer

	// now is swappable for tests.
	now func() time.Time
}

// New builds an Engine over the given store and upstream transport.
// A nil next defaults to http.DefaultTransport, a nil logger to a
// no-op logger.
func New(cfg *config.CacheConfig, st store.Store, next http.RoundTripper, logger observability.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultCacheConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("httpcache: store is required")
	}
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	e := &Engine{
		cfg:      cfg,
		store:    st,
		next:     next,
		logger:   logger,
		bus:      NewBus(logger),
		reval:    newRevalidator(),
		methods:  make(map[string]struct{}, len(cfg.CacheableMethods)),
		statuses: make(map[int]struct{}, len(cfg.CacheableStatusCodes)),
		now:      time.Now,
	}
	for _, m := range cfg.CacheableMethods {
		e.methods[m] = struct{}{}
	}
	for _, s := range cfg.CacheableStatusCodes {
		e.statuses[s] = struct{}{}
	}

	if cfg.RevalidateRate > 0 {
		burst := cfg.RevalidateBurst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RevalidateRate), burst)
	}
	if cfg.Breaker != nil && cfg.Breaker.Enabled {
		e.breaker = newBreaker(cfg.Breaker)
	}
	if cfg.CoalesceMisses {
		e.missGroup = newMissCoalescer()
	}

	if en, ok := st.(store.EvictionNotifier); ok {
		en.SetEvictionHook(func(key string) {
			e.bus.Publish(Event{Kind: EventEvict, Key: key})
		})
	}

	GetMetrics().Init()
	return e, nil
}

// Events returns the engine's event bus for subscription.
func (e *Engine) Events() *Bus {
	return e.bus
}

// Do runs req through the cache. It either serves a stored response or
// forwards to the upstream transport, storing the result when the
// response permits.
func (e *Engine) Do(req *http.Request) (*http.Response, error) {
	reqDirectives := e.requestDirectives(req)

	if !e.cacheableMethod(req.Method) || reqDirectives.NoStore {
		return e.bypass(req)
	}

	key := Key(req)
	entry := e.lookup(req.Context(), key)
	if entry != nil && !matchesVary(&entry.Metadata, req.Header) {
		entry = nil
	}

	if entry == nil {
		return e.miss(req, key)
	}

	now := e.now()
	freshness := evaluateFreshness(&entry.Metadata, now, e.cfg)
	forceRevalidate := reqDirectives.NoCache || entry.Metadata.Directives.NoCache

	switch {
	case freshness == Fresh && !forceRevalidate:
		return e.serveHit(req, key, entry, now)

	case freshness == StaleWhileRevalidate && !forceRevalidate && !entry.Metadata.Directives.MustRevalidate:
		e.refreshInBackground(req, key, entry)
		return e.serveStale(req, key, entry, now, StaleWhileRevalidate)

	default:
		return e.revalidateSync(req, key, entry)
	}
}

// requestDirectives parses the request's Cache-Control header when the
// engine is configured to honor it.
func (e *Engine) requestDirectives(req *http.Request) cachecontrol.Directives {
	if !e.cfg.RespectRequestCacheControl {
		return cachecontrol.Directives{}
	}
	return cachecontrol.Parse(req.Header.Values("Cache-Control")...)
}

func (e *Engine) cacheableMethod(method string) bool {
	_, ok := e.methods[method]
	return ok
}

// bypass forwards the request without consulting the store. Successful
// unsafe requests invalidate the matching read entries when enabled.
func (e *Engine) bypass(req *http.Request) (*http.Response, error) {
	GetMetrics().decisionsTotal.WithLabelValues("bypass").Inc()
	e.bus.Publish(Event{Kind: EventBypass, Key: Key(req)})

	resp, err := e.roundTrip(req)

	if err == nil && resp.StatusCode < http.StatusBadRequest && e.cfg.InvalidateOnUnsafe {
		if _, unsafe := unsafeMethods[req.Method]; unsafe {
			readURL := *req.URL
			readReq := &http.Request{Method: http.MethodGet, URL: &readURL}
			e.invalidate(req.Context(), Key(readReq))
			readReq.Method = http.MethodHead
			e.invalidate(req.Context(), Key(readReq))
		}
	}
	return resp, err
}

// lookup fetches and decodes the entry for key. Store failures and
// corrupt entries degrade to a miss so the request still succeeds
// against upstream.
func (e *Engine) lookup(ctx context.Context, key string) *Entry {
	raw, err := e.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			GetMetrics().errorsTotal.WithLabelValues("store").Inc()
			e.bus.Publish(Event{Kind: EventStoreError, Key: key, Err: err})
			e.logger.Warn("cache store read failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
		return nil
	}

	entry, err := DecodeEntry(raw)
	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues("store").Inc()
		e.bus.Publish(Event{Kind: EventStoreError, Key: key, Err: err})
		e.invalidate(ctx, key)
		return nil
	}
	return entry
}

func (e *Engine) serveHit(req *http.Request, key string, entry *Entry, now time.Time) (*http.Response, error) {
	GetMetrics().decisionsTotal.WithLabelValues("hit").Inc()
	e.bus.Publish(Event{Kind: EventHit, Key: key, Freshness: Fresh})

	resp := entry.Response(req, now)
	resp.Header.Set(headerXCache, "HIT")
	return resp, nil
}

func (e *Engine) serveStale(req *http.Request, key string, entry *Entry, now time.Time, f Freshness) (*http.Response, error) {
	decision := "stale"
	kind := EventStale
	if f == StaleIfError {
		decision = "stale_if_error"
		kind = EventStaleIfError
	}
	GetMetrics().decisionsTotal.WithLabelValues(decision).Inc()
	e.bus.Publish(Event{Kind: kind, Key: key, Freshness: f})

	resp := entry.Response(req, now)
	resp.Header.Set(headerXCache, "STALE")
	return resp, nil
}

// refreshInBackground spawns a detached revalidation for key unless one
// is already pending or the rate limiter denies it. The spawned request
// survives cancellation of the originating request.
func (e *Engine) refreshInBackground(req *http.Request, key string, stale *Entry) {
	if e.limiter != nil && !e.limiter.Allow() {
		return
	}
	if !e.reval.tryBegin(key) {
		return
	}

	bgReq := req.Clone(context.WithoutCancel(req.Context()))
	go func() {
		defer e.reval.end(key)
		_, _ = e.revalidate(bgReq, key, stale)
	}()
}

// revalidateSync revalidates in the request path. Upstream failure or a
// server error falls back to the stale entry when its stale-if-error
// window still covers it.
func (e *Engine) revalidateSync(req *http.Request, key string, stale *Entry) (*http.Response, error) {
	if !stale.Metadata.HasValidator() {
		// Nothing to validate against; fetch a full replacement.
		resp, err := e.fetchAndStore(req, key)
		if err != nil || resp.StatusCode >= http.StatusInternalServerError {
			if fb := e.staleFallback(req, key, stale, err, resp); fb != nil {
				return fb, nil
			}
		}
		return resp, err
	}

	entry, err := e.revalidate(req, key, stale)
	if err != nil || entry.Metadata.Status >= http.StatusInternalServerError {
		if fb := e.staleFallback(req, key, stale, err, nil); fb != nil {
			return fb, nil
		}
		if err != nil {
			return nil, err
		}
	}

	resp := entry.Response(req, e.now())
	resp.Header.Set(headerXCache, "REVALIDATED")
	return resp, nil
}

// staleFallback serves the stale entry after an upstream failure, if
// policy allows. A non-nil failed response is drained before the stale
// copy replaces it.
func (e *Engine) staleFallback(req *http.Request, key string, stale *Entry, upstreamErr error, failed *http.Response) *http.Response {
	now := e.now()
	if !withinStaleIfError(&stale.Metadata, now, e.cfg) {
		return nil
	}

	if failed != nil {
		drainBody(failed)
	}
	GetMetrics().errorsTotal.WithLabelValues("upstream").Inc()
	GetMetrics().decisionsTotal.WithLabelValues("stale_if_error").Inc()
	e.bus.Publish(Event{Kind: EventStaleIfError, Key: key, Freshness: StaleIfError, Err: upstreamErr})

	resp := stale.Response(req, now)
	resp.Header.Set(headerXCache, "STALE")
	return resp
}

// miss forwards to upstream and stores the response when it qualifies.
func (e *Engine) miss(req *http.Request, key string) (*http.Response, error) {
	GetMetrics().decisionsTotal.WithLabelValues("miss").Inc()
	e.bus.Publish(Event{Kind: EventMiss, Key: key})

	if e.missGroup != nil {
		return e.missGroup.do(e, req, key)
	}
	return e.fetchAndStore(req, key)
}

func (e *Engine) fetchAndStore(req *http.Request, key string) (*http.Response, error) {
	resp, err := e.roundTrip(req)
	if err != nil {
		return nil, err
	}

	if !e.isStorable(req, resp) {
		resp.Header.Set(headerXCache, "MISS")
		return resp, nil
	}

	body, buffered, err := e.bufferResponse(resp)
	if err != nil {
		return nil, err
	}
	if buffered {
		e.storeEntry(req.Context(), key, NewEntry(req, resp, body, e.now()))
	}

	resp.Header.Set(headerXCache, "MISS")
	return resp, nil
}

// roundTrip forwards to the upstream transport, through the circuit
// breaker when one is configured.
func (e *Engine) roundTrip(req *http.Request) (*http.Response, error) {
	if e.breaker == nil {
		return e.next.RoundTrip(req)
	}

	v, err := e.breaker.Execute(func() (interface{}, error) {
		resp, err := e.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			// Count server errors against the breaker but still hand
			// the response back to the caller.
			return resp, &serverError{resp: resp}
		}
		return resp, nil
	})
	if err != nil {
		var se *serverError
		if errors.As(err, &se) {
			return se.resp, nil
		}
		return nil, err
	}
	return v.(*http.Response), nil
}

type serverError struct {
	resp *http.Response
}

func (s *serverError) Error() string {
	return "upstream returned " + s.resp.Status
}

// isStorable reports whether the response may be written to the store.
func (e *Engine) isStorable(req *http.Request, resp *http.Response) bool {
	if !e.cacheableMethod(req.Method) {
		return false
	}
	if _, ok := e.statuses[resp.StatusCode]; !ok {
		return false
	}

	directives := cachecontrol.Parse(resp.Header.Values("Cache-Control")...)
	if directives.NoStore {
		return false
	}
	for _, name := range varyNames(resp.Header) {
		// A Vary: * entry could never be matched again.
		if name == varyAsterisk {
			return false
		}
	}

	meta := Metadata{Directives: directives}
	if v := resp.Header.Get("ETag"); v != "" {
		meta.ETag = v
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.LastModified = t
		}
	}
	return hardTTL(&meta, e.cfg) > 0
}

// bufferResponse reads the response body into memory up to the cap and
// replaces resp.Body with a reader over the buffered bytes. When the
// cap is exceeded the body is left streaming, prefixed with the bytes
// already read, and the second return is false.
func (e *Engine) bufferResponse(resp *http.Response) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxCacheableBodyBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, false, err
	}

	if len(buf) > maxCacheableBodyBytes {
		resp.Body = &prefixedBody{
			Reader: io.MultiReader(bytes.NewReader(buf), resp.Body),
			closer: resp.Body,
		}
		return nil, false, nil
	}

	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, true, nil
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (p *prefixedBody) Close() error {
	return p.closer.Close()
}

// readAll fully consumes and closes a response body.
func readAll(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// storeEntry encodes and writes an entry. Failures are reported through
// the bus and logged but never fail the request.
func (e *Engine) storeEntry(ctx context.Context, key string, entry *Entry) {
	data, err := entry.Encode()
	if err != nil {
		GetMetrics().errorsTotal.WithLabelValues("store").Inc()
		e.bus.Publish(Event{Kind: EventStoreError, Key: key, Err: err})
		return
	}

	ttl := hardTTL(&entry.Metadata, e.cfg)
	if err := e.store.Set(ctx, key, data, ttl); err != nil {
		GetMetrics().errorsTotal.WithLabelValues("store").Inc()
		e.bus.Publish(Event{Kind: EventStoreError, Key: key, Err: err})
		e.logger.Warn("cache store write failed",
			observability.String("key", key),
			observability.Error(err),
		)
		return
	}
	e.bus.Publish(Event{Kind: EventStore, Key: key})
}

// invalidate removes an entry. Missing keys are not an error.
func (e *Engine) invalidate(ctx context.Context, key string) {
	if err := e.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrCacheMiss) {
		GetMetrics().errorsTotal.WithLabelValues("store").Inc()
		e.bus.Publish(Event{Kind: EventStoreError, Key: key, Err: err})
		return
	}
	e.bus.Publish(Event{Kind: EventInvalidate, Key: key})
}

func newBreaker(bc *config.BreakerConfig) *gobreaker.CircuitBreaker {
	maxFailures := bc.MaxFailures
	if maxFailures == 0 {
		maxFailures = config.DefaultBreakerMaxFailures
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "httpcache-upstream",
		Interval: bc.Interval.Duration(),
		Timeout:  bc.Timeout.Duration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
}

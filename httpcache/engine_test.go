package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avhttpcache/config"
	"github.com/vyrodovalexey/avhttpcache/observability"
	"github.com/vyrodovalexey/avhttpcache/store"
)

type fakeUpstream struct {
	mu      sync.Mutex
	calls   int
	handler func(req *http.Request) (*http.Response, error)
}

func (f *fakeUpstream) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func upstreamResponse(status int, body string, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestEngine(t *testing.T, cfg *config.CacheConfig, upstream *fakeUpstream) (*Engine, *fakeClock) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultCacheConfig()
	}

	storeCfg := config.DefaultStoreConfig()
	storeCfg.SweepInterval = 0
	st, err := store.New(storeCfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine, err := New(cfg, st, upstream, observability.NopLogger())
	require.NoError(t, err)

	clk := newFakeClock()
	engine.now = clk.now
	return engine, clk
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEngine_MissThenHit(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "hello", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get(headerXCache))
	assert.Equal(t, "hello", readBody(t, resp))

	clk.advance(30 * time.Second)
	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(headerXCache))
	assert.Equal(t, "30", resp.Header.Get("Age"))
	assert.Equal(t, "hello", readBody(t, resp))

	assert.Equal(t, 1, upstream.callCount())
}

func TestEngine_NoStoreNeverStored(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "secret", map[string]string{
			"Cache-Control": "no-store, max-age=60",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/private")
	for i := 0; i < 2; i++ {
		resp, err := engine.Do(req)
		require.NoError(t, err)
		assert.Equal(t, "MISS", resp.Header.Get(headerXCache))
		assert.Equal(t, "secret", readBody(t, resp))
	}

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_NonAllowlistedStatusNotStored(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusAccepted, "pending", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/job")
	for i := 0; i < 2; i++ {
		resp, err := engine.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_NoLifetimeNoValidatorNotStored(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "plain", nil), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/plain")
	for i := 0; i < 2; i++ {
		resp, err := engine.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_VaryMismatchIsMiss(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, req.Header.Get("Accept-Encoding"), map[string]string{
			"Cache-Control": "max-age=60",
			"Vary":          "Accept-Encoding",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	gzipReq := newRequest(t, http.MethodGet, "https://example.com/items")
	gzipReq.Header.Set("Accept-Encoding", "gzip")
	resp, err := engine.Do(gzipReq)
	require.NoError(t, err)
	assert.Equal(t, "gzip", readBody(t, resp))

	brReq := newRequest(t, http.MethodGet, "https://example.com/items")
	brReq.Header.Set("Accept-Encoding", "br")
	resp, err = engine.Do(brReq)
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get(headerXCache))
	assert.Equal(t, "br", readBody(t, resp))

	// The br variant replaced the entry; the gzip request misses now.
	resp, err = engine.Do(gzipReq)
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get(headerXCache))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 3, upstream.callCount())
}

func TestEngine_VaryAsteriskNeverStored(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "varies", map[string]string{
			"Cache-Control": "max-age=60",
			"Vary":          "*",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	for i := 0; i < 2; i++ {
		resp, err := engine.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_Revalidate_NotModified(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("If-None-Match") == `"v1"` {
			return upstreamResponse(http.StatusNotModified, "", map[string]string{
				"Cache-Control": "max-age=60",
			}), nil
		}
		return upstreamResponse(http.StatusOK, "original", map[string]string{
			"Cache-Control": "max-age=60",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "original", readBody(t, resp))

	clk.advance(2 * time.Minute)

	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "REVALIDATED", resp.Header.Get(headerXCache))
	assert.Equal(t, "original", readBody(t, resp))
	assert.Equal(t, 2, upstream.callCount())

	// Refresh reset the age baseline; the next lookup is a fresh hit.
	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(headerXCache))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_Revalidate_Replaced(t *testing.T) {
	var version string
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, version, map[string]string{
			"Cache-Control": "max-age=60",
			"ETag":          `"` + version + `"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	version = "one"
	resp, err := engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "one", readBody(t, resp))

	clk.advance(2 * time.Minute)
	version = "two"

	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "two", readBody(t, resp))

	// The replacement was stored.
	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(headerXCache))
	assert.Equal(t, "two", readBody(t, resp))
	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_StaleWhileRevalidate(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("If-None-Match") == `"v1"` {
			return upstreamResponse(http.StatusNotModified, "", nil), nil
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-while-revalidate=60",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(90 * time.Second)

	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "STALE", resp.Header.Get(headerXCache))
	assert.Equal(t, "cached", readBody(t, resp))

	// The background refresh reset the baseline.
	require.Eventually(t, func() bool {
		resp, err := engine.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.Header.Get(headerXCache) == "HIT"
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, upstream.callCount(), 2)
}

func TestEngine_StaleWhileRevalidate_SingleRefresh(t *testing.T) {
	gate := make(chan struct{})
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("If-None-Match") != "" {
			<-gate
			return upstreamResponse(http.StatusNotModified, "", nil), nil
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-while-revalidate=600",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(90 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := engine.Do(req)
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, "STALE", resp.Header.Get(headerXCache))
				_ = resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	close(gate)
	require.Eventually(t, func() bool {
		return upstream.callCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	// No further refreshes were queued behind the gate.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_StaleIfError_UpstreamError(t *testing.T) {
	var fail bool
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-if-error=600",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(2 * time.Minute)
	fail = true

	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "STALE", resp.Header.Get(headerXCache))
	assert.Equal(t, "cached", readBody(t, resp))
}

func TestEngine_StaleIfError_UpstreamServerError(t *testing.T) {
	var fail bool
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if fail {
			return upstreamResponse(http.StatusInternalServerError, "boom", nil), nil
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-if-error=600",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(2 * time.Minute)
	fail = true

	resp, err = engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cached", readBody(t, resp))
}

func TestEngine_StaleIfError_WindowExceededPropagates(t *testing.T) {
	var fail bool
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-if-error=30",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(10 * time.Minute)
	fail = true

	_, err = engine.Do(req)
	assert.Error(t, err)
}

func TestEngine_MustRevalidateForbidsStale(t *testing.T) {
	var fail bool
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return upstreamResponse(http.StatusOK, "cached", map[string]string{
			"Cache-Control": "max-age=60, stale-if-error=600, must-revalidate",
			"ETag":          `"v1"`,
		}), nil
	}
	engine, clk := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	clk.advance(2 * time.Minute)
	fail = true

	_, err = engine.Do(req)
	assert.Error(t, err)
}

func TestEngine_BypassUnsafeMethod(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "posted", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodPost, "https://example.com/items")
	for i := 0; i < 2; i++ {
		resp, err := engine.Do(req)
		require.NoError(t, err)
		assert.Empty(t, resp.Header.Get(headerXCache))
		require.NoError(t, resp.Body.Close())
	}

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_InvalidateOnUnsafe(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	cfg := config.DefaultCacheConfig()
	cfg.InvalidateOnUnsafe = true
	engine, _ := newTestEngine(t, cfg, upstream)

	get := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(get)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	put := newRequest(t, http.MethodPut, "https://example.com/items")
	resp, err = engine.Do(put)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = engine.Do(get)
	require.NoError(t, err)
	assert.Equal(t, "MISS", resp.Header.Get(headerXCache))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 3, upstream.callCount())
}

func TestEngine_RequestNoStoreBypasses(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	cfg := config.DefaultCacheConfig()
	cfg.RespectRequestCacheControl = true
	engine, _ := newTestEngine(t, cfg, upstream)

	seed := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(seed)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	noStore := newRequest(t, http.MethodGet, "https://example.com/items")
	noStore.Header.Set("Cache-Control", "no-store")
	resp, err = engine.Do(noStore)
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get(headerXCache))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_RequestNoCacheForcesRevalidation(t *testing.T) {
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("If-None-Match") == `"v1"` {
			return upstreamResponse(http.StatusNotModified, "", nil), nil
		}
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
			"ETag":          `"v1"`,
		}), nil
	}
	cfg := config.DefaultCacheConfig()
	cfg.RespectRequestCacheControl = true
	engine, _ := newTestEngine(t, cfg, upstream)

	seed := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(seed)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	noCache := newRequest(t, http.MethodGet, "https://example.com/items")
	noCache.Header.Set("Cache-Control", "no-cache")
	resp, err = engine.Do(noCache)
	require.NoError(t, err)
	assert.Equal(t, "REVALIDATED", resp.Header.Get(headerXCache))
	assert.Equal(t, "data", readBody(t, resp))

	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_RequestCacheControlIgnoredByDefault(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	seed := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(seed)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	noCache := newRequest(t, http.MethodGet, "https://example.com/items")
	noCache.Header.Set("Cache-Control", "no-cache")
	resp, err = engine.Do(noCache)
	require.NoError(t, err)
	assert.Equal(t, "HIT", resp.Header.Get(headerXCache))
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, 1, upstream.callCount())
}

type failingStore struct {
	setCalls int
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.setCalls++
	return errors.New("backend down")
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return errors.New("backend down")
}

func (f *failingStore) Clear(ctx context.Context) error { return nil }
func (f *failingStore) Close() error                    { return nil }

func TestEngine_StoreFailureFailsOpen(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	st := &failingStore{}
	engine, err := New(config.DefaultCacheConfig(), st, upstream, observability.NopLogger())
	require.NoError(t, err)

	var storeErrors int
	engine.Events().Subscribe(func(ev Event) {
		if ev.Kind == EventStoreError {
			storeErrors++
		}
	})

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "data", readBody(t, resp))

	assert.Equal(t, 2, storeErrors)
	assert.Equal(t, 1, st.setCalls)
}

func TestEngine_CoalesceMisses(t *testing.T) {
	release := make(chan struct{})
	upstream := &fakeUpstream{}
	upstream.handler = func(req *http.Request) (*http.Response, error) {
		<-release
		return upstreamResponse(http.StatusOK, "shared", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}
	cfg := config.DefaultCacheConfig()
	cfg.CoalesceMisses = true
	engine, _ := newTestEngine(t, cfg, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := engine.Do(req)
			if assert.NoError(t, err) {
				results[i] = readBody(t, resp)
			}
		}(i)
	}

	// Let the goroutines pile up on the shared flight before releasing.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, body := range results {
		assert.Equal(t, "shared", body)
	}
	assert.LessOrEqual(t, upstream.callCount(), 2)
}

func TestEngine_LargeBodyStreamsThrough(t *testing.T) {
	large := strings.Repeat("x", maxCacheableBodyBytes+1)
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, large, map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}
	engine, _ := newTestEngine(t, nil, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/blob")
	resp, err := engine.Do(req)
	require.NoError(t, err)
	assert.Len(t, readBody(t, resp), maxCacheableBodyBytes+1)

	// Too large to store; the next request goes upstream again.
	resp, err = engine.Do(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, upstream.callCount())
}

func TestEngine_EvictionPublishesEvent(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return upstreamResponse(http.StatusOK, "data", map[string]string{
			"Cache-Control": "max-age=60",
		}), nil
	}}

	storeCfg := config.DefaultStoreConfig()
	storeCfg.SweepInterval = 0
	storeCfg.MaxEntries = 1
	st, err := store.New(storeCfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine, err := New(config.DefaultCacheConfig(), st, upstream, observability.NopLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var evicted []string
	engine.Events().Subscribe(func(ev Event) {
		if ev.Kind == EventEvict {
			mu.Lock()
			evicted = append(evicted, ev.Key)
			mu.Unlock()
		}
	})

	resp, err := engine.Do(newRequest(t, http.MethodGet, "https://example.com/a"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	resp, err = engine.Do(newRequest(t, http.MethodGet, "https://example.com/b"))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evicted, 1)
	assert.Equal(t, "GET:https://example.com/a", evicted[0])
}

func TestEngine_CircuitBreakerOpensAfterFailures(t *testing.T) {
	upstream := &fakeUpstream{handler: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	cfg := config.DefaultCacheConfig()
	cfg.Breaker = &config.BreakerConfig{
		Enabled:     true,
		MaxFailures: 2,
		Timeout:     config.Duration(time.Minute),
	}
	engine, _ := newTestEngine(t, cfg, upstream)

	req := newRequest(t, http.MethodGet, "https://example.com/items")
	for i := 0; i < 5; i++ {
		_, err := engine.Do(req)
		require.Error(t, err)
	}

	// After the breaker opened, requests fail without reaching upstream.
	assert.Equal(t, 2, upstream.callCount())
}

func TestNew_Validation(t *testing.T) {
	st := &failingStore{}

	_, err := New(config.DefaultCacheConfig(), nil, nil, nil)
	assert.Error(t, err)

	bad := config.DefaultCacheConfig()
	bad.RevalidateRate = -1
	_, err = New(bad, st, nil, nil)
	assert.ErrorIs(t, err, config.ErrConfigInvalid)
}

package httpcache

import (
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avhttpcache/observability"
)

// revalidator coalesces concurrent revalidations of the same key. The
// singleflight group shares the upstream result between synchronous
// waiters; the pending set is checked in the request path before a
// background refresh goroutine is spawned, so at most one refresh per
// key is in flight at any time.
type revalidator struct {
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]struct{}
}

func newRevalidator() *revalidator {
	return &revalidator{
		pending: make(map[string]struct{}),
	}
}

// tryBegin marks key as having a refresh in flight. It returns false
// if one is already pending, in which case the caller must not spawn
// another.
func (r *revalidator) tryBegin(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; ok {
		return false
	}
	r.pending[key] = struct{}{}
	return true
}

func (r *revalidator) end(key string) {
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

// conditionalRequest clones req and attaches the stale entry's
// validators. If-None-Match is preferred when an ETag is present.
func conditionalRequest(req *http.Request, stale *Entry) *http.Request {
	cond := req.Clone(req.Context())
	if etag := stale.Metadata.ETag; etag != "" {
		cond.Header.Set("If-None-Match", etag)
	} else if lm := stale.Metadata.LastModified; !lm.IsZero() {
		cond.Header.Set("If-Modified-Since", lm.UTC().Format(http.TimeFormat))
	}
	return cond
}

// revalidate runs a conditional request for key, sharing a single
// upstream call between concurrent callers. The returned entry is
// either the refreshed stale entry (on 304) or an entry built from the
// full replacement response. The result is always fully buffered so
// every waiter can materialize its own response body.
func (e *Engine) revalidate(req *http.Request, key string, stale *Entry) (*Entry, error) {
	v, err, _ := e.reval.group.Do(key, func() (interface{}, error) {
		return e.doRevalidate(req, key, stale)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (e *Engine) doRevalidate(req *http.Request, key string, stale *Entry) (*Entry, error) {
	resp, err := e.roundTrip(conditionalRequest(req, stale))
	if err != nil {
		GetMetrics().revalidationsTotal.WithLabelValues("failed").Inc()
		e.bus.Publish(Event{Kind: EventRevalidateError, Key: key, Err: err})
		e.logger.Warn("cache revalidation failed",
			observability.String("key", key),
			observability.Error(err),
		)
		return nil, err
	}

	now := e.now()

	if resp.StatusCode == http.StatusNotModified {
		drainBody(resp)
		refreshed := stale.Refresh(resp, now)
		e.storeEntry(req.Context(), key, refreshed)
		GetMetrics().revalidationsTotal.WithLabelValues("not_modified").Inc()
		e.bus.Publish(Event{Kind: EventRevalidateSuccess, Key: key})
		return refreshed, nil
	}

	body, err := readAll(resp)
	if err != nil {
		GetMetrics().revalidationsTotal.WithLabelValues("failed").Inc()
		e.bus.Publish(Event{Kind: EventRevalidateError, Key: key, Err: err})
		return nil, err
	}
	entry := NewEntry(req, resp, body, now)

	switch {
	case e.isStorable(req, resp):
		e.storeEntry(req.Context(), key, entry)
		GetMetrics().revalidationsTotal.WithLabelValues("replaced").Inc()
		e.bus.Publish(Event{Kind: EventRevalidateSuccess, Key: key})
	case resp.StatusCode < http.StatusInternalServerError:
		// A definitive non-cacheable replacement supersedes the stale
		// entry. Server errors leave it in place for stale-if-error.
		e.invalidate(req.Context(), key)
		GetMetrics().revalidationsTotal.WithLabelValues("replaced").Inc()
	default:
		GetMetrics().revalidationsTotal.WithLabelValues("failed").Inc()
		e.bus.Publish(Event{Kind: EventRevalidateError, Key: key})
	}

	return entry, nil
}

// drainBody consumes and closes a response body so the underlying
// connection can be reused.
func drainBody(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

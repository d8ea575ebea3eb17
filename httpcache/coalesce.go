package httpcache

import (
	"net/http"

	"golang.org/x/sync/singleflight"
)

// missCoalescer shares a single upstream fetch between concurrent
// misses on the same key. Coalesced responses are always fully
// buffered so every waiter gets an independent body.
type missCoalescer struct {
	group singleflight.Group
}

func newMissCoalescer() *missCoalescer {
	return &missCoalescer{}
}

func (c *missCoalescer) do(e *Engine, req *http.Request, key string) (*http.Response, error) {
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		resp, err := e.roundTrip(req)
		if err != nil {
			return nil, err
		}
		body, err := readAll(resp)
		if err != nil {
			return nil, err
		}

		entry := NewEntry(req, resp, body, e.now())
		if e.isStorable(req, resp) && len(body) <= maxCacheableBodyBytes {
			e.storeEntry(req.Context(), key, entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	resp := v.(*Entry).Response(req, e.now())
	resp.Header.Set(headerXCache, "MISS")
	return resp, nil
}

// Package httpcache implements an RFC 9111 style response cache for
// outbound HTTP clients. The Engine sits between an http.Client and
// its transport, serving stored responses while they are fresh,
// revalidating them with conditional requests once stale, and falling
// back to stale copies when upstream fails.
//
// Typical wiring:
//
//	st, err := store.New(config.DefaultStoreConfig(), logger)
//	if err != nil {
//		return err
//	}
//	engine, err := httpcache.New(config.DefaultCacheConfig(), st, nil, logger)
//	if err != nil {
//		return err
//	}
//	client := &http.Client{Transport: httpcache.NewTransport(engine)}
//
// Cache decisions follow the response's Cache-Control directives.
// stale-while-revalidate windows are served immediately while a
// single background refresh runs per key; stale-if-error windows are
// served when upstream errors or returns a server error. Responses
// carry an X-Cache header (HIT, MISS, STALE, REVALIDATED) and a
// synthesized Age header when served from the store.
package httpcache

package httpcache

import "net/http"

// Transport adapts an Engine to http.RoundTripper so it slots into an
// http.Client's transport chain.
type Transport struct {
	engine *Engine
}

// NewTransport wraps next with the caching engine. It is the usual way
// to attach the cache to an http.Client:
//
//	client := &http.Client{Transport: transport}
func NewTransport(engine *Engine) *Transport {
	return &Transport{engine: engine}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.engine.Do(req)
}

// Engine returns the underlying engine, for event subscription and
// inspection.
func (t *Transport) Engine() *Engine {
	return t.engine
}

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Middleware returns a RoundTripper-wrapping function for composition
// with other transport middleware. The engine's configured upstream is
// replaced by the wrapped transport.
func Middleware(engine *Engine) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next != nil {
			engine.next = next
		}
		return NewTransport(engine)
	}
}

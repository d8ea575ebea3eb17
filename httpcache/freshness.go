package httpcache

import (
	"time"

	"github.com/vyrodovalexey/avhttpcache/config"
)

// Freshness classifies a stored entry's usability at a point in time.
type Freshness int

const (
	// Fresh entries are served directly without contacting upstream.
	Fresh Freshness = iota
	// StaleWhileRevalidate entries are served stale while a background
	// revalidation refreshes them.
	StaleWhileRevalidate
	// StaleIfError entries are only served when upstream revalidation
	// fails or returns a server error.
	StaleIfError
	// Expired entries must be revalidated or replaced before use.
	Expired
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case StaleWhileRevalidate:
		return "stale_while_revalidate"
	case StaleIfError:
		return "stale_if_error"
	default:
		return "expired"
	}
}

// defaultRevalidatableTTL bounds how long a response that carries a
// validator but no explicit lifetime stays usable for conditional
// revalidation.
const defaultRevalidatableTTL = time.Hour

// lifetime resolves the entry's freshness lifetime with s-maxage taking
// precedence over max-age, falling back to the configured default.
// Entries with no explicit lifetime but a validator get a zero lifetime
// (always revalidated) when the default TTL is unset.
func lifetime(meta *Metadata, cfg *config.CacheConfig) time.Duration {
	if d, ok := meta.Directives.SMaxAgeDuration(); ok {
		return d
	}
	if d, ok := meta.Directives.MaxAgeDuration(); ok {
		return d
	}
	return cfg.DefaultTTL.Duration()
}

// staleWindow returns the applicable stale allowance in seconds for the
// given response directive, clamped by the configured maximum.
func staleWindow(directive *int, sc *config.StaleConfig) time.Duration {
	if sc == nil || !sc.Enabled || directive == nil {
		return 0
	}
	window := time.Duration(*directive) * time.Second
	if max := sc.Max.Duration(); max > 0 && window > max {
		window = max
	}
	return window
}

// evaluateFreshness classifies an entry by comparing its current age
// against its freshness lifetime and the stale windows its directives
// grant. Directives always win over configuration defaults.
func evaluateFreshness(meta *Metadata, now time.Time, cfg *config.CacheConfig) Freshness {
	age := meta.Age(now)
	life := lifetime(meta, cfg)

	if age < life {
		return Fresh
	}

	excess := age - life
	if excess < staleWindow(meta.Directives.StaleWhileRevalidate, cfg.StaleWhileRevalidate) {
		return StaleWhileRevalidate
	}
	if excess < staleWindow(meta.Directives.StaleIfError, cfg.StaleIfError) {
		return StaleIfError
	}
	return Expired
}

// withinStaleIfError reports whether the entry may still be served as a
// fallback when upstream fails. must-revalidate forbids serving stale
// under any circumstance.
func withinStaleIfError(meta *Metadata, now time.Time, cfg *config.CacheConfig) bool {
	if meta.Directives.MustRevalidate {
		return false
	}
	age := meta.Age(now)
	life := lifetime(meta, cfg)
	if age < life {
		return true
	}
	window := staleWindow(meta.Directives.StaleIfError, cfg.StaleIfError)
	if swr := staleWindow(meta.Directives.StaleWhileRevalidate, cfg.StaleWhileRevalidate); swr > window {
		window = swr
	}
	return age-life < window
}

// hardTTL is the store-level expiry for an entry: the freshness
// lifetime plus the widest stale window, so stale-but-servable entries
// survive in the store until no policy could ever use them again.
func hardTTL(meta *Metadata, cfg *config.CacheConfig) time.Duration {
	life := lifetime(meta, cfg)

	window := staleWindow(meta.Directives.StaleWhileRevalidate, cfg.StaleWhileRevalidate)
	if sie := staleWindow(meta.Directives.StaleIfError, cfg.StaleIfError); sie > window {
		window = sie
	}

	ttl := life + window
	if ttl <= 0 && meta.HasValidator() {
		ttl = defaultRevalidatableTTL
	}
	return ttl
}

// Package cachecontrol parses and serializes Cache-Control directive
// sets. Directive names are compared case-insensitively; arguments
// accept both token and quoted-string syntax. Unknown or malformed
// directives are ignored, never fatal.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// Directives is a parsed Cache-Control directive set. Boolean fields
// report directive presence; pointer fields are nil when the directive
// is absent or carried an invalid value.
type Directives struct {
	// NoStore forbids storing the message in any cache.
	NoStore bool `json:"noStore,omitempty"`

	// NoCache requires revalidation before a stored response is used.
	NoCache bool `json:"noCache,omitempty"`

	// NoCacheFields lists the header field names from a qualified
	// no-cache="..." argument, original case preserved.
	NoCacheFields []string `json:"noCacheFields,omitempty"`

	// MustRevalidate forbids serving the response stale without a
	// successful revalidation.
	MustRevalidate bool `json:"mustRevalidate,omitempty"`

	// Private marks the response as usable by private caches only.
	Private bool `json:"private,omitempty"`

	// PrivateFields lists the header field names from a qualified
	// private="..." argument, original case preserved.
	PrivateFields []string `json:"privateFields,omitempty"`

	// Public marks the response as cacheable by any cache.
	Public bool `json:"public,omitempty"`

	// Immutable indicates the response body will not change while fresh.
	Immutable bool `json:"immutable,omitempty"`

	// NoTransform forbids intermediaries from transforming the payload.
	NoTransform bool `json:"noTransform,omitempty"`

	// MaxAge is the freshness lifetime in seconds.
	MaxAge *int `json:"maxAge,omitempty"`

	// SMaxAge is the shared-cache freshness lifetime in seconds. It
	// takes precedence over MaxAge when present.
	SMaxAge *int `json:"sMaxAge,omitempty"`

	// StaleWhileRevalidate is the post-expiry window in seconds during
	// which the response may be served stale while refreshing.
	StaleWhileRevalidate *int `json:"staleWhileRevalidate,omitempty"`

	// StaleIfError is the post-expiry window in seconds during which
	// the response may be served stale if the refresh fails.
	StaleIfError *int `json:"staleIfError,omitempty"`
}

// Parse parses one or more Cache-Control header values into a directive
// set. When a directive appears more than once, the last occurrence
// wins. Numeric directives with non-numeric or negative values are
// dropped.
func Parse(values ...string) Directives {
	var d Directives
	for _, value := range values {
		for _, token := range splitDirectives(value) {
			name, arg := splitToken(token)
			d.apply(name, arg)
		}
	}
	return d
}

func (d *Directives) apply(name, arg string) {
	switch name {
	case "no-store":
		d.NoStore = true
	case "no-cache":
		d.NoCache = true
		d.NoCacheFields = fieldList(arg)
	case "must-revalidate":
		d.MustRevalidate = true
	case "private":
		d.Private = true
		d.PrivateFields = fieldList(arg)
	case "public":
		d.Public = true
	case "immutable":
		d.Immutable = true
	case "no-transform":
		d.NoTransform = true
	case "max-age":
		d.MaxAge = seconds(arg)
	case "s-maxage":
		d.SMaxAge = seconds(arg)
	case "stale-while-revalidate":
		d.StaleWhileRevalidate = seconds(arg)
	case "stale-if-error":
		d.StaleIfError = seconds(arg)
	}
}

// String serializes the directive set in a deterministic order. Absent
// directives are omitted. The result is semantically equivalent to the
// parsed input, not necessarily byte-identical.
func (d Directives) String() string {
	var parts []string

	if d.Public {
		parts = append(parts, "public")
	}
	if d.Private {
		parts = append(parts, qualified("private", d.PrivateFields))
	}
	if d.NoCache {
		parts = append(parts, qualified("no-cache", d.NoCacheFields))
	}
	if d.NoStore {
		parts = append(parts, "no-store")
	}
	if d.NoTransform {
		parts = append(parts, "no-transform")
	}
	if d.MustRevalidate {
		parts = append(parts, "must-revalidate")
	}
	if d.Immutable {
		parts = append(parts, "immutable")
	}
	if d.MaxAge != nil {
		parts = append(parts, "max-age="+strconv.Itoa(*d.MaxAge))
	}
	if d.SMaxAge != nil {
		parts = append(parts, "s-maxage="+strconv.Itoa(*d.SMaxAge))
	}
	if d.StaleWhileRevalidate != nil {
		parts = append(parts, "stale-while-revalidate="+strconv.Itoa(*d.StaleWhileRevalidate))
	}
	if d.StaleIfError != nil {
		parts = append(parts, "stale-if-error="+strconv.Itoa(*d.StaleIfError))
	}

	return strings.Join(parts, ", ")
}

// IsZero reports whether no recognized directive is present.
func (d Directives) IsZero() bool {
	return !d.NoStore && !d.NoCache && !d.MustRevalidate && !d.Private &&
		!d.Public && !d.Immutable && !d.NoTransform &&
		d.MaxAge == nil && d.SMaxAge == nil &&
		d.StaleWhileRevalidate == nil && d.StaleIfError == nil
}

// MaxAgeDuration returns the max-age value as a duration.
func (d Directives) MaxAgeDuration() (time.Duration, bool) {
	return secondsDuration(d.MaxAge)
}

// SMaxAgeDuration returns the s-maxage value as a duration.
func (d Directives) SMaxAgeDuration() (time.Duration, bool) {
	return secondsDuration(d.SMaxAge)
}

// StaleWhileRevalidateDuration returns the stale-while-revalidate
// window as a duration.
func (d Directives) StaleWhileRevalidateDuration() (time.Duration, bool) {
	return secondsDuration(d.StaleWhileRevalidate)
}

// StaleIfErrorDuration returns the stale-if-error window as a duration.
func (d Directives) StaleIfErrorDuration() (time.Duration, bool) {
	return secondsDuration(d.StaleIfError)
}

func secondsDuration(v *int) (time.Duration, bool) {
	if v == nil {
		return 0, false
	}
	return time.Duration(*v) * time.Second, true
}

// splitDirectives splits a header value on commas that are outside
// quoted strings.
func splitDirectives(value string) []string {
	var (
		parts    []string
		start    int
		inQuotes bool
	)
	for i := 0; i < len(value); i++ {
		switch value[i] {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			if inQuotes && i+1 < len(value) {
				i++
			}
		case ',':
			if !inQuotes {
				parts = append(parts, value[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, value[start:])
	return parts
}

// splitToken splits a directive token into its lower-cased name and raw
// argument. Quoted arguments are unquoted with original case retained.
func splitToken(token string) (name, arg string) {
	token = strings.TrimSpace(token)
	name, arg, found := strings.Cut(token, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	if !found {
		return name, ""
	}
	arg = strings.TrimSpace(arg)
	if len(arg) >= 2 && arg[0] == '"' && arg[len(arg)-1] == '"' {
		arg = strings.ReplaceAll(arg[1:len(arg)-1], `\"`, `"`)
	}
	return name, arg
}

// seconds parses a non-negative integer argument. Invalid or negative
// values yield nil, treating the directive as absent.
func seconds(arg string) *int {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// fieldList splits a qualified directive argument into header field
// names, preserving their original case.
func fieldList(arg string) []string {
	if arg == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(arg, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

func qualified(name string, fields []string) string {
	if len(fields) == 0 {
		return name
	}
	return name + `="` + strings.Join(fields, ", ") + `"`
}

package httpcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avhttpcache/cachecontrol"
)

// Metadata is the per-entry metadata captured at store time. The JSON
// layout is the persisted wire contract for custom store backends.
type Metadata struct {
	// StoredAtEpochMs is when the entry was stored, in Unix
	// milliseconds. The age baseline for freshness evaluation.
	StoredAtEpochMs int64 `json:"storedAtEpochMs"`

	// ResponseDate is the response's Date header, if parseable.
	ResponseDate time.Time `json:"responseDate,omitzero"`

	// ETag is the response's entity tag validator.
	ETag string `json:"etag,omitempty"`

	// LastModified is the response's Last-Modified validator.
	LastModified time.Time `json:"lastModified,omitzero"`

	// Directives is the parsed Cache-Control directive set of the
	// response.
	Directives cachecontrol.Directives `json:"directives"`

	// VaryHeaderNames are the request header names declared by the
	// response's Vary header, in canonical form.
	VaryHeaderNames []string `json:"varyHeaderNames,omitempty"`

	// VaryHeaderValues are the request's values for VaryHeaderNames,
	// captured at store time. Missing headers are captured as "".
	VaryHeaderValues map[string]string `json:"varyHeaderValues,omitempty"`

	// Status is the response status code.
	Status int `json:"status"`
}

// StoredAt returns the store time as a time.Time.
func (m *Metadata) StoredAt() time.Time {
	return time.UnixMilli(m.StoredAtEpochMs)
}

// Age returns the entry's current age relative to now.
func (m *Metadata) Age(now time.Time) time.Duration {
	age := now.Sub(m.StoredAt())
	if age < 0 {
		return 0
	}
	return age
}

// HasValidator reports whether the entry carries an ETag or
// Last-Modified validator usable for conditional revalidation.
func (m *Metadata) HasValidator() bool {
	return m.ETag != "" || !m.LastModified.IsZero()
}

// Entry is a cached response: metadata, response headers, and the body
// bytes. Entries are owned by the store; the engine never mutates an
// entry it read back, it builds a replacement and calls Set.
type Entry struct {
	// Metadata is the entry's cache metadata.
	Metadata Metadata `json:"metadata"`

	// Header is the stored response header set.
	Header http.Header `json:"headers"`

	// Body is the stored response body.
	Body []byte `json:"body"`
}

// NewEntry builds an Entry from a forwarded response whose body has
// already been read into body. Vary-named request header values are
// captured from req.
func NewEntry(req *http.Request, resp *http.Response, body []byte, now time.Time) *Entry {
	meta := Metadata{
		StoredAtEpochMs: now.UnixMilli(),
		ETag:            resp.Header.Get("ETag"),
		Directives:      cachecontrol.Parse(resp.Header.Values("Cache-Control")...),
		Status:          resp.StatusCode,
	}

	if v := resp.Header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.ResponseDate = t
		}
	}
	if v := resp.Header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.LastModified = t
		}
	}

	meta.VaryHeaderNames, meta.VaryHeaderValues = captureVary(resp.Header, req.Header)

	return &Entry{
		Metadata: meta,
		Header:   resp.Header.Clone(),
		Body:     body,
	}
}

// Refresh returns a copy of the entry with a reset age baseline and
// headers freshened from a 304 response, keeping the body. Cache
// metadata (validators, directives, dates) is re-derived from the
// merged header set.
func (e *Entry) Refresh(resp *http.Response, now time.Time) *Entry {
	header := e.Header.Clone()
	for name, values := range resp.Header {
		// Content-Length of a 304 describes the absent body, not ours.
		if name == "Content-Length" {
			continue
		}
		header[name] = values
	}

	meta := e.Metadata
	meta.StoredAtEpochMs = now.UnixMilli()
	meta.Directives = cachecontrol.Parse(header.Values("Cache-Control")...)
	if v := header.Get("ETag"); v != "" {
		meta.ETag = v
	}
	if v := header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.ResponseDate = t
		}
	}
	if v := header.Get("Last-Modified"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			meta.LastModified = t
		}
	}

	return &Entry{
		Metadata: meta,
		Header:   header,
		Body:     e.Body,
	}
}

// Response materializes the entry as an *http.Response for req. The
// body is an independent reader over the stored bytes; an Age header is
// synthesized from the entry's current age.
func (e *Entry) Response(req *http.Request, now time.Time) *http.Response {
	header := e.Header.Clone()
	header.Set("Age", strconv.Itoa(int(e.Metadata.Age(now)/time.Second)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Metadata.Status, http.StatusText(e.Metadata.Status)),
		StatusCode:    e.Metadata.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Encode serializes the entry for store persistence.
func (e *Entry) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// DecodeEntry deserializes an entry read back from a store.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

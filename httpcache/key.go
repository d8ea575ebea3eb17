package httpcache

import (
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
)

// Key derives the cache key for a request from its method and
// normalized URL: scheme and host lower-cased, default ports stripped,
// query parameters sorted. The key is deterministic for equivalent
// requests.
func Key(req *http.Request) string {
	var sb strings.Builder
	sb.WriteString(req.Method)
	sb.WriteByte(':')
	writeNormalizedURL(&sb, req.URL)
	return sb.String()
}

func writeNormalizedURL(sb *strings.Builder, u *url.URL) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}

	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(host)
	if u.Path == "" {
		sb.WriteByte('/')
	} else {
		sb.WriteString(u.Path)
	}

	query := u.Query()
	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('?')
		first := true
		for _, k := range keys {
			vals := query[k]
			sort.Strings(vals)
			for _, v := range vals {
				if !first {
					sb.WriteByte('&')
				}
				sb.WriteString(k)
				sb.WriteByte('=')
				sb.WriteString(v)
				first = false
			}
		}
	}
}

// varyAsterisk marks a Vary: * response, which always fails to match.
const varyAsterisk = "*"

// varyNames extracts the canonicalized header names declared by a Vary
// header set. A "*" member collapses the result to just the asterisk.
func varyNames(h http.Header) []string {
	var names []string
	for _, value := range h.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == varyAsterisk {
				return []string{varyAsterisk}
			}
			names = append(names, textproto.CanonicalMIMEHeaderKey(name))
		}
	}
	sort.Strings(names)
	return names
}

// captureVary records, for each header the response's Vary declares,
// the requesting client's value at store time. Missing request headers
// are captured as empty strings so absence matches absence later.
func captureVary(respHeader, reqHeader http.Header) ([]string, map[string]string) {
	names := varyNames(respHeader)
	if len(names) == 0 {
		return nil, nil
	}
	values := make(map[string]string, len(names))
	for _, name := range names {
		if name == varyAsterisk {
			continue
		}
		values[name] = strings.Join(reqHeader.Values(name), ", ")
	}
	return names, values
}

// matchesVary reports whether the stored entry's captured Vary values
// match the current request's headers. An entry stored from a Vary: *
// response never matches.
func matchesVary(meta *Metadata, reqHeader http.Header) bool {
	for _, name := range meta.VaryHeaderNames {
		if name == varyAsterisk {
			return false
		}
		current := strings.Join(reqHeader.Values(name), ", ")
		if current != meta.VaryHeaderValues[name] {
			return false
		}
	}
	return true
}

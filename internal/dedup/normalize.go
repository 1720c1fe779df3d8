package dedup

import (
	"net/url"
	"sort"
	"strings"
)

// volatileParams are query params stripped during normalization (§3
// URL normalization invariant); values like nonces and timestamps that
// don't change the identity of the page.
var volatileParams = map[string]struct{}{
	"timestamp": {},
	"ts":        {},
	"_t":        {},
	"time":      {},
	"rand":      {},
	"random":    {},
}

// NormalizeURL lowercases scheme and host, strips the fragment, and
// removes volatile query parameters. Idempotent: NormalizeURL(
// NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		// Not a parseable URL; fall back to a lowercase trim so the
		// function still never panics and stays idempotent.
		return strings.ToLower(strings.TrimSpace(raw))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		values := u.Query()
		for key := range values {
			if _, volatile := volatileParams[strings.ToLower(key)]; volatile {
				values.Del(key)
			}
		}
		u.RawQuery = encodeSorted(values)
	}

	return u.String()
}

// encodeSorted re-encodes query values with keys sorted, so two URLs
// differing only in param order normalize equal.
func encodeSorted(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	first := true
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

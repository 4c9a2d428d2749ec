// Package urlclean strips tracking parameters from store URLs before any
// fetch or persistence, preserving the ordering of whatever remains.
package urlclean

import (
	"net/url"
	"strings"
)

// trackingParams is the closed set of query parameters removed before a URL
// is used for fetch, dedup, or persistence.
var trackingParams = map[string]struct{}{
	"srsltid":      {},
	"pf":           {},
	"mc":           {},
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"gclid":        {},
	"fbclid":       {},
	"ref":          {},
	"ref_":         {},
	"_ga":          {},
	"_gl":          {},
	"dclid":        {},
}

// Clean removes tracking parameters from raw, preserving the relative order
// of the remaining query parameters. It is idempotent: Clean(Clean(u)) ==
// Clean(u). Malformed input is returned unchanged.
func Clean(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.RawQuery == "" {
		return u.String()
	}

	// url.Values is a map and loses original ordering; walk RawQuery
	// directly to preserve it for the parameters we keep.
	pairs := strings.Split(u.RawQuery, "&")
	kept := make([]string, 0, len(pairs))
	seen := map[string]struct{}{}
	for _, pair := range pairs {
		key := pair
		if idx := strings.IndexByte(pair, '='); idx >= 0 {
			key = pair[:idx]
		}
		unescapedKey, err := url.QueryUnescape(key)
		if err != nil {
			unescapedKey = key
		}
		if _, blocked := trackingParams[unescapedKey]; blocked {
			continue
		}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		kept = append(kept, pair)
	}

	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

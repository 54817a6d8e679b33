package reconcile

import (
	"net/url"
	"strings"
)

// DefaultBase resolves relative links when the host has no page URL.
const DefaultBase = "https://localhost/"

// NormalizeURL resolves raw against base and returns the canonical absolute
// form. Malformed input is returned unchanged so it can still be compared.
func NormalizeURL(raw, base string) string {
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	baseURL, err := url.Parse(base)
	if err != nil || base == "" || !baseURL.IsAbs() {
		baseURL, _ = url.Parse(DefaultBase)
	}

	resolved := baseURL.ResolveReference(ref)
	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = strings.ToLower(resolved.Host)
	if resolved.Host != "" && resolved.Path == "" && resolved.Opaque == "" {
		resolved.Path = "/"
	}
	return resolved.String()
}

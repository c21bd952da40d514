// Package urlutil provides URL manipulation helpers that preserve the
// original encoding. Go's url.ResolveReference re-encodes special characters,
// which breaks CDNs that use parentheses, brackets, or pre-encoded tokens in
// segment paths, so resolution here is plain string manipulation.
package urlutil

import (
	"net/url"
	"strings"
)

// Resolve resolves a possibly-relative reference against a base URL.
func Resolve(ref string, base string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}

	dir := BaseDirectory(base)

	if strings.HasPrefix(ref, "/") {
		// Absolute path: scheme+host from base
		parsed, err := url.Parse(base)
		if err != nil {
			return dir + ref
		}
		return parsed.Scheme + "://" + parsed.Host + ref
	}

	// Walk parent directory references
	for strings.HasPrefix(ref, "../") {
		ref = ref[3:]
		trimmed := strings.TrimSuffix(dir, "/")
		if lastSlash := strings.LastIndex(trimmed, "/"); lastSlash > 0 {
			dir = trimmed[:lastSlash+1]
		}
	}

	return dir + ref
}

// BaseDirectory returns the directory portion of a URL without the filename
// or query string, with a trailing slash.
func BaseDirectory(urlStr string) string {
	if idx := strings.Index(urlStr, "?"); idx > 0 {
		urlStr = urlStr[:idx]
	}
	if lastSlash := strings.LastIndex(urlStr, "/"); lastSlash > 0 {
		return urlStr[:lastSlash+1]
	}
	return urlStr
}

// SchemeHost extracts scheme://host from a URL, or "" if it cannot be parsed.
func SchemeHost(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// Host returns the host portion of a URL, or "" if it cannot be parsed.
func Host(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// Package manifest parses and rewrites streaming manifests. HLS playlists
// are rewritten line by line so every media URI routes back through the
// proxy; DASH MPDs are parsed and converted to HLS playlists on the fly.
package manifest

import (
	"net/url"
	"strings"
)

// Proxy endpoints that rewritten references point at.
const (
	EndpointManifest = "/proxy/manifest.m3u8"
	EndpointStream   = "/proxy/stream"
	EndpointKey      = "/proxy/key"
	EndpointDecrypt  = "/decrypt/segment.ts"
)

// Options carries the per-request context a rewrite needs: where the proxy
// lives, which headers to propagate into rewritten references, and the
// ClearKey pair to thread through for encrypted content.
type Options struct {
	ProxyBase string
	Headers   map[string]string
	ClearKey  string
	NoBypass  bool
}

// BuildReference assembles a proxied URL for the given endpoint and target.
// Forwarded headers are encoded as h_-prefixed query parameters with
// underscores in place of hyphens, the inverse of ParseHeaderParams.
func BuildReference(proxyBase, endpoint, target string, headers map[string]string, clearKey string) string {
	u, _ := url.Parse(proxyBase + endpoint)
	q := u.Query()
	q.Set("url", target)
	for k, v := range headers {
		q.Set("h_"+strings.ReplaceAll(k, "-", "_"), v)
	}
	if clearKey != "" {
		q.Set("clearkey", clearKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// endpointFor picks the proxy endpoint for a target URL. Sub-playlists go
// back through the manifest endpoint so they get rewritten too; everything
// else is raw passthrough.
func endpointFor(target string) string {
	if strings.Contains(strings.ToLower(target), ".m3u8") {
		return EndpointManifest
	}
	return EndpointStream
}

// IsRewritten reports whether a URL already points at this proxy. Rewriting
/// is idempotent: a reference produced by an earlier pass is left untouched.
func IsRewritten(target, proxyBase string) bool {
	if proxyBase == "" {
		return false
	}
	return strings.HasPrefix(target, proxyBase+"/proxy/") ||
		strings.HasPrefix(target, proxyBase+"/decrypt/")
}

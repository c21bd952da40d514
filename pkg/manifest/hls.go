package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/urlutil"
)

// CDNs with fast-expiring segment tokens. Proxying their segments would break
// playback by the time the player requests them, so segment URLs stay direct
// while sub-playlists keep routing through the proxy for header handling.
var bypassProxyCDNs = []string{
	"lovecdn.ru",
}

func shouldBypassProxy(target string) bool {
	lower := strings.ToLower(target)
	for _, cdn := range bypassProxyCDNs {
		if strings.Contains(lower, cdn) {
			return true
		}
	}
	return false
}

// RewriteHLS rewrites every media reference in an HLS playlist to route
// through the proxy, resolving relative URIs against originalURL first.
// Lines are preserved byte for byte except for the substituted references.
// A playlist that does not open with #EXTM3U is rejected.
func RewriteHLS(data []byte, originalURL string, opts Options) ([]byte, error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("#EXTM3U")) {
		return nil, fmt.Errorf("%w: missing #EXTM3U header", errdefs.ErrMalformedManifest)
	}

	bypassSegments := !opts.NoBypass && shouldBypassProxy(originalURL)

	var result bytes.Buffer
	result.Grow(len(data) * 2)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Init segment of the current EXT-X-MAP tag; ClearKey segments need it
	// for the decrypt endpoint.
	var initURL string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			result.WriteString(line)
			result.WriteByte('\n')
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#EXT-X-MAP") {
				if uri := uriAttr(line); uri != "" && !IsRewritten(uri, opts.ProxyBase) {
					initURL = urlutil.Resolve(uri, originalURL)
				}
				// Decrypted segments come back as self-contained TS; the
				// decrypt reference carries the init URL itself.
				if opts.ClearKey != "" {
					continue
				}
			}
			if strings.Contains(line, "URI=") {
				line = rewriteURIAttr(line, originalURL, opts, bypassSegments)
			}
			result.WriteString(line)
			result.WriteByte('\n')
			continue
		}

		result.WriteString(rewriteReference(line, originalURL, initURL, opts, bypassSegments))
		result.WriteByte('\n')
	}

	return result.Bytes(), scanner.Err()
}

// rewriteReference rewrites a bare URI line (variant or segment).
func rewriteReference(line, originalURL, initURL string, opts Options, bypassSegments bool) string {
	target := strings.TrimSpace(line)
	if IsRewritten(target, opts.ProxyBase) {
		return line
	}

	resolved := urlutil.Resolve(target, originalURL)
	endpoint := endpointFor(resolved)

	// Sub-playlists always stay proxied so their own rewrite pass happens.
	if endpoint == EndpointStream && (bypassSegments || (!opts.NoBypass && shouldBypassProxy(resolved))) {
		return resolved
	}

	// ClearKey media segments route through the decrypt endpoint so the
	// client receives clear bytes. Sub-playlists keep carrying the key
	// material for their own rewrite pass instead.
	if opts.ClearKey != "" && endpoint == EndpointStream {
		return buildDecryptRef(resolved, initURL, opts)
	}

	return BuildReference(opts.ProxyBase, endpoint, resolved, opts.Headers, opts.ClearKey)
}

// uriAttr extracts the URI="..." attribute value from a tag line.
func uriAttr(line string) string {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return ""
	}
	start += len(`URI="`)
	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return ""
	}
	return line[start : start+end]
}

// rewriteURIAttr rewrites the URI="..." attribute in tags like #EXT-X-KEY,
// #EXT-X-MAP and #EXT-X-MEDIA.
func rewriteURIAttr(line, originalURL string, opts Options, bypassSegments bool) string {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return line
	}
	start += len(`URI="`)

	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line
	}

	uri := line[start : start+end]
	if IsRewritten(uri, opts.ProxyBase) {
		return line
	}

	resolved := urlutil.Resolve(uri, originalURL)

	if bypassSegments || shouldBypassProxy(resolved) {
		return line[:start] + resolved + line[start+end:]
	}

	endpoint := endpointFor(resolved)
	if strings.HasPrefix(line, "#EXT-X-KEY") || strings.HasPrefix(line, "#EXT-X-SESSION-KEY") {
		endpoint = EndpointKey
	}

	rewritten := BuildReference(opts.ProxyBase, endpoint, resolved, opts.Headers, "")
	return line[:start] + rewritten + line[start+end:]
}

// IsMediaPlaylist reports whether an HLS playlist contains segments rather
// than variant references.
func IsMediaPlaylist(data []byte) bool {
	return bytes.Contains(data, []byte("#EXTINF")) || bytes.Contains(data, []byte("#EXT-X-TARGETDURATION"))
}

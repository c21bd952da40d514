// Package extractors resolves hosting-platform page URLs into direct media
// URLs plus the request headers the media host expects.
package extractors

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/manifest"
	"streamrelay/pkg/types"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// BaseExtractor carries the pieces every extractor needs.
type BaseExtractor struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewBaseExtractor creates the shared extractor base.
func NewBaseExtractor(client *httpclient.Client, log *logging.Logger) *BaseExtractor {
	return &BaseExtractor{client: client, log: log}
}

// Close releases resources. The base holds none.
func (b *BaseExtractor) Close() error {
	return nil
}

// DoRequest performs an HTTP request through the routed transport, defaulting
// the User-Agent to a browser string.
func (b *BaseExtractor) DoRequest(ctx context.Context, method, urlStr string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, nil)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", browserUserAgent)
	}
	return b.client.Do(req)
}

// Domain extracts the host from a URL.
func Domain(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// endpointForMedia picks the proxy endpoint matching a resolved media URL.
func endpointForMedia(mediaURL string) string {
	lower := strings.ToLower(mediaURL)
	switch {
	case strings.Contains(lower, ".m3u8") || strings.Contains(lower, ".mpd"):
		return manifest.EndpointManifest
	default:
		return manifest.EndpointStream
	}
}

// GenericExtractor passes a URL through unchanged with origin-derived
// headers. It never matches on its own; the gateway uses it when the caller
// names it explicitly.
type GenericExtractor struct {
	*BaseExtractor
}

// NewGenericExtractor creates the passthrough extractor.
func NewGenericExtractor(client *httpclient.Client, log *logging.Logger) *GenericExtractor {
	return &GenericExtractor{BaseExtractor: NewBaseExtractor(client, log.WithComponent("generic-extractor"))}
}

func (e *GenericExtractor) Name() string {
	return "generic"
}

// CanExtract always returns false; generic is an explicit choice, never a
// match.
func (e *GenericExtractor) CanExtract(url string) bool {
	return false
}

func (e *GenericExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	headers := map[string]string{"User-Agent": browserUserAgent}
	if domain := Domain(urlStr); domain != "" {
		headers["Referer"] = "https://" + domain + "/"
		headers["Origin"] = "https://" + domain
	}
	for key, value := range opts.Headers {
		headers[key] = value
	}

	return &types.ExtractResult{
		MediaURL:       urlStr,
		RequestHeaders: headers,
		Endpoint:       endpointForMedia(urlStr),
	}, nil
}

var _ interfaces.Extractor = (*GenericExtractor)(nil)

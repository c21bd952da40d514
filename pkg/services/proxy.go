// Package services contains the application services behind the HTTP
// handlers: proxy dispatch, extraction, and transcoding.
package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/manifest"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/types"
)

// ProxyService routes incoming stream requests through extraction and on
// to the matching stream handler.
type ProxyService struct {
	log            *logging.Logger
	streamHandlers *registry.StreamHandlerRegistry
	extractors     *registry.ExtractorRegistry
	baseURL        string
}

// NewProxyService creates a new proxy service.
func NewProxyService(
	log *logging.Logger,
	streamHandlers *registry.StreamHandlerRegistry,
	extractors *registry.ExtractorRegistry,
	baseURL string,
) *ProxyService {
	return &ProxyService{
		log:            log.WithComponent("proxy-service"),
		streamHandlers: streamHandlers,
		extractors:     extractors,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
	}
}

// HandleManifest processes a manifest request. URLs that belong to a
// known platform are resolved through its extractor before dispatch.
func (s *ProxyService) HandleManifest(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	req.URL = DecodeURL(req.URL)
	s.log.Debug("handling manifest request", "url", req.URL)

	if extractor, err := s.extractors.Get(req.URL); err == nil {
		result, err := extractor.Extract(ctx, req.URL, interfaces.ExtractOptions{Headers: req.Headers})
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", extractor.Name(), err)
		}
		s.log.Debug("resolved platform URL",
			"extractor", extractor.Name(),
			"original", req.URL,
			"media", result.MediaURL)

		req.URL = result.MediaURL
		if len(result.RequestHeaders) > 0 {
			if req.Headers == nil {
				req.Headers = make(map[string]string, len(result.RequestHeaders))
			}
			for k, v := range result.RequestHeaders {
				req.Headers[k] = v
			}
		}
	}

	handler := s.streamHandlers.Get(req.URL)
	if handler == nil {
		return nil, fmt.Errorf("no stream handler for %s", req.URL)
	}
	s.log.Debug("dispatching manifest", "type", handler.Type(), "url", req.URL)

	return handler.HandleManifest(ctx, req, s.baseURL)
}

// HandleSegment processes a segment or direct stream request.
func (s *ProxyService) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	req.URL = DecodeURL(req.URL)
	s.log.Debug("handling segment request", "url", req.URL)

	handler := s.streamHandlers.Get(req.URL)
	if handler == nil {
		handler = s.streamHandlers.GetByType(types.StreamTypeGeneric)
	}
	if handler == nil {
		return nil, fmt.Errorf("no stream handler for %s", req.URL)
	}

	return handler.HandleSegment(ctx, req)
}

// HandleExtract resolves a platform URL without proxying it, returning
// the direct media URL plus a ready-made proxy reference. A non-empty
// host pins extraction to the named adapter instead of matching.
func (s *ProxyService) HandleExtract(ctx context.Context, urlStr, host string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	urlStr = DecodeURL(urlStr)
	s.log.Debug("handling extract request", "url", urlStr, "host", host)

	var (
		extractor interfaces.Extractor
		err       error
	)
	if host != "" {
		extractor, err = s.extractors.GetByName(host)
	} else {
		extractor, err = s.extractors.Get(urlStr)
		if errors.Is(err, errdefs.ErrNoExtractorMatched) {
			extractor, err = s.extractors.GetByName("generic")
		}
	}
	if err != nil {
		return nil, err
	}

	result, err := extractor.Extract(ctx, urlStr, opts)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", extractor.Name(), err)
	}

	result.ProxyURL = manifest.BuildReference(s.baseURL, result.Endpoint, result.MediaURL, result.RequestHeaders, "")
	return result, nil
}

// DecodeURL unwraps percent or base64 encoded URL parameters. The query
// layer has already percent-decoded the value once, so anything that is a
// URL at this point passes through byte for byte: a second unescape would
// corrupt literal %xx escapes and + characters inside signed CDN tokens.
func DecodeURL(urlStr string) string {
	if urlStr == "" || hasScheme(urlStr) {
		return urlStr
	}

	if decoded, err := url.QueryUnescape(urlStr); err == nil && hasScheme(decoded) {
		return decoded
	}

	padded := urlStr
	switch len(urlStr) % 4 {
	case 2:
		padded += "=="
	case 3:
		padded += "="
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if decoded, err := enc.DecodeString(padded); err == nil && hasScheme(string(decoded)) {
			return string(decoded)
		}
	}

	return urlStr
}

func hasScheme(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

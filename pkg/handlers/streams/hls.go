// Package streams provides the stream handler implementations dispatched by
// the handler registry.
package streams

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/manifest"
	"streamrelay/pkg/types"
)

// HLSHandler fetches HLS playlists and rewrites them to route through the
// proxy.
type HLSHandler struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewHLSHandler creates a new HLS stream handler.
func NewHLSHandler(client *httpclient.Client, log *logging.Logger) *HLSHandler {
	return &HLSHandler{
		client: client,
		log:    log.WithComponent("hls-handler"),
	}
}

// Type returns the stream type.
func (h *HLSHandler) Type() types.StreamType {
	return types.StreamTypeHLS
}

// CanHandle returns true if the URL looks like an HLS playlist.
func (h *HLSHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/hls/") {
		return true
	}
	return strings.Contains(lower, "manifest") &&
		!strings.Contains(lower, ".mpd") &&
		!strings.Contains(lower, "format=mpd")
}

// HandleManifest fetches the playlist and rewrites every reference in it.
func (h *HLSHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	h.log.Debug("handling HLS manifest", "url", req.URL, "no_bypass", req.NoBypass)

	resp, err := h.client.Fetch(ctx, req.URL, withDefaultUserAgent(req.Headers))
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.log.Warn("manifest fetch failed", "url", req.URL, "status", resp.StatusCode)
		return &types.StreamResponse{StatusCode: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	rewritten, err := manifest.RewriteHLS(body, req.URL, manifest.Options{
		ProxyBase: proxyBase,
		Headers:   req.Headers,
		ClearKey:  req.ClearKey,
		NoBypass:  req.NoBypass,
	})
	if err != nil {
		return nil, err
	}

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(bytes.NewReader(rewritten)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies an HLS segment unchanged.
func (h *HLSHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	resp, err := h.client.Fetch(ctx, req.URL, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/MP2T"
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

func withDefaultUserAgent(headers map[string]string) map[string]string {
	if _, ok := headers["User-Agent"]; ok {
		return headers
	}
	merged := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		merged[k] = v
	}
	merged["User-Agent"] = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	return merged
}

var _ interfaces.StreamHandler = (*HLSHandler)(nil)

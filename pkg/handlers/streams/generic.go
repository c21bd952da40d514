package streams

import (
	"context"
	"fmt"
	"strings"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

// GenericHandler proxies any direct media URL that no specialised handler
// claims. It is registered as the registry fallback.
type GenericHandler struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewGenericHandler creates a new generic stream handler.
func NewGenericHandler(client *httpclient.Client, log *logging.Logger) *GenericHandler {
	return &GenericHandler{
		client: client,
		log:    log.WithComponent("generic-handler"),
	}
}

// Type returns the stream type.
func (h *GenericHandler) Type() types.StreamType {
	return types.StreamTypeGeneric
}

// CanHandle returns true for common direct media file extensions.
func (h *GenericHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	for _, ext := range []string{".mp4", ".mkv", ".webm", ".avi", ".mov", ".ts", ".aac", ".mp3", ".flac", ".wav"} {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	return false
}

// HandleManifest for generic streams just proxies the file itself.
func (h *GenericHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	return h.HandleSegment(ctx, req)
}

// HandleSegment proxies the media bytes, preserving range semantics so
// players can seek.
func (h *GenericHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	resp, err := h.client.Fetch(ctx, req.URL, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("fetch stream: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = guessContentType(req.URL)
	}

	headers := map[string]string{
		"Accept-Ranges": "bytes",
	}
	if v := resp.Header.Get("Content-Length"); v != "" {
		headers["Content-Length"] = v
	}
	if v := resp.Header.Get("Content-Range"); v != "" {
		headers["Content-Range"] = v
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
		Headers:     headers,
	}, nil
}

func guessContentType(urlStr string) string {
	lower := strings.ToLower(urlStr)
	switch {
	case strings.Contains(lower, ".mp4"):
		return "video/mp4"
	case strings.Contains(lower, ".mkv"):
		return "video/x-matroska"
	case strings.Contains(lower, ".webm"):
		return "video/webm"
	case strings.Contains(lower, ".ts"):
		return "video/MP2T"
	case strings.Contains(lower, ".aac"):
		return "audio/aac"
	case strings.Contains(lower, ".mp3"):
		return "audio/mpeg"
	case strings.Contains(lower, ".flac"):
		return "audio/flac"
	case strings.Contains(lower, ".wav"):
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

var _ interfaces.StreamHandler = (*GenericHandler)(nil)

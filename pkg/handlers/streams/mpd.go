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

// MPDHandler serves DASH sources by converting their manifests to HLS on
// the fly: the master request synthesizes a multi-variant playlist, and
// rep_id-selected requests synthesize the media playlist for one
// representation.
type MPDHandler struct {
	client *httpclient.Client
	log    *logging.Logger
}

// NewMPDHandler creates a new DASH stream handler.
func NewMPDHandler(client *httpclient.Client, log *logging.Logger) *MPDHandler {
	return &MPDHandler{
		client: client,
		log:    log.WithComponent("mpd-handler"),
	}
}

// Type returns the stream type.
func (h *MPDHandler) Type() types.StreamType {
	return types.StreamTypeMPD
}

// CanHandle returns true if the URL looks like a DASH manifest.
func (h *MPDHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".mpd") ||
		strings.Contains(lower, "/dash/") ||
		strings.Contains(lower, "manifest(format=mpd")
}

// HandleManifest fetches the MPD and returns the converted HLS playlist.
func (h *MPDHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	h.log.Debug("handling MPD manifest", "url", req.URL, "rep_id", req.RepID)

	resp, err := h.client.Fetch(ctx, req.URL, withDefaultUserAgent(req.Headers))
	if err != nil {
		return nil, fmt.Errorf("fetch MPD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &types.StreamResponse{StatusCode: resp.StatusCode}, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read MPD: %w", err)
	}

	mpd, err := manifest.ParseMPD(body)
	if err != nil {
		return nil, err
	}

	opts := manifest.Options{
		ProxyBase: proxyBase,
		Headers:   req.Headers,
		ClearKey:  req.ClearKey,
	}

	var playlist string
	if req.RepID != "" {
		playlist, err = manifest.ConvertMedia(mpd, req.RepID, req.URL, opts)
	} else {
		playlist, err = manifest.ConvertMaster(mpd, req.URL, opts)
	}
	if err != nil {
		return nil, err
	}

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(bytes.NewReader([]byte(playlist))),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies a DASH media segment.
func (h *MPDHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	resp, err := h.client.Fetch(ctx, req.URL, req.Headers)
	if err != nil {
		return nil, fmt.Errorf("fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		if strings.HasSuffix(req.URL, ".m4s") {
			contentType = "video/iso.segment"
		} else {
			contentType = "application/octet-stream"
		}
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

var _ interfaces.StreamHandler = (*MPDHandler)(nil)

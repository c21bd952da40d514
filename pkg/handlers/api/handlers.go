// Package api provides the HTTP handlers of the proxy front.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamrelay/pkg/config"
	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/services"
	"streamrelay/pkg/types"
)

// Handlers bundles the API handlers with their dependencies.
type Handlers struct {
	cfg        *config.Config
	log        *logging.Logger
	proxy      *services.ProxyService
	recorder   interfaces.Recorder
	transcoder interfaces.Transcoder
	client     *httpclient.Client
}

// NewHandlers creates a new Handlers instance. recorder and transcoder may
// be nil when the corresponding feature is disabled.
func NewHandlers(
	cfg *config.Config,
	log *logging.Logger,
	proxy *services.ProxyService,
	recorder interfaces.Recorder,
	transcoder interfaces.Transcoder,
	client *httpclient.Client,
) *Handlers {
	return &Handlers{
		cfg:        cfg,
		log:        log.WithComponent("api"),
		proxy:      proxy,
		recorder:   recorder,
		transcoder: transcoder,
		client:     client,
	}
}

// RegisterRoutes registers all API routes on the mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /api/info", h.handleInfo)
	mux.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /proxy/manifest.m3u8", h.handleProxyManifest)
	mux.HandleFunc("GET /proxy/hls/manifest.m3u8", h.handleProxyManifest)
	mux.HandleFunc("GET /proxy/mpd/manifest.m3u8", h.handleProxyManifest)
	mux.HandleFunc("GET /proxy/stream", h.handleProxyStream)
	mux.HandleFunc("HEAD /proxy/stream", h.handleProxyStream)
	mux.HandleFunc("GET /proxy/key", h.handleProxyKey)
	mux.HandleFunc("GET /decrypt/segment.ts", h.handleDecryptSegment)

	mux.HandleFunc("GET /extract", h.handleExtract)
	mux.HandleFunc("GET /extractor", h.handleExtract)
	mux.HandleFunc("GET /license", h.handleLicense)

	if h.transcoder != nil {
		mux.HandleFunc("GET /transcode/{streamID}/{filename}", h.handleTranscodeFile)
	}

	if h.recorder != nil {
		mux.HandleFunc("GET /api/recordings", h.handleListRecordings)
		mux.HandleFunc("GET /api/recordings/active", h.handleListActiveRecordings)
		mux.HandleFunc("POST /api/recordings", h.handleStartRecording)
		mux.HandleFunc("GET /api/recordings/{id}", h.handleGetRecording)
		mux.HandleFunc("POST /api/recordings/{id}/stop", h.handleStopRecording)
		mux.HandleFunc("GET /api/recordings/{id}/stream", h.handleRecordingStream)
		mux.HandleFunc("GET /api/recordings/{id}/download", h.handleRecordingDownload)
		mux.HandleFunc("DELETE /api/recordings/{id}", h.handleDeleteRecording)
		mux.HandleFunc("GET /record", h.handleRecord)
	}
}

func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, indexPage)
}

func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"version": version,
		"dvr":     h.recorder != nil,
	})
}

// handleTranscodeFile serves files produced by an ffmpeg transcode session.
func (h *Handlers) handleTranscodeFile(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("streamID")
	filename := r.PathValue("filename")
	if strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		h.writeError(w, http.StatusBadRequest, "invalid path")
		return
	}

	h.transcoder.TouchStream(streamID)

	filePath := filepath.Join(h.transcoder.GetStreamPath(streamID), filename)
	if _, err := os.Stat(filePath); err != nil {
		h.writeError(w, http.StatusNotFound, "stream file not found")
		return
	}

	switch {
	case strings.HasSuffix(filename, ".m3u8"):
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	case strings.HasSuffix(filename, ".ts"):
		w.Header().Set("Content-Type", "video/MP2T")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filePath)
}

// forwardedClientHeaders are the player's own headers worth passing along to
// the upstream when no h_ parameter overrides them.
var forwardedClientHeaders = []string{"User-Agent", "Referer", "Origin", "Authorization", "Cookie"}

func (h *Handlers) parseStreamRequest(r *http.Request) *types.StreamRequest {
	q := r.URL.Query()
	urlStr := q.Get("url")
	if urlStr == "" {
		urlStr = q.Get("d")
	}

	headers := make(map[string]string)
	for _, name := range forwardedClientHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	// h_ parameters take precedence over the client's own headers.
	for name, v := range httpclient.ParseHeaderParams(q) {
		headers[name] = v
	}

	return &types.StreamRequest{
		URL:      urlStr,
		Headers:  headers,
		ClearKey: q.Get("clearkey"),
		RepID:    q.Get("rep_id"),
		NoBypass: q.Get("no_bypass") == "1",
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *Handlers) writeErrorFor(w http.ResponseWriter, err error) {
	h.writeError(w, statusForError(err), err.Error())
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrRecordingNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrRecordingConflict):
		return http.StatusConflict
	case errors.Is(err, errdefs.ErrNoExtractorMatched):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrMalformedManifest),
		errors.Is(err, errdefs.ErrUpstreamFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeStreamResponse(w http.ResponseWriter, r *http.Request, resp *types.StreamResponse) {
	if resp.RedirectURL != "" {
		http.Redirect(w, r, resp.RedirectURL, resp.StatusCode)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	if resp.Body != nil {
		defer resp.Body.Close()
		io.Copy(w, resp.Body)
	}
}

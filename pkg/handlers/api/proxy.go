package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
)

// handleProxyManifest serves rewritten manifests. The url parameter may be
// a plain, percent encoded, or base64 encoded upstream URL, or a platform
// page a registered extractor resolves first.
func (h *Handlers) handleProxyManifest(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	resp, err := h.proxy.HandleManifest(r.Context(), req)
	if err != nil {
		h.log.Error("proxy manifest failed", "url", req.URL, "error", err)
		h.writeErrorFor(w, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleProxyStream streams media bytes, forwarding Range requests so
// players can seek.
func (h *Handlers) handleProxyStream(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	// Segment fetches pass the client's remaining headers through, minus the
	// hop-by-hop set, so Range and conditional requests reach the upstream.
	// Headers already set, via h_ parameters or the forwarded subset, win.
	for name, values := range httpclient.FilteredHeaders(r.Header) {
		if len(values) == 0 {
			continue
		}
		if _, ok := req.Headers[name]; !ok {
			req.Headers[name] = values[0]
		}
	}

	resp, err := h.proxy.HandleSegment(r.Context(), req)
	if err != nil {
		h.log.Error("proxy stream failed", "url", req.URL, "error", err)
		h.writeErrorFor(w, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleProxyKey fetches an AES-128 key through the proxy so the player
// never needs direct access to the key server.
func (h *Handlers) handleProxyKey(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	resp, err := h.client.Fetch(r.Context(), req.URL, req.Headers)
	if err != nil {
		h.log.Error("key fetch failed", "url", req.URL, "error", err)
		h.writeErrorFor(w, err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleExtract resolves a platform URL and returns the result as JSON,
// or redirects straight into the proxied stream when asked to.
func (h *Handlers) handleExtract(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	urlStr := q.Get("url")
	if urlStr == "" {
		urlStr = q.Get("d")
	}
	if urlStr == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	opts := interfaces.ExtractOptions{
		Headers:      httpclient.ParseHeaderParams(q),
		ForceRefresh: q.Get("force") == "true",
	}

	result, err := h.proxy.HandleExtract(r.Context(), urlStr, q.Get("host"), opts)
	if err != nil {
		h.log.Error("extraction failed", "url", urlStr, "error", err)
		h.writeErrorFor(w, err)
		return
	}

	if q.Get("redirect_stream") == "true" {
		http.Redirect(w, r, result.ProxyURL, http.StatusFound)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// handleLicense answers ClearKey license requests in the W3C JSON shape
// players expect from a license server.
func (h *Handlers) handleLicense(w http.ResponseWriter, r *http.Request) {
	clearKey := r.URL.Query().Get("clearkey")
	if clearKey == "" {
		h.writeError(w, http.StatusBadRequest, "clearkey parameter required")
		return
	}

	keys := make([]map[string]string, 0, 1)
	for _, pair := range strings.Split(clearKey, ",") {
		kid, key, found := strings.Cut(pair, ":")
		if !found {
			continue
		}
		keys = append(keys, map[string]string{
			"kty": "oct",
			"kid": kid,
			"k":   key,
		})
	}
	if len(keys) == 0 {
		h.writeError(w, http.StatusBadRequest, "clearkey must be KID:KEY pairs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"keys": keys,
		"type": "temporary",
	})
}

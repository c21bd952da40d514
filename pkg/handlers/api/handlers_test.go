package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/pkg/config"
	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/handlers/streams"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/services"
	"streamrelay/pkg/types"
)

// stubRecorder satisfies interfaces.Recorder for handler tests.
type stubRecorder struct {
	recordings map[string]*types.Recording
	stopped    []string
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{recordings: make(map[string]*types.Recording)}
}

func (s *stubRecorder) Start(ctx context.Context, req types.RecordingRequest) (*types.Recording, error) {
	for _, rec := range s.recordings {
		if rec.URL == req.URL && !rec.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", errdefs.ErrRecordingConflict, req.URL)
		}
	}
	rec := &types.Recording{
		ID:        fmt.Sprintf("rec-%d", len(s.recordings)+1),
		Name:      req.Name,
		URL:       req.URL,
		Status:    types.RecordingStatusRecording,
		StartedAt: time.Now(),
	}
	s.recordings[rec.ID] = rec
	return rec, nil
}

func (s *stubRecorder) Stop(id string) error {
	rec, ok := s.recordings[id]
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	rec.Status = types.RecordingStatusCompleted
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *stubRecorder) Get(id string) (*types.Recording, error) {
	rec, ok := s.recordings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	return rec, nil
}

func (s *stubRecorder) List() ([]*types.Recording, error) {
	out := make([]*types.Recording, 0, len(s.recordings))
	for _, rec := range s.recordings {
		out = append(out, rec)
	}
	return out, nil
}

func (s *stubRecorder) ListActive() ([]*types.Recording, error) {
	var out []*types.Recording
	for _, rec := range s.recordings {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubRecorder) Delete(id string) error {
	if _, ok := s.recordings[id]; !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	delete(s.recordings, id)
	return nil
}

func (s *stubRecorder) OpenStream(id string) (io.ReadCloser, error) {
	if _, ok := s.recordings[id]; !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrRecordingNotFound, id)
	}
	return io.NopCloser(strings.NewReader("recorded-bytes")), nil
}

func (s *stubRecorder) Close() error { return nil }

var _ interfaces.Recorder = (*stubRecorder)(nil)

func newTestMux(t *testing.T, recorder interfaces.Recorder) *http.ServeMux {
	t.Helper()

	cfg := &config.Config{
		BaseURL:        "http://proxy.local",
		RequestTimeout: 10 * time.Second,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}
	log := logging.New("error", false, io.Discard)
	client := httpclient.New(cfg, log)

	handlerReg := registry.NewStreamHandlerRegistry()
	handlerReg.Register(streams.NewHLSHandler(client, log))
	handlerReg.Register(streams.NewMPDHandler(client, log))
	handlerReg.SetFallback(streams.NewGenericHandler(client, log))

	proxy := services.NewProxyService(log, handlerReg, registry.NewExtractorRegistry(), cfg.BaseURL)

	mux := http.NewServeMux()
	NewHandlers(cfg, log, proxy, recorder, nil, client).RegisterRoutes(mux)
	return mux
}

func TestProxyManifestEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "#EXTM3U\n#EXTINF:10.0,\nsegment1.ts\n")
	}))
	defer upstream.Close()

	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/manifest.m3u8?url="+upstream.URL+"/live.m3u8", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "http://proxy.local/proxy/stream?url=")
}

func TestProxyManifestRequiresURL(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/manifest.m3u8", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxyStreamForwardsRange(t *testing.T) {
	var gotRange string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "partial")
	}))
	defer upstream.Close()

	mux := newTestMux(t, nil)

	req := httptest.NewRequest("GET", "/proxy/stream?url="+upstream.URL+"/movie.mp4", nil)
	req.Header.Set("Range", "bytes=0-6")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes=0-6", gotRange)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestProxyStreamFiltersClientHeaders(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "segment")
	}))
	defer upstream.Close()

	mux := newTestMux(t, nil)

	req := httptest.NewRequest("GET", "/proxy/stream?url="+upstream.URL+"/seg.ts&h_Referer=https://override.example/", nil)
	req.Header.Set("User-Agent", "PlayerOne/1.0")
	req.Header.Set("Referer", "https://player.example/")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("If-None-Match", `"etag-1"`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PlayerOne/1.0", got.Get("User-Agent"))
	assert.Equal(t, `"etag-1"`, got.Get("If-None-Match"))
	// h_ parameters beat the client's own header.
	assert.Equal(t, "https://override.example/", got.Get("Referer"))
	// Identity-leaking headers never reach the upstream.
	assert.Empty(t, got.Get("X-Forwarded-For"))
}

func TestProxyKeyEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0x01, 0x02, 0x03, 0x04})
	}))
	defer upstream.Close()

	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/key?url="+upstream.URL+"/key.bin", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, rec.Body.Bytes())
}

func TestDecryptSegmentSkipPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "clear-segment")
	}))
	defer upstream.Close()

	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/decrypt/segment.ts?skip_decrypt=1&url="+upstream.URL+"/seg.m4s", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "clear-segment", rec.Body.String())
}

func TestDecryptSegmentRejectsBadKeys(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/decrypt/segment.ts?url=http://x/seg.m4s&key_id=zz&key=zz", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLicenseEndpoint(t *testing.T) {
	mux := newTestMux(t, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/license?clearkey=kid1:key1,kid2:key2", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var license struct {
		Keys []map[string]string `json:"keys"`
		Type string              `json:"type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &license))
	assert.Equal(t, "temporary", license.Type)
	require.Len(t, license.Keys, 2)
	assert.Equal(t, "kid1", license.Keys[0]["kid"])
	assert.Equal(t, "oct", license.Keys[0]["kty"])
}

func TestRecordingLifecycleEndpoints(t *testing.T) {
	recorder := newStubRecorder()
	mux := newTestMux(t, recorder)

	body := strings.NewReader(`{"url":"https://cdn.example/live.m3u8","name":"news","duration":"30m"}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/recordings", body))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Recording
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "news", created.Name)

	// Duplicate URL conflicts.
	body = strings.NewReader(`{"url":"https://cdn.example/live.m3u8"}`)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/recordings", body))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/recordings/"+created.ID+"/stream", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recorded-bytes", rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("POST", "/api/recordings/"+created.ID+"/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/recordings/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", "/api/recordings/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusForError(errdefs.ErrRecordingNotFound))
	assert.Equal(t, http.StatusConflict, statusForError(errdefs.ErrRecordingConflict))
	assert.Equal(t, http.StatusBadGateway, statusForError(errdefs.ErrUpstreamFetch))
	assert.Equal(t, http.StatusBadGateway, statusForError(errdefs.ErrMalformedManifest))
	assert.Equal(t, http.StatusInternalServerError, statusForError(io.ErrUnexpectedEOF))
}

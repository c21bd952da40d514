package streams

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/pkg/config"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"
)

func testDeps(t *testing.T) (*httpclient.Client, *logging.Logger) {
	t.Helper()
	log := logging.New("error", false, io.Discard)
	cfg := &config.Config{
		RequestTimeout: 10 * time.Second,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	}
	return httpclient.New(cfg, log), log
}

func TestHLSHandlerCanHandle(t *testing.T) {
	h := &HLSHandler{}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/live/playlist.m3u8", true},
		{"https://example.com/hls/stream", true},
		{"https://example.com/manifest?type=hls", true},
		{"https://example.com/manifest(format=mpd-time-csf)", false},
		{"https://example.com/video.mp4", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.CanHandle(tt.url), tt.url)
	}
}

func TestMPDHandlerCanHandle(t *testing.T) {
	h := &MPDHandler{}

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/stream.mpd", true},
		{"https://example.com/dash/stream", true},
		{"https://example.com/manifest(format=mpd-time-csf)", true},
		{"https://example.com/playlist.m3u8", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, h.CanHandle(tt.url), tt.url)
	}
}

func TestGenericHandlerCanHandle(t *testing.T) {
	h := &GenericHandler{}

	assert.True(t, h.CanHandle("https://example.com/movie.mp4"))
	assert.True(t, h.CanHandle("https://example.com/show.mkv?token=abc"))
	assert.False(t, h.CanHandle("https://example.com/playlist.m3u8"))
}

func TestHLSHandlerRewritesManifest(t *testing.T) {
	playlist := "#EXTM3U\n#EXTINF:10.0,\nsegment1.ts\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		io.WriteString(w, playlist)
	}))
	defer srv.Close()

	client, log := testDeps(t)
	h := NewHLSHandler(client, log)

	resp, err := h.HandleManifest(context.Background(), &types.StreamRequest{
		URL: srv.URL + "/playlist.m3u8",
	}, "http://proxy.local")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.ContentType)
	assert.Contains(t, string(body), "http://proxy.local/proxy/stream?url=")
	assert.Contains(t, string(body), "segment1.ts")
}

func TestHLSHandlerPassesThroughUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, log := testDeps(t)
	h := NewHLSHandler(client, log)

	resp, err := h.HandleManifest(context.Background(), &types.StreamRequest{
		URL: srv.URL + "/playlist.m3u8",
	}, "http://proxy.local")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMPDHandlerConvertsManifest(t *testing.T) {
	const mpd = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT20S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate media="seg-$RepresentationID$-$Number$.m4s" initialization="init-$RepresentationID$.mp4" duration="10" timescale="1" startNumber="1"/>
      <Representation id="v1" bandwidth="1200000" width="1280" height="720" codecs="avc1.64001f"/>
    </AdaptationSet>
  </Period>
</MPD>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dash+xml")
		io.WriteString(w, mpd)
	}))
	defer srv.Close()

	client, log := testDeps(t)
	h := NewMPDHandler(client, log)

	resp, err := h.HandleManifest(context.Background(), &types.StreamRequest{
		URL: srv.URL + "/stream.mpd",
	}, "http://proxy.local")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	master := string(body)
	assert.Contains(t, master, "#EXT-X-STREAM-INF")
	assert.Contains(t, master, "RESOLUTION=1280x720")

	// The variant reference must round-trip through the media conversion.
	resp, err = h.HandleManifest(context.Background(), &types.StreamRequest{
		URL:   srv.URL + "/stream.mpd",
		RepID: "v1",
	}, "http://proxy.local")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	media := string(body)
	assert.Contains(t, media, "#EXT-X-PLAYLIST-TYPE:VOD")
	assert.Contains(t, media, "#EXT-X-ENDLIST")
	assert.Contains(t, media, "seg-v1-1.m4s")
}

func TestMPDHandlerRejectsUnknownRepresentation(t *testing.T) {
	const mpd = `<?xml version="1.0"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="static" mediaPresentationDuration="PT10S">
  <Period>
    <AdaptationSet contentType="video">
      <SegmentTemplate media="seg-$Number$.m4s" duration="10" timescale="1"/>
      <Representation id="v1" bandwidth="1200000"/>
    </AdaptationSet>
  </Period>
</MPD>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, mpd)
	}))
	defer srv.Close()

	client, log := testDeps(t)
	h := NewMPDHandler(client, log)

	_, err := h.HandleManifest(context.Background(), &types.StreamRequest{
		URL:   srv.URL + "/stream.mpd",
		RepID: "nope",
	}, "http://proxy.local")
	require.Error(t, err)
}

func TestGenericHandlerProxiesMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "9")
		io.WriteString(w, "mp4-bytes")
	}))
	defer srv.Close()

	client, log := testDeps(t)
	h := NewGenericHandler(client, log)

	resp, err := h.HandleSegment(context.Background(), &types.StreamRequest{
		URL: srv.URL + "/movie.mp4",
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "mp4-bytes", string(body))
	assert.Equal(t, "video/mp4", resp.ContentType)
	assert.Equal(t, "bytes", resp.Headers["Accept-Ranges"])
	assert.Equal(t, "9", resp.Headers["Content-Length"])
}

func TestGuessContentType(t *testing.T) {
	assert.Equal(t, "video/x-matroska", guessContentType("https://x/show.MKV"))
	assert.Equal(t, "audio/mpeg", guessContentType("https://x/track.mp3"))
	assert.Equal(t, "application/octet-stream", guessContentType("https://x/blob"))
}

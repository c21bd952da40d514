package services

import (
	"context"
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/manifest"
	"streamrelay/pkg/registry"
	"streamrelay/pkg/types"
)

type stubHandler struct {
	streamType types.StreamType
	match      string
	lastReq    *types.StreamRequest
	lastBase   string
}

func (h *stubHandler) Type() types.StreamType { return h.streamType }

func (h *stubHandler) CanHandle(url string) bool {
	return h.match != "" && strings.Contains(url, h.match)
}

func (h *stubHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	h.lastReq = req
	h.lastBase = proxyBase
	return &types.StreamResponse{StatusCode: 200, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (h *stubHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	h.lastReq = req
	return &types.StreamResponse{StatusCode: 200, Body: io.NopCloser(strings.NewReader(""))}, nil
}

type stubExtractor struct {
	name   string
	match  string
	result *types.ExtractResult
}

func (e *stubExtractor) Name() string               { return e.name }
func (e *stubExtractor) CanExtract(url string) bool { return strings.Contains(url, e.match) }
func (e *stubExtractor) Close() error               { return nil }

func (e *stubExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.ExtractResult, error) {
	return e.result, nil
}

func newTestService(handlers []*stubHandler, extractors []*stubExtractor) *ProxyService {
	hr := registry.NewStreamHandlerRegistry()
	for _, h := range handlers {
		hr.Register(h)
	}
	er := registry.NewExtractorRegistry()
	for _, e := range extractors {
		er.Register(e)
	}
	log := logging.New("error", false, io.Discard)
	return NewProxyService(log, hr, er, "http://proxy.local/")
}

func TestHandleManifestResolvesThroughExtractor(t *testing.T) {
	h := &stubHandler{streamType: types.StreamTypeHLS, match: ".m3u8"}
	e := &stubExtractor{
		name:  "vavoo",
		match: "vavoo.to",
		result: &types.ExtractResult{
			MediaURL:       "https://cdn.example/live.m3u8",
			RequestHeaders: map[string]string{"Referer": "https://vavoo.to/"},
			Endpoint:       manifest.EndpointManifest,
		},
	}
	svc := newTestService([]*stubHandler{h}, []*stubExtractor{e})

	resp, err := svc.HandleManifest(context.Background(), &types.StreamRequest{
		URL: "https://vavoo.to/channel/123",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "https://cdn.example/live.m3u8", h.lastReq.URL)
	assert.Equal(t, "https://vavoo.to/", h.lastReq.Headers["Referer"])
	assert.Equal(t, "http://proxy.local", h.lastBase)
}

func TestHandleManifestDispatchesDirectURL(t *testing.T) {
	h := &stubHandler{streamType: types.StreamTypeHLS, match: ".m3u8"}
	svc := newTestService([]*stubHandler{h}, nil)

	_, err := svc.HandleManifest(context.Background(), &types.StreamRequest{
		URL: "https://cdn.example/live.m3u8",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/live.m3u8", h.lastReq.URL)
}

func TestHandleSegmentFallsBackToGeneric(t *testing.T) {
	hls := &stubHandler{streamType: types.StreamTypeHLS, match: ".m3u8"}
	generic := &stubHandler{streamType: types.StreamTypeGeneric}
	svc := newTestService([]*stubHandler{hls, generic}, nil)

	_, err := svc.HandleSegment(context.Background(), &types.StreamRequest{
		URL: "https://cdn.example/blob",
	})
	require.NoError(t, err)
	assert.Nil(t, hls.lastReq)
	assert.NotNil(t, generic.lastReq)
}

func TestHandleExtractBuildsProxyURL(t *testing.T) {
	e := &stubExtractor{
		name:  "vavoo",
		match: "vavoo.to",
		result: &types.ExtractResult{
			MediaURL:       "https://cdn.example/live.m3u8",
			RequestHeaders: map[string]string{"User-Agent": "VAVOO/2.6"},
			Endpoint:       manifest.EndpointManifest,
		},
	}
	svc := newTestService(nil, []*stubExtractor{e})

	result, err := svc.HandleExtract(context.Background(), "https://vavoo.to/channel/123", "", interfaces.ExtractOptions{})
	require.NoError(t, err)
	assert.Contains(t, result.ProxyURL, "http://proxy.local/proxy/manifest.m3u8?")
	assert.Contains(t, result.ProxyURL, "h_User_Agent=")
}

func TestHandleExtractHonorsExplicitHost(t *testing.T) {
	matching := &stubExtractor{
		name:   "vavoo",
		match:  "vavoo.to",
		result: &types.ExtractResult{MediaURL: "https://wrong.example/a.m3u8", Endpoint: manifest.EndpointManifest},
	}
	pinned := &stubExtractor{
		name:   "streamtape",
		match:  "streamtape.com",
		result: &types.ExtractResult{MediaURL: "https://right.example/v.mp4", Endpoint: manifest.EndpointStream},
	}
	svc := newTestService(nil, []*stubExtractor{matching, pinned})

	result, err := svc.HandleExtract(context.Background(), "https://vavoo.to/channel/123", "streamtape", interfaces.ExtractOptions{})
	require.NoError(t, err)
	assert.Equal(t, "https://right.example/v.mp4", result.MediaURL)

	_, err = svc.HandleExtract(context.Background(), "https://vavoo.to/channel/123", "nope", interfaces.ExtractOptions{})
	require.Error(t, err)
}

func TestRewrittenReferenceRoundTrip(t *testing.T) {
	// Building a reference, decoding its query, and unwrapping the url
	// parameter must reconstruct the original URL exactly, including
	// pre-encoded bytes and plus signs in signed tokens.
	targets := []string{
		"https://cdn.example.com/live/segment1.ts",
		"https://cdn.example.com/live/seg%20name.ts",
		"https://cdn.example.com/seg.ts?token=abc+def",
		"https://cdn.example.com/a%2Fb/seg.ts?sig=x%3D%3D",
	}
	for _, target := range targets {
		ref := manifest.BuildReference("http://proxy.local", manifest.EndpointStream, target, nil, "")

		parsed, err := url.Parse(ref)
		require.NoError(t, err)

		got := DecodeURL(parsed.Query().Get("url"))
		assert.Equal(t, target, got, "round trip of %s", target)
	}
}

func TestDecodeURL(t *testing.T) {
	plain := "https://cdn.example/live.m3u8"

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain passthrough", plain, plain},
		{"percent encoded", "https%3A%2F%2Fcdn.example%2Flive.m3u8", plain},
		{
			"literal escapes preserved",
			"https://cdn.example.com/live/seg%20name.ts",
			"https://cdn.example.com/live/seg%20name.ts",
		},
		{
			"plus in signed token preserved",
			"https://cdn.example.com/seg.ts?token=abc+def",
			"https://cdn.example.com/seg.ts?token=abc+def",
		},
		{
			"encoded slash preserved",
			"https://cdn.example.com/a%2Fb/seg.ts",
			"https://cdn.example.com/a%2Fb/seg.ts",
		},
		{"base64", base64.StdEncoding.EncodeToString([]byte(plain)), plain},
		{"base64 unpadded", strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(plain)), "="), plain},
		{"garbage stays", "not-a-url", "not-a-url"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeURL(tt.in))
		})
	}
}

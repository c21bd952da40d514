// Package interfaces defines the core abstractions of the relay. Stream
// handlers, extractors and the recorder implement these, keeping the wiring
// in internal/app free of concrete cross-package dependencies.
package interfaces

import (
	"context"
	"io"
	"net/http"

	"streamrelay/pkg/types"
)

// StreamHandler processes one family of stream (HLS, DASH, generic).
// Implementations fetch and rewrite manifests and proxy segments.
type StreamHandler interface {
	// Type returns the stream type this handler processes.
	Type() types.StreamType

	// CanHandle returns true if this handler can process the given URL.
	CanHandle(url string) bool

	// HandleManifest fetches, rewrites and returns a manifest.
	HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error)

	// HandleSegment proxies a stream segment.
	HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error)
}

// Extractor resolves a hosting-platform page URL into a playable stream URL.
type Extractor interface {
	// Name returns a unique identifier for this extractor.
	Name() string

	// CanExtract returns true if this extractor recognizes the URL.
	CanExtract(url string) bool

	// Extract resolves the URL to a direct media URL plus the headers the
	// media host requires.
	Extract(ctx context.Context, url string, opts ExtractOptions) (*types.ExtractResult, error)

	// Close releases any resources held by the extractor.
	Close() error
}

// ExtractOptions carries optional extraction parameters.
type ExtractOptions struct {
	Headers      map[string]string
	ForceRefresh bool
}

// HTTPClient abstracts outbound HTTP for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
	Fetch(ctx context.Context, url string, headers map[string]string) (*http.Response, error)
}

// Transcoder turns a source stream into locally served HLS output.
type Transcoder interface {
	// StartStream begins transcoding, returning a stream ID.
	StartStream(ctx context.Context, url string, headers map[string]string, clearKey string) (string, error)

	// GetStreamPath returns the directory holding the transcoded output.
	GetStreamPath(streamID string) string

	// TouchStream marks a stream as still watched.
	TouchStream(streamID string)

	// StopStream stops a transcoding session.
	StopStream(streamID string) error

	// Close shuts down the transcoder.
	Close() error
}

// Recorder is the DVR engine: it captures live streams to disk and serves
// them back, including while the capture is still running.
type Recorder interface {
	// Start begins capturing a stream. It fails with a conflict error when
	// the same URL is already being recorded.
	Start(ctx context.Context, req types.RecordingRequest) (*types.Recording, error)

	// Stop ends an active recording. Stopping a finished recording is a
	// no-op.
	Stop(id string) error

	// Get returns a recording by ID.
	Get(id string) (*types.Recording, error)

	// List returns all known recordings, newest first.
	List() ([]*types.Recording, error)

	// ListActive returns recordings still being captured.
	ListActive() ([]*types.Recording, error)

	// Delete stops a recording if needed and removes its file and metadata.
	Delete(id string) error

	// OpenStream returns a reader over the recording's media. For an active
	// recording the reader tails the file, blocking for data still being
	// written.
	OpenStream(id string) (io.ReadCloser, error)

	// Close stops all active recordings and releases the store.
	Close() error
}

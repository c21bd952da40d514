// Package types defines core domain types used throughout the application.
package types

import (
	"io"
	"time"
)

// StreamType identifies the type of stream being handled.
type StreamType string

const (
	StreamTypeHLS     StreamType = "hls"
	StreamTypeMPD     StreamType = "mpd"
	StreamTypeGeneric StreamType = "generic"
)

// StreamRequest represents an incoming stream proxy request.
type StreamRequest struct {
	URL      string
	Headers  map[string]string
	ClearKey string // "KID:KEY" or "KID1:KEY1,KID2:KEY2"
	RepID    string // DASH representation selected by a synthesized master playlist
	NoBypass bool   // force every segment through the proxy (recordings)
}

// StreamResponse represents the result of stream processing.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
	RedirectURL string // if non-empty, redirect instead of streaming
}

// ByteRange selects a half-open byte range for partial fetches.
// End < 0 means "to the end of the resource".
type ByteRange struct {
	Start int64
	End   int64
}

// ExtractResult contains the result of URL extraction.
type ExtractResult struct {
	MediaURL       string            `json:"media_url"`
	RequestHeaders map[string]string `json:"request_headers"`
	Endpoint       string            `json:"endpoint"`
	ProxyURL       string            `json:"proxy_url,omitempty"`
}

// RecordingRequest describes a capture to start.
type RecordingRequest struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Headers  map[string]string `json:"headers,omitempty"`
	ClearKey string            `json:"clearkey,omitempty"`
	// Duration caps the capture length. Zero means the server default.
	Duration time.Duration `json:"-"`
}

// RecordingStatus is the lifecycle state of a DVR recording.
type RecordingStatus string

const (
	RecordingStatusPending   RecordingStatus = "pending"
	RecordingStatusRecording RecordingStatus = "recording"
	RecordingStatusCompleted RecordingStatus = "completed"
	RecordingStatusFailed    RecordingStatus = "failed"
	RecordingStatusExpired   RecordingStatus = "expired"
)

// Terminal reports whether no writer task can be active in this state.
func (s RecordingStatus) Terminal() bool {
	switch s {
	case RecordingStatusCompleted, RecordingStatusFailed, RecordingStatusExpired:
		return true
	}
	return false
}

// Recording is the persisted metadata of a DVR capture. The media payload
// lives in FilePath; everything here is retrievable without decoding it.
type Recording struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	URL           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	ClearKey      string            `json:"clearkey,omitempty"`
	Status        RecordingStatus   `json:"status"`
	FilePath      string            `json:"file_path"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at,omitzero"`
	DurationLimit time.Duration     `json:"duration_limit"`
	ByteSize      int64             `json:"byte_size"`
	Subscribers   int               `json:"subscribers"`
	Error         string            `json:"error,omitempty"`
}

// Package errdefs defines the sentinel errors shared across the proxy.
// Callers classify failures with errors.Is rather than string matching.
package errdefs

import "errors"

var (
	// ErrMalformedManifest indicates a playlist/manifest is structurally invalid
	// (missing #EXTM3U header, missing MPD root element, broken tag syntax).
	// Never retried: the input is bad, not the network.
	ErrMalformedManifest = errors.New("malformed manifest")

	// ErrUpstreamFetch indicates an upstream request failed after the retry
	// policy was exhausted.
	ErrUpstreamFetch = errors.New("upstream fetch failed")

	// ErrNoExtractorMatched indicates no registered extractor claimed the URL,
	// or the explicitly requested adapter does not exist.
	ErrNoExtractorMatched = errors.New("no extractor matched")

	// ErrKeyResolution indicates a KID:KEY pair could not be resolved for a
	// protected segment.
	ErrKeyResolution = errors.New("key resolution failed")

	// ErrDecryptionFailure indicates cipher-parameter mismatch during segment
	// decryption (wrong key length, unsupported scheme, bad padding).
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrRecordingNotFound is returned by recorder operations on unknown IDs.
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrRecordingConflict is returned when a second live recording is started
	// for a URL that already has an active one.
	ErrRecordingConflict = errors.New("recording conflict")
)

// Package registry holds the ordered dispatch tables for stream handlers
// and extractors. Registration order is match order; the first component
// whose predicate accepts a URL wins.
package registry

import (
	"fmt"
	"sync"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/types"
)

// StreamHandlerRegistry dispatches URLs to stream handlers.
type StreamHandlerRegistry struct {
	mu       sync.RWMutex
	handlers []interfaces.StreamHandler
	fallback interfaces.StreamHandler
}

// NewStreamHandlerRegistry creates an empty handler registry.
func NewStreamHandlerRegistry() *StreamHandlerRegistry {
	return &StreamHandlerRegistry{}
}

// Register appends a handler to the match order.
func (r *StreamHandlerRegistry) Register(handler interfaces.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

// SetFallback sets the handler used when nothing matches.
func (r *StreamHandlerRegistry) SetFallback(handler interfaces.StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = handler
}

// Get returns the first handler accepting the URL, or the fallback.
func (r *StreamHandlerRegistry) Get(url string) interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.CanHandle(url) {
			return h
		}
	}
	return r.fallback
}

// GetByType returns the handler for a specific stream type, or the fallback.
func (r *StreamHandlerRegistry) GetByType(t types.StreamType) interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.Type() == t {
			return h
		}
	}
	return r.fallback
}

// All returns the registered handlers in match order.
func (r *StreamHandlerRegistry) All() []interfaces.StreamHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.StreamHandler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// ExtractorRegistry dispatches URLs to platform extractors. Unlike stream
// handlers, extraction has no implicit fallback: a URL no extractor claims
// is an error the caller reports, not a silent passthrough.
type ExtractorRegistry struct {
	mu         sync.RWMutex
	extractors []interfaces.Extractor
	byName     map[string]interfaces.Extractor
}

// NewExtractorRegistry creates an empty extractor registry.
func NewExtractorRegistry() *ExtractorRegistry {
	return &ExtractorRegistry{byName: make(map[string]interfaces.Extractor)}
}

// Register appends an extractor to the match order.
func (r *ExtractorRegistry) Register(extractor interfaces.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors = append(r.extractors, extractor)
	r.byName[extractor.Name()] = extractor
}

// Get returns the first extractor claiming the URL.
func (r *ExtractorRegistry) Get(url string) (interfaces.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.extractors {
		if e.CanExtract(url) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", errdefs.ErrNoExtractorMatched, url)
}

// GetByName returns an extractor by its registered name.
func (r *ExtractorRegistry) GetByName(name string) (interfaces.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.byName[name]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("%w: no extractor named %q", errdefs.ErrNoExtractorMatched, name)
}

// All returns the registered extractors in match order.
func (r *ExtractorRegistry) All() []interfaces.Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Extractor, len(r.extractors))
	copy(out, r.extractors)
	return out
}

// Close closes every registered extractor.
func (r *ExtractorRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, e := range r.extractors {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

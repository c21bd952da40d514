package httpclient

import (
	"net/http"
	"net/url"
	"strings"
)

// hopByHopHeaders are never forwarded to an upstream. They either leak the
// proxy's identity or break connection reuse.
var hopByHopHeaders = map[string]bool{
	"x-forwarded-for": true,
	"x-real-ip":       true,
	"forwarded":       true,
	"via":             true,
	"host":            true,
	"connection":      true,
	"accept-encoding": true,
}

// FilteredHeaders returns a copy of headers with hop-by-hop and
// identity-leaking entries removed.
func FilteredHeaders(headers http.Header) http.Header {
	filtered := make(http.Header)
	for key, values := range headers {
		if !hopByHopHeaders[strings.ToLower(key)] {
			filtered[key] = values
		}
	}
	return filtered
}

// ParseHeaderParams extracts forwarded headers from h_-prefixed query
// parameters, converting underscores to hyphens in the header name
// (h_User_Agent -> User-Agent).
func ParseHeaderParams(query url.Values) map[string]string {
	headers := make(map[string]string)
	for key, values := range query {
		if strings.HasPrefix(key, "h_") && len(values) > 0 {
			headerName := strings.ReplaceAll(key[2:], "_", "-")
			headers[headerName] = values[0]
		}
	}
	return headers
}

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_Resolve(t *testing.T) {
	rules := []Rule{
		{Pattern: "vavoo.to", Proxy: "socks5://proxy-a:1080", InsecureTLS: true},
		{Pattern: "*", Proxy: "http://proxy-b:8080"},
	}
	r := NewResolver(rules, nil)

	tests := []struct {
		name     string
		url      string
		expected Policy
	}{
		{
			name:     "first rule wins for matching host",
			url:      "https://vavoo.to/x",
			expected: Policy{Proxy: "socks5://proxy-a:1080", InsecureTLS: true},
		},
		{
			name:     "wildcard catches everything else",
			url:      "https://other.com",
			expected: Policy{Proxy: "http://proxy-b:8080"},
		},
		{
			name:     "matching is case-insensitive",
			url:      "https://VAVOO.TO/stream",
			expected: Policy{Proxy: "socks5://proxy-a:1080", InsecureTLS: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Resolve(tt.url))
		})
	}
}

func TestResolver_DeclarationOrder(t *testing.T) {
	// Both rules match; the first declared must win.
	r := NewResolver([]Rule{
		{Pattern: "cdn.example.com", Proxy: "http://first:8080"},
		{Pattern: "example.com", Proxy: "http://second:8080"},
	}, nil)

	p := r.Resolve("https://cdn.example.com/seg.ts")
	assert.Equal(t, "http://first:8080", p.Proxy)
}

func TestResolver_DirectBypassesGlobal(t *testing.T) {
	r := NewResolver([]Rule{
		{Pattern: "internal.lan", Direct: true},
	}, []string{"http://global:8080"})

	assert.Equal(t, Policy{}, r.Resolve("http://internal.lan/stream.m3u8"))
	assert.Equal(t, Policy{Proxy: "http://global:8080"}, r.Resolve("http://elsewhere.net/"))
}

func TestResolver_NoConfig(t *testing.T) {
	// Absent configuration yields direct connect with TLS verification on.
	var r *Resolver
	assert.Equal(t, Policy{}, r.Resolve("https://example.com"))

	r = NewResolver(nil, nil)
	assert.Equal(t, Policy{}, r.Resolve("https://example.com"))
}

func TestResolver_InsecureOnlyRule(t *testing.T) {
	r := NewResolver([]Rule{
		{Pattern: "selfsigned.example", InsecureTLS: true},
	}, nil)

	assert.Equal(t, Policy{InsecureTLS: true}, r.Resolve("https://selfsigned.example/a.m3u8"))
	assert.Equal(t, Policy{}, r.Resolve("https://normal.example/a.m3u8"))
}

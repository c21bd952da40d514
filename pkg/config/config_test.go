package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamrelay/pkg/routing"
)

func TestParseRouteRules(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []routing.Rule
	}{
		{
			name:     "empty",
			input:    "",
			expected: nil,
		},
		{
			name:  "single rule with proxy",
			input: "{URL=vavoo.to, PROXY=socks5://127.0.0.1:1080, DISABLE_SSL=true}",
			expected: []routing.Rule{
				{Pattern: "vavoo.to", Proxy: "socks5://127.0.0.1:1080", InsecureTLS: true},
			},
		},
		{
			name:  "multiple rules keep order",
			input: "{URL=vavoo.to, PROXY=http://a:8080}, {URL=*, PROXY=http://b:8080}",
			expected: []routing.Rule{
				{Pattern: "vavoo.to", Proxy: "http://a:8080"},
				{Pattern: "*", Proxy: "http://b:8080"},
			},
		},
		{
			name:  "direct rule",
			input: "{URL=internal.lan, DIRECT=true}",
			expected: []routing.Rule{
				{Pattern: "internal.lan", Direct: true},
			},
		},
		{
			name:     "rule without pattern dropped",
			input:    "{PROXY=http://a:8080}",
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseRouteRules(tt.input))
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.NotNil(t, cfg)

	assert.Equal(t, 7860, cfg.Port)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.NotZero(t, cfg.MaxRecordingDuration)
	assert.NotZero(t, cfg.RecordingRetention)
}

// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"streamrelay/pkg/routing"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Authentication
	APIPassword string

	// Outbound routing
	GlobalProxies []string
	Routes        []routing.Rule

	// Transport tuning
	RequestTimeout     time.Duration
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	PerHostRate        float64 // requests per second per upstream host, 0 = unlimited
	FingerprintDomains []string

	// DVR settings
	RecordingsDir        string
	MaxRecordingDuration time.Duration
	RecordingRetention   time.Duration
	SweepInterval        time.Duration

	// External transcoder (black-box collaborator)
	FFmpegPath      string
	FFmpegOutputDir string

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	port := getEnvInt("PORT", 7860)
	cfg := &Config{
		Port:                 port,
		BaseURL:              getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		ReadTimeout:          getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         getEnvDuration("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:          getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		APIPassword:          os.Getenv("API_PASSWORD"),
		GlobalProxies:        getEnvStringSlice("GLOBAL_PROXIES", nil),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RetryAttempts:        getEnvInt("RETRY_ATTEMPTS", 3),
		RetryBaseDelay:       getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:        getEnvDuration("RETRY_MAX_DELAY", 8*time.Second),
		PerHostRate:          getEnvFloat("PER_HOST_RATE", 0),
		FingerprintDomains:   getEnvStringSlice("FINGERPRINT_DOMAINS", nil),
		RecordingsDir:        getEnvString("RECORDINGS_DIR", "recordings"),
		MaxRecordingDuration: getEnvDuration("MAX_RECORDING_DURATION", 8*time.Hour),
		RecordingRetention:   getEnvDuration("RECORDING_RETENTION", 7*24*time.Hour),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", time.Hour),
		FFmpegPath:           getEnvString("FFMPEG_PATH", "ffmpeg"),
		FFmpegOutputDir:      getEnvString("FFMPEG_OUTPUT_DIR", "/tmp/streamrelay-streams"),
		LogLevel:             getEnvString("LOG_LEVEL", "info"),
		LogJSON:              getEnvBool("LOG_JSON", false),
	}

	cfg.Routes = ParseRouteRules(os.Getenv("TRANSPORT_ROUTES"))

	// Legacy single proxy support
	if globalProxy := os.Getenv("GLOBAL_PROXY"); globalProxy != "" && len(cfg.GlobalProxies) == 0 {
		cfg.GlobalProxies = []string{globalProxy}
	}

	return cfg
}

// ParseRouteRules parses the TRANSPORT_ROUTES env var.
// Format: {URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2, DIRECT=true}
func ParseRouteRules(s string) []routing.Rule {
	if s == "" {
		return nil
	}

	var rules []routing.Rule
	s = strings.TrimSpace(s)

	parts := strings.Split(s, "}, {")
	for _, part := range parts {
		part = strings.Trim(part, "{} ")
		if part == "" {
			continue
		}

		rule := routing.Rule{}
		fields := strings.Split(part, ", ")
		for _, field := range fields {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.TrimSpace(kv[0])
			value := strings.TrimSpace(kv[1])

			switch strings.ToUpper(key) {
			case "URL":
				rule.Pattern = value
			case "PROXY":
				rule.Proxy = value
			case "DISABLE_SSL":
				rule.InsecureTLS = strings.ToLower(value) == "true"
			case "DIRECT":
				rule.Direct = strings.ToLower(value) == "true"
			}
		}
		if rule.Pattern != "" {
			rules = append(rules, rule)
		}
	}

	return rules
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Bare integers are seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}

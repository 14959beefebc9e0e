// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - DATABASE_URL: PostgreSQL connection string. When unset the server runs
//     from the rule catalog alone, keeps custom rules in memory and serves
//     /v1/ without authentication.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC health server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: json or text (default "json").
//   - AUTH_RATE_LIMIT: failed authentication attempts allowed per client IP
//     per minute (default "10", must be > 0 if set).
//   - STREAM_POLL_INTERVAL: polling interval for the SSE rule event stream
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net rule cache refresh interval
//     (default "1m", must be > 0 if set).
//   - RULES_FILE, BUNDLES_FILE: YAML catalogs replacing the built-in ones.
//   - MAX_SUGGESTIONS: default recommendation cap per check (default "10").
//   - STRICT_ISOLATION: report row-level tenancy on engines without native
//     row-level security as critical (default "false").
//
// Tracing variables (OTEL_EXPORTER_OTLP_ENDPOINT and friends) are read by
// package tracing.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultGRPCAddr                  = ":9090"
	defaultLogLevel                  = "info"
	defaultLogFormat                 = "json"
	defaultStreamPollInterval        = time.Second
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultEventBatchSize            = 1000
	defaultCacheResyncInterval       = time.Minute
	defaultMaxSuggestions            = 10
)

// Config holds the runtime configuration for the compatibility server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	StreamPollInterval  time.Duration
	LogLevel            string
	LogFormat           string
	AuthRateLimit       int
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration
	RulesFile           string
	BundlesFile         string
	MaxSuggestions      int
	StrictIsolation     bool
}

// Persistent reports whether a database is configured.
func (c Config) Persistent() bool {
	return c.DatabaseURL != ""
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if a value fails validation.
func Load() (Config, error) {
	streamPollInterval, err := positiveDuration("STREAM_POLL_INTERVAL", defaultStreamPollInterval)
	if err != nil {
		return Config{}, err
	}

	authRateLimit, err := positiveInt("AUTH_RATE_LIMIT", defaultAuthRateLimit)
	if err != nil {
		return Config{}, err
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	eventBatchSize, err := positiveInt("EVENT_BATCH_SIZE", defaultEventBatchSize)
	if err != nil {
		return Config{}, err
	}

	cacheResyncInterval, err := positiveDuration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval)
	if err != nil {
		return Config{}, err
	}

	maxSuggestions, err := positiveInt("MAX_SUGGESTIONS", defaultMaxSuggestions)
	if err != nil {
		return Config{}, err
	}

	strictIsolation := false
	if v := strings.TrimSpace(os.Getenv("STRICT_ISOLATION")); v != "" {
		strictIsolation, err = strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse STRICT_ISOLATION: %w", err)
		}
	}

	logFormat := strings.ToLower(envOrDefault("LOG_FORMAT", defaultLogFormat))
	if logFormat != "json" && logFormat != "text" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or text, got %q", logFormat)
	}

	return Config{
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		StreamPollInterval:  streamPollInterval,
		LogLevel:            envOrDefault("LOG_LEVEL", defaultLogLevel),
		LogFormat:           logFormat,
		AuthRateLimit:       authRateLimit,
		MaxJSONBodySize:     maxJSONBodySize,
		EventBatchSize:      eventBatchSize,
		CacheResyncInterval: cacheResyncInterval,
		RulesFile:           strings.TrimSpace(os.Getenv("RULES_FILE")),
		BundlesFile:         strings.TrimSpace(os.Getenv("BUNDLES_FILE")),
		MaxSuggestions:      maxSuggestions,
		StrictIsolation:     strictIsolation,
	}, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

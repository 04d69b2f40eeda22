// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	APIToken    string

	// Logging
	LogLevel  string
	LogFormat string

	// Backend ("local", "memory", "s3" or "remote", default: "local")
	Backend string

	// Directories to watch at startup, relative to the backend root.
	WatchRoots []string

	// Local backend
	LocalRoot string

	// Remote backend
	RemoteBaseURL string
	RemoteToken   string

	// S3 backend
	S3Endpoint     string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3Region       string
	S3UseSSL       bool
	S3PollInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:    envOr("METRICS_ADDR", ":9090"),
		APIToken:       envOr("API_TOKEN", ""),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogFormat:      envOr("LOG_FORMAT", "json"),
		Backend:        envOr("FS_BACKEND", "local"),
		WatchRoots:     envList("WATCH_ROOTS"),
		LocalRoot:      envOr("LOCAL_ROOT", "/data"),
		RemoteBaseURL:  envOr("REMOTE_BASE_URL", ""),
		RemoteToken:    envOr("REMOTE_TOKEN", ""),
		S3Endpoint:     envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:       envOr("S3_BUCKET", "kumquat"),
		S3Prefix:       envOr("S3_PREFIX", ""),
		S3AccessKey:    envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:    envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:       envOr("S3_REGION", "us-east-1"),
		S3UseSSL:       envBool("S3_USE_SSL", false),
		S3PollInterval: envDuration("S3_POLL_INTERVAL", 10*time.Second),
	}

	switch cfg.Backend {
	case "local", "memory", "s3", "remote":
	default:
		return nil, fmt.Errorf("unknown FS_BACKEND %q", cfg.Backend)
	}
	if cfg.Backend == "remote" && cfg.RemoteBaseURL == "" {
		return nil, fmt.Errorf("REMOTE_BASE_URL is required for the remote backend")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

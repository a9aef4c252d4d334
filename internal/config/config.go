// Package config loads scanlink configuration from a JSON5 or YAML file plus
// environment overrides. Values are read once at startup; only the reference
// backend reloads its tunables through Watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvConfigPath   = "SCANLINK_CONFIG"
	EnvAPIURL       = "SCANLINK_API_URL"
	EnvRealtimeURL  = "SCANLINK_WS_URL"
	EnvToken        = "SCANLINK_TOKEN"
	EnvUserID       = "SCANLINK_USER_ID"
	EnvOTLPEndpoint = "SCANLINK_OTLP_ENDPOINT"
	EnvRedisURL     = "SCANLINK_REDIS_URL"
	EnvJWTSecret    = "SCANLINK_JWT_SECRET"
	EnvCodeTTL      = "SCANLINK_CODE_TTL_SECONDS"
)

// Config is the root configuration.
type Config struct {
	API       APIConfig       `json:"api" yaml:"api"`
	Realtime  RealtimeConfig  `json:"realtime" yaml:"realtime"`
	Pairing   PairingConfig   `json:"pairing" yaml:"pairing"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	DevServer DevServerConfig `json:"devserver" yaml:"devserver"`
}

// APIConfig points at the REST backend.
type APIConfig struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
}

// RealtimeConfig configures the desktop realtime channel.
// URL is derived from API.BaseURL when empty.
type RealtimeConfig struct {
	URL            string `json:"url" yaml:"url"`
	PingIntervalMs int    `json:"ping_interval_ms" yaml:"ping_interval_ms"`
}

// PairingConfig holds pairing timings.
type PairingConfig struct {
	CodeTTLSeconds        int `json:"code_ttl_seconds" yaml:"code_ttl_seconds"`
	ScannerStopDebounceMs int `json:"scanner_stop_debounce_ms" yaml:"scanner_stop_debounce_ms"`
	ScannerFPS            int `json:"scanner_fps" yaml:"scanner_fps"`
}

// AuthConfig locates the stored identity token.
type AuthConfig struct {
	KeyringService string `json:"keyring_service" yaml:"keyring_service"`
	KeyringUser    string `json:"keyring_user" yaml:"keyring_user"`
	Token          string `json:"-" yaml:"-"` // env only
	UserID         string `json:"user_id" yaml:"user_id"`
}

// TelemetryConfig configures OTLP trace export. Empty Endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string            `json:"endpoint" yaml:"endpoint"`
	Protocol    string            `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure" yaml:"insecure"`
	ServiceName string            `json:"service_name" yaml:"service_name"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
}

// DevServerConfig configures the loopback reference backend.
type DevServerConfig struct {
	Addr        string `json:"addr" yaml:"addr"`
	RedisURL    string `json:"redis_url" yaml:"redis_url"`
	JWTSecret   string `json:"jwt_secret" yaml:"jwt_secret"`
	UploadDir   string `json:"upload_dir" yaml:"upload_dir"`
	ValidateRPM int    `json:"validate_rpm" yaml:"validate_rpm"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:   "http://localhost:8080",
			TimeoutMs: 15000,
		},
		Realtime: RealtimeConfig{
			PingIntervalMs: 30000,
		},
		Pairing: PairingConfig{
			CodeTTLSeconds:        600,
			ScannerStopDebounceMs: 300,
			ScannerFPS:            5,
		},
		Auth: AuthConfig{
			KeyringService: "scanlink",
			KeyringUser:    "default",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "scanlink",
		},
		DevServer: DevServerConfig{
			Addr:        "127.0.0.1:8080",
			JWTSecret:   "scanlink-dev-secret",
			ValidateRPM: 30,
		},
	}
}

// DefaultPath returns $SCANLINK_CONFIG or ~/.scanlink/config.json5.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return ExpandHome("~/.scanlink/config.json5")
}

// Load reads the config file at path. A missing file is not an error: defaults
// plus environment overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json5.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvRealtimeURL); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.Auth.UserID = v
	}
	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.DevServer.RedisURL = v
	}
	if v := os.Getenv(EnvJWTSecret); v != "" {
		c.DevServer.JWTSecret = v
	}
	if v := os.Getenv(EnvCodeTTL); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pairing.CodeTTLSeconds = n
		}
	}
}

func (c *Config) normalize() error {
	base, err := NormalizeBaseURL(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	c.API.BaseURL = base

	if c.Realtime.URL == "" {
		ws, err := RealtimeURLFromBase(base)
		if err != nil {
			return fmt.Errorf("realtime.url: %w", err)
		}
		c.Realtime.URL = ws
	}
	c.DevServer.UploadDir = ExpandHome(c.DevServer.UploadDir)
	return nil
}

// APITimeout returns the REST request timeout.
func (c *Config) APITimeout() time.Duration {
	if c.API.TimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.API.TimeoutMs) * time.Millisecond
}

// PingInterval returns the realtime keepalive interval (0 disables pings).
func (c *Config) PingInterval() time.Duration {
	if c.Realtime.PingIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.Realtime.PingIntervalMs) * time.Millisecond
}

// CodeTTL returns how long a pairing code stays valid.
func (c *Config) CodeTTL() time.Duration {
	if c.Pairing.CodeTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Pairing.CodeTTLSeconds) * time.Second
}

// ScannerStopDebounce returns the delay before a hidden scanner is stopped.
func (c *Config) ScannerStopDebounce() time.Duration {
	if c.Pairing.ScannerStopDebounceMs < 0 {
		return 0
	}
	return time.Duration(c.Pairing.ScannerStopDebounceMs) * time.Millisecond
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

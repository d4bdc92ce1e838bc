// Package config provides the configuration schema and loader for GAP.
//
// Configuration is file-based (gap.yaml) with environment variable
// overrides under the GAP_ prefix. The proxy is localhost-only by default;
// everything else is tunable but has working defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level configuration.
type Config struct {
	// Proxy configures the CONNECT listener.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Storage configures the secret store backend.
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// CA configures leaf certificate minting and the exported root.
	CA CAConfig `yaml:"ca" mapstructure:"ca"`

	// Plugins configures the transform sandbox limits.
	Plugins PluginsConfig `yaml:"plugins" mapstructure:"plugins"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// ProxyConfig configures the proxy listener.
type ProxyConfig struct {
	// Addr is the listen address. Default "127.0.0.1:9443".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// RequestTimeout bounds a tunnel through the start of its first
	// response (e.g. "30s"). Default "30s". It applies to the agent
	// connection only; waiting for the upstream's response is not bounded
	// by it.
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty"`

	// UpstreamTimeout bounds DNS, connect, and TLS handshake toward the
	// origin. Default "10s".
	UpstreamTimeout string `yaml:"upstream_timeout" mapstructure:"upstream_timeout" validate:"omitempty"`

	// MaxBodyBytes caps the buffered first-request body. Default 16 MiB.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes" validate:"omitempty,min=1"`
}

// StorageConfig configures the secret store.
type StorageConfig struct {
	// Backend is "auto", "keychain", or "file". Auto picks the keychain
	// on macOS and the encrypted file backend elsewhere.
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=auto keychain file"`

	// DataDir is the file backend directory. Default "<user data dir>/gap".
	// The GAP_DATA_DIR environment variable overrides it.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ServiceName namespaces keychain items. Default "dev.gap.secrets".
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// CAConfig configures certificate minting.
type CAConfig struct {
	// CertPath is where the CA certificate PEM is exported for agents.
	// Default "<user config dir>/gap/ca.crt".
	CertPath string `yaml:"cert_path" mapstructure:"cert_path"`

	// LeafTTL is the validity of minted leaves (e.g. "24h"). Default "24h".
	LeafTTL string `yaml:"leaf_ttl" mapstructure:"leaf_ttl" validate:"omitempty"`

	// CacheCapacity bounds the in-memory leaf cache. Default 256.
	CacheCapacity int `yaml:"cache_capacity" mapstructure:"cache_capacity" validate:"omitempty,min=1"`
}

// PluginsConfig configures the transform sandbox.
type PluginsConfig struct {
	// TransformTimeout is the wall-clock budget per transform (e.g.
	// "100ms"). Default "100ms".
	TransformTimeout string `yaml:"transform_timeout" mapstructure:"transform_timeout" validate:"omitempty"`

	// MemoryLimitBytes bounds host allocations per transform. Default
	// 16 MiB.
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" mapstructure:"memory_limit_bytes" validate:"omitempty,min=1"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the metrics listen address (e.g. "127.0.0.1:9444").
	// Empty disables the endpoint.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = "127.0.0.1:9443"
	}
	if c.Proxy.RequestTimeout == "" {
		c.Proxy.RequestTimeout = "30s"
	}
	if c.Proxy.UpstreamTimeout == "" {
		c.Proxy.UpstreamTimeout = "10s"
	}
	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = 16 << 20
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "auto"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir()
	}
	if c.Storage.ServiceName == "" {
		c.Storage.ServiceName = "dev.gap.secrets"
	}
	if c.CA.CertPath == "" {
		c.CA.CertPath = defaultCACertPath()
	}
	if c.CA.LeafTTL == "" {
		c.CA.LeafTTL = "24h"
	}
	if c.CA.CacheCapacity == 0 {
		c.CA.CacheCapacity = 256
	}
	if c.Plugins.TransformTimeout == "" {
		c.Plugins.TransformTimeout = "100ms"
	}
	if c.Plugins.MemoryLimitBytes == 0 {
		c.Plugins.MemoryLimitBytes = 16 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks struct tags and duration fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	durations := map[string]string{
		"proxy.request_timeout":     c.Proxy.RequestTimeout,
		"proxy.upstream_timeout":    c.Proxy.UpstreamTimeout,
		"ca.leaf_ttl":               c.CA.LeafTTL,
		"plugins.transform_timeout": c.Plugins.TransformTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("config: %s: %w", field, err)
		}
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", field)
		}
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// defaultDataDir returns "<data dir>/gap" as the on-disk store location,
// honoring the GAP_DATA_DIR override. On Linux the data dir follows XDG.
func defaultDataDir() string {
	if env := os.Getenv("GAP_DATA_DIR"); env != "" {
		return env
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "gap")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gap")
	}
	return filepath.Join(home, ".local", "share", "gap")
}

// defaultCACertPath returns "<user config dir>/gap/ca.crt".
func defaultCACertPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gap", "ca.crt")
}

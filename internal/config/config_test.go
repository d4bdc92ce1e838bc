package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Proxy.Addr != "127.0.0.1:9443" {
		t.Errorf("proxy addr = %q", cfg.Proxy.Addr)
	}
	if cfg.Proxy.RequestTimeout != "30s" || cfg.Proxy.UpstreamTimeout != "10s" {
		t.Errorf("timeouts = %q / %q", cfg.Proxy.RequestTimeout, cfg.Proxy.UpstreamTimeout)
	}
	if cfg.Plugins.TransformTimeout != "100ms" {
		t.Errorf("transform timeout = %q", cfg.Plugins.TransformTimeout)
	}
	if cfg.Plugins.MemoryLimitBytes != 16<<20 {
		t.Errorf("memory limit = %d", cfg.Plugins.MemoryLimitBytes)
	}
	if cfg.CA.LeafTTL != "24h" || cfg.CA.CacheCapacity != 256 {
		t.Errorf("ca = %+v", cfg.CA)
	}
	if cfg.Storage.Backend != "auto" {
		t.Errorf("backend = %q", cfg.Storage.Backend)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{}
	valid.SetDefaults()
	if err := valid.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad addr", func(c *Config) { c.Proxy.Addr = "not an address" }},
		{"bad backend", func(c *Config) { c.Storage.Backend = "sqlite" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad duration", func(c *Config) { c.Plugins.TransformTimeout = "fast" }},
		{"negative duration", func(c *Config) { c.CA.LeafTTL = "-1h" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{}
			cfg.SetDefaults()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted bad config")
			}
		})
	}
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	in := Config{}
	in.SetDefaults()
	in.Proxy.Addr = "127.0.0.1:19443"
	in.Plugins.TransformTimeout = "250ms"

	data, err := yaml.Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "gap.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var out Config
	if err := yaml.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Proxy.Addr != "127.0.0.1:19443" || out.Plugins.TransformTimeout != "250ms" {
		t.Errorf("round trip lost values: %+v", out)
	}
}

func TestDefaultDataDirHonorsOverride(t *testing.T) {
	t.Setenv("GAP_DATA_DIR", "/tmp/gap-override")
	if got := defaultDataDir(); got != "/tmp/gap-override" {
		t.Errorf("defaultDataDir = %q, want override", got)
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper points Viper at the configuration file and wires environment
// overrides. If configFile is empty, standard locations are searched for
// gap.yaml/gap.yml. The search requires an explicit YAML extension so a
// binary named "gap" in the working directory is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("gap")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GAP_PROXY_ADDR, GAP_STORAGE_DATA_DIR...
	viper.SetEnvPrefix("GAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for gap.yaml or gap.yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gap"),
		"/etc/gap",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "gap"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys registers nested keys for env var overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("proxy.addr")
	_ = viper.BindEnv("proxy.request_timeout")
	_ = viper.BindEnv("proxy.upstream_timeout")
	_ = viper.BindEnv("proxy.max_body_bytes")

	_ = viper.BindEnv("storage.backend")
	_ = viper.BindEnv("storage.data_dir")
	_ = viper.BindEnv("storage.service_name")

	_ = viper.BindEnv("ca.cert_path")
	_ = viper.BindEnv("ca.leaf_ttl")
	_ = viper.BindEnv("ca.cache_capacity")

	_ = viper.BindEnv("plugins.transform_timeout")
	_ = viper.BindEnv("plugins.memory_limit_bytes")

	_ = viper.BindEnv("metrics.addr")
	_ = viper.BindEnv("log_level")
}

// LoadConfig reads the config file (if any), applies env overrides and
// defaults, and validates. A missing config file is not an error: GAP runs
// on defaults plus environment.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or empty when running
// on environment and defaults only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for toolscope.yaml/.yml
// in standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle gracefully.
		viper.SetConfigName("toolscope")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOOLSCOPE_DISCOVERY_CACHE_TTL
	viper.SetEnvPrefix("TOOLSCOPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a toolscope config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".toolscope"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "toolscope"))
		}
	} else {
		paths = append(paths, "/etc/toolscope")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first toolscope.yaml or .yml found in
// the given directories, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "toolscope"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys for environment variable
// support. Example: TOOLSCOPE_ROUTING_CALL_TIMEOUT overrides
// routing.call_timeout.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")

	// Connection manager
	_ = viper.BindEnv("connections.max_concurrent")
	_ = viper.BindEnv("connections.health_interval")
	_ = viper.BindEnv("connections.backoff_base")
	_ = viper.BindEnv("connections.backoff_cap")
	_ = viper.BindEnv("connections.connect_timeout")

	// Discovery
	_ = viper.BindEnv("discovery.cache_ttl")
	_ = viper.BindEnv("discovery.refresh_interval")
	_ = viper.BindEnv("discovery.auto")
	_ = viper.BindEnv("discovery.namespace_separator")
	_ = viper.BindEnv("discovery.max_tools_per_server")
	_ = viper.BindEnv("discovery.conflict_policy")

	// Routing
	_ = viper.BindEnv("routing.call_timeout")

	// Frontend
	_ = viper.BindEnv("frontend.legacy_combined")
	_ = viper.BindEnv("frontend.secure_mode")
	_ = viper.BindEnv("frontend.startup_toolset")

	// State
	_ = viper.BindEnv("state.path")

	// Telemetry
	_ = viper.BindEnv("telemetry.metrics")
	_ = viper.BindEnv("telemetry.addr")
	_ = viper.BindEnv("telemetry.traces")

	// Note: servers is a map of structs, too complex to override via env.
	// Users configure servers in the YAML file.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; environment variables alone may still
		// form a valid configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper folds map keys to lower case, which corrupts case-sensitive
	// server names, env variable names and header names. Re-decode the
	// servers section straight from the YAML document.
	if path := viper.ConfigFileUsed(); path != "" {
		servers, err := readServersSection(path)
		if err != nil {
			return nil, err
		}
		cfg.Servers = servers
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readServersSection decodes the servers map with the YAML parser
// directly, keeping the case of server names, env variable names and
// header names intact.
func readServersSection(path string) (map[string]ServerEntry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Servers map[string]ServerEntry `yaml:"servers"`
	}
	if err := yaml.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse servers section: %w", err)
	}
	return doc.Servers, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// empty when running from environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

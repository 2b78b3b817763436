package vitalsync

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalsync/vitalsync/logging"
)

// Config is the engine configuration, loadable from a YAML or JSON file.
// Durations are expressed in milliseconds so plain scalars work in both
// formats.
type Config struct {
	// Database configures the local SQLite cache
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Network configures the connectivity monitor
	Network NetworkConfig `json:"network" yaml:"network"`

	// Remote configures the document-store client
	Remote RemoteConfig `json:"remote" yaml:"remote"`

	// Logging configures structured log output
	Logging logging.Config `json:"logging" yaml:"logging"`
}

// DatabaseConfig configures the local cache database.
type DatabaseConfig struct {
	// Path to the SQLite database file
	Path string `json:"path" yaml:"path"`
}

// NetworkConfig configures connectivity probing.
type NetworkConfig struct {
	// ProbeURL is the endpoint probed for reachability
	ProbeURL string `json:"probe_url" yaml:"probe_url"`

	// ProbeIntervalMs is the time between background probes
	ProbeIntervalMs int `json:"probe_interval_ms,omitempty" yaml:"probe_interval_ms,omitempty"`

	// ProbeTimeoutMs bounds a single probe
	ProbeTimeoutMs int `json:"probe_timeout_ms,omitempty" yaml:"probe_timeout_ms,omitempty"`
}

// ProbeInterval returns the probe interval as a duration.
func (c NetworkConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

// ProbeTimeout returns the probe timeout as a duration.
func (c NetworkConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// RemoteConfig configures the remote document store client.
type RemoteConfig struct {
	// BaseURL of the document store API
	BaseURL string `json:"base_url" yaml:"base_url"`

	// TimeoutMs bounds each remote call
	TimeoutMs int `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`

	// AuthToken is sent as a bearer token when non-empty
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// Timeout returns the per-call timeout as a duration.
func (c RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "vitalsync.db"
	}
	if c.Network.ProbeIntervalMs == 0 {
		c.Network.ProbeIntervalMs = 15000
	}
	if c.Network.ProbeTimeoutMs == 0 {
		c.Network.ProbeTimeoutMs = 3000
	}
	if c.Remote.TimeoutMs == 0 {
		c.Remote.TimeoutMs = int(DefaultRemoteTimeout / time.Millisecond)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = logging.DefaultConfig.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logging.DefaultConfig.Format
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = logging.DefaultConfig.Environment
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig() *Config {
	config := &Config{}
	config.setDefaults()
	return config
}

// LoadConfig reads a YAML or JSON configuration file, applying defaults for
// anything the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return ParseConfig(data, detectFormat(path))
}

// ParseConfig parses configuration from raw bytes in the given format.
func ParseConfig(data []byte, format string) (*Config, error) {
	var config Config

	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	config.setDefaults()
	return &config, nil
}

// detectFormat determines file format from extension.
func detectFormat(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return "yaml"
	}
	switch strings.ToLower(path[idx+1:]) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

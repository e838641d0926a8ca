// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexdaemon/cl-hive-sub001/internal/hive"
)

// Config is the daemon's on-disk configuration. Durations are expressed in
// integer seconds (milliseconds where sub-second resolution matters) so the
// file stays plain YAML scalars.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`

	Alias        string   `yaml:"alias,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`

	HeartbeatSec       int     `yaml:"heartbeat_sec,omitempty"`
	TimestampWindowSec int     `yaml:"timestamp_window_sec,omitempty"`
	HoldWindowMillis   int     `yaml:"hold_window_ms,omitempty"`
	RelayTTL           int     `yaml:"relay_ttl,omitempty"`
	MinSchemaVersion   uint16  `yaml:"min_schema_version,omitempty"`
	RateLimit          float64 `yaml:"rate_limit,omitempty"`
	RateBurst          float64 `yaml:"rate_burst,omitempty"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty"`
}

func Default() Config {
	return Config{
		DataDir:    defaultDataDir(),
		ListenAddr: "0.0.0.0:4580",
		LogLevel:   "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hive"
	}
	return home + "/.hive"
}

// Load reads path over the defaults. A missing file is not an error; the
// defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.DataDir == "" {
		return cfg, fmt.Errorf("config %s: data_dir must not be empty", path)
	}
	return cfg, nil
}

// Options maps the file values onto node options, leaving zeros for the
// node's own defaults to fill.
func (c Config) Options() hive.Options {
	return hive.Options{
		DataDir:           c.DataDir,
		ListenAddr:        c.ListenAddr,
		HeartbeatInterval: time.Duration(c.HeartbeatSec) * time.Second,
		TimestampWindow:   time.Duration(c.TimestampWindowSec) * time.Second,
		HoldWindow:        time.Duration(c.HoldWindowMillis) * time.Millisecond,
		RelayTTL:          c.RelayTTL,
		MinSchemaVersion:  c.MinSchemaVersion,
		RateLimit:         c.RateLimit,
		RateBurst:         c.RateBurst,
		Capabilities:      c.Capabilities,
	}
}

// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "0.0.0.0:4580" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadOverridesAndOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	content := `
data_dir: /var/lib/hive
listen_addr: "10.0.0.5:4580"
alias: relay-7
capabilities: [gossip, lock]
heartbeat_sec: 15
hold_window_ms: 1500
relay_ttl: 4
rate_limit: 25
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Alias != "relay-7" || cfg.DataDir != "/var/lib/hive" {
		t.Fatalf("cfg = %+v", cfg)
	}

	opts := cfg.Options()
	if opts.HeartbeatInterval != 15*time.Second {
		t.Fatalf("heartbeat = %v", opts.HeartbeatInterval)
	}
	if opts.HoldWindow != 1500*time.Millisecond {
		t.Fatalf("hold window = %v", opts.HoldWindow)
	}
	if opts.RelayTTL != 4 || opts.RateLimit != 25 {
		t.Fatalf("opts = %+v", opts)
	}
}

func TestLoadRejectsEmptyDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	if err := os.WriteFile(path, []byte(`data_dir: ""`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("empty data_dir accepted")
	}
}

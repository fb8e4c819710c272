package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CORTEX_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg := Load()
	if cfg.ListenAddr != ":8283" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SQLitePath != "cortex.db" || cfg.PostgresURI != "" {
		t.Errorf("db config = %q %q", cfg.SQLitePath, cfg.PostgresURI)
	}
	if cfg.MaxStepsPerTurn != 8 || cfg.TurnDeadline != 120*time.Second || cfg.DefaultTopK != 3 {
		t.Errorf("agent config = %+v", cfg)
	}
	if !cfg.AuditRealtimeMonitoring {
		t.Error("realtime monitoring should default on")
	}
}

func TestLoadYAMLFileUnderEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cortex.yaml")
	yaml := `
listen_addr: ":9000"
database:
  sqlite_path: /tmp/file.db
  pool_size: 20
audit:
  dir: /var/log/cortex
  realtime_monitoring: false
agent:
  max_steps_per_turn: 4
  turn_deadline_seconds: 30
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CORTEX_CONFIG", path)
	// Environment wins over the file.
	t.Setenv("SQLITE_PATH", "/tmp/env.db")

	cfg := Load()
	if cfg.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SQLitePath != "/tmp/env.db" {
		t.Errorf("env should win over file: %q", cfg.SQLitePath)
	}
	if cfg.PoolSize != 20 {
		t.Errorf("pool size = %d", cfg.PoolSize)
	}
	if cfg.AuditDir != "/var/log/cortex" || cfg.AuditRealtimeMonitoring {
		t.Errorf("audit config = %q %v", cfg.AuditDir, cfg.AuditRealtimeMonitoring)
	}
	if cfg.MaxStepsPerTurn != 4 || cfg.TurnDeadline != 30*time.Second {
		t.Errorf("agent config = %+v", cfg)
	}
}

func TestLoadMalformedFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CORTEX_CONFIG", path)

	cfg := Load()
	if cfg.ListenAddr != ":8283" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
storage:
  path: /tmp/classbell.db
messaging:
  enabled: true
  rate_limit_seconds: 45
  pass_interval: 10s
  session_file: /tmp/session.json
reminder:
  enabled: true
  lead_time_hours: 24
  timezone: America/Sao_Paulo
api:
  enabled: true
  addr: 127.0.0.1:9000
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Messaging.RateLimitSeconds != 45 || cfg.Messaging.PassInterval != "10s" {
		t.Fatalf("messaging = %+v", cfg.Messaging)
	}
	if cfg.Reminder.Timezone != "America/Sao_Paulo" {
		t.Fatalf("reminder = %+v", cfg.Reminder)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
messaging:
  enabled: true
  rate_limt_seconds: 45
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("misspelled key accepted")
	}
}

func TestParseDurations(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("messaging.pass_interval", "nope"); err == nil {
		t.Fatal("invalid duration accepted")
	}
	if _, err := ParseDurationField("messaging.pass_interval", "-3s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	d, err := ParseDurationOrDefault("messaging.pass_interval", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default not applied: %v %v", d, err)
	}
}

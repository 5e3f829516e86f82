package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_ParsesDurationsAndSizes(t *testing.T) {
	p := writeConfig(t, `
server:
  address: 0.0.0.0
  port: 8080
  db_path: /tmp/db
engine:
  self_id: me
  detail_window: 40ms
  thread_window: 90ms
  page_size: 25
  refetch_delay: 1s
  typing_rps: 5
  typing_burst: 8
  max_body_bytes: 64KB
channel:
  backoff_base: 2s
  backoff_cap: 30s
  max_retries: 6
proximity:
  recheck_cron: "*/5 * * * *"
transport:
  mode: redis
  redis:
    addr: localhost:6379
    db: 2
    presence_ttl: 45s
logging:
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.DetailWindow.Duration() != 40*time.Millisecond {
		t.Fatalf("detail window = %v", cfg.Engine.DetailWindow.Duration())
	}
	if cfg.Engine.MaxBodyBytes.Int64() != 64000 {
		t.Fatalf("max body bytes = %d", cfg.Engine.MaxBodyBytes.Int64())
	}
	if cfg.Channel.BackoffCap.Duration() != 30*time.Second || cfg.Channel.MaxRetries != 6 {
		t.Fatalf("channel config = %+v", cfg.Channel)
	}
	if cfg.Proximity.RecheckCron != "*/5 * * * *" {
		t.Fatalf("cron = %q", cfg.Proximity.RecheckCron)
	}
	if cfg.Transport.Mode != "redis" || cfg.Transport.Redis.DB != 2 {
		t.Fatalf("transport = %+v", cfg.Transport)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
}

func TestLoad_NumericSecondsAndPlainBytes(t *testing.T) {
	p := writeConfig(t, `
engine:
  detail_window: 2
  max_body_bytes: 1024
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.DetailWindow.Duration() != 2*time.Second {
		t.Fatalf("numeric duration = %v", cfg.Engine.DetailWindow.Duration())
	}
	if cfg.Engine.MaxBodyBytes.Int64() != 1024 {
		t.Fatalf("plain bytes = %d", cfg.Engine.MaxBodyBytes.Int64())
	}
}

func TestLoad_InvalidDurationRejected(t *testing.T) {
	p := writeConfig(t, "engine:\n  detail_window: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("invalid duration accepted")
	}
}

func TestNormalize_Defaults(t *testing.T) {
	cfg := &Config{}
	Normalize(cfg)
	if cfg.Addr() != "127.0.0.1:9311" {
		t.Fatalf("default addr = %s", cfg.Addr())
	}
	if cfg.Engine.DetailWindow.Duration() != 30*time.Millisecond {
		t.Fatalf("default detail window = %v", cfg.Engine.DetailWindow.Duration())
	}
	if cfg.Engine.ThreadWindow.Duration() != 75*time.Millisecond {
		t.Fatalf("default thread window = %v", cfg.Engine.ThreadWindow.Duration())
	}
	if cfg.Engine.PageSize != 50 {
		t.Fatalf("default page size = %d", cfg.Engine.PageSize)
	}
	if cfg.Engine.RefetchDelay.Duration() != 500*time.Millisecond {
		t.Fatalf("default refetch delay = %v", cfg.Engine.RefetchDelay.Duration())
	}
	if cfg.Channel.BackoffBase.Duration() != time.Second || cfg.Channel.BackoffCap.Duration() != 16*time.Second || cfg.Channel.MaxRetries != 4 {
		t.Fatalf("default backoff = %+v", cfg.Channel)
	}
	if cfg.Transport.Mode != "hub" {
		t.Fatalf("default transport = %s", cfg.Transport.Mode)
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("CHATSYNC_ADDR", "10.0.0.5:9000")
	t.Setenv("CHATSYNC_DB_PATH", "/data/db")
	t.Setenv("CHATSYNC_SELF_ID", "user-42")
	t.Setenv("CHATSYNC_TRANSPORT", "redis")
	t.Setenv("CHATSYNC_REDIS_ADDR", "redis:6379")
	t.Setenv("CHATSYNC_REDIS_DB", "3")

	cfg := &Config{}
	cfg.Server.Address = "127.0.0.1"
	ApplyEnv(cfg)
	if cfg.Server.Address != "10.0.0.5" || cfg.Server.Port != 9000 {
		t.Fatalf("addr override: %+v", cfg.Server)
	}
	if cfg.Server.DBPath != "/data/db" || cfg.Engine.SelfID != "user-42" {
		t.Fatalf("env overrides: %+v", cfg)
	}
	if cfg.Transport.Mode != "redis" || cfg.Transport.Redis.Addr != "redis:6379" || cfg.Transport.Redis.DB != 3 {
		t.Fatalf("redis overrides: %+v", cfg.Transport)
	}
}

func TestLoadEffective_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadEffective(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if cfg.Engine.PageSize != 50 || cfg.Transport.Mode != "hub" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestSplitHostPort(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"localhost:9311", "localhost", 9311},
		{"localhost", "localhost", 0},
		{"bad:port", "bad:port", 0},
		{":8080", "", 8080},
	}
	for _, c := range cases {
		h, p := SplitHostPort(c.in)
		if h != c.host || p != c.port {
			t.Fatalf("SplitHostPort(%q) = %q,%d want %q,%d", c.in, h, p, c.host, c.port)
		}
	}
}

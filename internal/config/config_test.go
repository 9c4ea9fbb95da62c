package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadFromReaderOverrides(t *testing.T) {
	doc := `
server:
  addr: ":9090"
rules:
  dir: testrules
fetch:
  user_agent: "test-agent/1.0"
  request_timeout: 5s
  rate_limit:
    requests: 10
    window: 1s
retry:
  max_attempts: 5
  base_delay: 250ms
  max_delay: 4s
download:
  concurrency: 4
  max_failure_ratio: 0.5
  task_ttl: 600
robots:
  respect: true
  overrides: ["  Example.COM ", "example.com", "other.net"]
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Fetch.RequestTimeout.Duration != 5*time.Second {
		t.Errorf("request_timeout = %s, want 5s", cfg.Fetch.RequestTimeout)
	}
	if !cfg.Fetch.RateLimit.Enabled() {
		t.Error("rate limit should be enabled")
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay.Duration != 250*time.Millisecond {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	// Numeric YAML durations are read as seconds.
	if cfg.Download.TaskTTL.Duration != 600*time.Second {
		t.Errorf("task_ttl = %s, want 10m", cfg.Download.TaskTTL)
	}
	if got := cfg.Robots.Overrides; len(got) != 2 || got[0] != "example.com" || got[1] != "other.net" {
		t.Errorf("overrides = %v", got)
	}
	// Robots user agent falls back to the fetch user agent.
	if cfg.Robots.UserAgent != "test-agent/1.0" {
		t.Errorf("robots.user_agent = %q", cfg.Robots.UserAgent)
	}
	// Defaults survive for untouched sections.
	if cfg.Download.QueueSize != 256 {
		t.Errorf("queue_size = %d, want default 256", cfg.Download.QueueSize)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	doc := "surprise: true\n"
	if _, err := LoadFromReader(strings.NewReader(doc)); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"empty rules dir", func(c *Config) { c.Rules.Dir = "" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = DurationFrom(time.Millisecond) }},
		{"ratio out of range", func(c *Config) { c.Download.MaxFailureRatio = 1.0 }},
		{"bad format", func(c *Config) { c.Download.DefaultFormat = "pdf" }},
		{"zero concurrency", func(c *Config) { c.Download.Concurrency = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "server:\n  addr: \":7070\"\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Resolve(path, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}

	// An explicit path must exist.
	if _, err := Resolve(filepath.Join(dir, "missing.yaml"), true); err == nil {
		t.Error("expected error for explicit missing file")
	}

	// The default path may be absent; defaults apply.
	cfg, err = Resolve(filepath.Join(dir, "missing.yaml"), false)
	if err != nil {
		t.Fatalf("Resolve without file: %v", err)
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Errorf("addr = %q, want default", cfg.Server.Addr)
	}
}

func TestResolveEnvOverrides(t *testing.T) {
	t.Setenv(EnvRulesDir, "/tmp/rules-override")
	t.Setenv(EnvDownloadDir, "/tmp/books-override")

	cfg, err := Resolve(filepath.Join(t.TempDir(), "absent.yaml"), false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rules.Dir != "/tmp/rules-override" {
		t.Errorf("rules dir = %q", cfg.Rules.Dir)
	}
	if cfg.Download.Dir != "/tmp/books-override" {
		t.Errorf("download dir = %q", cfg.Download.Dir)
	}
}

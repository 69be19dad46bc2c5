package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blastguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_RepoConfig(t *testing.T) {
	cfg, warns := load("../../configs/blastguard.yaml", map[string]string{})
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if cfg.Cache.TTL != 30*time.Second || cfg.Cache.MaxEntries != 10000 {
		t.Fatalf("cache=%+v", cfg.Cache)
	}
	if cfg.AdminPermission != DefaultAdminPermission {
		t.Fatalf("admin_permission=%q", cfg.AdminPermission)
	}
	if cfg.Host.Token != "" {
		t.Fatalf("host token=%q want empty", cfg.Host.Token)
	}
	if cfg.Ledger.MinAPIVersion != 10 {
		t.Fatalf("min_api_version=%d want=10", cfg.Ledger.MinAPIVersion)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, warns := load(filepath.Join(t.TempDir(), "nope.yaml"), map[string]string{})
	if len(warns) != 1 {
		t.Fatalf("warnings=%v want 1", warns)
	}
	if cfg.Cache.TTL != Defaults().Cache.TTL || !cfg.Enabled {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoad_SyntaxErrorUsesDefaults(t *testing.T) {
	path := writeYAML(t, "cache: [ttl\n")
	cfg, warns := load(path, map[string]string{})
	if len(warns) != 1 || !strings.Contains(warns[0].String(), "using defaults") {
		t.Fatalf("warnings=%v", warns)
	}
	if cfg.Cache.MaxEntries != Defaults().Cache.MaxEntries {
		t.Fatalf("max_entries=%d", cfg.Cache.MaxEntries)
	}
}

func TestLoad_BadFieldKeepsDefaultOthersApply(t *testing.T) {
	path := writeYAML(t, `
locale: RU
cache:
  ttl: soon
  max_entries: 500
  shards: -1
ledger:
  timeout: 100ms
`)
	cfg, warns := load(path, map[string]string{})
	if cfg.Cache.TTL != Defaults().Cache.TTL {
		t.Fatalf("ttl=%v want default", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 500 || cfg.Locale != "ru" || cfg.Ledger.Timeout != 100*time.Millisecond {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Cache.Shards != 16 {
		t.Fatalf("shards=%d want=16", cfg.Cache.Shards)
	}
	if len(warns) != 2 {
		t.Fatalf("warnings=%v want 2", warns)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, warns := load("", map[string]string{
		"BG_LEDGER_BACKEND":  "HTTP",
		"BG_LEDGER_ENDPOINT": "http://127.0.0.1:9000",
		"BG_ENABLED":         "false",
		"BG_HOST_TOKEN":      " s3cret ",
	})
	if len(warns) != 0 {
		t.Fatalf("warnings=%v", warns)
	}
	if cfg.Ledger.Backend != "http" || cfg.Ledger.Endpoint != "http://127.0.0.1:9000" || cfg.Enabled {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Host.Token != "s3cret" {
		t.Fatalf("host token=%q", cfg.Host.Token)
	}

	cfg, warns = load("", map[string]string{"BG_ENABLED": "maybe"})
	if len(warns) != 1 || !cfg.Enabled {
		t.Fatalf("bad env: enabled=%v warnings=%v", cfg.Enabled, warns)
	}
}

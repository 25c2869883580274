package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wiguard/internal/model"
)

func TestParseYAMLAppliesDomainDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
domains:
  - name: GPS
    enabled: true
    base_url: http://backend:5000
    events_path: /api/gps
    interval: 3s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Domains) != 1 {
		t.Fatalf("domains: %d", len(cfg.Domains))
	}
	d := cfg.Domains[0]
	if d.Name != model.DomainGPS {
		t.Fatalf("name not normalized: %q", d.Name)
	}
	if d.Interval != 3*time.Second {
		t.Fatalf("interval: %s", d.Interval)
	}
	if d.Window != time.Hour || d.MaxRecords != 100 || d.Mode != ModeMerge {
		t.Fatalf("defaults missing: %+v", d)
	}
	if d.ClearPath != "/api/gps" || d.ClearMethod != "DELETE" {
		t.Fatalf("clear defaults: %s %s", d.ClearMethod, d.ClearPath)
	}
}

func TestParseJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"log_level":"warn","api":{"enabled":true,"addr":":9999"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Addr != ":9999" || cfg.LogLevel != "warn" {
		t.Fatalf("unexpected config: %+v", cfg.API)
	}
	if len(cfg.Domains) != 4 {
		t.Fatalf("expected default domains, got %d", len(cfg.Domains))
	}
}

func TestValidateRejectsBadDomains(t *testing.T) {
	cases := map[string]string{
		"unknown":   "domains:\n  - name: radar\n",
		"duplicate": "domains:\n  - name: gps\n  - name: gps\n",
		"mode":      "domains:\n  - name: gps\n    mode: sometimes\n",
		"base_url":  "domains:\n  - name: gps\n    enabled: true\n",
		"method":    "domains:\n  - name: gps\n    clear_method: put\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse([]byte("   \n")); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiguard.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "info" {
		t.Fatalf("log level: %s", m.Get().LogLevel)
	}
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed: %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" || m.Get().LogLevel != "error" {
		t.Fatalf("reload not applied")
	}
}

func TestManagerUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wiguard.json")
	if err := os.WriteFile(path, []byte(`{"log_level":"info"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	next := *m.Get()
	next.Watchlist = WatchlistConfig{Blocked: []string{"AABBCCDDEEFF"}}
	if err := m.Update(&next); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := m.Get().Watchlist.Blocked; len(got) != 1 {
		t.Fatalf("update not current: %v", got)
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("own write flagged for reload: %v %v", needs, err)
	}
	onDisk, err := Load(path)
	if err != nil {
		t.Fatalf("load saved file: %v", err)
	}
	if len(onDisk.Watchlist.Blocked) != 1 || onDisk.LogLevel != "info" {
		t.Fatalf("saved config: %+v", onDisk)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("mode: %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("temp files left behind: %v %v", entries, err)
	}

	bad := next
	bad.Domains = append([]DomainConfig{{Name: "wifi"}}, next.Domains...)
	if err := m.Update(&bad); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
	if len(m.Get().Domains) != len(next.Domains) {
		t.Fatalf("rejected config became current")
	}
	if err := m.Update(nil); err == nil {
		t.Fatalf("expected nil config error")
	}
}

func TestDomainLookup(t *testing.T) {
	cfg := DefaultConfig()
	d, ok := cfg.Domain(model.DomainDeauth)
	if !ok || d.Mode != ModeReplace {
		t.Fatalf("deauth domain: %+v %v", d, ok)
	}
	if _, ok := cfg.Domain("radar"); ok {
		t.Fatalf("unexpected domain")
	}
}

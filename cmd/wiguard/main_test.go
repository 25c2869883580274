package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
)

func init() {
	color.NoColor = true
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wiguard.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, `
domains:
  - name: deauth
    enabled: true
    base_url: http://localhost:5000
    events_path: /api/deauth_logs
    interval: 2s
    mode: replace
  - name: gps
    enabled: false
`)
	out, err := run(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "config ok: 2 domains") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(out, "every 2s") || !strings.Contains(out, "disabled") {
		t.Fatalf("domain lines missing:\n%s", out)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `
domains:
  - name: wifi
    base_url: http://localhost:5000
`)
	if _, err := run(t, "validate", "--config", path); err == nil {
		t.Fatalf("expected unknown domain to fail validation")
	}
}

func TestPoll(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		_, _ = io.WriteString(w, `{"logs":[
			{"id":"1","timestamp":"`+now.Format(time.RFC3339)+`","type":"Deauth Attack","attacker_bssid":"aa:bb:cc:dd:ee:ff","destination_ssid":"Office","count":4},
			{"id":"2","timestamp":"`+now.Add(-time.Minute).Format(time.RFC3339)+`","type":"Deauth Attack","attacker_bssid":"aa:bb:cc:dd:ee:01","destination_ssid":"Office","count":2}
		]}`)
	}))
	defer backend.Close()
	path := writeConfig(t, `
domains:
  - name: deauth
    enabled: true
    base_url: `+backend.URL+`
    events_path: /api/deauth_logs
`)
	out, err := run(t, "poll", "--config", path, "--domain", "deauth")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	for _, want := range []string{"deauth: fetched 2 events", "total 2", "Office", "2 records, last poll"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPollUnknownDomain(t *testing.T) {
	if _, err := run(t, "poll", "--domain", "wifi"); err == nil {
		t.Fatalf("expected unknown domain error")
	}
}

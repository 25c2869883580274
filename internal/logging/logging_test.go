package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONLoggerWithDomain(t *testing.T) {
	var buf bytes.Buffer
	logger := ForDomain(newLogger(&buf, "info", "json"), "gps")
	logger.Debug("hidden")
	logger.Info("poll ok", "inserted", 2)
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if entry["domain"] != "gps" || entry["msg"] != "poll ok" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("tick")
	if !strings.Contains(buf.String(), "msg=tick") {
		t.Fatalf("unexpected text output: %q", buf.String())
	}
	if ForDomain(nil, "gps") != nil {
		t.Fatalf("nil logger should stay nil")
	}
}

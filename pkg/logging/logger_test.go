package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, ok := ParseLevel(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseLevel(%q) = %v,%v want %v,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestComponentLoggerJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	base := InitLogger(Config{Level: "info", Format: "json", Output: &buf})
	NewComponentLogger(base, "turn").Info("turn_started", slog.String("turn_id", "t-1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["component"] != "turn" {
		t.Fatalf("expected component attr, got %v", rec["component"])
	}
	if rec["msg"] != "turn_started" {
		t.Fatalf("unexpected msg %v", rec["msg"])
	}
}

func TestInvalidFormatFallsBackToText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitLogger(Config{Level: "info", Format: "yaml", Output: &buf})
	if !strings.Contains(buf.String(), "invalid log format") {
		t.Fatalf("expected fallback warning, got %q", buf.String())
	}
}

func TestPrettyFormatWritesMessage(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(Config{Level: "info", Format: "pretty", Output: &buf})
	logger.Info("turn_started", "turn_id", "t1")
	logger.Debug("hidden_debug")

	out := buf.String()
	if !strings.Contains(out, "turn_started") || !strings.Contains(out, "t1") {
		t.Fatalf("expected message and attr, got %q", out)
	}
	if strings.Contains(out, "hidden_debug") {
		t.Fatalf("debug line should be filtered at info, got %q", out)
	}
	if strings.Contains(out, "invalid log format") {
		t.Fatalf("pretty must be a known format, got %q", out)
	}
}

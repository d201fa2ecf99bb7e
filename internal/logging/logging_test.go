package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keyattest/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo {
		t.Errorf("expected info level, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected stderr output, got %s", cfg.Output)
	}
	if cfg.Component != "keyattest" {
		t.Errorf("expected keyattest component, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, "keyattest.log") {
		t.Errorf("unexpected log path %s", cfg.FilePath)
	}
}

func TestLoggerNew(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	if l.Logger == nil {
		t.Fatal("expected slog logger")
	}
}

func TestLoggerWithComponent(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	child := l.WithComponent("session")
	if child == l {
		t.Error("expected a distinct child logger")
	}
	if child.rotator != l.rotator {
		t.Error("child should share the parent rotator")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("expected req-1, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty id, got %q", got)
	}
	//nolint:staticcheck
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty id for nil context, got %q", got)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"private_key", true},
		{"imei", true},
		{"device_serial", true},
		{"unique_id", true},
		{"provider", false},
		{"generation", false},
	}
	for _, test := range tests {
		if got := shouldRedact(test.key); got != test.expected {
			t.Errorf("shouldRedact(%q) = %v, want %v", test.key, got, test.expected)
		}
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if len(id) != 36 {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestJSONFormatToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	cfg.Output = "file"
	cfg.FilePath = filepath.Join(dir, "test.log")

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.WithRequestID("abc").Info("attest finished", "provider", "local", "imei", "490154203237518")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("invalid json %q: %v", data, err)
	}
	if entry["msg"] != "attest finished" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["request_id"] != "abc" {
		t.Errorf("unexpected request_id %v", entry["request_id"])
	}
	if entry["imei"] != "[REDACTED]" {
		t.Errorf("imei not redacted: %v", entry["imei"])
	}
	if entry["component"] != "keyattest" {
		t.Errorf("unexpected component %v", entry["component"])
	}
}

func TestLoggerWithContext(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.WithContext(context.Background()) != l {
		t.Error("expected same logger without request id")
	}
	ctx := ContextWithRequestID(context.Background(), "xyz")
	if l.WithContext(ctx) == l {
		t.Error("expected child logger with request id")
	}
}

func TestFileRotator(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "r.log"), MaxSize: 1, MaxBackups: 2}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	if _, err := r.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	data, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestFileRotatorPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "r.log"), MaxSize: 1, MaxBackups: 2}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	for i := 0; i < 4; i++ {
		if _, err := r.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := r.Rotate(); err != nil {
			t.Fatalf("Rotate: %v", err)
		}
	}

	files, err := r.LogFiles()
	if err != nil {
		t.Fatalf("LogFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected active file plus 2 backups, got %v", files)
	}
	if files[0] != cfg.FilePath {
		t.Errorf("active file should be listed first, got %s", files[0])
	}
}

func TestFileRotatorCompress(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{FilePath: filepath.Join(dir, "c.log"), MaxSize: 1, MaxBackups: 5, Compress: true}

	r, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("NewFileRotator: %v", err)
	}
	defer r.Close()

	if _, err := r.Write([]byte("compress me\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "c.log.*.gz"))
	if len(matches) != 1 {
		t.Errorf("expected one gz backup, got %v", matches)
	}
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{
		Level:      "debug",
		Format:     "json",
		Output:     "file",
		FilePath:   "/tmp/keyattest-test.log",
		MaxSizeMB:  5,
		MaxBackups: 7,
	}, "keyattestd")
	if err != nil {
		t.Fatalf("FromSettings: %v", err)
	}
	if cfg.Level != LevelDebug || cfg.Format != FormatJSON {
		t.Errorf("level/format = %v/%v", cfg.Level, cfg.Format)
	}
	if cfg.Output != "file" || cfg.FilePath != "/tmp/keyattest-test.log" {
		t.Errorf("output = %q %q", cfg.Output, cfg.FilePath)
	}
	if cfg.MaxSize != 5 || cfg.MaxBackups != 7 || cfg.Compress {
		t.Errorf("rotation = %d %d %v", cfg.MaxSize, cfg.MaxBackups, cfg.Compress)
	}
	if cfg.Component != "keyattestd" {
		t.Errorf("component = %q", cfg.Component)
	}

	if _, err := FromSettings(config.LoggingConfig{Level: "loud"}, ""); err == nil {
		t.Error("expected error for unknown level")
	}
}

package yuri

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "yuri.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("proxy started", "port", 9090)
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"proxy started"`) || !strings.Contains(out, `"port":9090`) {
		t.Errorf("unexpected log output: %s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
}

func TestNewLogger_Errors(t *testing.T) {
	if _, _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := NewLogger(LoggingConfig{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestNewLogger_Stderr(t *testing.T) {
	logger, closer, err := NewLogger(LoggingConfig{})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if logger == nil {
		t.Fatal("nil logger")
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

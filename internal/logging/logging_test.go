package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"link-crawler/internal/config"
)

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	var console bytes.Buffer

	logger, closer, err := New(config.LogConfig{Level: "info", Format: "text", File: path}, &console)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.WithField("url", "https://example.com/").Error("fetch failed")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for _, out := range []string{console.String(), string(data)} {
		if !strings.Contains(out, "level=error") || !strings.Contains(out, "https://example.com/") {
			t.Fatalf("expected severity and url in log line, got %q", out)
		}
		if !strings.Contains(out, "time=") {
			t.Fatalf("expected timestamp in log line, got %q", out)
		}
	}
}

func TestNewWithoutFile(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := New(config.LogConfig{Level: "bogus", Format: "json"}, &console)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level fallback, got %s", logger.GetLevel())
	}
	logger.Info("waiting for messages")
	if !strings.Contains(console.String(), `"msg":"waiting for messages"`) {
		t.Fatalf("expected json output, got %q", console.String())
	}
}

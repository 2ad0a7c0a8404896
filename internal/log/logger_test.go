package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"trades-exec/internal/config"
)

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "exec.log")

	logger, err := NewLogger(config.LoggingConfig{
		Level:            "debug",
		Encoding:         "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		File:             config.FileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	logger.Info("订单处理完成")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "订单处理完成") {
		t.Fatalf("expected message in log file, got %q", string(data))
	}
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

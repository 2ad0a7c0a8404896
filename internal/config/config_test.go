package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	if cfg.Process.Debounce != 15*time.Second {
		t.Errorf("expected debounce 15s, got %s", cfg.Process.Debounce)
	}
	if cfg.Dispatcher.HungAfter != 600*time.Second {
		t.Errorf("expected hung_after 600s, got %s", cfg.Dispatcher.HungAfter)
	}
	if cfg.Dispatcher.HungScanOneIn != 10 {
		t.Errorf("expected hung scan 1-in-10, got %d", cfg.Dispatcher.HungScanOneIn)
	}
	if cfg.Decompose.CorrectionFactor != 0.95 {
		t.Errorf("expected correction factor 0.95, got %v", cfg.Decompose.CorrectionFactor)
	}
	if cfg.Decompose.ControlRatio != 0.95 || cfg.Decompose.ShareSumMin != 0.95 {
		t.Errorf("expected control ratio and share sum min 0.95, got %v/%v", cfg.Decompose.ControlRatio, cfg.Decompose.ShareSumMin)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
exchanges:
  enabled: ["okx", "bybit"]
decompose:
  auto_approve: true
dispatcher:
  batch_limit: 7
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Exchanges.Enabled) != 2 || cfg.Exchanges.Enabled[0] != "okx" {
		t.Errorf("unexpected exchanges: %v", cfg.Exchanges.Enabled)
	}
	if !cfg.Decompose.AutoApprove {
		t.Errorf("expected auto_approve=true")
	}
	if cfg.Dispatcher.BatchLimit != 7 {
		t.Errorf("expected batch_limit=7, got %d", cfg.Dispatcher.BatchLimit)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default returned error: %v", err)
	}
	cfg.Dispatcher.BatchLimit = 0
	cfg.Decompose.CorrectionFactor = 1.5
	cfg.Decompose.ControlRatio = 0
	cfg.Notify.Kafka.Enabled = true
	cfg.Notify.Kafka.Brokers = nil

	err = cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"dispatcher.batch_limit", "decompose.correction_factor", "decompose.control_ratio", "notify.kafka.brokers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}

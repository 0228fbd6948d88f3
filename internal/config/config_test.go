package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "epochs: 3\nbatch_size: 32\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Epochs != 3 || cfg.BatchSize != 32 {
		t.Fatalf("unexpected epochs/batch: %d/%d", cfg.Epochs, cfg.BatchSize)
	}
	if cfg.DataRoot != "data" || cfg.LearningRate != 0.001 {
		t.Fatalf("defaults lost: root=%s lr=%g", cfg.DataRoot, cfg.LearningRate)
	}
	if len(cfg.Models) != 2 {
		t.Fatalf("expected default models, got %d", len(cfg.Models))
	}
}

func TestLoadModels(t *testing.T) {
	path := writeConfig(t, `
models:
  - name: tiny
    arch: simple
    checkpoint: out/tiny.ckpt
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(cfg.Models))
	}
	m, err := cfg.Model("tiny")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if m.Arch != "simple" || m.Checkpoint != "out/tiny.ckpt" {
		t.Fatalf("unexpected model %+v", m)
	}
	if _, err := cfg.Model("missing"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "train_root_a: /tmp\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Epochs != 25 {
		t.Fatalf("expected default epochs, got %d", cfg.Epochs)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Models = append(cfg.Models, cfg.Models[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate model error")
	}

	cfg = Default()
	cfg.Epochs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected epochs error")
	}

	cfg = Default()
	cfg.TestBatchSize = 0
	cfg.LogEvery = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TestBatchSize != cfg.BatchSize || cfg.LogEvery != 20 {
		t.Fatalf("defaults not applied: test_batch=%d log_every=%d", cfg.TestBatchSize, cfg.LogEvery)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{DataRoot: "/mnt/mnist", Epochs: 2, NoDownload: true})
	if cfg.DataRoot != "/mnt/mnist" || cfg.Epochs != 2 || cfg.Download {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BatchSize != 128 {
		t.Fatalf("zero override changed batch size to %d", cfg.BatchSize)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

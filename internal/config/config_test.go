package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != "./out" {
		t.Errorf("OutputDir = %q", cfg.OutputDir)
	}
	if cfg.Merge.BatchSize != 1000 || cfg.Merge.ExternalThreshold != 2000 {
		t.Errorf("merge defaults = %+v", cfg.Merge)
	}
	if cfg.Renderer.Timeout.Std() != 90*time.Second {
		t.Errorf("renderer timeout = %v", cfg.Renderer.Timeout.Std())
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listrescue.yml")
	doc := `
messages_dir: /data/messages
attachments_dir: /data/attachments
output_dir: /data/out
renderer:
  binary: /usr/local/bin/emlrender
  extra_args: ["--quiet"]
  timeout: 2m
  workers: 4
merge:
  tool: pdfunite
  batch_size: 500
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessagesDir != "/data/messages" {
		t.Errorf("MessagesDir = %q", cfg.MessagesDir)
	}
	if cfg.Renderer.Binary != "/usr/local/bin/emlrender" || cfg.Renderer.Workers != 4 {
		t.Errorf("renderer = %+v", cfg.Renderer)
	}
	if cfg.Renderer.Timeout.Std() != 2*time.Minute {
		t.Errorf("timeout = %v", cfg.Renderer.Timeout.Std())
	}
	if cfg.Merge.Tool != "pdfunite" || cfg.Merge.BatchSize != 500 {
		t.Errorf("merge = %+v", cfg.Merge)
	}
	// Unset keys keep their defaults.
	if cfg.Merge.ExternalThreshold != 2000 {
		t.Errorf("ExternalThreshold = %d", cfg.Merge.ExternalThreshold)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listrescue.yml")
	if err := os.WriteFile(path, []byte("renderer:\n  timeout: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MESSAGES_DIR", "/env/messages")
	t.Setenv("RENDERER_BIN", "/env/render")
	t.Setenv("RENDER_WORKERS", "3")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessagesDir != "/env/messages" {
		t.Errorf("MessagesDir = %q", cfg.MessagesDir)
	}
	if cfg.Renderer.Binary != "/env/render" {
		t.Errorf("Binary = %q", cfg.Renderer.Binary)
	}
	if cfg.Renderer.Workers != 3 {
		t.Errorf("Workers = %d", cfg.Renderer.Workers)
	}
}

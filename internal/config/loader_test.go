package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `
addr: :9999
models_dir: /tmp
default_model: m1
max_cache_size_mb: 100
backend:
  kind: llama
  port_start: 9000
  port_end: 9010
load:
  context_size: 4096
models:
  - id: m1
    keep_loaded: true
    infer:
      antiprompts: ["User:"]
      max_tokens: 64
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.DefaultModel != "m1" || cfg.MaxCacheSizeMB != 100 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Backend.Kind != "llama" || cfg.Backend.PortEnd != 9010 {
		t.Fatalf("backend: %+v", cfg.Backend)
	}
	if cfg.Load == nil || cfg.Load.ContextSize == nil || *cfg.Load.ContextSize != 4096 {
		t.Fatalf("load overrides not parsed: %+v", cfg.Load)
	}
	if len(cfg.Models) != 1 || !cfg.Models[0].KeepLoaded || *cfg.Models[0].Infer.MaxTokens != 64 || cfg.Models[0].Infer.Antiprompts[0] != "User:" {
		t.Fatalf("models: %+v", cfg.Models)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"addr":":7070","models_dir":"/m","default_model":"m2","max_queue_depth":4,"load":{"seed":7}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.DefaultModel != "m2" || cfg.MaxQueueDepth != 4 || *cfg.Load.Seed != 7 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", `
addr = ":8081"
models_dir = "/x"
default_model = "m3"
max_cache_age_min = 30

[backend]
llama_bin = "/opt/llama-server"

[[models]]
id = "m3"
path = "/weights/m3.gguf"

[models.load]
gpu_layers = 99
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.ModelsDir != "/x" || cfg.DefaultModel != "m3" || cfg.MaxCacheAgeMin != 30 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Backend.LlamaBin != "/opt/llama-server" {
		t.Fatalf("backend: %+v", cfg.Backend)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Path != "/weights/m3.gguf" || *cfg.Models[0].Load.GPULayers != 99 {
		t.Fatalf("models: %+v", cfg.Models)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	if _, err := Load(writeTempFile(t, d, "cfg.txt", "not supported")); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	_, err := Load(writeTempFile(t, d, "bad.json", "{"))
	if err == nil || !strings.Contains(err.Error(), "bad.json") {
		t.Fatalf("parse error should name the file: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := ApplyDefaults(Config{Addr: ":1", MaxCacheAgeMin: -1, IdleUnloadSec: -1})
	if cfg.Addr != ":1" {
		t.Fatalf("explicit value overwritten: %q", cfg.Addr)
	}
	d := Defaults()
	if cfg.ModelsDir != d.ModelsDir || cfg.MaxQueueDepth != 32 || cfg.Backend.Kind != "llama-server" || cfg.LogLevel != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.CacheMaxAge() != -1 || cfg.IdleTimeout() != -1 {
		t.Fatalf("negative limits must stay disabled")
	}
	if got := ApplyDefaults(Config{}).CacheSweepInterval(); got != time.Minute {
		t.Fatalf("sweep interval = %v", got)
	}
	if got := ApplyDefaults(Config{}).CacheMaxAge(); got != 24*time.Hour {
		t.Fatalf("max age = %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := ApplyDefaults(Config{}).Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg := ApplyDefaults(Config{LogFormat: "xml", Models: []ModelConfig{{ID: "a"}, {ID: "a"}, {}}})
	cfg.Backend.PortEnd = 1
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"port_end", "log_format", "duplicate id", "id is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

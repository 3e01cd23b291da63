package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"inferd/internal/config"
	"inferd/pkg/types"
)

func touch(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestGGUFScannerFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"a.gguf", "b.GGUF", "not-model.txt", "model.bin"} {
		touch(t, dir, f, "")
	}
	if err := os.Mkdir(filepath.Join(dir, "dir.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	models, err := NewGGUFScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	for _, m := range models {
		if !strings.HasSuffix(strings.ToLower(m.ID), ".gguf") || !filepath.IsAbs(m.Path) {
			t.Fatalf("bad model: %+v", m)
		}
	}
}

func TestGGUFScannerExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "inferd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	touch(t, hTmp, "x.gguf", "")
	models, err := LoadDir("~/" + filepath.Base(hTmp))
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestGuessQuantAndFamily(t *testing.T) {
	cases := []struct{ name, quant, family string }{
		{"llama-3.1-8b-q4_k_m.gguf", "Q4_K_M", "llama"},
		{"TinyLlama.Q8_0.gguf", "Q8_0", "tinyllama"},
		{"mistral-7b-instruct-f16.gguf", "F16", "mistral"},
		{"custom.gguf", "", ""},
		{"qwen2-IQ3_XS.gguf", "IQ3_XS", "qwen"},
	}
	for _, tc := range cases {
		if q := guessQuant(tc.name); q != tc.quant {
			t.Fatalf("guessQuant(%q) = %q, want %q", tc.name, q, tc.quant)
		}
		if f := guessFamily(tc.name); f != tc.family {
			t.Fatalf("guessFamily(%q) = %q, want %q", tc.name, f, tc.family)
		}
	}
}

func TestContentHash(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "a.gguf", "weights-a")
	b := touch(t, dir, "b.gguf", "weights-b")
	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if len(ha) != 16 {
		t.Fatalf("hash length %d", len(ha))
	}
	if again, _ := ContentHash(a); again != ha {
		t.Fatalf("hash not stable")
	}
	if hb, _ := ContentHash(b); hb == ha {
		t.Fatalf("different content, same hash")
	}
	if _, err := ContentHash(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestBuildAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.gguf", "a")
	touch(t, dir, "b.gguf", "b")
	extra := touch(t, t.TempDir(), "c-q5_1.gguf", "c")

	ctx, gpu, tokens := 4096, 20, 64
	cfg := config.ApplyDefaults(config.Config{ModelsDir: dir})
	cfg.Load = &types.LoadOverrides{ContextSize: &ctx}
	cfg.Models = []config.ModelConfig{
		{ID: "b.gguf", KeepLoaded: true, Backend: "llama", Load: &types.LoadOverrides{GPULayers: &gpu}, Infer: &types.InferenceOverrides{MaxTokens: &tokens}},
		{ID: "c", Path: extra},
	}
	models, err := Build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(models) != 3 || models[0].ID != "a.gguf" || models[1].ID != "b.gguf" || models[2].ID != "c" {
		t.Fatalf("models: %+v", models)
	}
	a, b, c := models[0], models[1], models[2]
	if a.Load.ContextSize != 4096 || a.Load.BatchSize != 512 || a.Backend != "llama-server" || a.ContentHash == "" {
		t.Fatalf("scanned model: %+v", a)
	}
	if !b.KeepLoaded || b.Backend != "llama" || b.Load.GPULayers != 20 || b.Load.ContextSize != 4096 || b.Infer.MaxTokens != 64 {
		t.Fatalf("configured model: %+v", b)
	}
	if c.Path != extra || c.Quant != "Q5_1" {
		t.Fatalf("declared model: %+v", c)
	}
}

func TestBuildErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ApplyDefaults(config.Config{ModelsDir: dir, Models: []config.ModelConfig{{ID: "ghost"}}})
	if _, err := Build(cfg); err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Fatalf("expected error for undeclared path: %v", err)
	}
	cfg.Models = []config.ModelConfig{{ID: "gone", Path: filepath.Join(dir, "gone.gguf")}}
	if _, err := Build(cfg); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected error for missing weights: %v", err)
	}
	cfg = config.ApplyDefaults(config.Config{ModelsDir: filepath.Join(dir, "nope")})
	if _, err := Build(cfg); err == nil {
		t.Fatalf("missing models dir without declarations should fail")
	}
	extra := touch(t, dir, "x.bin", "x")
	cfg.Models = []config.ModelConfig{{ID: "x", Path: extra}}
	models, err := Build(cfg)
	if err != nil || len(models) != 1 {
		t.Fatalf("declared models should load without a models dir: %v %+v", err, models)
	}
}

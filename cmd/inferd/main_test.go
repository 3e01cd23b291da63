package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"inferd/internal/backend/backendtest"
	"inferd/pkg/types"
)

// lockedBuffer is written by log calls from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	c      *cli
	out    *lockedBuffer
	errOut *lockedBuffer
	models string
	cache  string
}

func newHarness(t *testing.T, f *backendtest.Fake, stdin string) *harness {
	t.Helper()
	h := &harness{out: &lockedBuffer{}, errOut: &lockedBuffer{}, models: t.TempDir(), cache: t.TempDir()}
	if err := os.WriteFile(filepath.Join(h.models, "tiny.Q4_0.gguf"), []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	h.c = &cli{in: strings.NewReader(stdin), out: h.out, errOut: h.errOut}
	if f != nil {
		h.c.backends = backendtest.Resolver{"llama-server": f}
	}
	return h
}

func (h *harness) exec(ctx context.Context, args ...string) error {
	root := newRootCmd(h.c)
	root.SetArgs(append(args, "--models-dir", h.models, "--cache-dir", h.cache, "--log-format", "json"))
	return root.ExecuteContext(ctx)
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd(&cli{in: strings.NewReader(""), out: io.Discard, errOut: io.Discard})
	want := map[string]bool{"serve": false, "run": false, "chat": false, "models": false, "cache": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing command %q", name)
		}
	}
}

func TestModelsCommand(t *testing.T) {
	h := newHarness(t, nil, "")
	if err := h.exec(context.Background(), "models"); err != nil {
		t.Fatalf("models: %v", err)
	}
	out := h.out.String()
	if !strings.Contains(out, "tiny.Q4_0.gguf") || !strings.Contains(out, "Q4_0") || !strings.Contains(out, "llama-server") {
		t.Fatalf("output = %q", out)
	}

	h.out = &lockedBuffer{}
	h.c.out = h.out
	if err := h.exec(context.Background(), "models", "--json"); err != nil {
		t.Fatalf("models --json: %v", err)
	}
	var resp types.ModelsResponse
	if err := json.Unmarshal([]byte(h.out.String()), &resp); err != nil || len(resp.Models) != 1 || resp.Models[0].ContentHash == "" {
		t.Fatalf("json output %q: %v", h.out.String(), err)
	}
}

func TestConfigFileAndFlags(t *testing.T) {
	h := newHarness(t, nil, "")
	cfgPath := filepath.Join(t.TempDir(), "inferd.yaml")
	body := "models_dir: /does/not/exist\nmodels:\n  - id: tiny.Q4_0.gguf\n    keep_loaded: true\n    load:\n      context_size: 512\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := h.exec(context.Background(), "models", "--config", cfgPath); err != nil {
		t.Fatalf("models: %v", err)
	}
	// --models-dir wins over the file; the per-model override still applies.
	if h.c.cfg.ModelsDir != h.models {
		t.Fatalf("models dir = %q", h.c.cfg.ModelsDir)
	}
	if !strings.Contains(h.out.String(), "512") {
		t.Fatalf("per-model override not applied: %q", h.out.String())
	}
	if err := h.exec(context.Background(), "models", "--config", filepath.Join(t.TempDir(), "x.ini")); err == nil {
		t.Fatalf("expected error for unsupported config")
	}
}

func TestCachePurgeAndSweep(t *testing.T) {
	h := newHarness(t, nil, "")
	for _, dir := range []string{"tiny.Q4_0.gguf-abc-2048-10000-1/e1", "other.gguf-def-2048-10000-1/e2"} {
		p := filepath.Join(h.cache, dir)
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(p, "prompt"), []byte("hi"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := h.exec(context.Background(), "cache", "purge", "tiny.Q4_0.gguf"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(h.out.String(), "removed 1") {
		t.Fatalf("purge output = %q", h.out.String())
	}
	if _, err := os.Stat(filepath.Join(h.cache, "tiny.Q4_0.gguf-abc-2048-10000-1")); !os.IsNotExist(err) {
		t.Fatalf("namespace not removed: %v", err)
	}
	if err := h.exec(context.Background(), "cache", "sweep"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(h.out.String(), "entries=1") {
		t.Fatalf("sweep output = %q", h.out.String())
	}
	if err := h.exec(context.Background(), "cache"); err == nil {
		t.Fatalf("bare cache command should ask for a subcommand")
	}
}

func TestRunCommand(t *testing.T) {
	h := newHarness(t, backendtest.New(" Hello", " world"), "")
	if err := h.exec(context.Background(), "run", "Say", "hi"); err != nil {
		t.Fatalf("run: %v\n%s", err, h.errOut.String())
	}
	if got := h.out.String(); got != "Hello world\n" {
		t.Fatalf("stdout = %q", got)
	}
	if !strings.Contains(h.errOut.String(), "2 tokens") {
		t.Fatalf("stats missing: %q", h.errOut.String())
	}
}

func TestRunReadsStdinAndReportsErrors(t *testing.T) {
	f := backendtest.New("a", "b")
	f.FailAfter = 1
	f.Err = errors.New("boom")
	h := newHarness(t, f, "from stdin\n")
	err := h.exec(context.Background(), "run")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if prompts := f.Prompts(); len(prompts) != 1 || prompts[0] != "from stdin" {
		t.Fatalf("prompts = %q", prompts)
	}
}

func TestChatCommand(t *testing.T) {
	f := backendtest.New()
	f.Script = func(prompt string) []string {
		if strings.Contains(prompt, "Again") {
			return []string{"Still here."}
		}
		return []string{"Hello!"}
	}
	h := newHarness(t, f, "Hi\nAgain\n/reset\nHi\n/exit\n")
	if err := h.exec(context.Background(), "chat", "--system", "Be nice."); err != nil {
		t.Fatalf("chat: %v", err)
	}
	out := h.out.String()
	if strings.Count(out, "Hello!") != 2 || !strings.Contains(out, "Still here.") || !strings.Contains(out, "(conversation reset)") {
		t.Fatalf("output = %q", out)
	}
	prompts := f.Prompts()
	if len(prompts) != 3 {
		t.Fatalf("prompts = %q", prompts)
	}
	if prompts[0] != "Be nice.\nUser: Hi\nAssistant: " {
		t.Fatalf("first prompt = %q", prompts[0])
	}
	if prompts[1] != "\nUser: Again\nAssistant: " {
		t.Fatalf("resumed prompt = %q", prompts[1])
	}
}

func TestServeCommand(t *testing.T) {
	h := newHarness(t, backendtest.New(" Hi"), "")
	addrCh := make(chan string, 1)
	h.c.onListen = func(a net.Addr) { addrCh <- a.String() }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.exec(ctx, "serve", "--addr", "127.0.0.1:0") }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, resp)
	}
	resp.Body.Close()

	resp, err = http.Post("http://"+addr+"/infer", "application/json", strings.NewReader(`{"prompt":"hey"}`))
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	var final types.InferResponse
	if err := json.Unmarshal(bytes.TrimSpace(b), &final); err != nil || final.Content != "Hi" {
		t.Fatalf("infer body %q: %v", b, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

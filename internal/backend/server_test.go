package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"inferd/pkg/types"
)

// buildFakeServer builds the fake llama-server used for subprocess tests and returns its path.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake_llama_server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake server: %v: %s", err, out)
	}
	return bin
}

func sseServer(t *testing.T, frags []string, gotPrompt *string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if gotPrompt != nil {
			*gotPrompt = req.Prompt
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frags {
			b, _ := json.Marshal(map[string]any{"choices": []map[string]any{{"delta": map[string]string{"content": f}}}})
			fmt.Fprintf(w, "data: %s\n\n", b)
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n")
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tokens":[1,2,3]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestServerExecutorStreamsTokens(t *testing.T) {
	ts := sseServer(t, []string{"A", "B", "C"}, nil)
	e := &serverExecutor{s: NewServer(Config{}), baseURL: ts.URL, seed: -1}
	var got []string
	err := e.InferStream(context.Background(), "hello", types.InferenceParams{MaxTokens: 8}, func(tok string) bool {
		got = append(got, tok)
		return true
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	if strings.Join(got, "") != "ABC" {
		t.Fatalf("unexpected content: %v", got)
	}
	if n, err := e.Tokenize("a b c"); err != nil || n != 3 {
		t.Fatalf("Tokenize = %d, %v", n, err)
	}
	if err := e.SaveState(filepath.Join(t.TempDir(), "x")); err != ErrStateUnsupported {
		t.Fatalf("stateless SaveState: %v", err)
	}
}

func TestServerExecutorStopsWhenCallbackDeclines(t *testing.T) {
	ts := sseServer(t, []string{"A", "B", "C"}, nil)
	e := &serverExecutor{s: NewServer(Config{}), baseURL: ts.URL, seed: -1}
	var got []string
	err := e.InferStream(context.Background(), "hello", types.InferenceParams{}, func(tok string) bool {
		got = append(got, tok)
		return false
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected stop after first token, got %v", got)
	}
}

func TestServerExecutorStatefulTranscript(t *testing.T) {
	var prompt string
	ts := sseServer(t, []string{" fine"}, &prompt)
	e := &serverExecutor{s: NewServer(Config{}), baseURL: ts.URL, seed: -1, stateful: true}
	noop := func(string) bool { return true }
	if err := e.InferStream(context.Background(), "Hi.", types.InferenceParams{}, noop); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "executor")
	if err := e.SaveState(path); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	resumed := &serverExecutor{s: e.s, baseURL: ts.URL, seed: -1, stateful: true}
	if err := resumed.LoadState(path); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if err := resumed.InferStream(context.Background(), " And you?", types.InferenceParams{}, noop); err != nil {
		t.Fatal(err)
	}
	if prompt != "Hi. fine And you?" {
		t.Fatalf("server saw %q", prompt)
	}
}

func TestServerExecutorHTTPErrorClassified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ggml: failed to allocate buffer", http.StatusInternalServerError)
	}))
	defer ts.Close()
	e := &serverExecutor{s: NewServer(Config{}), baseURL: ts.URL, seed: -1}
	err := e.InferStream(context.Background(), "x", types.InferenceParams{}, func(string) bool { return true })
	var oom *OutOfMemoryError
	if !errors.As(err, &oom) || oom.Op != "generate" {
		t.Fatalf("expected OutOfMemoryError, got %v", err)
	}
}

func TestServerContextStateRoundTrip(t *testing.T) {
	c := &serverContext{}
	path := filepath.Join(t.TempDir(), "context")
	if err := c.SaveState(path); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadState(path); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if err := os.WriteFile(path, []byte("other"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.LoadState(path); err == nil {
		t.Fatalf("foreign state accepted")
	}
}

func TestServerArgs(t *testing.T) {
	args := serverArgs("/m.gguf", "127.0.0.1", 9000, types.LoadParams{ContextSize: 4096, GPULayers: 10, RopeFreqBase: 10000, MMap: false}, []string{"--foo"})
	got := strings.Join(args, " ")
	for _, want := range []string{"-m /m.gguf", "--port 9000", "-c 4096", "-ngl 10", "--rope-freq-base 10000", "--no-mmap", "--foo"} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
}

func TestServerMissingBinaryIsDependencyError(t *testing.T) {
	s := NewServer(Config{LlamaBin: filepath.Join(t.TempDir(), "nope")})
	_, err := s.LoadWeights("/m.gguf", types.DefaultLoadParams())
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestServerSpawnGenerateStop(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildFakeServer(t)
	s := NewServer(Config{LlamaBin: bin, LlamaPortStart: 31100, LlamaPortEnd: 31120, ReadyTimeout: 10 * time.Second})
	defer s.Close()

	p := types.DefaultLoadParams()
	w, err := s.LoadWeights("m1.gguf", p)
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if s.PID("m1.gguf") <= 0 {
		t.Fatalf("expected running process")
	}
	again, err := s.LoadWeights("m1.gguf", p)
	if err != nil || again.(*serverWeights).baseURL != w.(*serverWeights).baseURL {
		t.Fatalf("second load should reuse the process: %v", err)
	}
	ex, err := s.CreateExecutor(w, nil, p, false)
	if err != nil {
		t.Fatal(err)
	}
	var out strings.Builder
	err = ex.InferStream(context.Background(), "hi", types.InferenceParams{MaxTokens: 3}, func(tok string) bool {
		out.WriteString(tok)
		return true
	})
	if err != nil || out.String() != "Hello from fake" {
		t.Fatalf("generate: %q %v", out.String(), err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.PID("m1.gguf") != 0 {
		t.Fatalf("process still registered after stop")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Config{})
	a, err := r.Get("")
	if err != nil || a.Name() != KindLlamaServer {
		t.Fatalf("default kind: %v %v", a, err)
	}
	b, _ := r.Get("llama_server")
	if a != b {
		t.Fatalf("backend not cached per kind")
	}
	if l, err := r.Get("llama.cpp"); err != nil || l.Name() != KindLlama {
		t.Fatalf("llama alias: %v", err)
	}
	if _, err := r.Get("tensorflow"); !IsInvalidBackend(err) {
		t.Fatalf("expected invalid backend, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

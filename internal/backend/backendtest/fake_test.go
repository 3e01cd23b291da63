package backendtest

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

var _ backend.Backend = (*Fake)(nil)

func generate(t *testing.T, ex backend.Executor, prompt string) (string, error) {
	t.Helper()
	var b strings.Builder
	err := ex.InferStream(context.Background(), prompt, types.InferenceParams{}, func(tok string) bool {
		b.WriteString(tok)
		return true
	})
	return b.String(), err
}

func TestFakeDefaultScript(t *testing.T) {
	f := New()
	w, err := f.LoadWeights("x", types.LoadParams{})
	if err != nil {
		t.Fatal(err)
	}
	ex, err := f.CreateExecutor(w, nil, types.LoadParams{}, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := generate(t, ex, "hi")
	if err != nil || out != " Hello!" {
		t.Fatalf("got %q, %v", out, err)
	}
	if got := f.Prompts(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("prompts: %v", got)
	}
	_ = w.Close()
	_ = w.Close()
	if f.Released() != 1 {
		t.Fatalf("double close counted twice")
	}
}

func TestFakeFailAfter(t *testing.T) {
	f := New("a", "b", "c")
	f.FailAfter = 2
	f.Err = errors.New("boom")
	w, _ := f.LoadWeights("x", types.LoadParams{})
	ex, _ := f.CreateExecutor(w, nil, types.LoadParams{}, false)
	out, err := generate(t, ex, "p")
	if out != "ab" || err == nil || err.Error() != "boom" {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestFakeStatefulState(t *testing.T) {
	f := New("x")
	w, _ := f.LoadWeights("x", types.LoadParams{})
	c, _ := f.CreateContext(w, types.LoadParams{})
	ex, _ := f.CreateExecutor(w, c, types.LoadParams{}, true)
	if _, err := generate(t, ex, "p"); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := c.SaveState(filepath.Join(dir, "context")); err != nil {
		t.Fatal(err)
	}
	c2, _ := f.CreateContext(w, types.LoadParams{})
	if err := c2.LoadState(filepath.Join(dir, "context")); err != nil {
		t.Fatal(err)
	}
	if got := f.ContextLoads(); len(got) != 1 || got[0] != "ctx-1" {
		t.Fatalf("context loads: %v", got)
	}
	if _, err := (Resolver{"fake": f}).Get("other"); !backend.IsInvalidBackend(err) {
		t.Fatalf("resolver: %v", err)
	}
}

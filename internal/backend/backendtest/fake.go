// Package backendtest provides a scripted in-memory backend for tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"inferd/internal/backend"
	"inferd/pkg/types"
)

// Fake is a backend.Backend whose generation is scripted. Construct it with
// New; without a script it generates " Hello" "!" for every prompt.
type Fake struct {
	// Tokens is the fragment script used when Script is nil.
	Tokens []string
	// Script, when set, chooses fragments per prompt.
	Script func(prompt string) []string
	// FailAfter makes InferStream return Err after that many fragments.
	// Negative disables.
	FailAfter int
	Err       error
	// PanicAfter makes InferStream panic after that many fragments.
	// Negative disables.
	PanicAfter int
	// LoadErr fails LoadWeights.
	LoadErr error
	// TokenDelay sleeps before every fragment.
	TokenDelay time.Duration
	// PromptTokens overrides Tokenize.
	PromptTokens func(text string) int
	Persist      bool
	// Replay makes Prompts report, for stateful executors, the executor's
	// history followed by the new prompt: the text it has evaluated in
	// total once the call returns.
	Replay bool

	mu       sync.Mutex
	loads    int
	contexts int
	execs    int
	released int
	prompts  []string
	ctxLoads []string
	active   int
	peak     int
}

// New returns a Fake with failure injection disabled.
func New(tokens ...string) *Fake {
	return &Fake{Tokens: tokens, FailAfter: -1, PanicAfter: -1}
}

func (f *Fake) Name() string     { return "fake" }
func (f *Fake) Persistent() bool { return f.Persist }

type fakeWeights struct {
	f      *Fake
	closed bool
}

func (w *fakeWeights) Close() error {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if !w.closed {
		w.closed = true
		w.f.released++
	}
	return nil
}

func (f *Fake) LoadWeights(path string, _ types.LoadParams) (backend.Weights, error) {
	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return &fakeWeights{f: f}, nil
}

// FakeContext persists a label so tests can tell which saved state was
// restored.
type FakeContext struct {
	f     *Fake
	mu    sync.Mutex
	Label string
}

func (c *FakeContext) SaveState(path string) error {
	c.mu.Lock()
	label := c.Label
	c.mu.Unlock()
	return os.WriteFile(path, []byte(label), 0o644)
}

func (c *FakeContext) LoadState(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.Label = string(b)
	c.mu.Unlock()
	c.f.mu.Lock()
	c.f.ctxLoads = append(c.f.ctxLoads, string(b))
	c.f.mu.Unlock()
	return nil
}

func (c *FakeContext) Close() error { return nil }

func (f *Fake) CreateContext(w backend.Weights, _ types.LoadParams) (backend.Context, error) {
	if _, ok := w.(*fakeWeights); !ok {
		return nil, errors.New("fake: foreign weights")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts++
	return &FakeContext{f: f, Label: fmt.Sprintf("ctx-%d", f.contexts)}, nil
}

func (f *Fake) CreateExecutor(w backend.Weights, c backend.Context, _ types.LoadParams, stateful bool) (backend.Executor, error) {
	if _, ok := w.(*fakeWeights); !ok {
		return nil, errors.New("fake: foreign weights")
	}
	if stateful && c == nil {
		return nil, errors.New("fake: stateful executor needs a context")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	return &fakeExecutor{f: f, stateful: stateful}, nil
}

type fakeExecutor struct {
	f        *Fake
	stateful bool
	mu       sync.Mutex
	hist     string
}

func (e *fakeExecutor) InferStream(ctx context.Context, prompt string, p types.InferenceParams, onToken func(string) bool) error {
	f := e.f
	fed := prompt
	if f.Replay && e.stateful {
		e.mu.Lock()
		fed = e.hist + prompt
		e.mu.Unlock()
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, fed)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	toks := f.Tokens
	if f.Script != nil {
		toks = f.Script(prompt)
	}
	if toks == nil {
		toks = []string{" Hello", "!"}
	}
	var out strings.Builder
	for i, tok := range toks {
		if f.FailAfter >= 0 && i == f.FailAfter {
			return f.Err
		}
		if f.PanicAfter >= 0 && i == f.PanicAfter {
			panic("fake backend panic")
		}
		if f.TokenDelay > 0 {
			time.Sleep(f.TokenDelay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out.WriteString(tok)
		if !onToken(tok) {
			break
		}
	}
	if f.FailAfter >= 0 && f.FailAfter >= len(toks) {
		return f.Err
	}
	if e.stateful {
		e.mu.Lock()
		e.hist += prompt + out.String()
		e.mu.Unlock()
	}
	return nil
}

func (e *fakeExecutor) Tokenize(text string) (int, error) {
	if e.f.PromptTokens != nil {
		return e.f.PromptTokens(text), nil
	}
	n := len(strings.Fields(text))
	if n == 0 && text != "" {
		n = 1
	}
	return n, nil
}

func (e *fakeExecutor) SaveState(path string) error {
	if !e.stateful {
		return backend.ErrStateUnsupported
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return os.WriteFile(path, []byte(e.hist), 0o644)
}

func (e *fakeExecutor) LoadState(path string) error {
	if !e.stateful {
		return backend.ErrStateUnsupported
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.hist = string(b)
	e.mu.Unlock()
	return nil
}

func (e *fakeExecutor) Close() error { return nil }

// Loads reports how many times weights were loaded.
func (f *Fake) Loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// Contexts reports how many contexts were created.
func (f *Fake) Contexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts
}

// Released reports how many weight handles were closed.
func (f *Fake) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Prompts returns every prompt passed to InferStream.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// ContextLoads returns the labels of every restored context state.
func (f *Fake) ContextLoads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ctxLoads...)
}

// PeakConcurrency is the highest number of simultaneous InferStream calls.
func (f *Fake) PeakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// Resolver maps kinds to backends.
type Resolver map[string]backend.Backend

func (r Resolver) Get(kind string) (backend.Backend, error) {
	if b, ok := r[kind]; ok {
		return b, nil
	}
	return nil, backend.ErrInvalidBackend(kind)
}

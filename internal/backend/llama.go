//go:build llama

package backend

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = true

// Llama runs models in-process through the go-llama.cpp bindings. The
// bindings fuse weights and context into one handle, so the context shares
// the weights object and owns its native state.
type Llama struct {
	cfg Config
}

func newLlama(cfg Config) Backend { return &Llama{cfg: cfg} }

func (b *Llama) Name() string     { return KindLlama }
func (b *Llama) Persistent() bool { return false }

type llamaWeights struct {
	mu    sync.Mutex
	model *llama.LLama
}

func (w *llamaWeights) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model != nil {
		w.model.Free()
		w.model = nil
	}
	return nil
}

func (b *Llama) LoadWeights(path string, p types.LoadParams) (Weights, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	opts := []llama.ModelOption{
		llama.SetContext(zn(p.ContextSize, 2048)),
		llama.SetNBatch(zn(p.BatchSize, 512)),
		llama.SetMMap(p.MMap),
	}
	if p.GPULayers > 0 {
		opts = append(opts, llama.SetGPULayers(p.GPULayers))
	}
	if p.MLock {
		opts = append(opts, llama.EnableMLock)
	}
	if p.RopeFreqBase > 0 {
		opts = append(opts, llama.WithRopeFreqBase(p.RopeFreqBase))
	}
	if p.RopeFreqScale > 0 {
		opts = append(opts, llama.WithRopeFreqScale(p.RopeFreqScale))
	}
	m, err := llama.New(path, opts...)
	if err != nil {
		return nil, classify("load", err)
	}
	return &llamaWeights{model: m}, nil
}

type llamaContext struct {
	w *llamaWeights
}

func (c *llamaContext) SaveState(path string) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.model == nil {
		return errors.New("llama: weights released")
	}
	return c.w.model.SaveState(path)
}

func (c *llamaContext) LoadState(path string) error {
	c.w.mu.Lock()
	defer c.w.mu.Unlock()
	if c.w.model == nil {
		return errors.New("llama: weights released")
	}
	return c.w.model.LoadState(path)
}

func (c *llamaContext) Close() error { return nil }

func (b *Llama) CreateContext(w Weights, _ types.LoadParams) (Context, error) {
	lw, ok := w.(*llamaWeights)
	if !ok || lw == nil {
		return nil, errors.New("llama: foreign weights handle")
	}
	return &llamaContext{w: lw}, nil
}

func (b *Llama) CreateExecutor(w Weights, c Context, p types.LoadParams, stateful bool) (Executor, error) {
	lw, ok := w.(*llamaWeights)
	if !ok || lw == nil {
		return nil, errors.New("llama: foreign weights handle")
	}
	if stateful && c == nil {
		return nil, errors.New("llama: stateful executor needs a context")
	}
	return &llamaExecutor{w: lw, threads: zn(p.Threads, 4), seed: p.Seed, stateful: stateful}, nil
}

type llamaExecutor struct {
	w        *llamaWeights
	threads  int
	seed     int64
	stateful bool
	hist     transcript
}

func (e *llamaExecutor) InferStream(ctx context.Context, prompt string, p types.InferenceParams, onToken func(string) bool) error {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.w.model == nil {
		return errors.New("llama model not initialized")
	}
	full := prompt
	if e.stateful {
		full = e.hist.with(prompt)
	}
	var out strings.Builder
	e.w.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		out.WriteString(tok)
		return onToken(tok)
	})

	if _, err := e.w.model.Predict(full, e.predictOptions(p)...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify("generate", err)
	}
	if e.stateful {
		e.hist.append(prompt, out.String())
	}
	return nil
}

// predictOptions converts inference params into go-llama.cpp options.
func (e *llamaExecutor) predictOptions(p types.InferenceParams) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, e.threads)),
		llama.SetTopP(zf(p.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(p.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(p.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
		llama.SetPresencePenalty(p.PresencePenalty),
		llama.SetFrequencyPenalty(p.FrequencyPenalty),
	}
	if e.seed >= 0 {
		po = append(po, llama.SetSeed(int(e.seed)))
	}
	if len(p.Antiprompts) > 0 {
		po = append(po, llama.SetStopWords(p.Antiprompts...))
	}
	return po
}

func (e *llamaExecutor) Tokenize(text string) (int, error) {
	e.w.mu.Lock()
	defer e.w.mu.Unlock()
	if e.w.model == nil {
		return 0, errors.New("llama model not initialized")
	}
	n, _, err := e.w.model.TokenizeString(text)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (e *llamaExecutor) SaveState(path string) error {
	if !e.stateful {
		return ErrStateUnsupported
	}
	return e.hist.save(path)
}

func (e *llamaExecutor) LoadState(path string) error {
	if !e.stateful {
		return ErrStateUnsupported
	}
	return e.hist.load(path)
}

func (e *llamaExecutor) Close() error { return nil }

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

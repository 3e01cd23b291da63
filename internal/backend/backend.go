// Package backend defines the contract between model instances and the
// native runtime that loads weights and generates tokens, plus the
// concrete runtimes shipped with inferd.
package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// Backend kinds accepted by New.
const (
	KindLlama       = "llama"
	KindLlamaServer = "llama-server"
)

// Weights is a resident set of model weights.
type Weights interface {
	Close() error
}

// Context is a live evaluation context whose state can be persisted.
type Context interface {
	SaveState(path string) error
	LoadState(path string) error
	Close() error
}

// Executor runs generation on a context. Stateless executors return
// ErrStateUnsupported from SaveState and LoadState.
type Executor interface {
	// InferStream generates from prompt, calling onToken for every fragment
	// until the model ends the sequence, the token budget is spent or onToken
	// returns false.
	InferStream(ctx context.Context, prompt string, p types.InferenceParams, onToken func(string) bool) error
	// Tokenize reports how many tokens text occupies.
	Tokenize(text string) (int, error)
	SaveState(path string) error
	LoadState(path string) error
	Close() error
}

// Backend creates the handles owned by one model instance.
type Backend interface {
	Name() string
	// Persistent reports whether handles should survive instance unloads,
	// e.g. because they front a long-lived server process.
	Persistent() bool
	LoadWeights(path string, p types.LoadParams) (Weights, error)
	CreateContext(w Weights, p types.LoadParams) (Context, error)
	// CreateExecutor builds an executor over w. c is nil for stateless
	// executors.
	CreateExecutor(w Weights, c Context, p types.LoadParams, stateful bool) (Executor, error)
}

// Preparer is implemented by backends that can check their runtime
// dependencies before the first load.
type Preparer interface {
	Prepare() error
}

// Config carries runtime options shared by backend constructors.
type Config struct {
	// llama-server binary and the address range for spawned processes.
	LlamaBin       string
	LlamaHost      string
	LlamaPortStart int
	LlamaPortEnd   int
	LlamaExtraArgs []string
	ReadyTimeout   time.Duration

	Logger *zerolog.Logger
}

func (c Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// LlamaBuilt reports whether the in-process llama backend was compiled in.
func LlamaBuilt() bool { return llamaBuilt }

// Resolver hands out the backend for a kind.
type Resolver interface {
	Get(kind string) (Backend, error)
}

// Registry builds backends on first use and keeps one per kind, so every
// instance of a kind shares its process table.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]Backend
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, cache: make(map[string]Backend)}
}

func (r *Registry) Get(kind string) (Backend, error) {
	kind = normalizeKind(kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.cache[kind]; ok {
		return b, nil
	}
	b, err := New(kind, r.cfg)
	if err != nil {
		return nil, err
	}
	r.cache[kind] = b
	return b, nil
}

// Close releases backends that hold process-wide resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, b := range r.cache {
		if c, ok := b.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// New constructs the backend for kind. An empty kind selects llama-server.
func New(kind string, cfg Config) (Backend, error) {
	switch normalizeKind(kind) {
	case KindLlama:
		return newLlama(cfg), nil
	case KindLlamaServer:
		return NewServer(cfg), nil
	default:
		return nil, ErrInvalidBackend(kind)
	}
}

func normalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case "":
		return KindLlamaServer
	case "llamacpp", "llama.cpp":
		return KindLlama
	case "llama_server", "server":
		return KindLlamaServer
	}
	return k
}

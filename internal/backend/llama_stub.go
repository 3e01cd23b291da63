//go:build !llama

package backend

import (
	"errors"

	"inferd/pkg/types"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = false

const llamaMissing = "llama support not built (missing 'llama' build tag)"

// Llama without the 'llama' build tag refuses to load anything, keeping
// default builds CGO-free.
type Llama struct{}

func newLlama(Config) Backend { return &Llama{} }

func (b *Llama) Name() string     { return KindLlama }
func (b *Llama) Persistent() bool { return false }

func (b *Llama) LoadWeights(string, types.LoadParams) (Weights, error) {
	return nil, ErrDependencyUnavailable(llamaMissing)
}

func (b *Llama) CreateContext(Weights, types.LoadParams) (Context, error) {
	return nil, errors.New(llamaMissing)
}

func (b *Llama) CreateExecutor(Weights, Context, types.LoadParams, bool) (Executor, error) {
	return nil, errors.New(llamaMissing)
}

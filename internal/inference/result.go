// Package inference holds the per-run result accumulator, the streaming
// token filter chain and prompt templating shared by model instances.
package inference

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"inferd/pkg/types"
)

// ResultError records a failure captured during a generation pass.
type ResultError struct {
	Type    string
	Message string
}

func (e *ResultError) Error() string { return e.Type + ": " + e.Message }

// kinder lets an error name itself for ResultError.Type.
type kinder interface{ Kind() string }

// NewResultError classifies err. The first error in the chain that reports a
// Kind names the failure; otherwise the innermost error's type name is used.
func NewResultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	var re *ResultError
	if errors.As(err, &re) {
		return &ResultError{Type: re.Type, Message: re.Message}
	}
	var k kinder
	if errors.As(err, &k) {
		return &ResultError{Type: k.Kind(), Message: err.Error()}
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return &ResultError{Type: typeName(inner), Message: err.Error()}
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if n := t.Name(); n != "" {
		return n
	}
	return t.String()
}

// Result accumulates the fragments and timings of one generation pass. It is
// written by the instance worker and may be read concurrently.
type Result struct {
	mu sync.RWMutex

	tokens       []string
	promptTokens int
	start        time.Time
	firstToken   time.Time
	prevToken    time.Time
	finished     bool
	err          *ResultError

	now func() time.Time
}

// NewResult starts a result clock at the current time.
func NewResult() *Result { return newResultWithClock(time.Now) }

func newResultWithClock(now func() time.Time) *Result {
	return &Result{start: now(), now: now}
}

// AddToken appends a fragment and updates token timestamps.
func (r *Result) AddToken(tok string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.now()
	if len(r.tokens) == 0 {
		r.firstToken = t
	}
	r.prevToken = t
	r.tokens = append(r.tokens, tok)
}

func (r *Result) SetPromptTokens(n int) {
	r.mu.Lock()
	r.promptTokens = n
	r.mu.Unlock()
}

func (r *Result) PromptTokens() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.promptTokens
}

// SetError records err; only the first error is kept.
func (r *Result) SetError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = NewResultError(err)
	}
}

// Err returns the recorded failure, or nil.
func (r *Result) Err() *ResultError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.err == nil {
		return nil
	}
	cp := *r.err
	return &cp
}

// Finish marks the result finished. It reports true only for the call that
// flipped the flag.
func (r *Result) Finish() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false
	}
	r.finished = true
	return true
}

func (r *Result) Finished() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finished
}

// Tokens returns a copy of the generated fragments.
func (r *Result) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.tokens...)
}

func (r *Result) TokenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Output is the concatenation of all fragments.
func (r *Result) Output() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return strings.Join(r.tokens, "")
}

// OutputStripped removes every antiprompt occurrence and surrounding space.
func (r *Result) OutputStripped(antiprompts []string) string {
	out := r.Output()
	for _, a := range antiprompts {
		if a != "" {
			out = strings.ReplaceAll(out, a, "")
		}
	}
	return strings.TrimSpace(out)
}

func (r *Result) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.start
}

// TimeToFirstToken is zero until a token has arrived.
func (r *Result) TimeToFirstToken() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens) == 0 {
		return 0
	}
	return r.firstToken.Sub(r.start)
}

// GenerationTime spans from start to the most recent token.
func (r *Result) GenerationTime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens) == 0 {
		return 0
	}
	return r.prevToken.Sub(r.start)
}

// TokensPerSec is GenerationTokenCount / (GenerationTime - TimeToFirstToken).
// It is 0 until at least two tokens have arrived.
func (r *Result) TokensPerSec() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.tokens) < 2 {
		return 0
	}
	d := r.prevToken.Sub(r.firstToken)
	if d <= 0 {
		return 0
	}
	return float64(len(r.tokens)) / d.Seconds()
}

// Response converts the result into the API payload.
func (r *Result) Response(instanceID string, antiprompts []string) types.InferResponse {
	resp := types.InferResponse{
		Done:         r.Finished(),
		Content:      r.OutputStripped(antiprompts),
		InstanceID:   instanceID,
		Tokens:       r.TokenCount(),
		PromptTokens: r.PromptTokens(),
		TokensPerSec: r.TokensPerSec(),
	}
	if e := r.Err(); e != nil {
		resp.Error = &types.ResultError{Type: e.Type, Message: e.Message}
	}
	return resp
}

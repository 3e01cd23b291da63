package scheduler

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/instance"
	"inferd/pkg/types"
)

// TokenPipe buffers generated fragments published by an instance worker
// until the request goroutine writes them out, so a slow client never
// blocks generation.
type TokenPipe struct {
	mu     sync.Mutex
	toks   []string
	notify chan struct{}
}

func NewTokenPipe() *TokenPipe { return &TokenPipe{notify: make(chan struct{}, 1)} }

func (p *TokenPipe) Publish(e events.Event) {
	if e.Name != events.InferenceToken {
		return
	}
	tok, _ := e.Fields["token"].(string)
	p.mu.Lock()
	p.toks = append(p.toks, tok)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Drain returns and clears the buffered fragments.
func (p *TokenPipe) Drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.toks
	p.toks = nil
	return out
}

// WriteLine writes v as one NDJSON line and flushes.
func WriteLine(w io.Writer, flush func(), v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	return nil
}

// StreamTokens writes each fragment of j as a types.StreamToken line until
// the result is finished. pipe must be the job's sink.
func (s *Scheduler) StreamTokens(ctx context.Context, j *Job, pipe *TokenPipe, w io.Writer, flush func()) (*inference.Result, error) {
	if err := s.waitStarted(ctx, j); err != nil {
		return nil, err
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		done := j.result.Finished()
		for _, tok := range pipe.Drain() {
			if err := WriteLine(w, flush, types.StreamToken{Token: tok}); err != nil {
				return j.result, err
			}
		}
		if done {
			return j.result, nil
		}
		select {
		case <-ctx.Done():
			return j.result, ctx.Err()
		case <-pipe.notify:
		case <-t.C:
		}
	}
}

// Infer runs req through the queue and writes NDJSON to w: token lines when
// req.Stream is set, then a final types.InferResponse line. Admission errors
// are returned before anything is written; generation errors are reported
// in the final line.
func (s *Scheduler) Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error {
	m, err := s.Model(req.Model)
	if err != nil {
		return err
	}
	var inst *instance.Instance
	if req.Stateful {
		inst, err = s.CreateInstance(m.ID, true, req.InstanceID)
	} else {
		inst, err = s.statelessInstance(m.ID)
	}
	if err != nil {
		return err
	}
	load, infer := req.Overrides()
	r := Request{Prompt: req.Prompt, Load: load, Infer: infer}
	var pipe *TokenPipe
	if req.Stream {
		pipe = NewTokenPipe()
		r.Sink = pipe
	}
	j, err := s.Enqueue(inst, r)
	if err != nil {
		return err
	}
	var res *inference.Result
	if pipe != nil {
		res, err = s.StreamTokens(ctx, j, pipe, w, flush)
	} else {
		res, err = s.WaitResult(ctx, j)
	}
	if err != nil {
		return err
	}
	return WriteLine(w, flush, res.Response(inst.ID(), m.Infer.Apply(infer).Antiprompts))
}

func (s *Scheduler) waitStarted(ctx context.Context, j *Job) error {
	select {
	case <-j.started:
	case <-ctx.Done():
		if s.withdraw(j) {
			rejectedTotal.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
		<-j.started
	}
	return j.err
}

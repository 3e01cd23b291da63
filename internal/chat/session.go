// Package chat runs stateful conversations on top of the scheduler. Each
// conversation state is registered under a hash of the history it holds,
// so a later request carrying the same history resumes it and only the new
// messages are sent to the backend.
package chat

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"inferd/internal/inference"
	"inferd/internal/instance"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// Scheduler is the part of the scheduler a conversation needs.
type Scheduler interface {
	Model(id string) (types.Model, error)
	HasInstance(id string) bool
	CreateInstance(modelID string, stateful bool, existingID string) (*instance.Instance, error)
	Enqueue(inst *instance.Instance, req scheduler.Request) (*scheduler.Job, error)
	WaitResult(ctx context.Context, j *scheduler.Job) (*inference.Result, error)
	StreamTokens(ctx context.Context, j *scheduler.Job, pipe *scheduler.TokenPipe, w io.Writer, flush func()) (*inference.Result, error)
	SetInstanceID(oldID, newID string) error
	Unload(id string) error
}

var _ Scheduler = (*scheduler.Scheduler)(nil)

// ErrNothingToAnswer is returned when every message is already reflected in
// a resumed state.
var ErrNothingToAnswer = errors.New("chat: no new messages")

// SessionConfig describes a conversation.
type SessionConfig struct {
	Model     string
	Seed      int64
	MaxTokens int
	Format    Formatter
	Logger    *zerolog.Logger
}

// Session is one conversation. Turns are sequential; a Session is safe for
// concurrent use but serializes callers.
type Session struct {
	mu      sync.Mutex
	svc     Scheduler
	model   types.Model
	seed    int64
	max     int
	format  Formatter
	log     zerolog.Logger
	history []types.ChatMessage
	id      string
}

// NewSession resolves the model and its effective seed.
func NewSession(svc Scheduler, cfg SessionConfig) (*Session, error) {
	m, err := svc.Model(cfg.Model)
	if err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	seed := m.Load.Seed
	if cfg.Seed != 0 {
		seed = cfg.Seed
	}
	return &Session{
		svc:    svc,
		model:  m,
		seed:   seed,
		max:    cfg.MaxTokens,
		format: cfg.Format,
		log:    log.With().Str("component", "chat").Str("model", m.ID).Logger(),
	}, nil
}

// History returns a copy of the conversation.
func (s *Session) History() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatMessage(nil), s.history...)
}

// InstanceID is the id of the state holding the conversation so far.
func (s *Session) InstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// ResolveInstanceID finds the registered state covering the longest prefix
// of history. It returns that state's id and the index of the first message
// the state does not yet hold; id is empty when nothing can be resumed.
func (s *Session) ResolveInstanceID(history []types.ChatMessage) (id string, fresh int) {
	for cut := 0; cut < len(history); cut++ {
		cand := StateInstanceID(history, cut, s.seed)
		if s.svc.HasInstance(cand) {
			return cand, len(history) - cut
		}
	}
	return "", 0
}

// Send appends msg to the conversation and generates the reply.
func (s *Session) Send(ctx context.Context, msg types.ChatMessage) (types.ChatMessage, *inference.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondAndKeep(ctx, append(append([]types.ChatMessage(nil), s.history...), msg), nil)
}

// Respond generates the next reply to history, which replaces the session's
// conversation.
func (s *Session) Respond(ctx context.Context, history []types.ChatMessage) (types.ChatMessage, *inference.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondAndKeep(ctx, history, nil)
}

// respondAndKeep runs a turn and, on success, makes history plus the reply
// the session's conversation. A failed generation keeps history without a
// reply. Caller holds s.mu.
func (s *Session) respondAndKeep(ctx context.Context, history []types.ChatMessage, out *stream) (types.ChatMessage, *inference.Result, error) {
	history = append([]types.ChatMessage(nil), history...)
	reply, res, err := s.respond(ctx, history, out)
	if err != nil {
		return reply, res, err
	}
	s.history = history
	if res.Err() == nil {
		s.history = append(s.history, reply)
	}
	return reply, res, nil
}

type stream struct {
	w     io.Writer
	flush func()
}

// respond runs one turn. Caller holds s.mu.
func (s *Session) respond(ctx context.Context, history []types.ChatMessage, out *stream) (types.ChatMessage, *inference.Result, error) {
	id, fresh := s.ResolveInstanceID(history)
	resumed := id != ""
	msgs := history[fresh:]
	if len(msgs) == 0 {
		return types.ChatMessage{}, nil, ErrNothingToAnswer
	}
	inst, err := s.svc.CreateInstance(s.model.ID, true, id)
	if err != nil {
		return types.ChatMessage{}, nil, err
	}
	p := s.format.Format(history, msgs, resumed)
	ov := p.Overrides()
	if s.max > 0 {
		n := s.max
		ov.MaxTokens = &n
	}
	seed := s.seed
	req := scheduler.Request{Prompt: p.Text, Load: &types.LoadOverrides{Seed: &seed}, Infer: ov}
	var pipe *scheduler.TokenPipe
	if out != nil {
		pipe = scheduler.NewTokenPipe()
		req.Sink = pipe
	}
	s.log.Debug().Str("instance", inst.ID()).Bool("resumed", resumed).Int("new_messages", len(msgs)).Msg("chat turn")

	j, err := s.svc.Enqueue(inst, req)
	if err != nil {
		return types.ChatMessage{}, nil, err
	}
	var res *inference.Result
	if pipe != nil {
		res, err = s.svc.StreamTokens(ctx, j, pipe, out.w, out.flush)
	} else {
		res, err = s.svc.WaitResult(ctx, j)
	}
	if err != nil {
		return types.ChatMessage{}, res, err
	}
	reply := types.ChatMessage{Role: s.format.responder(), Content: res.OutputStripped(p.Antiprompts)}
	if res.Err() != nil {
		s.id = inst.ID()
		return reply, res, nil
	}
	next := StateInstanceID(append(history, reply), 0, s.seed)
	if err := s.svc.SetInstanceID(inst.ID(), next); err != nil {
		s.log.Warn().Err(err).Str("instance", inst.ID()).Msg("re-key failed")
		s.id = inst.ID()
		return reply, res, nil
	}
	s.id = next
	return reply, res, nil
}

// Reset drops the conversation and unloads the instance holding it.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id
	s.history = nil
	s.id = ""
	if id == "" || !s.svc.HasInstance(id) {
		return nil
	}
	return s.svc.Unload(id)
}

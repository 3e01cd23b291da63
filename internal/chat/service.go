package chat

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// Service answers stateless chat requests that carry the whole history.
type Service struct {
	svc    Scheduler
	format Formatter
	log    *zerolog.Logger
}

func NewService(svc Scheduler, format Formatter, log *zerolog.Logger) *Service {
	return &Service{svc: svc, format: format, log: log}
}

// ErrEmptyConversation rejects a request without messages.
var ErrEmptyConversation = errors.New("chat: messages are required")

// Chat generates the reply to req.Messages and writes NDJSON to w: token
// lines when req.Stream is set, then a final types.InferResponse whose
// instance id names the state now holding the conversation.
func (c *Service) Chat(ctx context.Context, req types.ChatRequest, w io.Writer, flush func()) error {
	if len(req.Messages) == 0 {
		return ErrEmptyConversation
	}
	sess, err := NewSession(c.svc, SessionConfig{
		Model:     req.Model,
		Seed:      req.Seed,
		MaxTokens: req.MaxTokens,
		Format:    c.format,
		Logger:    c.log,
	})
	if err != nil {
		return err
	}
	var out *stream
	if req.Stream {
		out = &stream{w: w, flush: flush}
	}
	sess.mu.Lock()
	_, res, err := sess.respondAndKeep(ctx, req.Messages, out)
	id := sess.id
	sess.mu.Unlock()
	if err != nil {
		return err
	}
	p := c.format.Format(req.Messages, nil, false)
	return scheduler.WriteLine(w, flush, res.Response(id, p.Antiprompts))
}

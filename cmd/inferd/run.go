package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"inferd/pkg/types"
)

func newRunCmd(c *cli) *cobra.Command {
	var req types.InferRequest
	var raw bool
	cmd := &cobra.Command{
		Use:     "run [prompt...]",
		Short:   "Run one completion and print it",
		Example: "  inferd run --model tinyllama.Q4_K_M.gguf \"Write a haiku\"\n  echo hi | inferd run --stateful --instance my-session",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Prompt = strings.Join(args, " ")
			if req.Prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.Prompt = strings.TrimRight(string(b), "\n")
			}
			if strings.TrimSpace(req.Prompt) == "" {
				return fmt.Errorf("prompt is required")
			}
			req.Stream = true
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var w io.Writer = cmd.OutOrStdout()
				if !raw {
					w = &textWriter{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr()}
				}
				if err := a.sched.Infer(ctx, req, w, nil); err != nil {
					return err
				}
				if tw, ok := w.(*textWriter); ok {
					return tw.err
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Model, "model", "m", "", "Model id")
	f.BoolVar(&req.Stateful, "stateful", false, "Keep and cache the backend context")
	f.StringVar(&req.InstanceID, "instance", "", "Stateful instance id to resume")
	f.IntVar(&req.MaxTokens, "max-tokens", 0, "Maximum tokens to generate")
	f.Float32Var(&req.Temperature, "temperature", 0, "Sampling temperature")
	f.Int64Var(&req.Seed, "seed", 0, "Sampling seed")
	f.StringSliceVar(&req.Stop, "stop", nil, "Stop sequences")
	f.BoolVar(&raw, "ndjson", false, "Print the raw NDJSON stream")
	return cmd
}

// withApp builds the runtime, runs the scheduler loop for the duration of
// fn and tears everything down afterwards.
func (c *cli) withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.sched.Run(ctx) }()
	err = fn(ctx, a)
	cancel()
	<-done
	return err
}

// textWriter renders the NDJSON stream as plain text: fragments go to out
// as they arrive and the final line's stats or error go to errOut.
type textWriter struct {
	out    io.Writer
	errOut io.Writer
	buf    []byte
	err    error
}

func (t *textWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := t.buf[:idx]
		t.buf = t.buf[idx+1:]
		if err := t.line(line); err != nil {
			return len(p), err
		}
	}
}

func (t *textWriter) line(b []byte) error {
	var probe struct {
		Token *string `json:"token"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if probe.Token != nil {
		_, err := io.WriteString(t.out, *probe.Token)
		return err
	}
	var resp types.InferResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return err
	}
	fmt.Fprintln(t.out)
	if resp.Error != nil {
		t.err = fmt.Errorf("%s: %s", resp.Error.Type, resp.Error.Message)
		return nil
	}
	fmt.Fprintf(t.errOut, "[%d tokens, %d prompt tokens, %.1f tok/s", resp.Tokens, resp.PromptTokens, resp.TokensPerSec)
	if resp.InstanceID != "" {
		fmt.Fprintf(t.errOut, ", instance %s", resp.InstanceID)
	}
	fmt.Fprintln(t.errOut, "]")
	return nil
}

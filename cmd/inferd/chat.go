package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"inferd/internal/chat"
	"inferd/pkg/types"
)

func newChatCmd(c *cli) *cobra.Command {
	var cfg chat.SessionConfig
	var system, user, assistant string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a conversation on stdin; /reset starts over, /exit quits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Format = chat.Formatter{Names: map[string]string{}}
			if user != "" {
				cfg.Format.Names[chat.RoleUser] = user
			}
			if assistant != "" {
				cfg.Format.Names[chat.RoleAssistant] = assistant
			}
			logger := c.log
			cfg.Logger = &logger
			return c.withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sess, err := chat.NewSession(a.sched, cfg)
				if err != nil {
					return err
				}
				return chatLoop(ctx, cmd, sess, system)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfg.Model, "model", "m", "", "Model id")
	f.Int64Var(&cfg.Seed, "seed", 0, "Load seed; part of the conversation state id")
	f.IntVar(&cfg.MaxTokens, "max-tokens", 0, "Maximum tokens per reply")
	f.StringVar(&system, "system", "", "System message placed before the first turn")
	f.StringVar(&user, "user-name", "", "Display name for user turns")
	f.StringVar(&assistant, "assistant-name", "", "Display name for assistant turns")
	return cmd
}

func chatLoop(ctx context.Context, cmd *cobra.Command, sess *chat.Session, system string) error {
	out := cmd.OutOrStdout()
	sc := bufio.NewScanner(cmd.InOrStdin())
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		text := strings.TrimSpace(sc.Text())
		switch text {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			if err := sess.Reset(); err != nil {
				return err
			}
			fmt.Fprintln(out, "(conversation reset)")
			continue
		}
		history := sess.History()
		if len(history) == 0 && system != "" {
			history = append(history, types.ChatMessage{Role: chat.RoleSystem, Content: system})
		}
		history = append(history, types.ChatMessage{Role: chat.RoleUser, Content: text})
		reply, res, err := sess.Respond(ctx, history)
		if err != nil {
			return err
		}
		if rerr := res.Err(); rerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "generation failed: %s: %s\n", rerr.Type, rerr.Message)
			continue
		}
		fmt.Fprintln(out, reply.Content)
	}
}

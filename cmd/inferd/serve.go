package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inferd/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API",
		Example: "  inferd serve --addr :8080 --models-dir ~/models/llm",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.Addr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("INFERD_ADDR"), "HTTP listen address (defaults INFERD_ADDR or config)")
	return cmd
}

// serve runs the HTTP server, the scheduler loop and the cache sweeper
// until ctx is cancelled or a signal arrives.
func (c *cli) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := c.newApp()
	if err != nil {
		return err
	}
	defer a.close()

	httpapi.SetLogger(c.log)
	httpapi.SetMaxBodyBytes(c.cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(c.cfg.InferTimeoutSec)
	httpapi.SetCORSOptions(c.cfg.CORS.Enabled, c.cfg.CORS.Origins, c.cfg.CORS.Methods, c.cfg.CORS.Headers)

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           httpapi.NewMux(httpService{Scheduler: a.sched, Service: a.chat}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.log.Info().Str("addr", ln.Addr().String()).Int("models", len(a.models)).Msg("inferd listening")
	if c.onListen != nil {
		c.onListen(ln.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	httpapi.SetBaseContext(gctx)
	defer httpapi.SetBaseContext(nil)
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return a.cache.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	err = g.Wait()
	c.log.Info().Err(err).Msg("inferd stopped")
	return err
}

package main

import (
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"inferd/internal/backend"
	"inferd/internal/chat"
	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/internal/events"
	"inferd/internal/logging"
	"inferd/internal/promptcache"
	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/pkg/types"
)

// cli carries the process streams and the settings shared by every
// command.
type cli struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// backends replaces the backend registry built from config when set.
	backends backend.Resolver
	// onListen receives the address serve is bound to.
	onListen func(net.Addr)

	configPath   string
	logLevel     string
	logFormat    string
	modelsDir    string
	cacheDir     string
	defaultModel string

	cfg config.Config
	log zerolog.Logger
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Local model inference daemon with a conversational prompt cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", os.Getenv("INFERD_CONFIG"), "Config file (.yaml, .json or .toml; defaults INFERD_CONFIG)")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level: trace|debug|info|warn|error")
	pf.StringVar(&c.logFormat, "log-format", "", "Log format: console|json")
	pf.StringVar(&c.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	pf.StringVar(&c.cacheDir, "cache-dir", "", "Prompt cache directory")
	pf.StringVar(&c.defaultModel, "default-model", "", "Model used when a request names none")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return c.loadConfig(cmd)
	}

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newChatCmd(c),
		newModelsCmd(c),
		newCacheCmd(c),
	)
	return root
}

// loadConfig reads the config file, applies flags set on the command line
// and defaults, then builds the logger.
func (c *cli) loadConfig(cmd *cobra.Command) error {
	var cfg config.Config
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return err
		}
	}
	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("log-level", &cfg.LogLevel, c.logLevel)
	override("log-format", &cfg.LogFormat, c.logFormat)
	override("models-dir", &cfg.ModelsDir, c.modelsDir)
	override("cache-dir", &cfg.CacheDir, c.cacheDir)
	override("default-model", &cfg.DefaultModel, c.defaultModel)
	cfg = config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, c.errOut)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log
	return nil
}

// cacheManager opens the prompt cache configured for the process.
func (c *cli) cacheManager() (*promptcache.Manager, error) {
	dir, err := fsutil.ExpandHome(c.cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	return promptcache.New(promptcache.Config{
		Dir:           dir,
		MaxSizeMB:     c.cfg.MaxCacheSizeMB,
		MaxAge:        c.cfg.CacheMaxAge(),
		SweepInterval: c.cfg.CacheSweepInterval(),
		Logger:        &c.log,
	}), nil
}

// app is the wired runtime shared by serve, run and chat.
type app struct {
	models   []types.Model
	cache    *promptcache.Manager
	registry *backend.Registry
	sched    *scheduler.Scheduler
	chat     *chat.Service
}

func (c *cli) newApp() (*app, error) {
	models, err := registry.Build(c.cfg)
	if err != nil {
		return nil, err
	}
	cache, err := c.cacheManager()
	if err != nil {
		return nil, err
	}
	a := &app{models: models, cache: cache}
	resolver := c.backends
	if resolver == nil {
		a.registry = backend.NewRegistry(backend.Config{
			LlamaBin:       c.cfg.Backend.LlamaBin,
			LlamaHost:      c.cfg.Backend.Host,
			LlamaPortStart: c.cfg.Backend.PortStart,
			LlamaPortEnd:   c.cfg.Backend.PortEnd,
			LlamaExtraArgs: c.cfg.Backend.ExtraArgs,
			ReadyTimeout:   time.Duration(c.cfg.Backend.ReadyTimeoutSec) * time.Second,
			Logger:         &c.log,
		})
		resolver = a.registry
	}
	a.sched, err = scheduler.New(scheduler.Config{
		Models:        models,
		DefaultModel:  c.cfg.DefaultModel,
		Backends:      resolver,
		Cache:         cache,
		Publisher:     events.LogPublisher{Log: c.log.With().Str("component", "events").Logger()},
		Logger:        &c.log,
		MaxQueueDepth: c.cfg.MaxQueueDepth,
		IdleTimeout:   c.cfg.IdleTimeout(),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.chat = chat.NewService(a.sched, chat.Formatter{}, &c.log)
	return a, nil
}

func (a *app) close() error {
	var err error
	if a.sched != nil {
		err = a.sched.Close()
	}
	if a.registry != nil {
		if rerr := a.registry.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// httpService joins the scheduler and the chat service into the surface
// httpapi serves.
type httpService struct {
	*scheduler.Scheduler
	*chat.Service
}

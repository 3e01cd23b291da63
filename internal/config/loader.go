// Package config loads the daemon configuration from YAML, JSON or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"inferd/pkg/types"
)

// Config holds runtime parameters for the service. Zero values mean
// "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	CacheDir              string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	MaxCacheSizeMB        int    `json:"max_cache_size_mb" yaml:"max_cache_size_mb" toml:"max_cache_size_mb"`
	MaxCacheAgeMin        int    `json:"max_cache_age_min" yaml:"max_cache_age_min" toml:"max_cache_age_min"`
	CacheSweepIntervalSec int    `json:"cache_sweep_interval_sec" yaml:"cache_sweep_interval_sec" toml:"cache_sweep_interval_sec"`

	MaxQueueDepth   int   `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	IdleUnloadSec   int   `json:"idle_unload_sec" yaml:"idle_unload_sec" toml:"idle_unload_sec"`
	InferTimeoutSec int64 `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`
	MaxBodyBytes    int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	Backend BackendConfig `json:"backend" yaml:"backend" toml:"backend"`
	CORS    CORSConfig    `json:"cors" yaml:"cors" toml:"cors"`

	// Load and Infer apply to every model before its own overrides.
	Load  *types.LoadOverrides      `json:"load,omitempty" yaml:"load,omitempty" toml:"load,omitempty"`
	Infer *types.InferenceOverrides `json:"infer,omitempty" yaml:"infer,omitempty" toml:"infer,omitempty"`

	Models []ModelConfig `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`
}

// BackendConfig selects the default backend kind and configures the
// llama-server runtime.
type BackendConfig struct {
	Kind            string   `json:"kind" yaml:"kind" toml:"kind"`
	LlamaBin        string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	Host            string   `json:"host" yaml:"host" toml:"host"`
	PortStart       int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd         int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	ExtraArgs       []string `json:"extra_args,omitempty" yaml:"extra_args,omitempty" toml:"extra_args,omitempty"`
	ReadyTimeoutSec int      `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
}

type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins,omitempty" yaml:"origins,omitempty" toml:"origins,omitempty"`
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty" toml:"methods,omitempty"`
	Headers []string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
}

// ModelConfig adjusts a scanned model, or declares one outside ModelsDir
// when Path is set.
type ModelConfig struct {
	ID         string                    `json:"id" yaml:"id" toml:"id"`
	Name       string                    `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Path       string                    `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	Family     string                    `json:"family,omitempty" yaml:"family,omitempty" toml:"family,omitempty"`
	Backend    string                    `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`
	KeepLoaded bool                      `json:"keep_loaded,omitempty" yaml:"keep_loaded,omitempty" toml:"keep_loaded,omitempty"`
	Load       *types.LoadOverrides      `json:"load,omitempty" yaml:"load,omitempty" toml:"load,omitempty"`
	Infer      *types.InferenceOverrides `json:"infer,omitempty" yaml:"infer,omitempty" toml:"infer,omitempty"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Addr:                  ":8080",
		ModelsDir:             "~/models/llm",
		CacheDir:              "~/.cache/inferd/prompts",
		MaxCacheSizeMB:        2048,
		MaxCacheAgeMin:        24 * 60,
		CacheSweepIntervalSec: 60,
		MaxQueueDepth:         32,
		IdleUnloadSec:         300,
		MaxBodyBytes:          1 << 20,
		LogLevel:              "info",
		LogFormat:             "console",
		Backend: BackendConfig{
			Kind:            "llama-server",
			Host:            "127.0.0.1",
			PortStart:       18080,
			PortEnd:         18180,
			ReadyTimeoutSec: 120,
		},
		CORS: CORSConfig{
			Methods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			Headers: []string{"Content-Type", "X-Log-Level"},
		},
	}
}

// ApplyDefaults fills unset fields of cfg from Defaults.
func ApplyDefaults(cfg Config) Config {
	d := Defaults()
	setStr(&cfg.Addr, d.Addr)
	setStr(&cfg.ModelsDir, d.ModelsDir)
	setStr(&cfg.CacheDir, d.CacheDir)
	setInt(&cfg.MaxCacheSizeMB, d.MaxCacheSizeMB)
	setInt(&cfg.MaxCacheAgeMin, d.MaxCacheAgeMin)
	setInt(&cfg.CacheSweepIntervalSec, d.CacheSweepIntervalSec)
	setInt(&cfg.MaxQueueDepth, d.MaxQueueDepth)
	setInt(&cfg.IdleUnloadSec, d.IdleUnloadSec)
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	setStr(&cfg.LogLevel, d.LogLevel)
	setStr(&cfg.LogFormat, d.LogFormat)
	setStr(&cfg.Backend.Kind, d.Backend.Kind)
	setStr(&cfg.Backend.Host, d.Backend.Host)
	setInt(&cfg.Backend.PortStart, d.Backend.PortStart)
	setInt(&cfg.Backend.PortEnd, d.Backend.PortEnd)
	setInt(&cfg.Backend.ReadyTimeoutSec, d.Backend.ReadyTimeoutSec)
	if len(cfg.CORS.Methods) == 0 {
		cfg.CORS.Methods = d.CORS.Methods
	}
	if len(cfg.CORS.Headers) == 0 {
		cfg.CORS.Headers = d.CORS.Headers
	}
	return cfg
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.PortEnd < c.Backend.PortStart {
		errs = append(errs, fmt.Errorf("backend.port_end %d < port_start %d", c.Backend.PortEnd, c.Backend.PortStart))
	}
	if c.MaxQueueDepth < 0 {
		errs = append(errs, errors.New("max_queue_depth must not be negative"))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	seen := map[string]bool{}
	for i, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id is required", i))
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Errorf("models[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
	}
	return errors.Join(errs...)
}

// CacheMaxAge converts MaxCacheAgeMin. Negative disables age eviction.
func (c Config) CacheMaxAge() time.Duration {
	if c.MaxCacheAgeMin < 0 {
		return -1
	}
	return time.Duration(c.MaxCacheAgeMin) * time.Minute
}

func (c Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.CacheSweepIntervalSec) * time.Second
}

// IdleTimeout converts IdleUnloadSec. Negative disables idle unloads.
func (c Config) IdleTimeout() time.Duration {
	if c.IdleUnloadSec < 0 {
		return -1
	}
	return time.Duration(c.IdleUnloadSec) * time.Second
}

func setStr(p *string, d string) {
	if *p == "" {
		*p = d
	}
}

func setInt(p *int, d int) {
	if *p == 0 {
		*p = d
	}
}

package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

const (
	defaultReadyTimeout = 30 * time.Second
	stopGrace           = 2 * time.Second
	stderrTailBytes     = 4096
)

// Server runs each model in a llama-server subprocess and talks to it over
// HTTP. One process is kept per model path and survives instance unloads.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	client *http.Client

	mu    sync.Mutex
	procs map[string]*serverProc // key: model path
}

type serverProc struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	done    chan struct{}
	waitErr error
	stderr  *tailBuffer
}

// NewServer constructs the llama-server backend.
func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.LlamaHost) == "" {
		cfg.LlamaHost = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	// Timeout=0: every call carries its own context deadline.
	return &Server{
		cfg:    cfg,
		log:    cfg.logger().With().Str("backend", KindLlamaServer).Logger(),
		client: &http.Client{Timeout: 0},
		procs:  make(map[string]*serverProc),
	}
}

func (s *Server) Name() string     { return KindLlamaServer }
func (s *Server) Persistent() bool { return true }

type serverWeights struct {
	s       *Server
	path    string
	baseURL string
}

func (w *serverWeights) Close() error { return w.s.Stop(w.path) }

// LoadWeights starts (or reuses) the process serving path and waits until it
// answers /v1/models.
func (s *Server) LoadWeights(path string, p types.LoadParams) (Weights, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	base, err := s.ensureProcess(path, p)
	if err != nil {
		return nil, err
	}
	return &serverWeights{s: s, path: path, baseURL: base}, nil
}

// serverContext stands in for the KV cache held inside the server process.
// Its persisted form records which server produced it.
type serverContext struct{ baseURL string }

func (c *serverContext) SaveState(path string) error {
	return os.WriteFile(path, []byte(KindLlamaServer+"\n"), 0o644)
}

func (c *serverContext) LoadState(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	if strings.TrimSpace(string(b)) != KindLlamaServer {
		return fmt.Errorf("load context: state written by another backend")
	}
	return nil
}

func (c *serverContext) Close() error { return nil }

func (s *Server) CreateContext(w Weights, _ types.LoadParams) (Context, error) {
	sw, ok := w.(*serverWeights)
	if !ok || sw == nil {
		return nil, errors.New("llama-server: foreign weights handle")
	}
	return &serverContext{baseURL: sw.baseURL}, nil
}

func (s *Server) CreateExecutor(w Weights, c Context, p types.LoadParams, stateful bool) (Executor, error) {
	sw, ok := w.(*serverWeights)
	if !ok || sw == nil {
		return nil, errors.New("llama-server: foreign weights handle")
	}
	if stateful && c == nil {
		return nil, errors.New("llama-server: stateful executor needs a context")
	}
	return &serverExecutor{s: s, baseURL: sw.baseURL, seed: p.Seed, threads: p.Threads, stateful: stateful}, nil
}

type serverExecutor struct {
	s        *Server
	baseURL  string
	seed     int64
	threads  int
	stateful bool
	hist     transcript
}

// completionRequest is the payload for /v1/completions.
type completionRequest struct {
	Prompt           string   `json:"prompt"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      float32  `json:"temperature"`
	TopP             float32  `json:"top_p,omitempty"`
	TopK             int      `json:"top_k,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             int64    `json:"seed,omitempty"`
	Stream           bool     `json:"stream"`
	RepeatPenalty    float32  `json:"repeat_penalty,omitempty"`
	PresencePenalty  float32  `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32  `json:"frequency_penalty,omitempty"`
	CachePrompt      bool     `json:"cache_prompt"`
}

type streamChoice struct {
	Text  string `json:"text"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type streamResponse struct {
	Choices []streamChoice `json:"choices"`
	Content string         `json:"content"`
}

func (f streamResponse) fragment() string {
	if len(f.Choices) == 0 {
		return f.Content
	}
	if f.Choices[0].Text != "" {
		return f.Choices[0].Text
	}
	return f.Choices[0].Delta.Content
}

func (e *serverExecutor) InferStream(ctx context.Context, prompt string, p types.InferenceParams, onToken func(string) bool) error {
	full := prompt
	if e.stateful {
		full = e.hist.with(prompt)
	}
	payload := completionRequest{
		Prompt:           full,
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		TopK:             p.TopK,
		Stop:             p.Antiprompts,
		Stream:           true,
		RepeatPenalty:    p.RepeatPenalty,
		PresencePenalty:  p.PresencePenalty,
		FrequencyPenalty: p.FrequencyPenalty,
		CachePrompt:      e.stateful,
	}
	if e.seed >= 0 {
		payload.Seed = e.seed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classify("generate", fmt.Errorf("llama-server http error: %s: %s", resp.Status, strings.TrimSpace(string(b))))
	}

	var out strings.Builder
	r := bufio.NewReader(resp.Body)
	stopped := false
	for !stopped {
		line, rerr := r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(strings.ToLower(l), "data:") {
			data := strings.TrimSpace(l[len("data:"):])
			if data == "[DONE]" {
				break
			}
			var msg streamResponse
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				e.s.log.Debug().Str("line", l).Msg("unknown stream line")
			} else if frag := msg.fragment(); frag != "" {
				out.WriteString(frag)
				if !onToken(frag) {
					stopped = true
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if ctx.Err() != nil && !stopped {
				return ctx.Err()
			}
			return rerr
		}
	}
	if e.stateful {
		e.hist.append(prompt, out.String())
	}
	return nil
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

func (e *serverExecutor) Tokenize(text string) (int, error) {
	body, err := json.Marshal(tokenizeRequest{Content: text})
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("llama-server tokenize: %s", resp.Status)
	}
	var tr tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return 0, fmt.Errorf("llama-server tokenize: %w", err)
	}
	return len(tr.Tokens), nil
}

func (e *serverExecutor) SaveState(path string) error {
	if !e.stateful {
		return ErrStateUnsupported
	}
	return e.hist.save(path)
}

func (e *serverExecutor) LoadState(path string) error {
	if !e.stateful {
		return ErrStateUnsupported
	}
	return e.hist.load(path)
}

func (e *serverExecutor) Close() error { return nil }

// ensureProcess returns the base URL of a healthy process for path,
// starting one when needed.
func (s *Server) ensureProcess(path string, p types.LoadParams) (string, error) {
	s.mu.Lock()
	proc := s.procs[path]
	s.mu.Unlock()
	if proc != nil {
		if s.isHealthy(proc.baseURL, time.Second) {
			return proc.baseURL, nil
		}
		_ = s.Stop(path)
	}

	bin, err := s.resolveBin()
	if err != nil {
		return "", err
	}

	host := s.cfg.LlamaHost
	var port int
	if s.cfg.LlamaPortStart > 0 && s.cfg.LlamaPortEnd >= s.cfg.LlamaPortStart {
		port, err = pickPortInRange(host, s.cfg.LlamaPortStart, s.cfg.LlamaPortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(bin, serverArgs(path, host, port, p, s.cfg.LlamaExtraArgs)...)
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	proc = &serverProc{cmd: cmd, baseURL: baseURL, pid: cmd.Process.Pid, done: make(chan struct{}), stderr: tail}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	s.log.Info().Str("model", path).Int("pid", proc.pid).Str("url", baseURL).Msg("llama-server start")

	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	for {
		select {
		case <-proc.done:
			s.log.Warn().Str("model", path).Int("pid", proc.pid).AnErr("exit", proc.waitErr).Msg("llama-server exited before ready")
			return "", classify("load", fmt.Errorf("llama-server exited before ready: %v; stderr tail: %s", proc.waitErr, tail.String()))
		default:
		}
		if s.isHealthy(baseURL, time.Second) {
			break
		}
		if time.Now().After(deadline) {
			_ = proc.cmd.Process.Kill()
			<-proc.done
			s.log.Warn().Str("model", path).Int("pid", proc.pid).Msg("llama-server ready timeout")
			return "", fmt.Errorf("llama-server not ready in time: %s", baseURL)
		}
		time.Sleep(100 * time.Millisecond)
	}
	s.mu.Lock()
	s.procs[path] = proc
	s.mu.Unlock()
	s.log.Info().Str("model", path).Int("pid", proc.pid).Msg("llama-server ready")
	return baseURL, nil
}

func serverArgs(path, host string, port int, p types.LoadParams, extra []string) []string {
	args := []string{"-m", path, "--host", host, "--port", strconv.Itoa(port)}
	if p.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(p.ContextSize))
	}
	if p.BatchSize > 0 {
		args = append(args, "-b", strconv.Itoa(p.BatchSize))
	}
	if p.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(p.GPULayers))
	}
	if p.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(p.Threads))
	}
	if p.RopeFreqBase > 0 {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(float64(p.RopeFreqBase), 'f', -1, 32))
	}
	if p.RopeFreqScale > 0 {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(float64(p.RopeFreqScale), 'f', -1, 32))
	}
	if p.MLock {
		args = append(args, "--mlock")
	}
	if !p.MMap {
		args = append(args, "--no-mmap")
	}
	return append(args, extra...)
}

// isHealthy checks if the llama-server at baseURL responds OK to /v1/models.
func (s *Server) isHealthy(baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// PID returns the process id serving path, or 0.
func (s *Server) PID(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.procs[path]; p != nil {
		return p.pid
	}
	return 0
}

// Stop terminates the process serving path: SIGTERM first, kill after a
// grace period.
func (s *Server) Stop(path string) error {
	s.mu.Lock()
	p := s.procs[path]
	delete(s.procs, path)
	s.mu.Unlock()
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	s.log.Info().Str("model", path).Int("pid", p.pid).Msg("llama-server stop")
	return nil
}

// Close stops every managed process.
func (s *Server) Close() error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.procs))
	for k := range s.procs {
		paths = append(paths, k)
	}
	s.mu.Unlock()
	for _, p := range paths {
		_ = s.Stop(p)
	}
	return nil
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Prepare checks that a llama-server binary can be found.
func (s *Server) Prepare() error {
	_, err := s.resolveBin()
	return err
}

func (s *Server) resolveBin() (string, error) {
	bin := strings.TrimSpace(s.cfg.LlamaBin)
	if bin == "" {
		bin = discoverLlamaBin()
	}
	if bin == "" {
		return "", ErrDependencyUnavailable("llama-server not found: set llama_bin or install llama.cpp")
	}
	if fi, err := os.Stat(bin); err != nil || fi.IsDir() {
		return "", ErrDependencyUnavailable(fmt.Sprintf("llama-server not found or not a file: %s", bin))
	}
	return bin, nil
}

// discoverLlamaBin looks for llama-server in PATH and a few common install
// locations.
func discoverLlamaBin() string {
	if lp, err := exec.LookPath("llama-server"); err == nil {
		return lp
	}
	for _, p := range []string{"/usr/local/bin/llama-server", "/opt/homebrew/bin/llama-server"} {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p
		}
	}
	return ""
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

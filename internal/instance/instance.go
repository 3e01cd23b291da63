// Package instance implements the model instance state machine:
//
//	Setup -> LoadModel -> InferenceRunning -> UnloadModel -> InferenceFinished -> LoadModel ...
//
// Each instance owns its backend handles and runs load, generation and
// unload on a dedicated worker goroutine. Callers observe progress through
// Running, the Result and the published events.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/promptcache"
	"inferd/pkg/types"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	maxHistory          = 256
)

// Config describes a new instance.
type Config struct {
	ID       string
	Model    types.Model
	Stateful bool
	Backend  backend.Backend
	// Cache persists stateful contexts between runs; nil disables it.
	Cache     *promptcache.Manager
	Publisher events.Publisher
	Logger    *zerolog.Logger
	// PollInterval is the Wait polling period.
	PollInterval time.Duration
}

// Instance is one model instance. Its methods are safe for concurrent use.
type Instance struct {
	model    types.Model
	stateful bool
	be       backend.Backend
	cache    *promptcache.Manager
	pub      events.Publisher
	log      zerolog.Logger
	poll     time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	work    chan *run
	done    chan struct{}

	startMu sync.Mutex // serializes StartInference and Close

	mu         sync.RWMutex
	id         string
	state      State
	history    []State
	running    bool
	firstRun   bool
	closed     bool
	persistent bool
	exclude    bool
	setupErr   error
	prompt     string
	line       string
	result     *inference.Result
	lastUsed   time.Time

	// Backend handles and conversation bookkeeping. Owned by the worker
	// while a run is active; touched by Unload/Close only when idle.
	weights    backend.Weights
	bctx       backend.Context
	exec       backend.Executor
	store      *promptcache.Store
	loaded     types.LoadParams
	transcript string
	synced     bool
}

// run is one StartInference request travelling through the phases.
type run struct {
	prompt  string
	loadOv  *types.LoadOverrides
	inferOv *types.InferenceOverrides
	sink    events.Publisher

	load    types.LoadParams
	infer   types.InferenceParams
	result  *inference.Result
	loadErr error
	genErr  error
}

// New creates an instance in Setup and starts its worker.
func New(cfg Config) (*Instance, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("instance: nil backend for model %s", cfg.Model.ID)
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("instance: empty id for model %s", cfg.Model.ID)
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		id:       cfg.ID,
		model:    cfg.Model,
		stateful: cfg.Stateful,
		be:       cfg.Backend,
		cache:    cfg.Cache,
		pub:      events.OrNoop(cfg.Publisher),
		log:      log.With().Str("component", "instance").Str("model", cfg.Model.ID).Logger(),
		poll:     poll,
		baseCtx:  ctx,
		cancel:   cancel,
		work:     make(chan *run, 1),
		done:     make(chan struct{}),
		state:    Setup,
		history:  []State{Setup},
		firstRun: true,
		lastUsed: time.Now(),
	}
	transitionsTotal.WithLabelValues(Setup.String()).Inc()
	enterSetup(i, nil)
	go i.loop()
	return i, nil
}

// StartInference begins a run on the worker and returns immediately with
// the run's result, which is finished once the run completes.
func (i *Instance) StartInference(prompt string, load *types.LoadOverrides, infer *types.InferenceOverrides, sink events.Publisher) (*inference.Result, error) {
	i.startMu.Lock()
	defer i.startMu.Unlock()

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	if i.running {
		i.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r := &run{prompt: prompt, loadOv: load, inferOv: infer, sink: sink, result: inference.NewResult()}
	i.running = true
	i.result = r.result
	i.line = ""
	i.lastUsed = time.Now()
	i.mu.Unlock()

	i.transition(LoadModel, r)
	return r.result, nil
}

// transition moves to the next state, panicking on an illegal edge, and
// runs the entered state's enter function.
func (i *Instance) transition(to State, r *run) {
	i.mu.Lock()
	from := i.state
	if !CanTransition(from, to) {
		i.mu.Unlock()
		panic(fmt.Sprintf("instance %s: illegal transition %s -> %s", i.ID(), from, to))
	}
	i.state = to
	i.history = append(i.history, to)
	if len(i.history) > maxHistory {
		i.history = append([]State(nil), i.history[len(i.history)-maxHistory:]...)
	}
	i.mu.Unlock()
	transitionsTotal.WithLabelValues(to.String()).Inc()
	i.log.Trace().Str("instance", i.ID()).Stringer("from", from).Stringer("to", to).Msg("transition")
	if p := phases[to]; p.enter != nil {
		p.enter(i, r)
	}
}

func (i *Instance) loop() {
	defer close(i.done)
	for r := range i.work {
		state := LoadModel
		for state != InferenceFinished {
			next := phases[state].update(i, r)
			i.transition(next, r)
			state = next
		}
	}
}

// publish sends ev to the instance publisher and the run's sink.
func (i *Instance) publish(r *run, name string, fields map[string]any) {
	ev := events.Event{Name: name, ModelID: i.model.ID, InstanceID: i.ID(), Fields: fields}
	i.pub.Publish(ev)
	if r != nil && r.sink != nil {
		r.sink.Publish(ev)
	}
}

// Wait polls until the current result is finished or ctx is done.
func (i *Instance) Wait(ctx context.Context) (*inference.Result, error) {
	t := time.NewTicker(i.poll)
	defer t.Stop()
	for {
		if r := i.Result(); r != nil && r.Finished() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return i.Result(), ctx.Err()
		case <-t.C:
		}
	}
}

func (i *Instance) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.id
}

// SetID re-keys the instance. The registry owner is responsible for
// updating its own index.
func (i *Instance) SetID(id string) {
	i.mu.Lock()
	i.id = id
	i.mu.Unlock()
}

func (i *Instance) Model() types.Model { return i.model }
func (i *Instance) Stateful() bool     { return i.stateful }

func (i *Instance) Running() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

func (i *Instance) IsFirstRun() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.firstRun
}

// Prompt is the formatted prompt of the latest run.
func (i *Instance) Prompt() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.prompt
}

// CurrentLine is the partial output line being generated.
func (i *Instance) CurrentLine() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.line
}

// Result is the result of the latest run, or nil before the first run and
// after ResetResult.
func (i *Instance) Result() *inference.Result {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.result
}

// ResetResult drops the previous run's result.
func (i *Instance) ResetResult() {
	i.mu.Lock()
	if !i.running {
		i.result = nil
	}
	i.mu.Unlock()
}

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// States returns the entered states, oldest first.
func (i *Instance) States() []State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]State(nil), i.history...)
}

// Persistent reports whether backend handles survive unloads.
func (i *Instance) Persistent() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.persistent
}

// Loaded reports whether backend handles are resident.
func (i *Instance) Loaded() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.weights != nil
}

func (i *Instance) LastUsed() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastUsed
}

// Exclude protects the instance from idle unloading.
func (i *Instance) Exclude() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.exclude
}

func (i *Instance) SetExclude(v bool) {
	i.mu.Lock()
	i.exclude = v
	i.mu.Unlock()
}

// Transcript is the text the instance's context represents once resumed:
// every prompt and raw output of its stateful runs.
func (i *Instance) Transcript() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.transcript
}

// Unload releases resident backend handles of an idle instance, including
// persistent ones. It reports whether anything was released.
func (i *Instance) Unload() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running || i.weights == nil {
		return false
	}
	i.releaseLocked()
	return true
}

// Close stops the worker and releases every handle. A run in progress is
// cancelled through its context.
func (i *Instance) Close() error {
	i.startMu.Lock()
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		i.startMu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()
	i.cancel()
	close(i.work)
	i.startMu.Unlock()

	<-i.done
	i.mu.Lock()
	i.releaseLocked()
	i.mu.Unlock()
	return nil
}

// releaseLocked closes handles in reverse creation order. Safe to call
// repeatedly. Caller holds i.mu.
func (i *Instance) releaseLocked() {
	i.releaseStateLocked()
	if i.weights != nil {
		if err := i.weights.Close(); err != nil {
			i.log.Warn().Err(err).Msg("weights close failed")
		}
		i.weights = nil
	}
}

// releaseStateLocked closes the executor and context but keeps the weights
// resident. Caller holds i.mu.
func (i *Instance) releaseStateLocked() {
	if i.exec != nil {
		if err := i.exec.Close(); err != nil {
			i.log.Warn().Err(err).Msg("executor close failed")
		}
		i.exec = nil
	}
	if i.bctx != nil {
		if err := i.bctx.Close(); err != nil {
			i.log.Warn().Err(err).Msg("context close failed")
		}
		i.bctx = nil
	}
	i.synced = false
}

// lineSplit separates completed lines from the trailing partial line.
func lineSplit(partial, tok string) (lines []string, rest string) {
	s := partial + tok
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			return lines, s
		}
		lines = append(lines, s[:idx])
		s = s[idx+1:]
	}
}

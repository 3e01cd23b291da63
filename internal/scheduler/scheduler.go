// Package scheduler owns the model instances of a process and admits work
// to them one request at a time: requests queue FIFO and a dispatch tick
// starts the head request only while no instance is running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/instance"
	"inferd/internal/promptcache"
	"inferd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultTickInterval  = 100 * time.Millisecond
	defaultPollInterval  = 100 * time.Millisecond
	defaultIdleTimeout   = 5 * time.Minute
	defaultDrainTimeout  = 30 * time.Second
)

// Config encapsulates all tunables for Scheduler construction.
type Config struct {
	Models       []types.Model
	DefaultModel string
	Backends     backend.Resolver
	// Cache backs stateful instances; nil runs them without persistence.
	Cache     *promptcache.Manager
	Publisher events.Publisher
	Logger    *zerolog.Logger

	MaxQueueDepth int
	TickInterval  time.Duration
	PollInterval  time.Duration
	// IdleTimeout releases resident handles of idle instances. Negative
	// disables idle unloading.
	IdleTimeout  time.Duration
	DrainTimeout time.Duration
}

// Request is one queued generation.
type Request struct {
	Prompt string
	Load   *types.LoadOverrides
	Infer  *types.InferenceOverrides
	// Sink receives this request's events in addition to the scheduler
	// publisher.
	Sink events.Publisher
}

// Job tracks a queued request until its result is finished.
type Job struct {
	inst     *instance.Instance
	req      Request
	enqueued time.Time

	started chan struct{}
	result  *inference.Result
	err     error
}

// Instance is the instance the job runs on.
func (j *Job) Instance() *instance.Instance { return j.inst }

// Result is nil until the job has been dispatched.
func (j *Job) Result() *inference.Result {
	select {
	case <-j.started:
		return j.result
	default:
		return nil
	}
}

type Scheduler struct {
	dispatchMu sync.Mutex // serializes Tick

	mu           sync.Mutex
	models       map[string]types.Model
	order        []string
	defaultModel string
	backends     backend.Resolver
	cache        *promptcache.Manager
	pub          events.Publisher
	log          zerolog.Logger

	instances map[string]*instance.Instance
	// stateless holds the shared stateless instance of each model.
	stateless map[string]*instance.Instance
	// closing holds instances removed by Unload whose Close has not
	// returned; a generation may still be running on them.
	closing map[*instance.Instance]struct{}
	queue     []*Job
	closed    bool
	lastErr   string

	maxQueue int
	tick     time.Duration
	poll     time.Duration
	idle     time.Duration
	drain    time.Duration
	start    time.Time

	dispatched atomic.Uint64
	unloads    atomic.Uint64
}

// New validates the model definitions and constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Backends == nil {
		return nil, errors.New("scheduler: nil backend resolver")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	s := &Scheduler{
		models:       make(map[string]types.Model, len(cfg.Models)),
		defaultModel: cfg.DefaultModel,
		backends:     cfg.Backends,
		cache:        cfg.Cache,
		pub:          events.OrNoop(cfg.Publisher),
		log:          log.With().Str("component", "scheduler").Logger(),
		instances:    make(map[string]*instance.Instance),
		stateless:    make(map[string]*instance.Instance),
		closing:      make(map[*instance.Instance]struct{}),
		maxQueue:     orDefault(cfg.MaxQueueDepth, defaultMaxQueueDepth),
		tick:         orDefaultDur(cfg.TickInterval, defaultTickInterval),
		poll:         orDefaultDur(cfg.PollInterval, defaultPollInterval),
		idle:         cfg.IdleTimeout,
		drain:        orDefaultDur(cfg.DrainTimeout, defaultDrainTimeout),
		start:        time.Now(),
	}
	if s.idle == 0 {
		s.idle = defaultIdleTimeout
	}
	for _, m := range cfg.Models {
		if err := validateModel(m); err != nil {
			return nil, err
		}
		if _, dup := s.models[m.ID]; dup {
			return nil, ErrInvalidModelDefinition("duplicate model id " + m.ID)
		}
		s.models[m.ID] = m
		s.order = append(s.order, m.ID)
	}
	switch {
	case s.defaultModel != "":
		if _, ok := s.models[s.defaultModel]; !ok {
			return nil, ErrModelNotFound(s.defaultModel)
		}
	case len(s.order) == 1:
		// A lone model serves requests that name none.
		s.defaultModel = s.order[0]
	}
	return s, nil
}

func validateModel(m types.Model) error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return ErrInvalidModelDefinition("empty id")
	case strings.ContainsAny(m.ID, `/\`):
		return ErrInvalidModelDefinition(fmt.Sprintf("id %q contains a path separator", m.ID))
	case strings.TrimSpace(m.Path) == "":
		return ErrInvalidModelDefinition(fmt.Sprintf("model %s has no path", m.ID))
	case m.Load.ContextSize < 0 || m.Infer.MaxTokens < 0:
		return ErrInvalidModelDefinition(fmt.Sprintf("model %s has negative limits", m.ID))
	}
	return nil
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDur(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// Model resolves id, falling back to the default model for "".
func (s *Scheduler) Model(id string) (types.Model, error) {
	if id == "" {
		id = s.defaultModel
		if id == "" {
			return types.Model{}, ErrModelNotFound("(unspecified)")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return types.Model{}, ErrModelNotFound(id)
	}
	return m, nil
}

// ListModels returns a copy of the registry in definition order.
func (s *Scheduler) ListModels() []types.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Model, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.models[id])
	}
	return out
}

// Ready reports whether the scheduler can accept work.
func (s *Scheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && len(s.models) > 0
}

// CreateInstance returns the instance registered under existingID with its
// previous result cleared, or builds and registers a new one. A new instance
// takes existingID as its id when given, otherwise a random one.
func (s *Scheduler) CreateInstance(modelID string, stateful bool, existingID string) (*instance.Instance, error) {
	m, err := s.Model(modelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if existingID != "" {
		if inst := s.instances[existingID]; inst != nil {
			s.mu.Unlock()
			if inst.Model().ID != m.ID {
				return nil, ErrInvalidModelDefinition(fmt.Sprintf("instance %s serves %s, not %s", existingID, inst.Model().ID, m.ID))
			}
			inst.ResetResult()
			return inst, nil
		}
	}
	s.mu.Unlock()

	inst, err := s.newInstance(m, stateful, existingID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.instances[inst.ID()]; prev != nil {
		// Lost a race with a concurrent create for the same id.
		_ = inst.Close()
		prev.ResetResult()
		return prev, nil
	}
	s.instances[inst.ID()] = inst
	instancesGauge.Set(float64(len(s.instances)))
	return inst, nil
}

func (s *Scheduler) newInstance(m types.Model, stateful bool, id string) (*instance.Instance, error) {
	be, err := s.backends.Get(m.Backend)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	cfg := instance.Config{
		ID:           id,
		Model:        m,
		Stateful:     stateful,
		Backend:      be,
		Publisher:    s.pub,
		Logger:       &s.log,
		PollInterval: s.poll,
	}
	if stateful {
		cfg.Cache = s.cache
	}
	inst, err := instance.New(cfg)
	if err != nil {
		return nil, err
	}
	inst.SetExclude(m.KeepLoaded)
	s.log.Debug().Str("instance", id).Str("model", m.ID).Bool("stateful", stateful).Msg("instance created")
	return inst, nil
}

// statelessInstance returns the shared stateless instance of a model.
func (s *Scheduler) statelessInstance(modelID string) (*instance.Instance, error) {
	m, err := s.Model(modelID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	inst := s.stateless[m.ID]
	s.mu.Unlock()
	if inst != nil {
		return inst, nil
	}
	inst, err = s.CreateInstance(m.ID, false, "")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.stateless[m.ID]; prev != nil {
		s.removeLocked(inst)
		go inst.Close()
		return prev, nil
	}
	s.stateless[m.ID] = inst
	return inst, nil
}

// HasInstance reports whether id is registered.
func (s *Scheduler) HasInstance(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[id]
	return ok
}

// Instance looks up a registered instance.
func (s *Scheduler) Instance(id string) (*instance.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// SetInstanceID re-keys an instance. The old key is removed; newID must not
// belong to a different instance.
func (s *Scheduler) SetInstanceID(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst := s.instances[oldID]
	if inst == nil {
		return ErrInstanceNotFound(oldID)
	}
	if other := s.instances[newID]; other != nil && other != inst {
		return fmt.Errorf("set instance id: %s already registered", newID)
	}
	delete(s.instances, oldID)
	inst.SetID(newID)
	s.instances[newID] = inst
	return nil
}

// Enqueue appends a request for inst to the FIFO queue. Execution starts on
// a later Tick.
func (s *Scheduler) Enqueue(inst *instance.Instance, req Request) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(s.queue) >= s.maxQueue {
		rejectedTotal.WithLabelValues("queue_full").Inc()
		return nil, tooBusyError{modelID: inst.Model().ID}
	}
	j := &Job{inst: inst, req: req, enqueued: time.Now(), started: make(chan struct{})}
	s.queue = append(s.queue, j)
	queueDepth.Set(float64(len(s.queue)))
	return j, nil
}

// Tick dispatches the head of the queue when no instance is running. It
// reports whether a request was started.
func (s *Scheduler) Tick() bool {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.mu.Lock()
	if len(s.queue) == 0 || s.runningLocked() != nil {
		s.mu.Unlock()
		return false
	}
	j := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	queueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	res, err := j.inst.StartInference(j.req.Prompt, j.req.Load, j.req.Infer, j.req.Sink)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.log.Error().Err(err).Str("instance", j.inst.ID()).Msg("dispatch failed")
		j.err = err
		close(j.started)
		return false
	}
	j.result = res
	close(j.started)
	s.dispatched.Add(1)
	dispatchedTotal.WithLabelValues(j.inst.Model().ID).Inc()
	queueWait.Observe(time.Since(j.enqueued).Seconds())
	s.log.Debug().Str("instance", j.inst.ID()).Dur("queued", time.Since(j.enqueued)).Msg("dispatch")
	return true
}

// runningLocked returns the running instance, if any. Caller holds s.mu.
func (s *Scheduler) runningLocked() *instance.Instance {
	for _, inst := range s.instances {
		if inst.Running() {
			return inst
		}
	}
	for inst := range s.closing {
		if inst.Running() {
			return inst
		}
	}
	return nil
}

// Run ticks the dispatcher and the idle sweep until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
			s.unloadIdle(time.Now())
		}
	}
}

// unloadIdle releases handles of loaded, idle, non-excluded instances.
func (s *Scheduler) unloadIdle(now time.Time) int {
	if s.idle < 0 {
		return 0
	}
	s.mu.Lock()
	var idle []*instance.Instance
	for _, inst := range s.instances {
		if inst.Loaded() && !inst.Running() && !inst.Exclude() && !s.queuedLocked(inst) && now.Sub(inst.LastUsed()) >= s.idle {
			idle = append(idle, inst)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, inst := range idle {
		if inst.Unload() {
			n++
			s.unloads.Add(1)
			idleUnloadsTotal.Inc()
			s.log.Info().Str("instance", inst.ID()).Str("model", inst.Model().ID).Msg("idle unload")
		}
	}
	return n
}

func (s *Scheduler) queuedLocked(inst *instance.Instance) bool {
	for _, j := range s.queue {
		if j.inst == inst {
			return true
		}
	}
	return false
}

// WaitResult blocks until j has run to completion, polling its result. If
// ctx ends while j is still queued, j is withdrawn.
func (s *Scheduler) WaitResult(ctx context.Context, j *Job) (*inference.Result, error) {
	if err := s.waitStarted(ctx, j); err != nil {
		return nil, err
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for !j.result.Finished() {
		select {
		case <-ctx.Done():
			return j.result, ctx.Err()
		case <-t.C:
		}
	}
	return j.result, nil
}

func (s *Scheduler) withdraw(j *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			queueDepth.Set(float64(len(s.queue)))
			return true
		}
	}
	return false
}

// Unload drains and closes the instance registered as id. When id names a
// model, every instance of that model is unloaded.
func (s *Scheduler) Unload(id string) error {
	if id == "" {
		return ErrModelNotFound("(unspecified)")
	}
	s.mu.Lock()
	var targets []*instance.Instance
	if inst := s.instances[id]; inst != nil {
		targets = append(targets, inst)
	} else if _, ok := s.models[id]; ok {
		for _, inst := range s.instances {
			if inst.Model().ID == id {
				targets = append(targets, inst)
			}
		}
	} else {
		s.mu.Unlock()
		return ErrInstanceNotFound(id)
	}
	s.mu.Unlock()

	for _, inst := range targets {
		s.pub.Publish(events.Event{Name: "unload_start", ModelID: inst.Model().ID, InstanceID: inst.ID()})
		deadline := time.Now().Add(s.drain)
		for inst.Running() || s.isQueued(inst) {
			if time.Now().After(deadline) {
				s.pub.Publish(events.Event{Name: "unload_timeout", ModelID: inst.Model().ID, InstanceID: inst.ID()})
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		s.mu.Lock()
		s.removeLocked(inst)
		s.closing[inst] = struct{}{}
		s.mu.Unlock()
		if err := inst.Close(); err != nil {
			s.log.Warn().Err(err).Str("instance", inst.ID()).Msg("close failed")
		}
		s.mu.Lock()
		delete(s.closing, inst)
		s.mu.Unlock()
		s.unloads.Add(1)
		s.pub.Publish(events.Event{Name: "unload_done", ModelID: inst.Model().ID, InstanceID: inst.ID()})
	}
	return nil
}

func (s *Scheduler) isQueued(inst *instance.Instance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked(inst)
}

// removeLocked drops inst from every index. Caller holds s.mu.
func (s *Scheduler) removeLocked(inst *instance.Instance) {
	for id, v := range s.instances {
		if v == inst {
			delete(s.instances, id)
		}
	}
	for id, v := range s.stateless {
		if v == inst {
			delete(s.stateless, id)
		}
	}
	instancesGauge.Set(float64(len(s.instances)))
}

// PurgeCache removes the prompt-cache namespaces of a model.
func (s *Scheduler) PurgeCache(modelID string) (int, error) {
	m, err := s.Model(modelID)
	if err != nil {
		return 0, err
	}
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.PurgeModel(m.ID)
}

// Close rejects new work, fails queued jobs and closes every instance.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queue := s.queue
	s.queue = nil
	insts := make([]*instance.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.instances = map[string]*instance.Instance{}
	s.stateless = map[string]*instance.Instance{}
	s.mu.Unlock()
	queueDepth.Set(0)
	instancesGauge.Set(0)

	for _, j := range queue {
		j.err = ErrClosed
		close(j.started)
	}
	var errs []error
	for _, inst := range insts {
		errs = append(errs, inst.Close())
	}
	return errors.Join(errs...)
}

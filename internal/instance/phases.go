package instance

import (
	"errors"
	"strings"
	"time"

	"inferd/internal/backend"
	"inferd/internal/events"
	"inferd/internal/inference"
	"inferd/internal/promptcache"
	"inferd/pkg/types"
)

// phase holds the per-state behaviour. enter runs on the goroutine that
// performed the transition; update runs on the instance worker and returns
// the next state.
type phase struct {
	enter  func(*Instance, *run)
	update func(*Instance, *run) State
}

var phases = map[State]phase{
	Setup:             {enter: enterSetup},
	LoadModel:         {enter: enterLoadModel, update: updateLoadModel},
	InferenceRunning:  {enter: enterInferenceRunning, update: updateInferenceRunning},
	UnloadModel:       {update: updateUnloadModel},
	InferenceFinished: {enter: enterInferenceFinished},
}

func enterSetup(i *Instance, _ *run) {
	i.persistent = i.be.Persistent() || i.model.KeepLoaded
	if p, ok := i.be.(backend.Preparer); ok {
		if err := p.Prepare(); err != nil {
			i.setupErr = err
			i.log.Warn().Err(err).Str("backend", i.be.Name()).Msg("backend not ready")
		}
	}
}

func enterLoadModel(i *Instance, r *run) {
	r.load = i.model.Load.Apply(r.loadOv)
	r.infer = i.model.Infer.Apply(r.inferOv)
	i.work <- r
}

func updateLoadModel(i *Instance, r *run) State {
	start := time.Now()
	i.publish(r, events.ModelLoadStart, map[string]any{"backend": i.be.Name(), "stateful": i.stateful})
	err := i.ensureLoaded(r.load)
	d := time.Since(start)
	loadDuration.WithLabelValues(i.model.ID).Observe(d.Seconds())
	fields := map[string]any{"duration_ms": d.Milliseconds()}
	if err != nil {
		r.loadErr = err
		r.result.SetError(err)
		fields["error"] = err.Error()
		i.log.Error().Err(err).Str("instance", i.ID()).Msg("load failed")
	}
	i.publish(r, events.ModelLoadFinished, fields)
	return InferenceRunning
}

// ensureLoaded creates whatever handles are missing for p. Resident handles
// built for different load parameters are released first.
func (i *Instance) ensureLoaded(p types.LoadParams) error {
	if i.setupErr != nil {
		return i.setupErr
	}
	i.mu.Lock()
	if i.weights != nil && needsReload(i.loaded, p) {
		i.log.Debug().Str("instance", i.id).Msg("load parameters changed, reloading")
		i.releaseLocked()
	}
	resident := i.weights != nil
	i.mu.Unlock()

	if !resident {
		if err := i.loadWeights(p); err != nil {
			return err
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stateful {
		if i.cache != nil && i.store == nil {
			i.store = i.cache.Store(promptcache.StateID(i.model.ID, i.model.ContentHash, p.ContextSize, p.RopeFreqBase, p.RopeFreqScale))
		}
		if i.bctx == nil {
			c, err := i.be.CreateContext(i.weights, p)
			if err != nil {
				return err
			}
			i.bctx = c
			i.synced = false
		}
	}
	if i.exec == nil {
		var c backend.Context
		if i.stateful {
			c = i.bctx
		}
		e, err := i.be.CreateExecutor(i.weights, c, p, i.stateful)
		if err != nil {
			return err
		}
		i.exec = e
	}
	return nil
}

func (i *Instance) loadWeights(p types.LoadParams) error {
	i.mu.RLock()
	resident := i.weights != nil
	i.mu.RUnlock()
	if resident {
		return ErrWeightsAlreadyLoaded
	}
	w, err := i.be.LoadWeights(i.model.Path, p)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.weights = w
	i.loaded = p
	if i.store != nil && i.store.StateID() != promptcache.StateID(i.model.ID, i.model.ContentHash, p.ContextSize, p.RopeFreqBase, p.RopeFreqScale) {
		i.store = nil
	}
	i.mu.Unlock()
	return nil
}

// needsReload reports whether resident handles were built with parameters
// that change the shape of the loaded model.
func needsReload(have, want types.LoadParams) bool {
	return have.ContextSize != want.ContextSize ||
		have.BatchSize != want.BatchSize ||
		have.GPULayers != want.GPULayers ||
		have.RopeFreqBase != want.RopeFreqBase ||
		have.RopeFreqScale != want.RopeFreqScale ||
		have.MMap != want.MMap ||
		have.MLock != want.MLock
}

func enterInferenceRunning(i *Instance, r *run) {
	i.publish(r, events.InferenceStart, map[string]any{"stateful": i.stateful})
}

func updateInferenceRunning(i *Instance, r *run) State {
	if r.loadErr != nil {
		return UnloadModel
	}
	if err := i.generate(r); err != nil {
		r.genErr = err
		r.result.SetError(err)
		i.log.Warn().Err(err).Str("instance", i.ID()).Msg("generation failed")
	}
	return UnloadModel
}

// generate runs one generation pass. Backend panics are returned as
// PanicError.
func (i *Instance) generate(r *run) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
		if err != nil {
			i.mu.Lock()
			i.synced = false
			i.mu.Unlock()
		}
	}()

	prompt := inference.FormatPrompt(r.infer, r.prompt)
	i.mu.Lock()
	i.prompt = prompt
	query, send := prompt, prompt
	if i.stateful {
		query = i.transcript + prompt
		if !i.synced {
			send = query
		}
	}
	lookup := i.stateful && !i.synced && i.store != nil
	i.mu.Unlock()

	if lookup {
		if delta, ok := i.store.Lookup(query, r.infer.InputPrefix, r.infer.InputSuffix, i.bctx, i.exec); ok {
			send = delta
		}
	}

	if err := i.checkLength(query, r.infer, r.load); err != nil {
		return err
	}
	n, err := i.exec.Tokenize(send)
	if err != nil {
		return err
	}
	r.result.SetPromptTokens(n)

	chain := inference.NewChain(inference.StripLeadingSpace{})
	if len(r.infer.Antiprompts) > 0 {
		chain.Add(inference.StripAntiprompt{Antiprompts: r.infer.Antiprompts})
	}
	var raw strings.Builder
	count := 0
	onToken := func(frag string) bool {
		if frag == "" {
			return false
		}
		raw.WriteString(frag)
		count++
		out, _ := chain.Process(frag)
		i.emit(r, out)
		if hasStop(raw.String(), len(frag), r.infer.Antiprompts) {
			return false
		}
		return r.infer.MaxTokens <= 0 || count < r.infer.MaxTokens
	}
	genErr := i.exec.InferStream(i.baseCtx, send, r.infer, onToken)
	i.emit(r, chain.Flush())
	i.flushLine(r)
	if genErr != nil {
		return genErr
	}

	if i.stateful {
		// The transcript records the reply as callers re-render it, so a
		// later query built from the conversation prefix-matches the saved
		// prompt.
		i.mu.Lock()
		i.transcript = query + r.result.OutputStripped(r.infer.Antiprompts)
		i.synced = true
		i.mu.Unlock()
	}
	return nil
}

// checkLength fails when query would not leave room for the completion.
func (i *Instance) checkLength(query string, ip types.InferenceParams, lp types.LoadParams) error {
	if lp.ContextSize <= 0 {
		return nil
	}
	n, err := i.exec.Tokenize(query)
	if err != nil {
		return err
	}
	limit := lp.ContextSize
	if ip.MaxTokens > 0 {
		limit -= ip.MaxTokens
	}
	if n > limit {
		return &PromptTooLongError{Tokens: n, Limit: limit}
	}
	return nil
}

// hasStop reports whether an antiprompt ends inside the last fragment of s.
func hasStop(s string, fragLen int, stops []string) bool {
	for _, a := range stops {
		if a == "" {
			continue
		}
		from := len(s) - fragLen - len(a) + 1
		if from < 0 {
			from = 0
		}
		if strings.Contains(s[from:], a) {
			return true
		}
	}
	return false
}

func (i *Instance) emit(r *run, frags []string) {
	for _, f := range frags {
		r.result.AddToken(f)
		tokensTotal.WithLabelValues(i.model.ID).Inc()
		i.publish(r, events.InferenceToken, map[string]any{"token": f})

		i.mu.Lock()
		lines, rest := lineSplit(i.line, f)
		i.line = rest
		i.mu.Unlock()
		for _, l := range lines {
			i.publish(r, events.InferenceLine, map[string]any{"line": l})
		}
	}
}

func (i *Instance) flushLine(r *run) {
	i.mu.Lock()
	l := i.line
	i.line = ""
	i.mu.Unlock()
	if l != "" {
		i.publish(r, events.InferenceLine, map[string]any{"line": l})
	}
}

func updateUnloadModel(i *Instance, r *run) State {
	i.mu.RLock()
	save := i.stateful && r.loadErr == nil && r.genErr == nil && i.store != nil && i.bctx != nil
	transcript, bctx, exec, store := i.transcript, i.bctx, i.exec, i.store
	i.mu.RUnlock()
	if save {
		if err := store.Save(transcript, bctx, exec); err != nil && !errors.Is(err, backend.ErrStateUnsupported) {
			i.log.Warn().Err(err).Str("instance", i.ID()).Msg("prompt cache save failed")
		}
	}

	i.mu.Lock()
	switch {
	case r.loadErr != nil || !i.persistent:
		i.releaseLocked()
	case i.stateful && r.genErr != nil:
		// The context no longer matches the transcript; the next run
		// rebuilds it from the cache or by replaying the transcript.
		i.releaseStateLocked()
	}
	i.mu.Unlock()
	return InferenceFinished
}

func enterInferenceFinished(i *Instance, r *run) {
	i.mu.Lock()
	i.running = false
	i.firstRun = false
	i.lastUsed = time.Now()
	i.mu.Unlock()
	r.result.Finish()

	outcome := "ok"
	fields := map[string]any{
		"tokens":         r.result.TokenCount(),
		"prompt_tokens":  r.result.PromptTokens(),
		"tokens_per_sec": r.result.TokensPerSec(),
	}
	if e := r.result.Err(); e != nil {
		outcome = "error"
		fields["error_type"] = e.Type
		fields["error"] = e.Message
	}
	generationsTotal.WithLabelValues(i.model.ID, outcome).Inc()
	i.publish(r, events.InferenceFinished, fields)
}

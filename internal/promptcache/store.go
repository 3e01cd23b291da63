package promptcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateIO is a backend object whose state can be written to and restored
// from a file.
type StateIO interface {
	SaveState(path string) error
	LoadState(path string) error
}

// Store is the cache namespace of one state id.
type Store struct {
	m       *Manager
	stateID string
	dir     string
}

func (s *Store) StateID() string { return s.stateID }

// Dir is the namespace directory.
func (s *Store) Dir() string { return s.dir }

// Save writes prompt and the backend states under the prompt's cache id. A
// nil exec skips the executor blob.
func (s *Store) Save(prompt string, ctx, exec StateIO) error {
	if prompt == "" {
		return errors.New("save: empty prompt")
	}
	if ctx == nil {
		return errors.New("save: nil context")
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	id := CacheID(prompt)
	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	fail := func(err error) error {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("save %s: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(dir, promptFile), []byte(prompt), 0o644); err != nil {
		return fail(err)
	}
	if err := ctx.SaveState(filepath.Join(dir, contextFile)); err != nil {
		return fail(err)
	}
	if exec != nil {
		if err := exec.SaveState(filepath.Join(dir, executorFile)); err != nil {
			return fail(err)
		}
	}
	now := s.m.now()
	if err := os.Chtimes(dir, now, now); err != nil {
		return fail(err)
	}
	savesTotal.Inc()
	s.m.log.Debug().Str("state", s.stateID).Str("entry", id).Int("prompt_bytes", len(prompt)).Msg("cache save")
	return nil
}

// Entries lists the namespace newest first.
func (s *Store) Entries() ([]Entry, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return listEntries(s.dir, s.stateID)
}

// Lookup finds the newest entry whose prompt is a prefix of prompt, after
// removing inputPrefix from the start and inputSuffix from the end of both.
// On a hit the stored states are loaded into ctx and exec and the part of
// prompt not covered by the entry is returned with inputSuffix reattached.
// On a miss prompt is returned unchanged. Unreadable entries are removed
// and count as misses.
func (s *Store) Lookup(prompt, inputPrefix, inputSuffix string, ctx, exec StateIO) (string, bool) {
	entries, err := s.Entries()
	if err != nil {
		s.m.log.Warn().Err(err).Str("state", s.stateID).Msg("cache list failed")
		missesTotal.Inc()
		return prompt, false
	}
	query := strip(prompt, inputPrefix, inputSuffix)
	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(e.Dir, promptFile))
		if err != nil {
			s.discard(e, err)
			continue
		}
		cachedPrompt := string(raw)
		cached := strip(cachedPrompt, inputPrefix, inputSuffix)
		if !strings.HasPrefix(query, cached) {
			continue
		}
		if err := s.load(e, ctx, exec); err != nil {
			s.discard(e, err)
			continue
		}
		delta := query[len(cached):]
		if inputSuffix != "" && strings.HasSuffix(cachedPrompt, inputSuffix) {
			delta = strings.TrimPrefix(delta, inputSuffix)
		}
		hitsTotal.Inc()
		s.m.log.Debug().Str("state", s.stateID).Str("entry", e.ID).
			Int("cached_bytes", len(cached)).Int("delta_bytes", len(delta)).Msg("cache hit")
		return delta + inputSuffix, true
	}
	missesTotal.Inc()
	return prompt, false
}

// Purge removes the whole namespace.
func (s *Store) Purge() error { return s.m.Purge(s.stateID) }

func (s *Store) load(e Entry, ctx, exec StateIO) error {
	if ctx != nil {
		if err := ctx.LoadState(filepath.Join(e.Dir, contextFile)); err != nil {
			return fmt.Errorf("load context: %w", err)
		}
	}
	if exec == nil {
		return nil
	}
	p := filepath.Join(e.Dir, executorFile)
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("load executor: %w", err)
	}
	if err := exec.LoadState(p); err != nil {
		return fmt.Errorf("load executor: %w", err)
	}
	return nil
}

func (s *Store) discard(e Entry, cause error) {
	s.m.log.Warn().Err(cause).Str("state", s.stateID).Str("entry", e.ID).Msg("cache entry unreadable, removing")
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if err := s.m.removeEntry(e, "corrupt"); err != nil {
		s.m.log.Warn().Err(err).Str("entry", e.ID).Msg("cache remove failed")
	}
}

func strip(s, prefix, suffix string) string {
	if prefix != "" {
		s = strings.TrimPrefix(s, prefix)
	}
	if suffix != "" {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

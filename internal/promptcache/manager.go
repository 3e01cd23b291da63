// Package promptcache persists opaque backend state keyed by the prompt that
// produced it, so a growing conversation can resume from its longest cached
// prefix instead of being evaluated from scratch.
//
// Layout: <dir>/<stateID>/<cacheID>/{prompt,context,executor}
package promptcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
)

const (
	promptFile   = "prompt"
	contextFile  = "context"
	executorFile = "executor"
)

const (
	defaultMaxSizeMB     = 2048
	defaultMaxAge        = 24 * time.Hour
	defaultSweepInterval = time.Minute
)

// StateID names the cache namespace for one model/context configuration.
func StateID(modelID, contentHash string, contextSize int, ropeBase, ropeScale float32) string {
	return fmt.Sprintf("%s-%s-%d-%s-%s", modelID, contentHash, contextSize, formatFloat(ropeBase), formatFloat(ropeScale))
}

// CacheID is the hex SHA-256 digest of a prompt.
func CacheID(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

func formatFloat(f float32) string { return strconv.FormatFloat(float64(f), 'f', -1, 32) }

// Config configures a Manager. Zero limits select defaults; a negative
// MaxSizeMB or MaxAge disables that limit.
type Config struct {
	Dir           string
	MaxSizeMB     int
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        *zerolog.Logger
}

// Manager owns the cache directory. Saves, purges and sweeps are serialized
// on one lock.
type Manager struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	maxAge   time.Duration
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Manager rooted at cfg.Dir.
func New(cfg Config) *Manager {
	m := &Manager{
		dir:      cfg.Dir,
		maxBytes: int64(defaultMaxSizeMB) << 20,
		maxAge:   defaultMaxAge,
		interval: defaultSweepInterval,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	switch {
	case cfg.MaxSizeMB > 0:
		m.maxBytes = int64(cfg.MaxSizeMB) << 20
	case cfg.MaxSizeMB < 0:
		m.maxBytes = -1
	}
	switch {
	case cfg.MaxAge > 0:
		m.maxAge = cfg.MaxAge
	case cfg.MaxAge < 0:
		m.maxAge = -1
	}
	if cfg.SweepInterval > 0 {
		m.interval = cfg.SweepInterval
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "promptcache").Logger()
	}
	return m
}

// Dir returns the cache root.
func (m *Manager) Dir() string { return m.dir }

// Store returns the store for one state namespace.
func (m *Manager) Store(stateID string) *Store {
	return &Store{m: m, stateID: stateID, dir: filepath.Join(m.dir, stateID)}
}

// Purge removes every entry of a state namespace.
func (m *Manager) Purge(stateID string) error {
	if stateID == "" || strings.ContainsAny(stateID, `/\`) || stateID == "." || stateID == ".." {
		return fmt.Errorf("purge: invalid state id %q", stateID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(m.dir, stateID)); err != nil {
		return fmt.Errorf("purge %s: %w", stateID, err)
	}
	m.log.Info().Str("state", stateID).Msg("cache purged")
	return nil
}

// PurgeModel removes every state namespace belonging to modelID and reports
// how many were removed.
func (m *Manager) PurgeModel(modelID string) (int, error) {
	if modelID == "" {
		return 0, errors.New("purge: empty model id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	states, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, s := range states {
		if !s.IsDir() || !strings.HasPrefix(s.Name(), modelID+"-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, s.Name())); err != nil {
			return removed, fmt.Errorf("purge %s: %w", s.Name(), err)
		}
		removed++
	}
	m.log.Info().Str("model", modelID).Int("states", removed).Msg("cache purged")
	return removed, nil
}

// SweepReport summarizes one eviction pass.
type SweepReport struct {
	Entries     int
	ExpiredAge  int
	EvictedSize int
	BytesBefore int64
	BytesAfter  int64
}

// Sweep deletes entries older than the age limit, then deletes the oldest
// remaining entries until the total size is within the size limit.
func (m *Manager) Sweep() (SweepReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep SweepReport
	entries, err := m.allEntries()
	if err != nil {
		return rep, err
	}
	rep.Entries = len(entries)
	for _, e := range entries {
		rep.BytesBefore += e.Size
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ModTime.Before(entries[j].ModTime) })

	total := rep.BytesBefore
	kept := entries[:0]
	now := m.now()
	for _, e := range entries {
		if m.maxAge > 0 && now.Sub(e.ModTime) > m.maxAge {
			if err := m.removeEntry(e, "age"); err != nil {
				return rep, err
			}
			total -= e.Size
			rep.ExpiredAge++
			continue
		}
		kept = append(kept, e)
	}
	for _, e := range kept {
		if m.maxBytes < 0 || total <= m.maxBytes {
			break
		}
		if err := m.removeEntry(e, "size"); err != nil {
			return rep, err
		}
		total -= e.Size
		rep.EvictedSize++
	}
	rep.BytesAfter = total
	if rep.ExpiredAge+rep.EvictedSize > 0 {
		m.log.Info().Int("expired", rep.ExpiredAge).Int("evicted", rep.EvictedSize).
			Int64("bytes_after", rep.BytesAfter).Msg("cache sweep")
	}
	cacheBytes.Set(float64(total))
	return rep, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.Sweep(); err != nil {
				m.log.Warn().Err(err).Msg("cache sweep failed")
			}
		}
	}
}

func (m *Manager) removeEntry(e Entry, reason string) error {
	if err := os.RemoveAll(e.Dir); err != nil {
		return fmt.Errorf("evict %s: %w", e.Dir, err)
	}
	evictionsTotal.WithLabelValues(reason).Inc()
	m.log.Debug().Str("entry", e.ID).Str("state", e.StateID).Str("reason", reason).Msg("cache evict")
	return nil
}

// allEntries lists entries of every state namespace. Caller holds m.mu.
func (m *Manager) allEntries() ([]Entry, error) {
	states, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cache dir: %w", err)
	}
	var out []Entry
	for _, s := range states {
		if !s.IsDir() {
			continue
		}
		es, err := listEntries(filepath.Join(m.dir, s.Name()), s.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// Entry is one cached prompt state.
type Entry struct {
	ID      string
	StateID string
	Dir     string
	ModTime time.Time
	Size    int64
}

// listEntries returns the entries of one namespace, newest first. Recency is
// the directory modification time, which Save refreshes explicitly.
func listEntries(stateDir, stateID string) ([]Entry, error) {
	dirs, err := os.ReadDir(stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	out := make([]Entry, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(stateDir, d.Name())
		size, err := fsutil.DirSize(p)
		if err != nil {
			continue
		}
		out = append(out, Entry{ID: d.Name(), StateID: stateID, Dir: p, ModTime: info.ModTime(), Size: size})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

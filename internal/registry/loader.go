// Package registry discovers model files and resolves their definitions.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/internal/config"
	"inferd/pkg/types"
)

// hashPrefixBytes is how much of a weights file ContentHash reads.
const hashPrefixBytes = 16 << 20

// knownFamilies are matched against the first word of a file name.
var knownFamilies = []string{"llama", "mistral", "mixtral", "phi", "qwen", "gemma", "falcon", "tinyllama", "deepseek", "starcoder"}

// GGUFScanner lists *.gguf files in a directory.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds a model per *.gguf file (case-insensitive) in dir. ID is the
// full filename; Path is absolute. Quant and Family are guessed from the
// name.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.Model{
			ID:     name,
			Name:   name,
			Path:   filepath.Join(abs, name),
			Quant:  guessQuant(name),
			Family: guessFamily(name),
		})
	}
	return models, nil
}

// LoadDir scans dir with a GGUFScanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

func nameFields(name string) []string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.FieldsFunc(stem, func(r rune) bool { return r == '.' || r == '-' || r == ' ' })
}

func guessQuant(name string) string {
	fields := nameFields(name)
	for i := len(fields) - 1; i >= 0; i-- {
		f := strings.ToUpper(fields[i])
		if f == "F16" || f == "F32" || f == "BF16" {
			return f
		}
		if q := strings.TrimPrefix(f, "I"); len(q) > 1 && q[0] == 'Q' && q[1] >= '0' && q[1] <= '9' {
			return f
		}
	}
	return ""
}

func guessFamily(name string) string {
	fields := nameFields(name)
	if len(fields) == 0 {
		return ""
	}
	first := strings.ToLower(fields[0])
	for _, fam := range knownFamilies {
		if strings.HasPrefix(first, fam) {
			return fam
		}
	}
	return ""
}

// ContentHash is a short digest of the file size and its leading bytes. It
// changes when the weights are replaced, which invalidates their cached
// prompt states.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d\n", info.Size())
	if _, err := io.CopyN(h, f, hashPrefixBytes); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// Build resolves the model list for cfg: models scanned from ModelsDir plus
// models declared with a path, each with the global and per-model overrides
// applied over the built-in defaults and a content hash computed. A missing
// ModelsDir is not an error when models are declared explicitly.
func Build(cfg config.Config) ([]types.Model, error) {
	scanned, err := LoadDir(cfg.ModelsDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || len(cfg.Models) == 0 {
			return nil, err
		}
	}
	byID := make(map[string]types.Model, len(scanned))
	for _, m := range scanned {
		byID[m.ID] = m
	}
	for _, mc := range cfg.Models {
		m, ok := byID[mc.ID]
		if !ok {
			if mc.Path == "" {
				return nil, fmt.Errorf("model %q: not found in %s and no path given", mc.ID, cfg.ModelsDir)
			}
			m = types.Model{ID: mc.ID, Name: mc.ID, Quant: guessQuant(filepath.Base(mc.Path)), Family: guessFamily(filepath.Base(mc.Path))}
		}
		if mc.Path != "" {
			p, err := fsutil.ExpandHome(mc.Path)
			if err != nil {
				return nil, err
			}
			m.Path = p
		}
		if mc.Name != "" {
			m.Name = mc.Name
		}
		if mc.Family != "" {
			m.Family = mc.Family
		}
		m.Backend = mc.Backend
		m.KeepLoaded = mc.KeepLoaded
		m.Load = types.DefaultLoadParams().Apply(cfg.Load).Apply(mc.Load)
		m.Infer = types.DefaultInferenceParams().Apply(cfg.Infer).Apply(mc.Infer)
		byID[m.ID] = m
	}

	out := make([]types.Model, 0, len(byID))
	declared := map[string]bool{}
	for _, mc := range cfg.Models {
		declared[mc.ID] = true
	}
	for id, m := range byID {
		if !declared[id] {
			m.Load = types.DefaultLoadParams().Apply(cfg.Load)
			m.Infer = types.DefaultInferenceParams().Apply(cfg.Infer)
		}
		if m.Backend == "" {
			m.Backend = cfg.Backend.Kind
		}
		if !fsutil.PathExists(m.Path) {
			return nil, fmt.Errorf("model %q: weights %s not found", id, m.Path)
		}
		hash, err := ContentHash(m.Path)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", id, err)
		}
		m.ContentHash = hash
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

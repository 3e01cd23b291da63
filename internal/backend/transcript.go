package backend

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// transcript is the text a stateful executor has evaluated so far. Runtimes
// that re-read the whole conversation on every call (llama-server, the
// go-llama bindings) prepend it to each prompt and rely on their own prefix
// cache to skip the replay.
type transcript struct {
	mu   sync.Mutex
	text string
}

func (t *transcript) with(prompt string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text + prompt
}

func (t *transcript) append(parts ...string) {
	t.mu.Lock()
	t.text += strings.Join(parts, "")
	t.mu.Unlock()
}

func (t *transcript) save(path string) error {
	t.mu.Lock()
	text := t.text
	t.mu.Unlock()
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

func (t *transcript) load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	t.mu.Lock()
	t.text = string(b)
	t.mu.Unlock()
	return nil
}

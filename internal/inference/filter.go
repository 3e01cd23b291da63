package inference

import (
	"strings"
	"unicode"
)

// Filter inspects the fragments currently held back by a Chain. Match reports
// whether the pending fragments must keep being held; Filter rewrites them
// when they are released. emitted holds every fragment released so far.
type Filter interface {
	Match(pending, emitted []string) bool
	Filter(pending, emitted []string) []string
}

// Chain applies filters to a live fragment stream. Not safe for concurrent use.
type Chain struct {
	filters []Filter
	held    []string
	emitted []string
}

// NewChain returns a chain with filters registered in order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Add registers another filter after the existing ones.
func (c *Chain) Add(f Filter) { c.filters = append(c.filters, f) }

// Len reports the number of registered filters.
func (c *Chain) Len() int { return len(c.filters) }

// Process feeds one fragment. When filtered is true the fragment is held and
// nothing is emitted yet; otherwise out holds the fragments to emit.
func (c *Chain) Process(frag string) (out []string, filtered bool) {
	pending := append(append([]string(nil), c.held...), frag)
	for _, f := range c.filters {
		if f.Match(pending, c.emitted) {
			c.held = pending
			return nil, true
		}
	}
	if len(c.held) == 0 {
		c.emitted = append(c.emitted, frag)
		return []string{frag}, false
	}
	return c.release(pending), false
}

// Flush releases anything still held at the end of a stream.
func (c *Chain) Flush() []string {
	if len(c.held) == 0 {
		return nil
	}
	return c.release(c.held)
}

// Emitted returns a copy of every fragment released so far.
func (c *Chain) Emitted() []string { return append([]string(nil), c.emitted...) }

// Reset clears held and emitted fragments, keeping the filters.
func (c *Chain) Reset() {
	c.held = nil
	c.emitted = nil
}

func (c *Chain) release(pending []string) []string {
	out := pending
	for _, f := range c.filters {
		out = f.Filter(out, c.emitted)
	}
	c.held = nil
	c.emitted = append(c.emitted, out...)
	return out
}

// StripLeadingSpace holds a whitespace-led first fragment and trims the
// whitespace on release, so the visible output never starts with a space.
type StripLeadingSpace struct{}

func (StripLeadingSpace) Match(pending, emitted []string) bool {
	if len(emitted) != 0 || len(pending) != 1 || pending[0] == "" {
		return false
	}
	r := []rune(pending[0])
	return unicode.IsSpace(r[0])
}

func (StripLeadingSpace) Filter(pending, emitted []string) []string {
	if len(emitted) != 0 {
		return pending
	}
	out := make([]string, 0, len(pending))
	trimming := true
	for _, p := range pending {
		if trimming {
			p = strings.TrimLeftFunc(p, unicode.IsSpace)
			if p == "" {
				continue
			}
			trimming = false
		}
		out = append(out, p)
	}
	return out
}

// StripAntiprompt holds text that may still grow into a stop sequence and
// removes complete stop sequences on release.
type StripAntiprompt struct {
	Antiprompts []string
}

func (s StripAntiprompt) Match(pending, _ []string) bool {
	text := strings.Join(pending, "")
	if text == "" {
		return false
	}
	for _, a := range s.Antiprompts {
		if a != "" && strings.HasPrefix(a, text) {
			return true
		}
	}
	return false
}

func (s StripAntiprompt) Filter(pending, _ []string) []string {
	text := strings.Join(pending, "")
	stripped := text
	for _, a := range s.Antiprompts {
		if a != "" {
			stripped = strings.ReplaceAll(stripped, a, "")
		}
	}
	if stripped == text {
		return pending
	}
	if stripped == "" {
		return nil
	}
	return []string{stripped}
}

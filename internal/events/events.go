// Package events defines the lifecycle notifications emitted by model
// instances and the sinks that receive them.
package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names.
const (
	ModelLoadStart    = "model_load_start"
	ModelLoadFinished = "model_load_finished"
	InferenceStart    = "inference_start"
	InferenceToken    = "inference_token"
	InferenceLine     = "inference_line"
	InferenceFinished = "inference_finished"
)

// Event represents an instance lifecycle event.
// Minimal and stable: name + model/instance IDs and optional fields.
type Event struct {
	Name       string
	ModelID    string
	InstanceID string
	Fields     map[string]any
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// Noop returns a publisher that drops events.
func Noop() Publisher { return noopPublisher{} }

// OrNoop returns p, or a noop publisher when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

type multi []Publisher

func (m multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Multi fans an event out to every non-nil publisher in order.
func Multi(pubs ...Publisher) Publisher {
	out := make(multi, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// MemoryPublisher stores events in-memory for tests and inspection.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the recorded event names in order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// LogPublisher writes lifecycle events to a zerolog logger. Token events are
// logged at trace level.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(e Event) {
	lvl := zerolog.DebugLevel
	if e.Name == InferenceToken || e.Name == InferenceLine {
		lvl = zerolog.TraceLevel
	}
	ev := p.Log.WithLevel(lvl).Str("model", e.ModelID).Str("instance", e.InstanceID)
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Name)
}

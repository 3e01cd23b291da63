package chat

import (
	"strings"

	"inferd/pkg/types"
)

// Roles understood by the formatter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var defaultNames = map[string]string{
	RoleSystem:    "System",
	RoleUser:      "User",
	RoleAssistant: "Assistant",
}

// Formatter renders conversation turns as "Name: content" lines.
type Formatter struct {
	// Names overrides the display name per role.
	Names map[string]string
	// Responder is the role expected to answer. Defaults to assistant.
	Responder string
}

func (f Formatter) responder() string {
	if f.Responder == "" {
		return RoleAssistant
	}
	return f.Responder
}

// DisplayName is the message's own name, the configured name for its role,
// or the capitalized role.
func (f Formatter) DisplayName(m types.ChatMessage) string {
	if m.Name != "" {
		return m.Name
	}
	return f.roleName(m.Role)
}

func (f Formatter) roleName(role string) string {
	if n := f.Names[role]; n != "" {
		return n
	}
	if n := defaultNames[role]; n != "" {
		return n
	}
	if role == "" {
		return ""
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// Prompt is a formatted turn ready to enqueue.
type Prompt struct {
	Text        string
	PrePrompt   *string
	Antiprompts []string
}

// Overrides returns the inference overrides carrying the pre-prompt and the
// stop sequences.
func (p Prompt) Overrides() *types.InferenceOverrides {
	ov := &types.InferenceOverrides{Antiprompts: append([]string(nil), p.Antiprompts...)}
	if p.PrePrompt != nil {
		pp := *p.PrePrompt
		ov.PrePrompt = &pp
		if pp != "" {
			nl := "\n"
			ov.PrePromptSuffix = &nl
		}
	}
	return ov
}

// Format renders the messages not yet reflected in the backend state.
// System messages become the pre-prompt; when resumed is set the pre-prompt
// is cleared because the restored state already holds it. history is the
// full conversation and supplies the participants whose names stop
// generation.
func (f Formatter) Format(history, fresh []types.ChatMessage, resumed bool) Prompt {
	var b strings.Builder
	var system []string
	if resumed {
		b.WriteString("\n")
	}
	for _, m := range fresh {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		b.WriteString(f.DisplayName(m))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	responder := f.responder()
	b.WriteString(f.roleName(responder))
	b.WriteString(": ")

	p := Prompt{Text: b.String()}
	switch {
	case resumed:
		empty := ""
		p.PrePrompt = &empty
	case len(system) > 0:
		pp := strings.Join(system, "\n")
		p.PrePrompt = &pp
	}

	seen := map[string]bool{}
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		p.Antiprompts = append(p.Antiprompts, name+":")
	}
	if responder != RoleUser {
		add(f.roleName(RoleUser))
	}
	for _, m := range history {
		if m.Role == responder || m.Role == RoleSystem {
			continue
		}
		add(f.DisplayName(m))
	}
	return p
}

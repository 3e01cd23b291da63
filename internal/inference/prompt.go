package inference

import "inferd/pkg/types"

// FormatPrompt wraps user text in the configured templates. An empty
// pre-prompt drops its prefix and suffix as well.
func FormatPrompt(p types.InferenceParams, user string) string {
	out := ""
	if p.PrePrompt != "" {
		out = p.PrePromptPrefix + p.PrePrompt + p.PrePromptSuffix
	}
	return out + p.InputPrefix + user + p.InputSuffix
}

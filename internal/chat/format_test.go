package chat

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"inferd/pkg/types"
)

func TestFormatFirstTurn(t *testing.T) {
	h := []types.ChatMessage{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
	}
	p := Formatter{}.Format(h, h, false)
	if p.Text != "User: Hi\nAssistant: " {
		t.Fatalf("text = %q", p.Text)
	}
	if p.PrePrompt == nil || *p.PrePrompt != "Be brief." {
		t.Fatalf("pre-prompt = %v", p.PrePrompt)
	}
	if diff := cmp.Diff([]string{"User:"}, p.Antiprompts); diff != "" {
		t.Fatalf("antiprompts (-want +got):\n%s", diff)
	}
	ov := p.Overrides()
	if ov.PrePromptSuffix == nil || *ov.PrePromptSuffix != "\n" {
		t.Fatalf("pre-prompt suffix = %v", ov.PrePromptSuffix)
	}
}

func TestFormatResumedClearsPrePrompt(t *testing.T) {
	h := sampleHistory()
	p := Formatter{}.Format(h, h[3:], true)
	if p.Text != "\nUser: How are you?\nAssistant: " {
		t.Fatalf("text = %q", p.Text)
	}
	if p.PrePrompt == nil || *p.PrePrompt != "" {
		t.Fatalf("resumed turn must clear the pre-prompt")
	}
}

func TestFormatNamesAndAntiprompts(t *testing.T) {
	h := []types.ChatMessage{
		{Role: RoleUser, Name: "Alice", Content: "Hi"},
		{Role: RoleUser, Name: "Bob", Content: "Yo"},
	}
	f := Formatter{Names: map[string]string{RoleAssistant: "Bot"}}
	p := f.Format(h, h, false)
	if p.Text != "Alice: Hi\nBob: Yo\nBot: " {
		t.Fatalf("text = %q", p.Text)
	}
	if diff := cmp.Diff([]string{"User:", "Alice:", "Bob:"}, p.Antiprompts); diff != "" {
		t.Fatalf("antiprompts (-want +got):\n%s", diff)
	}
	if p.PrePrompt != nil {
		t.Fatalf("no system message means no pre-prompt override")
	}
}

func TestDisplayName(t *testing.T) {
	f := Formatter{}
	if got := f.DisplayName(types.ChatMessage{Role: "narrator"}); got != "Narrator" {
		t.Fatalf("got %q", got)
	}
}

package chat

import (
	"testing"

	"inferd/pkg/types"
)

func sampleHistory() []types.ChatMessage {
	return []types.ChatMessage{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "Hi"},
		{Role: RoleAssistant, Content: "Hello!"},
		{Role: RoleUser, Content: "How are you?"},
	}
}

func TestStateInstanceIDStable(t *testing.T) {
	h := sampleHistory()
	a := StateInstanceID(h, 0, 7)
	if b := StateInstanceID(sampleHistory(), 0, 7); a != b {
		t.Fatalf("unstable hash: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d", len(a))
	}
}

func TestStateInstanceIDChangesWithAnyMessage(t *testing.T) {
	base := StateInstanceID(sampleHistory(), 0, 7)
	for i := range sampleHistory() {
		h := sampleHistory()
		h[i].Content += "."
		if StateInstanceID(h, 0, 7) == base {
			t.Fatalf("changing message %d did not change the hash", i)
		}
	}
	h := sampleHistory()
	h[1].Name = "Bob"
	if StateInstanceID(h, 0, 7) == base {
		t.Fatalf("changing a name did not change the hash")
	}
	if StateInstanceID(sampleHistory(), 0, 8) == base {
		t.Fatalf("seed is not part of the hash")
	}
}

func TestStateInstanceIDExcludeLast(t *testing.T) {
	h := sampleHistory()
	if StateInstanceID(h, 1, 0) != StateInstanceID(h[:3], 0, 0) {
		t.Fatalf("excluding the newest message should equal hashing the shorter history")
	}
	if StateInstanceID(h, len(h), 0) != StateInstanceID(nil, 0, 0) {
		t.Fatalf("excluding everything should equal the empty history")
	}
}

func TestStateInstanceIDFieldBoundaries(t *testing.T) {
	a := []types.ChatMessage{{Role: "user", Content: "ab"}}
	b := []types.ChatMessage{{Role: "usera", Content: "b"}}
	if StateInstanceID(a, 0, 0) == StateInstanceID(b, 0, 0) {
		t.Fatalf("field boundaries are ambiguous")
	}
}

package scheduler

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"inferd/internal/backend"
	"inferd/internal/backend/backendtest"
	"inferd/pkg/types"
)

func decodeLines(t *testing.T, b []byte) (tokens []string, final types.InferResponse) {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(b))
	var lines [][]byte
	for sc.Scan() {
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	if len(lines) == 0 {
		t.Fatalf("no output")
	}
	for _, l := range lines[:len(lines)-1] {
		var tok types.StreamToken
		if err := json.Unmarshal(l, &tok); err != nil {
			t.Fatalf("token line %q: %v", l, err)
		}
		tokens = append(tokens, tok.Token)
	}
	if err := json.Unmarshal(lines[len(lines)-1], &final); err != nil {
		t.Fatalf("final line: %v", err)
	}
	return tokens, final
}

func TestInferStreamsNDJSON(t *testing.T) {
	s := newTestScheduler(t, backendtest.New("Hello", " world"))
	startLoop(t, s)
	var buf bytes.Buffer
	flushes := 0
	err := s.Infer(waitCtx(t), types.InferRequest{Prompt: "hi", Stream: true}, &buf, func() { flushes++ })
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	tokens, final := decodeLines(t, buf.Bytes())
	if diff := cmp.Diff([]string{"Hello", " world"}, tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if !final.Done || final.Content != "Hello world" || final.Tokens != 2 || final.Error != nil {
		t.Fatalf("final = %+v", final)
	}
	if flushes != 3 {
		t.Fatalf("flushes = %d", flushes)
	}
}

func TestInferSingleObjectWhenNotStreaming(t *testing.T) {
	s := newTestScheduler(t, backendtest.New("ok"))
	startLoop(t, s)
	var buf bytes.Buffer
	if err := s.Infer(waitCtx(t), types.InferRequest{Model: "m2", Prompt: "hi"}, &buf, nil); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	tokens, final := decodeLines(t, buf.Bytes())
	if len(tokens) != 0 || final.Content != "ok" {
		t.Fatalf("tokens=%v final=%+v", tokens, final)
	}
}

func TestInferReusesStatelessInstance(t *testing.T) {
	f := backendtest.New("ok")
	s := newTestScheduler(t, f)
	startLoop(t, s)
	for i := 0; i < 3; i++ {
		var buf bytes.Buffer
		if err := s.Infer(waitCtx(t), types.InferRequest{Prompt: "hi"}, &buf, nil); err != nil {
			t.Fatalf("Infer: %v", err)
		}
	}
	if n := len(s.Status().Instances); n != 1 {
		t.Fatalf("instances = %d, want one shared stateless instance", n)
	}
}

func TestInferStatefulKeepsInstanceID(t *testing.T) {
	s := newTestScheduler(t, backendtest.New("ok"))
	startLoop(t, s)
	var buf bytes.Buffer
	if err := s.Infer(waitCtx(t), types.InferRequest{Prompt: "hi", Stateful: true, InstanceID: "conv"}, &buf, nil); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	_, final := decodeLines(t, buf.Bytes())
	if final.InstanceID != "conv" || !s.HasInstance("conv") {
		t.Fatalf("final = %+v", final)
	}
}

func TestInferReportsGenerationErrorInFinalLine(t *testing.T) {
	f := backendtest.New("a", "b")
	f.FailAfter = 1
	f.Err = &backend.OutOfMemoryError{Op: "generate"}
	s := newTestScheduler(t, f)
	startLoop(t, s)
	var buf bytes.Buffer
	if err := s.Infer(waitCtx(t), types.InferRequest{Prompt: "hi", Stream: true}, &buf, nil); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	tokens, final := decodeLines(t, buf.Bytes())
	if diff := cmp.Diff([]string{"a"}, tokens); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if final.Error == nil || final.Error.Type != "OutOfMemoryError" {
		t.Fatalf("final = %+v", final)
	}
}

func TestInferUnknownModel(t *testing.T) {
	s := newTestScheduler(t, backendtest.New())
	var buf bytes.Buffer
	if err := s.Infer(waitCtx(t), types.InferRequest{Model: "nope", Prompt: "hi"}, &buf, nil); !IsModelNotFound(err) {
		t.Fatalf("err = %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written on admission errors")
	}
}

func TestInferStripsStopSequencesFromContent(t *testing.T) {
	s := newTestScheduler(t, backendtest.New("done", "END", " tail"))
	startLoop(t, s)
	var buf bytes.Buffer
	if err := s.Infer(waitCtx(t), types.InferRequest{Prompt: "hi", Stop: []string{"END"}}, &buf, nil); err != nil {
		t.Fatalf("Infer: %v", err)
	}
	_, final := decodeLines(t, buf.Bytes())
	if final.Content != "done" {
		t.Fatalf("content = %q", final.Content)
	}
}
